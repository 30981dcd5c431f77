package game

import "time"

// FlagTolerance absorbs network and reporting jitter when a player claims
// the opponent ran out of time.
const FlagTolerance = 100 * time.Millisecond

// Clock keeps the wall-clock bookkeeping for both players of a session.
type Clock struct {
	tolerance time.Duration
	now       func() time.Time
}

func NewClock() *Clock {
	return &Clock{
		tolerance: FlagTolerance,
		now:       time.Now,
	}
}

func (c *Clock) nowMillis() int64 {
	return c.now().UnixMilli()
}

// Reset restores both clocks to the session's time control and starts a
// fresh turn. Used at acceptance, round start and rematch.
func (c *Clock) Reset(s *Session) {
	remaining := int64(s.TimeControl) * MillisPerMinute
	s.RemainingWhite = remaining
	s.RemainingBlack = remaining
	s.TurnStartedAt = c.nowMillis()
}

// ApplyMove charges the elapsed turn time to the colour that just moved and
// starts the next turn. Returns the mover's remaining time.
func (c *Clock) ApplyMove(s *Session, moved int) int64 {
	now := c.nowMillis()
	elapsed := now - s.TurnStartedAt
	s.SetRemaining(moved, s.Remaining(moved)-elapsed)
	s.TurnStartedAt = now
	return s.Remaining(moved)
}

// ValidateFlag checks a timeout claim against the authoritative clock. A
// claim for a colour that is not on turn is spurious and dismissed; an
// on-turn claim is accepted only once the elapsed turn time reaches the
// claimed colour's remaining time, minus the tolerance.
func (c *Clock) ValidateFlag(s *Session, claimed, turn int) bool {
	if claimed != turn {
		return false
	}
	elapsed := c.nowMillis() - s.TurnStartedAt
	return elapsed >= s.Remaining(claimed)-c.tolerance.Milliseconds()
}
