package server

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/wortley/dechecs/internal/bus"
	"github.com/wortley/dechecs/internal/game"
	"github.com/wortley/dechecs/pkg/logging"
)

// In-game operations: move, draw offer/acceptance, resignation and timeout
// claims. Every mutating handler re-loads the session inside the store's
// versioned write; the in-memory copy is never trusted across a suspension.

// Move delegates legality to the rules engine, charges the mover's clock
// and broadcasts the full post-move state. A terminal outcome updates the
// match score and triggers round-end handling.
func (m *MatchController) Move(ctx context.Context, t transport, uci string) error {
	sessionID, err := m.sessionOf(t.ID())
	if err != nil {
		return err
	}

	var result game.MoveResult
	session, err := m.mutate(ctx, sessionID, func(s *game.Session) error {
		if s.Finished || !s.Full() {
			return errIllegalMove()
		}
		mover := s.Colour(t.ID())
		if mover < 0 {
			return errNotFound()
		}
		if s.Board.Turn() != mover {
			return errWrongTurn()
		}
		res, err := s.Board.Push(uci)
		if err != nil {
			return errIllegalMove()
		}
		if remaining := m.clock.ApplyMove(s, mover); remaining <= 0 {
			// The clock ran out during this turn: the move loses on time.
			s.SetRemaining(mover, 0)
			winner := opponentColour(mover)
			outcome := game.OutcomeTimeout
			res.Winner, res.Outcome = &winner, &outcome
		}
		if res.Terminal() {
			applyRoundScore(s, res.Winner)
			if s.Round == s.TotalRounds {
				s.Finished = true
			}
		}
		result = res
		return nil
	})
	if err != nil {
		if result.Terminal() {
			// a failed round-end write affects both players' view
			return broadcastStoreError(err, sessionID)
		}
		return err
	}

	m.broadcastMove(ctx, session, result)
	m.broadcastClockSync(ctx, session)
	if result.Terminal() {
		m.finishRound(ctx, session)
	}
	return nil
}

// OfferDraw routes the offer to the opponent only.
func (m *MatchController) OfferDraw(ctx context.Context, t transport) error {
	sessionID, err := m.sessionOf(t.ID())
	if err != nil {
		return err
	}
	session, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	opponent, ok := session.Opponent(t.ID())
	if !ok {
		return errNotFound()
	}
	return m.bus.Publish(ctx, sessionID, opponent, bus.MustEvent(bus.EventDrawOffer, nil))
}

// AcceptDraw ends the round as agreed: half a point each.
func (m *MatchController) AcceptDraw(ctx context.Context, t transport) error {
	return m.endRoundByControl(ctx, t.ID(), game.OutcomeAgreement, func(s *game.Session) (*int, error) {
		return nil, nil
	})
}

// Resign credits the opponent with the round.
func (m *MatchController) Resign(ctx context.Context, t transport) error {
	return m.endRoundByControl(ctx, t.ID(), game.OutcomeResignation, func(s *game.Session) (*int, error) {
		colour := s.Colour(t.ID())
		if colour < 0 {
			return nil, errNotFound()
		}
		winner := opponentColour(colour)
		return &winner, nil
	})
}

// Flag is a claim that the given colour has run out of time. The claim is
// validated against the authoritative clock; a spurious claim is dismissed
// with no visible effect.
func (m *MatchController) Flag(ctx context.Context, t transport, claimed int) error {
	if claimed != game.ColourWhite && claimed != game.ColourBlack {
		return errInvalidRequest("Invalid colour")
	}
	sessionID, err := m.sessionOf(t.ID())
	if err != nil {
		return err
	}

	var winner *int
	session, err := m.mutate(ctx, sessionID, func(s *game.Session) error {
		if s.Finished || !s.Full() {
			return errNotFound()
		}
		if !m.clock.ValidateFlag(s, claimed, s.Board.Turn()) {
			return errFlagDismissed
		}
		s.SetRemaining(claimed, 0)
		w := opponentColour(claimed)
		winner = &w
		applyRoundScore(s, winner)
		if s.Round == s.TotalRounds {
			s.Finished = true
		}
		return nil
	})
	if errors.Is(err, errFlagDismissed) {
		logging.Info("flag dismissed",
			zap.String("session_id", sessionID),
			zap.String("client_id", t.ID()),
			zap.Int("claimed_colour", claimed),
		)
		return nil
	}
	if err != nil {
		return broadcastStoreError(err, sessionID)
	}

	m.broadcastControlMove(ctx, session, winner, game.OutcomeTimeout)
	m.finishRound(ctx, session)
	return nil
}

// endRoundByControl ends the current round with an outcome that does not
// come from a board move.
func (m *MatchController) endRoundByControl(
	ctx context.Context,
	clientID string,
	outcome int,
	decide func(s *game.Session) (*int, error),
) error {
	sessionID, err := m.sessionOf(clientID)
	if err != nil {
		return err
	}

	var winner *int
	session, err := m.mutate(ctx, sessionID, func(s *game.Session) error {
		if s.Finished || !s.Full() {
			return errNotFound()
		}
		w, err := decide(s)
		if err != nil {
			return err
		}
		winner = w
		applyRoundScore(s, winner)
		if s.Round == s.TotalRounds {
			s.Finished = true
		}
		return nil
	})
	if err != nil {
		return broadcastStoreError(err, sessionID)
	}

	m.broadcastControlMove(ctx, session, winner, outcome)
	m.finishRound(ctx, session)
	return nil
}

func (m *MatchController) broadcastMove(ctx context.Context, s *game.Session, res game.MoveResult) {
	payload := bus.MovePayload{
		Turn:               res.Turn,
		Winner:             res.Winner,
		Outcome:            res.Outcome,
		Move:               res.Move,
		Castles:            res.Castles,
		IsCheck:            res.Check,
		EnPassant:          res.EnPassant,
		LegalMoves:         res.LegalMoves,
		MoveStack:          res.MoveStack,
		TimeRemainingWhite: s.RemainingWhite,
		TimeRemainingBlack: s.RemainingBlack,
		MatchScore:         s.MatchScore,
	}
	if err := m.bus.Broadcast(ctx, s.ID, bus.MustEvent(bus.EventMove, payload)); err != nil {
		logging.Error("failed to publish move", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// broadcastControlMove publishes a move event that carries only an outcome,
// for round ends decided off the board.
func (m *MatchController) broadcastControlMove(ctx context.Context, s *game.Session, winner *int, outcome int) {
	payload := bus.MovePayload{
		Turn:               s.Board.Turn(),
		Winner:             winner,
		Outcome:            &outcome,
		TimeRemainingWhite: s.RemainingWhite,
		TimeRemainingBlack: s.RemainingBlack,
		MatchScore:         s.MatchScore,
	}
	if err := m.bus.Broadcast(ctx, s.ID, bus.MustEvent(bus.EventMove, payload)); err != nil {
		logging.Error("failed to publish round outcome", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func (m *MatchController) broadcastClockSync(ctx context.Context, s *game.Session) {
	payload := bus.ClockSyncPayload{
		TimeRemainingWhite: s.RemainingWhite,
		TimeRemainingBlack: s.RemainingBlack,
	}
	if err := m.bus.Broadcast(ctx, s.ID, bus.MustEvent(bus.EventClockSync, payload)); err != nil {
		logging.Error("failed to publish clock sync", zap.String("session_id", s.ID), zap.Error(err))
	}
}
