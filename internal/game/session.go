package game

import (
	"encoding/json"
	"fmt"
)

const MillisPerMinute int64 = 60_000

// Session is the authoritative state of one multi-round match. It lives in
// the shared store; every worker loads, mutates and saves it through the
// store's versioned write.
type Session struct {
	ID          string
	Players     []string // [0] black, [1] white once both players are seated
	Wallets     map[string]string
	Wager       float64
	TimeControl int // minutes per player per round

	RemainingWhite int64 // ms
	RemainingBlack int64 // ms
	TurnStartedAt  int64 // unix ms, reset on every move and round start

	MatchScore  map[string]float64
	Round       int
	TotalRounds int
	Finished    bool

	Board *Board

	// Version is the optimistic-concurrency counter managed by the store.
	// It is not part of the serialized record.
	Version int64
}

func NewSession(id, creator, wallet string, timeControl int, wager float64, totalRounds int) *Session {
	remaining := int64(timeControl) * MillisPerMinute
	return &Session{
		ID:             id,
		Players:        []string{creator},
		Wallets:        map[string]string{creator: wallet},
		Wager:          wager,
		TimeControl:    timeControl,
		RemainingWhite: remaining,
		RemainingBlack: remaining,
		MatchScore:     map[string]float64{creator: 0},
		Round:          1,
		TotalRounds:    totalRounds,
		Board:          NewBoard(),
	}
}

func (s *Session) Full() bool {
	return len(s.Players) > 1
}

// Colour returns the colour index of the given player, or -1 if the player
// is not part of the session.
func (s *Session) Colour(clientID string) int {
	for i, p := range s.Players {
		if p == clientID {
			return i
		}
	}
	return -1
}

func (s *Session) PlayerAt(colour int) string {
	if colour < 0 || colour >= len(s.Players) {
		return ""
	}
	return s.Players[colour]
}

func (s *Session) Opponent(clientID string) (string, bool) {
	for _, p := range s.Players {
		if p != clientID {
			return p, true
		}
	}
	return "", false
}

func (s *Session) Remaining(colour int) int64 {
	if colour == ColourWhite {
		return s.RemainingWhite
	}
	return s.RemainingBlack
}

func (s *Session) SetRemaining(colour int, ms int64) {
	if colour == ColourWhite {
		s.RemainingWhite = ms
	} else {
		s.RemainingBlack = ms
	}
}

// ReverseColours swaps the colour order for the next round or a rematch.
func (s *Session) ReverseColours() {
	if len(s.Players) == 2 {
		s.Players[0], s.Players[1] = s.Players[1], s.Players[0]
	}
}

func (s *Session) RemovePlayer(clientID string) {
	for i, p := range s.Players {
		if p == clientID {
			s.Players = append(s.Players[:i], s.Players[i+1:]...)
			return
		}
	}
}

// OverallWinner compares accumulated match scores and returns the winning
// colour index of the final round, or nil for a drawn match.
func (s *Session) OverallWinner() *int {
	if len(s.Players) < 2 {
		return nil
	}
	black := s.MatchScore[s.Players[ColourBlack]]
	white := s.MatchScore[s.Players[ColourWhite]]
	var winner int
	switch {
	case black > white:
		winner = ColourBlack
	case white > black:
		winner = ColourWhite
	default:
		return nil
	}
	return &winner
}

type sessionRecord struct {
	ID             string             `json:"id"`
	Players        []string           `json:"players"`
	Wallets        map[string]string  `json:"wallets"`
	Wager          float64            `json:"wager"`
	TimeControl    int                `json:"timeControl"`
	RemainingWhite int64              `json:"remainingWhite"`
	RemainingBlack int64              `json:"remainingBlack"`
	TurnStartedAt  int64              `json:"turnStartedAt"`
	MatchScore     map[string]float64 `json:"matchScore"`
	Round          int                `json:"round"`
	TotalRounds    int                `json:"totalRounds"`
	Finished       bool               `json:"finished"`
	Board          string             `json:"board"`
}

// EncodeSession flattens the session for storage. The board is stored as its
// canonical FEN string.
func EncodeSession(s *Session) ([]byte, error) {
	record := sessionRecord{
		ID:             s.ID,
		Players:        s.Players,
		Wallets:        s.Wallets,
		Wager:          s.Wager,
		TimeControl:    s.TimeControl,
		RemainingWhite: s.RemainingWhite,
		RemainingBlack: s.RemainingBlack,
		TurnStartedAt:  s.TurnStartedAt,
		MatchScore:     s.MatchScore,
		Round:          s.Round,
		TotalRounds:    s.TotalRounds,
		Finished:       s.Finished,
		Board:          s.Board.FEN(),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	return raw, nil
}

func DecodeSession(raw []byte) (*Session, error) {
	var record sessionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	board, err := RestoreBoard(record.Board)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:             record.ID,
		Players:        record.Players,
		Wallets:        record.Wallets,
		Wager:          record.Wager,
		TimeControl:    record.TimeControl,
		RemainingWhite: record.RemainingWhite,
		RemainingBlack: record.RemainingBlack,
		TurnStartedAt:  record.TurnStartedAt,
		MatchScore:     record.MatchScore,
		Round:          record.Round,
		TotalRounds:    record.TotalRounds,
		Finished:       record.Finished,
		Board:          board,
	}, nil
}
