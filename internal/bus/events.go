package bus

import (
	"encoding/json"
	"fmt"
)

// Event names understood by clients.
const (
	EventGameID       = "gameId"
	EventGameInfo     = "gameInfo"
	EventStart        = "start"
	EventMove         = "move"
	EventClockSync    = "clockSync"
	EventDrawOffer    = "drawOffer"
	EventRematchOffer = "rematchOffer"
	EventMatchEnded   = "matchEnded"
	EventError        = "error"
)

// Event is a named message published to one or all participants of a
// session. Data holds the marshalled payload for the event name.
type Event struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

func NewEvent(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s event: %w", name, err)
	}
	return Event{Name: name, Data: data}, nil
}

// MustEvent is for payload types defined in this repository, which cannot
// fail to marshal.
func MustEvent(name string, payload any) Event {
	ev, err := NewEvent(name, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

type GameInfoPayload struct {
	WagerAmount float64 `json:"wagerAmount"`
	TimeControl int     `json:"timeControl"`
	TotalRounds int     `json:"totalRounds"`
}

type StartPayload struct {
	Colour        int   `json:"colour"`
	TimeRemaining int64 `json:"timeRemaining"`
	Round         int   `json:"round"`
	TotalRounds   int   `json:"totalRounds"`
}

type MovePayload struct {
	Turn       int      `json:"turn"`
	Winner     *int     `json:"winner"`
	Outcome    *int     `json:"outcome"`
	Move       string   `json:"move,omitempty"`
	Castles    string   `json:"castles,omitempty"`
	IsCheck    bool     `json:"isCheck"`
	EnPassant  bool     `json:"enPassant"`
	LegalMoves []string `json:"legalMoves,omitempty"`
	MoveStack  []string `json:"moveStack,omitempty"`

	TimeRemainingWhite int64 `json:"timeRemainingWhite"`
	TimeRemainingBlack int64 `json:"timeRemainingBlack"`

	MatchScore map[string]float64 `json:"matchScore,omitempty"`
}

type ClockSyncPayload struct {
	TimeRemainingWhite int64 `json:"timeRemainingWhite"`
	TimeRemainingBlack int64 `json:"timeRemainingBlack"`
}

type MatchEndedPayload struct {
	OverallWinner *int `json:"overallWinner"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
