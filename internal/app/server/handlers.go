package server

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/wortley/dechecs/internal/bus"
	"github.com/wortley/dechecs/pkg/logging"
)

type payload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type createRequest struct {
	TimeControl int     `json:"timeControl"`
	Wager       float64 `json:"wager"`
	WalletAddr  string  `json:"walletAddr"`
	TotalRounds int     `json:"totalRounds"`
}

type joinRequest struct {
	GameID string `json:"gameId"`
}

type acceptRequest struct {
	GameID     string `json:"gameId"`
	WalletAddr string `json:"walletAddr"`
}

type moveRequest struct {
	Move string `json:"move"`
}

type flagRequest struct {
	Colour int `json:"colour"`
}

// handleMessage validates and routes one inbound client event. Structured
// failures go through routeError; anything else is logged and the
// connection left intact.
func (s *server) handleMessage(ctx context.Context, c transport, p payload) {
	var err error
	switch p.Type {
	case "create":
		var req createRequest
		if e := json.Unmarshal(p.Data, &req); e != nil {
			err = errInvalidRequest("Malformed create request")
		} else {
			err = s.match.Create(ctx, c, req.TimeControl, req.Wager, req.WalletAddr, req.TotalRounds)
		}
	case "join":
		var req joinRequest
		if e := json.Unmarshal(p.Data, &req); e != nil {
			err = errInvalidRequest("Malformed join request")
		} else {
			err = s.match.Join(ctx, c, req.GameID)
		}
	case "acceptGame":
		var req acceptRequest
		if e := json.Unmarshal(p.Data, &req); e != nil {
			err = errInvalidRequest("Malformed accept request")
		} else {
			err = s.match.Accept(ctx, c, req.GameID, req.WalletAddr)
		}
	case "move":
		var req moveRequest
		if e := json.Unmarshal(p.Data, &req); e != nil {
			err = errInvalidRequest("Malformed move request")
		} else {
			err = s.match.Move(ctx, c, req.Move)
		}
	case "offerDraw":
		err = s.match.OfferDraw(ctx, c)
	case "acceptDraw":
		err = s.match.AcceptDraw(ctx, c)
	case "resign":
		err = s.match.Resign(ctx, c)
	case "flag":
		var req flagRequest
		if e := json.Unmarshal(p.Data, &req); e != nil {
			err = errInvalidRequest("Malformed flag request")
		} else {
			err = s.match.Flag(ctx, c, req.Colour)
		}
	case "offerRematch":
		err = s.match.OfferRematch(ctx, c)
	case "acceptRematch":
		err = s.match.AcceptRematch(ctx, c)
	case "exit":
		s.match.Exit(ctx, c.ID())
	default:
		logging.Info("invalid payload type", zap.String("type", p.Type))
		return
	}
	if err != nil {
		s.routeError(ctx, c, err)
	}
}

// routeError delivers a structured failure either to the acting client or,
// when the failure left both players' view inconsistent, to the whole
// session.
func (s *server) routeError(ctx context.Context, c transport, err error) {
	var gameErr *GameError
	if !errors.As(err, &gameErr) {
		logging.Error("unhandled error", zap.String("client_id", c.ID()), zap.Error(err))
		return
	}

	logging.Error("game error",
		zap.String("code", string(gameErr.Code)),
		zap.String("client_id", c.ID()),
		zap.String("message", gameErr.Message),
	)
	ev := bus.MustEvent(bus.EventError, bus.ErrorPayload{Message: gameErr.Message})
	if gameErr.Broadcast && gameErr.SessionID != "" {
		if err := s.bus.Broadcast(ctx, gameErr.SessionID, ev); err != nil {
			logging.Error("failed to broadcast error event", zap.Error(err))
		}
		return
	}
	if err := c.Send(ev); err != nil {
		logging.Error("failed to send error event", zap.String("client_id", c.ID()), zap.Error(err))
	}
}
