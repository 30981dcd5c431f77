package server

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeAlreadyFull      ErrorCode = "ALREADY_FULL"
	CodeIllegalMove      ErrorCode = "ILLEGAL_MOVE"
	CodeWrongTurn        ErrorCode = "WRONG_TURN"
	CodeInvalidRequest   ErrorCode = "INVALID_REQUEST"
	CodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"
	CodeStoreError       ErrorCode = "STORE_ERROR"
)

// GameError is a user-facing failure with an explicit routing decision:
// delivered only to the acting client by default, or to the whole session
// when both players' view of the match is affected.
type GameError struct {
	Code      ErrorCode
	Message   string
	SessionID string
	Broadcast bool
}

func (e *GameError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errNotFound() *GameError {
	return &GameError{Code: CodeNotFound, Message: "Game not found"}
}

func errAlreadyFull() *GameError {
	return &GameError{Code: CodeAlreadyFull, Message: "This game already has two players"}
}

func errIllegalMove() *GameError {
	return &GameError{Code: CodeIllegalMove, Message: "Illegal move"}
}

func errWrongTurn() *GameError {
	return &GameError{Code: CodeWrongTurn, Message: "Not your turn"}
}

func errInvalidRequest(message string) *GameError {
	return &GameError{Code: CodeInvalidRequest, Message: message}
}

func errCapacityExceeded() *GameError {
	return &GameError{
		Code:    CodeCapacityExceeded,
		Message: "Server concurrent game limit reached. Please try again later",
	}
}

func errStore(err error) *GameError {
	return &GameError{Code: CodeStoreError, Message: fmt.Sprintf("Store error: %s", err)}
}

// broadcastStoreError widens a store failure to the whole session. Used for
// writes that leave both players' view inconsistent when they fail, e.g.
// round-end transitions; other error codes pass through untouched.
func broadcastStoreError(err error, sessionID string) error {
	var gameErr *GameError
	if errors.As(err, &gameErr) && gameErr.Code == CodeStoreError {
		gameErr.SessionID = sessionID
		gameErr.Broadcast = true
	}
	return err
}
