package game

import (
	"fmt"

	"github.com/notnil/chess"
)

// Colour indices shared with clients: position in Session.Players once both
// players are seated.
const (
	ColourBlack = 0
	ColourWhite = 1
)

// Outcome codes carried on the wire alongside a terminal move.
const (
	OutcomeCheckmate            = 1
	OutcomeStalemate            = 2
	OutcomeInsufficientMaterial = 3
	OutcomeSeventyFiveMoves     = 4
	OutcomeFivefoldRepetition   = 5
	OutcomeFiftyMoves           = 6
	OutcomeThreefoldRepetition  = 7
	OutcomeTimeout              = 11
	OutcomeResignation          = 12
	OutcomeAgreement            = 13
	OutcomeAbandoned            = 14
)

const (
	CastlesKingside  = "K"
	CastlesQueenside = "Q"
)

// Board wraps the rules engine. It owns move legality, terminal-outcome
// detection and the canonical FEN encoding used for persistence.
type Board struct {
	inner *chess.Game
}

func NewBoard() *Board {
	return &Board{
		inner: chess.NewGame(
			chess.UseNotation(chess.UCINotation{}),
		),
	}
}

// RestoreBoard rebuilds a live board from its persisted FEN snapshot.
func RestoreBoard(fen string) (*Board, error) {
	withFen, err := chess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("invalid board state: %w", err)
	}
	return &Board{
		inner: chess.NewGame(
			withFen,
			chess.UseNotation(chess.UCINotation{}),
		),
	}, nil
}

func (b *Board) FEN() string {
	return b.inner.FEN()
}

func (b *Board) Reset() {
	b.inner = chess.NewGame(
		chess.UseNotation(chess.UCINotation{}),
	)
}

// Turn returns the colour index of the side to move.
func (b *Board) Turn() int {
	if b.inner.Position().Turn() == chess.White {
		return ColourWhite
	}
	return ColourBlack
}

// MoveResult is the full post-move state reported back to both players.
type MoveResult struct {
	Move       string
	Castles    string
	EnPassant  bool
	Check      bool
	LegalMoves []string
	MoveStack  []string
	Turn       int
	Winner     *int
	Outcome    *int
}

// Terminal reports whether the move concluded the round.
func (r MoveResult) Terminal() bool {
	return r.Outcome != nil
}

// Push applies a UCI move. The move must be fully legal in the current
// position; claimable draws (fifty moves, threefold repetition) are claimed
// automatically once available.
func (b *Board) Push(uci string) (MoveResult, error) {
	notation := chess.UCINotation{}
	decoded, err := notation.Decode(b.inner.Position(), uci)
	if err != nil {
		return MoveResult{}, fmt.Errorf("invalid move %q: %w", uci, err)
	}

	// Find the matching generated move so castle/en-passant/check tags are set.
	var mv *chess.Move
	for _, valid := range b.inner.ValidMoves() {
		if valid.S1() == decoded.S1() && valid.S2() == decoded.S2() && valid.Promo() == decoded.Promo() {
			mv = valid
			break
		}
	}
	if mv == nil {
		return MoveResult{}, fmt.Errorf("illegal move %q", uci)
	}
	if err := b.inner.Move(mv); err != nil {
		return MoveResult{}, fmt.Errorf("illegal move %q: %w", uci, err)
	}

	if b.inner.Outcome() == chess.NoOutcome {
		for _, method := range b.inner.EligibleDraws() {
			if method == chess.FiftyMoveRule || method == chess.ThreefoldRepetition {
				_ = b.inner.Draw(method)
				break
			}
		}
	}

	result := MoveResult{
		Move:       notation.Encode(nil, mv),
		EnPassant:  mv.HasTag(chess.EnPassant),
		Check:      mv.HasTag(chess.Check),
		LegalMoves: b.legalMoves(),
		MoveStack:  b.MoveStack(),
		Turn:       b.Turn(),
	}
	switch {
	case mv.HasTag(chess.KingSideCastle):
		result.Castles = CastlesKingside
	case mv.HasTag(chess.QueenSideCastle):
		result.Castles = CastlesQueenside
	}
	result.Winner, result.Outcome = b.conclusion()
	return result, nil
}

func (b *Board) legalMoves() []string {
	notation := chess.UCINotation{}
	valid := b.inner.ValidMoves()
	moves := make([]string, 0, len(valid))
	for _, mv := range valid {
		moves = append(moves, notation.Encode(nil, mv))
	}
	return moves
}

// MoveStack returns every move played since the board was created or last
// restored, in UCI notation.
func (b *Board) MoveStack() []string {
	notation := chess.UCINotation{}
	played := b.inner.Moves()
	moves := make([]string, 0, len(played))
	for _, mv := range played {
		moves = append(moves, notation.Encode(nil, mv))
	}
	return moves
}

func (b *Board) conclusion() (winner *int, outcome *int) {
	switch b.inner.Outcome() {
	case chess.WhiteWon:
		w := ColourWhite
		winner = &w
	case chess.BlackWon:
		w := ColourBlack
		winner = &w
	case chess.Draw:
	default:
		return nil, nil
	}
	code := methodCode(b.inner.Method())
	return winner, &code
}

func methodCode(method chess.Method) int {
	switch method {
	case chess.Checkmate:
		return OutcomeCheckmate
	case chess.Stalemate:
		return OutcomeStalemate
	case chess.InsufficientMaterial:
		return OutcomeInsufficientMaterial
	case chess.SeventyFiveMoveRule:
		return OutcomeSeventyFiveMoves
	case chess.FivefoldRepetition:
		return OutcomeFivefoldRepetition
	case chess.FiftyMoveRule:
		return OutcomeFiftyMoves
	case chess.ThreefoldRepetition:
		return OutcomeThreefoldRepetition
	case chess.Resignation:
		return OutcomeResignation
	case chess.DrawOffer:
		return OutcomeAgreement
	default:
		return 0
	}
}
