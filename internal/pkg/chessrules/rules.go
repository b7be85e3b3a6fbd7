// Package chessrules adapts corentings/chess to the FEN in, FEN out shape the game
// service persists.
package chessrules

import (
	"errors"
	"strings"

	nchess "github.com/corentings/chess/v2"
	"github.com/mroth/weightedrand/v2"
)

var (
	ErrIllegalMove     = errors.New("illegal move")
	ErrInvalidPosition = errors.New("invalid position")
	ErrNoLegalMoves    = errors.New("no legal moves")
)

const (
	ColorWhite = "white"
	ColorBlack = "black"

	MethodCheckmate = "checkmate"
	MethodStalemate = "stalemate"
	MethodDraw      = "draw"
)

// Result is the position after one applied move.
type Result struct {
	SAN     string
	UCI     string
	FEN     string
	Turn    string
	InCheck bool
	Capture bool
	Over    bool
	Method  string
	Winner  string
}

func StartingFEN() string {
	return nchess.NewGame().FEN()
}

func load(fen string) (*nchess.Game, error) {
	if strings.TrimSpace(fen) == "" {
		return nchess.NewGame(), nil
	}

	option, err := nchess.FEN(fen)
	if err != nil {
		return nil, ErrInvalidPosition
	}
	return nchess.NewGame(option), nil
}

func colorName(c nchess.Color) string {
	if c == nchess.White {
		return ColorWhite
	}
	return ColorBlack
}

// Turn returns the side to move in fen.
func Turn(fen string) (string, error) {
	game, err := load(fen)
	if err != nil {
		return "", err
	}
	return colorName(game.Position().Turn()), nil
}

// Apply plays move on fen. The move may be UCI ("e2e4") or SAN ("Nf3").
func Apply(fen string, move string) (*Result, error) {
	game, err := load(fen)
	if err != nil {
		return nil, err
	}

	if game.Outcome() != nchess.NoOutcome {
		return nil, ErrIllegalMove
	}

	move = strings.TrimSpace(move)
	if move == "" {
		return nil, ErrIllegalMove
	}

	pos := game.Position()
	if err := game.PushNotationMove(strings.ToLower(move), nchess.UCINotation{}, nil); err != nil {
		if err := game.PushNotationMove(move, nchess.AlgebraicNotation{}, nil); err != nil {
			return nil, ErrIllegalMove
		}
	}

	moves := game.Moves()
	if len(moves) == 0 {
		return nil, ErrIllegalMove
	}
	last := moves[len(moves)-1]

	result := &Result{
		SAN:     nchess.AlgebraicNotation{}.Encode(pos, last),
		UCI:     last.String(),
		FEN:     game.FEN(),
		Turn:    colorName(game.Position().Turn()),
		InCheck: last.HasTag(nchess.Check),
		Capture: last.HasTag(nchess.Capture),
	}

	switch game.Outcome() {
	case nchess.WhiteWon:
		result.Over, result.Winner = true, ColorWhite
	case nchess.BlackWon:
		result.Over, result.Winner = true, ColorBlack
	case nchess.Draw:
		result.Over = true
	}

	if result.Over {
		switch game.Method() {
		case nchess.Checkmate:
			result.Method = MethodCheckmate
		case nchess.Stalemate:
			result.Method = MethodStalemate
		default:
			result.Method = MethodDraw
		}
	}

	return result, nil
}

// LegalMoves lists the legal moves of fen in UCI notation.
func LegalMoves(fen string) ([]string, error) {
	game, err := load(fen)
	if err != nil {
		return nil, err
	}

	valid := game.ValidMoves()
	moves := make([]string, 0, len(valid))
	for i := range valid {
		moves = append(moves, valid[i].String())
	}
	return moves, nil
}

func replyWeight(r *Result) int {
	switch {
	case r.Method == MethodCheckmate:
		return 50
	case r.Capture && r.InCheck:
		return 8
	case r.Capture:
		return 5
	case r.InCheck:
		return 3
	}
	return 1
}

// ChooseReply picks a computer move, favouring mates, captures and checks.
func ChooseReply(fen string) (*Result, error) {
	moves, err := LegalMoves(fen)
	if err != nil {
		return nil, err
	}

	choices := make([]weightedrand.Choice[*Result, int], 0, len(moves))
	for _, move := range moves {
		r, err := Apply(fen, move)
		if err != nil {
			continue
		}
		choices = append(choices, weightedrand.NewChoice(r, replyWeight(r)))
	}

	if len(choices) == 0 {
		return nil, ErrNoLegalMoves
	}

	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		return nil, err
	}

	return chooser.Pick(), nil
}
