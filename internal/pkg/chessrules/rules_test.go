package chessrules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyOpening(t *testing.T) {
	r, err := Apply(StartingFEN(), "e2e4")
	require.NoError(t, err)

	assert.Equal(t, "e4", r.SAN)
	assert.Equal(t, "e2e4", r.UCI)
	assert.Equal(t, ColorBlack, r.Turn)
	assert.False(t, r.Over)

	r, err = Apply(r.FEN, "Nf6")
	require.NoError(t, err)
	assert.Equal(t, "Nf6", r.SAN)
	assert.Equal(t, ColorWhite, r.Turn)
}

func TestApplyIllegal(t *testing.T) {
	_, err := Apply(StartingFEN(), "e2e5")
	assert.ErrorIs(t, err, ErrIllegalMove)

	_, err = Apply(StartingFEN(), "")
	assert.ErrorIs(t, err, ErrIllegalMove)

	_, err = Apply("not a fen", "e2e4")
	assert.ErrorIs(t, err, ErrInvalidPosition)
}

func TestApplyFoolsMate(t *testing.T) {
	fen := StartingFEN()
	for _, move := range []string{"f2f3", "e7e5", "g2g4"} {
		r, err := Apply(fen, move)
		require.NoError(t, err)
		fen = r.FEN
	}

	r, err := Apply(fen, "Qh4#")
	require.NoError(t, err)

	assert.True(t, r.Over)
	assert.True(t, r.InCheck)
	assert.Equal(t, MethodCheckmate, r.Method)
	assert.Equal(t, ColorBlack, r.Winner)

	_, err = Apply(r.FEN, "a2a3")
	assert.ErrorIs(t, err, ErrIllegalMove)
}

func TestLegalMovesAndReply(t *testing.T) {
	moves, err := LegalMoves(StartingFEN())
	require.NoError(t, err)
	assert.Len(t, moves, 20)

	r, err := ChooseReply(StartingFEN())
	require.NoError(t, err)
	assert.Contains(t, moves, r.UCI)
}

func TestChooseReplyTakesMateInOne(t *testing.T) {
	// after 1.f3 e5 2.g4 black mates with Qh4; weighted choice makes the mate overwhelmingly likely
	fen := "rnbqkbnr/pppp1ppp/8/4p3/6P1/5P2/PPPPP2P/RNBQKBNR b KQkq g3 0 2"
	mates := 0
	for i := 0; i < 20; i++ {
		r, err := ChooseReply(fen)
		require.NoError(t, err)
		if r.Method == MethodCheckmate {
			mates++
		}
	}
	assert.Greater(t, mates, 0)
}
