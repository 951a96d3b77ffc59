package remote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	for _, seq := range []int64{0, 1, 42, 1 << 40} {
		got, err := ParseCursor(FormatCursor(seq))
		require.NoError(t, err)
		assert.Equal(t, seq, got)
	}
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	for _, c := range []string{"abc", "-1", "1.5"} {
		_, err := ParseCursor(c)
		assert.ErrorIs(t, err, ErrInvalidCursor, c)
	}
}

func TestTokenSources(t *testing.T) {
	ctx := context.Background()

	tok, err := StaticToken("secret").Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret", tok)

	calls := 0
	fn := TokenFunc(func(context.Context) (string, error) {
		calls++
		return "fresh", nil
	})
	tok, err = fn.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
	assert.Equal(t, 1, calls)
}
