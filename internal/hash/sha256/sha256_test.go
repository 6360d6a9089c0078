package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashIsStableAndHex(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.Hash([]byte("<html>catalog page</html>"))
	require.NoError(t, err)
	b, err := h.Hash([]byte("<html>catalog page</html>"))
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 64)

	c, err := h.Hash([]byte("<html>different page</html>"))
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestHashEmptyInput(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash(nil)
	require.NoError(t, err)
	// SHA-256 of the empty string.
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", got)
}
