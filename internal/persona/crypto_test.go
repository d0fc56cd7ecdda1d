package persona

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey() string {
	return strings.Repeat("k", 32)
}

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := NewSealer(testKey())
	require.NoError(t, err)

	sealed, err := sealer.Seal("super-secret-token")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sealed, encPrefix))

	opened, err := sealer.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "super-secret-token", opened)
}

func TestSealerOpenPlaintextPassthrough(t *testing.T) {
	sealer, err := NewSealer(testKey())
	require.NoError(t, err)

	opened, err := sealer.Open("not-encrypted")
	require.NoError(t, err)
	require.Equal(t, "not-encrypted", opened)
}

func TestSealerRejectsShortKey(t *testing.T) {
	_, err := NewSealer("too-short")
	require.Error(t, err)
}

func TestSealerOpenRejectsTamperedCiphertext(t *testing.T) {
	sealer, err := NewSealer(testKey())
	require.NoError(t, err)

	sealed, err := sealer.Seal("payload")
	require.NoError(t, err)

	tampered := sealed[:len(sealed)-2] + "zz"
	_, err = sealer.Open(tampered)
	require.Error(t, err)
}
