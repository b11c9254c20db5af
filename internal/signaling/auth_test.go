package signaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenizeDetokenizeRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	tok, err := Tokenize(secret, "room/alice", "relay", time.Minute)
	require.NoError(t, err)

	subject, aud, err := Detokenize(secret, tok)
	require.NoError(t, err)
	require.Equal(t, "room/alice", subject)
	require.Equal(t, "relay", aud)
}

func TestDetokenizeRejectsWrongSecret(t *testing.T) {
	tok, err := Tokenize([]byte("secret-a"), "room/alice", "relay", time.Minute)
	require.NoError(t, err)

	_, _, err = Detokenize([]byte("secret-b"), tok)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestDetokenizeRejectsExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	tok, err := Tokenize(secret, "room/alice", "relay", -time.Minute)
	require.NoError(t, err)

	_, _, err = Detokenize(secret, tok)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestDetokenizeRejectsGarbage(t *testing.T) {
	_, _, err := Detokenize([]byte("secret"), "not-even-base64!!")
	require.ErrorIs(t, err, ErrInvalidToken)
}
