package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	tok, err := SignJWT(42, "secret", time.Minute)
	require.NoError(t, err)

	id, err := ParseJWT(tok, "secret")
	require.NoError(t, err)
	require.Equal(t, uint64(42), id)

	_, err = ParseJWT(tok, "other")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTExpired(t *testing.T) {
	tok, err := SignJWT(1, "secret", -time.Minute)
	require.NoError(t, err)
	_, err = ParseJWT(tok, "secret")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestPasswordHash(t *testing.T) {
	h, err := HashPassword("hunter2")
	require.NoError(t, err)
	require.True(t, CheckPassword(h, "hunter2"))
	require.False(t, CheckPassword(h, "hunter3"))
}
