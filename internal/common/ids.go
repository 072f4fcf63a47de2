package common

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a 26 char, time ordered identifier.
func NewULID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewPrefixedID returns prefix + "_" + lowercase ULID, e.g. "chat_01j...".
func NewPrefixedID(prefix string) (string, error) {
	id, err := NewULID()
	if err != nil {
		return "", err
	}
	return prefix + "_" + strings.ToLower(id), nil
}

func NewRequestID() string {
	return uuid.NewString()
}
