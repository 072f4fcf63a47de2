package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TransportError is returned for non-2xx responses, backend-reported errors
// and unusable payloads.
type TransportError struct {
	Backend string
	Status  int
	Message string
}

func (e *TransportError) Error() string {
	if e.Backend == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Backend, e.Message)
}

// ErrorMessage extracts the most useful message from err.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var te *TransportError
	if errors.As(err, &te) && te.Message != "" {
		return te.Message
	}
	return err.Error()
}

// extractMessage pulls a human readable message out of an error body. It
// understands {"error": "..."}, {"error": {"message": "..."}}, {"detail": ...}
// and {"message": "..."}; anything else is returned trimmed, falling back to
// the JSON encoding of nested objects.
func extractMessage(body []byte, status int) string {
	raw := strings.TrimSpace(string(body))
	if raw == "" {
		return fmt.Sprintf("status %d", status)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return raw
	}
	for _, key := range []string{"error", "detail", "message"} {
		v, ok := obj[key]
		if !ok {
			continue
		}
		if msg := messageFromValue(v); msg != "" {
			return msg
		}
	}
	return raw
}

func messageFromValue(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var nested struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(v, &nested); err == nil && nested.Message != "" {
		return nested.Message
	}
	if string(v) == "null" {
		return ""
	}
	return string(v)
}
