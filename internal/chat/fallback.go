package chat

import (
	"slices"
	"strings"

	"github.com/suPer8Hu/gravitychat/internal/ai"
)

// StaticFallbackModels are tried after the known free models.
var StaticFallbackModels = []string{
	"gpt-4o-mini",
	"gpt-5-nano",
	"claude-3-5-haiku-20241022",
	"openrouter:google/gemma-2-9b-it:free",
	"openrouter:meta-llama/llama-3.1-8b-instruct:free",
	"openrouter:mistralai/mistral-7b-instruct:free",
	"openrouter:microsoft/phi-3-medium-128k-instruct:free",
}

var recoverableMarkers = []string{
	"credit",
	"insufficient",
	"failed",
	"unavailable",
	"rate_limit",
	"rate limit",
	"model_not_found",
	"not found",
	"no fallback",
	"overloaded",
}

// moderationLoopMarker is the rejection a poisoned persisted conversation
// produces on every retry.
const moderationLoopMarker = "moderation_failed"

func errorText(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if m := ai.ErrorMessage(err); m != msg {
		msg += " " + m
	}
	return strings.ToLower(msg)
}

// IsRecoverable reports whether another model may succeed where this one
// failed.
func IsRecoverable(err error) bool {
	text := errorText(err)
	if text == "" {
		return false
	}
	for _, m := range recoverableMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// IsModerationLoop reports the repeated moderation rejection caused by
// corrupted persisted state.
func IsModerationLoop(err error) bool {
	return strings.Contains(errorText(err), moderationLoopMarker)
}

// FallbackChain returns the candidates to try next: free models, then the
// static list, without duplicates or already attempted models.
func FallbackChain(free, static, attempted []string) []string {
	out := make([]string, 0, len(free)+len(static))
	for _, list := range [][]string{free, static} {
		for _, id := range list {
			if id == "" || slices.Contains(out, id) || slices.Contains(attempted, id) {
				continue
			}
			out = append(out, id)
		}
	}
	return out
}

// usesFixedTemperature reports models that reject anything but the default
// temperature.
func usesFixedTemperature(model string) bool {
	return strings.Contains(model, "gpt-5")
}
