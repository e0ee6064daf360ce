package moderation

import (
	"context"
	"fmt"
	"strings"

	"github.com/ButyrinIA/yaksafe/internal/models"
)

const (
	ReasonHarmful    = "Contains harmful language."
	ReasonAllCaps    = "Aggressive ALL CAPS."
	ReasonLooksSafe  = "Looks safe."
	allCapsThreshold = 20
)

// Denylist is matched as case-insensitive substrings.
var Denylist = []string{"hate", "kill", "die", "stupid", "idiot", "moron"}

// Classify returns the verdict for text. The denylist check runs first and
// wins over the ALL CAPS check.
func Classify(text string) models.Verdict {
	lower := strings.ToLower(text)
	for _, tok := range Denylist {
		if strings.Contains(lower, tok) {
			return models.Verdict{Safe: false, Reason: ReasonHarmful}
		}
	}

	letters := asciiLetters(text)
	if len(letters) > allCapsThreshold && letters == strings.ToUpper(letters) {
		return models.Verdict{Safe: false, Reason: ReasonAllCaps}
	}

	return models.Verdict{Safe: true, Reason: ReasonLooksSafe}
}

func asciiLetters(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Local moderates in process with Classify, without the HTTP round trip.
type Local struct{}

func (Local) Moderate(ctx context.Context, text string) (models.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return models.Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Classify(text), nil
}
