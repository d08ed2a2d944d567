package agent

import (
	"regexp"
	"strings"

	"github.com/pocketpaw/pocketpaw/internal/config"
)

// Tier is the complexity class a message is routed to. Each tier maps to a
// configured model so cheap traffic stays on cheap models.
type Tier string

const (
	TierSimple   Tier = "simple"
	TierModerate Tier = "moderate"
	TierComplex  Tier = "complex"
)

// longMessage is the length past which size alone signals complexity.
const longMessage = 300

var greetingRe = regexp.MustCompile(`^(hi|hiya|hey|hello|yo|sup|thanks|thank you|ok|okay|good (morning|afternoon|evening|night))[\s.!?]*$`)

// complexSignals are phrases that indicate multi-step or analytical work.
var complexSignals = []string{
	"plan",
	"debug",
	"refactor",
	"analyze",
	"analyse",
	"architect",
	"implement",
	"investigate",
	"optimize",
	"step by step",
	"multi-step",
}

// Classify buckets a message by cheap lexical heuristics. Misrouting is
// tolerable: a simple question on the complex model only costs money, and a
// hard question on the simple model still answers.
func Classify(content string) Tier {
	text := strings.ToLower(strings.TrimSpace(content))
	if text == "" {
		return TierSimple
	}
	if greetingRe.MatchString(text) {
		return TierSimple
	}
	if strings.HasPrefix(text, "what is ") && len(text) < 40 {
		return TierSimple
	}
	if strings.Contains(text, "remind me") {
		return TierSimple
	}

	signals := 0
	for _, s := range complexSignals {
		if strings.Contains(text, s) {
			signals++
		}
	}
	if signals >= 2 || (signals == 1 && len(text) > 30) {
		return TierComplex
	}
	if len(text) > 2*longMessage {
		return TierComplex
	}
	return TierModerate
}

// ModelFor maps a message to the configured model for its tier.
func ModelFor(s config.Settings, content string) string {
	switch Classify(content) {
	case TierSimple:
		return s.ModelSimple
	case TierComplex:
		return s.ModelComplex
	default:
		return s.ModelModerate
	}
}
