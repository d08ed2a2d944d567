package agent

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// identityBlocks are read in this order from identity/<NAME>.md.
var identityBlocks = []string{"IDENTITY", "SOUL", "STYLE", "INSTRUCTIONS", "USER"}

const defaultIdentity = `You are pocketpaw, a personal assistant running on the owner's own machine.
You help with everyday tasks, remember what matters, and use your tools
carefully. Be direct and concise.`

// PromptBuilder assembles the system prompt from the identity blocks under
// the state directory, plus per-turn additions.
type PromptBuilder struct {
	dir string

	// SkillsFn returns the user-invocable skills section; nil means none.
	SkillsFn func() string
}

// NewPromptBuilder reads identity blocks from stateDir/identity.
func NewPromptBuilder(stateDir string) *PromptBuilder {
	return &PromptBuilder{dir: filepath.Join(stateDir, "identity")}
}

// Build concatenates the identity blocks, the memory summary, skills, and
// the channel response-format hint. Missing blocks are skipped; with no
// blocks at all a built-in identity applies.
func (b *PromptBuilder) Build(channel models.Channel, memorySummary string) string {
	var sections []string

	for _, name := range identityBlocks {
		data, err := os.ReadFile(filepath.Join(b.dir, name+".md"))
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(data))
		if text != "" {
			sections = append(sections, text)
		}
	}
	if len(sections) == 0 {
		sections = append(sections, defaultIdentity)
	}

	if memorySummary != "" {
		sections = append(sections, "# Memory\n"+memorySummary)
	}
	if b.SkillsFn != nil {
		if skills := strings.TrimSpace(b.SkillsFn()); skills != "" {
			sections = append(sections, skills)
		}
	}
	if hint := channelHint(channel); hint != "" {
		sections = append(sections, "# Response format\n"+hint)
	}

	return strings.Join(sections, "\n\n")
}

// channelHint returns the response-format note for a transport. WebSocket
// and the API bridge render full markdown and need none.
func channelHint(channel models.Channel) string {
	switch channel {
	case models.ChannelWhatsApp, models.ChannelSignal:
		return "You are replying over " + string(channel) + ". Plain text only: no markdown tables or headers, keep replies short."
	case models.ChannelTelegram:
		return "You are replying over Telegram. Basic Markdown is supported; keep replies compact."
	case models.ChannelDiscord, models.ChannelSlack:
		return "You are replying over " + string(channel) + ". Markdown is supported; avoid very long messages."
	default:
		return ""
	}
}
