package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

func writeIdentity(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, "identity"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "identity", name+".md"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestBuildConcatenatesBlocksInOrder(t *testing.T) {
	dir := t.TempDir()
	writeIdentity(t, dir, "USER", "The owner is Sam.")
	writeIdentity(t, dir, "IDENTITY", "You are a test agent.")

	prompt := NewPromptBuilder(dir).Build(models.ChannelWebSocket, "")
	identityAt := strings.Index(prompt, "You are a test agent.")
	userAt := strings.Index(prompt, "The owner is Sam.")
	if identityAt < 0 || userAt < 0 || identityAt > userAt {
		t.Errorf("blocks missing or out of order:\n%s", prompt)
	}
}

func TestBuildDefaultsWhenNoBlocks(t *testing.T) {
	prompt := NewPromptBuilder(t.TempDir()).Build(models.ChannelWebSocket, "")
	if !strings.Contains(prompt, "pocketpaw") {
		t.Errorf("default identity missing:\n%s", prompt)
	}
}

func TestBuildChannelHints(t *testing.T) {
	b := NewPromptBuilder(t.TempDir())

	if prompt := b.Build(models.ChannelWhatsApp, ""); !strings.Contains(prompt, "Plain text only") {
		t.Error("whatsapp hint missing")
	}
	if prompt := b.Build(models.ChannelWebSocket, ""); strings.Contains(prompt, "Response format") {
		t.Error("websocket should carry no format hint")
	}
}

func TestBuildIncludesMemoryAndSkills(t *testing.T) {
	b := NewPromptBuilder(t.TempDir())
	b.SkillsFn = func() string { return "# Skills\n- brew-coffee: makes coffee" }

	prompt := b.Build(models.ChannelAPI, "- owner prefers metric units")
	if !strings.Contains(prompt, "owner prefers metric units") {
		t.Error("memory summary missing")
	}
	if !strings.Contains(prompt, "brew-coffee") {
		t.Error("skills section missing")
	}
}
