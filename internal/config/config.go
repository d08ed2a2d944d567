// Package config loads and persists the runtime settings. Settings live in
// ~/.pocketpaw/config.json (mode 0600); every field can be overridden with
// a POCKETPAW_<FIELD_UPPER> environment variable. Read-modify-write cycles
// are serialized behind the Store's lock and writers refresh the in-memory
// cache.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Settings is the full runtime configuration.
type Settings struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// MasterToken is the root bearer secret. Regenerating it invalidates
	// every derived session token.
	MasterToken string `json:"master_token"`

	AnthropicAPIKey string `json:"anthropic_api_key,omitempty"`
	OpenAIAPIKey    string `json:"openai_api_key,omitempty"`

	// Model tiers picked by the router.
	ModelSimple   string `json:"model_simple"`
	ModelModerate string `json:"model_moderate"`
	ModelComplex  string `json:"model_complex"`

	// GuardianModel is the secondary model used to scan shell commands.
	GuardianModel string `json:"guardian_model"`

	PlanMode             bool `json:"plan_mode"`
	InjectionScanEnabled bool `json:"injection_scan_enabled"`

	FileJailPath string `json:"file_jail_path"`

	ToolProfile string   `json:"tool_profile"`
	ToolsAllow  []string `json:"tools_allow,omitempty"`
	ToolsDeny   []string `json:"tools_deny,omitempty"`

	SessionTokenTTLHours int `json:"session_token_ttl_hours"`

	// Per-key API rate limiting.
	RateLimitPerSecond float64 `json:"rate_limit_per_second"`
	RateLimitBurst     int     `json:"rate_limit_burst"`

	// MemoryIndex selects the search index backend: "none" or "sqlite".
	MemoryIndex string `json:"memory_index"`

	Channels ChannelSettings `json:"channels"`

	Webhooks []WebhookSlot `json:"webhooks,omitempty"`
}

// ChannelSettings configures each transport.
type ChannelSettings struct {
	Telegram  TelegramSettings  `json:"telegram"`
	Discord   DiscordSettings   `json:"discord"`
	Slack     SlackSettings     `json:"slack"`
	Signal    SignalSettings    `json:"signal"`
	WhatsApp  WhatsAppSettings  `json:"whatsapp"`
	WebSocket WebSocketSettings `json:"websocket"`
}

type TelegramSettings struct {
	Enabled        bool     `json:"enabled"`
	BotToken       string   `json:"bot_token,omitempty"`
	AllowedSenders []string `json:"allowed_senders,omitempty"`
}

type DiscordSettings struct {
	Enabled        bool     `json:"enabled"`
	BotToken       string   `json:"bot_token,omitempty"`
	AllowedSenders []string `json:"allowed_senders,omitempty"`
}

type SlackSettings struct {
	Enabled        bool     `json:"enabled"`
	BotToken       string   `json:"bot_token,omitempty"`
	AppToken       string   `json:"app_token,omitempty"`
	AllowedSenders []string `json:"allowed_senders,omitempty"`
}

type SignalSettings struct {
	Enabled        bool     `json:"enabled"`
	APIURL         string   `json:"api_url,omitempty"` // signal-cli REST endpoint
	Account        string   `json:"account,omitempty"`
	PollInterval   Duration `json:"poll_interval,omitempty"`
	AllowedSenders []string `json:"allowed_senders,omitempty"`
}

type WhatsAppSettings struct {
	Enabled        bool     `json:"enabled"`
	SessionPath    string   `json:"session_path,omitempty"`
	AllowedSenders []string `json:"allowed_senders,omitempty"`
}

type WebSocketSettings struct {
	Enabled bool `json:"enabled"`
}

// WebhookSlot is one named inbound webhook endpoint.
type WebhookSlot struct {
	Name        string   `json:"name"`
	Secret      string   `json:"secret,omitempty"`
	SyncTimeout Duration `json:"sync_timeout"`
}

// Duration marshals as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Tolerate plain nanosecond numbers.
		var n int64
		if err2 := json.Unmarshal(data, &n); err2 == nil {
			*d = Duration(n)
			return nil
		}
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// DefaultStateDir returns ~/.pocketpaw.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pocketpaw"
	}
	return filepath.Join(home, ".pocketpaw")
}

func defaults(stateDir string) Settings {
	return Settings{
		Host:                 "127.0.0.1",
		Port:                 8765,
		ModelSimple:          "claude-3-5-haiku-latest",
		ModelModerate:        "claude-sonnet-4-20250514",
		ModelComplex:         "claude-sonnet-4-20250514",
		GuardianModel:        "claude-3-5-haiku-latest",
		InjectionScanEnabled: true,
		FileJailPath:         filepath.Join(stateDir, "workspace"),
		ToolProfile:          "full",
		SessionTokenTTLHours: 24,
		RateLimitPerSecond:   10,
		RateLimitBurst:       30,
		MemoryIndex:          "none",
		Channels: ChannelSettings{
			Signal: SignalSettings{PollInterval: Duration(2 * time.Second)},
		},
	}
}

// Store serializes access to the settings file.
type Store struct {
	path string

	mu     sync.RWMutex
	cached Settings
}

// NewStore loads (or initializes) the settings under stateDir.
func NewStore(stateDir string) (*Store, error) {
	if stateDir == "" {
		stateDir = DefaultStateDir()
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &Store{path: filepath.Join(stateDir, "config.json")}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the settings file path.
func (s *Store) Path() string { return s.path }

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached
}

// Update applies fn to the settings under the write lock, persists the
// result, and refreshes the cache.
func (s *Store) Update(fn func(*Settings) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cached
	if err := fn(&next); err != nil {
		return err
	}
	if err := s.write(next); err != nil {
		return err
	}
	s.cached = applyEnv(next)
	return nil
}

// Reload re-reads the file, e.g. after an external edit.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked()
}

func (s *Store) reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked()
}

func (s *Store) reloadLocked() error {
	settings := defaults(filepath.Dir(s.path))

	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		if err := s.write(settings); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("read settings: %w", err)
	default:
		if err := json.Unmarshal(data, &settings); err != nil {
			return fmt.Errorf("parse settings: %w", err)
		}
	}

	s.cached = applyEnv(settings)
	return nil
}

func (s *Store) write(settings Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// applyEnv overlays POCKETPAW_* environment variables onto the settings.
// The variable name is the upper-cased field name from the JSON tag, e.g.
// POCKETPAW_MASTER_TOKEN, POCKETPAW_PLAN_MODE, POCKETPAW_PORT.
func applyEnv(s Settings) Settings {
	if v, ok := envString("HOST"); ok {
		s.Host = v
	}
	if v, ok := envInt("PORT"); ok {
		s.Port = v
	}
	if v, ok := envString("MASTER_TOKEN"); ok {
		s.MasterToken = v
	}
	if v, ok := envString("ANTHROPIC_API_KEY"); ok {
		s.AnthropicAPIKey = v
	}
	if v, ok := envString("OPENAI_API_KEY"); ok {
		s.OpenAIAPIKey = v
	}
	if v, ok := envString("MODEL_SIMPLE"); ok {
		s.ModelSimple = v
	}
	if v, ok := envString("MODEL_MODERATE"); ok {
		s.ModelModerate = v
	}
	if v, ok := envString("MODEL_COMPLEX"); ok {
		s.ModelComplex = v
	}
	if v, ok := envString("GUARDIAN_MODEL"); ok {
		s.GuardianModel = v
	}
	if v, ok := envBool("PLAN_MODE"); ok {
		s.PlanMode = v
	}
	if v, ok := envBool("INJECTION_SCAN_ENABLED"); ok {
		s.InjectionScanEnabled = v
	}
	if v, ok := envString("FILE_JAIL_PATH"); ok {
		s.FileJailPath = v
	}
	if v, ok := envString("TOOL_PROFILE"); ok {
		s.ToolProfile = v
	}
	if v, ok := envInt("SESSION_TOKEN_TTL_HOURS"); ok {
		s.SessionTokenTTLHours = v
	}
	if v, ok := envString("MEMORY_INDEX"); ok {
		s.MemoryIndex = v
	}
	return s
}

func envString(field string) (string, bool) {
	v, ok := os.LookupEnv("POCKETPAW_" + field)
	return v, ok && strings.TrimSpace(v) != ""
}

func envInt(field string) (int, bool) {
	v, ok := envString(field)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func envBool(field string) (bool, bool) {
	v, ok := envString(field)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}
