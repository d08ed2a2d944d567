// Package skills loads SKILL.md definitions from the state directory.
// A skill is a markdown playbook with YAML frontmatter; user-invocable
// skills are surfaced to the model through the system prompt.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// skillFilename is the definition file inside each skill directory.
const skillFilename = "SKILL.md"

// frontmatterDelimiter fences the YAML header.
const frontmatterDelimiter = "---"

// Skill is one parsed SKILL.md.
type Skill struct {
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description"`
	UserInvocable bool     `yaml:"user-invocable"`
	AllowedTools  []string `yaml:"allowed-tools"`

	Content string `yaml:"-"`
	Path    string `yaml:"-"`
}

// Loader scans <dir>/<name>/SKILL.md. Broken skills are logged and
// skipped, never fatal.
type Loader struct {
	logger *slog.Logger
	dir    string

	mu     sync.Mutex
	skills map[string]Skill
}

// NewLoader creates a loader over the skills directory.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		logger: logger.With("component", "skills"),
		dir:    dir,
		skills: make(map[string]Skill),
	}
}

// Reload rescans the directory. A missing directory yields zero skills.
func (l *Loader) Reload() error {
	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		l.mu.Lock()
		l.skills = make(map[string]Skill)
		l.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read skills directory: %w", err)
	}

	found := make(map[string]Skill)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(l.dir, entry.Name(), skillFilename)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			l.logger.Warn("unreadable skill", "path", path, "error", err)
			continue
		}

		skill, err := Parse(data)
		if err != nil {
			l.logger.Warn("invalid skill", "path", path, "error", err)
			continue
		}
		skill.Path = filepath.Join(l.dir, entry.Name())
		found[skill.Name] = skill
	}

	l.mu.Lock()
	l.skills = found
	l.mu.Unlock()
	l.logger.Info("skills loaded", "count", len(found))
	return nil
}

// List returns all loaded skills sorted by name.
func (l *Loader) List() []Skill {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Skill, 0, len(l.skills))
	for _, s := range l.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one skill by name.
func (l *Loader) Get(name string) (Skill, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.skills[name]
	return s, ok
}

// PromptSection renders the user-invocable skills as a system prompt
// block. Empty when no skill qualifies.
func (l *Loader) PromptSection() string {
	var lines []string
	for _, s := range l.List() {
		if !s.UserInvocable {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", s.Name, s.Description))
	}
	if len(lines) == 0 {
		return ""
	}
	return "# Skills\nThe user can ask for these skills by name:\n" + strings.Join(lines, "\n")
}

// Parse reads frontmatter and body from SKILL.md content.
func Parse(data []byte) (Skill, error) {
	header, body, err := splitFrontmatter(data)
	if err != nil {
		return Skill{}, err
	}

	var skill Skill
	if err := yaml.Unmarshal(header, &skill); err != nil {
		return Skill{}, fmt.Errorf("parse frontmatter: %w", err)
	}
	if skill.Name == "" {
		return Skill{}, fmt.Errorf("skill name is required")
	}
	for _, r := range skill.Name {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
			return Skill{}, fmt.Errorf("skill name must be lowercase alphanumeric with hyphens: %q", skill.Name)
		}
	}
	if skill.Description == "" {
		return Skill{}, fmt.Errorf("skill description is required")
	}

	skill.Content = strings.TrimSpace(string(body))
	return skill, nil
}

func splitFrontmatter(data []byte) (header, body []byte, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty skill file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var headerLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		headerLines = append(headerLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}

	return []byte(strings.Join(headerLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}
