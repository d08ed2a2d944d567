// Package security audits the state directory's filesystem posture:
// secrets must stay 0600, nothing should be world-accessible, and
// symlinks in sensitive locations are flagged.
package security

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Severity grades one finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// Finding is one audit observation.
type Finding struct {
	CheckID     string   `json:"check_id"`
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Detail      string   `json:"detail"`
	Remediation string   `json:"remediation,omitempty"`
}

// Summary counts findings by severity.
type Summary struct {
	Critical int `json:"critical"`
	Warn     int `json:"warn"`
	Info     int `json:"info"`
}

// Report is the outcome of one audit run.
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	Summary   Summary   `json:"summary"`
	Findings  []Finding `json:"findings"`
}

// HasCritical reports whether any finding is critical.
func (r *Report) HasCritical() bool { return r.Summary.Critical > 0 }

// sensitiveNames are state files that hold credentials and must be 0600.
var sensitiveNames = []string{
	"settings.json",
	"credentials.json",
	"tokens.json",
	"api_keys.json",
	"oauth_tokens.json",
}

// Auditor runs filesystem checks over the state directory.
type Auditor struct {
	stateDir string
	now      func() time.Time
}

// NewAuditor creates an auditor for the state directory.
func NewAuditor(stateDir string) *Auditor {
	return &Auditor{stateDir: stateDir, now: time.Now}
}

// Run walks the state directory and collects findings. A missing state
// directory is itself a finding, not an error.
func (a *Auditor) Run() *Report {
	report := &Report{Timestamp: a.now()}

	info, err := os.Lstat(a.stateDir)
	if err != nil {
		report.add(Finding{
			CheckID:  "fs.state_dir_missing",
			Severity: SeverityInfo,
			Title:    "State directory does not exist",
			Detail:   fmt.Sprintf("Nothing to audit at %s.", a.stateDir),
		})
		return report
	}

	if info.Mode()&os.ModeSymlink != 0 {
		report.add(Finding{
			CheckID:     "fs.state_dir_symlink",
			Severity:    SeverityWarn,
			Title:       "State directory is a symlink",
			Detail:      fmt.Sprintf("%s is a symbolic link; symlinks can cross trust boundaries.", a.stateDir),
			Remediation: "Use a real directory for the state dir.",
		})
	}
	a.checkDirMode(report, a.stateDir, info.Mode().Perm())

	filepath.WalkDir(a.stateDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == a.stateDir {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}

		if fi.Mode()&os.ModeSymlink != 0 {
			report.add(Finding{
				CheckID:     "fs.symlink_in_state",
				Severity:    SeverityInfo,
				Title:       "Symlink inside state directory",
				Detail:      fmt.Sprintf("%s is a symbolic link.", path),
				Remediation: "Review whether this symlink is trusted.",
			})
			return nil
		}
		if d.IsDir() {
			a.checkDirMode(report, path, fi.Mode().Perm())
			return nil
		}

		mode := fi.Mode().Perm()
		if isSensitive(path) {
			a.checkSecretMode(report, path, mode)
		} else if mode&0o002 != 0 {
			report.add(Finding{
				CheckID:     "fs.file_world_writable",
				Severity:    SeverityWarn,
				Title:       "State file is world-writable",
				Detail:      fmt.Sprintf("%s has permissions %o.", path, mode),
				Remediation: fmt.Sprintf("Run: chmod o-w %s", path),
			})
		}
		return nil
	})

	return report
}

func (a *Auditor) checkDirMode(report *Report, path string, mode fs.FileMode) {
	switch {
	case mode&0o002 != 0:
		report.add(Finding{
			CheckID:     "fs.dir_world_writable",
			Severity:    SeverityCritical,
			Title:       "Directory is world-writable",
			Detail:      fmt.Sprintf("%s has permissions %o; any user can modify its contents.", path, mode),
			Remediation: fmt.Sprintf("Run: chmod o-w %s", path),
		})
	case mode&0o020 != 0:
		report.add(Finding{
			CheckID:     "fs.dir_group_writable",
			Severity:    SeverityWarn,
			Title:       "Directory is group-writable",
			Detail:      fmt.Sprintf("%s has permissions %o.", path, mode),
			Remediation: fmt.Sprintf("Run: chmod g-w %s", path),
		})
	}
	if mode&0o004 != 0 {
		report.add(Finding{
			CheckID:     "fs.dir_world_readable",
			Severity:    SeverityWarn,
			Title:       "Directory is world-readable",
			Detail:      fmt.Sprintf("%s has permissions %o.", path, mode),
			Remediation: fmt.Sprintf("Run: chmod 700 %s", path),
		})
	}
}

func (a *Auditor) checkSecretMode(report *Report, path string, mode fs.FileMode) {
	if mode&0o004 != 0 {
		report.add(Finding{
			CheckID:     "fs.secret_world_readable",
			Severity:    SeverityCritical,
			Title:       "Secret file is world-readable",
			Detail:      fmt.Sprintf("%s has permissions %o and holds credentials.", path, mode),
			Remediation: fmt.Sprintf("Run: chmod 600 %s", path),
		})
	}
	if mode&0o002 != 0 {
		report.add(Finding{
			CheckID:     "fs.secret_world_writable",
			Severity:    SeverityCritical,
			Title:       "Secret file is world-writable",
			Detail:      fmt.Sprintf("%s has permissions %o and holds credentials.", path, mode),
			Remediation: fmt.Sprintf("Run: chmod 600 %s", path),
		})
	}
	if mode&0o040 != 0 {
		report.add(Finding{
			CheckID:     "fs.secret_group_readable",
			Severity:    SeverityWarn,
			Title:       "Secret file is group-readable",
			Detail:      fmt.Sprintf("%s has permissions %o.", path, mode),
			Remediation: fmt.Sprintf("Run: chmod 600 %s", path),
		})
	}
}

// WriteSnapshot stores the report under audit_reports/YYYY-MM-DD.json
// inside the state directory.
func (a *Auditor) WriteSnapshot(report *Report) (string, error) {
	dir := filepath.Join(a.stateDir, "audit_reports")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, report.Timestamp.Format("2006-01-02")+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// ListSnapshots returns stored report dates (YYYY-MM-DD), newest first.
func (a *Auditor) ListSnapshots() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(a.stateDir, "audit_reports"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var dates []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".json") {
			dates = append(dates, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// DeleteSnapshot removes one stored report by date.
func (a *Auditor) DeleteSnapshot(date string) error {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("invalid report date %q", date)
	}
	path := filepath.Join(a.stateDir, "audit_reports", date+".json")
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	return nil
}

func (r *Report) add(f Finding) {
	r.Findings = append(r.Findings, f)
	switch f.Severity {
	case SeverityCritical:
		r.Summary.Critical++
	case SeverityWarn:
		r.Summary.Warn++
	case SeverityInfo:
		r.Summary.Info++
	}
}

func isSensitive(path string) bool {
	base := filepath.Base(path)
	for _, name := range sensitiveNames {
		if base == name {
			return true
		}
	}
	return strings.HasSuffix(base, ".key") || strings.HasSuffix(base, ".pem")
}
