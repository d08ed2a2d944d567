// Package rails holds the static safety checks shared by every execution
// path: a dangerous-command pattern set and a filesystem path jail. The
// rails only allow or refuse; they never rewrite input.
package rails

import (
	"regexp"
	"strings"
)

// DangerousPatterns are compiled regexes matched against shell commands
// before any other processing. A match refuses execution outright,
// regardless of policy or Guardian verdicts.
var DangerousPatterns = []*regexp.Regexp{
	// Destructive file operations
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rf][a-zA-Z]*\s+/(\s|$)`),
	regexp.MustCompile(`\brm\s+-rf?\s+/\S*`),
	regexp.MustCompile(`\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/etc/`),

	// Remote code execution
	regexp.MustCompile(`\bcurl\b[^|]*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b[^|]*\|\s*(ba)?sh\b`),

	// Privilege escalation
	regexp.MustCompile(`\bchmod\s+777\s+/(\s|$|\S)`),

	// System-level actions
	regexp.MustCompile(`\bshutdown\b`),
	regexp.MustCompile(`\breboot\b`),
	regexp.MustCompile(`\biptables\s+-F\b`),

	// Fork bomb
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:\s*&\s*\}\s*;\s*:`),
}

// DangerousSubstrings are literal fragments matched case-insensitively in
// addition to the regexes. Both lists are intentionally published so that
// tests and audits can enumerate the exact coverage.
var DangerousSubstrings = []string{
	"rm -rf /",
	"rm -fr /",
	"mkfs",
	"dd if=",
	"> /etc/",
	"curl|sh",
	"curl | sh",
	"wget|sh",
	"wget | sh",
	"chmod 777 /",
	"shutdown",
	"reboot",
	"iptables -F",
	":(){ :|:& };:",
}

// CheckCommand reports whether the command matches the dangerous set.
// The returned pattern is the first matching regex or substring, for audit
// context.
func CheckCommand(command string) (dangerous bool, pattern string) {
	lowered := strings.ToLower(command)
	for _, sub := range DangerousSubstrings {
		if strings.Contains(lowered, strings.ToLower(sub)) {
			return true, sub
		}
	}
	for _, re := range DangerousPatterns {
		if re.MatchString(command) {
			return true, re.String()
		}
	}
	return false, ""
}
