package executor

import (
	"fmt"
	"regexp"
	"strings"
)

// guardRule is one deny rule over a candidate bash command. Rules run in
// order and the first match wins, so the error names the most specific
// construct found.
type guardRule struct {
	name    string
	pattern *regexp.Regexp
}

var guardRules = []guardRule{
	{"command substitution", regexp.MustCompile(`\$\(`)},
	{"backtick substitution", regexp.MustCompile("`")},
	{"process substitution", regexp.MustCompile(`[<>]\(`)},
	{"variable expansion", regexp.MustCompile(`\$\{?[A-Za-z_@#?*0-9]`)},
	{"eval", regexp.MustCompile(`(?:^|[;&|]\s*|\s)eval(?:\s|$)`)},
	{"shell-in-shell", regexp.MustCompile(`(?:^|[;&|]\s*|\s)(?:ba|z|da|k)?sh\s+-c(?:\s|$)`)},
	{"symlink creation", regexp.MustCompile(`(?:^|[;&|]\s*|\s)ln\s+(?:-[a-zA-Z]*s|--symbolic)`)},
	{"pushd outside project", regexp.MustCompile(`(?:^|[;&|]\s*|\s)pushd\s+(?:/|\.\.|~)`)},
	{"relative path traversal", regexp.MustCompile(`(?:^|[\s"'=:])\.\./`)},
	{"hex escape sequence", regexp.MustCompile(`\\x[0-9a-fA-F]{2}`)},
	{"octal escape sequence", regexp.MustCompile(`\\[0-7]{3}`)},
	{"unicode escape sequence", regexp.MustCompile(`\\u[0-9a-fA-F]{4}`)},
	{"tilde expansion", regexp.MustCompile(`(?:^|[\s"'=:])~(?:/|[a-z]|$)`)},
	{"brace expansion with commas", regexp.MustCompile(`\{[^{}]*,[^{}]*\}`)},
	{"heredoc", regexp.MustCompile(`<<-?\s*['"\\]?\w`)},
}

var absolutePath = regexp.MustCompile(`(?:^|[\s"'=:])(/[^\s"';|&]*)`)

// BashGuard validates candidate bash commands against the relay's sandbox
// policy. It is the fallback enforcement layer when no kernel sandbox is
// available, and runs in addition to one when it is.
type BashGuard struct {
	projectDir string
	extraRead  []string
}

// NewBashGuard creates a guard scoped to the project directory plus the
// declared additional read directories.
func NewBashGuard(projectDir string, extraRead []string) *BashGuard {
	return &BashGuard{projectDir: projectDir, extraRead: extraRead}
}

// Check returns an error naming the denied construct, or nil when the
// command passes.
func (g *BashGuard) Check(command string) error {
	for _, rule := range guardRules {
		if rule.pattern.MatchString(command) {
			return fmt.Errorf("command denied: %s", rule.name)
		}
	}

	// Absolute paths must stay inside the project or the extra read set.
	for _, m := range absolutePath.FindAllStringSubmatch(command, -1) {
		path := m[1]
		if g.pathAllowed(path) {
			continue
		}
		return fmt.Errorf("command denied: absolute path outside project: %s", path)
	}

	// Input redirect from an external path. Relative redirects inside the
	// project are fine; the absolute-path pass above already catches the
	// rest, so this only needs to reject redirects reaching upward.
	if idx := strings.Index(command, "<"); idx >= 0 && !strings.HasPrefix(command[idx:], "<<") {
		target := strings.TrimSpace(command[idx+1:])
		if strings.HasPrefix(target, "/") && !g.pathAllowed(firstToken(target)) {
			return fmt.Errorf("command denied: input redirect from external path")
		}
	}

	return nil
}

func (g *BashGuard) pathAllowed(path string) bool {
	if strings.HasPrefix(path, g.projectDir) {
		return true
	}
	for _, dir := range g.extraRead {
		if dir != "" && strings.HasPrefix(path, dir) {
			return true
		}
	}
	// Common toolchain roots are readable everywhere.
	for _, prefix := range []string{"/usr", "/bin", "/lib", "/opt", "/etc/ssl", "/dev/null", "/tmp"} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func firstToken(s string) string {
	if i := strings.IndexAny(s, " \t;|&"); i >= 0 {
		return s[:i]
	}
	return s
}
