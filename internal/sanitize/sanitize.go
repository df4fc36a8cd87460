// Package sanitize is the output pipeline applied to agent text before it
// reaches a channel: secret redaction, project env-value redaction, a hard
// length cap, chunking with part numbering, and the cost footer. Everything
// here is a pure function so the pipeline can be tested against literal
// inputs, and the full pipeline is idempotent.
package sanitize

import (
	"regexp"
	"sort"
	"strings"
)

// maxOutputLen is the hard cap on sanitized output.
const maxOutputLen = 40000

// truncationMarker is appended when the cap fires.
const truncationMarker = "\n[output truncated]"

// secretPatterns is the fixed redaction set. Order matters: more specific
// token shapes run before the generic prefix pattern.
var secretPatterns = []*regexp.Regexp{
	// Credential-bearing URLs: scheme://user:pass@
	regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^/\s:@]+:[^@\s]+@[^\s]*`),
	// PEM private key headers
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	// Anthropic keys
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{16,}`),
	// Slack tokens
	regexp.MustCompile(`xox[bpars]-[A-Za-z0-9-]{10,}`),
	// Slack app-level tokens
	regexp.MustCompile(`xapp-[A-Za-z0-9-]{10,}`),
	// GitHub personal access tokens
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,}`),
	// Google API keys
	regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`),
	// AWS access key IDs
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	// JWTs
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}(?:\.[A-Za-z0-9_-]+)?`),
	// Generic secret-looking prefixes followed by long token bodies
	regexp.MustCompile(`(?i)\b(?:sk|pk|api|key|token|secret|password|auth)[_-][A-Za-z0-9_-]{20,}`),
}

// SanitizeAgentOutput redacts secrets and project env values from text and
// caps its length. Applying it twice yields the same output as once.
func SanitizeAgentOutput(text string, projectEnv map[string]string) string {
	for _, pattern := range secretPatterns {
		text = pattern.ReplaceAllString(text, "[REDACTED]")
	}

	// Literal env-value replacement, longest values first so a value that
	// contains another value doesn't leave fragments behind.
	keys := make([]string, 0, len(projectEnv))
	for key, value := range projectEnv {
		if len(value) > 3 {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(projectEnv[keys[i]]) != len(projectEnv[keys[j]]) {
			return len(projectEnv[keys[i]]) > len(projectEnv[keys[j]])
		}
		return keys[i] < keys[j]
	})
	for _, key := range keys {
		text = strings.ReplaceAll(text, projectEnv[key], "[ENV:"+key+"]")
	}

	if len(text) > maxOutputLen {
		text = text[:maxOutputLen-len(truncationMarker)] + truncationMarker
	}
	return text
}

// SanitizeError redacts an error string for posting to a channel.
func SanitizeError(err error, projectEnv map[string]string) string {
	if err == nil {
		return ""
	}
	return SanitizeAgentOutput(err.Error(), projectEnv)
}
