package appstore

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ahmtydn/publish-store/internal/domain"
)

// Patterns that mask credential-bearing fragments in upload tool
// output before it is logged or surfaced.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`),
	regexp.MustCompile(`(?s)-----BEGIN[^-]*-----.*?-----END[^-]*-----`),
	regexp.MustCompile(`(?i)(apiKey|api_key|password|token)(["':=\s]+)[A-Za-z0-9+/._\-]+`),
}

// redactDiagnostics removes credential material from tool output.
func redactDiagnostics(output string) string {
	for _, pattern := range redactPatterns[:2] {
		output = pattern.ReplaceAllString(output, "[REDACTED]")
	}
	output = redactPatterns[2].ReplaceAllString(output, "$1$2[REDACTED]")
	return output
}

// classifyDiagnostics maps transporter output to a targeted error.
// The raw output is redacted first; anything unmatched falls back to a
// generic upload failure carrying the redacted text for triage.
func classifyDiagnostics(output string) *domain.Error {
	redacted := redactDiagnostics(output)
	lower := strings.ToLower(redacted)

	switch {
	case containsAny(lower, "unable to authenticate", "authentication failed", "invalid credentials", "your session has expired"):
		return domain.NewAuthentication("upload tool could not authenticate with the store", nil)
	case containsAny(lower, "bundle identifier", "does not match the bundle id", "wrong bundle"):
		return domain.NewDeployment(domain.CodeBundleMismatch,
			"artifact bundle identifier does not match the target app", false, nil)
	case containsAny(lower, "previously uploaded", "already been used", "redundant binary", "duplicate"):
		return domain.NewDeployment(domain.CodeDuplicateBuild,
			"a build with this version has already been uploaded", false, nil)
	case containsAny(lower, "provisioning profile", "code signing", "invalid signature", "entitlements"):
		return domain.NewDeployment(domain.CodeInvalidSigning,
			"artifact signing or provisioning is invalid", false, nil)
	case containsAny(lower, "network", "connection", "timed out", "could not connect"):
		return domain.NewNetwork("upload tool reported a network failure", nil)
	default:
		return domain.NewDeployment(domain.CodeUploadFailed,
			"upload tool failed: "+truncate(strings.TrimSpace(redacted), 512), false, nil)
	}
}

// truncate caps s at limit bytes without splitting a UTF-8 rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func containsAny(haystack string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
