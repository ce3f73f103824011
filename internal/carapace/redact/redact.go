// Package redact strips credentials out of anything bound for the audit
// log, an outbound error message, or a log line.
//
// Two layers run together: a key-name layer (password/token/secret/key/
// credential/auth/apikey-named fields, same heuristic as a plain structured
// logger would use) and a pattern layer that scans string values regardless
// of field name for shapes that look like bearer tokens, provider API keys,
// private key material, or URL-embedded credentials. The pattern layer is
// what catches a secret sitting in an unlabeled field.
//
// Redaction here is best-effort. It is not a substitute for keeping secrets
// out of the call sites that produce audit entries and log lines in the
// first place.
package redact

import (
	"net/url"
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

var patterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{8,}=*`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{6,}`),
	regexp.MustCompile(`\bghp_[A-Za-z0-9_]{6,}`),
	regexp.MustCompile(`\bgho_[A-Za-z0-9_]{6,}`),
	regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
}

// String replaces every credential-shaped substring and every occurrence of
// the supplied literal sensitive values with the redaction placeholder.
// Literal values shorter than 4 characters are skipped to avoid redacting
// common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	for _, re := range patterns {
		s = re.ReplaceAllString(s, placeholder)
	}
	s = redactURLCredentials(s)
	return s
}

// redactURLCredentials strips userinfo (user:pass@) segments from any URL
// substring found in s. It walks whitespace-delimited tokens rather than
// attempting a single regex so it tolerates surrounding punctuation.
func redactURLCredentials(s string) string {
	fields := strings.Fields(s)
	changed := false
	for i, f := range fields {
		trimmed := strings.Trim(f, "\"',;()[]{}")
		if !strings.Contains(trimmed, "://") || !strings.Contains(trimmed, "@") {
			continue
		}
		u, err := url.Parse(trimmed)
		if err != nil || u.User == nil {
			continue
		}
		u.User = url.User(placeholder)
		fields[i] = strings.Replace(f, trimmed, u.String(), 1)
		changed = true
	}
	if !changed {
		return s
	}
	return strings.Join(fields, " ")
}

// Map returns a shallow copy of m with values replaced for every key whose
// name suggests it holds a secret, and with pattern-based scrubbing applied
// to every remaining string value regardless of key name.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		str, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		if isSensitiveKey(k) && str != "" {
			out[k] = placeholder
			continue
		}
		out[k] = String(str)
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth", "apikey"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
