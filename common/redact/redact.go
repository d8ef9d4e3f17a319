// Package redact scrubs credentials out of values before they are logged.
//
// Generated runtime credentials are handed to the caller once and otherwise
// only live inside the container's environment. Anything that logs a creation
// spec, an env list, or a label map passes it through this package first.
package redact

import "strings"

const placeholder = "[REDACTED]"

var sensitiveWords = []string{"password", "passwd", "token", "secret", "key", "credential", "auth"}

// String replaces every occurrence of each value in s with [REDACTED]. Values
// shorter than 4 bytes are ignored.
func String(s string, values ...string) string {
	for _, v := range values {
		if len(v) >= 4 {
			s = strings.ReplaceAll(s, v, placeholder)
		}
	}
	return s
}

// Env returns a copy of a KEY=VALUE list with the value of every sensitive key
// replaced.
func Env(env []string) []string {
	out := make([]string, len(env))
	for i, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if ok && v != "" && SensitiveKey(k) {
			kv = k + "=" + placeholder
		}
		out[i] = kv
	}
	return out
}

// Map returns a shallow copy of m with sensitive keys' non-empty values
// replaced.
func Map(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v != "" && SensitiveKey(k) {
			v = placeholder
		}
		out[k] = v
	}
	return out
}

// SensitiveKey reports whether a key name looks like it holds a secret.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, w := range sensitiveWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
