// Package ident derives the names Hangar hands to the container backend and
// the reverse proxy: public subdomains, storage volume keys, container names,
// and generated access credentials.
package ident

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const (
	// StorageKeyLength is the number of hex characters kept from the
	// (user, agent) digest.
	StorageKeyLength = 16
	// DefaultPasswordLength matches what the agent images accept.
	DefaultPasswordLength = 24

	maxUsernameLength = 20
	passwordAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#$%"
)

var (
	invalidUsernameChars = regexp.MustCompile(`[^a-z0-9-]`)
	repeatedDashes       = regexp.MustCompile(`-+`)
	validUsername        = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)
)

var reservedWords = map[string]struct{}{
	"www": {}, "api": {}, "app": {}, "admin": {}, "mail": {}, "smtp": {},
	"ftp": {}, "ssh": {}, "dns": {}, "ns1": {}, "ns2": {}, "cdn": {},
	"static": {}, "assets": {}, "media": {}, "blog": {}, "status": {},
	"help": {}, "support": {}, "docs": {}, "dashboard": {}, "login": {},
	"auth": {}, "traefik": {},
}

// SanitizeUsername lowercases input, keeps [a-z0-9-], collapses dashes, trims
// leading and trailing dashes, and truncates to 20 characters.
func SanitizeUsername(input string) string {
	s := strings.ToLower(input)
	s = invalidUsernameChars.ReplaceAllString(s, "")
	s = repeatedDashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxUsernameLength {
		s = strings.TrimRight(s[:maxUsernameLength], "-")
	}
	return s
}

// ValidUsername reports whether username is usable as a subdomain prefix.
func ValidUsername(username string) bool {
	if len(username) < 3 || len(username) > maxUsernameLength {
		return false
	}
	if !validUsername.MatchString(username) {
		return false
	}
	return !IsReserved(username)
}

// IsReserved reports whether word collides with a platform hostname.
func IsReserved(word string) bool {
	_, ok := reservedWords[strings.ToLower(word)]
	return ok
}

// Subdomain returns "<user>-<agent>-<4 hex>". The random suffix differs on
// every call so a new runtime never shares a route with a stopped one.
func Subdomain(username, agentSlug string) (string, error) {
	user := SanitizeUsername(username)
	if user == "" {
		return "", fmt.Errorf("ident: username %q has no usable characters", username)
	}
	suffix := make([]byte, 2)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("ident: subdomain suffix: %w", err)
	}
	return fmt.Sprintf("%s-%s-%s", user, agentSlug, hex.EncodeToString(suffix)), nil
}

// StorageKey is stable for a (user, agent) pair so the agent's volume survives
// re-provisioning.
func StorageKey(userID, agentSlug string) string {
	sum := sha256.Sum256([]byte(userID + ":" + agentSlug))
	return hex.EncodeToString(sum[:])[:StorageKeyLength]
}

// ContainerName returns the backend resource name for a subdomain.
func ContainerName(subdomain string) string {
	return "hangar-" + subdomain
}

// VolumeName returns the named volume holding an agent's state.
func VolumeName(storageKey string) string {
	return "hangar-storage-" + storageKey
}

// Password returns n characters drawn uniformly enough from a 67 symbol
// alphabet using crypto/rand.
func Password(n int) (string, error) {
	if n <= 0 {
		n = DefaultPasswordLength
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("ident: password: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = passwordAlphabet[int(b)%len(passwordAlphabet)]
	}
	return string(out), nil
}
