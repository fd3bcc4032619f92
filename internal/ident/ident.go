// Package ident mints and derives the stable identifiers used across the
// coordination store: player IDs, game IDs, and session-runner IDs.
package ident

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// sessionHostPattern matches provisioned runner hostnames ("session-<n>").
var sessionHostPattern = regexp.MustCompile(`^session-\d+$`)

// NewPlayerID mints a fresh player identity for clients that connect
// without one.
func NewPlayerID() string {
	return uuid.NewString()
}

// NewGameID mints a fresh game identity.
func NewGameID() string {
	return uuid.NewString()
}

// SessionID derives the stable identity of a session runner.
//
// Order of precedence: explicit configuration, then the hostname when it
// matches the provisioned "session-<n>" shape, then a fresh ID. The result
// is stable across restarts for provisioned runners, which is what lets a
// crashed runner re-adopt its games.
func SessionID(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if host, err := os.Hostname(); err == nil && sessionHostPattern.MatchString(host) {
		return host
	}
	return "session-" + uuid.NewString()
}

// SessionOrdinal extracts the numeric suffix of a provisioned runner ID.
// The second return is false for IDs that are not of the "session-<n>" form.
func SessionOrdinal(id string) (int, bool) {
	rest, found := strings.CutPrefix(id, "session-")
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// FormatSessionID builds the provisioned runner ID for ordinal n.
func FormatSessionID(n int) string {
	return fmt.Sprintf("session-%d", n)
}

// NextSessionID picks the lowest ordinal not present in existing and
// returns its formatted ID. Ordinals start at zero; non-ordinal IDs are
// ignored.
func NextSessionID(existing []string) string {
	used := make(map[int]bool, len(existing))
	for _, id := range existing {
		if n, ok := SessionOrdinal(id); ok {
			used[n] = true
		}
	}
	for n := 0; ; n++ {
		if !used[n] {
			return FormatSessionID(n)
		}
	}
}
