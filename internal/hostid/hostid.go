// Package hostid derives the client identifier every connection advertises
// in its stream Introduction (§6's host-identification contract: "host IDs
// are derived deterministically from (hostname, port)"). Production code
// must use DeriveDeterministic so the same process identity survives a
// restart and is recognized by a room's host-number table as the same
// host reconnecting, not a new one. Derive, with its random suffix, exists
// for tests and local/dev runs where that restart-stability isn't wanted.
package hostid

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Derive returns a host ID of the form "<hostname>:<port>-<suffix>". If
// hostname is empty, os.Hostname() is used; if it fails, "unknown" is
// used rather than erroring, since a host ID always needs to exist.
func Derive(hostname string, port int) string {
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		} else {
			hostname = "unknown"
		}
	}
	return fmt.Sprintf("%s:%d-%s", hostname, port, uuid.New().String())
}

// DeriveDeterministic returns a host ID with a fixed suffix instead of a
// random one, for tests and for deployments that want the same ID to
// survive a process restart (so stale room entries under the old ID can
// be recognized as this host reconnecting, rather than a new host).
func DeriveDeterministic(hostname string, port int, suffix string) string {
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		} else {
			hostname = "unknown"
		}
	}
	return fmt.Sprintf("%s:%d-%s", hostname, port, suffix)
}
