// Package idgen generates identifiers for events, snapshots, saga executions
// and commands.
package idgen

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewSortableID returns a lexicographically sortable ULID.
// ulid.Make uses a process-wide monotonic entropy source and is safe for
// concurrent use.
func NewSortableID() string {
	return ulid.Make().String()
}

// NewCommandID returns a random command identifier.
func NewCommandID() string {
	return uuid.NewString()
}

// DeterministicEventID derives an event id from the command that produced it.
// Retrying the same command against the same aggregate version produces the
// same ids, which lets downstream brokers drop duplicate publishes.
func DeterministicEventID(commandID, aggregateID string, version uint64) string {
	return DeterministicID(commandID, aggregateID, strconv.FormatUint(version, 10))
}

// DeterministicID hashes parts into a 32 character hex id.
func DeterministicID(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(h[:16])
}
