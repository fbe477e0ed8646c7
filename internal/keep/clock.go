package keep

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so business logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time in UTC.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// IDGenerator abstracts unique ID generation so tests are deterministic.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }

// shortID returns the first n characters of a fresh ID with dashes removed.
func shortID(idgen IDGenerator, n int) string {
	id := strings.ReplaceAll(idgen.New(), "-", "")
	if len(id) > n {
		id = id[:n]
	}
	return id
}
