package model

import (
	"database/sql"
	"time"
)

// BackupRecord is the catalog entry for one published archive.
type BackupRecord struct {
	Name          string    // keep-<timestamp>-<suffix>, unique within the catalog
	FormatVersion int       // archive format version the file was written with
	SizeBytes     int64     // size of the archive file in bytes
	CreatedAt     time.Time // UTC, set when the snapshot was captured
	Checksum      string    // hex SHA-256 of the complete archive file
	Salt          []byte    // per-backup random KDF salt
	KDF           KDFParams
	Compression   string         // "none" or "xz"
	Resources     []ResourceInfo // in capture order
}

// Age returns how old the backup is at now.
func (r *BackupRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// KDFParams identifies the key derivation function and its cost parameters.
// Only the fields relevant to Algorithm are set.
type KDFParams struct {
	Algorithm string `json:"algorithm"` // "argon2id" or "scrypt"
	KeyLen    uint32 `json:"key_len"`

	// argon2id
	Time      uint32 `json:"time,omitempty"`
	MemoryKiB uint32 `json:"memory_kib,omitempty"`
	Threads   uint8  `json:"threads,omitempty"`

	// scrypt
	N int `json:"n,omitempty"`
	R int `json:"r,omitempty"`
	P int `json:"p,omitempty"`
}

// ResourceInfo describes one captured resource inside an archive.
type ResourceInfo struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"` // "file", "dir" or "sqlite"
	Size     int64  `json:"size"`
	Checksum string `json:"sha256"`
}

// Operation is one row of the operation history.
type Operation struct {
	ID         int64
	Operation  string // "create", "restore", "delete", "sweep", "recover"
	BackupName string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Status     string // "running", "success" or "error"
	Detail     string
}

// Lease describes the holder of the system-wide operation lock.
type Lease struct {
	Holder     string    `json:"holder"`
	Operation  string    `json:"operation"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease outlived its expected duration.
func (l *Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && now.After(l.ExpiresAt)
}
