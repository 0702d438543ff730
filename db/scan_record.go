package db

import (
	"fmt"
	"regexp"
)

// ScanStatus is the lifecycle state of a ScanRecord.
//
//	UNSCANNED  -> IN_PROGRESS -> SCANNED   (terminal)
//	                          -> FAILED
//
// FAILED and IN_PROGRESS both revert to UNSCANNED on startup recovery.
type ScanStatus int

const (
	StatusUnscanned ScanStatus = iota
	StatusScanned
	StatusInProgress
	StatusFailed
)

// Valid reports whether s is one of the four defined statuses. Read paths
// that decode a scan_status column value should reject anything else rather
// than silently coercing it.
func (s ScanStatus) Valid() bool {
	return s >= StatusUnscanned && s <= StatusFailed
}

func (s ScanStatus) String() string {
	switch s {
	case StatusUnscanned:
		return "unscanned"
	case StatusScanned:
		return "scanned"
	case StatusInProgress:
		return "in_progress"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ScanRecord is one unit of work: a captured request awaiting, undergoing,
// or having completed a scan. Rows live in a per-prefix table (see
// TableName) rather than one shared table, so isolated scans never contend
// on the same index.
type ScanRecord struct {
	ID         uint       `gorm:"column:id;primaryKey;autoIncrement"`
	Data       []byte     `gorm:"column:data"`
	DataHash   string     `gorm:"column:data_hash;size:63;not null"`
	ScanStatus ScanStatus `gorm:"column:scan_status;not null;default:0"`
	Time       int64      `gorm:"column:time"`
}

// maxDataHashLength mirrors the storage adapter's key-length rationale: at
// worst 4 bytes per character, a VARCHAR(63) column stays inside the index
// key-length limits of every supported driver.
const maxDataHashLength = 63

// prefixPattern restricts scan-table prefixes to identifier-safe characters.
// Prefixes are interpolated into DDL and DML as a bare table name (drivers
// don't support parameter placeholders there), so this is the only guard
// against a malicious or malformed prefix reaching raw SQL.
var prefixPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,48}$`)

// TableName returns the backing table name for a scan prefix, or an error if
// the prefix is not identifier-safe.
func TableName(prefix string) (string, error) {
	if !prefixPattern.MatchString(prefix) {
		return "", fmt.Errorf("db: invalid scan table prefix %q", prefix)
	}
	return prefix + "_ResultList", nil
}
