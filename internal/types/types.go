package types

import (
	"fmt"
	"time"
)

// Row is one logical record of a base table, keyed by column name.
// Values are one of: string, int64, float64, bool, time.Time, or nil.
type Row map[string]any

// ColumnKind indicates the logical type of a table column.
type ColumnKind int

const (
	// KindString is a variable-length string column.
	KindString ColumnKind = iota
	// KindInt64 is a 64-bit integer column.
	KindInt64
	// KindFloat64 is a double-precision float column.
	KindFloat64
	// KindBool is a boolean column.
	KindBool
	// KindTime is a timestamp column, stored as Unix milliseconds on disk.
	KindTime
)

// String returns a human-readable representation of the ColumnKind.
func (k ColumnKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	default:
		return "unknown"
	}
}

// Column describes one column of a base table.
type Column struct {
	Name string
	Kind ColumnKind
}

// TableSchema describes a managed base table: its columns and the special
// columns the control plane needs to know about.
type TableSchema struct {
	// Name is the table name in the relational store.
	Name string

	// TimeColumn is the natural time column used to bound shards (e.g. "date").
	TimeColumn string

	// IDColumn is the integer primary-key column (e.g. "id").
	IDColumn string

	// SymbolColumn is the discrete-id column used for symbol filtering,
	// empty if the table has none.
	SymbolColumn string

	// Columns lists every column in storage order.
	Columns []Column
}

// Column returns the column with the given name, if present.
func (s TableSchema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the names of all columns in storage order.
func (s TableSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Validate checks that the schema is internally consistent.
func (s TableSchema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("table schema: empty name")
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", s.Name)
	}
	if _, ok := s.Column(s.TimeColumn); !ok {
		return fmt.Errorf("table %s: time column %q not in columns", s.Name, s.TimeColumn)
	}
	if _, ok := s.Column(s.IDColumn); !ok {
		return fmt.Errorf("table %s: id column %q not in columns", s.Name, s.IDColumn)
	}
	if s.SymbolColumn != "" {
		if _, ok := s.Column(s.SymbolColumn); !ok {
			return fmt.Errorf("table %s: symbol column %q not in columns", s.Name, s.SymbolColumn)
		}
	}
	return nil
}

// Shard is one time-bounded, optionally compressed slice of a logical table.
// Start and End are inclusive day bounds.
type Shard struct {
	ShardID      string
	TableName    string
	ShardKey     string
	StartDate    time.Time
	EndDate      time.Time
	FilePath     string
	FileFormat   string // defaults to "parquet"
	Compression  string // codec name, empty while uncompressed
	IsCompressed bool
	RowCount     int64
	FileSize     int64
	FileChecksum string // xxhash64 hex digest of the shard file
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Overlaps reports whether the shard's inclusive [StartDate, EndDate] window
// intersects the inclusive [start, end] query window.
func (s *Shard) Overlaps(start, end time.Time) bool {
	return !s.StartDate.After(end) && !s.EndDate.Before(start)
}

// AgeDays returns the age of the shard's newest data in fractional days.
func (s *Shard) AgeDays(now time.Time) float64 {
	return now.Sub(s.EndDate).Hours() / 24
}

// ShardID builds the deterministic shard identifier for a table window.
func ShardID(table string, start, end time.Time) string {
	return fmt.Sprintf("%s_%s_%s", table, start.Format("20060102"), end.Format("20060102"))
}

// ChecksumRecord is the last-known-good digest of one logical row.
// At most one record exists per (TableName, RecordID).
type ChecksumRecord struct {
	TableName  string
	RecordID   int64
	Checksum   string // SHA-256 hex digest
	Fields     []string
	IsValid    bool
	VerifiedAt time.Time
	CreatedAt  time.Time
}

// AgeDays returns the record's age since creation in fractional days.
func (c *ChecksumRecord) AgeDays(now time.Time) float64 {
	return now.Sub(c.CreatedAt).Hours() / 24
}

// LastVerifiedDays returns the fractional days since the last verification.
// Records that were never verified report their age instead.
func (c *ChecksumRecord) LastVerifiedDays(now time.Time) float64 {
	if c.VerifiedAt.IsZero() {
		return c.AgeDays(now)
	}
	return now.Sub(c.VerifiedAt).Hours() / 24
}

// Day truncates t to midnight UTC. Shard bounds and row time filters all
// operate on day granularity.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
