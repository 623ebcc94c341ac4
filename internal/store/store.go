// Package store defines the relational session boundary. The control plane
// reads and writes base-table rows and the two metadata tables (shard
// registry, checksum registry) exclusively through the Session interface;
// the owning database and its schema migrations live outside this core.
package store

import (
	"context"
	"time"

	"github.com/openquant/dbmaint/internal/types"
)

// DateCount is the number of rows on one day of a base table.
type DateCount struct {
	Date  time.Time
	Count int64
}

// Session is the generic relational session shared by the managers.
// One session is shared across all manager calls within one orchestration;
// independent orchestrations should each own a session.
type Session interface {
	// QueryRows returns rows of the table whose time column falls in the
	// inclusive [start, end] day range, optionally filtered to a symbol set
	// and projected to a column subset. Rows come back ordered by the time
	// column.
	QueryRows(ctx context.Context, schema types.TableSchema, start, end time.Time, symbols []string, columns []string) ([]types.Row, error)

	// GetRowByID returns one row by primary key, or ErrRecordNotFound.
	GetRowByID(ctx context.Context, schema types.TableSchema, id int64) (types.Row, error)

	// EarliestRowDate returns the oldest time-column value in the table,
	// or ErrNotFound when the table is empty.
	EarliestRowDate(ctx context.Context, schema types.TableSchema) (time.Time, error)

	// CountRows returns the total row count of the table.
	CountRows(ctx context.Context, schema types.TableSchema) (int64, error)

	// RowDateCounts returns per-day row counts for dates strictly after the
	// given day, ordered by date ascending. A zero time means all days.
	RowDateCounts(ctx context.Context, schema types.TableSchema, after time.Time) ([]DateCount, error)

	// RowIDsWithoutChecksum returns up to limit primary keys that have no
	// checksum record yet, ordered by id.
	RowIDsWithoutChecksum(ctx context.Context, schema types.TableSchema, limit int) ([]int64, error)

	// InsertShard registers a new shard row.
	InsertShard(ctx context.Context, shard *types.Shard) error

	// UpdateShard rewrites the mutable fields of an existing shard row.
	UpdateShard(ctx context.Context, shard *types.Shard) error

	// LatestShard returns the shard with the newest end date for a table,
	// or nil when the table has no shards yet.
	LatestShard(ctx context.Context, table string) (*types.Shard, error)

	// ShardsOverlapping returns the shards whose inclusive window intersects
	// the inclusive [start, end] range, ordered by start date.
	ShardsOverlapping(ctx context.Context, table string, start, end time.Time) ([]types.Shard, error)

	// ListShards returns shards for one table, or all tables when table is
	// empty. With onlyUncompressed set, compressed shards are filtered out.
	ListShards(ctx context.Context, table string, onlyUncompressed bool) ([]types.Shard, error)

	// ShardedRowCount returns the sum of row counts across a table's shards.
	ShardedRowCount(ctx context.Context, table string) (int64, error)

	// UpsertChecksum inserts or replaces the checksum record for
	// (record.TableName, record.RecordID).
	UpsertChecksum(ctx context.Context, record *types.ChecksumRecord) error

	// GetChecksum returns the checksum record for a row, or ErrRecordNotFound.
	GetChecksum(ctx context.Context, table string, recordID int64) (*types.ChecksumRecord, error)

	// UpdateChecksumVerification records the outcome of a verification.
	UpdateChecksumVerification(ctx context.Context, table string, recordID int64, valid bool, at time.Time) error

	// ListChecksums returns checksum records for one table (or all tables
	// when table is empty), ordered by record id, capped at limit when
	// limit > 0.
	ListChecksums(ctx context.Context, table string, limit int) ([]types.ChecksumRecord, error)

	// Close releases the underlying connection.
	Close() error
}
