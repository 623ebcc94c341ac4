package sharding

import (
	"context"
	"fmt"
	"time"

	"github.com/openquant/dbmaint/internal/errors"
	"github.com/openquant/dbmaint/internal/store"
	"github.com/openquant/dbmaint/internal/types"
)

// Params are the bounds of the next shard window. Start and End are inclusive
// days; ShardKey names the column that bounds the slice.
type Params struct {
	StartDate time.Time
	EndDate   time.Time
	ShardKey  string
}

// Strategy decides when a table needs a new shard and what window it covers.
// Strategies read through the session but never write.
type Strategy interface {
	// ShouldCreateShard inspects the most recent shard for the table. It
	// fails closed: a table with no shards yet always reports true.
	ShouldCreateShard(ctx context.Context, sess store.Session, schema types.TableSchema) (bool, error)

	// ShardParameters computes the next shard window.
	ShardParameters(ctx context.Context, sess store.Session, schema types.TableSchema) (Params, error)
}

// TimeBasedStrategy shards on a fixed calendar interval.
type TimeBasedStrategy struct {
	intervalDays int

	// now is swappable for tests.
	now func() time.Time
}

// NewTimeBased creates a time-based sharding strategy.
func NewTimeBased(intervalDays int) (*TimeBasedStrategy, error) {
	if intervalDays <= 0 {
		return nil, errors.NewValidation("interval_days", "must be positive")
	}
	return &TimeBasedStrategy{intervalDays: intervalDays, now: time.Now}, nil
}

// SetNow overrides the clock. Tests only.
func (s *TimeBasedStrategy) SetNow(now func() time.Time) {
	s.now = now
}

// ShouldCreateShard is true once the last shard's end date is intervalDays or
// more behind today. The boundary case (exactly intervalDays) is true.
func (s *TimeBasedStrategy) ShouldCreateShard(ctx context.Context, sess store.Session, schema types.TableSchema) (bool, error) {
	latest, err := sess.LatestShard(ctx, schema.Name)
	if err != nil {
		return false, err
	}
	if latest == nil {
		return true, nil
	}

	today := types.Day(s.now())
	elapsed := today.Sub(latest.EndDate).Hours() / 24
	return elapsed >= float64(s.intervalDays), nil
}

// ShardParameters starts the next window the day after the last shard ends,
// or at the table's earliest row when no shard exists, and spans intervalDays.
func (s *TimeBasedStrategy) ShardParameters(ctx context.Context, sess store.Session, schema types.TableSchema) (Params, error) {
	start, err := nextWindowStart(ctx, sess, schema)
	if err != nil {
		return Params{}, err
	}

	return Params{
		StartDate: start,
		EndDate:   start.AddDate(0, 0, s.intervalDays-1),
		ShardKey:  schema.TimeColumn,
	}, nil
}

// SizeBasedStrategy shards once enough unsharded rows accumulate.
type SizeBasedStrategy struct {
	maxRows int64
}

// NewSizeBased creates a size-based sharding strategy.
func NewSizeBased(maxRowsPerShard int64) (*SizeBasedStrategy, error) {
	if maxRowsPerShard <= 0 {
		return nil, errors.NewValidation("max_rows_per_shard", "must be positive")
	}
	return &SizeBasedStrategy{maxRows: maxRowsPerShard}, nil
}

// ShouldCreateShard is true once the unsharded row count reaches the budget.
func (s *SizeBasedStrategy) ShouldCreateShard(ctx context.Context, sess store.Session, schema types.TableSchema) (bool, error) {
	total, err := sess.CountRows(ctx, schema)
	if err != nil {
		return false, err
	}
	sharded, err := sess.ShardedRowCount(ctx, schema.Name)
	if err != nil {
		return false, err
	}
	return total-sharded >= s.maxRows, nil
}

// ShardParameters walks the table's per-day row counts from the window start
// until the row budget is covered; the window ends on the day that fills it.
func (s *SizeBasedStrategy) ShardParameters(ctx context.Context, sess store.Session, schema types.TableSchema) (Params, error) {
	latest, err := sess.LatestShard(ctx, schema.Name)
	if err != nil {
		return Params{}, err
	}

	var after time.Time
	if latest != nil {
		after = latest.EndDate
	}

	counts, err := sess.RowDateCounts(ctx, schema, after)
	if err != nil {
		return Params{}, err
	}
	if len(counts) == 0 {
		return Params{}, fmt.Errorf("table %s has no unsharded rows: %w", schema.Name, errors.ErrNotFound)
	}

	start := counts[0].Date
	end := counts[0].Date
	var covered int64
	for _, dc := range counts {
		end = dc.Date
		covered += dc.Count
		if covered >= s.maxRows {
			break
		}
	}

	return Params{
		StartDate: start,
		EndDate:   end,
		ShardKey:  schema.TimeColumn,
	}, nil
}

// nextWindowStart is the day after the last shard ends, or the table's
// earliest row date when no shard exists yet.
func nextWindowStart(ctx context.Context, sess store.Session, schema types.TableSchema) (time.Time, error) {
	latest, err := sess.LatestShard(ctx, schema.Name)
	if err != nil {
		return time.Time{}, err
	}
	if latest != nil {
		return latest.EndDate.AddDate(0, 0, 1), nil
	}
	return sess.EarliestRowDate(ctx, schema)
}
