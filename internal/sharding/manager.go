// Package sharding decides when to partition a growing table into
// time-bounded shards, materializes shard files through the columnar codec,
// and answers cross-shard range queries.
package sharding

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openquant/dbmaint/internal/checksum"
	"github.com/openquant/dbmaint/internal/errors"
	"github.com/openquant/dbmaint/internal/logging"
	"github.com/openquant/dbmaint/internal/store"
	"github.com/openquant/dbmaint/internal/types"
)

// Manager creates shards and plans queries across them.
type Manager struct {
	mu         sync.RWMutex
	strategies map[string]Strategy

	cacheMu sync.Mutex
	cache   map[string][]types.Shard
	group   singleflight.Group

	session  store.Session
	schemas  map[string]types.TableSchema
	columnar types.Columnar
	dataDir  string
	log      *slog.Logger
	now      func() time.Time
}

// TableShardStats aggregates one table's shards.
type TableShardStats struct {
	ShardCount      int
	CompressedCount int
	TotalRows       int64
	TotalBytes      int64
	EarliestStart   time.Time
	LatestEnd       time.Time
}

// Stats aggregates shard metadata for reporting.
type Stats struct {
	TotalShards int
	TotalRows   int64
	TotalBytes  int64
	ByTable     map[string]TableShardStats
}

// NewManager creates a sharding manager. Shard files land under
// dataDir/<table>/.
func NewManager(session store.Session, schemas map[string]types.TableSchema, columnar types.Columnar, dataDir string) (*Manager, error) {
	if session == nil {
		return nil, errors.ErrNilSession
	}

	return &Manager{
		strategies: make(map[string]Strategy),
		cache:      make(map[string][]types.Shard),
		session:    session,
		schemas:    schemas,
		columnar:   columnar,
		dataDir:    dataDir,
		log:        logging.Component("sharding"),
		now:        time.Now,
	}, nil
}

// SetNow overrides the clock. Tests only.
func (m *Manager) SetNow(now func() time.Time) {
	m.now = now
}

// RegisterStrategy registers a strategy under a name. Registering a duplicate
// name overwrites the prior entry.
func (m *Manager) RegisterStrategy(name string, s Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[name] = s
}

func (m *Manager) strategy(name string) (Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.strategies[name]
	if !ok {
		return nil, errors.NewUnknownStrategy("sharding", name)
	}
	return s, nil
}

func (m *Manager) schema(table string) (types.TableSchema, error) {
	schema, ok := m.schemas[table]
	if !ok {
		return types.TableSchema{}, fmt.Errorf("table %q: %w", table, errors.ErrUnknownTable)
	}
	return schema, nil
}

// CreateShardIfNeeded evaluates the named strategy and, when it fires,
// materializes the computed window into a shard file plus a registry row.
// Returns nil when no shard is due or the window holds no rows.
func (m *Manager) CreateShardIfNeeded(ctx context.Context, table, strategyName string, symbols []string) (*types.Shard, error) {
	strategy, err := m.strategy(strategyName)
	if err != nil {
		return nil, err
	}
	schema, err := m.schema(table)
	if err != nil {
		return nil, err
	}

	due, err := strategy.ShouldCreateShard(ctx, m.session, schema)
	if err != nil {
		return nil, err
	}
	if !due {
		return nil, nil
	}

	params, err := strategy.ShardParameters(ctx, m.session, schema)
	if err != nil {
		return nil, err
	}

	return m.materialize(ctx, schema, params, symbols)
}

// MaterializeShard writes the rows of an explicit inclusive [start, end]
// window into a shard file and registers it, bypassing strategy checks.
// Returns nil when the window holds no rows.
func (m *Manager) MaterializeShard(ctx context.Context, table string, start, end time.Time, symbols []string) (*types.Shard, error) {
	schema, err := m.schema(table)
	if err != nil {
		return nil, err
	}

	start, end = types.Day(start), types.Day(end)
	if start.After(end) {
		return nil, errors.NewInvalidDateRange(start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	params := Params{StartDate: start, EndDate: end, ShardKey: schema.TimeColumn}
	return m.materialize(ctx, schema, params, symbols)
}

func (m *Manager) materialize(ctx context.Context, schema types.TableSchema, params Params, symbols []string) (*types.Shard, error) {
	table := schema.Name

	rows, err := m.session.QueryRows(ctx, schema, params.StartDate, params.EndDate, symbols, nil)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		m.log.Info("shard window empty, skipping",
			"table", table,
			"start", params.StartDate.Format("2006-01-02"),
			"end", params.EndDate.Format("2006-01-02"))
		return nil, nil
	}

	shardID := types.ShardID(table, params.StartDate, params.EndDate)
	path := filepath.Join(m.dataDir, table, shardID+".parquet")

	stats, err := m.columnar.WriteRows(ctx, path, schema, rows, types.CodecNone)
	if err != nil {
		return nil, errors.Wrapf(err, "materialize shard %s", shardID)
	}

	digest, err := checksum.FileDigest(path)
	if err != nil {
		return nil, errors.Wrapf(err, "digest shard %s", shardID)
	}

	now := m.now().UTC()
	shard := &types.Shard{
		ShardID:      shardID,
		TableName:    table,
		ShardKey:     params.ShardKey,
		StartDate:    params.StartDate,
		EndDate:      params.EndDate,
		FilePath:     stats.FilePath,
		FileFormat:   "parquet",
		RowCount:     stats.RowCount,
		FileSize:     stats.FileSize,
		FileChecksum: digest,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := m.session.InsertShard(ctx, shard); err != nil {
		return nil, err
	}
	m.InvalidateCache(table)

	m.log.Info("shard created",
		"table", table,
		"shard_id", shardID,
		"rows", shard.RowCount,
		"bytes", shard.FileSize)

	return shard, nil
}

// ShardsForQuery returns the shards whose inclusive windows overlap the
// inclusive [start, end] range, ordered by start date.
func (m *Manager) ShardsForQuery(ctx context.Context, table string, start, end time.Time) ([]types.Shard, error) {
	start, end = types.Day(start), types.Day(end)
	if start.After(end) {
		return nil, errors.NewInvalidDateRange(start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	shards, err := m.shardList(ctx, table)
	if err != nil {
		return nil, err
	}

	var matched []types.Shard
	for i := range shards {
		if shards[i].Overlaps(start, end) {
			matched = append(matched, shards[i])
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartDate.Before(matched[j].StartDate)
	})

	return matched, nil
}

// QueryAcrossShards loads every overlapping shard, filters to the exact date
// range and symbol set, concatenates, and sorts by the table's time column.
// A shard that fails to read is logged and skipped; the query continues.
func (m *Manager) QueryAcrossShards(ctx context.Context, table string, start, end time.Time, symbols []string, columns []string) ([]types.Row, error) {
	schema, err := m.schema(table)
	if err != nil {
		return nil, err
	}

	shards, err := m.ShardsForQuery(ctx, table, start, end)
	if err != nil {
		return nil, err
	}

	start, end = types.Day(start), types.Day(end)
	symbolSet := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		symbolSet[s] = true
	}

	// Filtering needs the time and symbol columns even when the caller
	// projected them away; read a superset and project afterwards.
	readCols := columns
	if len(columns) > 0 {
		readCols = withColumns(columns, schema.TimeColumn, schema.SymbolColumn)
	}

	var merged []types.Row
	for i := range shards {
		shard := &shards[i]
		rows, err := m.columnar.ReadRows(ctx, shard.FilePath, schema, readCols)
		if err != nil {
			m.log.Error("shard read failed, skipping",
				"shard_id", shard.ShardID,
				"path", shard.FilePath,
				"error", err)
			continue
		}

		for _, row := range rows {
			t, ok := row[schema.TimeColumn].(time.Time)
			if !ok {
				continue
			}
			day := types.Day(t)
			if day.Before(start) || day.After(end) {
				continue
			}
			if len(symbolSet) > 0 && schema.SymbolColumn != "" {
				sym, _ := row[schema.SymbolColumn].(string)
				if !symbolSet[sym] {
					continue
				}
			}
			merged = append(merged, row)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		ti, _ := merged[i][schema.TimeColumn].(time.Time)
		tj, _ := merged[j][schema.TimeColumn].(time.Time)
		return ti.Before(tj)
	})

	if len(columns) > 0 && len(readCols) != len(columns) {
		merged = projectRows(merged, columns)
	}

	return merged, nil
}

// ShardStatistics aggregates shard counts, rows, and bytes per table
// ("" = all tables).
func (m *Manager) ShardStatistics(ctx context.Context, table string) (Stats, error) {
	stats := Stats{ByTable: make(map[string]TableShardStats)}

	shards, err := m.session.ListShards(ctx, table, false)
	if err != nil {
		return stats, err
	}

	for i := range shards {
		shard := &shards[i]
		entry := stats.ByTable[shard.TableName]

		entry.ShardCount++
		entry.TotalRows += shard.RowCount
		entry.TotalBytes += shard.FileSize
		if shard.IsCompressed {
			entry.CompressedCount++
		}
		if entry.EarliestStart.IsZero() || shard.StartDate.Before(entry.EarliestStart) {
			entry.EarliestStart = shard.StartDate
		}
		if shard.EndDate.After(entry.LatestEnd) {
			entry.LatestEnd = shard.EndDate
		}
		stats.ByTable[shard.TableName] = entry

		stats.TotalShards++
		stats.TotalRows += shard.RowCount
		stats.TotalBytes += shard.FileSize
	}

	return stats, nil
}

// InvalidateCache drops the cached shard list for a table. Called after any
// shard row mutation.
func (m *Manager) InvalidateCache(table string) {
	m.cacheMu.Lock()
	delete(m.cache, table)
	m.cacheMu.Unlock()
}

// shardList returns the table's shards from cache, deduping concurrent
// reloads through singleflight.
func (m *Manager) shardList(ctx context.Context, table string) ([]types.Shard, error) {
	m.cacheMu.Lock()
	cached, ok := m.cache[table]
	m.cacheMu.Unlock()
	if ok {
		return cached, nil
	}

	v, err, _ := m.group.Do(table, func() (any, error) {
		shards, err := m.session.ListShards(ctx, table, false)
		if err != nil {
			return nil, err
		}
		m.cacheMu.Lock()
		m.cache[table] = shards
		m.cacheMu.Unlock()
		return shards, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.Shard), nil
}

// withColumns returns cols extended with every extra that is non-empty and
// not already present.
func withColumns(cols []string, extras ...string) []string {
	out := make([]string, len(cols), len(cols)+len(extras))
	copy(out, cols)
	for _, extra := range extras {
		if extra == "" {
			continue
		}
		found := false
		for _, c := range out {
			if c == extra {
				found = true
				break
			}
		}
		if !found {
			out = append(out, extra)
		}
	}
	return out
}

// projectRows narrows rows to the requested columns.
func projectRows(rows []types.Row, columns []string) []types.Row {
	out := make([]types.Row, len(rows))
	for i, row := range rows {
		projected := make(types.Row, len(columns))
		for _, c := range columns {
			if v, ok := row[c]; ok {
				projected[c] = v
			}
		}
		out[i] = projected
	}
	return out
}
