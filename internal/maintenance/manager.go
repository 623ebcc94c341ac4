// Package maintenance composes the sharding, compression, and checksum
// managers into one control plane. It never schedules itself; the host
// process drives PerformMaintenance at the configured interval.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openquant/dbmaint/internal/checksum"
	"github.com/openquant/dbmaint/internal/compression"
	"github.com/openquant/dbmaint/internal/config"
	"github.com/openquant/dbmaint/internal/errors"
	"github.com/openquant/dbmaint/internal/logging"
	"github.com/openquant/dbmaint/internal/sharding"
	"github.com/openquant/dbmaint/internal/store"
	"github.com/openquant/dbmaint/internal/types"
)

// verifyConcurrency caps how many tables verify checksums at once during a
// maintenance pass.
const verifyConcurrency = 4

// DatabaseManager is the top-level control plane over a managed database.
type DatabaseManager struct {
	cfg     *config.Config
	session store.Session
	schemas map[string]types.TableSchema

	Sharding    *sharding.Manager
	Compression *compression.Manager
	Checksum    *checksum.Manager

	log *slog.Logger
	now func() time.Time

	// timeShard is kept so SetNow can reach the strategy's clock.
	timeShard *sharding.TimeBasedStrategy

	mu      sync.Mutex
	running bool
	last    *Result
}

// Result is the outcome of one maintenance pass. Steps are best effort: a
// failed step is recorded in Errors and the pass continues.
type Result struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration

	ShardsCreated []string
	Compression   []compression.Outcome
	Verification  map[string]checksum.BatchSummary
	Backfill      map[string]checksum.BackfillSummary
	ShardFiles    checksum.FileVerifySummary
	Errors        []string
}

// Recommendation is the query-path suggestion for a date range.
type Recommendation struct {
	TableName     string
	StartDate     time.Time
	EndDate       time.Time
	TotalDays     int
	ShardCount    int
	CoverageRatio float64

	// Suggestion is one of "use_shards", "use_hybrid", "use_database".
	Suggestion string
}

// TableStatus summarizes one managed table.
type TableStatus struct {
	RowCount   int64
	ShardCount int
	ShardRows  int64
	ShardBytes int64
}

// Status is a point-in-time snapshot of the managed database.
type Status struct {
	GeneratedAt     time.Time
	Tables          map[string]TableStatus
	Shards          sharding.Stats
	Compression     compression.Statistics
	Integrity       checksum.Report
	MaintenanceBusy bool
	LastMaintenance *Result
}

// NewDatabaseManager wires the three managers over one session and registers
// the default strategies from configuration. Sharding and compression get
// "time_based" and "size_based"; each table gets a verification strategy
// under its own name plus a "<table>_critical" variant.
func NewDatabaseManager(cfg *config.Config, session store.Session, columnar types.Columnar) (*DatabaseManager, error) {
	if session == nil {
		return nil, errors.ErrNilSession
	}
	schemas, err := cfg.Schemas()
	if err != nil {
		return nil, err
	}

	shardMgr, err := sharding.NewManager(session, schemas, columnar, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	compressMgr, err := compression.NewManager(session, schemas, columnar, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	checksumMgr, err := checksum.NewManager(session, schemas)
	if err != nil {
		return nil, err
	}

	m := &DatabaseManager{
		cfg:         cfg,
		session:     session,
		schemas:     schemas,
		Sharding:    shardMgr,
		Compression: compressMgr,
		Checksum:    checksumMgr,
		log:         logging.Component("maintenance"),
		now:         time.Now,
	}
	if err := m.registerDefaults(); err != nil {
		return nil, err
	}

	// Compression rewrites shard rows; keep the sharding cache honest even
	// when callers drive the compression manager directly.
	compressMgr.OnShardUpdate(shardMgr.InvalidateCache)

	return m, nil
}

func (m *DatabaseManager) registerDefaults() error {
	shardTime, err := sharding.NewTimeBased(m.cfg.Sharding.IntervalDays)
	if err != nil {
		return err
	}
	shardSize, err := sharding.NewSizeBased(m.cfg.Sharding.MaxRowsPerShard)
	if err != nil {
		return err
	}
	m.Sharding.RegisterStrategy("time_based", shardTime)
	m.Sharding.RegisterStrategy("size_based", shardSize)
	m.timeShard = shardTime

	compressTime, err := compression.NewTimeBased(m.cfg.Compression.Codec, m.cfg.Compression.MinAgeDays)
	if err != nil {
		return err
	}
	compressSize, err := compression.NewSizeBased(m.cfg.Compression.Codec, m.cfg.Compression.MinSizeMB)
	if err != nil {
		return err
	}
	m.Compression.RegisterStrategy("time_based", compressTime)
	m.Compression.RegisterStrategy("size_based", compressSize)

	for _, t := range m.cfg.Tables {
		verify, err := checksum.NewTimeBased(t.ChecksumFields, m.cfg.Checksum.VerifyIntervalDays)
		if err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}
		critical, err := checksum.NewCriticalData(t.ChecksumFields, m.cfg.Checksum.CriticalIntervalDays)
		if err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}
		m.Checksum.RegisterStrategy(t.Name, verify)
		m.Checksum.RegisterStrategy(t.Name+"_critical", critical)
	}
	return nil
}

// SetNow overrides the clock on the manager and its children. Tests only.
func (m *DatabaseManager) SetNow(now func() time.Time) {
	m.now = now
	m.Sharding.SetNow(now)
	m.Compression.SetNow(now)
	m.Checksum.SetNow(now)
	m.timeShard.SetNow(now)
}

// Schedule returns the maintenance schedule the host should drive.
func (m *DatabaseManager) Schedule() config.MaintenanceConfig {
	return m.cfg.Maintenance
}

// CreateAndCompressShard materializes a shard for the table, immediately
// compresses it under the named codec, then backfills checksum records for
// the table. With zero start and end the window comes from the configured
// default sharding strategy; explicit bounds materialize that window
// directly. Returns nil when no shard is due. The backfill is best effort:
// its failure is logged, not returned.
func (m *DatabaseManager) CreateAndCompressShard(ctx context.Context, table string, start, end time.Time, codecName string, symbols []string) (*types.Shard, error) {
	var shard *types.Shard
	var err error
	if start.IsZero() && end.IsZero() {
		shard, err = m.Sharding.CreateShardIfNeeded(ctx, table, m.cfg.Sharding.DefaultStrategy, symbols)
	} else {
		shard, err = m.Sharding.MaterializeShard(ctx, table, start, end, symbols)
	}
	if err != nil {
		return nil, err
	}
	if shard == nil {
		return nil, nil
	}

	if _, err := m.Compression.CompressShard(ctx, shard, codecName); err != nil {
		return shard, errors.Wrapf(err, "compress shard %s", shard.ShardID)
	}

	backfill, err := m.Checksum.AutoCreateChecksums(ctx, table, table, m.cfg.Checksum.AutoCreateBatchSize)
	if err != nil {
		m.log.Warn("checksum backfill failed after shard creation",
			"table", table, "error", err)
	} else if backfill.Errors > 0 {
		m.log.Warn("checksum backfill finished with errors",
			"table", table, "errors", backfill.Errors)
	}

	return shard, nil
}

// PerformMaintenance runs one maintenance pass: auto-sharding, then
// auto-compression, then checksum backfill and batch verification per table.
// Only one pass runs at a time; a concurrent call fails fast.
func (m *DatabaseManager) PerformMaintenance(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil, fmt.Errorf("maintenance already running: %w", errors.ErrAlreadyExists)
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	result := &Result{
		StartedAt:    m.now().UTC(),
		Verification: make(map[string]checksum.BatchSummary),
		Backfill:     make(map[string]checksum.BackfillSummary),
	}

	if m.cfg.Maintenance.AutoShard {
		for _, t := range m.cfg.Tables {
			shard, err := m.Sharding.CreateShardIfNeeded(ctx, t.Name, m.cfg.Sharding.DefaultStrategy, nil)
			if err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("shard %s: %v", t.Name, err))
				continue
			}
			if shard != nil {
				result.ShardsCreated = append(result.ShardsCreated, shard.ShardID)
			}
		}
	}

	if m.cfg.Maintenance.AutoCompress {
		outcomes, err := m.Compression.AutoCompressOldData(ctx, m.cfg.Compression.DefaultStrategy, false)
		result.Compression = outcomes
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("compress: %v", err))
		}
	}

	if m.cfg.Maintenance.VerifyIntegrity {
		m.verifyAllTables(ctx, result)

		files, err := m.Checksum.VerifyShardFiles(ctx, "")
		result.ShardFiles = files
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("shard files: %v", err))
		}
	}

	result.FinishedAt = m.now().UTC()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	m.mu.Lock()
	m.last = result
	m.mu.Unlock()

	m.log.Info("maintenance pass finished",
		"duration", result.Duration,
		"shards_created", len(result.ShardsCreated),
		"errors", len(result.Errors))

	return result, nil
}

// verifyAllTables backfills and verifies checksums for every table, a few
// tables at a time.
func (m *DatabaseManager) verifyAllTables(ctx context.Context, result *Result) {
	var resultMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyConcurrency)

	for _, t := range m.cfg.Tables {
		table := t.Name
		g.Go(func() error {
			backfill, err := m.Checksum.AutoCreateChecksums(gctx, table, table, m.cfg.Checksum.AutoCreateBatchSize)
			resultMu.Lock()
			result.Backfill[table] = backfill
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("backfill %s: %v", table, err))
			}
			resultMu.Unlock()

			summary, err := m.Checksum.BatchVerifyIntegrity(gctx, table, table, m.cfg.Maintenance.VerifyBatchLimit)
			resultMu.Lock()
			result.Verification[table] = summary
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("verify %s: %v", table, err))
			}
			resultMu.Unlock()
			return nil
		})
	}
	g.Wait()
}

// OptimizeQueryPerformance inspects shard coverage of a date range and
// suggests a query path. Coverage is the sum of per-shard overlap days over
// the range's days; overlapping shards can push it past 1.0.
func (m *DatabaseManager) OptimizeQueryPerformance(ctx context.Context, table string, start, end time.Time) (Recommendation, error) {
	start, end = types.Day(start), types.Day(end)
	rec := Recommendation{TableName: table, StartDate: start, EndDate: end}

	if start.After(end) {
		return rec, errors.NewInvalidDateRange(start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	if _, ok := m.schemas[table]; !ok {
		return rec, fmt.Errorf("table %q: %w", table, errors.ErrUnknownTable)
	}

	shards, err := m.Sharding.ShardsForQuery(ctx, table, start, end)
	if err != nil {
		return rec, err
	}

	rec.TotalDays = int(end.Sub(start).Hours()/24) + 1
	rec.ShardCount = len(shards)

	var coveredDays int
	for i := range shards {
		coveredDays += overlapDays(shards[i].StartDate, shards[i].EndDate, start, end)
	}
	rec.CoverageRatio = float64(coveredDays) / float64(rec.TotalDays)

	switch {
	case rec.CoverageRatio >= 0.8:
		rec.Suggestion = "use_shards"
	case rec.CoverageRatio >= 0.5:
		rec.Suggestion = "use_hybrid"
	default:
		rec.Suggestion = "use_database"
	}

	return rec, nil
}

// DatabaseStatus snapshots row counts, shard state, compression state, and
// integrity state across all managed tables.
func (m *DatabaseManager) DatabaseStatus(ctx context.Context) (Status, error) {
	status := Status{
		GeneratedAt: m.now().UTC(),
		Tables:      make(map[string]TableStatus),
	}

	shardStats, err := m.Sharding.ShardStatistics(ctx, "")
	if err != nil {
		return status, err
	}
	status.Shards = shardStats

	compressStats, err := m.Compression.CompressionStatistics(ctx)
	if err != nil {
		return status, err
	}
	status.Compression = compressStats

	integrity, err := m.Checksum.IntegrityReport(ctx, "")
	if err != nil {
		return status, err
	}
	status.Integrity = integrity

	for name, schema := range m.schemas {
		count, err := m.session.CountRows(ctx, schema)
		if err != nil {
			return status, err
		}
		entry := TableStatus{RowCount: count}
		if ts, ok := shardStats.ByTable[name]; ok {
			entry.ShardCount = ts.ShardCount
			entry.ShardRows = ts.TotalRows
			entry.ShardBytes = ts.TotalBytes
		}
		status.Tables[name] = entry
	}

	m.mu.Lock()
	status.MaintenanceBusy = m.running
	status.LastMaintenance = m.last
	m.mu.Unlock()

	return status, nil
}

// overlapDays counts the inclusive days shared by [aStart, aEnd] and
// [bStart, bEnd].
func overlapDays(aStart, aEnd, bStart, bEnd time.Time) int {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if start.After(end) {
		return 0
	}
	return int(end.Sub(start).Hours()/24) + 1
}
