package checksum

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openquant/dbmaint/internal/errors"
	"github.com/openquant/dbmaint/internal/logging"
	"github.com/openquant/dbmaint/internal/store"
	"github.com/openquant/dbmaint/internal/types"
)

// Manager computes, stores, and re-verifies row integrity digests.
type Manager struct {
	mu         sync.RWMutex
	strategies map[string]Strategy

	session store.Session
	schemas map[string]types.TableSchema
	log     *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// VerifyResult is the outcome of verifying one row.
type VerifyResult struct {
	TableName       string
	RecordID        int64
	StoredChecksum  string
	CurrentChecksum string
	Valid           bool
	Reason          string
	VerifiedAt      time.Time
}

// BatchSummary is the outcome of one batch verification pass.
type BatchSummary struct {
	TableName        string
	TotalChecked     int
	Valid            int
	Invalid          int
	Errors           int
	InvalidRecordIDs []int64
	ErrorDetails     []string
}

// BackfillSummary is the outcome of one checksum backfill pass.
type BackfillSummary struct {
	TableName    string
	Processed    int
	Succeeded    int
	Errors       int
	ErrorDetails []string
}

// AgeBuckets is a histogram of time since last verification.
type AgeBuckets struct {
	WithinDay   int
	WithinWeek  int
	WithinMonth int
	Older       int
	Never       int
}

// TableIntegrity summarizes one table's checksum records.
type TableIntegrity struct {
	Total      int
	Valid      int
	Invalid    int
	Unverified int
}

// Report aggregates integrity state across tables.
type Report struct {
	GeneratedAt time.Time
	Total       int
	Valid       int
	Invalid     int
	Unverified  int
	ByTable     map[string]TableIntegrity
	Ages        AgeBuckets
}

// FileVerifySummary is the outcome of re-hashing archived shard files.
type FileVerifySummary struct {
	Checked      int
	Matched      int
	Mismatched   []string // shard ids whose file digest changed
	Missing      []string // shard ids whose file is gone
	ErrorDetails []string
}

// NewManager creates a checksum manager bound to a session and the managed
// table schemas.
func NewManager(session store.Session, schemas map[string]types.TableSchema) (*Manager, error) {
	if session == nil {
		return nil, errors.ErrNilSession
	}

	return &Manager{
		strategies: make(map[string]Strategy),
		session:    session,
		schemas:    schemas,
		log:        logging.Component("checksum"),
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
		return nil, errors.NewUnknownStrategy("checksum", name)
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

// GenerateChecksum computes the digest for one row using the named strategy's
// field set without storing anything.
func (m *Manager) GenerateChecksum(ctx context.Context, table string, recordID int64, strategyName string) (string, error) {
	strategy, err := m.strategy(strategyName)
	if err != nil {
		return "", err
	}
	if recordID <= 0 {
		return "", fmt.Errorf("record id %d: %w", recordID, errors.ErrInvalidRecordID)
	}
	schema, err := m.schema(table)
	if err != nil {
		return "", err
	}

	row, err := m.session.GetRowByID(ctx, schema, recordID)
	if err != nil {
		return "", err
	}
	return Digest(row, strategy.Fields()), nil
}

// CreateChecksumRecord computes and stores the digest for one row using the
// named strategy's field set.
func (m *Manager) CreateChecksumRecord(ctx context.Context, table string, recordID int64, strategyName string) (*types.ChecksumRecord, error) {
	strategy, err := m.strategy(strategyName)
	if err != nil {
		return nil, err
	}
	if recordID <= 0 {
		return nil, fmt.Errorf("record id %d: %w", recordID, errors.ErrInvalidRecordID)
	}
	schema, err := m.schema(table)
	if err != nil {
		return nil, err
	}

	row, err := m.session.GetRowByID(ctx, schema, recordID)
	if err != nil {
		return nil, err
	}

	record := &types.ChecksumRecord{
		TableName: table,
		RecordID:  recordID,
		Checksum:  Digest(row, strategy.Fields()),
		Fields:    strategy.Fields(),
		IsValid:   true,
		CreatedAt: m.now().UTC(),
	}

	if err := m.session.UpsertChecksum(ctx, record); err != nil {
		return nil, err
	}

	m.log.Debug("checksum created", "table", table, "record_id", recordID)
	return record, nil
}

// VerifyRecordIntegrity recomputes a row's digest from its current values
// using the fields stored on the existing checksum record, and compares. A
// missing row or missing prior record yields a not-valid result, not an error.
func (m *Manager) VerifyRecordIntegrity(ctx context.Context, table string, recordID int64) (VerifyResult, error) {
	result := VerifyResult{
		TableName:  table,
		RecordID:   recordID,
		VerifiedAt: m.now().UTC(),
	}

	schema, err := m.schema(table)
	if err != nil {
		return result, err
	}

	record, err := m.session.GetChecksum(ctx, table, recordID)
	if err != nil {
		if errors.IsNotFound(err) {
			result.Reason = "no checksum record"
			return result, nil
		}
		return result, err
	}
	result.StoredChecksum = record.Checksum

	row, err := m.session.GetRowByID(ctx, schema, recordID)
	if err != nil {
		if errors.IsNotFound(err) {
			result.Reason = "row not found"
			if uerr := m.session.UpdateChecksumVerification(ctx, table, recordID, false, result.VerifiedAt); uerr != nil {
				return result, uerr
			}
			return result, nil
		}
		return result, err
	}

	result.CurrentChecksum = Digest(row, record.Fields)
	result.Valid = result.CurrentChecksum == result.StoredChecksum
	if !result.Valid {
		result.Reason = "checksum mismatch"
		m.log.Warn("integrity violation", "table", table, "record_id", recordID)
	}

	if err := m.session.UpdateChecksumVerification(ctx, table, recordID, result.Valid, result.VerifiedAt); err != nil {
		return result, err
	}

	return result, nil
}

// BatchVerifyIntegrity verifies every checksummed row of a table whose ages
// satisfy the named strategy's predicate, up to limit records (0 = no cap).
// Per-record failures are captured in the summary, not fatal to the batch.
func (m *Manager) BatchVerifyIntegrity(ctx context.Context, table string, strategyName string, limit int) (BatchSummary, error) {
	summary := BatchSummary{TableName: table}

	strategy, err := m.strategy(strategyName)
	if err != nil {
		return summary, err
	}
	if _, err := m.schema(table); err != nil {
		return summary, err
	}

	records, err := m.session.ListChecksums(ctx, table, 0)
	if err != nil {
		return summary, err
	}

	now := m.now().UTC()
	for i := range records {
		record := &records[i]
		if !strategy.ShouldVerify(record.AgeDays(now), record.LastVerifiedDays(now)) {
			continue
		}
		if limit > 0 && summary.TotalChecked >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		result, err := m.VerifyRecordIntegrity(ctx, table, record.RecordID)
		if err != nil {
			summary.Errors++
			summary.ErrorDetails = append(summary.ErrorDetails,
				fmt.Sprintf("record %d: %v", record.RecordID, err))
			summary.TotalChecked++
			continue
		}

		summary.TotalChecked++
		if result.Valid {
			summary.Valid++
		} else {
			summary.Invalid++
			summary.InvalidRecordIDs = append(summary.InvalidRecordIDs, record.RecordID)
		}
	}

	m.log.Info("batch verification finished",
		"table", table,
		"checked", summary.TotalChecked,
		"invalid", summary.Invalid,
		"errors", summary.Errors)

	return summary, nil
}

// AutoCreateChecksums backfills checksum records for rows that have none,
// up to batchSize rows per call.
func (m *Manager) AutoCreateChecksums(ctx context.Context, table string, strategyName string, batchSize int) (BackfillSummary, error) {
	summary := BackfillSummary{TableName: table}

	if _, err := m.strategy(strategyName); err != nil {
		return summary, err
	}
	schema, err := m.schema(table)
	if err != nil {
		return summary, err
	}
	if batchSize <= 0 {
		return summary, errors.NewValidation("batch size", "must be positive")
	}

	ids, err := m.session.RowIDsWithoutChecksum(ctx, schema, batchSize)
	if err != nil {
		return summary, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		summary.Processed++
		if _, err := m.CreateChecksumRecord(ctx, table, id, strategyName); err != nil {
			summary.Errors++
			summary.ErrorDetails = append(summary.ErrorDetails,
				fmt.Sprintf("record %d: %v", id, err))
			continue
		}
		summary.Succeeded++
	}

	return summary, nil
}

// IntegrityReport totals valid/invalid/unverified records, per table and
// overall, with a histogram of time since last verification.
func (m *Manager) IntegrityReport(ctx context.Context, table string) (Report, error) {
	report := Report{
		GeneratedAt: m.now().UTC(),
		ByTable:     make(map[string]TableIntegrity),
	}

	records, err := m.session.ListChecksums(ctx, table, 0)
	if err != nil {
		return report, err
	}

	now := report.GeneratedAt
	for i := range records {
		record := &records[i]
		entry := report.ByTable[record.TableName]
		entry.Total++
		report.Total++

		switch {
		case record.VerifiedAt.IsZero():
			entry.Unverified++
			report.Unverified++
		case record.IsValid:
			entry.Valid++
			report.Valid++
		default:
			entry.Invalid++
			report.Invalid++
		}
		report.ByTable[record.TableName] = entry

		if record.VerifiedAt.IsZero() {
			report.Ages.Never++
			continue
		}
		switch days := record.LastVerifiedDays(now); {
		case days <= 1:
			report.Ages.WithinDay++
		case days <= 7:
			report.Ages.WithinWeek++
		case days <= 30:
			report.Ages.WithinMonth++
		default:
			report.Ages.Older++
		}
	}

	return report, nil
}

// VerifyShardFiles re-hashes archived shard files for a table ("" = all) and
// compares against the digest recorded at write time. Shards without a
// recorded digest are skipped.
func (m *Manager) VerifyShardFiles(ctx context.Context, table string) (FileVerifySummary, error) {
	var summary FileVerifySummary

	shards, err := m.session.ListShards(ctx, table, false)
	if err != nil {
		return summary, err
	}

	for i := range shards {
		shard := &shards[i]
		if shard.FileChecksum == "" || shard.FilePath == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		summary.Checked++
		digest, err := FileDigest(shard.FilePath)
		if err != nil {
			summary.Missing = append(summary.Missing, shard.ShardID)
			summary.ErrorDetails = append(summary.ErrorDetails,
				fmt.Sprintf("shard %s: %v", shard.ShardID, err))
			continue
		}

		if digest == shard.FileChecksum {
			summary.Matched++
		} else {
			summary.Mismatched = append(summary.Mismatched, shard.ShardID)
			m.log.Warn("shard file digest mismatch", "shard_id", shard.ShardID, "path", shard.FilePath)
		}
	}

	return summary, nil
}
