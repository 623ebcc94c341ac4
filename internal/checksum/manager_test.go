package checksum

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openquant/dbmaint/internal/errors"
	"github.com/openquant/dbmaint/internal/testutil"
	"github.com/openquant/dbmaint/internal/types"
)

var checksumFields = []string{"symbol", "date", "close", "volume"}

func newTestManager(t *testing.T) (*Manager, *testutil.FakeSession, types.TableSchema) {
	t.Helper()
	schema := testutil.MarketSchema()
	session := testutil.NewFakeSession()

	m, err := NewManager(session, map[string]types.TableSchema{schema.Name: schema})
	if err != nil {
		t.Fatal(err)
	}
	strategy, err := NewTimeBased(checksumFields, 7)
	if err != nil {
		t.Fatal(err)
	}
	m.RegisterStrategy("time_based", strategy)
	return m, session, schema
}

func TestNewManagerNilSession(t *testing.T) {
	if _, err := NewManager(nil, nil); !errors.Is(err, errors.ErrNilSession) {
		t.Errorf("error = %v, want ErrNilSession", err)
	}
}

func TestCreateChecksumRecord(t *testing.T) {
	m, session, schema := newTestManager(t)
	ctx := context.Background()

	rows := testutil.MarketRows("AAPL", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 1, 1)
	session.AddRows(schema.Name, rows...)

	record, err := m.CreateChecksumRecord(ctx, schema.Name, 1, "time_based")
	if err != nil {
		t.Fatalf("CreateChecksumRecord: %v", err)
	}
	if record.Checksum != Digest(rows[0], checksumFields) {
		t.Error("stored digest does not match canonical digest")
	}
	if !record.IsValid {
		t.Error("new record should start valid")
	}

	stored, err := session.GetChecksum(ctx, schema.Name, 1)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if stored.Checksum != record.Checksum {
		t.Error("persisted digest differs")
	}
}

func TestGenerateChecksum(t *testing.T) {
	m, session, schema := newTestManager(t)
	ctx := context.Background()

	rows := testutil.MarketRows("AAPL", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 1, 1)
	session.AddRows(schema.Name, rows...)

	digest, err := m.GenerateChecksum(ctx, schema.Name, 1, "time_based")
	if err != nil {
		t.Fatalf("GenerateChecksum: %v", err)
	}
	if digest != Digest(rows[0], checksumFields) {
		t.Error("digest does not match canonical digest")
	}

	// Nothing stored.
	if _, err := session.GetChecksum(ctx, schema.Name, 1); !errors.IsNotFound(err) {
		t.Errorf("GetChecksum error = %v, want not-found", err)
	}
}

func TestCreateChecksumRecordErrors(t *testing.T) {
	m, _, schema := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateChecksumRecord(ctx, schema.Name, 1, "nope"); !errors.IsConfig(err) {
		t.Errorf("unknown strategy error = %v, want config error", err)
	}
	if _, err := m.CreateChecksumRecord(ctx, schema.Name, 0, "time_based"); !errors.Is(err, errors.ErrInvalidRecordID) {
		t.Errorf("zero id error = %v, want ErrInvalidRecordID", err)
	}
	if _, err := m.CreateChecksumRecord(ctx, "ghosts", 1, "time_based"); !errors.Is(err, errors.ErrUnknownTable) {
		t.Errorf("unknown table error = %v, want ErrUnknownTable", err)
	}
	if _, err := m.CreateChecksumRecord(ctx, schema.Name, 99, "time_based"); !errors.IsNotFound(err) {
		t.Errorf("missing row error = %v, want not-found", err)
	}
}

func TestVerifyRecordIntegrity(t *testing.T) {
	m, session, schema := newTestManager(t)
	ctx := context.Background()

	rows := testutil.MarketRows("AAPL", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 1, 1)
	session.AddRows(schema.Name, rows...)
	if _, err := m.CreateChecksumRecord(ctx, schema.Name, 1, "time_based"); err != nil {
		t.Fatal(err)
	}

	t.Run("intact row verifies", func(t *testing.T) {
		result, err := m.VerifyRecordIntegrity(ctx, schema.Name, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !result.Valid {
			t.Errorf("intact row reported invalid: %+v", result)
		}
	})

	t.Run("tampered row fails", func(t *testing.T) {
		tampered := testutil.MarketRows("AAPL", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 1, 1)[0]
		tampered["close"] = 999.99
		session.SetRow(schema, 1, tampered)

		result, err := m.VerifyRecordIntegrity(ctx, schema.Name, 1)
		if err != nil {
			t.Fatal(err)
		}
		if result.Valid {
			t.Error("tampered row reported valid")
		}
		if result.Reason != "checksum mismatch" {
			t.Errorf("reason = %q", result.Reason)
		}

		stored, err := session.GetChecksum(ctx, schema.Name, 1)
		if err != nil {
			t.Fatal(err)
		}
		if stored.IsValid {
			t.Error("verification outcome not persisted")
		}
	})

	t.Run("missing checksum record is not an error", func(t *testing.T) {
		result, err := m.VerifyRecordIntegrity(ctx, schema.Name, 42)
		if err != nil {
			t.Fatal(err)
		}
		if result.Valid || result.Reason != "no checksum record" {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("deleted row is not an error", func(t *testing.T) {
		session.DeleteRow(schema, 1)
		result, err := m.VerifyRecordIntegrity(ctx, schema.Name, 1)
		if err != nil {
			t.Fatal(err)
		}
		if result.Valid || result.Reason != "row not found" {
			t.Errorf("result = %+v", result)
		}
	})
}

func TestBatchVerifyIntegrity(t *testing.T) {
	m, session, schema := newTestManager(t)
	ctx := context.Background()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetNow(func() time.Time { return created })

	rows := testutil.MarketRows("AAPL", created, 10, 1)
	session.AddRows(schema.Name, rows...)
	for id := int64(1); id <= 10; id++ {
		if _, err := m.CreateChecksumRecord(ctx, schema.Name, id, "time_based"); err != nil {
			t.Fatal(err)
		}
	}

	// Tamper with two rows.
	for _, id := range []int64{3, 7} {
		tampered := testutil.MarketRows("AAPL", created.AddDate(0, 0, int(id-1)), 1, id)[0]
		tampered["volume"] = int64(0)
		session.SetRow(schema, id, tampered)
	}

	// Jump past the verification interval so every record is due.
	m.SetNow(func() time.Time { return created.AddDate(0, 0, 8) })

	summary, err := m.BatchVerifyIntegrity(ctx, schema.Name, "time_based", 0)
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalChecked != 10 || summary.Valid != 8 || summary.Invalid != 2 {
		t.Errorf("summary = %+v, want checked 10 / valid 8 / invalid 2", summary)
	}
	if len(summary.InvalidRecordIDs) != 2 {
		t.Errorf("invalid ids = %v", summary.InvalidRecordIDs)
	}
}

func TestBatchVerifyRespectsLimit(t *testing.T) {
	m, session, schema := newTestManager(t)
	ctx := context.Background()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetNow(func() time.Time { return created })

	session.AddRows(schema.Name, testutil.MarketRows("AAPL", created, 10, 1)...)
	for id := int64(1); id <= 10; id++ {
		if _, err := m.CreateChecksumRecord(ctx, schema.Name, id, "time_based"); err != nil {
			t.Fatal(err)
		}
	}

	m.SetNow(func() time.Time { return created.AddDate(0, 0, 8) })

	summary, err := m.BatchVerifyIntegrity(ctx, schema.Name, "time_based", 4)
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalChecked != 4 {
		t.Errorf("checked = %d, want 4", summary.TotalChecked)
	}
}

func TestBatchVerifySkipsFreshRecords(t *testing.T) {
	m, session, schema := newTestManager(t)
	ctx := context.Background()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetNow(func() time.Time { return created })

	session.AddRows(schema.Name, testutil.MarketRows("AAPL", created, 3, 1)...)
	for id := int64(1); id <= 3; id++ {
		if _, err := m.CreateChecksumRecord(ctx, schema.Name, id, "time_based"); err != nil {
			t.Fatal(err)
		}
	}

	// Only two days later, nothing is due under a seven-day interval.
	m.SetNow(func() time.Time { return created.AddDate(0, 0, 2) })

	summary, err := m.BatchVerifyIntegrity(ctx, schema.Name, "time_based", 0)
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalChecked != 0 {
		t.Errorf("checked = %d, want 0", summary.TotalChecked)
	}
}

func TestAutoCreateChecksums(t *testing.T) {
	m, session, schema := newTestManager(t)
	ctx := context.Background()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	session.AddRows(schema.Name, testutil.MarketRows("AAPL", created, 5, 1)...)
	if _, err := m.CreateChecksumRecord(ctx, schema.Name, 2, "time_based"); err != nil {
		t.Fatal(err)
	}

	summary, err := m.AutoCreateChecksums(ctx, schema.Name, "time_based", 10)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Processed != 4 || summary.Succeeded != 4 {
		t.Errorf("summary = %+v, want 4 processed / 4 succeeded", summary)
	}

	remaining, err := session.RowIDsWithoutChecksum(ctx, schema, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 0 {
		t.Errorf("rows still without checksum: %v", remaining)
	}
}

func TestAutoCreateChecksumsBatchSize(t *testing.T) {
	m, session, schema := newTestManager(t)
	ctx := context.Background()

	session.AddRows(schema.Name, testutil.MarketRows("AAPL", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 10, 1)...)

	summary, err := m.AutoCreateChecksums(ctx, schema.Name, "time_based", 3)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Processed != 3 {
		t.Errorf("processed = %d, want 3", summary.Processed)
	}

	if _, err := m.AutoCreateChecksums(ctx, schema.Name, "time_based", 0); err == nil {
		t.Error("zero batch size accepted")
	}
}

func TestIntegrityReport(t *testing.T) {
	m, session, schema := newTestManager(t)
	ctx := context.Background()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetNow(func() time.Time { return created })

	session.AddRows(schema.Name, testutil.MarketRows("AAPL", created, 3, 1)...)
	for id := int64(1); id <= 3; id++ {
		if _, err := m.CreateChecksumRecord(ctx, schema.Name, id, "time_based"); err != nil {
			t.Fatal(err)
		}
	}

	// Verify one record, invalidate another, leave the third unverified.
	if _, err := m.VerifyRecordIntegrity(ctx, schema.Name, 1); err != nil {
		t.Fatal(err)
	}
	tampered := testutil.MarketRows("AAPL", created.AddDate(0, 0, 1), 1, 2)[0]
	tampered["close"] = 0.0
	session.SetRow(schema, 2, tampered)
	if _, err := m.VerifyRecordIntegrity(ctx, schema.Name, 2); err != nil {
		t.Fatal(err)
	}

	report, err := m.IntegrityReport(ctx, schema.Name)
	if err != nil {
		t.Fatal(err)
	}
	if report.Total != 3 || report.Valid != 1 || report.Invalid != 1 || report.Unverified != 1 {
		t.Errorf("report = %+v", report)
	}
	if report.Ages.Never != 1 {
		t.Errorf("never-verified bucket = %d, want 1", report.Ages.Never)
	}
	if report.Ages.WithinDay != 2 {
		t.Errorf("within-day bucket = %d, want 2", report.Ages.WithinDay)
	}
	entry := report.ByTable[schema.Name]
	if entry.Total != 3 {
		t.Errorf("table entry = %+v", entry)
	}
}

func TestVerifyShardFiles(t *testing.T) {
	m, session, _ := newTestManager(t)
	ctx := context.Background()
	dir := t.TempDir()

	writeShard := func(id, content string) types.Shard {
		path := filepath.Join(dir, id+".parquet")
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		digest, err := FileDigest(path)
		if err != nil {
			t.Fatal(err)
		}
		return types.Shard{
			ShardID:      id,
			TableName:    "market_data",
			FilePath:     path,
			FileChecksum: digest,
		}
	}

	intact := writeShard("shard_a", "alpha")
	corrupt := writeShard("shard_b", "beta")
	gone := writeShard("shard_c", "gamma")

	for _, s := range []types.Shard{intact, corrupt, gone} {
		s := s
		if err := session.InsertShard(ctx, &s); err != nil {
			t.Fatal(err)
		}
	}

	if err := os.WriteFile(corrupt.FilePath, []byte("tampered"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(gone.FilePath); err != nil {
		t.Fatal(err)
	}

	summary, err := m.VerifyShardFiles(ctx, "market_data")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Checked != 3 || summary.Matched != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if len(summary.Mismatched) != 1 || summary.Mismatched[0] != "shard_b" {
		t.Errorf("mismatched = %v", summary.Mismatched)
	}
	if len(summary.Missing) != 1 || summary.Missing[0] != "shard_c" {
		t.Errorf("missing = %v", summary.Missing)
	}
}
