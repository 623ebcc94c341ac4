package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/openquant/dbmaint/internal/errors"
	"github.com/openquant/dbmaint/internal/types"
)

// DuckSession implements Session on an embedded DuckDB database.
type DuckSession struct {
	db *sql.DB
}

// Open opens a DuckDB-backed session. An empty path opens an in-memory
// database. The two metadata tables are created if missing; the base tables
// belong to the schema owner and are never created here.
func Open(path, memoryLimit string) (*DuckSession, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if memoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", memoryLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	s := &DuckSession{db: db}
	if err := s.ensureMetadataTables(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// DB exposes the underlying handle for host-process use (fixtures, ad-hoc SQL).
func (s *DuckSession) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *DuckSession) Close() error {
	return s.db.Close()
}

func (s *DuckSession) ensureMetadataTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS shards (
			shard_id        VARCHAR PRIMARY KEY,
			table_name      VARCHAR NOT NULL,
			shard_key       VARCHAR NOT NULL,
			start_date      TIMESTAMP NOT NULL,
			end_date        TIMESTAMP NOT NULL,
			file_path       VARCHAR DEFAULT '',
			file_format     VARCHAR DEFAULT 'parquet',
			compression     VARCHAR DEFAULT '',
			is_compressed   BOOLEAN DEFAULT FALSE,
			row_count       BIGINT DEFAULT 0,
			file_size_bytes BIGINT DEFAULT 0,
			file_checksum   VARCHAR DEFAULT '',
			created_at      TIMESTAMP,
			updated_at      TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS checksum_records (
			table_name      VARCHAR NOT NULL,
			record_id       BIGINT NOT NULL,
			checksum        VARCHAR NOT NULL,
			checksum_fields VARCHAR NOT NULL,
			is_valid        BOOLEAN DEFAULT TRUE,
			verified_at     TIMESTAMP,
			created_at      TIMESTAMP,
			PRIMARY KEY (table_name, record_id)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create metadata table: %w", err)
		}
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QueryRows returns base-table rows in the inclusive day range.
func (s *DuckSession) QueryRows(ctx context.Context, schema types.TableSchema, start, end time.Time, symbols []string, columns []string) ([]types.Row, error) {
	cols := columns
	if len(cols) == 0 {
		cols = schema.ColumnNames()
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s >= ? AND %s < ?",
		strings.Join(quoted, ", "),
		quoteIdent(schema.Name),
		quoteIdent(schema.TimeColumn),
		quoteIdent(schema.TimeColumn),
	)

	args := []any{types.Day(start), types.Day(end).AddDate(0, 0, 1)}

	if len(symbols) > 0 && schema.SymbolColumn != "" {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(symbols)), ",")
		query += fmt.Sprintf(" AND %s IN (%s)", quoteIdent(schema.SymbolColumn), placeholders)
		for _, sym := range symbols {
			args = append(args, sym)
		}
	}

	query += fmt.Sprintf(" ORDER BY %s", quoteIdent(schema.TimeColumn))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrQueryFailed, "query %s: %v", schema.Name, err)
	}
	defer rows.Close()

	return scanTableRows(rows, schema, cols)
}

// GetRowByID returns one row by primary key.
func (s *DuckSession) GetRowByID(ctx context.Context, schema types.TableSchema, id int64) (types.Row, error) {
	cols := schema.ColumnNames()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ?",
		strings.Join(quoted, ", "),
		quoteIdent(schema.Name),
		quoteIdent(schema.IDColumn),
	)

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrQueryFailed, "query %s: %v", schema.Name, err)
	}
	defer rows.Close()

	result, err := scanTableRows(rows, schema, cols)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%s id %d: %w", schema.Name, id, errors.ErrRecordNotFound)
	}
	return result[0], nil
}

// EarliestRowDate returns the oldest time-column value in the table.
func (s *DuckSession) EarliestRowDate(ctx context.Context, schema types.TableSchema) (time.Time, error) {
	query := fmt.Sprintf("SELECT MIN(%s) FROM %s", quoteIdent(schema.TimeColumn), quoteIdent(schema.Name))

	var earliest sql.NullTime
	if err := s.db.QueryRowContext(ctx, query).Scan(&earliest); err != nil {
		return time.Time{}, errors.Wrapf(errors.ErrQueryFailed, "min date %s: %v", schema.Name, err)
	}
	if !earliest.Valid {
		return time.Time{}, fmt.Errorf("table %s has no rows: %w", schema.Name, errors.ErrNotFound)
	}
	return types.Day(earliest.Time), nil
}

// CountRows returns the total row count of the table.
func (s *DuckSession) CountRows(ctx context.Context, schema types.TableSchema) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(schema.Name))

	var count int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, errors.Wrapf(errors.ErrQueryFailed, "count %s: %v", schema.Name, err)
	}
	return count, nil
}

// RowDateCounts returns per-day row counts after the given day.
func (s *DuckSession) RowDateCounts(ctx context.Context, schema types.TableSchema, after time.Time) ([]DateCount, error) {
	timeCol := quoteIdent(schema.TimeColumn)
	query := fmt.Sprintf(
		"SELECT CAST(%s AS DATE) AS d, COUNT(*) FROM %s",
		timeCol, quoteIdent(schema.Name),
	)

	var args []any
	if !after.IsZero() {
		query += fmt.Sprintf(" WHERE %s >= ?", timeCol)
		args = append(args, types.Day(after).AddDate(0, 0, 1))
	}
	query += " GROUP BY d ORDER BY d"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrQueryFailed, "date counts %s: %v", schema.Name, err)
	}
	defer rows.Close()

	var counts []DateCount
	for rows.Next() {
		var dc DateCount
		if err := rows.Scan(&dc.Date, &dc.Count); err != nil {
			return nil, fmt.Errorf("scan date count: %w", err)
		}
		dc.Date = types.Day(dc.Date)
		counts = append(counts, dc)
	}
	return counts, rows.Err()
}

// RowIDsWithoutChecksum anti-joins the base table against checksum_records.
func (s *DuckSession) RowIDsWithoutChecksum(ctx context.Context, schema types.TableSchema, limit int) ([]int64, error) {
	idCol := quoteIdent(schema.IDColumn)
	query := fmt.Sprintf(
		`SELECT t.%s FROM %s t
		 LEFT JOIN checksum_records c ON c.table_name = ? AND c.record_id = t.%s
		 WHERE c.record_id IS NULL
		 ORDER BY t.%s`,
		idCol, quoteIdent(schema.Name), idCol, idCol,
	)
	args := []any{schema.Name}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrQueryFailed, "missing checksums %s: %v", schema.Name, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const shardColumns = `shard_id, table_name, shard_key, start_date, end_date,
	file_path, file_format, compression, is_compressed, row_count,
	file_size_bytes, file_checksum, created_at, updated_at`

// InsertShard registers a new shard row.
func (s *DuckSession) InsertShard(ctx context.Context, shard *types.Shard) error {
	query := `INSERT INTO shards (` + shardColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		shard.ShardID, shard.TableName, shard.ShardKey,
		shard.StartDate, shard.EndDate,
		shard.FilePath, shard.FileFormat, shard.Compression, shard.IsCompressed,
		shard.RowCount, shard.FileSize, shard.FileChecksum,
		shard.CreatedAt, shard.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(errors.ErrQueryFailed, "insert shard %s: %v", shard.ShardID, err)
	}
	return nil
}

// UpdateShard rewrites the mutable fields of a shard row.
func (s *DuckSession) UpdateShard(ctx context.Context, shard *types.Shard) error {
	query := `UPDATE shards SET
		file_path = ?, file_format = ?, compression = ?, is_compressed = ?,
		row_count = ?, file_size_bytes = ?, file_checksum = ?, updated_at = ?
		WHERE shard_id = ?`

	res, err := s.db.ExecContext(ctx, query,
		shard.FilePath, shard.FileFormat, shard.Compression, shard.IsCompressed,
		shard.RowCount, shard.FileSize, shard.FileChecksum, shard.UpdatedAt,
		shard.ShardID,
	)
	if err != nil {
		return errors.Wrapf(errors.ErrQueryFailed, "update shard %s: %v", shard.ShardID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("shard %s: %w", shard.ShardID, errors.ErrShardNotFound)
	}
	return nil
}

// LatestShard returns the shard with the newest end date, or nil.
func (s *DuckSession) LatestShard(ctx context.Context, table string) (*types.Shard, error) {
	query := `SELECT ` + shardColumns + ` FROM shards
		WHERE table_name = ? ORDER BY end_date DESC LIMIT 1`

	rows, err := s.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrQueryFailed, "latest shard %s: %v", table, err)
	}
	defer rows.Close()

	shards, err := scanShards(rows)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, nil
	}
	return &shards[0], nil
}

// ShardsOverlapping returns shards intersecting the inclusive range,
// ordered by start date.
func (s *DuckSession) ShardsOverlapping(ctx context.Context, table string, start, end time.Time) ([]types.Shard, error) {
	query := `SELECT ` + shardColumns + ` FROM shards
		WHERE table_name = ? AND start_date <= ? AND end_date >= ?
		ORDER BY start_date`

	rows, err := s.db.QueryContext(ctx, query, table, types.Day(end), types.Day(start))
	if err != nil {
		return nil, errors.Wrapf(errors.ErrQueryFailed, "overlapping shards %s: %v", table, err)
	}
	defer rows.Close()

	return scanShards(rows)
}

// ListShards returns shards for one table or all tables.
func (s *DuckSession) ListShards(ctx context.Context, table string, onlyUncompressed bool) ([]types.Shard, error) {
	query := `SELECT ` + shardColumns + ` FROM shards`
	var conds []string
	var args []any

	if table != "" {
		conds = append(conds, "table_name = ?")
		args = append(args, table)
	}
	if onlyUncompressed {
		conds = append(conds, "NOT is_compressed")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY table_name, start_date"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrQueryFailed, "list shards: %v", err)
	}
	defer rows.Close()

	return scanShards(rows)
}

// ShardedRowCount sums row counts across a table's shards.
func (s *DuckSession) ShardedRowCount(ctx context.Context, table string) (int64, error) {
	query := `SELECT COALESCE(SUM(row_count), 0) FROM shards WHERE table_name = ?`

	var count int64
	if err := s.db.QueryRowContext(ctx, query, table).Scan(&count); err != nil {
		return 0, errors.Wrapf(errors.ErrQueryFailed, "sharded row count %s: %v", table, err)
	}
	return count, nil
}

// UpsertChecksum inserts or replaces the checksum record for a row.
func (s *DuckSession) UpsertChecksum(ctx context.Context, record *types.ChecksumRecord) error {
	query := `INSERT OR REPLACE INTO checksum_records
		(table_name, record_id, checksum, checksum_fields, is_valid, verified_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	var verifiedAt any
	if !record.VerifiedAt.IsZero() {
		verifiedAt = record.VerifiedAt
	}

	_, err := s.db.ExecContext(ctx, query,
		record.TableName, record.RecordID, record.Checksum,
		strings.Join(record.Fields, ","), record.IsValid,
		verifiedAt, record.CreatedAt,
	)
	if err != nil {
		return errors.Wrapf(errors.ErrQueryFailed, "upsert checksum %s/%d: %v", record.TableName, record.RecordID, err)
	}
	return nil
}

// GetChecksum returns the checksum record for a row.
func (s *DuckSession) GetChecksum(ctx context.Context, table string, recordID int64) (*types.ChecksumRecord, error) {
	query := `SELECT table_name, record_id, checksum, checksum_fields, is_valid, verified_at, created_at
		FROM checksum_records WHERE table_name = ? AND record_id = ?`

	record, err := scanChecksum(s.db.QueryRowContext(ctx, query, table, recordID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("checksum %s/%d: %w", table, recordID, errors.ErrRecordNotFound)
	}
	if err != nil {
		return nil, errors.Wrapf(errors.ErrQueryFailed, "get checksum %s/%d: %v", table, recordID, err)
	}
	return record, nil
}

// UpdateChecksumVerification records a verification outcome.
func (s *DuckSession) UpdateChecksumVerification(ctx context.Context, table string, recordID int64, valid bool, at time.Time) error {
	query := `UPDATE checksum_records SET is_valid = ?, verified_at = ?
		WHERE table_name = ? AND record_id = ?`

	res, err := s.db.ExecContext(ctx, query, valid, at, table, recordID)
	if err != nil {
		return errors.Wrapf(errors.ErrQueryFailed, "update checksum %s/%d: %v", table, recordID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("checksum %s/%d: %w", table, recordID, errors.ErrRecordNotFound)
	}
	return nil
}

// ListChecksums returns checksum records ordered by record id.
func (s *DuckSession) ListChecksums(ctx context.Context, table string, limit int) ([]types.ChecksumRecord, error) {
	query := `SELECT table_name, record_id, checksum, checksum_fields, is_valid, verified_at, created_at
		FROM checksum_records`
	var args []any

	if table != "" {
		query += " WHERE table_name = ?"
		args = append(args, table)
	}
	query += " ORDER BY table_name, record_id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrQueryFailed, "list checksums: %v", err)
	}
	defer rows.Close()

	var records []types.ChecksumRecord
	for rows.Next() {
		record, err := scanChecksum(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanChecksum(sc scanner) (*types.ChecksumRecord, error) {
	var record types.ChecksumRecord
	var fields string
	var verifiedAt sql.NullTime

	err := sc.Scan(
		&record.TableName, &record.RecordID, &record.Checksum,
		&fields, &record.IsValid, &verifiedAt, &record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if fields != "" {
		record.Fields = strings.Split(fields, ",")
	}
	if verifiedAt.Valid {
		record.VerifiedAt = verifiedAt.Time.UTC()
	}
	record.CreatedAt = record.CreatedAt.UTC()

	return &record, nil
}

func scanShards(rows *sql.Rows) ([]types.Shard, error) {
	var shards []types.Shard
	for rows.Next() {
		var sh types.Shard
		err := rows.Scan(
			&sh.ShardID, &sh.TableName, &sh.ShardKey,
			&sh.StartDate, &sh.EndDate,
			&sh.FilePath, &sh.FileFormat, &sh.Compression, &sh.IsCompressed,
			&sh.RowCount, &sh.FileSize, &sh.FileChecksum,
			&sh.CreatedAt, &sh.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan shard: %w", err)
		}
		sh.StartDate = types.Day(sh.StartDate)
		sh.EndDate = types.Day(sh.EndDate)
		shards = append(shards, sh)
	}
	return shards, rows.Err()
}

// scanTableRows scans generic base-table rows according to column kinds.
func scanTableRows(rows *sql.Rows, schema types.TableSchema, cols []string) ([]types.Row, error) {
	kinds := make([]types.ColumnKind, len(cols))
	for i, name := range cols {
		col, ok := schema.Column(name)
		if !ok {
			return nil, fmt.Errorf("column %q not in schema for %s", name, schema.Name)
		}
		kinds[i] = col.Kind
	}

	var result []types.Row
	for rows.Next() {
		targets := make([]any, len(cols))
		for i, kind := range kinds {
			switch kind {
			case types.KindString:
				targets[i] = new(sql.NullString)
			case types.KindInt64:
				targets[i] = new(sql.NullInt64)
			case types.KindFloat64:
				targets[i] = new(sql.NullFloat64)
			case types.KindBool:
				targets[i] = new(sql.NullBool)
			case types.KindTime:
				targets[i] = new(sql.NullTime)
			}
		}

		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make(types.Row, len(cols))
		for i, name := range cols {
			switch v := targets[i].(type) {
			case *sql.NullString:
				if v.Valid {
					row[name] = v.String
				}
			case *sql.NullInt64:
				if v.Valid {
					row[name] = v.Int64
				}
			case *sql.NullFloat64:
				if v.Valid {
					row[name] = v.Float64
				}
			case *sql.NullBool:
				if v.Valid {
					row[name] = v.Bool
				}
			case *sql.NullTime:
				if v.Valid {
					row[name] = v.Time.UTC()
				}
			}
		}
		result = append(result, row)
	}

	return result, rows.Err()
}
