package types

import "context"

// WriteStats describes one columnar write.
type WriteStats struct {
	RowCount  int64
	FileSize  int64
	FilePath  string
}

// ColumnarWriter serializes rows to a columnar file. The control plane never
// inspects file internals; production code uses the Parquet adapter and tests
// substitute an in-memory fake.
type ColumnarWriter interface {
	WriteRows(ctx context.Context, path string, schema TableSchema, rows []Row, codec Codec) (WriteStats, error)
}

// ColumnarReader deserializes rows from a columnar file, optionally projected
// to a column subset.
type ColumnarReader interface {
	ReadRows(ctx context.Context, path string, schema TableSchema, columns []string) ([]Row, error)
}

// Columnar combines both sides of the codec boundary.
type Columnar interface {
	ColumnarWriter
	ColumnarReader
}
