// Package checksum computes and verifies integrity digests for rows of the
// managed tables and for archived shard files.
//
// Row digests are SHA-256 over a canonical serialization of the designated
// fields; canonicalization pins the representation of dates, floats, and
// missing values so that two rows with equal field values always hash
// identically. File digests use xxhash64 for cheap whole-file verification.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openquant/dbmaint/internal/types"
)

// nullLiteral stands in for missing or nil field values.
const nullLiteral = "NULL"

// Digest returns the SHA-256 hex digest of the row's canonical serialization
// over the given fields. Field order does not matter; the serialization sorts
// field names.
func Digest(row types.Row, fields []string) string {
	sorted := make([]string, len(fields))
	copy(sorted, fields)
	sort.Strings(sorted)

	parts := make([]string, len(sorted))
	for i, field := range sorted {
		parts[i] = field + "=" + CanonicalValue(row[field])
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// CanonicalValue renders one field value in its canonical form:
// times as RFC 3339 UTC, floats rounded to 8 decimal places, nil as "NULL".
func CanonicalValue(v any) string {
	switch val := v.(type) {
	case nil:
		return nullLiteral
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(val, 'f', 8, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', 8, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case bool:
		return strconv.FormatBool(val)
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}
