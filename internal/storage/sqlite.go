package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for cases, executions, and the
// archive. It is the durable half of the case bank: every mutation here is a
// single statement or transaction, so concurrent readers never observe a
// half-written record.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "memento.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for components that run their own
// scans over storage tables (the similarity scan in casebank).
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Cases ---

const caseColumns = `id, query, answer, embedding, version, status, usage_count,
	last_used_at, success_rate, quality_score, low_performance, created_at, updated_at`

func (s *Store) InsertCase(c CaseRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO cases (id, query, answer, embedding, version, status, usage_count,
			last_used_at, success_rate, quality_score, low_performance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Query, c.Answer, encodeEmbedding(c.Embedding), c.Version, c.Status,
		c.UsageCount, nullableTime(c.LastUsedAt), c.SuccessRate, c.QualityScore,
		boolToInt(c.LowPerformance),
		c.CreatedAt.UTC().Format(time.RFC3339), c.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetCase(id string) (CaseRecord, error) {
	row := s.db.QueryRow(`SELECT `+caseColumns+` FROM cases WHERE id = ?`, id)
	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return CaseRecord{}, ErrNotFound
	}
	return c, err
}

// ListActiveCases returns all non-archived cases ordered by creation time.
// Archived rows live in the archive table, so every row here belongs to the
// active set regardless of its flagged status.
func (s *Store) ListActiveCases() ([]CaseRecord, error) {
	rows, err := s.db.Query(`SELECT ` + caseColumns + ` FROM cases ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying cases: %w", err)
	}
	defer rows.Close()

	var results []CaseRecord
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// TouchCaseUsage increments usage_count and stamps last_used_at in a single
// UPDATE. The increment is at-least-once under concurrent callers; the count
// is a soft metric, not a billing figure.
func (s *Store) TouchCaseUsage(id string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE cases SET usage_count = usage_count + 1, last_used_at = ?
		WHERE id = ?`,
		now.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateCaseMetrics writes the reflection results for a case and bumps its
// version. This is the only write path for success_rate.
func (s *Store) UpdateCaseMetrics(id string, successRate int, lowPerformance bool, status string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE cases SET success_rate = ?, low_performance = ?, status = ?,
			version = version + 1, updated_at = ?
		WHERE id = ?`,
		successRate, boolToInt(lowPerformance), status, now.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetCaseQuality records the external quality signal. The version counts
// content revisions, so a quality write leaves it alone.
func (s *Store) SetCaseQuality(id string, score float64, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE cases SET quality_score = ?, updated_at = ?
		WHERE id = ?`,
		score, now.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateCaseContent replaces the query/answer/embedding of a case and bumps
// its version.
func (s *Store) UpdateCaseContent(id, query, answer string, embedding []float32, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE cases SET query = ?, answer = ?, embedding = ?,
			version = version + 1, updated_at = ?
		WHERE id = ?`,
		query, answer, encodeEmbedding(embedding), now.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ArchiveCase snapshots a case into the archive table and removes it from the
// active set in one transaction. A second call for the same id returns
// ErrNotFound: the row is already gone.
func (s *Store) ArchiveCase(id, reason string, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning archive transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+caseColumns+` FROM cases WHERE id = ?`, id)
	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading case %s: %w", id, err)
	}

	_, err = tx.Exec(`
		INSERT INTO archive (id, query, answer, embedding, version, usage_count,
			last_used_at, success_rate, quality_score, created_at, archived_at, archived_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Query, c.Answer, encodeEmbedding(c.Embedding), c.Version, c.UsageCount,
		nullableTime(c.LastUsedAt), c.SuccessRate, c.QualityScore,
		c.CreatedAt.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339), reason,
	)
	if err != nil {
		return fmt.Errorf("snapshotting case %s: %w", id, err)
	}

	if _, err := tx.Exec(`DELETE FROM cases WHERE id = ?`, id); err != nil {
		return fmt.Errorf("removing case %s: %w", id, err)
	}

	return tx.Commit()
}

// --- Executions ---

const executionColumns = `id, case_id, success, error_kind, error_detail, duration_ms, context_json, created_at`

// InsertExecution appends an execution record after validating that the case
// exists in the active set. The existence check and insert share a
// transaction so the record never references an id archived mid-call.
func (s *Store) InsertExecution(e ExecutionRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning execution transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM cases WHERE id = ?`, e.CaseID).Scan(&exists); err != nil {
		return fmt.Errorf("checking case %s: %w", e.CaseID, err)
	}
	if exists == 0 {
		return ErrInvalidReference
	}

	var duration any
	if e.DurationMs != nil {
		duration = *e.DurationMs
	}
	_, err = tx.Exec(`
		INSERT INTO executions (id, case_id, success, error_kind, error_detail, duration_ms, context_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CaseID, boolToInt(e.Success), e.ErrorKind, e.ErrorDetail, duration,
		e.ContextJSON, e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	return tx.Commit()
}

// ListRecentExecutions returns the newest executions for a case, capped at
// limit. Insertion order (rowid) breaks ties between records created within
// the same second.
func (s *Store) ListRecentExecutions(caseID string, limit int) ([]ExecutionRecord, error) {
	rows, err := s.db.Query(`
		SELECT `+executionColumns+` FROM executions
		WHERE case_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		caseID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []ExecutionRecord
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// CountExecutionsSince counts executions for a case created at or after ts.
func (s *Store) CountExecutionsSince(caseID string, ts time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM executions WHERE case_id = ? AND created_at >= ?`,
		caseID, ts.UTC().Format(time.RFC3339),
	).Scan(&count)
	return count, err
}

// DeleteExecutionsBefore removes execution records older than cutoff and
// returns the number deleted. This is the retention sweep; nothing else may
// delete executions.
func (s *Store) DeleteExecutionsBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM executions WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("deleting old executions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Archive ---

const archiveColumns = `id, query, answer, embedding, version, usage_count,
	last_used_at, success_rate, quality_score, created_at, archived_at, archived_reason`

func (s *Store) GetArchived(id string) (ArchiveRecord, error) {
	row := s.db.QueryRow(`SELECT `+archiveColumns+` FROM archive WHERE id = ?`, id)
	a, err := scanArchive(row)
	if err == sql.ErrNoRows {
		return ArchiveRecord{}, ErrNotFound
	}
	return a, err
}

func (s *Store) ListArchived(limit int) ([]ArchiveRecord, error) {
	rows, err := s.db.Query(`
		SELECT `+archiveColumns+` FROM archive ORDER BY archived_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying archive: %w", err)
	}
	defer rows.Close()

	var results []ArchiveRecord
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// RestoreCase moves an archived snapshot back into the active set. The
// restored case comes back active with its version bumped past the archived
// snapshot, so the version sequence stays strictly increasing across the
// archive round-trip.
func (s *Store) RestoreCase(id string, now time.Time) (CaseRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return CaseRecord{}, fmt.Errorf("beginning restore transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+archiveColumns+` FROM archive WHERE id = ?`, id)
	a, err := scanArchive(row)
	if err == sql.ErrNoRows {
		return CaseRecord{}, ErrNotFound
	}
	if err != nil {
		return CaseRecord{}, fmt.Errorf("loading archived case %s: %w", id, err)
	}

	c := CaseRecord{
		ID:           a.ID,
		Query:        a.Query,
		Answer:       a.Answer,
		Embedding:    a.Embedding,
		Version:      a.Version + 1,
		Status:       StatusActive,
		UsageCount:   a.UsageCount,
		LastUsedAt:   a.LastUsedAt,
		SuccessRate:  a.SuccessRate,
		QualityScore: a.QualityScore,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    now.UTC(),
	}

	_, err = tx.Exec(`
		INSERT INTO cases (id, query, answer, embedding, version, status, usage_count,
			last_used_at, success_rate, quality_score, low_performance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		c.ID, c.Query, c.Answer, encodeEmbedding(c.Embedding), c.Version, c.Status,
		c.UsageCount, nullableTime(c.LastUsedAt), c.SuccessRate, c.QualityScore,
		c.CreatedAt.UTC().Format(time.RFC3339), c.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return CaseRecord{}, fmt.Errorf("restoring case %s: %w", id, err)
	}

	if _, err := tx.Exec(`DELETE FROM archive WHERE id = ?`, id); err != nil {
		return CaseRecord{}, fmt.Errorf("removing archived case %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return CaseRecord{}, err
	}
	return c, nil
}

// --- Stats ---

func (s *Store) Stats(ctx context.Context) (BankStats, error) {
	stats := BankStats{ArchivedByReason: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM cases GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("counting cases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		if status == StatusFlagged {
			stats.FlaggedCases = count
		}
		// Flagged cases are still part of the active set.
		stats.ActiveCases += count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions`).Scan(&stats.Executions); err != nil {
		return stats, fmt.Errorf("counting executions: %w", err)
	}

	archRows, err := s.db.QueryContext(ctx, `SELECT archived_reason, COUNT(*) FROM archive GROUP BY archived_reason`)
	if err != nil {
		return stats, fmt.Errorf("counting archive: %w", err)
	}
	defer archRows.Close()
	for archRows.Next() {
		var reason string
		var count int
		if err := archRows.Scan(&reason, &count); err != nil {
			return stats, err
		}
		stats.ArchivedByReason[reason] = count
	}
	return stats, archRows.Err()
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

// ScanCaseRow scans a row selected with the full case column list. Exposed
// for components that run their own queries over the cases table.
func ScanCaseRow(row interface{ Scan(dest ...any) error }) (CaseRecord, error) {
	return scanCase(row)
}

func scanCase(row rowScanner) (CaseRecord, error) {
	var c CaseRecord
	var blob []byte
	var lastUsed sql.NullString
	var lowPerf int
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.Query, &c.Answer, &blob, &c.Version, &c.Status,
		&c.UsageCount, &lastUsed, &c.SuccessRate, &c.QualityScore, &lowPerf,
		&createdAt, &updatedAt)
	if err != nil {
		return CaseRecord{}, err
	}
	c.LowPerformance = lowPerf != 0
	if c.Embedding, err = decodeEmbedding(blob); err != nil {
		return CaseRecord{}, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return CaseRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return CaseRecord{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if lastUsed.Valid {
		if c.LastUsedAt, err = time.Parse(time.RFC3339, lastUsed.String); err != nil {
			return CaseRecord{}, fmt.Errorf("parsing last_used_at: %w", err)
		}
	}
	return c, nil
}

func scanExecution(row rowScanner) (ExecutionRecord, error) {
	var e ExecutionRecord
	var success int
	var duration sql.NullInt64
	var createdAt string
	err := row.Scan(&e.ID, &e.CaseID, &success, &e.ErrorKind, &e.ErrorDetail,
		&duration, &e.ContextJSON, &createdAt)
	if err != nil {
		return ExecutionRecord{}, err
	}
	e.Success = success != 0
	if duration.Valid {
		d := duration.Int64
		e.DurationMs = &d
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return ExecutionRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return e, nil
}

func scanArchive(row rowScanner) (ArchiveRecord, error) {
	var a ArchiveRecord
	var blob []byte
	var lastUsed sql.NullString
	var createdAt, archivedAt string
	err := row.Scan(&a.ID, &a.Query, &a.Answer, &blob, &a.Version, &a.UsageCount,
		&lastUsed, &a.SuccessRate, &a.QualityScore, &createdAt, &archivedAt, &a.ArchivedReason)
	if err != nil {
		return ArchiveRecord{}, err
	}
	if a.Embedding, err = decodeEmbedding(blob); err != nil {
		return ArchiveRecord{}, fmt.Errorf("decoding embedding for %s: %w", a.ID, err)
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return ArchiveRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.ArchivedAt, err = time.Parse(time.RFC3339, archivedAt); err != nil {
		return ArchiveRecord{}, fmt.Errorf("parsing archived_at: %w", err)
	}
	if lastUsed.Valid {
		if a.LastUsedAt, err = time.Parse(time.RFC3339, lastUsed.String); err != nil {
			return ArchiveRecord{}, fmt.Errorf("parsing last_used_at: %w", err)
		}
	}
	return a, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// --- Embedding codec ---

// encodeEmbedding serializes a float32 vector to little-endian bytes.
// A nil vector stays NULL in the database.
func encodeEmbedding(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeEmbedding deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeEmbedding(b []byte) ([]float32, error) {
	if b == nil {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// DecodeEmbeddingInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during similarity scans.
func DecodeEmbeddingInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}
