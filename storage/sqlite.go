package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite"
)

const ManifestFile = "manifest.db"

const columns = `plugin_name, environment_path, fingerprint, active_fingerprint, backend, requirements, packages,
	status, error, error_kind, created_at, last_verified_at, updated_at, checksum`

// SQLiteManifest stores environment records in a single SQLite database.
// Every Upsert is one transaction; WAL with synchronous=FULL makes a
// committed row survive a crash.
type SQLiteManifest struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	// serializes writers
	mu sync.Mutex

	quarantined *CorruptionError
}

// OpenManifest opens <dataDir>/manifest.db. A database that fails the
// integrity check, or holds rows that fail validation, is renamed aside and
// replaced by a fresh one; rows that still validate are carried over. The
// loss is logged at error level and reported by Quarantined.
func OpenManifest(ctx context.Context, dataDir string, logger *slog.Logger) (*SQLiteManifest, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	path := filepath.Join(dataDir, ManifestFile)

	m, salvage, cause := tryOpen(ctx, path, logger)
	if cause == nil {
		return m, nil
	}
	if m != nil {
		_ = m.db.Close()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	quarantinedTo, err := quarantine(path)
	if err != nil {
		return nil, fmt.Errorf("manifest %s is unusable and could not be moved aside: %w", path, errors.Join(cause, err))
	}

	m, err = openSQLite(ctx, path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create fresh manifest: %w", err)
	}

	cerr := &CorruptionError{Path: path, QuarantinedTo: quarantinedTo, Err: cause}
	for _, rec := range salvage.good {
		if err := m.Upsert(ctx, rec); err != nil {
			cerr.Dropped = append(cerr.Dropped, rec.PluginName)
			continue
		}
		cerr.Salvaged++
	}
	cerr.Dropped = append(cerr.Dropped, salvage.bad...)
	m.quarantined = cerr

	logger.Error("manifest corruption detected, continuing with a fresh manifest",
		"path", path,
		"quarantined_to", quarantinedTo,
		"salvaged", cerr.Salvaged,
		"dropped", cerr.Dropped,
		"error", cause)

	return m, nil
}

type scanResult struct {
	good []*EnvironmentRecord
	bad  []string
}

func tryOpen(ctx context.Context, path string, logger *slog.Logger) (*SQLiteManifest, scanResult, error) {
	m, err := openSQLite(ctx, path, logger)
	if err != nil {
		return nil, scanResult{}, err
	}
	if err := m.integrityCheck(ctx); err != nil {
		return m, scanResult{}, err
	}
	res, err := m.scan(ctx)
	if err != nil {
		return m, scanResult{}, err
	}
	if len(res.bad) > 0 {
		return m, res, fmt.Errorf("%d invalid records: %s", len(res.bad), strings.Join(res.bad, ", "))
	}
	return m, res, nil
}

func openSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteManifest, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	m := &SQLiteManifest{db: db, path: path, logger: logger}
	if err := m.initialize(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return m, nil
}

func (m *SQLiteManifest) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS environments (
		plugin_name TEXT PRIMARY KEY,
		environment_path TEXT NOT NULL UNIQUE,
		fingerprint TEXT NOT NULL,
		active_fingerprint TEXT NOT NULL DEFAULT '',
		backend TEXT NOT NULL DEFAULT '',
		requirements TEXT NOT NULL DEFAULT '[]',
		packages TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		last_verified_at TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		checksum TEXT NOT NULL
	);
	`
	_, err := m.db.ExecContext(ctx, schema)
	return err
}

func (m *SQLiteManifest) integrityCheck(ctx context.Context) error {
	var result string
	if err := m.db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func (m *SQLiteManifest) scan(ctx context.Context) (scanResult, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT `+columns+` FROM environments ORDER BY plugin_name`)
	if err != nil {
		return scanResult{}, err
	}
	defer rows.Close()

	var res scanResult
	for i := 0; rows.Next(); i++ {
		var r row
		if err := rows.Scan(r.dest()...); err != nil {
			res.bad = append(res.bad, fmt.Sprintf("row %d", i))
			continue
		}
		rec, err := r.decode()
		if err != nil {
			m.logger.Warn("invalid manifest record", "plugin", r.name, "error", err)
			name := r.name
			if name == "" {
				name = fmt.Sprintf("row %d", i)
			}
			res.bad = append(res.bad, name)
			continue
		}
		res.good = append(res.good, rec)
	}
	return res, rows.Err()
}

// Quarantined returns the corruption that was recovered from on open, or nil.
func (m *SQLiteManifest) Quarantined() *CorruptionError {
	return m.quarantined
}

func (m *SQLiteManifest) Path() string {
	return m.path
}

func (m *SQLiteManifest) Load(ctx context.Context) ([]*EnvironmentRecord, error) {
	res, err := m.scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	if len(res.bad) > 0 {
		return nil, fmt.Errorf("manifest has invalid records: %s", strings.Join(res.bad, ", "))
	}
	return res.good, nil
}

func (m *SQLiteManifest) Get(ctx context.Context, pluginName string) (*EnvironmentRecord, error) {
	var r row
	err := m.db.QueryRowContext(ctx, `SELECT `+columns+` FROM environments WHERE plugin_name = ?`, pluginName).Scan(r.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec, err := r.decode()
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", pluginName, err)
	}
	return rec, nil
}

func (m *SQLiteManifest) Upsert(ctx context.Context, rec *EnvironmentRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	r, err := encode(rec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	err = tx.QueryRowContext(ctx,
		`SELECT plugin_name FROM environments WHERE environment_path = ? AND plugin_name <> ?`,
		r.path, r.name).Scan(&owner)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s is used by %s", ErrPathConflict, r.path, owner)
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	query := `
	INSERT INTO environments (` + columns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(plugin_name) DO UPDATE SET
		environment_path = excluded.environment_path,
		fingerprint = excluded.fingerprint,
		active_fingerprint = excluded.active_fingerprint,
		backend = excluded.backend,
		requirements = excluded.requirements,
		packages = excluded.packages,
		status = excluded.status,
		error = excluded.error,
		error_kind = excluded.error_kind,
		created_at = excluded.created_at,
		last_verified_at = excluded.last_verified_at,
		updated_at = excluded.updated_at,
		checksum = excluded.checksum
	`
	if _, err := tx.ExecContext(ctx, query, r.values()...); err != nil {
		return fmt.Errorf("failed to upsert %s: %w", rec.PluginName, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", rec.PluginName, err)
	}
	return nil
}

func (m *SQLiteManifest) Delete(ctx context.Context, pluginName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.db.ExecContext(ctx, `DELETE FROM environments WHERE plugin_name = ?`, pluginName)
	return err
}

func (m *SQLiteManifest) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// row is the on-disk form of a record, every column as text.
type row struct {
	name, path, fingerprint, active, backend, reqs, packages string
	status, errMsg, errKind, created, verified, updated      string
	checksum                                                 string
}

func (r *row) dest() []any {
	return []any{
		&r.name, &r.path, &r.fingerprint, &r.active, &r.backend, &r.reqs, &r.packages,
		&r.status, &r.errMsg, &r.errKind, &r.created, &r.verified, &r.updated,
		&r.checksum,
	}
}

func (r *row) values() []any {
	return []any{
		r.name, r.path, r.fingerprint, r.active, r.backend, r.reqs, r.packages,
		r.status, r.errMsg, r.errKind, r.created, r.verified, r.updated,
		r.checksum,
	}
}

func (r *row) sum() string {
	fields := []string{
		r.name, r.path, r.fingerprint, r.active, r.backend, r.reqs, r.packages,
		r.status, r.errMsg, r.errKind, r.created, r.verified, r.updated,
	}
	return digest.FromString(strings.Join(fields, "\x00")).String()
}

func encode(rec *EnvironmentRecord) (row, error) {
	reqs := "[]"
	if len(rec.Requirements) > 0 {
		data, err := json.Marshal(rec.Requirements)
		if err != nil {
			return row{}, fmt.Errorf("failed to encode requirements: %w", err)
		}
		reqs = string(data)
	}

	packages := "{}"
	if len(rec.Packages) > 0 {
		data, err := json.Marshal(rec.Packages)
		if err != nil {
			return row{}, fmt.Errorf("failed to encode packages: %w", err)
		}
		packages = string(data)
	}

	r := row{
		name:        rec.PluginName,
		path:        rec.EnvironmentPath,
		fingerprint: rec.Fingerprint,
		active:      rec.ActiveFingerprint,
		backend:     rec.Backend,
		reqs:        reqs,
		packages:    packages,
		status:      string(rec.Status),
		errMsg:      rec.Error,
		errKind:     rec.ErrorKind,
		created:     formatTime(rec.CreatedAt),
		verified:    formatTime(rec.LastVerifiedAt),
		updated:     formatTime(rec.UpdatedAt),
	}
	r.checksum = r.sum()
	return r, nil
}

func (r *row) decode() (*EnvironmentRecord, error) {
	if r.checksum != r.sum() {
		return nil, errors.New("checksum mismatch")
	}

	rec := &EnvironmentRecord{
		PluginName:        r.name,
		EnvironmentPath:   r.path,
		Fingerprint:       r.fingerprint,
		ActiveFingerprint: r.active,
		Backend:           r.backend,
		Status:            Status(r.status),
		Error:             r.errMsg,
		ErrorKind:         r.errKind,
	}
	if err := json.Unmarshal([]byte(r.reqs), &rec.Requirements); err != nil {
		return nil, fmt.Errorf("invalid requirements: %w", err)
	}
	if err := json.Unmarshal([]byte(r.packages), &rec.Packages); err != nil {
		return nil, fmt.Errorf("invalid packages: %w", err)
	}

	var err error
	if rec.CreatedAt, err = parseTime(r.created); err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	if rec.LastVerifiedAt, err = parseTime(r.verified); err != nil {
		return nil, fmt.Errorf("invalid last_verified_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(r.updated); err != nil {
		return nil, fmt.Errorf("invalid updated_at: %w", err)
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// quarantine renames the database and its WAL files to
// <path>.corrupt-<timestamp>.
func quarantine(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", err
	}

	base := fmt.Sprintf("%s.corrupt-%s", path, time.Now().UTC().Format("20060102T150405Z"))
	dest := base
	for i := 1; fileExists(dest); i++ {
		dest = fmt.Sprintf("%s-%d", base, i)
	}

	if err := os.Rename(path, dest); err != nil {
		return "", err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if fileExists(path + suffix) {
			_ = os.Rename(path+suffix, dest+suffix)
		}
	}
	return dest, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
