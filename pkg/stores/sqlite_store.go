package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/metahook/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists modules and lifecycle events in SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
	now  func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a distinct database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
		now:  time.Now,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveModule inserts a module or replaces the stored copy. InstalledAt is preserved on update.
func (s *SQLiteStore) SaveModule(ctx context.Context, rec *ModuleRecord) error {
	query := `
		INSERT INTO modules (id, name, version, state, manifest, installed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			state = excluded.state,
			manifest = excluded.manifest,
			updated_at = excluded.updated_at
	`

	now := s.now().UTC()
	if rec.InstalledAt.IsZero() {
		rec.InstalledAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		int64(rec.ID),
		rec.Name,
		rec.Version,
		rec.State.String(),
		rec.Manifest,
		rec.InstalledAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save module %s: %w", rec.Name, err)
	}

	return nil
}

// UpdateModuleState updates the stored lifecycle state of a module.
func (s *SQLiteStore) UpdateModuleState(ctx context.Context, id engine.ModuleID, state engine.LifecycleState) error {
	query := `UPDATE modules SET state = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, state.String(), s.now().UTC(), int64(id))
	if err != nil {
		return fmt.Errorf("failed to update module state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("module %d: %w", id, ErrNotFound)
	}

	return nil
}

// GetModule retrieves a module by ID.
func (s *SQLiteStore) GetModule(ctx context.Context, id engine.ModuleID) (*ModuleRecord, error) {
	query := `
		SELECT id, name, version, state, manifest, installed_at, updated_at
		FROM modules
		WHERE id = ?
	`

	rec, err := scanModule(s.db.QueryRowContext(ctx, query, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("module %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get module: %w", err)
	}

	return rec, nil
}

// ListModules returns all stored modules in ID order.
func (s *SQLiteStore) ListModules(ctx context.Context) ([]*ModuleRecord, error) {
	query := `
		SELECT id, name, version, state, manifest, installed_at, updated_at
		FROM modules
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	defer rows.Close()

	records := []*ModuleRecord{}
	for rows.Next() {
		rec, err := scanModule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan module: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating modules: %w", err)
	}

	return records, nil
}

// DeleteModule removes a module. Its lifecycle events are kept.
func (s *SQLiteStore) DeleteModule(ctx context.Context, id engine.ModuleID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM modules WHERE id = ?`, int64(id))
	if err != nil {
		return fmt.Errorf("failed to delete module: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("module %d: %w", id, ErrNotFound)
	}

	return nil
}

// AppendEvent records a lifecycle event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event engine.LifecycleEvent) (*EventRecord, error) {
	rec := &EventRecord{
		ID:        uuid.New().String(),
		Module:    event.Module,
		Type:      event.Type,
		CreatedAt: s.now().UTC(),
	}

	query := `INSERT INTO lifecycle_events (id, module_id, type, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, rec.ID, int64(rec.Module), string(rec.Type), rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	return rec, nil
}

// ListEvents returns matching events oldest first. With a limit, only the most recent events
// are returned.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*EventRecord, error) {
	query := `SELECT id, module_id, type, created_at FROM lifecycle_events`
	var args []interface{}
	if filter.Module != 0 {
		query += ` WHERE module_id = ?`
		args = append(args, int64(filter.Module))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		var (
			rec      EventRecord
			moduleID int64
			typ      string
		)
		if err := rows.Scan(&rec.ID, &moduleID, &typ, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		rec.Module = engine.ModuleID(moduleID)
		rec.Type = engine.EventType(typ)
		events = append(events, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	// Query order is newest first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	return events, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanModule(row scanner) (*ModuleRecord, error) {
	var (
		rec   ModuleRecord
		id    int64
		state string
	)
	if err := row.Scan(&id, &rec.Name, &rec.Version, &state, &rec.Manifest, &rec.InstalledAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}

	parsed, err := engine.ParseLifecycleState(state)
	if err != nil {
		return nil, err
	}
	rec.ID = engine.ModuleID(id)
	rec.State = parsed

	return &rec, nil
}
