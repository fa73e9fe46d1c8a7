package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// =============================================================================
// Embedded Migration Files
// =============================================================================

//go:embed migrations/postgres/*.sql migrations/mysql/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// =============================================================================
// Types
// =============================================================================

// DatabaseType is the SQL dialect a migration set is written for.
type DatabaseType string

const (
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeMySQL    DatabaseType = "mysql"
	DatabaseTypeSQLite   DatabaseType = "sqlite"
)

// DefaultTableName is the version table golang-migrate maintains.
const DefaultTableName = "schema_migrations"

// Status describes one migration file and whether it has been applied.
type Status struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// Info summarizes the migration state.
type Info struct {
	CurrentVersion    uint
	Dirty             bool
	TotalMigrations   int
	AppliedMigrations int
	PendingMigrations int
}

// Config holds the configuration for the migrator.
type Config struct {
	DatabaseType DatabaseType
	// TableName defaults to schema_migrations.
	TableName string
}

// Migrator applies the embedded schema to an open database.
type Migrator struct {
	config  Config
	migrate *migrate.Migrate
	logger  *zap.Logger
}

// NewMigrator wraps db, which the caller opened with the application's
// own driver. Close releases the migration driver.
func NewMigrator(db *sql.DB, cfg Config, logger *zap.Logger) (*Migrator, error) {
	if db == nil {
		return nil, errors.New("migration: db is required")
	}
	if cfg.TableName == "" {
		cfg.TableName = DefaultTableName
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dbDriver, err := databaseDriver(db, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, sourcePath(cfg.DatabaseType))
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, string(cfg.DatabaseType), dbDriver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	logger = logger.With(zap.String("component", "migration"), zap.String("dialect", string(cfg.DatabaseType)))
	m.Log = migrateLogger{logger.Sugar()}
	return &Migrator{config: cfg, migrate: m, logger: logger}, nil
}

func databaseDriver(db *sql.DB, cfg Config) (database.Driver, error) {
	switch cfg.DatabaseType {
	case DatabaseTypePostgres:
		return postgres.WithInstance(db, &postgres.Config{MigrationsTable: cfg.TableName})
	case DatabaseTypeMySQL:
		return mysql.WithInstance(db, &mysql.Config{MigrationsTable: cfg.TableName})
	case DatabaseTypeSQLite:
		return sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: cfg.TableName})
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.DatabaseType)
	}
}

func sourcePath(t DatabaseType) string {
	return path.Join("migrations", string(t))
}

// migrateLogger routes golang-migrate output into zap.
type migrateLogger struct {
	s *zap.SugaredLogger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.s.Infof(strings.TrimSuffix(format, "\n"), v...)
}

func (l migrateLogger) Verbose() bool { return false }

// run executes fn and asks golang-migrate to stop after the current file when
// ctx is done.
func (m *Migrator) run(ctx context.Context, fn func() error) error {
	select {
	case <-m.migrate.GracefulStop:
	default:
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			select {
			case m.migrate.GracefulStop <- true:
			default:
			}
		case <-done:
		}
	}()
	err := fn()
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

// Up applies all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.run(ctx, m.migrate.Up); err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}
	m.logger.Info("migrations applied")
	return nil
}

// Down rolls back the last migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.run(ctx, func() error { return m.migrate.Steps(-1) }); err != nil {
		return fmt.Errorf("migration down failed: %w", err)
	}
	m.logger.Info("migration rolled back")
	return nil
}

// Force sets the version without running migrations. Used to clear a dirty state.
func (m *Migrator) Force(version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("migration force failed: %w", err)
	}
	m.logger.Warn("migration version forced", zap.Int("version", version))
	return nil
}

// Version returns the current version. Zero means nothing has been applied.
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}
	return version, dirty, nil
}

// Status lists every embedded migration with its applied state.
func (m *Migrator) Status() ([]Status, error) {
	current, dirty, err := m.Version()
	if err != nil {
		return nil, err
	}
	files, err := availableMigrations(m.config.DatabaseType)
	if err != nil {
		return nil, err
	}
	statuses := make([]Status, 0, len(files))
	for _, f := range files {
		statuses = append(statuses, Status{
			Version: f.version,
			Name:    f.name,
			Applied: f.version <= current,
			Dirty:   dirty && f.version == current,
		})
	}
	return statuses, nil
}

// Info summarizes Status.
func (m *Migrator) Info() (*Info, error) {
	statuses, err := m.Status()
	if err != nil {
		return nil, err
	}
	current, dirty, err := m.Version()
	if err != nil {
		return nil, err
	}
	applied := 0
	for _, s := range statuses {
		if s.Applied {
			applied++
		}
	}
	return &Info{
		CurrentVersion:    current,
		Dirty:             dirty,
		TotalMigrations:   len(statuses),
		AppliedMigrations: applied,
		PendingMigrations: len(statuses) - applied,
	}, nil
}

// Close releases the source and database drivers.
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	return errors.Join(sourceErr, dbErr)
}

type migrationFile struct {
	version uint
	name    string
}

// availableMigrations parses NNNNNN_name.up.sql files for a dialect.
func availableMigrations(t DatabaseType) ([]migrationFile, error) {
	entries, err := fs.ReadDir(migrationsFS, sourcePath(t))
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	seen := make(map[uint]bool)
	var files []migrationFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.ParseUint(prefix, 10, 32)
		if err != nil || seen[uint(version)] {
			continue
		}
		seen[uint(version)] = true
		files = append(files, migrationFile{version: uint(version), name: strings.TrimSuffix(rest, ".up.sql")})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// ParseDatabaseType maps a configured driver name to a dialect.
func ParseDatabaseType(s string) (DatabaseType, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return DatabaseTypePostgres, nil
	case "mysql", "mariadb":
		return DatabaseTypeMySQL, nil
	case "sqlite", "sqlite3":
		return DatabaseTypeSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", s)
	}
}
