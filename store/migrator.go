package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Migration System Overview:
//
// Only SQL drivers are migrated; file and redis drivers have no schema.
//
// Migration Flow:
// 1. preMigrate: If the session_snapshot table is missing, apply LATEST.sql and
//    record the highest patch number as the schema version.
// 2. applyMigrations: Apply every NN__description.sql whose NN is greater than
//    the recorded version, in order, in one transaction.
//
// Migration Files:
// - Location: store/migration/{dialect}/NN__description.sql
// - LATEST.sql: Full schema for new installations. It must include every patch.

//go:embed migration
var migrationFS embed.FS

const (
	// MigrateFileNameSplit is the split character between the patch version and the description in the migration file name.
	// For example, "01__create_index.sql".
	MigrateFileNameSplit = "__"
	// LatestSchemaFileName is the name of the latest schema file.
	LatestSchemaFileName = "LATEST.sql"
)

// migrationFile is one incremental migration script.
type migrationFile struct {
	path    string
	version int
}

// validateMigrationFileName checks if a migration file follows the expected naming convention
// and returns its patch number.
func validateMigrationFileName(filename string) (int, error) {
	prefix, _, ok := strings.Cut(filename, MigrateFileNameSplit)
	if !ok {
		return 0, errors.Errorf("invalid migration filename format (missing %s): %s", MigrateFileNameSplit, filename)
	}
	n, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, errors.Errorf("migration filename must start with a number: %s", filename)
	}
	return n, nil
}

// listMigrations returns the incremental scripts for a dialect, sorted by version.
func listMigrations(fsys fs.FS, dialect string) ([]migrationFile, error) {
	paths, err := fs.Glob(fsys, fmt.Sprintf("migration/%s/*.sql", dialect))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read migration files")
	}
	files := make([]migrationFile, 0, len(paths))
	for _, p := range paths {
		name := path.Base(p)
		if name == LatestSchemaFileName {
			continue
		}
		v, err := validateMigrationFileName(name)
		if err != nil {
			return nil, err
		}
		files = append(files, migrationFile{path: p, version: v})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// Migrate brings the schema of a SQL driver to the latest version. It is a
// no-op for drivers without a schema.
func (s *Store) Migrate(ctx context.Context) error {
	driver, ok := s.driver.(SQLDriver)
	if !ok {
		return nil
	}
	if err := s.preMigrate(ctx, driver); err != nil {
		return errors.Wrap(err, "failed to pre-migrate")
	}
	if err := s.applyMigrations(ctx, driver); err != nil {
		return errors.Wrap(err, "failed to apply migrations")
	}
	return nil
}

// preMigrate checks if the database is initialized and applies the latest schema if not.
func (s *Store) preMigrate(ctx context.Context, driver SQLDriver) error {
	initialized, err := driver.IsInitialized(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to check if database is initialized")
	}
	if initialized {
		return nil
	}

	filePath := fmt.Sprintf("migration/%s/%s", driver.Dialect(), LatestSchemaFileName)
	bytes, err := fs.ReadFile(migrationFS, filePath)
	if err != nil {
		return errors.Errorf("failed to read latest schema file: %s", err)
	}
	files, err := listMigrations(migrationFS, driver.Dialect())
	if err != nil {
		return err
	}
	latest := 0
	if len(files) > 0 {
		latest = files[len(files)-1].version
	}

	tx, err := driver.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to start transaction")
	}
	defer tx.Rollback()

	slog.Info("initializing new database with latest schema", slog.String("file", filePath))
	if err := execute(ctx, tx, string(bytes)); err != nil {
		return errors.Errorf("failed to execute SQL file %s, err %s", filePath, err)
	}
	if err := setSchemaVersion(ctx, tx, driver.Dialect(), latest); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	slog.Info("database initialized successfully", slog.Int("schemaVersion", latest))
	return nil
}

// applyMigrations applies all migration files newer than the recorded schema version.
// It runs all migrations in a single transaction for atomicity.
func (s *Store) applyMigrations(ctx context.Context, driver SQLDriver) error {
	files, err := listMigrations(migrationFS, driver.Dialect())
	if err != nil {
		return err
	}
	current, err := GetSchemaVersion(ctx, driver)
	if err != nil {
		return err
	}

	tx, err := driver.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to start transaction")
	}
	defer tx.Rollback()

	applied := 0
	target := current
	for _, file := range files {
		if file.version <= current {
			continue
		}
		slog.Info("applying migration", slog.String("file", file.path), slog.Int("version", file.version))
		bytes, err := fs.ReadFile(migrationFS, file.path)
		if err != nil {
			return errors.Wrapf(err, "failed to read migration file: %s", file.path)
		}
		if err := execute(ctx, tx, string(bytes)); err != nil {
			return errors.Wrapf(err, "failed to execute migration %s", file.path)
		}
		applied++
		target = file.version
	}
	if applied == 0 {
		return nil
	}
	if err := setSchemaVersion(ctx, tx, driver.Dialect(), target); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit migration transaction")
	}
	slog.Info("migration completed", slog.Int("migrationsApplied", applied), slog.Int("schemaVersion", target))
	return nil
}

// GetSchemaVersion returns the recorded schema version, 0 when none is recorded.
func GetSchemaVersion(ctx context.Context, driver SQLDriver) (int, error) {
	var v int
	err := driver.GetDB().QueryRowContext(ctx, `SELECT version FROM session_schema WHERE id = 1`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read schema version")
	}
	return v, nil
}

func setSchemaVersion(ctx context.Context, tx *sql.Tx, dialect string, v int) error {
	stmt := `INSERT INTO session_schema (id, version) VALUES (1, ?) ON CONFLICT (id) DO UPDATE SET version = excluded.version`
	if dialect == "postgres" {
		stmt = strings.Replace(stmt, "?", "$1", 1)
	}
	if _, err := tx.ExecContext(ctx, stmt, v); err != nil {
		return errors.Wrap(err, "failed to update schema version")
	}
	return nil
}

// execute runs every statement of a script. lib/pq rejects multiple statements
// in one ExecContext call, so scripts are always split.
func execute(ctx context.Context, tx *sql.Tx, script string) error {
	for i, stmt := range splitSQL(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "failed to execute statement %d: %s", i+1, stmt)
		}
	}
	return nil
}

// splitSQL splits a script on semicolons outside single-quoted strings and drops
// "--" comments. Dollar-quoted bodies are not supported.
func splitSQL(script string) []string {
	var (
		statements []string
		current    strings.Builder
		inQuote    bool
	)
	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, line := range strings.Split(script, "\n") {
		for i := 0; i < len(line); i++ {
			ch := line[i]
			switch {
			case ch == '\'':
				inQuote = !inQuote
				current.WriteByte(ch)
			case !inQuote && ch == '-' && i+1 < len(line) && line[i+1] == '-':
				i = len(line)
			case !inQuote && ch == ';':
				flush()
			default:
				current.WriteByte(ch)
			}
		}
		current.WriteByte('\n')
	}
	flush()
	return statements
}
