package postgres

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

const (
	migrationsGlob   = "sql/migrations/*.sql"
	migrationLockKey = int64(0x6461797821)
)

// migrationTableDDL добавляет checksum и в таблицы, созданные до этой колонки.
var migrationTableDDL = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    BIGINT PRIMARY KEY,
		name       TEXT NOT NULL,
		checksum   TEXT NOT NULL DEFAULT '',
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''`,
}

var (
	//go:embed sql/migrations/*.sql
	migrationsFS embed.FS

	migrationFilePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)
)

// MigrationDirection: направление применения миграций.
type MigrationDirection string

const (
	MigrationUp   MigrationDirection = "up"
	MigrationDown MigrationDirection = "down"
)

// ParseMigrationDirection разбирает значение флага -direction.
func ParseMigrationDirection(raw string) (MigrationDirection, error) {
	switch MigrationDirection(strings.ToLower(strings.TrimSpace(raw))) {
	case MigrationUp:
		return MigrationUp, nil
	case MigrationDown:
		return MigrationDown, nil
	default:
		return "", fmt.Errorf("unsupported migration direction: %q", raw)
	}
}

type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

func (m migration) script(direction MigrationDirection) string {
	if direction == MigrationDown {
		return m.DownSQL
	}
	return m.UpSQL
}

// MigrationState описывает схему относительно встроенных миграций.
// Drifted перечисляет применённые версии, чей up-скрипт с тех пор изменился.
type MigrationState struct {
	Version int64
	Applied int
	Pending int
	Drifted []int64
}

// ErrMigrationDrift: применённая миграция не совпадает со встроенной.
var ErrMigrationDrift = errors.New("applied migration differs from embedded script")

// appliedMigration: строка schema_migrations. Пустой checksum у строк,
// записанных до появления колонки, не сравнивается.
type appliedMigration struct {
	Version  int64
	Checksum string
}

func checksum(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])
}

// MigrateUp применяет ожидающие миграции; steps=0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.migrate(ctx, MigrationUp, steps)
}

// MigrateDown откатывает steps последних миграций, минимум одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	return s.migrate(ctx, MigrationDown, max(steps, 1))
}

func (s *Store) Migrate(ctx context.Context, direction MigrationDirection, steps int) error {
	if direction == MigrationDown {
		return s.MigrateDown(ctx, steps)
	}
	return s.MigrateUp(ctx, steps)
}

func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	if s == nil || s.db == nil {
		return MigrationState{}, errors.New("postgres store is not initialized")
	}
	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return MigrationState{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := ensureMigrationTable(ctx, s.db); err != nil {
		return MigrationState{}, err
	}
	applied, err := loadApplied(ctx, s.db)
	if err != nil {
		return MigrationState{}, err
	}
	return migrationState(migrations, applied), nil
}

func migrationState(migrations []migration, applied []appliedMigration) MigrationState {
	state := MigrationState{
		Applied: len(applied),
		Pending: len(pendingMigrations(migrations, applied)),
		Drifted: driftedVersions(migrations, applied),
	}
	for _, a := range applied {
		state.Version = max(state.Version, a.Version)
	}
	return state
}

func driftedVersions(migrations []migration, applied []appliedMigration) []int64 {
	embedded := make(map[int64]string, len(migrations))
	for _, m := range migrations {
		embedded[m.Version] = checksum(m.UpSQL)
	}
	var drifted []int64
	for _, a := range applied {
		if sum, ok := embedded[a.Version]; ok && a.Checksum != "" && a.Checksum != sum {
			drifted = append(drifted, a.Version)
		}
	}
	return drifted
}

func ensureMigrationTable(ctx context.Context, q querier) error {
	for _, stmt := range migrationTableDDL {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure migration table: %w", err)
		}
	}
	return nil
}

// migrate держит advisory lock на выделенном соединении: параллельные
// экземпляры сервиса не применяют одну миграцию дважды.
func (s *Store) migrate(ctx context.Context, direction MigrationDirection, steps int) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store is not initialized")
	}
	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockKey)
	}()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return err
	}
	applied, err := loadApplied(ctx, conn)
	if err != nil {
		return err
	}
	if drifted := driftedVersions(migrations, applied); direction == MigrationUp && len(drifted) > 0 {
		return fmt.Errorf("%w: versions %v", ErrMigrationDrift, drifted)
	}

	plan, err := planMigrations(migrations, applied, direction, steps)
	if err != nil {
		return err
	}
	for _, m := range plan {
		if err := applyOne(ctx, conn, m, direction); err != nil {
			return err
		}
	}
	return nil
}

// planMigrations: up берёт ожидающие по возрастанию версии, down применённые по
// убыванию. steps<=0 снимает ограничение.
func planMigrations(migrations []migration, applied []appliedMigration, direction MigrationDirection, steps int) ([]migration, error) {
	var plan []migration
	switch direction {
	case MigrationUp:
		plan = pendingMigrations(migrations, applied)
	case MigrationDown:
		byVersion := make(map[int64]migration, len(migrations))
		for _, m := range migrations {
			byVersion[m.Version] = m
		}
		for i := len(applied) - 1; i >= 0; i-- {
			m, ok := byVersion[applied[i].Version]
			if !ok {
				return nil, fmt.Errorf("cannot rollback unknown migration version %d", applied[i].Version)
			}
			plan = append(plan, m)
		}
	default:
		return nil, fmt.Errorf("unsupported migration direction: %s", direction)
	}

	if steps > 0 && len(plan) > steps {
		plan = plan[:steps]
	}
	return plan, nil
}

func pendingMigrations(migrations []migration, applied []appliedMigration) []migration {
	done := make(map[int64]struct{}, len(applied))
	for _, a := range applied {
		done[a.Version] = struct{}{}
	}
	var pending []migration
	for _, m := range migrations {
		if _, ok := done[m.Version]; !ok {
			pending = append(pending, m)
		}
	}
	return pending
}

// applyOne выполняет скрипт и запись в schema_migrations одной транзакцией.
func applyOne(ctx context.Context, conn *sql.Conn, m migration, direction MigrationDirection) (err error) {
	label := fmt.Sprintf("%s migration %d_%s", direction, m.Version, m.Name)
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", label, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, m.script(direction)); err != nil {
		return fmt.Errorf("execute %s: %w", label, err)
	}
	if direction == MigrationDown {
		_, err = tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, m.Version)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
			m.Version, m.Name, checksum(m.UpSQL))
	}
	if err != nil {
		return fmt.Errorf("record %s: %w", label, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", label, err)
	}
	return nil
}

// loadApplied возвращает применённые миграции по возрастанию версии.
func loadApplied(ctx context.Context, q querier) ([]appliedMigration, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	var applied []appliedMigration
	for rows.Next() {
		var a appliedMigration
		if err := rows.Scan(&a.Version, &a.Checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied = append(applied, a)
	}
	return applied, rows.Err()
}

// loadMigrationsFromFS собирает пары NNNN_name.up.sql / NNNN_name.down.sql.
func loadMigrationsFromFS(fsys fs.FS) ([]migration, error) {
	files, err := fs.Glob(fsys, migrationsGlob)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*migration)
	for _, file := range files {
		base := path.Base(file)
		parts := migrationFilePattern.FindStringSubmatch(base)
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", base)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration version in %s: %w", base, err)
		}
		name, direction := parts[2], MigrationDirection(parts[3])

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", base)
		}

		m := byVersion[version]
		switch {
		case m == nil:
			m = &migration{Version: version, Name: name}
			byVersion[version] = m
		case m.Name != name:
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, m.Name, name)
		}

		target := &m.UpSQL
		if direction == MigrationDown {
			target = &m.DownSQL
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", direction, version)
		}
		*target = body
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" || m.DownSQL == "" {
			return nil, fmt.Errorf("migration %d_%s must have both up and down files", m.Version, m.Name)
		}
		migrations = append(migrations, *m)
	}
	slices.SortFunc(migrations, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return migrations, nil
}
