package postgres

import (
	"reflect"
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMigrationsFromFS_Success(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0002_more.up.sql":   {Data: []byte("CREATE TABLE test_b (id INT);")},
		"sql/migrations/0002_more.down.sql": {Data: []byte("DROP TABLE IF EXISTS test_b;")},
		"sql/migrations/0001_init.up.sql":   {Data: []byte("CREATE TABLE test_a (id INT);")},
		"sql/migrations/0001_init.down.sql": {Data: []byte("DROP TABLE IF EXISTS test_a;")},
	}

	migrations, err := loadMigrationsFromFS(fsys)
	if err != nil {
		t.Fatalf("loadMigrationsFromFS failed: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "init" {
		t.Fatalf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[1].Version != 2 || migrations[1].script(MigrationDown) != "DROP TABLE IF EXISTS test_b;" {
		t.Fatalf("unexpected second migration: %+v", migrations[1])
	}
}

func TestLoadMigrationsFromFS_Errors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		fsys fstest.MapFS
		want string
	}{
		"missing down": {
			fsys: fstest.MapFS{"sql/migrations/0001_init.up.sql": {Data: []byte("SELECT 1;")}},
			want: "both up and down",
		},
		"invalid name": {
			fsys: fstest.MapFS{"sql/migrations/not_a_migration.sql": {Data: []byte("SELECT 1;")}},
			want: "invalid migration file name",
		},
		"empty body": {
			fsys: fstest.MapFS{
				"sql/migrations/0001_init.up.sql":   {Data: []byte("   \n")},
				"sql/migrations/0001_init.down.sql": {Data: []byte("SELECT 1;")},
			},
			want: "empty",
		},
		"name mismatch": {
			fsys: fstest.MapFS{
				"sql/migrations/0001_init.up.sql":    {Data: []byte("SELECT 1;")},
				"sql/migrations/0001_other.down.sql": {Data: []byte("SELECT 1;")},
			},
			want: "name mismatch",
		},
		"no files": {
			fsys: fstest.MapFS{},
			want: "no migration files",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadMigrationsFromFS(tc.fsys)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		t.Fatalf("embedded migrations: %v", err)
	}
	if len(migrations) < 2 || !strings.Contains(migrations[0].UpSQL, "stock_entries") {
		t.Fatalf("unexpected embedded migrations: %+v", migrations)
	}
	if last := migrations[len(migrations)-1]; !strings.Contains(last.UpSQL, "carts ADD COLUMN IF NOT EXISTS version") {
		t.Fatalf("cart version migration missing: %+v", last)
	}
}

func TestPlanMigrations(t *testing.T) {
	migrations := []migration{
		{Version: 1, Name: "a"},
		{Version: 2, Name: "b"},
		{Version: 3, Name: "c"},
	}

	up, err := planMigrations(migrations, applied(1), MigrationUp, 0)
	if err != nil || len(up) != 2 || up[0].Version != 2 {
		t.Fatalf("unexpected up plan: %+v, %v", up, err)
	}

	upOne, _ := planMigrations(migrations, nil, MigrationUp, 1)
	if len(upOne) != 1 || upOne[0].Version != 1 {
		t.Fatalf("unexpected limited up plan: %+v", upOne)
	}

	down, err := planMigrations(migrations, applied(1, 2, 3), MigrationDown, 2)
	if err != nil || len(down) != 2 || down[0].Version != 3 || down[1].Version != 2 {
		t.Fatalf("unexpected down plan: %+v, %v", down, err)
	}

	if _, err := planMigrations(migrations, applied(9), MigrationDown, 1); err == nil {
		t.Fatal("expected error for unknown applied version")
	}
	if _, err := planMigrations(migrations, nil, MigrationDirection("sideways"), 1); err == nil {
		t.Fatal("expected unsupported direction error")
	}
}

func applied(versions ...int64) []appliedMigration {
	out := make([]appliedMigration, 0, len(versions))
	for _, v := range versions {
		out = append(out, appliedMigration{Version: v})
	}
	return out
}

func TestMigrationState(t *testing.T) {
	migrations := []migration{
		{Version: 1, Name: "init", UpSQL: "CREATE TABLE a (id INT);"},
		{Version: 2, Name: "more", UpSQL: "CREATE TABLE b (id INT);"},
		{Version: 3, Name: "last", UpSQL: "CREATE TABLE c (id INT);"},
	}

	cases := map[string]struct {
		applied []appliedMigration
		want    MigrationState
	}{
		"fresh schema": {want: MigrationState{Pending: 3}},
		"matching checksums": {
			applied: []appliedMigration{
				{Version: 1, Checksum: checksum(migrations[0].UpSQL)},
				{Version: 2, Checksum: checksum(migrations[1].UpSQL)},
			},
			want: MigrationState{Version: 2, Applied: 2, Pending: 1},
		},
		"legacy rows without checksum": {
			applied: applied(1, 2, 3),
			want:    MigrationState{Version: 3, Applied: 3},
		},
		"edited script": {
			applied: []appliedMigration{
				{Version: 1, Checksum: checksum(migrations[0].UpSQL)},
				{Version: 2, Checksum: checksum("CREATE TABLE b (id BIGINT);")},
			},
			want: MigrationState{Version: 2, Applied: 2, Pending: 1, Drifted: []int64{2}},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := migrationState(migrations, tc.applied)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("migrationState = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestChecksum(t *testing.T) {
	if checksum("SELECT 1;") != checksum("SELECT 1;") {
		t.Fatal("checksum must be deterministic")
	}
	if checksum("SELECT 1;") == checksum("SELECT 2;") {
		t.Fatal("different scripts must not collide")
	}
	if len(checksum("")) != 64 {
		t.Fatalf("expected hex sha256, got %q", checksum(""))
	}
}

func TestParseMigrationDirection(t *testing.T) {
	if d, err := ParseMigrationDirection(" UP "); err != nil || d != MigrationUp {
		t.Fatalf("unexpected: %s %v", d, err)
	}
	if _, err := ParseMigrationDirection("status"); err == nil {
		t.Fatal("expected error")
	}
}
