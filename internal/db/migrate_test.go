package db

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openUnmigrated(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "unmigrated.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n))
	return n > 0
}

func TestLatestMigrationVersion(t *testing.T) {
	v, err := LatestMigrationVersion(MigrationsFS())
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)

	_, err = LatestMigrationVersion(fstest.MapFS{"README.md": {Data: []byte("x")}})
	assert.Error(t, err)
}

func TestMigrateUpDown(t *testing.T) {
	db := openUnmigrated(t)
	migrations := MigrationsFS()

	version, dirty, err := db.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateUp(migrations))
	assert.True(t, tableExists(t, db, "vehicle_telemetry"))
	assert.True(t, tableExists(t, db, "vehicle_odometer"))

	// already at latest
	require.NoError(t, db.MigrateUp(migrations))

	require.NoError(t, db.MigrateDown(migrations))
	version, _, err = db.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)
	assert.False(t, tableExists(t, db, "vehicle_odometer"))
	assert.True(t, tableExists(t, db, "vehicle_telemetry"))

	require.NoError(t, db.MigrateTo(migrations, 2))
	assert.True(t, tableExists(t, db, "vehicle_odometer"))
}

func TestMigrateForce(t *testing.T) {
	db := openUnmigrated(t)
	migrations := MigrationsFS()

	require.NoError(t, db.MigrateForce(migrations, 1))
	version, dirty, err := db.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)
	assert.False(t, dirty)
	// forcing records the version without running the migration
	assert.False(t, tableExists(t, db, "vehicle_telemetry"))
}

func TestRunMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")

	var out bytes.Buffer
	require.NoError(t, RunMigrateCommand([]string{"status"}, path, nil, &out))
	assert.Contains(t, out.String(), "Current version: 0")
	assert.Contains(t, out.String(), "2 migration(s) pending")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"up"}, path, nil, &out))
	assert.Contains(t, out.String(), "Current version: 2")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"status"}, path, nil, &out))
	assert.Contains(t, out.String(), "up to date")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"down"}, path, nil, &out))
	assert.Contains(t, out.String(), "Current version: 1")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"version", "2"}, path, nil, &out))
	assert.Contains(t, out.String(), "Migrated to version 2")
}

func TestRunMigrateCommand_ForceNeedsConfirmation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "force.db")

	var out bytes.Buffer
	require.NoError(t, RunMigrateCommand([]string{"force", "1"}, path, strings.NewReader("n\n"), &out))
	assert.Contains(t, out.String(), "Aborted")

	db, err := OpenDB(path)
	require.NoError(t, err)
	version, _, err := db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Zero(t, version)
	require.NoError(t, db.Close())

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"force", "1"}, path, strings.NewReader("y\n"), &out))
	assert.Contains(t, out.String(), "forced to 1")
}

func TestRunMigrateCommand_BadInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.db")
	var out bytes.Buffer

	assert.Error(t, RunMigrateCommand(nil, path, nil, &out))
	assert.Contains(t, out.String(), "Usage: vehicle-report migrate")

	assert.Error(t, RunMigrateCommand([]string{"sideways"}, path, nil, &out))
	assert.Error(t, RunMigrateCommand([]string{"version"}, path, nil, &out))
	assert.Error(t, RunMigrateCommand([]string{"version", "abc"}, path, nil, &out))
	assert.Error(t, RunMigrateCommand([]string{"force", "-x"}, path, nil, &out))

	out.Reset()
	assert.NoError(t, RunMigrateCommand([]string{"help"}, path, nil, &out))
	assert.Contains(t, out.String(), "Commands:")
}
