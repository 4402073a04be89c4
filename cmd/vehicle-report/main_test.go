package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vehicle.report/internal/broker"
	"github.com/banshee-data/vehicle.report/internal/config"
	"github.com/banshee-data/vehicle.report/internal/ingest"
	"github.com/banshee-data/vehicle.report/internal/odometer"
	"github.com/banshee-data/vehicle.report/internal/telemetry"
)

func parseFlags(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	var opts options
	fs := newFlagSet(&opts)
	require.NoError(t, fs.Parse(args))
	return loadConfig(fs, &opts)
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	cfg, err := parseFlags(t)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vehicle.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  listen: \":9000\"\ndatabase:\n  path: from-file.db\n"), 0o644))

	cfg, err := parseFlags(t, "--config", path, "--db-path", "from-flag.db", "--broker", "tcp://10.0.0.2:1883")
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTP.Listen)
	assert.Equal(t, "from-flag.db", cfg.Database.Path)
	assert.Equal(t, "tcp://10.0.0.2:1883", cfg.Broker.URL)
}

func TestLoadConfig_RejectsConflictingModes(t *testing.T) {
	_, err := parseFlags(t, "--dev", "--disable-broker")
	assert.Error(t, err)

	_, err = parseFlags(t, "--fixtures", "drive.jsonl")
	assert.Error(t, err)
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"--version"}, nil, &out))
	assert.Contains(t, out.String(), "vehicle-report dev")
}

func TestRun_MigrateStatus(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "vehicle.db")
	var out bytes.Buffer
	require.NoError(t, run([]string{"migrate", "up", "--db-path", dbPath}, nil, &out))
	out.Reset()
	require.NoError(t, run([]string{"migrate", "status", "--db-path", dbPath}, nil, &out))
	assert.Contains(t, out.String(), "Current version: 2")

	assert.Error(t, run([]string{"migrate", "sideways", "--db-path", dbPath}, nil, &out))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "malformed", classify(fmt.Errorf("x: %w", telemetry.ErrMalformed)))
	assert.Equal(t, "invalid", classify(fmt.Errorf("x: %w", telemetry.ErrInvalidPayload)))
	assert.Equal(t, "handler", classify(errors.New("boom")))
}

type fakeLister struct {
	summaries []ingest.Summary
	err       error
}

func (f fakeLister) Odometers(context.Context) ([]ingest.Summary, error) {
	return f.summaries, f.err
}

func TestRestoreOdometers(t *testing.T) {
	r := odometer.New()
	lister := fakeLister{summaries: []ingest.Summary{
		{VehicleID: "A", TotalOdoKm: 12.34, UpdatedAt: time.Now()},
		{VehicleID: "B", TotalOdoKm: 0.5},
	}}
	require.NoError(t, restoreOdometers(context.Background(), lister, r))

	got, ok := r.State("A")
	require.True(t, ok)
	assert.InDelta(t, 12.34, got.AccumulatedKm, 1e-9)
	assert.False(t, got.Baselined)
	assert.Len(t, r.States(), 2)

	assert.Error(t, restoreOdometers(context.Background(), fakeLister{err: errors.New("locked")}, odometer.New()))
}

func TestNewBrokerClient_Modes(t *testing.T) {
	cfg := config.Default()
	cfg.Dev.DisableBroker = true
	client, replay, err := newBrokerClient(cfg)
	require.NoError(t, err)
	assert.IsType(t, &broker.DisabledBroker{}, client)
	assert.Nil(t, replay)

	cfg = config.Default()
	cfg.Dev.Enabled = true
	client, replay, err = newBrokerClient(cfg)
	require.NoError(t, err)
	assert.IsType(t, &broker.MockBroker{}, client)
	assert.Len(t, replay, syntheticDriveLength)

	fixtures := filepath.Join(t.TempDir(), "drive.jsonl")
	require.NoError(t, os.WriteFile(fixtures, []byte("{\"odoMeter\":1}\n{\"odoMeter\":2}\n"), 0o644))
	cfg.Dev.Fixtures = fixtures
	_, replay, err = newBrokerClient(cfg)
	require.NoError(t, err)
	assert.Len(t, replay, 2)
}
