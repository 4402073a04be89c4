package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/vehicle.report/internal/ingest"
	"github.com/banshee-data/vehicle.report/internal/telemetry"
)

// ErrUnknownMetric is returned for a metric name outside the history
// whitelist.
var ErrUnknownMetric = errors.New("unknown metric")

// metricColumns maps the JSON metric names the dashboard asks for onto
// vehicle_telemetry columns. Only these names ever reach a query.
var metricColumns = map[string]string{
	"speed":             "speed",
	"rpm":               "rpm",
	"throttle":          "throttle",
	"gear":              "gear",
	"brake":             "brake",
	"engineCoolantTemp": "engine_coolant_temp",
	"airIntakeTemp":     "air_intake_temp",
	"odoMeter":          "odo_meter",
	"steeringAngle":     "steering_angle",
	"totalOdoKm":        "total_odo_km",
}

// Metrics returns the metric names accepted by MetricHistory, sorted.
func Metrics() []string {
	names := make([]string, 0, len(metricColumns))
	for name := range metricColumns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsValidMetric reports whether MetricHistory accepts metric.
func IsValidMetric(metric string) bool {
	_, ok := metricColumns[metric]
	return ok
}

// TelemetryRecord is a persisted telemetry row.
type TelemetryRecord struct {
	ID int64 `json:"id"`
	telemetry.EnrichedSample
}

// MetricPoint is one value of a metric time series.
type MetricPoint struct {
	Time  time.Time `json:"timestamp"`
	Value float64   `json:"value"`
}

// OdometerBucket is the furthest cumulative distance seen in one time bucket.
type OdometerBucket struct {
	Start      time.Time `json:"bucketStart"`
	TotalOdoKm float64   `json:"totalOdoKm"`
}

const telemetryColumns = `id, vehicle_id, rpm, throttle, speed, gear, brake,
	engine_coolant_temp, air_intake_temp, odo_meter, boot_id, steering_angle,
	total_odo_km, received_unix_ms`

// InsertTelemetry writes batch in a single transaction.
func (db *DB) InsertTelemetry(ctx context.Context, batch []telemetry.EnrichedSample) (int64, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vehicle_telemetry (
			vehicle_id, rpm, throttle, speed, gear, brake,
			engine_coolant_temp, air_intake_temp, odo_meter, boot_id,
			steering_angle, total_odo_km, received_unix_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range batch {
		if _, err := stmt.ExecContext(ctx,
			s.VehicleID,
			s.RPM,
			s.Throttle,
			s.Speed,
			s.Gear,
			s.Brake,
			s.EngineCoolantTemp,
			s.AirIntakeTemp,
			s.OdoMeter,
			s.BootID,
			s.SteeringAngle,
			s.TotalOdoKm,
			s.ReceivedAt.UnixMilli(),
		); err != nil {
			return 0, fmt.Errorf("failed to insert telemetry for %s: %w", s.VehicleID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit telemetry batch: %w", err)
	}
	return int64(len(batch)), nil
}

// UpsertOdometer creates or replaces the summary row for s.VehicleID.
func (db *DB) UpsertOdometer(ctx context.Context, s ingest.Summary) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO vehicle_odometer (vehicle_id, total_odo_km, updated_unix_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(vehicle_id) DO UPDATE SET
			total_odo_km = excluded.total_odo_km,
			updated_unix_ms = excluded.updated_unix_ms
	`, s.VehicleID, s.TotalOdoKm, s.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert odometer for %s: %w", s.VehicleID, err)
	}
	return nil
}

// LatestOdometer returns the most recently updated summary across all
// vehicles, or nil if there is none.
func (db *DB) LatestOdometer(ctx context.Context) (*ingest.Summary, error) {
	row := db.QueryRowContext(ctx, `
		SELECT vehicle_id, total_odo_km, updated_unix_ms
		FROM vehicle_odometer
		ORDER BY updated_unix_ms DESC, vehicle_id
		LIMIT 1
	`)
	s, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest odometer: %w", err)
	}
	return &s, nil
}

// Odometers returns every summary ordered by vehicle id.
func (db *DB) Odometers(ctx context.Context) ([]ingest.Summary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT vehicle_id, total_odo_km, updated_unix_ms
		FROM vehicle_odometer
		ORDER BY vehicle_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query odometers: %w", err)
	}
	defer rows.Close()

	summaries := []ingest.Summary{}
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan odometer: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// LatestTelemetry returns the newest telemetry row, or nil if there is none.
func (db *DB) LatestTelemetry(ctx context.Context) (*TelemetryRecord, error) {
	records, err := db.RecentTelemetry(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// RecentTelemetry returns up to limit rows, newest first.
func (db *DB) RecentTelemetry(ctx context.Context, limit int) ([]TelemetryRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid limit %d", limit)
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+telemetryColumns+`
		FROM vehicle_telemetry
		ORDER BY received_unix_ms DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry: %w", err)
	}
	defer rows.Close()

	records := []TelemetryRecord{}
	for rows.Next() {
		var (
			r          TelemetryRecord
			steering   sql.NullFloat64
			receivedMs int64
		)
		if err := rows.Scan(
			&r.ID,
			&r.VehicleID,
			&r.RPM,
			&r.Throttle,
			&r.Speed,
			&r.Gear,
			&r.Brake,
			&r.EngineCoolantTemp,
			&r.AirIntakeTemp,
			&r.OdoMeter,
			&r.BootID,
			&steering,
			&r.TotalOdoKm,
			&receivedMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry: %w", err)
		}
		if steering.Valid {
			v := steering.Float64
			r.SteeringAngle = &v
		}
		r.ReceivedAt = time.UnixMilli(receivedMs).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// MetricHistory returns the time series of one metric for a vehicle since
// the given time, oldest first. A zero since returns the whole history.
func (db *DB) MetricHistory(ctx context.Context, vehicleID, metric string, since time.Time) ([]MetricPoint, error) {
	column, ok := metricColumns[metric]
	if !ok {
		return nil, fmt.Errorf("%w: %q (want one of %s)", ErrUnknownMetric, metric, strings.Join(Metrics(), ", "))
	}

	rows, err := db.QueryContext(ctx, `
		SELECT received_unix_ms, `+column+`
		FROM vehicle_telemetry
		WHERE vehicle_id = ? AND received_unix_ms >= ? AND `+column+` IS NOT NULL
		ORDER BY received_unix_ms, id
	`, vehicleID, sinceMillis(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s history: %w", metric, err)
	}
	defer rows.Close()

	points := []MetricPoint{}
	for rows.Next() {
		var ms int64
		var v float64
		if err := rows.Scan(&ms, &v); err != nil {
			return nil, fmt.Errorf("failed to scan %s history: %w", metric, err)
		}
		points = append(points, MetricPoint{Time: time.UnixMilli(ms).UTC(), Value: v})
	}
	return points, rows.Err()
}

// OdometerBuckets groups a vehicle's rows since the given time into buckets
// of the given width and returns the maximum cumulative distance of each.
func (db *DB) OdometerBuckets(ctx context.Context, vehicleID string, since time.Time, bucket time.Duration) ([]OdometerBucket, error) {
	width := bucket.Milliseconds()
	if width <= 0 {
		return nil, fmt.Errorf("invalid bucket width %v", bucket)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT (received_unix_ms / ?) * ? AS bucket_ms, MAX(total_odo_km)
		FROM vehicle_telemetry
		WHERE vehicle_id = ? AND received_unix_ms >= ?
		GROUP BY bucket_ms
		ORDER BY bucket_ms
	`, width, width, vehicleID, sinceMillis(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query odometer buckets: %w", err)
	}
	defer rows.Close()

	buckets := []OdometerBucket{}
	for rows.Next() {
		var ms int64
		var km float64
		if err := rows.Scan(&ms, &km); err != nil {
			return nil, fmt.Errorf("failed to scan odometer bucket: %w", err)
		}
		buckets = append(buckets, OdometerBucket{Start: time.UnixMilli(ms).UTC(), TotalOdoKm: km})
	}
	return buckets, rows.Err()
}

// LatestOdometerKm returns the distance of the most recently updated summary.
func (db *DB) LatestOdometerKm(ctx context.Context) (float64, bool, error) {
	s, err := db.LatestOdometer(ctx)
	if err != nil || s == nil {
		return 0, false, err
	}
	return s.TotalOdoKm, true, nil
}

// LatestRawOdometer returns the raw counter of the newest telemetry row.
func (db *DB) LatestRawOdometer(ctx context.Context) (int, bool, error) {
	r, err := db.LatestTelemetry(ctx)
	if err != nil || r == nil {
		return 0, false, err
	}
	return r.OdoMeter, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (ingest.Summary, error) {
	var s ingest.Summary
	var updatedMs int64
	if err := row.Scan(&s.VehicleID, &s.TotalOdoKm, &updatedMs); err != nil {
		return ingest.Summary{}, err
	}
	s.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return s, nil
}

func sinceMillis(since time.Time) int64 {
	if since.IsZero() {
		return 0
	}
	return since.UnixMilli()
}
