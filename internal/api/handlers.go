package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/vehicle.report/internal/db"
	"github.com/banshee-data/vehicle.report/internal/httputil"
	"github.com/banshee-data/vehicle.report/internal/odometer"
	"github.com/banshee-data/vehicle.report/internal/units"
)

// historyResponse keeps the dashboard's {count, data} contract; each data
// entry is {"timestamp": t, <metric>: v}. summary is additive.
type historyResponse struct {
	VehicleID string                   `json:"vehicleId"`
	Metric    string                   `json:"metric"`
	Range     string                   `json:"range"`
	Count     int                      `json:"count"`
	Data      []map[string]interface{} `json:"data"`
	Summary   Summary                  `json:"summary"`
}

type odometerPoint struct {
	Bucket time.Time `json:"bucket"`
	Odo    float64   `json:"odo"`
}

// odometerSeriesResponse keeps the dashboard's {intervalMinutes, count, data}
// contract; units is additive.
type odometerSeriesResponse struct {
	VehicleID       string          `json:"vehicleId"`
	Range           string          `json:"range"`
	IntervalMinutes int             `json:"intervalMinutes"`
	Count           int             `json:"count"`
	Data            []odometerPoint `json:"data"`
	Units           string          `json:"units"`
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}

	limit, err := httputil.QueryInt(r, "limit", defaultLatestLimit, 1, maxLatestLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	records, err := s.store.RecentTelemetry(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve telemetry: %v", err))
		return
	}
	httputil.WriteJSONOK(w, records)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}

	q := r.URL.Query()
	vehicleID := q.Get("vehicleId")
	if vehicleID == "" {
		httputil.BadRequest(w, "Missing 'vehicleId' parameter")
		return
	}
	metric := q.Get("metric")
	if !db.IsValidMetric(metric) {
		httputil.BadRequest(w, fmt.Sprintf("Invalid 'metric' parameter: must be one of %s", strings.Join(db.Metrics(), ", ")))
		return
	}
	tr := parseRange(q.Get("range"), "24h", s.clock.Now())

	points, err := s.store.MetricHistory(r.Context(), vehicleID, metric, tr.Since)
	if errors.Is(err, db.ErrUnknownMetric) {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve history: %v", err))
		return
	}

	values := make([]float64, len(points))
	data := make([]map[string]interface{}, len(points))
	for i, p := range points {
		values[i] = p.Value
		data[i] = map[string]interface{}{"timestamp": p.Time, metric: p.Value}
	}
	httputil.WriteJSONOK(w, historyResponse{
		VehicleID: vehicleID,
		Metric:    metric,
		Range:     tr.Name,
		Count:     len(data),
		Data:      data,
		Summary:   summarize(values),
	})
}

func (s *Server) handleOdometerSeries(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}

	resp, ok := s.odometerSeries(w, r)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, resp)
}

// odometerSeries validates the query and loads the bucketed series. On
// failure it has already written the error response.
func (s *Server) odometerSeries(w http.ResponseWriter, r *http.Request) (odometerSeriesResponse, bool) {
	q := r.URL.Query()
	vehicleID := q.Get("vehicleId")
	if vehicleID == "" {
		httputil.BadRequest(w, "Missing 'vehicleId' parameter")
		return odometerSeriesResponse{}, false
	}
	unit := q.Get("units")
	if unit == "" {
		unit = s.units
	}
	if !units.IsValid(unit) {
		httputil.BadRequest(w, fmt.Sprintf("Invalid 'units' parameter: must be one of %s", units.GetValidUnitsString()))
		return odometerSeriesResponse{}, false
	}
	tr := parseRange(q.Get("range"), "30d", s.clock.Now())

	buckets, err := s.store.OdometerBuckets(r.Context(), vehicleID, tr.Since, tr.Bucket)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve odometer history: %v", err))
		return odometerSeriesResponse{}, false
	}

	data := make([]odometerPoint, len(buckets))
	for i, b := range buckets {
		data[i] = odometerPoint{
			Bucket: b.Start.UTC(),
			Odo:    units.ConvertDistance(b.TotalOdoKm, unit),
		}
	}
	return odometerSeriesResponse{
		VehicleID:       vehicleID,
		Range:           tr.Name,
		IntervalMinutes: int(tr.Bucket / time.Minute),
		Count:           len(data),
		Data:            data,
		Units:           unit,
	}, true
}

func (s *Server) handleOdometers(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}

	summaries, err := s.store.Odometers(r.Context())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve odometers: %v", err))
		return
	}
	httputil.WriteJSONOK(w, summaries)
}

func (s *Server) handleLiveOdometers(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	states := []odometer.State{}
	if s.live != nil {
		states = append(states, s.live.States()...)
	}
	httputil.WriteJSONOK(w, states)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}

	httputil.WriteJSONOK(w, map[string]interface{}{
		"units":         s.units,
		"topics":        s.topics,
		"flushInterval": s.flushInterval.String(),
		"metrics":       db.Metrics(),
		"ranges":        rangeNames,
	})
}
