package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/vehicle.report/internal/httputil"
)

// handleOdometerChart renders the bucketed odometer series as an HTML line
// chart. It takes the same query parameters as /api/telemetry/odometer.
func (s *Server) handleOdometerChart(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}

	series, ok := s.odometerSeries(w, r)
	if !ok {
		return
	}

	x := make([]string, len(series.Data))
	y := make([]opts.LineData, len(series.Data))
	for i, p := range series.Data {
		x[i] = p.Bucket.Format(time.RFC3339)
		y[i] = opts.LineData{Value: p.Odo}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Odometer", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Odometer " + series.VehicleID,
			Subtitle: fmt.Sprintf("range=%s interval=%dm points=%d", series.Range, series.IntervalMinutes, series.Count),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Name: series.Units, Scale: opts.Bool(true)}),
	)
	line.SetXAxis(x).AddSeries("total", y)

	page := components.NewPage()
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
