package api

import "time"

// timeRange is a named look-back window and the bucket width used when the
// odometer series for it is aggregated.
type timeRange struct {
	Name   string
	Since  time.Time // zero means no lower bound
	Bucket time.Duration
}

var rangeNames = []string{"1h", "24h", "7d", "30d", "365d", "ytd", "all"}

// parseRange resolves a range name relative to now. An empty name uses def.
// A name outside rangeNames applies no lower bound, the same as "all", and
// is echoed back unchanged.
func parseRange(name, def string, now time.Time) timeRange {
	if name == "" {
		name = def
	}
	now = now.UTC()

	r := timeRange{Name: name, Bucket: 24 * time.Hour}
	switch name {
	case "1h":
		r.Since = now.Add(-time.Hour)
		r.Bucket = time.Minute
	case "24h":
		r.Since = now.Add(-24 * time.Hour)
		r.Bucket = time.Minute
	case "7d":
		r.Since = now.AddDate(0, 0, -7)
		r.Bucket = time.Hour
	case "30d":
		r.Since = now.AddDate(0, 0, -30)
		r.Bucket = 6 * time.Hour
	case "365d":
		r.Since = now.AddDate(0, 0, -365)
	case "ytd":
		r.Since = time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	return r
}
