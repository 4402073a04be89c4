// Package handshake answers the out-of-band requests a vehicle controller
// makes besides streaming telemetry: a liveness ping and a request for the
// last known cumulative distance after it restarts.
package handshake

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/banshee-data/vehicle.report/internal/broker"
	"github.com/banshee-data/vehicle.report/internal/monitoring"
)

// Response kinds recorded against handshake_responses_total.
const (
	KindAck  = "ack"
	KindSync = "sync"
)

// Topics names the request topics the responder consumes and the paired
// topics it answers on.
type Topics struct {
	HandshakeRequest  string `yaml:"handshake_request" json:"handshakeRequest"`
	HandshakeResponse string `yaml:"handshake_response" json:"handshakeResponse"`
	SyncRequest       string `yaml:"sync_request" json:"syncRequest"`
	SyncResponse      string `yaml:"sync_response" json:"syncResponse"`
}

func DefaultTopics() Topics {
	return Topics{
		HandshakeRequest:  "esp32mqtt/handshake",
		HandshakeResponse: "esp32mqtt/handshake/ack",
		SyncRequest:       "esp32mqtt/odometer/sync",
		SyncResponse:      "esp32mqtt/odometer/sync/response",
	}
}

// OdometerSource looks up the values a sync response is built from. The bool
// result is false when nothing has been recorded yet.
type OdometerSource interface {
	// LatestOdometerKm returns the cumulative distance from the most recently
	// updated odometer summary.
	LatestOdometerKm(ctx context.Context) (float64, bool, error)
	// LatestRawOdometer returns the raw counter of the newest telemetry row.
	LatestRawOdometer(ctx context.Context) (int, bool, error)
}

type Responder struct {
	pub     broker.Publisher
	src     OdometerSource
	topics  Topics
	metrics *monitoring.Metrics
}

func NewResponder(pub broker.Publisher, src OdometerSource, topics Topics, m *monitoring.Metrics) *Responder {
	return &Responder{pub: pub, src: src, topics: topics, metrics: m}
}

// Register routes both request topics on r.
func (r *Responder) Register(router *broker.Router) {
	router.Handle(r.topics.HandshakeRequest, r.HandlePing)
	router.Handle(r.topics.SyncRequest, r.HandleSyncRequest)
}

type statusMessage struct {
	Status string `json:"status"`
}

type syncResponse struct {
	TotalOdoKm float64 `json:"totalOdoKm"`
}

// HandlePing acknowledges a {"status":"ping"} request. Any other body,
// including one that is not JSON, is ignored without error.
func (r *Responder) HandlePing(_ context.Context, payload []byte) error {
	var req statusMessage
	if err := json.Unmarshal(payload, &req); err != nil || req.Status != "ping" {
		return nil
	}

	body, err := json.Marshal(statusMessage{Status: "ack"})
	if err != nil {
		return err
	}
	if err := r.pub.Publish(r.topics.HandshakeResponse, body); err != nil {
		return fmt.Errorf("handshake ack: %w", err)
	}
	r.metrics.ObserveHandshake(KindAck)
	return nil
}

// HandleSyncRequest publishes the last known cumulative distance. The request
// body is not inspected. If no summary has been written yet, the newest raw
// counter value is sent instead; with no data at all the answer is 0. A
// lookup failure publishes nothing and the device is expected to retry.
func (r *Responder) HandleSyncRequest(ctx context.Context, _ []byte) error {
	total, err := r.lastKnownKm(ctx)
	if err != nil {
		return fmt.Errorf("odometer sync: %w", err)
	}

	body, err := json.Marshal(syncResponse{TotalOdoKm: total})
	if err != nil {
		return err
	}
	if err := r.pub.Publish(r.topics.SyncResponse, body); err != nil {
		return fmt.Errorf("odometer sync: %w", err)
	}
	r.metrics.ObserveHandshake(KindSync)
	monitoring.Logf("odometer sync: answered %.2f km", total)
	return nil
}

func (r *Responder) lastKnownKm(ctx context.Context) (float64, error) {
	km, ok, err := r.src.LatestOdometerKm(ctx)
	if err != nil {
		return 0, fmt.Errorf("latest odometer summary: %w", err)
	}
	if ok {
		return km, nil
	}

	// the raw counter is not a distance; kept because deployed controllers
	// already depend on getting it back before the first summary exists
	raw, ok, err := r.src.LatestRawOdometer(ctx)
	if err != nil {
		return 0, fmt.Errorf("latest telemetry: %w", err)
	}
	if ok {
		return float64(raw), nil
	}
	return 0, nil
}
