package handshake

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vehicle.report/internal/broker"
	"github.com/banshee-data/vehicle.report/internal/monitoring"
)

type fakeSource struct {
	km      float64
	hasKm   bool
	raw     int
	hasRaw  bool
	kmErr   error
	rawErr  error
	rawCall int
}

func (f *fakeSource) LatestOdometerKm(context.Context) (float64, bool, error) {
	return f.km, f.hasKm, f.kmErr
}

func (f *fakeSource) LatestRawOdometer(context.Context) (int, bool, error) {
	f.rawCall++
	return f.raw, f.hasRaw, f.rawErr
}

func newResponder(src OdometerSource) (*Responder, *broker.MockBroker, *monitoring.Metrics) {
	mb := broker.NewMockBroker()
	m := monitoring.NewMetrics(prometheus.NewRegistry())
	return NewResponder(mb, src, DefaultTopics(), m), mb, m
}

func TestHandlePing_AcksOnce(t *testing.T) {
	r, mb, m := newResponder(&fakeSource{})

	require.NoError(t, r.HandlePing(context.Background(), []byte(`{"status":"ping"}`)))

	assert.Len(t, mb.Published(), 1)
	assert.Equal(t, [][]byte{[]byte(`{"status":"ack"}`)}, mb.PublishedTo("esp32mqtt/handshake/ack"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandshakeResponses.WithLabelValues(KindAck)))
}

func TestHandlePing_IgnoresOtherBodies(t *testing.T) {
	r, mb, _ := newResponder(&fakeSource{})

	for _, body := range []string{
		`{"status":"pong"}`,
		`{"status":"PING"}`,
		`{}`,
		`{"status":1}`,
		`not json`,
		``,
		`["ping"]`,
	} {
		require.NoError(t, r.HandlePing(context.Background(), []byte(body)), body)
	}
	assert.Empty(t, mb.Published())
}

func TestHandlePing_PublishFailure(t *testing.T) {
	r, mb, m := newResponder(&fakeSource{})
	mb.SetPublishError(errors.New("not connected"))

	err := r.HandlePing(context.Background(), []byte(`{"status":"ping"}`))
	require.Error(t, err)
	assert.Zero(t, testutil.ToFloat64(m.HandshakeResponses.WithLabelValues(KindAck)))
}

func TestHandleSyncRequest(t *testing.T) {
	tests := []struct {
		name    string
		src     *fakeSource
		want    string
		rawCall int
	}{
		{
			name:    "summary present",
			src:     &fakeSource{km: 1234.56, hasKm: true, raw: 17, hasRaw: true},
			want:    `{"totalOdoKm":1234.56}`,
			rawCall: 0,
		},
		{
			name:    "falls back to raw counter",
			src:     &fakeSource{raw: 42, hasRaw: true},
			want:    `{"totalOdoKm":42}`,
			rawCall: 1,
		},
		{
			name:    "nothing recorded",
			src:     &fakeSource{},
			want:    `{"totalOdoKm":0}`,
			rawCall: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, mb, m := newResponder(tt.src)

			// the body is never inspected
			require.NoError(t, r.HandleSyncRequest(context.Background(), []byte("garbage")))

			assert.Equal(t, [][]byte{[]byte(tt.want)}, mb.PublishedTo("esp32mqtt/odometer/sync/response"))
			assert.Len(t, mb.Published(), 1)
			assert.Equal(t, tt.rawCall, tt.src.rawCall)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.HandshakeResponses.WithLabelValues(KindSync)))
		})
	}
}

func TestHandleSyncRequest_LookupFailurePublishesNothing(t *testing.T) {
	for name, src := range map[string]*fakeSource{
		"summary lookup":   {kmErr: errors.New("database is locked")},
		"telemetry lookup": {rawErr: errors.New("database is locked")},
	} {
		t.Run(name, func(t *testing.T) {
			r, mb, _ := newResponder(src)
			err := r.HandleSyncRequest(context.Background(), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "database is locked")
			assert.Empty(t, mb.Published())
		})
	}
}

func TestRegister_RoutesRequestTopics(t *testing.T) {
	r, mb, _ := newResponder(&fakeSource{km: 5, hasKm: true})
	router := broker.NewRouter(4)
	r.Register(router)

	assert.Equal(t, []string{"esp32mqtt/handshake", "esp32mqtt/odometer/sync"}, router.Topics())

	ctx := context.Background()
	require.NoError(t, router.Dispatch(ctx, broker.Message{Topic: "esp32mqtt/handshake", Payload: []byte(`{"status":"ping"}`)}))
	require.NoError(t, router.Dispatch(ctx, broker.Message{Topic: "esp32mqtt/odometer/sync"}))

	got := mb.Published()
	require.Len(t, got, 2)
	assert.Equal(t, "esp32mqtt/handshake/ack", got[0].Topic)
	assert.Equal(t, "esp32mqtt/odometer/sync/response", got[1].Topic)
	assert.Equal(t, `{"totalOdoKm":5}`, string(got[1].Payload))
}
