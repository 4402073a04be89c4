package broker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/banshee-data/vehicle.report/internal/monitoring"
	"github.com/banshee-data/vehicle.report/internal/timeutil"
)

// Replay publishes payloads to topic, one per interval, cycling until ctx is
// cancelled. It returns the number of messages published.
func Replay(ctx context.Context, pub Publisher, topic string, payloads [][]byte, interval time.Duration) (int, error) {
	return ReplayWithClock(ctx, timeutil.RealClock{}, pub, topic, payloads, interval)
}

// ReplayWithClock is Replay driven by clock. The first payload is published
// immediately; each later one waits for a tick.
func ReplayWithClock(ctx context.Context, clock timeutil.Clock, pub Publisher, topic string, payloads [][]byte, interval time.Duration) (int, error) {
	if len(payloads) == 0 {
		return 0, errors.New("replay: no payloads")
	}
	if interval <= 0 {
		return 0, fmt.Errorf("replay: invalid interval %v", interval)
	}

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
	for i := 0; ; i = (i + 1) % len(payloads) {
		if err := pub.Publish(topic, payloads[i]); err != nil {
			monitoring.Logf("replay: publish to %s failed: %v", topic, err)
		} else {
			sent++
		}
		select {
		case <-ctx.Done():
			return sent, nil
		case <-ticker.C():
		}
	}
}

// LoadFixtures reads a JSON-lines file: one payload per non-blank line.
// Lines starting with '#' are comments.
func LoadFixtures(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixtures: %w", err)
	}
	defer f.Close()

	var payloads [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		payloads = append(payloads, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read fixtures %s: %w", path, err)
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("fixtures %s: no payloads", path)
	}
	return payloads, nil
}

// SyntheticDrive generates n telemetry payloads for one vehicle: a steady
// drive whose 8-bit odometer counter advances and wraps, so a dev run
// exercises the reconciler without real hardware.
func SyntheticDrive(vehicleID, bootID string, n int, seed uint64) [][]byte {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([][]byte, 0, n)
	counter := rng.IntN(256)
	speed := 30.0
	for i := 0; i < n; i++ {
		speed += rng.Float64()*4 - 2
		speed = min(max(speed, 0), 120)
		rpm := 800 + speed*35
		gear := 1 + int(speed/25)
		counter = (counter + 1 + rng.IntN(3)) % 256

		var b bytes.Buffer
		b.WriteString(`{"vehicleId":`)
		b.WriteString(strconv.Quote(vehicleID))
		b.WriteString(`,"bootId":`)
		b.WriteString(strconv.Quote(bootID))
		fmt.Fprintf(&b, `,"rpm":%.0f,"throttle":%.1f,"speed":%.1f,"gear":%d,"brake":0,`, rpm, 10+rng.Float64()*30, speed, gear)
		fmt.Fprintf(&b, `"engineCoolantTemp":%.1f,"airIntakeTemp":%.1f,"odoMeter":%d,"steeringAngle":%.1f}`,
			85+rng.Float64()*5, 20+rng.Float64()*5, counter, rng.Float64()*20-10)
		out = append(out, b.Bytes())
	}
	return out
}
