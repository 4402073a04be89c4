package odometer

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcile_FirstSampleIsZero(t *testing.T) {
	for _, raw := range []int{0, 1, 128, 255} {
		r := New()
		assert.Equal(t, 0.0, r.Reconcile("truck-1", raw, ""), "raw=%d", raw)
	}
}

func TestReconcile_ForwardStep(t *testing.T) {
	r := New()
	r.Reconcile("truck-1", 10, "")

	assert.Equal(t, 0.05, r.Reconcile("truck-1", 15, ""))
	assert.Equal(t, 1.05, r.Reconcile("truck-1", 115, ""))
}

func TestReconcile_Wraparound(t *testing.T) {
	r := New()
	r.Reconcile("truck-1", 250, "")

	// 250 -> 5 is 11 counter units forward, not 245 backward
	assert.Equal(t, 0.11, r.Reconcile("truck-1", 5, ""))

	st, ok := r.State("truck-1")
	require.True(t, ok)
	assert.Equal(t, 5, st.LastCounter)
}

func TestReconcile_WrapByOne(t *testing.T) {
	r := New()
	r.Reconcile("truck-1", 255, "")
	assert.Equal(t, 0.01, r.Reconcile("truck-1", 0, ""))
}

func TestReconcile_RepeatedReadingAddsNothing(t *testing.T) {
	r := New()
	r.Reconcile("truck-1", 42, "")
	assert.Equal(t, 0.0, r.Reconcile("truck-1", 42, ""))
}

func TestReconcile_RebootDoesNotApplyWrapMath(t *testing.T) {
	r := New()
	r.Reconcile("truck-1", 100, "A")
	before := r.Reconcile("truck-1", 200, "A")
	require.Equal(t, 1.0, before)

	// without the boot id change this would be read as a 59 unit wrap
	after := r.Reconcile("truck-1", 3, "B")
	assert.Equal(t, before, after)

	st, _ := r.State("truck-1")
	assert.Equal(t, "B", st.BootID)
	assert.Equal(t, 3, st.LastCounter)

	// counting resumes from the new baseline
	assert.Equal(t, 1.04, r.Reconcile("truck-1", 7, "B"))
}

func TestReconcile_MissingBootIDKeepsStoredBoot(t *testing.T) {
	r := New()
	r.Reconcile("truck-1", 10, "A")
	r.Reconcile("truck-1", 20, "")

	st, _ := r.State("truck-1")
	assert.Equal(t, "A", st.BootID)
	assert.Equal(t, 0.1, st.AccumulatedKm)

	// a later sample with the same boot id is a normal step
	assert.Equal(t, 0.2, r.Reconcile("truck-1", 30, "A"))
}

func TestReconcile_FirstBootIDAfterAnonymousSamples(t *testing.T) {
	r := New()
	r.Reconcile("truck-1", 10, "")
	r.Reconcile("truck-1", 20, "")

	// stored boot id is empty, so the first reported one counts as a change
	assert.Equal(t, 0.1, r.Reconcile("truck-1", 200, "A"))
	assert.Equal(t, 0.15, r.Reconcile("truck-1", 205, "A"))
}

func TestReconcile_NonDecreasingWithoutReboot(t *testing.T) {
	rng := rand.New(rand.NewSource(20261019))
	r := New()

	raw := rng.Intn(256)
	prev := r.Reconcile("truck-1", raw, "boot")
	for i := 0; i < 10000; i++ {
		raw = (raw + rng.Intn(200)) % 256
		got := r.Reconcile("truck-1", raw, "boot")
		require.GreaterOrEqual(t, got, prev, "step %d", i)
		prev = got
	}
}

func TestReconcile_ExactAccumulation(t *testing.T) {
	r := New()
	r.Reconcile("truck-1", 0, "")

	// 1000 steps of 7 units would drift if summed as floats
	raw := 0
	var got float64
	for i := 0; i < 1000; i++ {
		raw = (raw + 7) % 256
		got = r.Reconcile("truck-1", raw, "")
	}
	assert.Equal(t, 70.0, got)
}

func TestReconcile_DevicesAreIndependent(t *testing.T) {
	r := New()
	r.Reconcile("a", 250, "")
	r.Reconcile("b", 10, "")

	assert.Equal(t, 0.11, r.Reconcile("a", 5, ""))
	assert.Equal(t, 0.5, r.Reconcile("b", 60, ""))
}

func TestReconcile_ConcurrentDevices(t *testing.T) {
	r := New()
	const devices = 16
	const steps = 500

	var wg sync.WaitGroup
	for d := 0; d < devices; d++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			raw := 0
			r.Reconcile(id, raw, "")
			for i := 0; i < steps; i++ {
				raw = (raw + 3) % 256
				r.Reconcile(id, raw, "")
			}
		}(fmt.Sprintf("truck-%02d", d))
	}
	wg.Wait()

	states := r.States()
	require.Len(t, states, devices)
	for _, st := range states {
		assert.Equal(t, 15.0, st.AccumulatedKm, st.VehicleID)
	}
}

func TestRestore(t *testing.T) {
	r := New()
	require.True(t, r.Restore("truck-1", 1234.56))

	st, ok := r.State("truck-1")
	require.True(t, ok)
	assert.False(t, st.Baselined)
	assert.Equal(t, 1234.56, st.AccumulatedKm)

	// first reading after restore only sets the baseline
	assert.Equal(t, 1234.56, r.Reconcile("truck-1", 200, "X"))
	assert.Equal(t, 1234.66, r.Reconcile("truck-1", 210, "X"))

	// restoring over live state is refused
	assert.False(t, r.Restore("truck-1", 0))
	st, _ = r.State("truck-1")
	assert.Equal(t, 1234.66, st.AccumulatedKm)
}

func TestStates_SortedCopy(t *testing.T) {
	r := New()
	r.Reconcile("zeta", 1, "")
	r.Reconcile("alpha", 2, "b1")

	states := r.States()
	require.Len(t, states, 2)
	assert.Equal(t, "alpha", states[0].VehicleID)
	assert.Equal(t, "b1", states[0].BootID)
	assert.True(t, states[0].Baselined)
	assert.Equal(t, "zeta", states[1].VehicleID)

	_, ok := r.State("missing")
	assert.False(t, ok)
}
