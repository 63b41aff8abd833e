package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/logbuffer/internal/common/logging"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

// MockWriter records every batch it is given. If Errors is non-empty the first error is popped and returned,
// otherwise the batch is recorded as written.
type MockWriter struct {
	mu      sync.Mutex
	Errors  []error
	Panics  int
	Calls   [][]string
	Written [][]string
	OnWrite func(batch []string)
	Gate    chan struct{}
}

func (w *MockWriter) WriteBatch(_ context.Context, batch []string) error {
	if w.Gate != nil {
		<-w.Gate
	}
	if w.OnWrite != nil {
		w.OnWrite(batch)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	copied := make([]string, len(batch))
	copy(copied, batch)
	w.Calls = append(w.Calls, copied)

	if w.Panics > 0 {
		w.Panics--
		panic("writer exploded")
	}
	if len(w.Errors) > 0 {
		err := w.Errors[0]
		w.Errors = w.Errors[1:]
		return err
	}
	w.Written = append(w.Written, copied)
	return nil
}

func (w *MockWriter) calls() [][]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]string{}, w.Calls...)
}

func (w *MockWriter) written() [][]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]string{}, w.Written...)
}

func (w *MockWriter) writtenRecords() int {
	total := 0
	for _, batch := range w.written() {
		total += len(batch)
	}
	return total
}

func testLogger() *log.Entry {
	return logging.NewNullEntry()
}

func testConfig() Config {
	return Config{
		BatchSize:          3,
		MaxBufferedRecords: 100,
		FlushInterval:      time.Hour,
		RetryBackoff:       10 * time.Millisecond,
		ShutdownTimeout:    5 * time.Second,
	}
}

// counterValue sums every series of the named counter in the default registry.
func counterValue(t *testing.T, name string) float64 {
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func newTestPipeline(t *testing.T, config Config, writer Writer[string]) *Pipeline[string] {
	p, err := New[string](config, writer, testLogger())
	require.NoError(t, err)
	return p
}

func submitAll(p *Pipeline[string], records ...string) {
	for _, r := range records {
		p.Submit(r)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := map[string]Config{
		"zero batch size":    {BatchSize: 0, MaxBufferedRecords: 10},
		"negative max":       {BatchSize: 1, MaxBufferedRecords: -1},
		"zero max buffered":  {BatchSize: 1, MaxBufferedRecords: 0},
		"both invalid":       {},
		"negative batchsize": {BatchSize: -5, MaxBufferedRecords: 10},
	}
	for name, config := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New[string](config, &MockWriter{}, testLogger())
			assert.Error(t, err)
		})
	}
}

func TestNew_NilWriter(t *testing.T) {
	_, err := New[string](testConfig(), nil, testLogger())
	assert.Error(t, err)
}

func TestNew_DefaultsDurations(t *testing.T) {
	p := newTestPipeline(t, Config{BatchSize: 1, MaxBufferedRecords: 1}, &MockWriter{})
	assert.Equal(t, DefaultFlushInterval, p.config.FlushInterval)
	assert.Equal(t, DefaultRetryBackoff, p.config.RetryBackoff)
	assert.Equal(t, DefaultShutdownTimeout, p.config.ShutdownTimeout)
	assert.Equal(t, Running, p.State())
}

func TestPipeline_SizeThenShutdownFlush(t *testing.T) {
	writer := &MockWriter{}
	p := newTestPipeline(t, testConfig(), writer)

	submitAll(p, "A", "B", "C", "D", "E")
	p.Start()

	require.Eventually(t, func() bool { return len(writer.calls()) == 1 && p.accumulated() == 2 }, waitFor, tick)
	assert.Equal(t, [][]string{{"A", "B", "C"}}, writer.calls())

	p.Shutdown(context.Background())

	assert.Equal(t, [][]string{{"A", "B", "C"}, {"D", "E"}}, writer.calls())
	assert.Equal(t, int64(0), p.InFlight())
	assert.Equal(t, Stopped, p.State())
}

func TestPipeline_TimerFlushesPartialBatch(t *testing.T) {
	writer := &MockWriter{}
	config := testConfig()
	config.BatchSize = 100
	config.FlushInterval = 10 * time.Second
	p := newTestPipeline(t, config, writer)
	testClock := clock.NewFakeClock(time.Now())
	p.clock = testClock

	p.Start()
	defer p.Shutdown(context.Background())
	p.Submit("A")
	p.Submit("B")

	require.Eventually(t, func() bool { return p.accumulated() == 2 && testClock.HasWaiters() }, waitFor, tick)
	assert.Empty(t, writer.calls())

	testClock.Step(10 * time.Second)

	require.Eventually(t, func() bool { return len(writer.written()) == 1 }, waitFor, tick)
	assert.Equal(t, [][]string{{"A", "B"}}, writer.written())
	require.Eventually(t, func() bool { return p.InFlight() == 0 }, waitFor, tick)
}

func TestPipeline_RealTimerFlushLatency(t *testing.T) {
	writer := &MockWriter{}
	config := testConfig()
	config.BatchSize = 100
	config.FlushInterval = 50 * time.Millisecond
	p := newTestPipeline(t, config, writer)
	p.Start()
	defer p.Shutdown(context.Background())

	submitted := time.Now()
	p.Submit("A")

	require.Eventually(t, func() bool { return len(writer.written()) == 1 }, waitFor, time.Millisecond)
	assert.Less(t, time.Since(submitted), config.FlushInterval+time.Second)
}

func TestPipeline_RetryAfterTransientFailure(t *testing.T) {
	var inFlightAtCall []int64
	var p *Pipeline[string]
	writer := &MockWriter{
		Errors: []error{fmt.Errorf("database is locked")},
	}
	writer.OnWrite = func(_ []string) { inFlightAtCall = append(inFlightAtCall, p.InFlight()) }

	config := testConfig()
	config.BatchSize = 2
	config.RetryBackoff = 50 * time.Millisecond
	p = newTestPipeline(t, config, writer)
	retries := counterValue(t, "logbuffer_batch_retries_total")

	submitAll(p, "A", "B")
	p.Start()

	require.Eventually(t, func() bool { return p.InFlight() == 0 }, waitFor, tick)
	assert.Equal(t, retries+1, counterValue(t, "logbuffer_batch_retries_total"))
	assert.Equal(t, [][]string{{"A", "B"}, {"A", "B"}}, writer.calls())
	assert.Equal(t, [][]string{{"A", "B"}}, writer.written())
	// The counter is only released by the successful second attempt
	assert.Equal(t, []int64{2, 2}, inFlightAtCall)

	p.Shutdown(context.Background())
	assert.Len(t, writer.calls(), 2)
}

func TestPipeline_RetryWaitsForBackoff(t *testing.T) {
	writer := &MockWriter{Errors: []error{fmt.Errorf("disk I/O error")}}
	config := testConfig()
	config.BatchSize = 1
	config.RetryBackoff = 5 * time.Second
	p := newTestPipeline(t, config, writer)
	testClock := clock.NewFakeClock(time.Now())
	p.clock = testClock

	p.Submit("A")
	p.Start()
	defer p.Shutdown(context.Background())

	require.Eventually(t, func() bool { return len(writer.calls()) == 1 }, waitFor, tick)
	// Wait for the ticker and the backoff timer to be registered
	require.Eventually(t, func() bool { return testClock.HasWaiters() && p.batches.len() == 0 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, writer.calls(), 1)

	testClock.Step(5 * time.Second)

	require.Eventually(t, func() bool { return len(writer.written()) == 1 }, waitFor, tick)
	assert.Equal(t, [][]string{{"A"}, {"A"}}, writer.calls())
}

func TestPipeline_DropsWhenBufferFull(t *testing.T) {
	writer := &MockWriter{}
	config := testConfig()
	config.MaxBufferedRecords = 2
	p := newTestPipeline(t, config, writer)

	submitAll(p, "A", "B", "C")
	assert.Equal(t, int64(2), p.InFlight())

	p.Shutdown(context.Background())

	assert.Equal(t, [][]string{{"A", "B"}}, writer.written())
	assert.Equal(t, int64(0), p.InFlight())
}

func TestPipeline_AdmissionBoundUnderLoad(t *testing.T) {
	gate := make(chan struct{})
	writer := &MockWriter{Gate: gate}
	config := testConfig()
	config.BatchSize = 10
	config.MaxBufferedRecords = 100
	p := newTestPipeline(t, config, writer)
	p.Start()

	var wg sync.WaitGroup
	for g := 0; g < 5; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				p.Submit(fmt.Sprintf("%d-%d", g, i))
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, int64(100), p.InFlight())
	assert.Error(t, p.Check())

	close(gate)
	p.Shutdown(context.Background())

	assert.Equal(t, 100, writer.writtenRecords())
	assert.Equal(t, int64(0), p.InFlight())
}

func TestPipeline_ConcurrentProducersNoLossAndOrdered(t *testing.T) {
	writer := &MockWriter{}
	config := testConfig()
	config.BatchSize = 7
	config.MaxBufferedRecords = 5000
	config.FlushInterval = 20 * time.Millisecond
	p := newTestPipeline(t, config, writer)
	p.Start()

	const producers = 10
	const perProducer = 200
	var wg sync.WaitGroup
	for g := 0; g < producers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				p.Submit(fmt.Sprintf("%d-%d", g, i))
				if i%50 == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}(g)
	}
	wg.Wait()
	p.Shutdown(context.Background())

	assert.Equal(t, producers*perProducer, writer.writtenRecords())

	next := make(map[int]int)
	for _, batch := range writer.written() {
		assert.LessOrEqual(t, len(batch), config.BatchSize)
		for _, record := range batch {
			var g, i int
			_, err := fmt.Sscanf(record, "%d-%d", &g, &i)
			require.NoError(t, err)
			assert.Equal(t, next[g], i, "producer %d out of order", g)
			next[g] = i + 1
		}
	}
}

func TestPipeline_ShutdownIsIdempotentAndTerminal(t *testing.T) {
	writer := &MockWriter{}
	p := newTestPipeline(t, testConfig(), writer)
	p.Start()
	submitAll(p, "A")

	p.Shutdown(context.Background())
	p.Shutdown(context.Background())

	assert.Equal(t, Stopped, p.State())
	assert.Equal(t, [][]string{{"A"}}, writer.written())

	submitAll(p, "B", "C")
	assert.Equal(t, int64(0), p.InFlight())
	assert.Len(t, writer.calls(), 1)
	assert.Error(t, p.Check())
}

func TestPipeline_ConcurrentShutdownCalls(t *testing.T) {
	writer := &MockWriter{}
	p := newTestPipeline(t, testConfig(), writer)
	submitAll(p, "A", "B")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Shutdown(context.Background())
			assert.Equal(t, Stopped, p.State())
		}()
	}
	wg.Wait()
	assert.Equal(t, [][]string{{"A", "B"}}, writer.written())
}

func TestPipeline_ShutdownWithoutStart(t *testing.T) {
	writer := &MockWriter{}
	p := newTestPipeline(t, testConfig(), writer)
	submitAll(p, "A", "B", "C", "D")

	p.Shutdown(context.Background())

	assert.Equal(t, [][]string{{"A", "B", "C"}, {"D"}}, writer.written())
	assert.Equal(t, Stopped, p.State())
}

func TestPipeline_ShutdownTimesOutOnFailingWriter(t *testing.T) {
	errs := make([]error, 10000)
	for i := range errs {
		errs[i] = fmt.Errorf("database or disk is full")
	}
	writer := &MockWriter{Errors: errs}
	config := testConfig()
	config.ShutdownTimeout = 100 * time.Millisecond
	p := newTestPipeline(t, config, writer)
	p.Start()
	submitAll(p, "A")

	start := time.Now()
	p.Shutdown(context.Background())

	assert.Less(t, time.Since(start), waitFor)
	assert.Equal(t, Stopped, p.State())
	assert.GreaterOrEqual(t, len(writer.calls()), 1)
	assert.Empty(t, writer.written())
}

func TestPipeline_ShutdownRetriesFailedDrainBatch(t *testing.T) {
	writer := &MockWriter{Errors: []error{fmt.Errorf("database is locked")}}
	p := newTestPipeline(t, testConfig(), writer)
	submitAll(p, "A", "B")
	retries := counterValue(t, "logbuffer_batch_retries_total")

	// The pipeline was never started so the first attempt is made by Shutdown itself
	p.Shutdown(context.Background())

	assert.Equal(t, retries+1, counterValue(t, "logbuffer_batch_retries_total"))

	assert.Equal(t, [][]string{{"A", "B"}, {"A", "B"}}, writer.calls())
	assert.Equal(t, [][]string{{"A", "B"}}, writer.written())
	assert.Equal(t, int64(0), p.InFlight())
}

func TestPipeline_ShutdownRespectsContext(t *testing.T) {
	errs := make([]error, 10000)
	for i := range errs {
		errs[i] = fmt.Errorf("database is locked")
	}
	writer := &MockWriter{Errors: errs}
	config := testConfig()
	config.ShutdownTimeout = time.Hour
	p := newTestPipeline(t, config, writer)
	p.Start()
	submitAll(p, "A")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p.Shutdown(ctx)

	assert.Equal(t, Stopped, p.State())
}

func TestPipeline_WritesAreSerializedDuringShutdown(t *testing.T) {
	var mu sync.Mutex
	active, maxActive := 0, 0
	writer := &MockWriter{
		OnWrite: func(batch []string) {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		},
	}
	p := newTestPipeline(t, testConfig(), writer)
	p.Start()
	for i := 0; i < 60; i++ {
		p.Submit(fmt.Sprintf("record-%d", i))
	}

	p.Shutdown(context.Background())

	assert.Equal(t, 60, writer.writtenRecords())
	assert.Equal(t, 1, maxActive)
	assert.Equal(t, int64(0), p.InFlight())
}

func TestPipeline_RecoversFromPanickingWriter(t *testing.T) {
	writer := &MockWriter{Panics: 1}
	config := testConfig()
	config.BatchSize = 2
	p := newTestPipeline(t, config, writer)
	submitAll(p, "A", "B")
	p.Start()

	require.Eventually(t, func() bool { return p.InFlight() == 0 }, waitFor, tick)
	assert.Equal(t, [][]string{{"A", "B"}}, writer.written())
	assert.Len(t, writer.calls(), 2)

	p.Shutdown(context.Background())
}

func TestPipeline_Check(t *testing.T) {
	config := testConfig()
	config.MaxBufferedRecords = 1
	p := newTestPipeline(t, config, &MockWriter{})

	assert.NoError(t, p.Check())
	p.Submit("A")
	assert.Error(t, p.Check())

	p.Shutdown(context.Background())
	assert.Error(t, p.Check())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "unknown(7)", State(7).String())
}
