package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/logbuffer/internal/logbuffer/metrics"
)

const (
	DefaultFlushInterval   = 10 * time.Second
	DefaultRetryBackoff    = 5 * time.Second
	DefaultShutdownTimeout = 60 * time.Second
)

// Writer should be implemented by the struct responsible for putting batches in their final resting place, e.g. a
// database. Any returned error is treated as transient and the same batch will be offered again later, so
// implementations must tolerate being called repeatedly with identical input.
type Writer[T any] interface {
	WriteBatch(ctx context.Context, batch []T) error
}

type State int32

const (
	Running State = iota
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

type Config struct {
	// Maximum number of records handed to the writer in a single batch
	BatchSize int
	// Records submitted while this many records are in flight are dropped
	MaxBufferedRecords int
	// Interval at which a partially filled batch is flushed
	FlushInterval time.Duration
	// Time to wait before retrying a batch whose write failed
	RetryBackoff time.Duration
	// Upper bound on the time Shutdown waits for the background workers
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

func (c Config) validate() error {
	if c.BatchSize < 1 {
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.MaxBufferedRecords < 1 {
		return errors.Errorf("max buffered records must be positive, got %d", c.MaxBufferedRecords)
	}
	return nil
}

// Pipeline buffers records submitted by any number of goroutines and persists them through a Writer in batches.
// Batches are cut whenever BatchSize records have accumulated or FlushInterval elapses, whichever comes first.
// Three workers run for the lifetime of the pipeline:
//   - the assembler, which moves records from the ingestion queue into the accumulator
//   - the flush timer, which flushes partially filled batches
//   - the writer, which delivers batches one at a time and retries failures
//
// Submit never blocks: once MaxBufferedRecords records are in flight further records are dropped.
type Pipeline[T any] struct {
	config  Config
	writer  Writer[T]
	clock   clock.WithTicker
	log     *log.Entry
	metrics *metrics.Metrics

	state    atomic.Int32
	inFlight atomic.Int64
	// Held for reading by Submit and for writing while leaving the Running state, so that no record can be
	// admitted after the ingestion queue has been drained.
	intake  sync.RWMutex
	records chan T

	flushMutex  sync.Mutex
	accumulator []T

	batches    *batchQueue[T]
	writeMutex sync.Mutex

	wakeTimer     chan struct{}
	stopTimer     chan struct{}
	stopAssembler chan struct{}
	assemblerDone chan struct{}
	workers       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	startOnce    sync.Once
	shutdownOnce sync.Once
}

// New creates a pipeline in the Running state. Records may be submitted straight away; nothing is written until
// Start is called.
func New[T any](config Config, writer Writer[T], logger *log.Entry) (*Pipeline[T], error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if writer == nil {
		return nil, errors.New("writer must not be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline[T]{
		config:        config.withDefaults(),
		writer:        writer,
		clock:         clock.RealClock{},
		log:           logger,
		metrics:       metrics.Get(),
		records:       make(chan T, config.MaxBufferedRecords),
		accumulator:   make([]T, 0, config.BatchSize),
		batches:       newBatchQueue[T](),
		wakeTimer:     make(chan struct{}, 1),
		stopTimer:     make(chan struct{}),
		stopAssembler: make(chan struct{}),
		assemblerDone: make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start launches the background workers. Calling it more than once has no effect.
func (p *Pipeline[T]) Start() {
	p.startOnce.Do(func() {
		p.workers.Add(3)
		go p.runAssembler()
		go p.runTimer()
		go p.runWriter()
		p.log.WithFields(log.Fields{
			"batchSize":          p.config.BatchSize,
			"maxBufferedRecords": p.config.MaxBufferedRecords,
			"flushInterval":      p.config.FlushInterval,
		}).Info("Pipeline started")
	})
}

// Submit offers a record to the pipeline. The record is silently dropped if the pipeline is no longer running or
// if too many records are already in flight.
func (p *Pipeline[T]) Submit(record T) {
	p.intake.RLock()
	defer p.intake.RUnlock()

	if p.State() != Running {
		p.drop(metrics.DropReasonDraining)
		return
	}
	if p.inFlight.Add(1) > int64(p.config.MaxBufferedRecords) {
		p.inFlight.Add(-1)
		p.drop(metrics.DropReasonBufferFull)
		return
	}
	select {
	case p.records <- record:
		p.metrics.RecordAdmitted()
		p.metrics.SetInFlight(p.inFlight.Load())
	default:
		// Unreachable while the channel is sized to MaxBufferedRecords.
		p.inFlight.Add(-1)
		p.drop(metrics.DropReasonBufferFull)
	}
}

func (p *Pipeline[T]) drop(reason metrics.DropReason) {
	p.metrics.RecordDropped(reason)
	p.log.WithField("reason", reason).Debug("Dropped record")
}

// InFlight returns the number of records that have been admitted but not yet durably written.
func (p *Pipeline[T]) InFlight() int64 {
	return p.inFlight.Load()
}

func (p *Pipeline[T]) State() State {
	return State(p.state.Load())
}

// Check reports an error if the pipeline is not accepting records or if its buffer is full.
func (p *Pipeline[T]) Check() error {
	if state := p.State(); state != Running {
		return errors.Errorf("pipeline is %s", state)
	}
	if n := p.InFlight(); n >= int64(p.config.MaxBufferedRecords) {
		return errors.Errorf("pipeline buffer is full: %d records in flight", n)
	}
	return nil
}

// safely runs f, logging and swallowing any panic so that a worker loop survives it.
func (p *Pipeline[T]) safely(operation string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Errorf("Recovered from panic during %s", operation)
		}
	}()
	f()
}
