package task

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

type task struct {
	function   func(ctx context.Context)
	interval   time.Duration
	metricName string
	latency    prometheus.Histogram
}

// BackgroundTaskManager runs functions periodically until StopAll is called. It is not threadsafe, it should only be
// accessed from a single goroutine.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	registerer    prometheus.Registerer
	clock         clock.Clock
	ctx           context.Context
	cancel        context.CancelFunc
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string) *BackgroundTaskManager {
	return newBackgroundTaskManager(metricsPrefix, prometheus.DefaultRegisterer, clock.RealClock{})
}

func newBackgroundTaskManager(metricsPrefix string, registerer prometheus.Registerer, clock clock.Clock) *BackgroundTaskManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		registerer:    registerer,
		clock:         clock,
		ctx:           ctx,
		cancel:        cancel,
		wg:            &sync.WaitGroup{},
	}
}

// Register runs backgroundTask straight away and then every interval after the previous run finished. The context
// passed to it is cancelled by StopAll.
func (m *BackgroundTaskManager) Register(backgroundTask func(ctx context.Context), interval time.Duration, metricName string) {
	task := &task{
		function:   backgroundTask,
		interval:   interval,
		metricName: metricName,
		latency:    m.latencyHistogram(metricName),
	}
	m.startBackgroundTask(task)
	m.tasks = append(m.tasks, task)
}

func (m *BackgroundTaskManager) latencyHistogram(metricName string) prometheus.Histogram {
	histogram := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + metricName + "_latency_seconds",
			Help:    "Background loop " + metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})
	if err := m.registerer.Register(histogram); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(prometheus.Histogram)
		}
		log.WithError(err).Warnf("Unable to register latency metric for background task %s", metricName)
	}
	return histogram
}

// StopAll stops every task and waits for any run in progress to finish. Returns true if that took longer than timeout.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.cancel()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(task *task) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			m.run(task)
			select {
			case <-m.clock.After(task.interval):
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

func (m *BackgroundTaskManager) run(task *task) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Errorf("Background task %s panicked", task.metricName)
		}
	}()
	start := m.clock.Now()
	task.function(m.ctx)
	task.latency.Observe(m.clock.Since(start).Seconds())
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}
