package pipeline

import (
	"github.com/G-Research/logbuffer/internal/logbuffer/metrics"
)

// runTimer flushes whatever has accumulated every FlushInterval, so that records trickling in slower than
// BatchSize per interval still reach the writer in bounded time.
func (p *Pipeline[T]) runTimer() {
	defer p.workers.Done()

	ticker := p.clock.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			p.safely("timed flush", func() { p.flush(metrics.FlushTriggerTimer) })
		case <-p.wakeTimer:
			p.safely("timed flush", func() { p.flush(metrics.FlushTriggerShutdown) })
		case <-p.stopTimer:
			return
		}
	}
}

// wake makes the timer flush immediately without waiting for its next tick.
func (p *Pipeline[T]) wake() {
	select {
	case p.wakeTimer <- struct{}{}:
	default:
	}
}
