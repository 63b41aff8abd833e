package pipeline

import (
	"github.com/pkg/errors"

	"github.com/G-Research/logbuffer/internal/common/logging"
)

// runWriter delivers batches one at a time until the batch queue is closed and fully resolved, or the pipeline is
// aborted. A failed batch is retried after RetryBackoff by putting it back on the tail of the queue, so it may be
// written after batches that were assembled later.
func (p *Pipeline[T]) runWriter() {
	defer p.workers.Done()

	for p.batches.wait() {
		p.writeMutex.Lock()
		batch, ok := p.batches.tryTake()
		if !ok {
			// The shutdown drain got there first.
			p.writeMutex.Unlock()
			continue
		}
		err := p.write(batch)
		p.writeMutex.Unlock()

		if err == nil {
			p.complete(batch)
			p.batches.done()
			continue
		}

		logging.WithStacktrace(p.log, err).
			WithField("records", len(batch)).
			Warnf("Error writing batch, will retry in %s", p.config.RetryBackoff)
		if !p.sleep() {
			p.batches.done()
			p.log.Errorf("Pipeline aborted while backing off; abandoning batch of %d records", len(batch))
			return
		}
		p.metrics.RecordRetry()
		p.batches.requeue(batch)
	}
}

// write hands a batch to the writer. Callers must hold writeMutex so that there is never more than one write in
// progress. A panicking writer is reported as a failed write.
func (p *Pipeline[T]) write(batch []T) (err error) {
	start := p.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic writing batch: %v", r)
		}
		taken := p.clock.Since(start)
		if err != nil {
			p.metrics.RecordWriteFailure(taken)
		} else {
			p.metrics.RecordBatchWritten(len(batch), taken)
			p.log.Debugf("Wrote %d records in %dms", len(batch), taken.Milliseconds())
		}
	}()
	return p.writer.WriteBatch(p.ctx, batch)
}

// complete releases the in-flight capacity held by a durably written batch. It is called exactly once per batch
// however many attempts the write took.
func (p *Pipeline[T]) complete(batch []T) {
	n := p.inFlight.Add(-int64(len(batch)))
	p.metrics.SetInFlight(n)
}

// sleep waits for RetryBackoff. Returns false if the pipeline was aborted in the meantime.
func (p *Pipeline[T]) sleep() bool {
	select {
	case <-p.clock.After(p.config.RetryBackoff):
		return true
	case <-p.ctx.Done():
		return false
	}
}
