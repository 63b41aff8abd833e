package pipeline

import (
	"github.com/G-Research/logbuffer/internal/logbuffer/metrics"
)

func (p *Pipeline[T]) runAssembler() {
	defer p.workers.Done()
	defer close(p.assemblerDone)

	for {
		select {
		case record := <-p.records:
			p.safely("assembly", func() { p.assemble(record) })
		case <-p.stopAssembler:
			return
		}
	}
}

// assemble appends a record to the accumulator and cuts a batch once the accumulator holds BatchSize records.
func (p *Pipeline[T]) assemble(record T) {
	p.flushMutex.Lock()
	defer p.flushMutex.Unlock()

	p.accumulator = append(p.accumulator, record)
	if len(p.accumulator) >= p.config.BatchSize {
		p.flushLocked(metrics.FlushTriggerSize)
	}
}

// flush moves up to BatchSize accumulated records into a new batch and queues it for delivery. It is a no-op if
// nothing has accumulated. Flushes from the assembler, the timer and shutdown are serialized.
func (p *Pipeline[T]) flush(trigger metrics.FlushTrigger) bool {
	p.flushMutex.Lock()
	defer p.flushMutex.Unlock()
	return p.flushLocked(trigger)
}

func (p *Pipeline[T]) flushLocked(trigger metrics.FlushTrigger) bool {
	n := len(p.accumulator)
	if n == 0 {
		return false
	}
	if n > p.config.BatchSize {
		n = p.config.BatchSize
	}

	batch := make([]T, n)
	copy(batch, p.accumulator[:n])

	remaining := copy(p.accumulator, p.accumulator[n:])
	var zero T
	for i := remaining; i < len(p.accumulator); i++ {
		p.accumulator[i] = zero
	}
	p.accumulator = p.accumulator[:remaining]

	if !p.batches.enqueue(batch) {
		// Only reachable if a flush races the close of the batch queue; keep the batch rather than lose it.
		p.batches.add(batch)
	}
	p.metrics.RecordFlush(trigger, n)
	p.log.WithField("trigger", trigger).Debugf("Flushed batch of %d records", n)
	return true
}

// accumulated returns the number of records waiting to be cut into a batch.
func (p *Pipeline[T]) accumulated() int {
	p.flushMutex.Lock()
	defer p.flushMutex.Unlock()
	return len(p.accumulator)
}
