package pipeline

import (
	"context"

	"github.com/G-Research/logbuffer/internal/logbuffer/metrics"
)

// Shutdown stops intake and drains everything already accepted through the writer. The steps are:
//  1. stop admitting records
//  2. wake the flush timer
//  3. move every queued record into the accumulator, flushing full batches
//  4. flush the remainder
//  5. close the batch queue to new batches
//  6. write every queued batch synchronously
//  7. wait for the background workers, bounded by ShutdownTimeout and ctx
//
// Failing to finish within the bound is logged rather than returned. Shutdown may be called any number of times;
// every call returns once the first has completed, and the pipeline is Stopped afterwards.
func (p *Pipeline[T]) Shutdown(ctx context.Context) {
	p.shutdownOnce.Do(func() { p.shutdown(ctx) })
}

func (p *Pipeline[T]) shutdown(ctx context.Context) {
	p.startOnce.Do(func() {
		// Never started: only the writer is needed, to retry batches that fail during the drain.
		close(p.assemblerDone)
		p.workers.Add(1)
		go p.runWriter()
	})
	p.log.Infof("Shutting down pipeline with %d records in flight", p.InFlight())

	p.intake.Lock()
	p.state.Store(int32(Draining))
	p.intake.Unlock()
	close(p.stopAssembler)

	p.wake()

	// Wait for the assembler to put down any record it is holding so that records keep their submission order.
	<-p.assemblerDone
	p.drainRecords()

	for p.flush(metrics.FlushTriggerShutdown) {
	}
	close(p.stopTimer)

	p.batches.close()

	p.drainBatches()

	if p.waitForWorkers(ctx) {
		p.log.Info("Pipeline drained")
	} else {
		p.log.Errorf("Timed out after %s waiting for pipeline workers; %d records still in flight",
			p.config.ShutdownTimeout, p.InFlight())
	}
	p.cancel()
	if abandoned := p.batches.abort(); abandoned > 0 {
		p.log.Errorf("Abandoned %d queued records at shutdown", abandoned)
	}
	p.state.Store(int32(Stopped))
}

func (p *Pipeline[T]) drainRecords() {
	for {
		select {
		case record := <-p.records:
			p.safely("assembly", func() { p.assemble(record) })
		default:
			return
		}
	}
}

// drainBatches writes every batch still queued, bypassing the writer worker. Batches that fail are handed back to
// the worker, which keeps retrying them until the shutdown bound expires.
func (p *Pipeline[T]) drainBatches() {
	var failed [][]T
	for {
		p.writeMutex.Lock()
		batch, ok := p.batches.tryTake()
		if !ok {
			p.writeMutex.Unlock()
			break
		}
		err := p.write(batch)
		p.writeMutex.Unlock()

		if err != nil {
			p.log.WithError(err).Warnf("Error writing batch of %d records during shutdown", len(batch))
			failed = append(failed, batch)
			continue
		}
		p.complete(batch)
		p.batches.done()
	}
	for _, batch := range failed {
		p.metrics.RecordRetry()
		p.batches.requeue(batch)
	}
}

// waitForWorkers returns false if the workers did not finish within ShutdownTimeout or before ctx was done.
func (p *Pipeline[T]) waitForWorkers(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.workers.Wait()
	}()
	select {
	case <-done:
		return true
	case <-p.clock.After(p.config.ShutdownTimeout):
		return false
	case <-ctx.Done():
		return false
	}
}
