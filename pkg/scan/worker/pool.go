// Package worker drives the dispatch loop for one scanner module: a single
// polling goroutine claims batches from the queue and fans them out as
// concurrent probe attempts through a shared session, with no shared
// mutable state beyond that session's pool.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/korrelio/reqscan/pkg/probe"
	"github.com/korrelio/reqscan/pkg/scan/queue"
)

// Config holds dispatcher configuration.
type Config struct {
	Queue   *queue.Queue
	Session *probe.Session
	// BatchSize is how many records GetNewScan is asked for per poll. It
	// should be at least MaxConcurrentRequest so the session's own
	// semaphore, not an empty queue, is what bounds throughput.
	BatchSize int
	// PollInterval is how long the dispatcher sleeps after an empty poll.
	PollInterval time.Duration
	Log          zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	return c
}

// Dispatcher repeatedly claims a batch of records from its Queue, sends each
// through its Session concurrently, and reports the batch's outcome back to
// the Queue in one mark_result call. One Dispatcher belongs to exactly one
// Queue, matching the design's single-consumer-per-table requirement.
type Dispatcher struct {
	cfg Config
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Dispatcher. It does not start polling until Start is called.
func New(cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:    cfg,
		log:    cfg.Log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the dispatch loop in a background goroutine.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
	d.log.Info().Int("batch_size", d.cfg.BatchSize).Msg("Dispatcher started")
}

// Stop cancels the dispatch loop and waits for the in-flight batch, if any,
// to finish reporting its result.
func (d *Dispatcher) Stop() {
	d.log.Info().Msg("Dispatcher stopping")
	d.cancel()
	d.wg.Wait()
	d.cfg.Session.Close()
	d.log.Info().Msg("Dispatcher stopped")
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		records, err := d.cfg.Queue.GetNewScan(d.ctx, d.cfg.BatchSize)
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			d.log.Error().Err(err).Msg("Error fetching new scan batch")
			d.sleep()
			continue
		}

		if len(records) == 0 {
			d.sleep()
			continue
		}

		d.executeBatch(records)
	}
}

func (d *Dispatcher) sleep() {
	select {
	case <-d.ctx.Done():
	case <-time.After(d.cfg.PollInterval):
	}
}

// executeBatch fans every record in the batch out to the session
// concurrently, then reports the whole batch's result in one mark_result
// call keyed on the batch's highest id, satisfying the non-decreasing
// last_id contract as long as batches are processed one at a time.
func (d *Dispatcher) executeBatch(records []queue.Record) {
	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		failedIDs []uint
		lastID    uint
	)

	for _, record := range records {
		if record.ID > lastID {
			lastID = record.ID
		}
		wg.Add(1)
		go func(r queue.Record) {
			defer wg.Done()
			if !d.executeRecord(r) {
				mu.Lock()
				failedIDs = append(failedIDs, r.ID)
				mu.Unlock()
			}
		}(record)
	}

	wg.Wait()

	// The result is reported on a detached context: Stop cancels d.ctx and
	// then waits for this batch, and the cancellation must not swallow the
	// mark_result that Stop is waiting for.
	markCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.cfg.Queue.MarkResult(markCtx, lastID, failedIDs); err != nil {
		d.log.Error().Err(err).Uint("last_id", lastID).Msg("Error reporting batch result")
	}
}
