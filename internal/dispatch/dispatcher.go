package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/easelhq/easel/internal/model"
	"github.com/easelhq/easel/internal/store"
	"github.com/easelhq/easel/internal/worker"
)

// Defaults applied when the corresponding Options field is zero.
const (
	DefaultQueueMax          = 10
	DefaultInFlightCap       = 1
	DefaultJobTimeout        = 5 * time.Minute
	DefaultPollInterval      = time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

// heartbeatProbeTimeout bounds a single health probe.
const heartbeatProbeTimeout = 5 * time.Second

// Admission errors. The API layer maps these to 429 responses.
var (
	ErrQueueFull       = errors.New("job queue is full")
	ErrTooManyInFlight = errors.New("user already has the maximum jobs in flight")
)

// ErrNotCancellable is returned when a cancel arrives after the job has been
// handed to a worker. Dispatched and running jobs run to completion.
var ErrNotCancellable = errors.New("job is no longer queued")

// ErrStopped is returned for submissions after Shutdown has begun.
var ErrStopped = errors.New("dispatcher is stopped")

// Options tunes queueing and worker supervision.
type Options struct {
	QueueMax          int
	InFlightCap       int
	JobTimeout        time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.QueueMax <= 0 {
		o.QueueMax = DefaultQueueMax
	}
	if o.InFlightCap <= 0 {
		o.InFlightCap = DefaultInFlightCap
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = DefaultJobTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// Submission is one admission request.
type Submission struct {
	UserID  string
	Request model.GenerationRequest
	// AckID correlates the job with the message that acknowledged it.
	// A fresh id is minted when empty.
	AckID string
	// ParentID links a replay to the job it was derived from.
	ParentID string
}

// Dispatcher owns the job queue and the pairing of queued jobs with idle
// workers. All queue and counter mutations happen under one mutex; the
// network exchange with a worker runs in a per-job goroutine outside it.
type Dispatcher struct {
	store    store.Store
	registry *worker.Registry
	client   *worker.Client
	logger   *slog.Logger
	broker   *Broker
	opts     Options

	mu       sync.Mutex
	queue    []string
	inflight map[string]int
	stopped  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewDispatcher(s store.Store, reg *worker.Registry, client *worker.Client, logger *slog.Logger, opts Options) *Dispatcher {
	opts.applyDefaults()
	return &Dispatcher{
		store:    s,
		registry: reg,
		client:   client,
		logger:   logger,
		broker:   NewBroker(),
		opts:     opts,
		inflight: make(map[string]int),
		stop:     make(chan struct{}),
	}
}

// Broker exposes the event broker for stream subscribers.
func (d *Dispatcher) Broker() *Broker {
	return d.broker
}

// Submit admits a request as a new queued job and immediately assigns it if
// a worker is idle. The admission checks, the job row, and the queue entry
// commit inside one critical section so concurrent submissions cannot
// oversubscribe the caps.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (*model.Job, error) {
	ackID := sub.AckID
	if ackID == "" {
		ackID = model.NewID()
	}
	j := &model.Job{
		ID:        model.NewID(),
		Status:    model.StatusQueued,
		Mode:      sub.Request.Mode(),
		UserID:    sub.UserID,
		Request:   sub.Request,
		AckID:     ackID,
		ParentID:  sub.ParentID,
		CreatedAt: time.Now().UTC(),
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil, ErrStopped
	}
	if len(d.queue) >= d.opts.QueueMax {
		d.mu.Unlock()
		return nil, ErrQueueFull
	}
	if d.inflight[sub.UserID] >= d.opts.InFlightCap {
		d.mu.Unlock()
		return nil, ErrTooManyInFlight
	}
	if err := d.store.CreateJob(ctx, j); err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("create job: %w", err)
	}
	d.inflight[sub.UserID]++
	d.queue = append(d.queue, j.ID)
	queueDepth.Set(float64(len(d.queue)))
	d.logger.Info("job queued",
		"job_id", j.ID, "user_id", j.UserID, "mode", j.Mode, "queue_depth", len(d.queue))
	d.assignLocked()
	d.mu.Unlock()

	// Re-read so callers see the dispatched state when assignment was immediate.
	if fresh, err := d.store.GetJob(ctx, j.ID); err == nil {
		return fresh, nil
	}
	return j, nil
}

// Cancel withdraws a queued job. Jobs already handed to a worker are not
// interruptible and report ErrNotCancellable.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	j, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := d.store.UpdateJobStatus(ctx, jobID, model.StatusCancelled); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return ErrNotCancellable
		}
		return err
	}

	for i, id := range d.queue {
		if id == jobID {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			break
		}
	}
	queueDepth.Set(float64(len(d.queue)))
	d.releaseLocked(j.UserID)
	jobsTotal.WithLabelValues(model.StatusCancelled).Inc()

	d.broker.Publish(jobID, Event{JobID: jobID, Status: model.StatusCancelled})
	d.broker.Close(jobID)
	d.logger.Info("job cancelled", "job_id", jobID, "user_id", j.UserID)
	return nil
}

// Recover restores dispatch state after a restart: jobs still queued are
// re-enqueued in creation order, and jobs that were on a worker when the
// previous process died are failed rather than silently re-run.
func (d *Dispatcher) Recover(ctx context.Context) error {
	interrupted, err := d.store.FailInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("fail interrupted jobs: %w", err)
	}
	queued, err := d.store.ListQueuedJobs(ctx)
	if err != nil {
		return fmt.Errorf("list queued jobs: %w", err)
	}

	d.mu.Lock()
	for _, j := range queued {
		d.queue = append(d.queue, j.ID)
		d.inflight[j.UserID]++
	}
	queueDepth.Set(float64(len(d.queue)))
	d.assignLocked()
	d.mu.Unlock()

	if interrupted > 0 || len(queued) > 0 {
		d.logger.Info("recovered dispatch state",
			"requeued", len(queued), "interrupted", interrupted)
	}
	return nil
}

// Start launches the worker heartbeat loop.
func (d *Dispatcher) Start() {
	d.wg.Go(d.heartbeatLoop)
}

// Shutdown stops admission and the heartbeat loop, then waits for in-flight
// job goroutines to reach a terminal status.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.stop)
	d.wg.Wait()
}

// Kick attempts to assign queued jobs, used when a worker joins or recovers.
func (d *Dispatcher) Kick() {
	d.mu.Lock()
	d.assignLocked()
	d.mu.Unlock()
}

// QueueDepth reports how many jobs are waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// assignLocked pairs queued jobs with idle workers until either runs out.
// Callers hold d.mu. After shutdown begins the queue is left untouched;
// whatever remains is durable and is requeued by Recover on the next start.
func (d *Dispatcher) assignLocked() {
	for !d.stopped && len(d.queue) > 0 {
		w := d.registry.PickIdle()
		if w == nil {
			return
		}
		jobID := d.queue[0]
		d.queue = d.queue[1:]
		queueDepth.Set(float64(len(d.queue)))

		j, err := d.store.GetJob(context.Background(), jobID)
		if err != nil {
			d.logger.Error("assign: load job", "job_id", jobID, "error", err)
			continue
		}
		if err := d.registry.MarkBusy(w.ID); err != nil {
			// The worker was deregistered between PickIdle and MarkBusy.
			d.requeueFrontLocked(jobID)
			continue
		}
		if err := d.store.MarkDispatched(context.Background(), jobID, w.ID); err != nil {
			d.registry.MarkIdle(w.ID)
			d.requeueFrontLocked(jobID)
			d.logger.Error("assign: mark dispatched", "job_id", jobID, "error", err)
			return
		}
		j.Status = model.StatusDispatched
		j.WorkerID = w.ID
		runningJobs.Inc()
		d.logger.Info("job dispatched", "job_id", jobID, "worker_id", w.ID)
		d.broker.Publish(jobID, Event{JobID: jobID, Status: model.StatusDispatched})
		d.wg.Go(func() { d.execute(j, w) })
	}
}

func (d *Dispatcher) requeueFrontLocked(jobID string) {
	d.queue = append([]string{jobID}, d.queue...)
	queueDepth.Set(float64(len(d.queue)))
}

// releaseLocked frees one of the user's in-flight slots. Callers hold d.mu.
func (d *Dispatcher) releaseLocked(userID string) {
	if n := d.inflight[userID]; n <= 1 {
		delete(d.inflight, userID)
	} else {
		d.inflight[userID] = n - 1
	}
}

// execute drives one dispatched job to a terminal status: submit the payload
// to the worker, await the result, classify it, persist, free the worker.
func (d *Dispatcher) execute(j *model.Job, w *worker.Worker) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.JobTimeout)
	defer cancel()

	var result worker.PollResult
	remoteID, err := d.client.Submit(ctx, w.URL, worker.BuildPayload(j))
	if err == nil {
		if uerr := d.store.UpdateJobStatus(ctx, j.ID, model.StatusRunning); uerr != nil {
			d.logger.Error("job running transition", "job_id", j.ID, "error", uerr)
		}
		d.broker.Publish(j.ID, Event{JobID: j.ID, Status: model.StatusRunning})
		result, err = d.client.Await(ctx, w.URL, remoteID, d.opts.PollInterval, func(p float64) {
			d.broker.Publish(j.ID, Event{JobID: j.ID, Status: model.StatusRunning, Progress: p})
		})
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("no result from worker within %s", d.opts.JobTimeout)
	}

	d.finish(j, w, worker.Classify(result, err), time.Since(start))
}

// finish persists the terminal status, notifies subscribers, scores the
// worker's health, and frees its slot for the next queued job.
func (d *Dispatcher) finish(j *model.Job, w *worker.Worker, out worker.Outcome, elapsed time.Duration) {
	ctx := context.Background()

	term := store.Terminal{
		Status:      model.StatusFailed,
		FailureKind: out.Kind,
		Error:       out.Detail,
		Guidance:    out.Guidance,
	}
	if out.OK {
		term = store.Terminal{Status: model.StatusSucceeded, Artifacts: out.Artifacts}
	}
	if err := d.store.FinishJob(ctx, j.ID, term); err != nil {
		d.logger.Error("job terminal transition",
			"job_id", j.ID, "status", term.Status, "error", err)
	}

	jobsTotal.WithLabelValues(term.Status).Inc()
	jobDuration.Observe(elapsed.Seconds())
	runningJobs.Dec()

	if out.OK {
		d.logger.Info("job succeeded",
			"job_id", j.ID, "worker_id", w.ID,
			"artifacts", len(out.Artifacts), "duration_ms", elapsed.Milliseconds())
	} else {
		d.logger.Warn("job failed",
			"job_id", j.ID, "worker_id", w.ID,
			"kind", out.Kind, "error", out.Detail, "duration_ms", elapsed.Milliseconds())
	}

	d.broker.Publish(j.ID, Event{
		JobID:     j.ID,
		Status:    term.Status,
		Artifacts: out.Artifacts,
		Error:     out.Detail,
		Guidance:  out.Guidance,
	})
	d.broker.Close(j.ID)

	// Only transport failures count against the worker. A job the worker
	// answered, even with an error, proves it is reachable.
	if out.Kind == model.FailureUnreachable {
		if down := d.registry.RecordFailure(w.ID); down {
			d.logger.Warn("worker marked unreachable", "worker_id", w.ID)
		}
	} else {
		d.registry.RecordSuccess(w.ID)
	}
	d.registry.MarkIdle(w.ID)

	d.mu.Lock()
	d.releaseLocked(j.UserID)
	d.assignLocked()
	d.mu.Unlock()
}

func (d *Dispatcher) heartbeatLoop() {
	ticker := time.NewTicker(d.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.heartbeat()
		}
	}
}

// heartbeat probes idle workers. Busy workers are skipped: the exchange in
// flight scores their health when it resolves.
func (d *Dispatcher) heartbeat() {
	for _, w := range d.registry.List() {
		if w.Busy {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), heartbeatProbeTimeout)
		err := d.client.Health(ctx, w.URL)
		cancel()
		if err != nil {
			if down := d.registry.RecordFailure(w.ID); down {
				d.logger.Warn("worker marked unreachable", "worker_id", w.ID, "error", err)
			}
			continue
		}
		if recovered := d.registry.RecordSuccess(w.ID); recovered {
			d.logger.Info("worker recovered", "worker_id", w.ID)
			d.Kick()
		}
	}
}
