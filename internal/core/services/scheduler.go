package services

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/manthysbr/easel/internal/core/domain"
	"github.com/manthysbr/easel/internal/core/ports"
)

// SchedulerConfig tunes the scheduling loop. Zero values fall back to the
// production defaults.
type SchedulerConfig struct {
	// SoftDeadline is how long an item may wait at the head of its queue
	// before the queue is treated as late and workers are redistributed
	// toward it.
	SoftDeadline time.Duration
	// QueueMaxSize bounds the total items spread across the model queues;
	// ingress pauses while at or above it.
	QueueMaxSize int
	// PollInterval bounds how long one ingress pull waits for a submission.
	PollInterval time.Duration
}

func (c *SchedulerConfig) applyDefaults() {
	if c.SoftDeadline <= 0 {
		c.SoftDeadline = domain.SoftDeadline
	}
	if c.QueueMaxSize <= 0 {
		c.QueueMaxSize = domain.QueueMaxSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
}

type modelQueue struct {
	queue   *domain.WorkQueue
	workers []ports.Worker
}

// QueueStatus is a point-in-time view of one model queue, exposed for
// introspection.
type QueueStatus struct {
	Model       string            `json:"model"`
	Size        int               `json:"size"`
	HeadLatency float64           `json:"head_latency_seconds"`
	Workers     []domain.WorkerID `json:"workers"`
}

// WorkerStatus is a point-in-time view of one worker.
type WorkerStatus struct {
	ID          domain.WorkerID `json:"id"`
	LoadedModel string          `json:"loaded_model"`
	Queue       string          `json:"queue,omitempty"`
}

// Scheduler owns one queue per configured model. It drains the submission
// channel into those queues and assigns workers to them, trading checkpoint
// switches against the soft latency deadline: moving a worker between
// queues usually costs an expensive model load, so workers stay put until a
// queue is about to go late or has nothing left to do.
type Scheduler struct {
	logger      *slog.Logger
	cfg         SchedulerConfig
	clock       clock.Clock
	models      []string
	workers     []ports.Worker
	submissions <-chan *domain.WorkItem

	// mu guards the queue worker-sets and the assignment bookkeeping; the
	// loop mutates them and the status API reads them.
	mu       sync.Mutex
	queues   map[string]*modelQueue
	assigned map[domain.WorkerID]string
	rebinds  int
}

// NewScheduler builds a scheduler over the configured model list. Every
// item routed through it must name one of these models; admission
// guarantees that by validating against the same list.
func NewScheduler(logger *slog.Logger, cfg SchedulerConfig, models []string, workers []ports.Worker, submissions <-chan *domain.WorkItem) *Scheduler {
	cfg.applyDefaults()
	queues := make(map[string]*modelQueue, len(models))
	for _, model := range models {
		queues[model] = &modelQueue{queue: domain.NewWorkQueue()}
	}
	return &Scheduler{
		logger:      logger,
		cfg:         cfg,
		clock:       clock.New(),
		models:      models,
		workers:     workers,
		submissions: submissions,
		queues:      queues,
		assigned:    map[domain.WorkerID]string{},
	}
}

// WithClock replaces the scheduling clock. Test hook.
func (s *Scheduler) WithClock(c clock.Clock) *Scheduler {
	s.clock = c
	return s
}

// Run executes the ingress-and-scheduling loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting", "models", len(s.models), "workers", len(s.workers))
	for {
		drained := s.drainSubmissions(ctx)
		s.adoptReadyWorkers()
		s.schedulePass()
		if !drained {
			return nil
		}
	}
}

// drainSubmissions routes items into their model queues while there is
// capacity, waiting at most one poll interval per pull. Returns false when
// ctx is cancelled.
func (s *Scheduler) drainSubmissions(ctx context.Context) bool {
	for {
		if s.pendingCount() >= s.cfg.QueueMaxSize {
			// queues are full, give the workers a beat to drain them
			select {
			case <-ctx.Done():
				return false
			case <-s.clock.After(s.cfg.PollInterval):
			}
			return true
		}

		timer := s.clock.Timer(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case item := <-s.submissions:
			timer.Stop()
			mq, ok := s.queues[item.Model]
			if !ok {
				s.logger.Error("dropping item for unknown model", "model", item.Model, "handle", item.ContextHandle)
				continue
			}
			mq.queue.Push(item)
		case <-timer.C:
			return true
		}
	}
}

// adoptReadyWorkers binds workers that have answered their first options
// probe but are not assigned to any queue yet, starting them on whatever
// checkpoint their backend already has loaded.
func (s *Scheduler) adoptReadyWorkers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, worker := range s.workers {
		if _, ok := s.assigned[worker.ID()]; ok {
			continue
		}
		model := worker.LoadedModel()
		if model == "" {
			// backend still unreachable, leave it alone
			continue
		}
		if _, ok := s.queues[model]; !ok {
			model = s.models[0]
		}
		s.bindLocked(worker, model)
		s.logger.Info("worker adopted", "worker", worker.ID(), "model", model)
	}
}

// pendingCount sums queued items across every model queue.
func (s *Scheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, mq := range s.queues {
		total += mq.queue.Size()
	}
	return total
}

type lateQueue struct {
	latency time.Duration
	model   string
}

type workableQueue struct {
	latency time.Duration
	size    int
	model   string
}

// pressure biases assignment toward older heads: queue length matters less
// than how long the head has been waiting.
func (w workableQueue) pressure() float64 {
	return w.latency.Seconds()*5 + float64(w.size)
}

// schedulePass runs one assignment cycle. Free workers (those on empty
// queues) move first, to the most overdue unmanned queues and then to the
// queues most likely to miss the deadline. Workers on a manned late queue
// are pinned: pulling them would only shift the lateness around. If
// unmanned late queues remain, workers are pulled from the rest of the
// pool, preferring those whose current head is youngest. No worker moves
// twice in one pass.
func (s *Scheduler) schedulePass() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	headTime := func(q *domain.WorkQueue) time.Time {
		if q == nil {
			return now
		}
		if head, ok := q.HeadCreationTime(); ok {
			return head
		}
		return now
	}

	pinned := map[domain.WorkerID]bool{}
	var lateQueues []lateQueue
	var workableQueues []workableQueue
	var freeWorkers []ports.Worker

	for model, mq := range s.queues {
		size := mq.queue.Size()
		latency := now.Sub(headTime(mq.queue))
		switch {
		case latency > s.cfg.SoftDeadline:
			if len(mq.workers) == 0 {
				lateQueues = append(lateQueues, lateQueue{latency: latency, model: model})
			} else {
				for _, w := range mq.workers {
					pinned[w.ID()] = true
				}
			}
		case size > 0:
			workableQueues = append(workableQueues, workableQueue{latency: latency, size: size, model: model})
		case len(mq.workers) > 0:
			freeWorkers = append(freeWorkers, mq.workers...)
		}
	}

	sort.Slice(lateQueues, func(i, j int) bool {
		return lateQueues[i].latency > lateQueues[j].latency
	})
	sort.Slice(workableQueues, func(i, j int) bool {
		return workableQueues[i].pressure() > workableQueues[j].pressure()
	})

	moved := map[domain.WorkerID]bool{}
	for _, worker := range freeWorkers {
		if len(lateQueues) > 0 {
			s.bindLocked(worker, lateQueues[0].model)
			lateQueues = lateQueues[1:]
			moved[worker.ID()] = true
		} else if len(workableQueues) > 0 {
			s.bindLocked(worker, workableQueues[0].model)
			workableQueues = workableQueues[1:]
			moved[worker.ID()] = true
		}
	}

	if len(lateQueues) == 0 {
		return
	}

	// remaining late queues pull from workers that are neither pinned nor
	// already moved, youngest head first so the donor queue loses the least
	var available []ports.Worker
	for _, worker := range s.workers {
		if _, ok := s.assigned[worker.ID()]; !ok {
			continue
		}
		if pinned[worker.ID()] || moved[worker.ID()] {
			continue
		}
		available = append(available, worker)
	}
	sort.Slice(available, func(i, j int) bool {
		return headTime(available[i].Queue()).After(headTime(available[j].Queue()))
	})

	for _, late := range lateQueues {
		if len(available) == 0 {
			break
		}
		worker := available[0]
		available = available[1:]
		s.bindLocked(worker, late.model)
	}
}

// bindLocked rebinds worker to the queue for model: out of its old worker
// set, into the new one, then propagated to the worker itself. Caller holds
// s.mu.
func (s *Scheduler) bindLocked(worker ports.Worker, model string) {
	if s.assigned[worker.ID()] == model {
		return
	}
	for _, mq := range s.queues {
		for i, w := range mq.workers {
			if w.ID() == worker.ID() {
				mq.workers = append(mq.workers[:i], mq.workers[i+1:]...)
				break
			}
		}
	}
	mq := s.queues[model]
	mq.workers = append(mq.workers, worker)
	s.assigned[worker.ID()] = model
	s.rebinds++
	worker.Attach(mq.queue)
}

// Rebinds returns the number of worker reassignments performed so far.
func (s *Scheduler) Rebinds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebinds
}

// Queues snapshots every model queue for the status API, sorted by model
// name for stable output.
func (s *Scheduler) Queues() []QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	out := make([]QueueStatus, 0, len(s.queues))
	for _, model := range s.models {
		mq := s.queues[model]
		st := QueueStatus{Model: model, Size: mq.queue.Size()}
		if head, ok := mq.queue.HeadCreationTime(); ok {
			st.HeadLatency = now.Sub(head).Seconds()
		}
		for _, w := range mq.workers {
			st.Workers = append(st.Workers, w.ID())
		}
		out = append(out, st)
	}
	return out
}

// Workers snapshots every worker for the status API.
func (s *Scheduler) Workers() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerStatus, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, WorkerStatus{
			ID:          w.ID(),
			LoadedModel: w.LoadedModel(),
			Queue:       s.assigned[w.ID()],
		})
	}
	return out
}
