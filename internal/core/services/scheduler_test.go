package services

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/easel/internal/core/domain"
	"github.com/manthysbr/easel/internal/core/ports"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// fakeWorker simulates a backend slot: every item costs procDelay, plus
// switchDelay whenever the item's model differs from the loaded one.
type fakeWorker struct {
	id          domain.WorkerID
	procDelay   time.Duration
	switchDelay time.Duration
	results     chan<- *domain.WorkItem

	mu       sync.Mutex
	queue    *domain.WorkQueue
	model    string
	switches int
}

func newFakeWorker(id, model string, results chan<- *domain.WorkItem, procDelay, switchDelay time.Duration) *fakeWorker {
	return &fakeWorker{
		id:          domain.WorkerID(id),
		procDelay:   procDelay,
		switchDelay: switchDelay,
		results:     results,
		model:       model,
	}
}

func (w *fakeWorker) ID() domain.WorkerID { return w.id }

func (w *fakeWorker) Attach(q *domain.WorkQueue) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = q
}

func (w *fakeWorker) Detach() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = nil
}

func (w *fakeWorker) Queue() *domain.WorkQueue {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue
}

func (w *fakeWorker) LoadedModel() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.model
}

func (w *fakeWorker) Switches() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.switches
}

func (w *fakeWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		q := w.Queue()
		if q == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		item := q.Pop()
		if item == nil {
			time.Sleep(time.Millisecond)
			continue
		}

		w.mu.Lock()
		if item.Model != w.model {
			w.switches++
			w.model = item.Model
			w.mu.Unlock()
			time.Sleep(w.switchDelay)
		} else {
			w.mu.Unlock()
		}
		time.Sleep(w.procDelay)

		select {
		case w.results <- item:
		case <-ctx.Done():
			return
		}
	}
}

// TestSchedulerStress mirrors the production shape at a compressed time
// scale: 4 workers, 100 items across a mixed model set, creation times
// jittered into the past by up to the soft deadline. The scheduler must
// deliver everything exactly once without rebinding workers per item and
// with far fewer checkpoint switches than round-robin would cause.
func TestSchedulerStress(t *testing.T) {
	const (
		itemCount   = 100
		workerCount = 4
		procDelay   = 10 * time.Millisecond
		switchDelay = 10 * time.Millisecond
	)
	models := []string{"alpha", "beta", "gamma", "delta"}
	cfg := SchedulerConfig{
		SoftDeadline: 150 * time.Millisecond,
		QueueMaxSize: 10,
		PollInterval: 5 * time.Millisecond,
	}

	submissions := make(chan *domain.WorkItem, itemCount)
	results := make(chan *domain.WorkItem, itemCount)

	workers := make([]ports.Worker, 0, workerCount)
	fakes := make([]*fakeWorker, 0, workerCount)
	for i := 0; i < workerCount; i++ {
		w := newFakeWorker(fmt.Sprintf("worker-%d", i), models[0], results, procDelay, switchDelay)
		workers = append(workers, w)
		fakes = append(fakes, w)
	}

	s := NewScheduler(testLogger(), cfg, models, workers, submissions)

	rng := rand.New(rand.NewSource(42))
	now := time.Now()
	for i := 0; i < itemCount; i++ {
		item := domain.NewWorkItem(fmt.Sprintf("handle-%d", i), now.Add(-time.Duration(rng.Int63n(int64(cfg.SoftDeadline)))))
		item.Model = models[rng.Intn(len(models))]
		submissions <- item
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, w := range fakes {
		go w.Run(ctx)
	}
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// two delay units per item, spread over the workers, plus slack
	deadline := time.After(itemCount*2*procDelay/workerCount + 5*time.Second)
	seen := map[string]bool{}
	for len(seen) < itemCount {
		select {
		case item := <-results:
			require.False(t, seen[item.ContextHandle], "handle %s delivered twice", item.ContextHandle)
			seen[item.ContextHandle] = true
		case <-deadline:
			t.Fatalf("timed out with %d of %d items delivered", len(seen), itemCount)
		}
	}

	cancel()
	require.NoError(t, <-done)

	assert.Less(t, s.Rebinds(), itemCount, "worker rebinds should stay below one per item")

	totalSwitches := 0
	for _, w := range fakes {
		totalSwitches += w.Switches()
	}
	assert.Less(t, totalSwitches, itemCount/2, "scheduler should beat round-robin on checkpoint switches")
}

func newTestScheduler(t *testing.T, models []string, workers ...ports.Worker) (*Scheduler, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	s := NewScheduler(testLogger(), SchedulerConfig{}, models, workers, make(chan *domain.WorkItem)).WithClock(mock)
	return s, mock
}

func pushAged(mock *clock.Mock, s *Scheduler, model string, age time.Duration) *domain.WorkItem {
	item := domain.NewWorkItem("h-"+model, mock.Now().Add(-age))
	item.Model = model
	s.queues[model].queue.Push(item)
	return item
}

func TestSchedulePassMovesFreeWorkerToWorkableQueue(t *testing.T) {
	models := []string{"alpha", "beta"}
	results := make(chan *domain.WorkItem, 1)
	w := newFakeWorker("w1", "alpha", results, 0, 0)
	s, mock := newTestScheduler(t, models, w)

	s.adoptReadyWorkers()
	require.Same(t, s.queues["alpha"].queue, w.Queue())

	// alpha is idle, beta has work: the worker is free to move
	pushAged(mock, s, "beta", time.Second)
	s.schedulePass()
	assert.Same(t, s.queues["beta"].queue, w.Queue())
}

func TestSchedulePassPinsWorkersOnLateQueues(t *testing.T) {
	models := []string{"alpha", "beta"}
	w := newFakeWorker("w1", "alpha", nil, 0, 0)
	s, mock := newTestScheduler(t, models, w)
	s.adoptReadyWorkers()

	// both queues are past the deadline; the worker already serving one
	// must not be stolen to serve the other
	pushAged(mock, s, "alpha", domain.SoftDeadline+time.Minute)
	pushAged(mock, s, "beta", domain.SoftDeadline+2*time.Minute)
	s.schedulePass()

	assert.Same(t, s.queues["alpha"].queue, w.Queue())
	assert.Empty(t, s.queues["beta"].workers)
}

func TestSchedulePassPullsYoungestHeadForLateQueue(t *testing.T) {
	models := []string{"alpha", "beta", "gamma"}
	w1 := newFakeWorker("w1", "alpha", nil, 0, 0)
	w2 := newFakeWorker("w2", "beta", nil, 0, 0)
	s, mock := newTestScheduler(t, models, w1, w2)
	s.adoptReadyWorkers()

	// alpha's head is older than beta's; gamma is late and unmanned, so
	// the scheduler should raid the queue that loses the least
	pushAged(mock, s, "alpha", 20*time.Second)
	pushAged(mock, s, "beta", 2*time.Second)
	pushAged(mock, s, "gamma", domain.SoftDeadline+time.Minute)
	s.schedulePass()

	assert.Same(t, s.queues["alpha"].queue, w1.Queue())
	assert.Same(t, s.queues["gamma"].queue, w2.Queue())
}

func TestSchedulePassPrefersMostOverdueLateQueue(t *testing.T) {
	models := []string{"alpha", "beta", "gamma"}
	w := newFakeWorker("w1", "alpha", nil, 0, 0)
	s, mock := newTestScheduler(t, models, w)
	s.adoptReadyWorkers()

	pushAged(mock, s, "beta", domain.SoftDeadline+time.Minute)
	pushAged(mock, s, "gamma", domain.SoftDeadline+2*time.Minute)
	s.schedulePass()

	assert.Same(t, s.queues["gamma"].queue, w.Queue())
}

func TestAdoptReadyWorkers(t *testing.T) {
	models := []string{"alpha", "beta"}
	ready := newFakeWorker("w1", "beta", nil, 0, 0)
	unknown := newFakeWorker("w2", "strange.ckpt", nil, 0, 0)
	booting := newFakeWorker("w3", "", nil, 0, 0)
	s, _ := newTestScheduler(t, models, ready, unknown, booting)

	s.adoptReadyWorkers()

	// known checkpoints keep their queue, unknown ones fall back to the
	// default model, unreachable backends stay unassigned
	assert.Same(t, s.queues["beta"].queue, ready.Queue())
	assert.Same(t, s.queues["alpha"].queue, unknown.Queue())
	assert.Nil(t, booting.Queue())
}

func TestSchedulerStatusSnapshots(t *testing.T) {
	models := []string{"alpha", "beta"}
	w := newFakeWorker("w1", "alpha", nil, 0, 0)
	s, mock := newTestScheduler(t, models, w)
	s.adoptReadyWorkers()
	pushAged(mock, s, "beta", 10*time.Second)

	queues := s.Queues()
	require.Len(t, queues, 2)
	assert.Equal(t, "alpha", queues[0].Model)
	assert.Equal(t, []domain.WorkerID{"w1"}, queues[0].Workers)
	assert.Equal(t, "beta", queues[1].Model)
	assert.Equal(t, 1, queues[1].Size)
	assert.InDelta(t, 10.0, queues[1].HeadLatency, 0.01)

	workers := s.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, domain.WorkerID("w1"), workers[0].ID)
	assert.Equal(t, "alpha", workers[0].Queue)
}
