package sdwebui

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"

	"github.com/manthysbr/easel/internal/core/domain"
)

const (
	// readyPollInterval paces the options probe while the backend boots.
	readyPollInterval = time.Second
	// idlePollInterval paces queue polling when detached or drained.
	idlePollInterval = 100 * time.Millisecond
)

// Worker is a long-lived actor bound to one backend. It drains whichever
// model queue the scheduler attaches it to, executes each item against the
// backend and pushes the item to the result channel whether it succeeded
// or not.
type Worker struct {
	logger  *slog.Logger
	client  *Client
	clock   clock.Clock
	models  []string
	results chan<- *domain.WorkItem

	mu      sync.Mutex
	queue   *domain.WorkQueue
	options map[string]any
}

// NewWorker builds a worker for client. models is the friendly checkpoint
// list used to match the backend's loaded checkpoint.
func NewWorker(logger *slog.Logger, client *Client, models []string, results chan<- *domain.WorkItem) *Worker {
	return &Worker{
		logger:  logger.With("worker", client.BaseURL()),
		client:  client,
		clock:   clock.New(),
		models:  models,
		results: results,
	}
}

// WithClock replaces the poll clock. Test hook.
func (w *Worker) WithClock(c clock.Clock) *Worker {
	w.clock = c
	return w
}

// ID identifies the worker by its backend address.
func (w *Worker) ID() domain.WorkerID {
	return domain.WorkerID(w.client.BaseURL())
}

// Attach points the worker at a queue. The running loop picks it up on its
// next iteration.
func (w *Worker) Attach(q *domain.WorkQueue) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = q
}

// Detach leaves the worker idle.
func (w *Worker) Detach() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = nil
}

// Queue returns the currently attached queue, or nil.
func (w *Worker) Queue() *domain.WorkQueue {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue
}

// LoadedModel reports the friendly name of the backend's loaded checkpoint,
// the raw checkpoint string when no configured model matches, or "" while
// the backend has not answered its first options probe.
func (w *Worker) LoadedModel() string {
	checkpoint := w.checkpoint()
	if checkpoint == "" {
		return ""
	}
	for _, model := range w.models {
		if strings.Contains(checkpoint, model) {
			return model
		}
	}
	return checkpoint
}

// Run executes the worker loop until ctx is cancelled. The backend may
// still be loading its first checkpoint at startup, so nothing is pulled
// until the options endpoint answers.
func (w *Worker) Run(ctx context.Context) error {
	for {
		options, err := w.client.Options(ctx)
		if err == nil {
			if _, ok := options["sd_model_checkpoint"]; ok {
				w.setOptions(options)
				break
			}
		}
		w.logger.Info("waiting for backend to come up")
		select {
		case <-ctx.Done():
			return nil
		case <-w.clock.After(readyPollInterval):
		}
	}
	w.logger.Info("backend ready", "model", w.LoadedModel())

	for {
		item := w.pull(ctx)
		if item == nil {
			return nil
		}
		w.process(ctx, item)
		select {
		case w.results <- item:
		case <-ctx.Done():
			return nil
		}
	}
}

// pull blocks until a queue is attached and yields an item, polling at the
// idle cadence. Returns nil when ctx is cancelled.
func (w *Worker) pull(ctx context.Context) *domain.WorkItem {
	for {
		if q := w.Queue(); q != nil {
			if item := q.Pop(); item != nil {
				return item
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-w.clock.After(idlePollInterval):
		}
	}
}

func (w *Worker) process(ctx context.Context, item *domain.WorkItem) {
	if !strings.Contains(w.checkpoint(), item.Model) {
		w.logger.Info("switching checkpoint", "model", item.Model)
		if err := w.switchModel(ctx, item.Model); err != nil {
			item.ErrorMessage = fmt.Sprintf("Unable to switch to model %s", item.Model)
			w.logger.Error("checkpoint switch failed", "model", item.Model, "error", err)
			return
		}
	}

	var (
		payloads []string
		err      error
	)
	if item.IsImg2Img() {
		payloads, err = w.client.Img2Img(ctx, item)
	} else {
		payloads, err = w.client.Txt2Img(ctx, item)
	}
	if err != nil {
		w.logger.Error("generation failed", "handle", item.ContextHandle, "error", err)
		return
	}

	decoded := make([]image.Image, 0, len(payloads))
	for _, payload := range payloads {
		img, err := decodeImage(payload)
		if err != nil {
			w.logger.Error("image decode failed", "handle", item.ContextHandle, "error", err)
			return
		}
		decoded = append(decoded, img)
	}
	item.Images = decoded
}

func (w *Worker) switchModel(ctx context.Context, model string) error {
	values := map[string]any{"sd_model_checkpoint": model}
	if err := w.client.SetOptions(ctx, values); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range values {
		w.options[k] = v
	}
	return nil
}

func (w *Worker) setOptions(options map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.options = options
}

func (w *Worker) checkpoint() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, _ := w.options["sd_model_checkpoint"].(string)
	return s
}

// decodeImage decodes one base64 image from a generation response,
// stripping any data URL prefix. Base64 never contains a comma, so the
// split is unambiguous.
func decodeImage(payload string) (image.Image, error) {
	if i := strings.IndexByte(payload, ','); i >= 0 {
		payload = payload[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}
