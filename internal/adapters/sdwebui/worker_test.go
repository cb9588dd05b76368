package sdwebui

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/easel/internal/core/domain"
)

var testWorkerModels = []string{"anythingV5", "animeXL"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func testPNGBase64(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1)), imaging.PNG))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func recvItem(t *testing.T, ch <-chan *domain.WorkItem) *domain.WorkItem {
	t.Helper()
	select {
	case item := <-ch:
		return item
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return nil
	}
}

func TestWorkerProcessesQueue(t *testing.T) {
	state := newCaptureServer("anythingV5_v5.safetensors [abc123]")
	state.setImages(testPNGBase64(t))
	srv := httptest.NewServer(state.handler())
	defer srv.Close()

	results := make(chan *domain.WorkItem, 4)
	w := NewWorker(testLogger(), NewClient(srv.URL), testWorkerModels, results)

	q := domain.NewWorkQueue()
	first := baseItem()
	first.Model = "animeXL" // forces one checkpoint switch
	second := baseItem()
	second.Model = "animeXL"
	q.Push(first)
	q.Push(second)
	w.Attach(q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	got1 := recvItem(t, results)
	got2 := recvItem(t, results)
	assert.Same(t, first, got1)
	assert.Same(t, second, got2)
	require.Len(t, got1.Images, 1)
	require.Len(t, got2.Images, 1)

	// the second item found the checkpoint already loaded
	state.mu.Lock()
	assert.Len(t, state.setCalls, 1)
	state.mu.Unlock()

	assert.Equal(t, "animeXL", w.LoadedModel())

	cancel()
	require.NoError(t, <-done)
}

func TestWorkerSwitchFailure(t *testing.T) {
	state := newCaptureServer("anythingV5_v5.safetensors")
	state.setImages(testPNGBase64(t))
	state.setFailure(http.StatusInternalServerError)
	srv := httptest.NewServer(state.handler())
	defer srv.Close()

	results := make(chan *domain.WorkItem, 1)
	w := NewWorker(testLogger(), NewClient(srv.URL), testWorkerModels, results)

	q := domain.NewWorkQueue()
	item := baseItem()
	item.Model = "animeXL"
	q.Push(item)
	w.Attach(q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	got := recvItem(t, results)
	assert.Empty(t, got.Images)
	assert.Equal(t, "Unable to switch to model animeXL", got.ErrorMessage)

	// generation must not run against the wrong checkpoint
	state.mu.Lock()
	assert.Empty(t, state.genBodies)
	state.mu.Unlock()
}

func TestWorkerGenerationFailure(t *testing.T) {
	state := newCaptureServer("anythingV5_v5.safetensors")
	state.genFailure(http.StatusInternalServerError)
	srv := httptest.NewServer(state.handler())
	defer srv.Close()

	results := make(chan *domain.WorkItem, 1)
	w := NewWorker(testLogger(), NewClient(srv.URL), testWorkerModels, results)

	q := domain.NewWorkQueue()
	q.Push(baseItem())
	w.Attach(q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// the item still reaches the result stream, carrying the default error
	got := recvItem(t, results)
	assert.Empty(t, got.Images)
	assert.Equal(t, domain.DefaultErrorMessage, got.ErrorMessage)
}

func TestWorkerBadImagePayload(t *testing.T) {
	state := newCaptureServer("anythingV5_v5.safetensors")
	state.setImages("!!! not base64 !!!")
	srv := httptest.NewServer(state.handler())
	defer srv.Close()

	results := make(chan *domain.WorkItem, 1)
	w := NewWorker(testLogger(), NewClient(srv.URL), testWorkerModels, results)

	q := domain.NewWorkQueue()
	q.Push(baseItem())
	w.Attach(q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	got := recvItem(t, results)
	assert.Empty(t, got.Images)
	assert.Equal(t, domain.DefaultErrorMessage, got.ErrorMessage)
}

func TestWorkerWaitsForBackend(t *testing.T) {
	var ready atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/sdapi/v1/options", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"sd_model_checkpoint": "anythingV5_v5.safetensors"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mock := clock.NewMock()
	results := make(chan *domain.WorkItem, 1)
	w := NewWorker(testLogger(), NewClient(srv.URL), testWorkerModels, results).WithClock(mock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Equal(t, "", w.LoadedModel())

	ready.Store(true)
	require.Eventually(t, func() bool {
		mock.Add(readyPollInterval)
		return w.LoadedModel() == "anythingV5"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestWorkerAttachDetach(t *testing.T) {
	state := newCaptureServer("anythingV5_v5.safetensors")
	srv := httptest.NewServer(state.handler())
	defer srv.Close()

	w := NewWorker(testLogger(), NewClient(srv.URL), testWorkerModels, nil)
	assert.Nil(t, w.Queue())

	q := domain.NewWorkQueue()
	w.Attach(q)
	assert.Same(t, q, w.Queue())

	w.Detach()
	assert.Nil(t, w.Queue())

	assert.Equal(t, domain.WorkerID(srv.URL), w.ID())
}

func TestLoadedModelFriendlyName(t *testing.T) {
	w := NewWorker(testLogger(), NewClient("http://127.0.0.1:7860"), testWorkerModels, nil)
	assert.Equal(t, "", w.LoadedModel())

	w.setOptions(map[string]any{"sd_model_checkpoint": "v5/anythingV5_pruned.safetensors [abc123]"})
	assert.Equal(t, "anythingV5", w.LoadedModel())

	w.setOptions(map[string]any{"sd_model_checkpoint": "somethingElse.ckpt"})
	assert.Equal(t, "somethingElse.ckpt", w.LoadedModel())
}

func TestDecodeImagePrefixHandling(t *testing.T) {
	payload := testPNGBase64(t)

	img, err := decodeImage(payload)
	require.NoError(t, err)
	assert.NotNil(t, img)

	img, err = decodeImage("data:image/png;base64," + payload)
	require.NoError(t, err)
	assert.NotNil(t, img)

	_, err = decodeImage("%%%")
	assert.Error(t, err)

	// valid base64 that is not an image
	_, err = decodeImage(base64.StdEncoding.EncodeToString([]byte("plain text")))
	assert.Error(t, err)
}
