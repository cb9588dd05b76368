package ports

import (
	"context"
	"image"

	"github.com/manthysbr/easel/internal/core/domain"
)

// Worker abstracts one backend generation slot as the scheduler sees it.
// Attach, Detach and Queue are safe to call concurrently with the worker's
// own loop; the worker observes a rebind on its next iteration.
type Worker interface {
	// ID identifies the worker in logs and status reports.
	ID() domain.WorkerID

	// Attach points the worker at a model queue to drain.
	Attach(q *domain.WorkQueue)

	// Detach leaves the worker idle until the next Attach.
	Detach()

	// Queue returns the currently attached queue, or nil when detached.
	Queue() *domain.WorkQueue

	// LoadedModel returns the friendly name of the checkpoint the backend
	// currently has loaded, the raw checkpoint string when no friendly
	// name matches, or "" while the backend is unreachable.
	LoadedModel() string
}

// ImageFetcher retrieves and decodes a user-supplied source image for
// img2img requests.
type ImageFetcher interface {
	// Fetch downloads the image at url. Failures that stem from the URL
	// itself (bad type, gone, too large) wrap domain.ErrBadImage.
	Fetch(ctx context.Context, url string) (image.Image, error)
}

// TagExpander turns a free-form prompt into booru-style tags using a text
// model. Expansion is best-effort: an error means the prompt is used as-is.
type TagExpander interface {
	Expand(ctx context.Context, prompt string) (string, error)
}

// Notifier delivers finished work back to the chat surface. The handle is
// the one issued at admission; implementations map it back to whatever
// reply context the surface needs.
type Notifier interface {
	// Succeeded delivers the generated images. spoiler asks the surface to
	// hide them behind its spoiler mechanism.
	Succeeded(handle string, images []image.Image, spoiler bool)

	// Failed reports a terminal per-request failure.
	Failed(handle string, reason string)
}

// Typist keeps a chat channel's activity indicator alive while generations
// for that channel are outstanding.
type Typist interface {
	// BeginTyping starts the indicator for a channel. Called on the
	// transition from zero to one outstanding item.
	BeginTyping(channelID string)

	// EndTyping stops the indicator. Called on the transition back to zero.
	EndTyping(channelID string)
}
