package fetch

import (
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/disintegration/imaging"

	"github.com/manthysbr/easel/internal/core/domain"
)

const (
	downloadTimeout = 10 * time.Second
	// maxImageBytes caps the response body; user-supplied URLs should never
	// stream us gigabytes.
	maxImageBytes = 32 << 20
)

// ImageFetcher downloads user-supplied source images for img2img requests.
// Failures tied to the URL or its content wrap domain.ErrBadImage so the
// chat adapter can phrase them for the user.
type ImageFetcher struct {
	client *http.Client
}

func NewImageFetcher() *ImageFetcher {
	return &ImageFetcher{client: &http.Client{Timeout: downloadTimeout}}
}

// Fetch downloads and decodes the image at rawURL.
func (f *ImageFetcher) Fetch(ctx context.Context, rawURL string) (image.Image, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: unsupported url %q", domain.ErrBadImage, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadImage, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadImage, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", domain.ErrBadImage, resp.StatusCode)
	}

	img, err := imaging.Decode(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadImage, err)
	}
	return img, nil
}
