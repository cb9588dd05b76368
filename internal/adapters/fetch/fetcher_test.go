package fetch

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/easel/internal/core/domain"
)

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, width, height))))
	return buf.Bytes()
}

func TestFetchDecodesImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngBytes(t, 64, 48))
	}))
	defer srv.Close()

	img, err := NewImageFetcher().Fetch(context.Background(), srv.URL+"/cat.png")
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 48, img.Bounds().Dy())
}

func TestFetchRejectsBadScheme(t *testing.T) {
	f := NewImageFetcher()
	_, err := f.Fetch(context.Background(), "file:///etc/passwd")
	assert.ErrorIs(t, err, domain.ErrBadImage)
	_, err = f.Fetch(context.Background(), "not a url")
	assert.ErrorIs(t, err, domain.ErrBadImage)
}

func TestFetchRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewImageFetcher().Fetch(context.Background(), srv.URL+"/gone.png")
	assert.ErrorIs(t, err, domain.ErrBadImage)
}

func TestFetchRejectsNonImageBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>definitely not a png</html>"))
	}))
	defer srv.Close()

	_, err := NewImageFetcher().Fetch(context.Background(), srv.URL+"/page.html")
	assert.ErrorIs(t, err, domain.ErrBadImage)
}
