package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreferencesRoundTrip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	path := filepath.Join(t.TempDir(), "prefs.json")

	p, err := NewPreferences(logger, path)
	require.NoError(t, err)
	assert.Nil(t, p.Get("42", "steps"))

	p.Set("42", "steps", 30)
	p.Set("42", "sampler", "Euler a")
	p.Set("43", "cfg", 7.5)
	require.NoError(t, p.Save())

	reloaded, err := NewPreferences(logger, path)
	require.NoError(t, err)

	// JSON decoding hands numbers back as float64; validation downstream
	// restores the declared kinds
	assert.Equal(t, float64(30), reloaded.Get("42", "steps"))
	assert.Equal(t, "Euler a", reloaded.Get("42", "sampler"))
	assert.Equal(t, 7.5, reloaded.Get("43", "cfg"))
	assert.Nil(t, reloaded.Get("42", "cfg"))

	all := reloaded.All("42")
	assert.Len(t, all, 2)
}

func TestPreferencesSaveSkipsWhenClean(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	path := filepath.Join(t.TempDir(), "prefs.json")

	p, err := NewPreferences(logger, path)
	require.NoError(t, err)

	require.NoError(t, p.Save())
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "clean store should not touch disk")

	p.Set("42", "steps", 30)
	require.NoError(t, p.Save())
	_, statErr = os.Stat(path)
	assert.NoError(t, statErr)
}

func TestPreferencesAutosave(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	path := filepath.Join(t.TempDir(), "prefs.json")

	p, err := NewPreferences(logger, path)
	require.NoError(t, err)
	mock := clock.NewMock()
	p.WithClock(mock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.Set("42", "width", 768)
	require.Eventually(t, func() bool {
		mock.Add(saveInterval)
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestPreferencesSaveOnShutdown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	path := filepath.Join(t.TempDir(), "prefs.json")

	p, err := NewPreferences(logger, path)
	require.NoError(t, err)
	p.WithClock(clock.NewMock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.Set("42", "vae", "Automatic")
	cancel()
	require.NoError(t, <-done)

	reloaded, err := NewPreferences(logger, path)
	require.NoError(t, err)
	assert.Equal(t, "Automatic", reloaded.Get("42", "vae"))
}

func TestPreferencesCorruptFile(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	path := filepath.Join(t.TempDir(), "prefs.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewPreferences(logger, path)
	assert.Error(t, err)
}
