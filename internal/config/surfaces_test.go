package config

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/easel/internal/core/domain"
)

const sampleConfig = `{
  "channels": {
    "0": {"description": "general", "in_flight_cap": 1},
    "1": {"description": "art", "in_flight_cap": 2},
    "2": {"description": "bots", "in_flight_cap": 3},
    "3": {"description": "nsfw-art", "in_flight_cap": 4, "img_spoiler_tag": true},
    "4": {"description": "uncapped"}
  },
  "categories": {
    "77": {"description": "ai category", "in_flight_cap": 7}
  },
  "guilds": {
    "88": {"description": "home guild"}
  },
  "in_flight_cap": {
    "1111": 999,
    "2222": 2,
    "default": 100
  },
  "backends": ["http://127.0.0.1:7860"],
  "models": ["anythingV5", "animeXL"]
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestInFlightGenCapResolution(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	// channel-level caps win for users without a personal cap
	for i := 0; i < 4; i++ {
		channel := strconv.Itoa(i)
		assert.Equal(t, i+1, cfg.InFlightGenCap("555", channel, "", "88"), "channel %s", channel)
	}

	// a channel without its own cap falls through to the configured default
	assert.Equal(t, 100, cfg.InFlightGenCap("555", "4", "", "88"))

	// personal caps beat every surface cap
	for i := 0; i < 5; i++ {
		channel := strconv.Itoa(i)
		assert.Equal(t, 999, cfg.InFlightGenCap("1111", channel, "", "88"))
		assert.Equal(t, 2, cfg.InFlightGenCap("2222", channel, "", "88"))
	}

	// category cap applies to channels that only match by category
	assert.Equal(t, 7, cfg.InFlightGenCap("555", "unknown", "77", "88"))

	// guild without a cap falls through to the configured default
	assert.Equal(t, 100, cfg.InFlightGenCap("555", "unknown", "", "88"))
}

func TestInFlightGenCapBuiltInDefault(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
  "channels": {"0": {"description": "general"}},
  "in_flight_cap": {},
  "backends": ["http://127.0.0.1:7860"],
  "models": ["anythingV5"]
}`))
	require.NoError(t, err)

	assert.Equal(t, domain.DefaultInFlightCap, cfg.InFlightGenCap("555", "0", "", ""))
}

func TestIsSupported(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.True(t, cfg.IsSupported("0", "", ""))
	assert.True(t, cfg.IsSupported("unknown", "77", ""))
	assert.True(t, cfg.IsSupported("unknown", "", "88"))
	assert.False(t, cfg.IsSupported("unknown", "66", "99"))
}

func TestSpoilerImages(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.True(t, cfg.SpoilerImages("3"))
	assert.False(t, cfg.SpoilerImages("0"))
	assert.False(t, cfg.SpoilerImages("unknown"))
}

func TestLoadValidation(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{"backends": ["http://127.0.0.1:7860"]}`))
	assert.ErrorContains(t, err, "no models")

	_, err = Load(writeConfig(t, `{"models": ["anythingV5"]}`))
	assert.ErrorContains(t, err, "no backends")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.StatusAddr)
}
