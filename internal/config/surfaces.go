package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/manthysbr/easel/internal/core/domain"
)

// SurfaceRecord describes one allowed chat surface: a channel, a category
// or a whole guild.
type SurfaceRecord struct {
	Description string `json:"description"`
	// InFlightCap overrides the per-user in-flight cap for requests made
	// through this surface. nil means fall through to the next level.
	InFlightCap *int `json:"in_flight_cap,omitempty"`
	// ImgSpoilerTag marks generated images as spoilers when delivered to
	// this surface. Only honored on channel records.
	ImgSpoilerTag bool `json:"img_spoiler_tag,omitempty"`
}

// LLMEndpoint is one completion server used for prompt tag expansion.
type LLMEndpoint struct {
	URL string `json:"url"`
	// RequestRate seeds the endpoint's requests-per-second estimate used
	// for load balancing. Defaults to one request per 30 seconds.
	RequestRate float64 `json:"request_rate,omitempty"`
}

// Config is the read-only deployment configuration, loaded once at startup.
type Config struct {
	Channels   map[string]SurfaceRecord `json:"channels"`
	Categories map[string]SurfaceRecord `json:"categories"`
	Guilds     map[string]SurfaceRecord `json:"guilds"`

	// InFlightCap maps user ids to their personal cap. The "default" key
	// is the deployment-wide fallback.
	InFlightCap map[string]int `json:"in_flight_cap"`

	// Backends lists the generation API base URLs, one worker per entry.
	Backends []string `json:"backends"`

	// LLMURLs lists completion servers for tag expansion. Optional.
	LLMURLs []LLMEndpoint `json:"llm_urls"`

	// Models are the selectable checkpoints, friendliest name first; the
	// first entry is the global default. VAEs extends the built-in vae
	// modes.
	Models []string `json:"models"`
	VAEs   []string `json:"vaes"`

	// Asset directories scanned for the info surface. Optional.
	LoraDir       string `json:"lora_dir"`
	EmbeddingsDir string `json:"embeddings_dir"`
	DocsDir       string `json:"docs_dir"`

	// StatusAddr is the listen address of the introspection API.
	StatusAddr string `json:"status_addr"`
}

// Load reads and validates the deployment configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if len(cfg.Models) == 0 {
		return nil, errors.New("config lists no models")
	}
	if len(cfg.Backends) == 0 {
		return nil, errors.New("config lists no backends")
	}
	if cfg.StatusAddr == "" {
		cfg.StatusAddr = ":8090"
	}
	return &cfg, nil
}

// IsSupported reports whether requests from the given surface are accepted,
// falling through channel, category, then guild.
func (c *Config) IsSupported(channelID, categoryID, guildID string) bool {
	if _, ok := c.Channels[channelID]; ok {
		return true
	}
	if categoryID != "" {
		if _, ok := c.Categories[categoryID]; ok {
			return true
		}
	}
	_, ok := c.Guilds[guildID]
	return ok
}

// InFlightGenCap resolves the per-user in-flight cap for a request, in
// priority order user, channel, category, guild, configured default,
// built-in default.
func (c *Config) InFlightGenCap(userID, channelID, categoryID, guildID string) int {
	if v, ok := c.InFlightCap[userID]; ok {
		return v
	}
	if rec, ok := c.Channels[channelID]; ok && rec.InFlightCap != nil {
		return *rec.InFlightCap
	}
	if categoryID != "" {
		if rec, ok := c.Categories[categoryID]; ok && rec.InFlightCap != nil {
			return *rec.InFlightCap
		}
	}
	if rec, ok := c.Guilds[guildID]; ok && rec.InFlightCap != nil {
		return *rec.InFlightCap
	}
	if v, ok := c.InFlightCap["default"]; ok {
		return v
	}
	return domain.DefaultInFlightCap
}

// SpoilerImages reports whether generated images for the channel should be
// delivered behind a spoiler marker.
func (c *Config) SpoilerImages(channelID string) bool {
	return c.Channels[channelID].ImgSpoilerTag
}
