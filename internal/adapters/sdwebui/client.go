package sdwebui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/manthysbr/easel/internal/core/domain"
)

const (
	optionsTimeout = 60 * time.Second
	// generations with high-res passes routinely run for minutes
	generationTimeout = 5 * time.Minute
)

// Client talks to one Stable Diffusion web API instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	genClient  *http.Client
}

// NewClient returns a client for the API at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: optionsTimeout},
		genClient:  &http.Client{Timeout: generationTimeout},
	}
}

// BaseURL returns the backend address this client is bound to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Options fetches the backend's current options.
func (c *Client) Options(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sdapi/v1/options", nil)
	if err != nil {
		return nil, fmt.Errorf("build options request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get options: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get options: unexpected status %d", resp.StatusCode)
	}

	var options map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	return options, nil
}

// SetOptions posts option overrides, such as a checkpoint switch.
func (c *Client) SetOptions(ctx context.Context, values map[string]any) error {
	body, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sdapi/v1/options", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build options request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("set options: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("set options: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Txt2Img runs a text-to-image generation and returns the base64 images.
func (c *Client) Txt2Img(ctx context.Context, item *domain.WorkItem) ([]string, error) {
	return c.generate(ctx, "/sdapi/v1/txt2img", requestFor(item))
}

// Img2Img runs an image-to-image generation and returns the base64 images.
func (c *Client) Img2Img(ctx context.Context, item *domain.WorkItem) ([]string, error) {
	return c.generate(ctx, "/sdapi/v1/img2img", requestFor(item))
}

func (c *Client) generate(ctx context.Context, path string, genReq generationRequest) ([]string, error) {
	body, err := json.Marshal(genReq)
	if err != nil {
		return nil, fmt.Errorf("marshal generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.genClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generation request: unexpected status %d", resp.StatusCode)
	}

	var genResp generationResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, fmt.Errorf("decode generation response: %w", err)
	}
	return genResp.Images, nil
}

type overrideSettings struct {
	SDVae string `json:"sd_vae"`
}

// generationRequest mirrors the webui generation body. The same shape
// serves txt2img and img2img; the optional blocks are only populated for
// the mode that uses them.
type generationRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Steps          int     `json:"steps"`
	CFGScale       float64 `json:"cfg_scale"`
	SamplerName    string  `json:"sampler_name"`
	Seed           int64   `json:"seed"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	BatchSize      int     `json:"batch_size"`

	EnableHR          bool     `json:"enable_hr,omitempty"`
	HRUpscaler        string   `json:"hr_upscaler,omitempty"`
	HRScale           float64  `json:"hr_scale,omitempty"`
	HRSecondPassSteps int      `json:"hr_second_pass_steps,omitempty"`
	DenoisingStrength *float64 `json:"denoising_strength,omitempty"`

	RefinerCheckpoint string  `json:"refiner_checkpoint,omitempty"`
	RefinerSwitchAt   float64 `json:"refiner_switch_at,omitempty"`

	ResizeMode *int     `json:"resize_mode,omitempty"`
	InitImages []string `json:"init_images,omitempty"`

	OverrideSettings                  overrideSettings `json:"override_settings"`
	OverrideSettingsRestoreAfterwards bool             `json:"override_settings_restore_afterwards"`
}

type generationResponse struct {
	Images []string `json:"images"`
}

func requestFor(item *domain.WorkItem) generationRequest {
	r := generationRequest{
		Prompt:                            item.Prompt,
		NegativePrompt:                    item.NegPrompt,
		Steps:                             item.Steps,
		CFGScale:                          item.CFG,
		SamplerName:                       item.Sampler,
		Seed:                              item.Seed,
		Width:                             item.Width,
		Height:                            item.Height,
		BatchSize:                         item.BatchSize,
		OverrideSettings:                  overrideSettings{SDVae: item.VAE},
		OverrideSettingsRestoreAfterwards: true,
	}

	if item.IsImg2Img() {
		mode := item.ResizeMode
		denoising := item.DenoisingStr
		r.ResizeMode = &mode
		r.DenoisingStrength = &denoising
		r.InitImages = []string{"data:image/png;base64," + item.ImageB64}
	} else if item.WantsHighres() {
		denoising := item.DenoisingStr
		r.EnableHR = true
		r.HRUpscaler = item.Upscaler
		r.HRScale = item.Scale
		r.HRSecondPassSteps = item.HighresSteps
		r.DenoisingStrength = &denoising
	}

	if item.Refiner != "" && item.Refiner != domain.RefinerNone {
		r.RefinerCheckpoint = item.Refiner
		r.RefinerSwitchAt = item.RefinerSwitchAt
	}

	return r
}
