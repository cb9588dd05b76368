package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// defaultRequestRate seeds a fresh endpoint's requests-per-second estimate.
const defaultRequestRate = 1.0 / 30

const requestTimeout = 60 * time.Second

const taggerInstruction = "You are a tool that helps tag danbooru images when given a textual image description. " +
	"Provide me with danbooru tags that accurately fit the following description. "

// Endpoint configures one completion server in the pool.
type Endpoint struct {
	URL string
	// RequestRate optionally seeds the load estimate; zero uses the default.
	RequestRate float64
}

type endpointState struct {
	url         string
	requestRate float64
	inFlight    int
}

// expectedWait estimates how long a new request would queue behind this
// endpoint's current load.
func (e *endpointState) expectedWait() float64 {
	if e.requestRate <= 0 {
		e.requestRate = defaultRequestRate
	}
	return float64(e.inFlight) / e.requestRate
}

// Tagger expands free-form prompts into booru-style tags using a pool of
// OpenAI-compatible completion servers. Requests go to the endpoint with
// the lowest expected wait; each completion updates that endpoint's request
// rate as an exponential moving average.
type Tagger struct {
	client *http.Client
	clock  clock.Clock

	mu        sync.Mutex
	endpoints []*endpointState
}

func NewTagger(endpoints []Endpoint) *Tagger {
	t := &Tagger{
		client: &http.Client{Timeout: requestTimeout},
		clock:  clock.New(),
	}
	for _, e := range endpoints {
		rate := e.RequestRate
		if rate <= 0 {
			rate = defaultRequestRate
		}
		t.endpoints = append(t.endpoints, &endpointState{url: e.URL, requestRate: rate})
	}
	return t
}

// WithClock replaces the latency clock. Test hook.
func (t *Tagger) WithClock(c clock.Clock) *Tagger {
	t.clock = c
	return t
}

type completionRequest struct {
	Prompt        string   `json:"prompt"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	TopK          int      `json:"top_k"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	Echo          bool     `json:"echo"`
	MaxTokens     int      `json:"max_tokens"`
	Stop          []string `json:"stop"`
}

type completionResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
}

// Expand returns comma-separated tags for the prompt, ready to append.
func (t *Tagger) Expand(ctx context.Context, prompt string) (string, error) {
	endpoint := t.acquire()
	if endpoint == nil {
		return "", errors.New("no completion endpoints configured")
	}

	start := t.clock.Now()
	text, err := t.complete(ctx, endpoint.url, prompt)
	t.release(endpoint, t.clock.Since(start), err == nil)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(text, " ", ", "), nil
}

// acquire picks the least-loaded endpoint and marks a request in flight.
func (t *Tagger) acquire() *endpointState {
	t.mu.Lock()
	defer t.mu.Unlock()
	var best *endpointState
	for _, e := range t.endpoints {
		if best == nil || e.expectedWait() < best.expectedWait() {
			best = e
		}
	}
	if best != nil {
		best.inFlight++
	}
	return best
}

// release folds the observed latency into the endpoint's rate estimate,
// weighting the new sample at one third.
func (t *Tagger) release(e *endpointState, elapsed time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.inFlight--
	if !ok || elapsed <= 0 {
		return
	}
	observed := 1 / elapsed.Seconds()
	if e.requestRate == 0 {
		e.requestRate = observed
	} else {
		e.requestRate = observed/3 + e.requestRate*2/3
	}
}

func (t *Tagger) complete(ctx context.Context, baseURL, prompt string) (string, error) {
	fullPrompt := " A chat between a curious user and an artificial intelligence assistant. " +
		"The assistant gives helpful, detailed, and polite answers to the user's questions. " +
		"USER: " + taggerInstruction + prompt + " ASSISTANT:"

	body, err := json.Marshal(completionRequest{
		Prompt:        fullPrompt,
		Temperature:   0.6,
		TopP:          0.8,
		TopK:          40,
		RepeatPenalty: 1.18,
		MaxTokens:     64,
		Stop:          []string{"\n", "</s>", "<s>", "User:"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion request: unexpected status %d", resp.StatusCode)
	}

	var decoded completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("completion response has no choices")
	}
	return decoded.Choices[0].Text, nil
}
