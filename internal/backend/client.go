package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d", e.StatusCode)
}

// Client talks to one inference backend: chat completions (JSON or
// streaming), the KV-slot save/restore API, and the model listing. Slot
// contents are opaque to it; it only ever names snapshot files by basename.
type Client struct {
	id      string
	baseURL string
	slots   int
	timeout time.Duration
	client  *http.Client
	logger  zerolog.Logger

	// modelID is the backend's reported model identity, resolved by Probe.
	// Falls back to the configured default when the probe never succeeds.
	modelID atomic.Value
}

// NewClient creates a backend client with pooled connections. fallbackModelID
// is used for content keys until Probe resolves the backend's own id.
func NewClient(id, baseURL string, slots int, timeout time.Duration, fallbackModelID string, logger zerolog.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	c := &Client{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		slots:   slots,
		timeout: timeout,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		logger: logger.With().Str("backend", id).Logger(),
	}
	c.modelID.Store(fallbackModelID)
	return c
}

// ID returns the backend identifier from configuration.
func (c *Client) ID() string { return c.id }

// Slots returns the backend's fixed slot count.
func (c *Client) Slots() int { return c.slots }

// ModelID returns the backend's model identity as last resolved.
func (c *Client) ModelID() string {
	v, _ := c.modelID.Load().(string)
	return v
}

// ChatCompletions forwards a chat completion body to the backend, pinned to
// slotID. The slot id rides in three places at once (request root, options
// object, query string) because different backend revisions read different
// ones. The caller owns the returned response and must close its body.
func (c *Client) ChatCompletions(ctx context.Context, body map[string]interface{}, slotID int, cachePrompt, stream bool) (*http.Response, error) {
	b := make(map[string]interface{}, len(body)+5)
	for k, v := range body {
		b[k] = v
	}
	b["stream"] = stream
	b["cache_prompt"] = cachePrompt
	b["n_keep"] = -1

	b["slot_id"] = slotID
	b["id_slot"] = slotID
	opts := make(map[string]interface{}, 2)
	if orig, ok := b["options"].(map[string]interface{}); ok {
		for k, v := range orig {
			opts[k] = v
		}
	}
	opts["slot_id"] = slotID
	opts["id_slot"] = slotID
	b["options"] = opts

	q := url.Values{}
	q.Set("slot_id", strconv.Itoa(slotID))
	q.Set("id_slot", strconv.Itoa(slotID))

	payload, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encoding chat completion body: %w", err)
	}

	reqURL := c.baseURL + "/v1/chat/completions?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating chat completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	// Streams stay open for the duration of the generation; the per-request
	// context is the only deadline that applies to them.
	client := c.client
	if stream {
		client = &http.Client{Transport: c.client.Transport}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("forwarding to backend %s: %w", c.id, err)
	}
	return resp, nil
}

// SaveSlot asks the backend to persist slot slotID's KV state under the given
// basename inside its slot-save directory.
func (c *Client) SaveSlot(ctx context.Context, slotID int, basename string) error {
	return c.slotAction(ctx, slotID, "save", basename)
}

// RestoreSlot asks the backend to load slot slotID's KV state from the given
// basename inside its slot-save directory.
func (c *Client) RestoreSlot(ctx context.Context, slotID int, basename string) error {
	return c.slotAction(ctx, slotID, "restore", basename)
}

func (c *Client) slotAction(ctx context.Context, slotID int, action, basename string) error {
	// The backend resolves the filename against its own save directory;
	// anything but a bare basename would escape it.
	payload, err := json.Marshal(map[string]string{"filename": path.Base(basename)})
	if err != nil {
		return fmt.Errorf("encoding slot %s body: %w", action, err)
	}

	reqURL := fmt.Sprintf("%s/slots/%d?action=%s", c.baseURL, slotID, action)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating slot %s request: %w", action, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("slot %s on backend %s: %w", action, c.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: body}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// modelsResponse is the minimal shape of GET /v1/models we care about.
type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// FetchModelID asks the backend for its model identity and stores it for
// subsequent ModelID calls.
func (c *Client) FetchModelID(ctx context.Context) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return "", fmt.Errorf("creating models request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("fetching models from backend %s: %w", c.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &StatusError{StatusCode: resp.StatusCode, Body: body}
	}

	var models modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return "", fmt.Errorf("decoding models response: %w", err)
	}
	if len(models.Data) == 0 {
		return "", fmt.Errorf("backend %s reported no models", c.id)
	}

	c.modelID.Store(models.Data[0].ID)
	return models.Data[0].ID, nil
}

// Probe resolves the backend's model id with capped exponential backoff. An
// unreachable backend is a warning, not a startup failure: the configured
// model id keeps content keys usable until the backend comes up.
func (c *Client) Probe(ctx context.Context) {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
	), 4), ctx)

	err := backoff.Retry(func() error {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, err := c.FetchModelID(probeCtx)
		return err
	}, policy)

	if err != nil {
		c.logger.Warn().Err(err).Str("url", c.baseURL).Msg("backend probe failed; using configured model id")
		return
	}
	c.logger.Info().Str("model", c.ModelID()).Int("slots", c.slots).Msg("backend probed")
}
