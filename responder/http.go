package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Agent status codes carried in the "code" field of a response.
const (
	CodeSuccess         = 0
	CodeNoResponse      = 100
	CodeBadRequest      = 101
	CodeInvalidResponse = 102
)

// ErrAgent is wrapped by every failure reported by a remote agent.
var ErrAgent = errors.New("agent error")

type agentRequest struct {
	Text string `json:"text"`
}

type agentResponse struct {
	Text string `json:"text"`
	Code int    `json:"code"`
}

// HTTP asks a remote agent over its JSON endpoint: POST {base}/request.
type HTTP struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTP returns an agent client for baseURL with the given request
// timeout.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (h *HTTP) Answer(ctx context.Context, question string) (fn.Option[string], error) {
	data, err := json.Marshal(agentRequest{Text: question})
	if err != nil {
		return fn.None[string](), fmt.Errorf("marshaling agent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/request", bytes.NewReader(data))
	if err != nil {
		return fn.None[string](), fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fn.None[string](), fmt.Errorf("%w: %v", ErrAgent, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fn.None[string](), fmt.Errorf("%w: reading response: %v", ErrAgent, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fn.None[string](), fmt.Errorf("%w: unexpected status %d: %s", ErrAgent, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out agentResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fn.None[string](), fmt.Errorf("%w: decoding response: %v", ErrAgent, err)
	}

	switch out.Code {
	case CodeSuccess:
		if strings.TrimSpace(out.Text) == "" {
			return fn.None[string](), nil
		}
		return fn.Some(out.Text), nil
	case CodeNoResponse:
		return fn.None[string](), nil
	default:
		return fn.None[string](), fmt.Errorf("%w: code %d: %s", ErrAgent, out.Code, out.Text)
	}
}

// Ping checks that the agent is reachable via GET {base}/ping.
func (h *HTTP) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/ping", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAgent, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ping returned status %d", ErrAgent, resp.StatusCode)
	}
	return nil
}
