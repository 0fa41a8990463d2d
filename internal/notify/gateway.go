package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"sudooom.civic.realtime/internal/config"
)

// ErrTokenExpired is returned by the push gateway for unregistered devices.
var ErrTokenExpired = errors.New("device token expired")

// StatusError is a non-2xx gateway response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Body)
}

// httpGateway posts JSON to a provider endpoint with a bearer credential,
// throttled by a token bucket.
type httpGateway struct {
	url        string
	credential string
	client     *http.Client
	limiter    *rate.Limiter
}

func newHTTPGateway(cfg config.GatewayConfig, client *http.Client) httpGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
		if burst <= 0 {
			burst = max(1, int(cfg.RatePerSec))
		}
	}

	return httpGateway{
		url:        cfg.URL,
		credential: cfg.Credential,
		client:     client,
		limiter:    rate.NewLimiter(limit, burst),
	}
}

func (g httpGateway) post(ctx context.Context, payload any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent(fmt.Errorf("failed to encode payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.credential != "" {
		req.Header.Set("Authorization", "Bearer "+g.credential)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return classify(&StatusError{StatusCode: resp.StatusCode, Body: string(snippet)})
}

// classify decides whether a failed response is worth retrying. Throttling
// and server errors are; every other client error is not.
func classify(err *StatusError) error {
	switch {
	case err.StatusCode == http.StatusTooManyRequests, err.StatusCode >= 500:
		return err
	default:
		return Permanent(err)
	}
}
