package device

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

	"ticket-scan/internal/status"
	"ticket-scan/models"
	"ticket-scan/security"
	"ticket-scan/utils"
)

const (
	syncPath     = "/api/v1/scans/sync"
	manifestPath = "/api/v1/devices/manifest"

	maxResponseBytes = 8 << 20
)

// Transport delivers queued scans to the reconciler.
type Transport interface {
	Sync(ctx context.Context, req models.SyncRequest) (models.SyncResponse, error)
	Manifest(ctx context.Context, eventRef string) (models.Manifest, error)
}

// HTTPTransport talks to the scan server over signed HTTP requests.
type HTTPTransport struct {
	// baseURL is the scan server root, without a trailing slash.
	baseURL string

	// signer produces the request signature headers.
	signer *security.Signer

	// breaker stops hammering a server that keeps failing.
	breaker *utils.CircuitBreaker

	clock utils.Clock

	// hc is the http client.
	hc *http.Client
}

func NewHTTPTransport(baseURL string, signer *security.Signer, timeout time.Duration, clock utils.Clock) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		breaker: utils.NewCircuitBreaker("scan-server",
			utils.WithThreshold(5, 0.6),
			utils.WithTimeout(30*time.Second),
			utils.WithClock(clock),
		),
		clock: clock,

		// set http client with timeout.
		hc: &http.Client{
			Timeout: timeout,
		},
	}
}

func (t *HTTPTransport) Sync(ctx context.Context, req models.SyncRequest) (models.SyncResponse, error) {
	var resp models.SyncResponse
	if err := t.post(ctx, syncPath, req, &resp); err != nil {
		return models.SyncResponse{}, err
	}
	return resp, nil
}

func (t *HTTPTransport) Manifest(ctx context.Context, eventRef string) (models.Manifest, error) {
	var m models.Manifest
	if err := t.post(ctx, manifestPath, models.ManifestRequest{EventRef: eventRef}, &m); err != nil {
		return models.Manifest{}, err
	}
	return m, nil
}

// post sends a signed JSON request. Transport errors, 5xx and 429 count
// against the breaker and come back as ErrNetworkFailure; other 4xx answers
// are the server's verdict and are returned as their taxonomy error.
func (t *HTTPTransport) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	var rejected error
	err = t.breaker.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		security.SignHTTPRequest(t.signer, req, body, t.clock.Now())

		resp, err := t.hc.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", status.ErrNetworkFailure, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("%w: read %s response: %w", status.ErrNetworkFailure, path, err)
		}

		switch {
		case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s responded %d", status.ErrNetworkFailure, path, resp.StatusCode)
		case resp.StatusCode >= http.StatusBadRequest:
			rejected = decodeRejection(resp.StatusCode, data)
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: decode %s response: %w", status.ErrNetworkFailure, path, err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, status.ErrCircuitOpen) {
			return fmt.Errorf("%w: %w", status.ErrNetworkFailure, err)
		}
		return err
	}
	return rejected
}

func decodeRejection(code int, data []byte) error {
	var body struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(data, &body)
	if sentinel := status.FromReason(body.Reason); sentinel != nil {
		return fmt.Errorf("server rejected request (%d): %w", code, sentinel)
	}
	return fmt.Errorf("server rejected request (%d): %s", code, body.Error)
}
