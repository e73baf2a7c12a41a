package simulator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dennisdiepolder/monti/comms/internal/signature"
)

// WebhookClient posts signed provider callbacks to the comms core
type WebhookClient struct {
	targetURL     string
	publicBaseURL string
	verifier      *signature.Verifier
	httpClient    *http.Client
	maxElapsed    time.Duration
}

// NewWebhookClient creates a client that delivers to targetURL. Signatures
// are computed over publicBaseURL, the address the server believes it is
// reachable at. Pass an empty publicBaseURL when both are the same.
func NewWebhookClient(targetURL, publicBaseURL string, verifier *signature.Verifier) *WebhookClient {
	targetURL = strings.TrimRight(targetURL, "/")
	if publicBaseURL == "" {
		publicBaseURL = targetURL
	}
	return &WebhookClient{
		targetURL:     targetURL,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		verifier:      verifier,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		maxElapsed: 10 * time.Second,
	}
}

// statusError is a non-2xx answer from the server
type statusError struct {
	url    string
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("POST %s returned status %d", e.url, e.status)
}

// Send posts one callback to /webhooks/<path>. Throttled and 5xx answers are
// retried with exponential backoff, the way the provider redelivers.
func (c *WebhookClient) Send(ctx context.Context, path string, params url.Values) error {
	path = "/webhooks/" + strings.TrimLeft(path, "/")
	sig := c.verifier.Sign(c.publicBaseURL+path, params)
	target := c.targetURL + path
	body := params.Encode()

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set(signature.Header, sig)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("POST %s: %w", target, err)
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return &statusError{url: target, status: resp.StatusCode}
		default:
			return backoff.Permanent(&statusError{url: target, status: resp.StatusCode})
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = c.maxElapsed
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}
