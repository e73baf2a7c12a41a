// Package crm talks to the external CRM over its JSON HTTP API.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/types"
)

var (
	ErrContactNotFound = errors.New("crm: contact not found")
	ErrNotConfigured   = errors.New("crm: base url not configured")
)

// StatusError is a non-success response from the CRM
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("crm %s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

// Client is a thin CRM API client
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client. Per-call deadlines come from the context;
// the http.Client timeout is only a backstop.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type contactResponse struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Email         string   `json:"email"`
	Company       string   `json:"company"`
	Tier          string   `json:"priorityTier"`
	PhoneNumbers  []string `json:"phoneNumbers"`
	CoordinatorID string   `json:"assignedCoordinatorId"`
}

// LookupContact finds a contact by phone number
func (c *Client) LookupContact(ctx context.Context, address string) (*types.Contact, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/contacts?phone="+url.QueryEscape(address), nil)
	if err != nil {
		return nil, fmt.Errorf("crm lookup: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crm lookup: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrContactNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, statusError("lookup", resp)
	}

	var body contactResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("crm lookup: decode: %w", err)
	}
	tier := types.PriorityTier(body.Tier)
	if tier == "" {
		tier = types.TierStandard
	}
	addresses := body.PhoneNumbers
	if !slices.Contains(addresses, address) {
		addresses = append(addresses, address)
	}
	return &types.Contact{
		ID:                    body.ID,
		Address:               address,
		Addresses:             addresses,
		Name:                  body.Name,
		Email:                 body.Email,
		Company:               body.Company,
		AssignedCoordinatorID: body.CoordinatorID,
		PriorityTier:          tier,
	}, nil
}

type activityRequest struct {
	InteractionID string `json:"interactionId"`
	Kind          string `json:"kind"`
	ContactID     string `json:"contactId,omitempty"`
	Outcome       string `json:"outcome"`
	DurationSecs  int    `json:"durationSecs,omitempty"`
	RecordingURL  string `json:"recordingUrl,omitempty"`
	Transcription string `json:"transcription,omitempty"`
	WorkerID      string `json:"workerId,omitempty"`
	OccurredAt    string `json:"occurredAt"`
}

// LogActivity writes an activity record. The entry key is sent as an
// idempotency key so a retried request never duplicates the record; a 409
// means the CRM already has it.
func (c *Client) LogActivity(ctx context.Context, entry *types.ActivityLogEntry) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}
	payload, err := json.Marshal(activityRequest{
		InteractionID: entry.InteractionID,
		Kind:          string(entry.Kind),
		ContactID:     entry.ContactID,
		Outcome:       entry.Outcome,
		DurationSecs:  entry.DurationSecs,
		RecordingURL:  entry.RecordingURL,
		Transcription: entry.Transcription,
		WorkerID:      entry.WorkerID,
		OccurredAt:    entry.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("crm log activity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/activities", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("crm log activity: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", entry.Key)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("crm log activity: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return statusError("log activity", resp)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Op: op, Status: resp.StatusCode, Body: string(body)}
}
