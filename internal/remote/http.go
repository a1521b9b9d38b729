package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/fitiq/fitiq-sync/internal/model"
)

const (
	progressPath = "/api/v1/progress"
	healthPath   = "/api/v1/health"
)

// Options configures an HTTPClient.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Policy  PayloadPolicy
	Logger  zerolog.Logger
}

// HTTPClient is the resty-backed Client for the backend REST API.
type HTTPClient struct {
	rc     *resty.Client
	policy PayloadPolicy
	log    zerolog.Logger
}

// NewHTTPClient builds a client against opts.BaseURL.
func NewHTTPClient(opts Options) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	rc := resty.New().
		SetBaseURL(opts.BaseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetTimeout(opts.Timeout)
	if opts.APIKey != "" {
		rc.SetAuthToken(opts.APIKey)
	}
	return &HTTPClient{rc: rc, policy: opts.Policy, log: opts.Logger.With().Str("component", "remote").Logger()}
}

func (c *HTTPClient) Create(ctx context.Context, e *model.Entity) (*Record, error) {
	p := PayloadFor(e)
	if err := c.policy.Check("create", p); err != nil {
		return nil, err
	}
	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", e.LocalID).
		SetBody(&p).
		Post(progressPath)
	if err != nil {
		return nil, NewNetworkError("create", err)
	}
	if resp.IsError() {
		return nil, NewHTTPError(resp.StatusCode(), resp.String(), "create")
	}
	c.log.Debug().Str("local_id", e.LocalID).Int("status", resp.StatusCode()).Msg("remote create")
	return decodeRecord(resp.Body()), nil
}

func (c *HTTPClient) Update(ctx context.Context, backendID string, e *model.Entity) (*Record, error) {
	if backendID == "" {
		return nil, NewValidationError("update", fmt.Errorf("empty backend id"))
	}
	p := PayloadFor(e)
	if err := c.policy.Check("update", p); err != nil {
		return nil, err
	}
	resp, err := c.rc.R().
		SetContext(ctx).
		SetPathParam("id", backendID).
		SetBody(&p).
		Put(progressPath + "/{id}")
	if err != nil {
		return nil, NewNetworkError("update", err)
	}
	if resp.IsError() {
		return nil, NewHTTPError(resp.StatusCode(), resp.String(), "update")
	}
	rec := decodeRecord(resp.Body())
	if rec.ID == "" {
		// Some deployments answer updates with 204.
		rec.ID = backendID
	}
	return rec, nil
}

func (c *HTTPClient) Delete(ctx context.Context, backendID string) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetPathParam("id", backendID).
		Delete(progressPath + "/{id}")
	if err != nil {
		return NewNetworkError("delete", err)
	}
	if resp.IsError() {
		return NewHTTPError(resp.StatusCode(), resp.String(), "delete")
	}
	return nil
}

type historyPage struct {
	Items      []wireRecord `json:"items"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

func (c *HTTPClient) FetchHistory(ctx context.Context, kind model.Kind, start, end time.Time) ([]*model.Entity, error) {
	var (
		out    []*model.Entity
		cursor string
	)
	for {
		req := c.rc.R().
			SetContext(ctx).
			SetQueryParam("type", string(kind)).
			SetQueryParam("from", start.UTC().Format(time.RFC3339)).
			SetQueryParam("to", end.UTC().Format(time.RFC3339))
		if cursor != "" {
			req.SetQueryParam("cursor", cursor)
		}
		var page historyPage
		resp, err := req.SetResult(&page).Get(progressPath)
		if err != nil {
			return nil, NewNetworkError("fetch history", err)
		}
		if resp.IsError() {
			return nil, NewHTTPError(resp.StatusCode(), resp.String(), "fetch history")
		}
		for _, w := range page.Items {
			if w.ID == "" {
				continue
			}
			e := w.entity()
			if e.Kind == "" {
				e.Kind = kind
			}
			out = append(out, e)
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// Ping checks the backend health endpoint.
func (c *HTTPClient) Ping(ctx context.Context) error {
	resp, err := c.rc.R().SetContext(ctx).Get(healthPath)
	if err != nil {
		return NewNetworkError("ping", err)
	}
	if resp.IsError() {
		return NewHTTPError(resp.StatusCode(), resp.String(), "ping")
	}
	return nil
}

// decodeRecord accepts either a bare record or one wrapped in "data". An
// undecodable body yields a record without id, which the caller rejects.
func decodeRecord(body []byte) *Record {
	rec := &Record{Echoed: append(json.RawMessage(nil), bytes.TrimSpace(body)...)}
	var w wireRecord
	if err := json.Unmarshal(body, &w); err == nil && w.ID != "" {
		rec.ID, rec.OccurredAt = w.ID, w.OccurredAt
		return rec
	}
	var env struct {
		Data wireRecord `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		rec.ID, rec.OccurredAt = env.Data.ID, env.Data.OccurredAt
	}
	return rec
}

var _ Client = (*HTTPClient)(nil)
