/*
Copyright 2024 Cellmark Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ledgerclient talks to the Ledger Query Service over HTTP.
package ledgerclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cellmark/cellmark/config"
	"github.com/cellmark/cellmark/model"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// ErrUnreachable wraps any failure to get a usable answer from the ledger.
var ErrUnreachable = errors.New("ledger unreachable")

// StatusError carries a non-success HTTP answer from the ledger.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusGone || strings.Contains(e.Body, "lookback_exceeded") {
		return model.ErrLookbackExceeded
	}
	return ErrUnreachable
}

// Client is safe for concurrent use by every watched asset.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
}

// New builds a client from the ledger configuration. A zero RequestsPerSecond disables client-side limiting.
func New(cnf config.LedgerConfig) *Client {
	c := resty.New().
		SetBaseURL(cnf.Url).
		SetTimeout(30*time.Second).
		SetHeader("Content-Type", "application/json")
	if cnf.ApiKey != "" {
		c.SetHeader("X-API-Key", cnf.ApiKey)
	}

	limit := rate.Inf
	burst := cnf.Burst
	if cnf.RequestsPerSecond > 0 {
		limit = rate.Limit(cnf.RequestsPerSecond)
		if burst <= 0 {
			burst = 1
		}
	}
	return &Client{http: c, limiter: rate.NewLimiter(limit, burst)}
}

// HTTPClient exposes the underlying client so tests can install transports.
func (c *Client) HTTPClient() *resty.Client {
	return c.http
}

type eventsResponse struct {
	Events []model.RawEvent `json:"events"`
	Error  string           `json:"error"`
}

// QueryEvents returns the events of q in ascending sequence order.
func (c *Client) QueryEvents(ctx context.Context, q model.EventQuery) ([]model.RawEvent, error) {
	params := url.Values{}
	params.Set("event_type", q.EventType)
	params.Set("from", strconv.FormatUint(q.From, 10))
	params.Set("to", strconv.FormatUint(q.To, 10))
	for field, value := range q.Filter {
		params.Set(field, value)
	}

	var out eventsResponse
	path := "/streams/" + url.PathEscape(q.StreamID) + "/events"
	if err := c.get(ctx, path, params, &out); err != nil {
		return nil, err
	}
	if out.Error == "lookback_exceeded" {
		return nil, fmt.Errorf("stream %s from %d: %w", q.StreamID, q.From, model.ErrLookbackExceeded)
	}
	for i := range out.Events {
		if out.Events[i].StreamID == "" {
			out.Events[i].StreamID = q.StreamID
		}
		if out.Events[i].EventType == "" {
			out.Events[i].EventType = q.EventType
		}
	}
	return out.Events, nil
}

// CurrentHead returns the newest sequence of the stream.
func (c *Client) CurrentHead(ctx context.Context, streamID string) (uint64, error) {
	var out struct {
		Sequence uint64 `json:"sequence"`
	}
	if err := c.get(ctx, "/streams/"+url.PathEscape(streamID)+"/head", nil, &out); err != nil {
		return 0, err
	}
	return out.Sequence, nil
}

// ResolveTimestamp returns the wall-clock time at which seq was written.
func (c *Client) ResolveTimestamp(ctx context.Context, streamID string, seq uint64) (time.Time, error) {
	var out struct {
		Timestamp int64 `json:"timestamp"`
	}
	path := fmt.Sprintf("/streams/%s/blocks/%d", url.PathEscape(streamID), seq)
	if err := c.get(ctx, path, nil, &out); err != nil {
		return time.Time{}, err
	}
	return time.Unix(out.Timestamp, 0).UTC(), nil
}

type pendingTransfer struct {
	Proposer         string `json:"proposer"`
	Recipient        string `json:"recipient"`
	ProposedNewState string `json:"proposed_new_state"`
	InitiatedAt      int64  `json:"initiated_at"`
	IsActive         bool   `json:"is_active"`
}

// PendingTransfers reads every transfer record the ledger holds for the asset.
func (c *Client) PendingTransfers(ctx context.Context, assetID string) ([]model.PendingTransfer, error) {
	var out struct {
		Transfers []pendingTransfer `json:"transfers"`
	}
	if err := c.get(ctx, "/assets/"+url.PathEscape(assetID)+"/pending-transfers", nil, &out); err != nil {
		return nil, err
	}
	transfers := make([]model.PendingTransfer, 0, len(out.Transfers))
	for _, t := range out.Transfers {
		transfers = append(transfers, model.PendingTransfer{
			AssetID:          assetID,
			Proposer:         t.Proposer,
			Recipient:        t.Recipient,
			ProposedNewState: t.ProposedNewState,
			InitiatedAt:      time.Unix(t.InitiatedAt, 0).UTC(),
			IsActive:         t.IsActive,
		})
	}
	return transfers, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// The limiter refuses up front when the wait would outlive the deadline.
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	req := c.http.R().SetContext(ctx).SetResult(result).ForceContentType("application/json")
	if params != nil {
		req.SetQueryParamsFromValues(params)
	}
	resp, err := req.Get(path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("GET %s: %w: %v", path, ErrUnreachable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &StatusError{Method: http.MethodGet, Path: path, Status: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}
