// Package submitter sends signed transfer actions to the Transaction Submission Service.
package submitter

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cellmark/cellmark/config"
	"github.com/cellmark/cellmark/model"
	"github.com/go-resty/resty/v2"
)

type Client struct {
	http *resty.Client
}

func New(cnf config.SubmissionConfig) *Client {
	timeout := time.Duration(cnf.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := resty.New().
		SetBaseURL(cnf.Url).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cnf.ApiKey != "" {
		c.SetHeader("X-API-Key", cnf.ApiKey)
	}
	return &Client{http: c}
}

func (c *Client) HTTPClient() *resty.Client {
	return c.http
}

type request struct {
	Action         model.TransferAction   `json:"action"`
	AssetID        string                 `json:"asset_id"`
	Params         map[string]interface{} `json:"params"`
	Signer         string                 `json:"signer"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

type response struct {
	Handle string `json:"handle"`
	Error  string `json:"error"`
}

// Submit posts the request. A 202 yields a handle; everything else is a *model.SubmissionError.
// The idempotency key is sent both in the body and as the Idempotency-Key header so retries are safe.
func (c *Client) Submit(ctx context.Context, s model.Submission) (model.SubmissionHandle, error) {
	var out response
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", s.IdempotencyKey).
		SetBody(request{
			Action:         s.Action,
			AssetID:        s.AssetID,
			Params:         s.Params,
			Signer:         s.Signer,
			IdempotencyKey: s.IdempotencyKey,
		}).
		SetResult(&out).
		SetError(&out).
		ForceContentType("application/json").
		Post("/transactions")
	if err != nil {
		return model.SubmissionHandle{}, fmt.Errorf("submitting %s: %w", s.Action, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusAccepted || code == http.StatusOK || code == http.StatusCreated:
		return model.SubmissionHandle{Handle: out.Handle, IdempotencyKey: s.IdempotencyKey, SubmittedAt: time.Now().UTC()}, nil
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return model.SubmissionHandle{}, c.submissionError(s, model.SubmissionRejected, out.Error, resp)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return model.SubmissionHandle{}, c.submissionError(s, model.SubmissionUnauthorized, out.Error, resp)
	case code == http.StatusConflict:
		return model.SubmissionHandle{}, c.submissionError(s, model.SubmissionConflict, out.Error, resp)
	default:
		return model.SubmissionHandle{}, fmt.Errorf("submitting %s: unexpected status %d: %s", s.Action, code, resp.String())
	}
}

func (c *Client) submissionError(s model.Submission, reason model.SubmissionReason, msg string, resp *resty.Response) error {
	if msg == "" {
		msg = resp.String()
	}
	return &model.SubmissionError{Action: string(s.Action), Reason: reason, Message: msg}
}
