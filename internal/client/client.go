// Package client is the HTTP client workers use to talk to a crawlqueue
// server. It implements queue.Scheduler so a worker runs unchanged against a
// local scheduler or a remote one.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"resty.dev/v3"

	"github.com/JakeFAU/crawlqueue/internal/admission"
	"github.com/JakeFAU/crawlqueue/internal/api"
	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/report"
)

// Config configures the Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RetryCount applies to idempotent requests only.
	RetryCount int
}

// Client calls the crawlqueue HTTP API.
type Client struct {
	http *resty.Client
}

var _ queue.Scheduler = (*Client)(nil)

// New builds a Client for cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("client: base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		c.SetHeader("X-API-Key", cfg.APIKey)
	}
	return &Client{http: c}, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	if err := c.http.Close(); err != nil {
		return fmt.Errorf("close client: %w", err)
	}
	return nil
}

// Claim leases the next item of kind. It returns queue.ErrNoWork on 204.
func (c *Client) Claim(ctx context.Context, kind queue.Kind) (queue.Lease, error) {
	var lease queue.Lease
	resp, err := c.request(ctx).
		SetBody(api.ClaimRequest{Kind: kind}).
		SetResult(&lease).
		Post("/v1/claims")
	if err := check(resp, err, "claim"); err != nil {
		return queue.Lease{}, err
	}
	if resp.StatusCode() == http.StatusNoContent {
		return queue.Lease{}, queue.ErrNoWork
	}
	lease.Item.LeaseToken = lease.Token
	return lease, nil
}

// ReportSuccess completes the leased item.
func (c *Client) ReportSuccess(ctx context.Context, id, token string, booksFound, booksSaved int) (queue.WorkItem, error) {
	return c.report(ctx, id, "success", api.SuccessRequest{Token: token, BooksFound: booksFound, BooksSaved: booksSaved})
}

// ReportRetry records a recoverable failure.
func (c *Client) ReportRetry(ctx context.Context, id, token, msg string) (queue.WorkItem, error) {
	return c.report(ctx, id, "retry", api.FailureRequest{Token: token, Error: msg})
}

// ReportFailure fails the leased item permanently.
func (c *Client) ReportFailure(ctx context.Context, id, token, msg string) (queue.WorkItem, error) {
	return c.report(ctx, id, "failure", api.FailureRequest{Token: token, Error: msg})
}

func (c *Client) report(ctx context.Context, id, outcome string, body any) (queue.WorkItem, error) {
	var item queue.WorkItem
	resp, err := c.request(ctx).
		SetPathParam("item_id", id).
		SetBody(body).
		SetResult(&item).
		Post("/v1/items/{item_id}/" + outcome)
	if err := check(resp, err, "report "+outcome); err != nil {
		return queue.WorkItem{}, err
	}
	return item, nil
}

// Enqueue admits a single url.
func (c *Client) Enqueue(ctx context.Context, req admission.Request) (admission.Result, error) {
	var res admission.Result
	resp, err := c.request(ctx).
		SetBody(req).
		SetResult(&res).
		Post("/v1/items")
	if err := check(resp, err, "enqueue"); err != nil {
		return admission.Result{}, err
	}
	return res, nil
}

// EnqueueBatch admits several urls in one call.
func (c *Client) EnqueueBatch(ctx context.Context, reqs []admission.Request) ([]api.BatchResult, error) {
	var out struct {
		Results []api.BatchResult `json:"results"`
	}
	resp, err := c.request(ctx).
		SetBody(api.BatchRequest{Items: reqs}).
		SetResult(&out).
		Post("/v1/items/batch")
	if err := check(resp, err, "enqueue batch"); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// RequeueFailed moves every failed item of kind back to pending.
func (c *Client) RequeueFailed(ctx context.Context, kind queue.Kind) (int, error) {
	var out struct {
		Requeued int `json:"requeued"`
	}
	resp, err := c.request(ctx).
		SetQueryParam("kind", string(kind)).
		SetResult(&out).
		Post("/v1/items/requeue-failed")
	if err := check(resp, err, "requeue failed"); err != nil {
		return 0, err
	}
	return out.Requeued, nil
}

// Summary fetches the summary of one queue.
func (c *Client) Summary(ctx context.Context, kind queue.Kind) (report.Summary, error) {
	var out report.Summary
	resp, err := c.request(ctx).
		SetQueryParam("kind", string(kind)).
		SetResult(&out).
		Get("/v1/stats")
	if err := check(resp, err, "stats"); err != nil {
		return report.Summary{}, err
	}
	return out, nil
}

// Item fetches one item by id.
func (c *Client) Item(ctx context.Context, id string) (queue.WorkItem, error) {
	var item queue.WorkItem
	resp, err := c.request(ctx).
		SetPathParam("item_id", id).
		SetResult(&item).
		Get("/v1/items/{item_id}")
	if err := check(resp, err, "get item"); err != nil {
		return queue.WorkItem{}, err
	}
	return item, nil
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetError(&api.ErrorResponse{})
}

// check turns transport failures and error responses into errors that match
// the queue sentinels.
func check(resp *resty.Response, err error, op string) error {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%s: %w: %w", op, queue.ErrStoreUnavailable, err)
	}
	if !resp.IsError() {
		return nil
	}
	msg := resp.Status()
	code := ""
	if e, ok := resp.Error().(*api.ErrorResponse); ok && e != nil {
		if e.Error != "" {
			msg = e.Error
		}
		code = e.Code
	}
	return fmt.Errorf("%s: %w", op, &StatusError{Status: resp.StatusCode(), Code: code, Message: msg})
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d (%s): %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the response code onto the matching sentinel.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case api.CodeNotFound:
		return queue.ErrNotFound
	case api.CodeInvalidTransition:
		return queue.ErrInvalidTransition
	case api.CodeInvalidCounters:
		return queue.ErrInvalidCounters
	case api.CodeInvalidRequest:
		return admission.ErrInvalidURL
	case api.CodeUnavailable:
		return queue.ErrStoreUnavailable
	case api.CodeTimeout:
		return context.DeadlineExceeded
	default:
		return nil
	}
}
