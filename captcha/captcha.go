// Package captcha submits human-verification challenges to an external
// solving service and polls for the token under a deadline. The wire
// protocol is the widely-cloned in.php/res.php JSON API: one call to
// create a job, then fixed-interval polling until the worker reports
// the answer.
//
// The client owns no shared state and is safe to invoke repeatedly.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/suwatbch/tbserver/poll"
)

const notReady = "CAPCHA_NOT_READY" // spelling is the service's, not ours

var (
	// ErrTimeout means the service did not produce a token before the
	// deadline.
	ErrTimeout = errors.New("captcha: solve deadline exceeded")
	// ErrRejected means the service refused the submission. Not retried
	// at this layer.
	ErrRejected = errors.New("captcha: submission rejected")
)

// Config configures the resolver client.
type Config struct {
	// BaseURL of the solving service, e.g. "https://2captcha.com".
	BaseURL string
	// APIKey authenticates against the service.
	APIKey string
	// PollInterval between result checks. Default: 1s.
	PollInterval time.Duration
	// Deadline is the total solve budget. Default: 120s.
	Deadline time.Duration
	// Clock overrides the real clock in waits.
	Clock  poll.Clock
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Deadline <= 0 {
		c.Deadline = 120 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client talks to one solving service.
type Client struct {
	cfg  Config
	http *resty.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(30 * time.Second),
	}
}

// apiResponse is the service's uniform envelope: status 1 means
// "request" carries the payload (job id or token), status 0 means it
// carries an error code.
type apiResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Solve submits the challenge at pageURL/siteKey and polls until the
// token is ready or the deadline elapses.
func (c *Client) Solve(ctx context.Context, pageURL, siteKey string) (string, error) {
	jobID, err := c.submit(ctx, pageURL, siteKey)
	if err != nil {
		return "", err
	}
	c.cfg.Logger.Debug("captcha: job submitted", "job_id", jobID)
	return c.await(ctx, jobID)
}

func (c *Client) submit(ctx context.Context, pageURL, siteKey string) (string, error) {
	var out apiResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"key":       c.cfg.APIKey,
			"method":    "userrecaptcha",
			"googlekey": siteKey,
			"pageurl":   pageURL,
			"json":      "1",
		}).
		SetResult(&out).
		Post("/in.php")
	if err != nil {
		return "", fmt.Errorf("captcha: submit: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("captcha: submit: http %d", resp.StatusCode())
	}
	if out.Status != 1 {
		return "", fmt.Errorf("%w: %s", ErrRejected, out.Request)
	}
	return out.Request, nil
}

func (c *Client) await(ctx context.Context, jobID string) (string, error) {
	var token string
	err := poll.Until(ctx, poll.Options{
		Interval: c.cfg.PollInterval,
		Timeout:  c.cfg.Deadline,
		Clock:    c.cfg.Clock,
	}, func(ctx context.Context) (bool, error) {
		var out apiResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"key":    c.cfg.APIKey,
				"action": "get",
				"id":     jobID,
				"json":   "1",
			}).
			SetResult(&out).
			Get("/res.php")
		if err != nil {
			return false, fmt.Errorf("captcha: poll: %w", err)
		}
		if resp.IsError() {
			return false, fmt.Errorf("captcha: poll: http %d", resp.StatusCode())
		}
		if out.Status == 1 {
			token = out.Request
			return true, nil
		}
		if out.Request != notReady {
			return false, fmt.Errorf("captcha: job %s failed: %s", jobID, out.Request)
		}
		return false, nil
	})
	if errors.Is(err, poll.ErrTimeout) {
		return "", fmt.Errorf("%w: job %s", ErrTimeout, jobID)
	}
	if err != nil {
		return "", err
	}
	return token, nil
}
