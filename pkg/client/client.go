// Package client talks to the REST API of the pipeline service.
//
// Every call maps HTTP failures onto the shared error kinds: 404 becomes
// errors.NotFound, 400 and 409 errors.NotValid, 405 and 501
// errors.NotSupported, and 5xx or network failures errs.ErrTransport.
// Idempotent calls are retried with exponential backoff on transport
// failures; local failures are never retried.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/errs"
)

var logger = loggo.GetLogger("feldera.client")

const apiPrefix = "/v0"

// Client is a handle on one pipeline service. It is safe for concurrent use
// and must be closed when no longer needed.
type Client struct {
	http    *resty.Client
	timeout time.Duration
	retries uint64
	logger  loggo.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if key != "" {
			c.http.SetAuthToken(key)
		}
	}
}

// WithTimeout bounds each control-plane request. Streaming requests are
// bounded by their context only.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetries sets how many times an idempotent request is retried after a
// transport failure.
func WithRetries(n uint64) Option {
	return func(c *Client) { c.retries = n }
}

// WithLogger overrides the package logger.
func WithLogger(log loggo.Logger) Option {
	return func(c *Client) {
		c.logger = log
		c.http.SetLogger(restyLogger{log})
	}
}

// New creates a client for the service at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		http:    resty.New(),
		timeout: 30 * time.Second,
		retries: 3,
		logger:  logger,
	}
	c.http.SetBaseURL(strings.TrimSuffix(baseURL, "/") + apiPrefix).
		SetHeader("Accept", "application/json").
		SetLogger(restyLogger{logger})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.GetClient().CloseIdleConnections()
	return nil
}

// restyLogger routes resty's diagnostics to loggo.
type restyLogger struct {
	log loggo.Logger
}

func (l restyLogger) Errorf(format string, v ...interface{}) { l.log.Errorf(format, v...) }
func (l restyLogger) Warnf(format string, v ...interface{})  { l.log.Warningf(format, v...) }
func (l restyLogger) Debugf(format string, v ...interface{}) { l.log.Debugf(format, v...) }

// APIError is the error body returned by the service.
type APIError struct {
	StatusCode int             `json:"-"`
	Message    string          `json:"message"`
	ErrorCode  string          `json:"error_code"`
	Details    json.RawMessage `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.ErrorCode, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx).SetError(&APIError{})
}

// call runs send with a fresh request per attempt, retrying transport failures
// when idempotent is set, and maps the response status onto an error kind.
func (c *Client) call(ctx context.Context, what string, idempotent bool, send func(*resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	var resp *resty.Response
	op := func() error {
		actx, cancel := ctx, context.CancelFunc(func() {})
		if c.timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, c.timeout)
		}
		defer cancel()
		r, err := send(c.request(actx))
		if mapped := c.check(ctx, what, r, err); mapped != nil {
			if idempotent && errors.Is(mapped, errs.ErrTransport) {
				c.logger.Debugf("%s failed, retrying: %v", what, mapped)
				return mapped
			}
			return backoff.Permanent(mapped)
		}
		resp = r
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(retryBackoff(), c.retries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return resp, nil
}

func retryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func (c *Client) check(ctx context.Context, what string, resp *resty.Response, err error) error {
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.Transportf("%s: %v", what, err)
	}
	if !resp.IsError() {
		return nil
	}
	return statusError(what, resp.StatusCode(), apiError(resp))
}

func apiError(resp *resty.Response) *APIError {
	apiErr, ok := resp.Error().(*APIError)
	if !ok || apiErr == nil || apiErr.Message == "" {
		apiErr = &APIError{Message: strings.TrimSpace(string(resp.Body()))}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode())
		}
	}
	apiErr.StatusCode = resp.StatusCode()
	return apiErr
}

func statusError(what string, status int, apiErr *APIError) error {
	switch {
	case status == http.StatusNotFound:
		return errors.NewNotFound(apiErr, what)
	case status == http.StatusBadRequest, status == http.StatusConflict:
		return errors.NewNotValid(apiErr, what)
	case status == http.StatusMethodNotAllowed, status == http.StatusNotImplemented:
		return errors.NewNotSupported(apiErr, what)
	case status >= 500:
		return errs.Transportf("%s: %v", what, apiErr)
	}
	return errors.Annotate(apiErr, what)
}
