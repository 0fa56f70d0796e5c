// Package fetcher retrieves sample records from a LAPIS-style API and
// writes them as shard files for the sorter.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wisepulse/silopipe"
	"github.com/wisepulse/silopipe/resource"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// BaseURL is the API root, without the organism segment.
	BaseURL string

	// Organism selects the endpoint namespace. Defaults to "covid".
	Organism string

	// HTTPClient defaults to one with a 60s timeout.
	HTTPClient *http.Client

	// MaxRetries bounds retries per request. Defaults to 4.
	MaxRetries int

	// RetryInterval is the initial backoff interval. Defaults to 500ms.
	RetryInterval time.Duration

	// Resources paces requests. Nil means unthrottled.
	Resources *resource.Controller

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client queries the sample/details endpoint with pagination and
// bounded retries.
type Client struct {
	opts ClientOptions
}

// NewClient creates a Client.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	if opts.Organism == "" {
		opts.Organism = "covid"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 4
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{opts: opts}, nil
}

// DetailsQuery is one sample/details request. Zero-valued fields are
// omitted from the query string.
type DetailsQuery struct {
	SamplingDate     string // exact sampling date, YYYY-MM-DD
	SamplingDateFrom string // lower bound, YYYY-MM-DD
	SubmittedAfter   int64  // submittedAtTimestampFrom
	Revocations      bool   // isRevocation=true
	OrderBy          string // API-side ordering field
	Limit            int
	Offset           int
}

// DetailsURL builds the request URL for q.
func (c *Client) DetailsURL(q DetailsQuery) string {
	v := url.Values{}
	if q.SamplingDate != "" {
		v.Set("samplingDate", q.SamplingDate)
	}
	if q.SamplingDateFrom != "" {
		v.Set("samplingDateFrom", q.SamplingDateFrom)
	}
	if q.SubmittedAfter > 0 {
		v.Set("submittedAtTimestampFrom", strconv.FormatInt(q.SubmittedAfter, 10))
	}
	if q.Revocations {
		v.Set("isRevocation", "true")
	}
	if q.OrderBy != "" {
		v.Set("orderBy", q.OrderBy)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	v.Set("dataFormat", "JSON")
	v.Set("downloadAsFile", "false")

	return fmt.Sprintf("%s/%s/sample/details?%s", c.opts.BaseURL, c.opts.Organism, v.Encode())
}

type detailsResponse struct {
	Data []json.RawMessage `json:"data"`
}

// DetailsPage fetches one page of records. Transient failures (network,
// 5xx, 429) are retried with exponential backoff; exhausting the budget
// yields a KindTransport error.
func (c *Client) DetailsPage(ctx context.Context, q DetailsQuery) ([]json.RawMessage, error) {
	reqURL := c.DetailsURL(q)

	var page []json.RawMessage
	op := func() error {
		if err := c.opts.Resources.WaitAPI(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.opts.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("api returned %s", resp.Status)
		default:
			io.Copy(io.Discard, resp.Body)
			return backoff.Permanent(fmt.Errorf("api returned %s", resp.Status))
		}

		var dr detailsResponse
		if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		page = dr.Data
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.RetryInterval
	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.opts.MaxRetries)), ctx),
		func(err error, wait time.Duration) {
			c.opts.Logger.Warn("api request failed, retrying",
				"url", reqURL, "wait", wait, "error", err)
		})
	if err != nil {
		return nil, silopipe.E(silopipe.KindTransport,
			fmt.Errorf("query %s: %w", reqURL, err))
	}
	return page, nil
}

// DetailsAll follows pagination until a short page, concatenating all
// results. pageSize must be positive.
func (c *Client) DetailsAll(ctx context.Context, q DetailsQuery, pageSize int) ([]json.RawMessage, error) {
	var all []json.RawMessage
	q.Limit = pageSize
	q.Offset = 0
	for {
		page, err := c.DetailsPage(ctx, q)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
		q.Offset += len(page)
	}
}
