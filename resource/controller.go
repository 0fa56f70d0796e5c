// Package resource bounds the pipeline's appetite: how many shard sorts
// run at once and how fast the remote API is queried.
package resource

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds the resource limits.
type Config struct {
	// MaxSortWorkers is the number of shard sorts allowed to run
	// concurrently. If 0, defaults to GOMAXPROCS.
	MaxSortWorkers int64

	// APIRequestsPerSec throttles outgoing API requests.
	// If 0, requests are not throttled.
	APIRequestsPerSec float64
}

// Controller hands out worker slots and paces API requests.
// A nil Controller applies no limits.
type Controller struct {
	workers    *semaphore.Weighted
	apiLimiter *rate.Limiter
}

// NewController creates a Controller from cfg.
func NewController(cfg Config) *Controller {
	if cfg.MaxSortWorkers <= 0 {
		cfg.MaxSortWorkers = int64(runtime.GOMAXPROCS(0))
	}

	c := &Controller{
		workers: semaphore.NewWeighted(cfg.MaxSortWorkers),
	}
	if cfg.APIRequestsPerSec > 0 {
		c.apiLimiter = rate.NewLimiter(rate.Limit(cfg.APIRequestsPerSec), 1)
	}
	return c
}

// AcquireWorker blocks until a worker slot is free or ctx is canceled.
func (c *Controller) AcquireWorker(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.workers.Acquire(ctx, 1)
}

// ReleaseWorker returns a slot acquired with AcquireWorker.
func (c *Controller) ReleaseWorker() {
	if c == nil {
		return
	}
	c.workers.Release(1)
}

// WaitAPI blocks until the API rate limit admits one more request.
func (c *Controller) WaitAPI(ctx context.Context) error {
	if c == nil || c.apiLimiter == nil {
		return nil
	}
	return c.apiLimiter.Wait(ctx)
}
