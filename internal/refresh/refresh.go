// Package refresh runs the background loop that renews access tokens before
// they expire, so dispatches rarely pay the refresh latency inline.
package refresh

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/opencode-kiro/kiro-gateway/internal/account"
	"github.com/opencode-kiro/kiro-gateway/internal/auth/kiro"
)

const (
	defaultInterval    = 5 * time.Minute
	defaultBuffer      = 10 * time.Minute
	defaultConcurrency = 3
)

// Refresher periodically scans the fleet and refreshes every access token
// inside the expiry buffer. Failures are logged and retried on the next
// tick; they never stop the loop.
type Refresher struct {
	manager *account.Manager
	client  *kiro.SSOOIDCClient

	interval    time.Duration
	buffer      time.Duration
	concurrency int64
	onRefreshed func(acc *account.Account)

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithInterval sets the scan period.
func WithInterval(d time.Duration) Option {
	return func(r *Refresher) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBuffer sets how long before expiry a token is refreshed.
func WithBuffer(d time.Duration) Option {
	return func(r *Refresher) {
		if d > 0 {
			r.buffer = d
		}
	}
}

// WithConcurrency bounds how many refreshes run at once per tick.
func WithConcurrency(n int) Option {
	return func(r *Refresher) {
		if n > 0 {
			r.concurrency = int64(n)
		}
	}
}

// WithOnRefreshed registers a callback invoked after each successful
// refresh, with a clone of the refreshed account.
func WithOnRefreshed(fn func(acc *account.Account)) Option {
	return func(r *Refresher) { r.onRefreshed = fn }
}

// New builds a stopped refresher.
func New(manager *account.Manager, client *kiro.SSOOIDCClient, opts ...Option) *Refresher {
	r := &Refresher{
		manager:     manager,
		client:      client,
		interval:    defaultInterval,
		buffer:      defaultBuffer,
		concurrency: defaultConcurrency,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the loop. The first sweep runs immediately.
func (r *Refresher) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sweep(ctx)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
	log.Debugf("proactive refresh: started, interval=%s buffer=%s", r.interval, r.buffer)
}

// Stop terminates the loop and waits for in-flight refreshes to finish.
func (r *Refresher) Stop() {
	r.stopped.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// sweep refreshes every account whose token expires within the buffer but
// has not yet expired outright; expired tokens are left to the dispatcher's
// inline refresh, which also handles removal on terminal errors.
func (r *Refresher) sweep(ctx context.Context) {
	now := time.Now().UnixMilli()
	var due []*account.Account
	for _, acc := range r.manager.Accounts() {
		if acc.AccessToken == "" || acc.ExpiresAt <= now {
			continue
		}
		if acc.ExpiresAt-now <= r.buffer.Milliseconds() {
			due = append(due, acc)
		}
	}
	if len(due) == 0 {
		return
	}
	log.Debugf("proactive refresh: %d token(s) due", len(due))

	sem := semaphore.NewWeighted(r.concurrency)
	var wg sync.WaitGroup
	for _, acc := range due {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(acc *account.Account) {
			defer wg.Done()
			defer sem.Release(1)
			refreshed, err := r.manager.RefreshAccount(ctx, r.client, acc.ID)
			if err != nil {
				log.Warnf("proactive refresh: %s: %v", acc.DisplayEmail(), err)
				return
			}
			if r.onRefreshed != nil {
				r.onRefreshed(refreshed)
			}
		}(acc)
	}
	wg.Wait()
}
