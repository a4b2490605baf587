package monitor

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"deal-radar/internal/config"
	"deal-radar/internal/fetcher"
	"deal-radar/internal/metrics"
	"deal-radar/internal/storage"
)

// State is the scheduling state of one product.
type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateInFlight  State = "in_flight"
	StateRetryWait State = "retry_wait"
	StateDegraded  State = "degraded"
)

// ErrDrainTimeout indicates in-flight checks did not finish within the
// shutdown grace period.
var ErrDrainTimeout = errors.New("monitor: drain timed out")

// ProductSource lists the products eligible for checking.
type ProductSource interface {
	ListActiveProducts(ctx context.Context) ([]storage.Product, error)
}

// CheckFunc runs the full check pipeline for one product: fetch, append,
// analyze, score, predict, evaluate alerts. One call is one fetch attempt.
type CheckFunc func(ctx context.Context, product storage.Product) error

// StatusFunc persists a product status transition.
type StatusFunc func(ctx context.Context, productID string, status storage.ProductStatus) error

// DegradedFunc reports a product entering the degraded state.
type DegradedFunc func(ctx context.Context, product storage.Product, failures int)

// Options wire the monitor to its collaborators.
type Options struct {
	Config     config.MonitorConfig
	Products   ProductSource
	Check      CheckFunc
	Status     StatusFunc
	OnDegraded DegradedFunc
}

// productState is one record of the scheduling table. All access goes
// through the monitor mutex; the owning check goroutine is the only
// writer while the product is in flight.
type productState struct {
	state               State
	dueSince            time.Time
	lastChecked         time.Time
	consecutiveFailures int
}

// Monitor drives the check loop. It owns the per-product state table, the
// concurrency budget, and the shared fetch rate quota.
type Monitor struct {
	opts    Options
	logger  zerolog.Logger
	limiter *rate.Limiter
	sem     chan struct{}
	rng     *rand.Rand

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	states   map[string]*productState
	draining bool
	wg       sync.WaitGroup
}

// New constructs a monitor. Tick must be driven externally.
func New(opts Options, logger zerolog.Logger) *Monitor {
	baseCtx, cancel := context.WithCancel(context.Background())

	perSecond := opts.Config.FetchRatePerMinute / 60
	return &Monitor{
		opts:       opts,
		logger:     logger.With().Str("component", "monitor").Logger(),
		limiter:    rate.NewLimiter(rate.Limit(perSecond), opts.Config.FetchBurst),
		sem:        make(chan struct{}, opts.Config.MaxConcurrentChecks),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		states:     make(map[string]*productState),
	}
}

// Tick marks due products as scheduled and dispatches as many as the
// concurrency budget allows, priority tier first, then longest waiting.
func (m *Monitor) Tick(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	draining := m.draining
	m.mu.Unlock()
	if draining {
		return nil
	}

	products, err := m.opts.Products.ListActiveProducts(ctx)
	if err != nil {
		return err
	}

	due := m.schedule(products, now)

	sort.SliceStable(due, func(i, j int) bool {
		pi, pj := due[i].product.Priority.Rank(), due[j].product.Priority.Rank()
		if pi != pj {
			return pi < pj
		}
		return due[i].dueSince.Before(due[j].dueSince)
	})

	for _, item := range due {
		product := item.product
		select {
		case m.sem <- struct{}{}:
		default:
			// Budget exhausted; the rest stay scheduled for the next tick.
			return nil
		}

		m.mu.Lock()
		st, ok := m.states[product.ID]
		if !ok || st.state != StateScheduled {
			m.mu.Unlock()
			<-m.sem
			continue
		}
		st.state = StateInFlight
		m.mu.Unlock()

		m.wg.Add(1)
		go m.runCheck(product)
	}
	return nil
}

type dispatchItem struct {
	product  storage.Product
	dueSince time.Time
}

// schedule moves due idle products to scheduled and returns every product
// currently awaiting dispatch.
func (m *Monitor) schedule(products []storage.Product, now time.Time) []dispatchItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]dispatchItem, 0, len(products))
	for _, product := range products {
		st, ok := m.states[product.ID]
		if !ok {
			st = &productState{state: StateIdle}
			if product.LastCheckedAt != nil {
				st.lastChecked = *product.LastCheckedAt
			}
			m.states[product.ID] = st
		}

		switch st.state {
		case StateIdle:
			if m.isDue(st, product, now) {
				st.state = StateScheduled
				st.dueSince = now
				due = append(due, dispatchItem{product: product, dueSince: st.dueSince})
			}
		case StateScheduled:
			due = append(due, dispatchItem{product: product, dueSince: st.dueSince})
		}
	}
	return due
}

func (m *Monitor) isDue(st *productState, product storage.Product, now time.Time) bool {
	if st.lastChecked.IsZero() {
		return true
	}
	return now.Sub(st.lastChecked) >= m.clampInterval(product.EffectiveInterval())
}

func (m *Monitor) clampInterval(interval time.Duration) time.Duration {
	cfg := m.opts.Config
	if interval <= 0 {
		return cfg.DefaultInterval
	}
	if interval < cfg.MinInterval {
		return cfg.MinInterval
	}
	if interval > cfg.MaxInterval {
		return cfg.MaxInterval
	}
	return interval
}

// runCheck owns the product for one check cycle: rate-limited fetch with
// retries and backoff, then the state transition out of InFlight. The
// semaphore slot is held only while actually in flight; it is released
// during backoff waits so other products keep moving.
func (m *Monitor) runCheck(product storage.Product) {
	defer m.wg.Done()

	metrics.InFlightChecks.Inc()
	released := false
	release := func() {
		if !released {
			released = true
			<-m.sem
		}
	}
	defer release()
	defer metrics.InFlightChecks.Dec()

	ctx := m.baseCtx
	maxAttempts := m.opts.Config.MaxRetryAttempts

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := m.limiter.Wait(ctx); err != nil {
			m.finishFailure(ctx, product, err)
			return
		}

		lastErr = m.opts.Check(ctx, product)
		if lastErr == nil {
			m.finishSuccess(product)
			return
		}

		if !fetcher.IsTransient(lastErr) {
			m.logger.Warn().Err(lastErr).
				Str("product_id", product.ID).
				Msg("permanent fetch error, not retrying")
			break
		}
		if attempt == maxAttempts {
			break
		}

		metrics.FetchRetriesTotal.Inc()
		delay := m.backoffDelay(attempt)
		m.logger.Debug().Err(lastErr).
			Str("product_id", product.ID).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("fetch failed, backing off")

		m.setState(product.ID, StateRetryWait)
		release()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.finishFailure(ctx, product, ctx.Err())
			return
		case <-timer.C:
		}

		select {
		case m.sem <- struct{}{}:
			released = false
		case <-ctx.Done():
			m.finishFailure(ctx, product, ctx.Err())
			return
		}
		m.setState(product.ID, StateInFlight)
	}

	m.finishFailure(ctx, product, lastErr)
}

// backoffDelay grows exponentially from the base, capped at the maximum,
// with multiplicative jitter.
func (m *Monitor) backoffDelay(attempt int) time.Duration {
	cfg := m.opts.Config

	backoff := cfg.RetryBaseDelay
	if attempt > 1 {
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		backoff = cfg.RetryBaseDelay * time.Duration(1<<shift)
	}
	if cfg.RetryMaxDelay > 0 && backoff > cfg.RetryMaxDelay {
		backoff = cfg.RetryMaxDelay
	}

	if cfg.RetryJitter > 0 {
		m.mu.Lock()
		factor := 1 - cfg.RetryJitter + m.rng.Float64()*2*cfg.RetryJitter
		m.mu.Unlock()
		backoff = time.Duration(float64(backoff) * factor)
	}
	return backoff
}

func (m *Monitor) setState(productID string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[productID]; ok {
		st.state = state
	}
}

func (m *Monitor) finishSuccess(product storage.Product) {
	m.mu.Lock()
	// The product may have been forgotten while the check was in flight.
	if st, ok := m.states[product.ID]; ok {
		st.state = StateIdle
		st.lastChecked = time.Now()
		st.consecutiveFailures = 0
	}
	m.mu.Unlock()

	metrics.ChecksTotal.WithLabelValues("success").Inc()
}

func (m *Monitor) finishFailure(ctx context.Context, product storage.Product, cause error) {
	if errors.Is(cause, context.Canceled) {
		// Shutdown, not a data-source failure.
		m.setState(product.ID, StateIdle)
		return
	}

	m.mu.Lock()
	st, ok := m.states[product.ID]
	if !ok {
		m.mu.Unlock()
		return
	}
	st.consecutiveFailures++
	failures := st.consecutiveFailures
	degraded := failures >= m.opts.Config.FailureLimit
	if degraded {
		st.state = StateDegraded
	} else {
		st.state = StateIdle
		// A failed cycle still counts as a check for due-ness, otherwise
		// a flapping product would be re-dispatched every tick.
		st.lastChecked = time.Now()
	}
	m.mu.Unlock()

	if !degraded {
		metrics.ChecksTotal.WithLabelValues("failure").Inc()
		m.logger.Warn().Err(cause).
			Str("product_id", product.ID).
			Int("consecutive_failures", failures).
			Msg("check cycle failed")
		return
	}

	metrics.ChecksTotal.WithLabelValues("degraded").Inc()
	metrics.DegradedProducts.Inc()
	m.logger.Error().Err(cause).
		Str("product_id", product.ID).
		Int("consecutive_failures", failures).
		Msg("product degraded after repeated failures")

	if m.opts.Status != nil {
		if err := m.opts.Status(ctx, product.ID, storage.StatusDegraded); err != nil {
			m.logger.Error().Err(err).Str("product_id", product.ID).Msg("persist degraded status failed")
		}
	}
	if m.opts.OnDegraded != nil {
		m.opts.OnDegraded(ctx, product, failures)
	}
}

// ResetDegraded clears the degraded state so the product is scheduled
// again. Degraded is terminal until this is called.
func (m *Monitor) ResetDegraded(ctx context.Context, productID string) error {
	m.mu.Lock()
	st, ok := m.states[productID]
	if ok && st.state == StateDegraded {
		st.state = StateIdle
		st.consecutiveFailures = 0
		metrics.DegradedProducts.Dec()
	}
	m.mu.Unlock()

	if m.opts.Status != nil {
		return m.opts.Status(ctx, productID, storage.StatusActive)
	}
	return nil
}

// Forget drops scheduling state for a removed product.
func (m *Monitor) Forget(productID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, productID)
}

// StateOf reports the scheduling state of a product.
func (m *Monitor) StateOf(productID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[productID]; ok {
		return st.state
	}
	return StateIdle
}

// InFlight counts checks currently holding a concurrency slot.
func (m *Monitor) InFlight() int {
	return len(m.sem)
}

// Shutdown stops admitting new work. With drain it waits for in-flight
// checks up to the configured grace period before cancelling them.
func (m *Monitor) Shutdown(drain bool) error {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()

	if !drain {
		m.cancelBase()
		m.wg.Wait()
		return nil
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	grace := m.opts.Config.DrainTimeout
	if grace <= 0 {
		grace = 30 * time.Second
	}

	select {
	case <-done:
		m.cancelBase()
		return nil
	case <-time.After(grace):
		m.cancelBase()
		<-done
		return ErrDrainTimeout
	}
}
