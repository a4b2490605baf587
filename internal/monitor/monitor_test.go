package monitor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"deal-radar/internal/config"
	"deal-radar/internal/fetcher"
	"deal-radar/internal/storage"
)

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		TickInterval:        10 * time.Millisecond,
		DefaultInterval:     time.Millisecond,
		MinInterval:         time.Millisecond,
		MaxInterval:         24 * time.Hour,
		MaxConcurrentChecks: 3,
		FetchRatePerMinute:  600000,
		FetchBurst:          1000,
		MaxRetryAttempts:    3,
		RetryBaseDelay:      time.Millisecond,
		RetryMaxDelay:       5 * time.Millisecond,
		RetryJitter:         0,
		FailureLimit:        2,
		DrainTimeout:        5 * time.Second,
	}
}

type fakeSource struct {
	mu       sync.Mutex
	products []storage.Product
}

func (f *fakeSource) ListActiveProducts(_ context.Context) ([]storage.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.Product, len(f.products))
	copy(out, f.products)
	return out, nil
}

func makeProduct(id string, priority storage.Priority) storage.Product {
	return storage.Product{
		ID:            id,
		Name:          id,
		SearchQuery:   id,
		TargetPrice:   decimal.NewFromInt(50),
		CheckInterval: time.Millisecond,
		Priority:      priority,
		Status:        storage.StatusActive,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("等待条件超时")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestTickBoundsConcurrencyAndPriority(t *testing.T) {
	products := make([]storage.Product, 0, 10)
	for i := 0; i < 7; i++ {
		products = append(products, makeProduct(string(rune('a'+i)), storage.PriorityNormal))
	}
	products = append(products,
		makeProduct("hi1", storage.PriorityHigh),
		makeProduct("hi2", storage.PriorityHigh),
		makeProduct("hi3", storage.PriorityHigh),
	)

	var (
		mu      sync.Mutex
		started []string
	)
	release := make(chan struct{})

	m := New(Options{
		Config:   testMonitorConfig(),
		Products: &fakeSource{products: products},
		Check: func(_ context.Context, p storage.Product) error {
			mu.Lock()
			started = append(started, p.ID)
			mu.Unlock()
			<-release
			return nil
		},
	}, zerolog.New(io.Discard))
	defer m.Shutdown(false)

	if err := m.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick 失败: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(started) == 3
	})

	if got := m.InFlight(); got != 3 {
		t.Fatalf("InFlight 应恰为 3, 实际 %d", got)
	}

	mu.Lock()
	for _, id := range started {
		if id != "hi1" && id != "hi2" && id != "hi3" {
			t.Fatalf("高优先级应先调度, 实际启动了 %s", id)
		}
	}
	mu.Unlock()

	// 预算用满后再次 Tick 不应派发新任务。
	if err := m.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick 失败: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	if len(started) != 3 {
		t.Fatalf("并发上限内不应超发, 实际 %d", len(started))
	}
	mu.Unlock()

	if m.StateOf("a") != StateScheduled {
		t.Fatalf("未派发的到期产品应保持 scheduled, 实际 %s", m.StateOf("a"))
	}

	close(release)
	waitFor(t, time.Second, func() bool { return m.InFlight() == 0 })
}

func TestSingleFlightPerProduct(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	release := make(chan struct{})

	m := New(Options{
		Config:   testMonitorConfig(),
		Products: &fakeSource{products: []storage.Product{makeProduct("p1", storage.PriorityNormal)}},
		Check: func(_ context.Context, _ storage.Product) error {
			mu.Lock()
			calls++
			mu.Unlock()
			<-release
			return nil
		},
	}, zerolog.New(io.Discard))
	defer m.Shutdown(false)

	for i := 0; i < 5; i++ {
		if err := m.Tick(context.Background(), time.Now()); err != nil {
			t.Fatalf("Tick 失败: %v", err)
		}
	}

	waitFor(t, time.Second, func() bool { return m.StateOf("p1") == StateInFlight })
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	if calls != 1 {
		t.Fatalf("同一产品不应有并发检查, 实际 %d 次", calls)
	}
	mu.Unlock()

	close(release)
	waitFor(t, time.Second, func() bool { return m.StateOf("p1") == StateIdle })
}

func TestRetryThenDegradedExactlyOnce(t *testing.T) {
	var (
		mu           sync.Mutex
		checkCalls   int
		degradedHits int
		statusCalls  []storage.ProductStatus
	)

	m := New(Options{
		Config:   testMonitorConfig(),
		Products: &fakeSource{products: []storage.Product{makeProduct("p1", storage.PriorityNormal)}},
		Check: func(_ context.Context, _ storage.Product) error {
			mu.Lock()
			checkCalls++
			mu.Unlock()
			return &fetcher.FetchError{Source: "test", Transient: true, Err: errors.New("boom")}
		},
		Status: func(_ context.Context, _ string, status storage.ProductStatus) error {
			mu.Lock()
			statusCalls = append(statusCalls, status)
			mu.Unlock()
			return nil
		},
		OnDegraded: func(_ context.Context, _ storage.Product, _ int) {
			mu.Lock()
			degradedHits++
			mu.Unlock()
		},
	}, zerolog.New(io.Discard))
	defer m.Shutdown(false)

	// 第一轮: 3 次尝试全部失败, 连续失败计 1, 回到 idle。
	if err := m.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick 失败: %v", err)
	}
	waitFor(t, time.Second, func() bool { return m.StateOf("p1") == StateIdle })
	mu.Lock()
	if checkCalls != 3 {
		t.Fatalf("瞬时错误应重试至上限 3 次, 实际 %d", checkCalls)
	}
	mu.Unlock()

	// 第二轮: 连续失败达到上限, 进入 degraded。
	if err := m.Tick(context.Background(), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Tick 失败: %v", err)
	}
	waitFor(t, time.Second, func() bool { return m.StateOf("p1") == StateDegraded })

	mu.Lock()
	if degradedHits != 1 {
		t.Fatalf("Degraded 告警应恰好一次, 实际 %d", degradedHits)
	}
	if len(statusCalls) != 1 || statusCalls[0] != storage.StatusDegraded {
		t.Fatalf("应持久化 degraded 状态: %#v", statusCalls)
	}
	callsBefore := checkCalls
	mu.Unlock()

	// degraded 为终态: 继续 Tick 不应再派发。
	for i := 0; i < 3; i++ {
		_ = m.Tick(context.Background(), time.Now().Add(time.Minute))
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	if checkCalls != callsBefore {
		t.Fatalf("degraded 产品不应再被检查, 实际新增 %d 次", checkCalls-callsBefore)
	}
	mu.Unlock()

	// 手动重置后恢复调度。
	if err := m.ResetDegraded(context.Background(), "p1"); err != nil {
		t.Fatalf("ResetDegraded 失败: %v", err)
	}
	mu.Lock()
	if len(statusCalls) != 2 || statusCalls[1] != storage.StatusActive {
		t.Fatalf("重置应持久化 active 状态: %#v", statusCalls)
	}
	mu.Unlock()

	if err := m.Tick(context.Background(), time.Now().Add(2*time.Minute)); err != nil {
		t.Fatalf("Tick 失败: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return checkCalls > callsBefore
	})
}

func TestPermanentErrorShortCircuitsRetries(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)

	m := New(Options{
		Config:   testMonitorConfig(),
		Products: &fakeSource{products: []storage.Product{makeProduct("p1", storage.PriorityNormal)}},
		Check: func(_ context.Context, _ storage.Product) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return &fetcher.FetchError{Source: "test", Transient: false, Err: errors.New("gone")}
		},
	}, zerolog.New(io.Discard))
	defer m.Shutdown(false)

	if err := m.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick 失败: %v", err)
	}
	waitFor(t, time.Second, func() bool { return m.StateOf("p1") == StateIdle })

	mu.Lock()
	if calls != 1 {
		t.Fatalf("永久错误不应重试, 实际 %d 次", calls)
	}
	mu.Unlock()
}

func TestForgetWhileInFlight(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	release := make(chan struct{})

	m := New(Options{
		Config:   testMonitorConfig(),
		Products: &fakeSource{products: []storage.Product{makeProduct("p1", storage.PriorityNormal)}},
		Check: func(_ context.Context, _ storage.Product) error {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n == 1 {
				<-release
			}
			return nil
		},
	}, zerolog.New(io.Discard))
	defer m.Shutdown(false)

	if err := m.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick 失败: %v", err)
	}
	waitFor(t, time.Second, func() bool { return m.StateOf("p1") == StateInFlight })

	// 在途期间移除产品, 完成回写必须容忍状态已不存在。
	m.Forget("p1")
	close(release)
	waitFor(t, time.Second, func() bool { return m.InFlight() == 0 })

	if m.StateOf("p1") != StateIdle {
		t.Fatalf("被移除的产品不应残留状态, 实际 %s", m.StateOf("p1"))
	}

	// 产品仍在数据源中, 下一轮 Tick 应重建状态并正常派发。
	if err := m.Tick(context.Background(), time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Tick 失败: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	})
}

func TestShutdownDrainsInFlight(t *testing.T) {
	release := make(chan struct{})
	done := make(chan struct{})

	m := New(Options{
		Config:   testMonitorConfig(),
		Products: &fakeSource{products: []storage.Product{makeProduct("p1", storage.PriorityNormal)}},
		Check: func(_ context.Context, _ storage.Product) error {
			<-release
			close(done)
			return nil
		},
	}, zerolog.New(io.Discard))

	if err := m.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick 失败: %v", err)
	}
	waitFor(t, time.Second, func() bool { return m.StateOf("p1") == StateInFlight })

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()

	if err := m.Shutdown(true); err != nil {
		t.Fatalf("drain 应等待在途任务完成: %v", err)
	}

	select {
	case <-done:
	default:
		t.Fatal("在途任务应在 Shutdown 返回前完成")
	}

	// 停机后不再受理新工作。
	if err := m.Tick(context.Background(), time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Tick 失败: %v", err)
	}
	if m.StateOf("p1") != StateIdle {
		t.Fatalf("停机后不应再调度, 实际 %s", m.StateOf("p1"))
	}
}
