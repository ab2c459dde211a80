package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.RequestsPerSec == 0 {
		// 测试不关心节流时给一个高速率，避免拖慢用例。
		cfg.RequestsPerSec = 10000
		cfg.Burst = 10000
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New 失败：%v", err)
	}
	c.SetSleep(func(ctx context.Context, d time.Duration) error { return nil })
	return c
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Errorf("请求缺少 User-Agent")
		}
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Concurrency: 2})
	out := c.Fetch(context.Background(), "14-021", srv.URL)
	if out.Status != StatusSuccess || out.Err != nil {
		t.Fatalf("期望 success，实际 %s：%v", out.Status, out.Err)
	}
	if string(out.Payload) != "<html>ok</html>" {
		t.Fatalf("payload 不一致：%q", out.Payload)
	}
}

func TestFetchStatusClassification(t *testing.T) {
	cases := []struct {
		code int
		want string
	}{
		{429, StatusRateLimited},
		{404, StatusNotFound},
		{403, StatusRejected},
		{401, StatusRejected},
		{500, StatusTimeout},
		{503, StatusTimeout},
	}
	for _, cse := range cases {
		code := cse.code
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		c := newTestClient(t, Config{Concurrency: 1})
		out := c.Fetch(context.Background(), "14-021", srv.URL)
		srv.Close()
		if out.Status != cse.want {
			t.Errorf("HTTP %d 归类为 %q，期望 %q", cse.code, out.Status, cse.want)
		}
		if out.Err == nil || StatusOf(out.Err) != cse.want {
			t.Errorf("HTTP %d：Err 缺失或 StatusOf 不一致：%v", cse.code, out.Err)
		}
	}
}

func TestConcurrencyBound(t *testing.T) {
	const n = 3
	var cur, peak int64
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := atomic.AddInt64(&cur, 1)
		mu.Lock()
		if v > peak {
			peak = v
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&cur, -1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Concurrency: n})

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := c.Fetch(context.Background(), "14-021", srv.URL)
			if out.Status != StatusSuccess {
				t.Errorf("抓取失败：%s %v", out.Status, out.Err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if peak > n {
		t.Fatalf("同时在途请求峰值 %d 超过上限 %d", peak, n)
	}
}

func TestFetchRetryTransientThenSuccess(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Concurrency: 1, RetryMax: 3})
	out := c.FetchRetry(context.Background(), "14-021", srv.URL)
	if out.Status != StatusSuccess {
		t.Fatalf("期望重试后成功，实际 %s：%v", out.Status, out.Err)
	}
	if got := atomic.LoadInt64(&calls); got != 3 {
		t.Fatalf("期望请求 3 次，实际 %d 次", got)
	}
}

func TestFetchRetryPermanentNoRetry(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Concurrency: 1, RetryMax: 3})
	out := c.FetchRetry(context.Background(), "14-021", srv.URL)
	if out.Status != StatusNotFound {
		t.Fatalf("期望 not_found，实际 %s", out.Status)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("永久失败不应重试：请求了 %d 次", got)
	}
}

func TestFetchRetryExhausted(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Concurrency: 1, RetryMax: 2})
	out := c.FetchRetry(context.Background(), "14-021", srv.URL)
	if out.Status != StatusTimeout {
		t.Fatalf("期望 timeout，实际 %s", out.Status)
	}
	// 首次 + 2 次重试。
	if got := atomic.LoadInt64(&calls); got != 3 {
		t.Fatalf("期望请求 3 次，实际 %d 次", got)
	}
}

func TestRateSlowdownAndRecovery(t *testing.T) {
	var limited int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.CompareAndSwapInt64(&limited, 0, 1) {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Concurrency: 1, RetryMax: 0, RequestsPerSec: 8, Burst: 8})
	base := c.Rate()

	out := c.Fetch(context.Background(), "14-021", srv.URL)
	if out.Status != StatusRateLimited {
		t.Fatalf("期望 rate_limited，实际 %s", out.Status)
	}
	if got := c.Rate(); got != base/2 {
		t.Fatalf("429 后速率应减半：%v，基准 %v", got, base)
	}

	out = c.Fetch(context.Background(), "14-021", srv.URL)
	if out.Status != StatusSuccess {
		t.Fatalf("期望 success，实际 %s", out.Status)
	}
	if got := c.Rate(); got <= base/2 || got > base {
		t.Fatalf("成功后速率应小步回升且不超过基准：%v，基准 %v", got, base)
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(StatusTimeout) || !IsTransient(StatusRateLimited) {
		t.Fatalf("timeout / rate_limited 应为瞬时")
	}
	if IsTransient(StatusNotFound) || IsTransient(StatusRejected) || IsTransient(StatusSuccess) {
		t.Fatalf("not_found / rejected / success 不应为瞬时")
	}
}
