package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/datadevda1/abc-enrich/internal/domain"
)

// Outcome 的 status 取值。瞬时（可重试）与永久（不可重试）的划分见 IsTransient。
const (
	StatusSuccess     = "success"
	StatusTimeout     = "timeout"      // 超时 / 连接错误 / HTTP 5xx（同类服务端瞬时故障）
	StatusRateLimited = "rate_limited" // HTTP 429 或配额错误；会触发全局降速
	StatusNotFound    = "not_found"    // HTTP 404
	StatusRejected    = "rejected"     // 401/403 及其他 4xx（凭证/请求本身的问题）
)

// IsTransient 判断该 status 是否值得重试。
func IsTransient(status string) bool {
	return status == StatusTimeout || status == StatusRateLimited
}

// Outcome 是一次抓取的瞬态结果：只在调用方手里消费，不落盘、不进 report。
type Outcome struct {
	Key     domain.Key
	Status  string
	Payload []byte
	Err     error
}

// Error 是抓取失败的可追溯错误（带 status 归类，便于上层 errors.As 后分类）。
type Error struct {
	URL    string
	Status string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.Status, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusOf 从 error 中提取抓取 status；非 *Error 返回空串。
func StatusOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return ""
}

const (
	defaultTimeout     = 20 * time.Second
	defaultRetryMax    = 3
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 15 * time.Second
	minRate            = rate.Limit(0.1)
)

// Config 是 Fetcher 的构造参数（全部显式注入，不读环境）。
type Config struct {
	// Concurrency 是同时在途请求的硬上限 N。
	Concurrency int
	// Timeout 是单次请求的超时 T；超时不在 Fetch 内部重试。
	Timeout time.Duration
	// RetryMax 是 FetchRetry 的最大重试次数 K（不含首次尝试）。
	RetryMax int
	// BackoffBase / BackoffCap：指数退避的起始与上限（每次尝试翻倍）。
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// RequestsPerSec / Burst：全局节流（对所有目标共享）。
	RequestsPerSec float64
	Burst          int
	// ProxyURL 非空时所有请求走代理，且禁用 keep-alive（代理池轮换依赖该行为）。
	ProxyURL string
}

// Client 是所有出站请求的唯一通道：并发许可 + 节流 + 超时 + 分类。
//
// 共享可变状态只有许可池与限速器（内部同步）；没有其它副作用。
type Client struct {
	hc  *http.Client
	sem *semaphore.Weighted

	mu       sync.Mutex
	limiter  *rate.Limiter
	baseRate rate.Limit

	timeout     time.Duration
	retryMax    int
	backoffBase time.Duration
	backoffCap  time.Duration

	ua *uaPool

	// sleep 可注入，测试中替代真实退避等待。
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) (*Client, error) {
	n := cfg.Concurrency
	if n < 1 {
		n = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retryMax := cfg.RetryMax
	if retryMax < 0 {
		retryMax = defaultRetryMax
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	ceil := cfg.BackoffCap
	if ceil < base {
		ceil = defaultBackoffCap
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = n
	}

	tr := &http.Transport{
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}
	if p := strings.TrimSpace(cfg.ProxyURL); p != "" {
		u, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("proxy_url 无效：%w", err)
		}
		tr.Proxy = http.ProxyURL(u)
		tr.DisableKeepAlives = true
	}

	return &Client{
		hc:          &http.Client{Transport: tr},
		sem:         semaphore.NewWeighted(int64(n)),
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		baseRate:    rate.Limit(rps),
		timeout:     timeout,
		retryMax:    retryMax,
		backoffBase: base,
		backoffCap:  ceil,
		ua:          globalUA,
		sleep:       sleepCtx,
	}, nil
}

// Fetch 做一次抓取：先取并发许可，再过限速器，带单请求超时；内部不重试。
// 返回的 Outcome 永远带 status；失败时 Err 为 *Error。
func (c *Client) Fetch(ctx context.Context, key domain.Key, target string) Outcome {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return c.fail(key, target, StatusTimeout, err)
	}
	defer c.sem.Release(1)

	if err := c.waitTurn(ctx); err != nil {
		return c.fail(key, target, StatusTimeout, err)
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, target, nil)
	if err != nil {
		return c.fail(key, target, StatusRejected, err)
	}
	req.Header.Set("User-Agent", c.ua.random())

	resp, err := c.hc.Do(req)
	if err != nil {
		// 超时 / 连接被重置等传输层错误统一按瞬时处理。
		return c.fail(key, target, StatusTimeout, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		b, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return c.fail(key, target, StatusTimeout, rerr)
		}
		c.speedup()
		return Outcome{Key: key, Status: StatusSuccess, Payload: b}
	case resp.StatusCode == http.StatusTooManyRequests:
		c.slowdown()
		return c.fail(key, target, StatusRateLimited, fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return c.fail(key, target, StatusNotFound, fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return c.fail(key, target, StatusTimeout, fmt.Errorf("HTTP %d", resp.StatusCode))
	default:
		return c.fail(key, target, StatusRejected, fmt.Errorf("HTTP %d", resp.StatusCode))
	}
}

// FetchRetry 是调用方视角的重试封装：最多 K 次重试 + 指数退避，只重试瞬时失败。
// 永久失败（not_found / rejected）立即返回，不做任何等待。
func (c *Client) FetchRetry(ctx context.Context, key domain.Key, target string) Outcome {
	delay := c.backoffBase
	var out Outcome
	for attempt := 0; ; attempt++ {
		out = c.Fetch(ctx, key, target)
		if out.Status == StatusSuccess || !IsTransient(out.Status) {
			return out
		}
		if attempt >= c.retryMax || ctx.Err() != nil {
			return out
		}
		if err := c.sleep(ctx, delay); err != nil {
			return out
		}
		delay *= 2
		if delay > c.backoffCap {
			delay = c.backoffCap
		}
	}
}

func (c *Client) fail(key domain.Key, target, status string, err error) Outcome {
	return Outcome{
		Key:    key,
		Status: status,
		Err:    &Error{URL: target, Status: status, Err: err},
	}
}

func (c *Client) waitTurn(ctx context.Context) error {
	c.mu.Lock()
	l := c.limiter
	c.mu.Unlock()
	return l.Wait(ctx)
}

// slowdown 在 429/配额错误后把全局速率减半（有下限），
// 避免一个被打爆的目标拖着所有任务继续撞墙。
func (c *Client) slowdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.limiter.Limit() / 2
	if l < minRate {
		l = minRate
	}
	c.limiter.SetLimit(l)
}

// speedup 在成功后小步回升速率，最多回到配置值。
func (c *Client) speedup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.limiter.Limit()
	if l >= c.baseRate {
		return
	}
	l = rate.Limit(float64(l) * 1.1)
	if l > c.baseRate {
		l = c.baseRate
	}
	c.limiter.SetLimit(l)
}

// Rate 返回当前全局速率（requests/sec）。
func (c *Client) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.limiter.Limit())
}

// SetSleep 替换退避等待实现（测试注入假时钟用）。
func (c *Client) SetSleep(f func(ctx context.Context, d time.Duration) error) {
	c.sleep = f
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type uaPool struct {
	mu  sync.Mutex
	rnd *rand.Rand
	uas []string
}

func (p *uaPool) random() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uas[p.rnd.Intn(len(p.uas))]
}

var globalUA = newUAPool()

func newUAPool() *uaPool {
	// UA 列表保持短小但多样；不对外暴露配置。
	uas := []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	}
	return &uaPool{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
		uas: uas,
	}
}
