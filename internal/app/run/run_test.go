package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datadevda1/abc-enrich/internal/catalog"
	"github.com/datadevda1/abc-enrich/internal/config"
	"github.com/datadevda1/abc-enrich/internal/domain"
	"github.com/datadevda1/abc-enrich/internal/infra/httpx"
	"github.com/datadevda1/abc-enrich/internal/provider"
	"github.com/datadevda1/abc-enrich/internal/resolve"
)

// scriptStrategy 按 key 查表响应；没有脚本的 key 一律干净未命中。
type scriptStrategy struct {
	name    string
	results map[domain.Key]provider.Result
	errs    map[domain.Key]error
}

func (s *scriptStrategy) Name() string { return s.name }

func (s *scriptStrategy) Resolve(ctx context.Context, req provider.Request) (provider.Result, error) {
	if err, ok := s.errs[req.Key]; ok {
		return provider.Result{}, err
	}
	return s.results[req.Key], nil
}

func newRegistry(t *testing.T, direct, fallback provider.Strategy) provider.Registry {
	t.Helper()
	reg, err := provider.NewRegistry(direct, fallback)
	require.NoError(t, err)
	return reg
}

func writeSeed(t *testing.T, dir string, rows []string) {
	t.Helper()
	csv := "nc_code,item_details_url,image_url,resolution_status,last_updated,brand_name,size\n"
	for _, r := range rows {
		csv += r + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "catalog.csv"), []byte(csv), 0o644))
}

func baseConfig(dir string) config.EffectiveConfig {
	return config.EffectiveConfig{
		Path:        dir,
		Concurrency: 4,
		CatalogFile: "catalog.csv",
	}
}

func transientFetchErr(key domain.Key) error {
	return &provider.Error{Strategy: resolve.StrategyFallback, Stage: "search", Err: &httpx.Error{
		URL:    "https://www.googleapis.com/customsearch/v1",
		Status: httpx.StatusTimeout,
		Err:    errors.New("HTTP 503"),
	}}
}

func rejectedErr() error {
	return &provider.Error{Strategy: resolve.StrategyFallback, Stage: "search", Err: &httpx.Error{
		URL:    "https://www.googleapis.com/customsearch/v1",
		Status: httpx.StatusRejected,
		Err:    fmt.Errorf("HTTP %d", http.StatusForbidden),
	}}
}

// 10 条待解析，其中 1 条瞬时失败：其余 9 条必须正常完成，
// 失败条目保持未解析（下一轮可重试），整轮不 fatal。
func TestExecuteFailureIsolation(t *testing.T) {
	dir := t.TempDir()
	var rows []string
	results := make(map[domain.Key]provider.Result)
	for i := 1; i <= 10; i++ {
		key := domain.Key(fmt.Sprintf("14-%03d", i))
		rows = append(rows, fmt.Sprintf("%s,https://abc2.nc.gov/products/%s,,,,BRAND %d,.75 L", key, key, i))
		results[key] = provider.Result{ImageURL: fmt.Sprintf("https://cdn.example.com/%s.jpg", key)}
	}
	writeSeed(t, dir, rows)

	direct := &scriptStrategy{name: resolve.StrategyDirect}
	fallback := &scriptStrategy{
		name:    resolve.StrategyFallback,
		results: results,
		errs:    map[domain.Key]error{"14-005": transientFetchErr("14-005")},
	}

	rr := Execute(context.Background(), baseConfig(dir), newRegistry(t, direct, fallback))

	assert.Empty(t, rr.FatalCode, "条目级失败不应 fatal：%s %s", rr.FatalCode, rr.FatalMsg)
	assert.Equal(t, 9, rr.Summary.ResolvedFallback)
	assert.Equal(t, 1, rr.Summary.TransientError)
	assert.Equal(t, 0, rr.Summary.PermanentError)
	assert.Len(t, rr.Items, 10)

	// items 按 key 排序，位置 4 是 14-005。
	failed := rr.Items[4]
	require.Equal(t, domain.Key("14-005"), failed.Key)
	assert.Equal(t, domain.OutcomeFailed, failed.Status)
	assert.Equal(t, domain.ErrCodeSearchFailed, failed.ErrorCode)
	assert.Equal(t, domain.ErrClassTransient, failed.ErrorClass)
	assert.NotEmpty(t, failed.ErrorMsg)
}

// dry-run 不落盘；apply 把 merge 结果原子写回 catalog.csv。
func TestExecuteDryRunVsApply(t *testing.T) {
	dir := t.TempDir()
	writeSeed(t, dir, []string{"14-021,https://abc2.nc.gov/products/14-021,,,,OLD FORESTER 86,.75 L"})

	direct := &scriptStrategy{name: resolve.StrategyDirect}
	fallback := &scriptStrategy{name: resolve.StrategyFallback, results: map[domain.Key]provider.Result{
		"14-021": {ImageURL: "https://cdn.example.com/a.jpg"},
	}}
	reg := newRegistry(t, direct, fallback)

	before, err := os.ReadFile(filepath.Join(dir, "catalog.csv"))
	require.NoError(t, err)

	rr := Execute(context.Background(), baseConfig(dir), reg)
	require.True(t, rr.DryRun)
	after, err := os.ReadFile(filepath.Join(dir, "catalog.csv"))
	require.NoError(t, err)
	assert.Equal(t, before, after, "dry-run 不允许改动数据集")

	eff := baseConfig(dir)
	eff.Apply = true
	rr = Execute(context.Background(), eff, reg)
	require.False(t, rr.DryRun)
	require.Empty(t, rr.FatalCode)

	ds, err := catalog.Load(filepath.Join(dir, "catalog.csv"))
	require.NoError(t, err)
	rec, ok := ds.Get("14-021")
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example.com/a.jpg", rec.ImageRef)
	assert.Equal(t, domain.ResolutionResolvedFallback, rec.Resolution)
	assert.False(t, rec.LastUpdated.IsZero())
}

// apply 后重跑：已 resolved 的条目全部 skipped，数据集不再变化。
func TestExecuteRerunConverges(t *testing.T) {
	dir := t.TempDir()
	writeSeed(t, dir, []string{"14-021,https://abc2.nc.gov/products/14-021,,,,OLD FORESTER 86,.75 L"})

	direct := &scriptStrategy{name: resolve.StrategyDirect}
	fallback := &scriptStrategy{name: resolve.StrategyFallback, results: map[domain.Key]provider.Result{
		"14-021": {ImageURL: "https://cdn.example.com/a.jpg"},
	}}
	reg := newRegistry(t, direct, fallback)

	eff := baseConfig(dir)
	eff.Apply = true
	require.Empty(t, Execute(context.Background(), eff, reg).FatalCode)

	first, err := os.ReadFile(filepath.Join(dir, "catalog.csv"))
	require.NoError(t, err)

	rr := Execute(context.Background(), eff, reg)
	require.Empty(t, rr.FatalCode)
	assert.Equal(t, 0, rr.Summary.ResolvedFallback)
	assert.Empty(t, rr.Items, "已 resolved 的条目不再进入待解析集合")

	second, err := os.ReadFile(filepath.Join(dir, "catalog.csv"))
	require.NoError(t, err)
	assert.Equal(t, first, second, "重跑必须收敛")
}

// 同一策略连续命中同一类永久失败：触发系统性故障，停止投放并标记 fatal。
func TestExecuteSystemicFaultFuse(t *testing.T) {
	dir := t.TempDir()
	var rows []string
	errs := make(map[domain.Key]error)
	for i := 1; i <= 20; i++ {
		key := domain.Key(fmt.Sprintf("14-%03d", i))
		rows = append(rows, fmt.Sprintf("%s,https://abc2.nc.gov/products/%s,,,,BRAND %d,.75 L", key, key, i))
		errs[key] = rejectedErr()
	}
	writeSeed(t, dir, rows)

	direct := &scriptStrategy{name: resolve.StrategyDirect}
	fallback := &scriptStrategy{name: resolve.StrategyFallback, errs: errs}

	eff := baseConfig(dir)
	eff.Concurrency = 1
	rr := Execute(context.Background(), eff, newRegistry(t, direct, fallback))

	assert.Equal(t, domain.ErrCodeSystemicFault, rr.FatalCode)
	assert.NotEmpty(t, rr.FatalMsg)
	// 熔断后不再投放新任务：处理数远小于 20。
	assert.Less(t, len(rr.Items), 20)
	assert.GreaterOrEqual(t, len(rr.Items), fuseMin)
}

func TestExecuteMissingCatalogIsFatal(t *testing.T) {
	dir := t.TempDir()
	direct := &scriptStrategy{name: resolve.StrategyDirect}
	fallback := &scriptStrategy{name: resolve.StrategyFallback}

	rr := Execute(context.Background(), baseConfig(dir), newRegistry(t, direct, fallback))
	assert.Equal(t, domain.ErrCodeIOFailed, rr.FatalCode)
}

// report JSON 对外稳定（调度器消费）：golden 固定形态。
func TestExecuteReportGolden(t *testing.T) {
	dir := t.TempDir()
	writeSeed(t, dir, []string{
		"14-021,https://abc2.nc.gov/products/14-021,,,,OLD FORESTER 86,.75 L",
		"66-015,https://abc2.nc.gov/products/66-015,x-raw-image:///deadbeef,,,ELIJAH CRAIG,.75 L",
	})

	direct := &scriptStrategy{name: resolve.StrategyDirect}
	fallback := &scriptStrategy{name: resolve.StrategyFallback, results: map[domain.Key]provider.Result{
		"14-021": {ImageURL: "https://cdn.example.com/14-021.jpg"},
	}}

	rr := Execute(context.Background(), baseConfig(dir), newRegistry(t, direct, fallback))
	require.Empty(t, rr.FatalCode)

	// 抹掉每次 run 都会变化的字段，其余逐字节比对。
	rr.RunID = ""
	rr.Path = ""
	rr.StartedAt = time.Time{}
	rr.FinishedAt = time.Time{}

	b, err := json.MarshalIndent(rr, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "run_report", b)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		wantCode  string
		wantClass string
	}{
		{
			"解析失败是永久错误",
			&provider.Error{Strategy: resolve.StrategyDirect, Stage: "parse", Err: errors.New("容器缺失")},
			domain.ErrCodeParseFailed, domain.ErrClassPermanent,
		},
		{
			"限流是瞬时错误",
			&provider.Error{Strategy: resolve.StrategyDirect, Stage: "fetch", Err: &httpx.Error{Status: httpx.StatusRateLimited, Err: errors.New("HTTP 429")}},
			domain.ErrCodeRateLimited, domain.ErrClassTransient,
		},
		{
			"404 是永久错误",
			&provider.Error{Strategy: resolve.StrategyDirect, Stage: "fetch", Err: &httpx.Error{Status: httpx.StatusNotFound, Err: errors.New("HTTP 404")}},
			domain.ErrCodeNotFound, domain.ErrClassPermanent,
		},
		{
			"抓取超时是瞬时错误",
			&provider.Error{Strategy: resolve.StrategyDirect, Stage: "fetch", Err: &httpx.Error{Status: httpx.StatusTimeout, Err: errors.New("deadline")}},
			domain.ErrCodeFetchFailed, domain.ErrClassTransient,
		},
		{
			"搜索被拒是永久错误",
			rejectedErr(),
			domain.ErrCodeSearchFailed, domain.ErrClassPermanent,
		},
		{
			"搜索超时是瞬时错误",
			transientFetchErr("14-021"),
			domain.ErrCodeSearchFailed, domain.ErrClassTransient,
		},
	}
	for _, c := range cases {
		oc := domain.ItemOutcome{Key: "14-021"}
		classify(&oc, c.err)
		assert.Equal(t, domain.OutcomeFailed, oc.Status, c.name)
		assert.Equal(t, c.wantCode, oc.ErrorCode, c.name)
		assert.Equal(t, c.wantClass, oc.ErrorClass, c.name)
		assert.NotEmpty(t, oc.ErrorMsg, c.name)
	}
}
