package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/datadevda1/abc-enrich/internal/domain"
	"github.com/datadevda1/abc-enrich/internal/provider"
)

// 解析链使用的 strategy name（注册表按 name 索引）。
const (
	StrategyDirect   = "abcpage"
	StrategyFallback = "gimage"
)

// Attempt 记录链路中一次策略尝试（保留原始 error 对象，供上层分类）。
// 这是内部执行轨迹；写入 report 的可序列化形态见 domain.OutcomeAttempt。
type Attempt struct {
	Strategy string
	Stage    string // "fetch" / "parse" / "search" / "miss" / "ok"
	Err      error
}

// Chain 是单条记录的图片解析状态机：
//
//	Unresolved -> TryDirectScrape -> TryFallbackSearch -> {ResolvedDirect | ResolvedFallback | ExhaustedNoMatch}
//
// 入口取决于记录为什么需要解析：
// - image_reference 缺失：没有可挖的页面数据，直接进 TryFallbackSearch
// - image_reference 带占位前缀（或形态非法）：先 TryDirectScrape，失手才降级搜索
//
// 已 resolved 的记录是 no-op（merge 引擎还有第二道防线）。
type Chain struct {
	reg provider.Registry
}

func New(reg provider.Registry) Chain {
	return Chain{reg: reg}
}

// Run 对单条记录执行解析，返回该条目的 outcome。
// 返回的 error 非 nil 表示该条目失败（outcome.Status==failed）；
// 错误分类（error_code / transient vs permanent）由上层完成。
func (c Chain) Run(ctx context.Context, rec domain.ProductRecord) (domain.ItemOutcome, []Attempt, error) {
	out := domain.ItemOutcome{Key: rec.Key}

	if !rec.NeedsResolution() {
		out.Status = domain.OutcomeSkipped
		return out, nil, nil
	}

	sentinel := domain.ImageState(rec.ImageRef) == domain.ImageInvalid
	var order []string
	if sentinel {
		order = []string{StrategyDirect, StrategyFallback}
	} else {
		order = []string{StrategyFallback}
	}

	attrs := make(map[string]string)
	var (
		attempts []Attempt
		lastErr  error
	)

	for _, name := range order {
		strat, ok := c.reg.Get(name)
		if !ok {
			lastErr = fmt.Errorf("strategy 未注册：%q", name)
			attempts = append(attempts, Attempt{Strategy: name, Stage: "fetch", Err: lastErr})
			continue
		}

		req := provider.Request{
			Key:       rec.Key,
			DetailURL: rec.DetailURL,
			Query:     BuildQuery(rec, sentinel),
		}
		res, err := strat.Resolve(ctx, req)

		// 直接抓取顺带解析出的字段即使没命中图片也要保留（merge 按非缺失值并入）。
		mergeAttrs(attrs, res.Attrs)

		if err != nil {
			lastErr = err
			attempts = append(attempts, Attempt{Strategy: name, Stage: stageOf(err), Err: err})
			continue
		}
		if res.ImageURL == "" {
			attempts = append(attempts, Attempt{Strategy: name, Stage: "miss", Err: nil})
			continue
		}

		attempts = append(attempts, Attempt{Strategy: name, Stage: "ok", Err: nil})
		out.ImageURL = res.ImageURL
		out.Attrs = attrs
		if name == StrategyDirect {
			out.Status = domain.OutcomeResolvedDirect
		} else {
			out.Status = domain.OutcomeResolvedFallback
		}
		out.Trace = toTrace(attempts)
		return out, attempts, nil
	}

	out.Attrs = attrs
	out.Trace = toTrace(attempts)

	// 最后一个策略“干净未命中”=> 链路走完没有可用结果（exhausted，本轮终态）。
	// 否则以最后的错误收尾（该条目失败，记录保持未解析，下一轮可重试）。
	if n := len(attempts); n > 0 && attempts[n-1].Stage == "miss" {
		out.Status = domain.OutcomeExhausted
		return out, attempts, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("无可用 strategy")
	}
	out.Status = domain.OutcomeFailed
	return out, attempts, lastErr
}

func mergeAttrs(dst, src map[string]string) {
	for k, v := range src {
		if v != "" {
			dst[k] = v
		}
	}
}

func stageOf(err error) string {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe.Stage
	}
	return "fetch"
}

func toTrace(attempts []Attempt) []domain.OutcomeAttempt {
	out := make([]domain.OutcomeAttempt, 0, len(attempts))
	for _, a := range attempts {
		oa := domain.OutcomeAttempt{Strategy: a.Strategy, Stage: a.Stage}
		if a.Err != nil {
			oa.Err = a.Err.Error()
		}
		out = append(out, oa)
	}
	return out
}
