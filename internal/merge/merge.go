package merge

import (
	"fmt"
	"time"

	"github.com/datadevda1/abc-enrich/internal/domain"
)

// ConflictError 表示 outcome 指向 canonical 数据集里不存在的 Key。
// 新商品只能由上游种子阶段引入；这里出现未知 Key 属于不变量被破坏，整次 merge 失败。
type ConflictError struct {
	Key domain.Key
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge: outcome 引用了数据集中不存在的 key：%q", e.Key)
}

// Engine 是 canonical 数据集的唯一写入者。
// Now 可注入（测试用假时钟）；为空时使用 time.Now。
type Engine struct {
	Now func() time.Time
}

func New() Engine {
	return Engine{Now: time.Now}
}

// Merge 把一批 outcome 并入数据集，返回新数据集（纯函数，输入不被修改）。
//
// 规则：
// - 字段只被非缺失的新值覆盖；已 resolved 的记录的图片字段本轮不可变
// - resolution_status 单调前进（unresolved -> exhausted -> resolved，决不回退）
// - last_updated 只在实际接受了变更时刷新；因此重放同一批 outcome 得到相同数据集
// - 任何失败的 outcome 不产生变更（条目保持 unresolved，留给下一轮）
func (e Engine) Merge(ds *domain.CanonicalDataset, outcomes []domain.ItemOutcome) (*domain.CanonicalDataset, error) {
	now := e.Now
	if now == nil {
		now = time.Now
	}

	next := ds.Clone()
	for _, oc := range outcomes {
		rec, ok := next.Get(oc.Key)
		if !ok {
			return nil, &ConflictError{Key: oc.Key}
		}

		changed := false

		switch oc.Status {
		case domain.OutcomeSkipped, domain.OutcomeFailed:
			// 无变更。失败条目的错误已在 report 中记录，数据集不动。
			continue

		case domain.OutcomeResolvedDirect, domain.OutcomeResolvedFallback:
			changed = applyAttrs(&rec, oc.Attrs)
			if domain.ResolutionRank(rec.Resolution) < 2 {
				// 仍未 resolved：接受新图片与新状态。
				if oc.ImageURL != "" && rec.ImageRef != oc.ImageURL {
					rec.ImageRef = oc.ImageURL
					changed = true
				}
				status := domain.ResolutionResolvedDirect
				if oc.Status == domain.OutcomeResolvedFallback {
					status = domain.ResolutionResolvedFallback
				}
				if rec.Resolution != status {
					rec.Resolution = status
					changed = true
				}
			}
			// 已 resolved 的记录图片字段不可变：outcome 的 ImageURL 被丢弃。

		case domain.OutcomeExhausted:
			changed = applyAttrs(&rec, oc.Attrs)
			// exhausted 决不覆盖已 resolved 的状态，也决不清空已有引用。
			if domain.ResolutionRank(rec.Resolution) < 1 {
				rec.Resolution = domain.ResolutionExhausted
				changed = true
			}

		default:
			return nil, fmt.Errorf("merge: 未知 outcome status：%q（key=%s）", oc.Status, oc.Key)
		}

		if changed {
			rec.LastUpdated = now()
			if err := next.Replace(rec); err != nil {
				return nil, err
			}
		}
	}
	return next, nil
}

// applyAttrs 按“仅覆盖非缺失值”把抓到的字段并入记录；返回是否有实际变化。
func applyAttrs(rec *domain.ProductRecord, attrs map[string]string) bool {
	changed := false
	for name, v := range attrs {
		if v == "" {
			continue
		}
		if old, ok := rec.Attr(name); ok && old == v {
			continue
		}
		if rec.Attrs == nil {
			rec.Attrs = make(map[string]string, len(attrs))
		}
		rec.Attrs[name] = v
		changed = true
	}
	return changed
}
