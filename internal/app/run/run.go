package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datadevda1/abc-enrich/internal/catalog"
	"github.com/datadevda1/abc-enrich/internal/config"
	"github.com/datadevda1/abc-enrich/internal/domain"
	"github.com/datadevda1/abc-enrich/internal/infra/httpx"
	"github.com/datadevda1/abc-enrich/internal/merge"
	"github.com/datadevda1/abc-enrich/internal/provider"
	"github.com/datadevda1/abc-enrich/internal/resolve"
)

// Execute 执行一次 batch enrichment（dry-run/apply），返回对外稳定的 RunReport。
// 该函数尽量把错误“降级”为条目级失败（单条失败不影响其他）；
// 只有系统性故障（凭证失效、结构漂移、merge 冲突、数据集读写失败）会写入 Fatal。
func Execute(ctx context.Context, eff config.EffectiveConfig, reg provider.Registry) domain.RunReport {
	return ExecuteWithObserver(ctx, eff, reg, nil)
}

// ExecuteWithObserver 与 Execute 相同，但允许传入 Observer 以输出进度/阶段信息（由上层决定是否启用）。
func ExecuteWithObserver(ctx context.Context, eff config.EffectiveConfig, reg provider.Registry, obs Observer) domain.RunReport {
	started := time.Now().UTC()

	rr := domain.RunReport{
		RunID:     uuid.NewString(),
		Path:      eff.Path,
		DryRun:    !eff.Apply,
		StartedAt: started,
		Items:     make([]domain.ItemOutcome, 0, 128),
	}

	if obs != nil {
		obs.OnStart(eff)
	}

	loadStarted := time.Now()
	ds, err := catalog.Load(catalog.Path(eff.Path, eff.CatalogFile))
	if err != nil {
		return fatal(rr, domain.ErrCodeIOFailed, fmt.Sprintf("读取数据集失败：%v", err))
	}
	pending := ds.Pending()
	if obs != nil {
		obs.OnPhaseDone("load", map[string]any{
			"records": ds.Len(),
			"pending": len(pending),
		}, time.Since(loadStarted))
	}

	chain := resolve.New(reg)

	workers := eff.Concurrency
	if workers < 1 {
		workers = 1
	}
	if obs != nil {
		obs.OnPhaseDone("exec", map[string]any{
			"workers":     workers,
			"total_items": len(pending),
		}, 0)
	}

	type execResult struct {
		oc  domain.ItemOutcome
		dur time.Duration
	}

	jobs := make(chan domain.Key)
	results := make(chan execResult, len(pending))
	quit := make(chan struct{})

	fu := newFuse()
	var (
		trip        sync.Once
		fatalReason string
	)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := range jobs {
				select {
				case <-quit:
					// 熔断后已接收的任务不再执行（feeder 停止投放，这里排空存量）。
					continue
				default:
				}
				oneStarted := time.Now()
				rec, ok := ds.Get(k)
				if !ok {
					// pending 来自同一个数据集，这里不可能失配；防御性地跳过。
					continue
				}
				oc, attempts, rerr := chain.Run(ctx, rec)
				if rerr != nil {
					classify(&oc, rerr)
				}
				if reason, tripped := fu.observe(attempts); tripped {
					trip.Do(func() {
						fatalReason = reason
						close(quit)
					})
				}
				results <- execResult{oc: oc, dur: time.Since(oneStarted)}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, k := range pending {
			select {
			case <-quit:
				// 系统性故障：不再投放新任务，在途任务自然排空。
				return
			case jobs <- k:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	done := 0
	for res := range results {
		done++
		rr.Items = append(rr.Items, res.oc)
		if obs != nil {
			obs.OnItemDone(done, len(pending), res.oc.Key, res.oc, res.dur)
		}
	}
	if fatalReason != "" {
		rr.FatalCode = domain.ErrCodeSystemicFault
		rr.FatalMsg = fatalReason
	}

	// 单写者收尾：并发阶段只产出 outcome，这里串行 merge 回 canonical 数据集。
	mergeStarted := time.Now()
	eng := merge.New()
	merged, err := eng.Merge(ds, rr.Items)
	if err != nil {
		var ce *merge.ConflictError
		if errors.As(err, &ce) {
			return fatal(rr, domain.ErrCodeMergeConflict, err.Error())
		}
		return fatal(rr, domain.ErrCodeMergeConflict, fmt.Sprintf("merge 失败：%v", err))
	}
	if obs != nil {
		obs.OnPhaseDone("merge", map[string]any{
			"records": merged.Len(),
		}, time.Since(mergeStarted))
	}

	// apply：权威数据集原子写回。dry-run 不落盘。
	if eff.Apply {
		file := eff.CatalogFile
		if strings.TrimSpace(file) == "" {
			file = catalog.DefaultFile
		}
		if err := catalog.Save(eff.Path, file, merged); err != nil {
			return fatal(rr, domain.ErrCodeIOFailed, fmt.Sprintf("写出数据集失败：%v", err))
		}
	}

	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()
	return rr
}

func fatal(rr domain.RunReport, code, msg string) domain.RunReport {
	// 已收集的条目保留（部分失败不丢数据），fatal 只标记整轮故障。
	if rr.FatalCode == "" {
		rr.FatalCode = code
		rr.FatalMsg = msg
	}
	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()
	return rr
}

// classify 把链路错误折算为 report 的 error_code / error_class / error_msg。
func classify(oc *domain.ItemOutcome, err error) {
	oc.Status = domain.OutcomeFailed

	stage := "fetch"
	var pe *provider.Error
	if errors.As(err, &pe) {
		stage = pe.Stage
	}
	status := httpx.StatusOf(err)

	switch {
	case stage == "parse":
		// 结构漂移重试也不会变好：永久失败。
		oc.ErrorCode = domain.ErrCodeParseFailed
		oc.ErrorClass = domain.ErrClassPermanent
	case status == httpx.StatusRateLimited:
		oc.ErrorCode = domain.ErrCodeRateLimited
		oc.ErrorClass = domain.ErrClassTransient
	case status == httpx.StatusNotFound:
		oc.ErrorCode = domain.ErrCodeNotFound
		oc.ErrorClass = domain.ErrClassPermanent
	case stage == "search":
		oc.ErrorCode = domain.ErrCodeSearchFailed
		if status == httpx.StatusTimeout {
			oc.ErrorClass = domain.ErrClassTransient
		} else {
			oc.ErrorClass = domain.ErrClassPermanent
		}
	case status == httpx.StatusTimeout:
		oc.ErrorCode = domain.ErrCodeFetchFailed
		oc.ErrorClass = domain.ErrClassTransient
	default:
		oc.ErrorCode = domain.ErrCodeFetchFailed
		oc.ErrorClass = domain.ErrClassPermanent
	}
	oc.ErrorMsg = humanize(stage, status, err)
}

// humanize 给 error_msg 加上可操作的提示（最常见的是限流与凭证问题）。
func humanize(stage, status string, err error) string {
	switch status {
	case httpx.StatusRateLimited:
		return fmt.Sprintf("目标限流（HTTP 429/配额）。已触发全局降速；建议降低并发或稍后重试：%v", err)
	case httpx.StatusTimeout:
		return fmt.Sprintf("抓取超时或连接失败。建议检查网络/代理后重试：%v", err)
	case httpx.StatusNotFound:
		return fmt.Sprintf("目标返回 404（该商品详情页可能已下架）：%v", err)
	case httpx.StatusRejected:
		if stage == "search" {
			return fmt.Sprintf("搜索 API 拒绝了请求（通常是 api_key / engine_id 无效或配额用尽）：%v", err)
		}
		return fmt.Sprintf("目标拒绝了请求：%v", err)
	}
	if stage == "parse" {
		return fmt.Sprintf("解析失败（站点结构可能变化或返回了非详情页内容）：%v", err)
	}
	return err.Error()
}
