package run

import (
	"fmt"
	"sync"

	"github.com/datadevda1/abc-enrich/internal/infra/httpx"
	"github.com/datadevda1/abc-enrich/internal/resolve"
)

// fuseMin 是判定系统性故障的最小样本数：
// 同一策略连续 N 次命中同一类永久失败才视为整轮故障（而非孤立坏条目）。
const fuseMin = 5

// 会被视为“系统性”的失败类别。
// 404 一类属于单条数据问题，不在其中。
const (
	fuseClassRejected = "rejected" // 凭证失效 / 配额拒绝（401/403）
	fuseClassParse    = "parse"    // 站点结构漂移：每一条都会解析失败
)

// fuse 聚合条目级尝试轨迹，识别“继续跑只是浪费配额”的整轮故障。
// 任何一次成功或干净未命中都会清零该策略的连击计数。
// 多个 worker 并发上报，内部加锁。
type fuse struct {
	mu     sync.Mutex
	streak map[string]fuseStreak // strategy name -> 当前连击
}

type fuseStreak struct {
	class string
	n     int
}

func newFuse() *fuse {
	return &fuse{streak: make(map[string]fuseStreak)}
}

// observe 并入一个条目的尝试轨迹；达到熔断阈值时返回 (原因, true)。
func (f *fuse) observe(attempts []resolve.Attempt) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, a := range attempts {
		class := fuseClassOf(a)
		if class == "" {
			// 成功、miss 或非系统性错误：该策略恢复正常。
			delete(f.streak, a.Strategy)
			continue
		}
		s := f.streak[a.Strategy]
		if s.class == class {
			s.n++
		} else {
			s = fuseStreak{class: class, n: 1}
		}
		f.streak[a.Strategy] = s

		if s.n >= fuseMin {
			switch s.class {
			case fuseClassRejected:
				return fmt.Sprintf("策略 %s 连续 %d 次被拒绝（401/403）：凭证可能已失效，停止投放新任务", a.Strategy, s.n), true
			case fuseClassParse:
				return fmt.Sprintf("策略 %s 连续 %d 次解析失败：站点结构可能已变化，停止投放新任务", a.Strategy, s.n), true
			}
		}
	}
	return "", false
}

func fuseClassOf(a resolve.Attempt) string {
	if a.Err == nil {
		return ""
	}
	if a.Stage == "parse" {
		return fuseClassParse
	}
	if httpx.StatusOf(a.Err) == httpx.StatusRejected {
		return fuseClassRejected
	}
	return ""
}
