package run

import (
	"time"

	"github.com/datadevda1/abc-enrich/internal/config"
	"github.com/datadevda1/abc-enrich/internal/domain"
)

// Observer 接收执行过程中的进度事件。实现方不应阻塞；
// 传 nil 表示静默执行（所有回调都会被跳过）。
type Observer interface {
	// OnStart 在数据集加载前调用一次。
	OnStart(eff config.EffectiveConfig)
	// OnPhaseDone 在 load / exec / merge 各阶段结束（或开始，dur==0）时调用。
	OnPhaseDone(phase string, fields map[string]any, dur time.Duration)
	// OnItemDone 在每个条目出结果后调用，done 从 1 递增到 total。
	OnItemDone(done, total int, key domain.Key, oc domain.ItemOutcome, dur time.Duration)
}
