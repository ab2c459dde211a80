package domain

import (
	"sort"
	"time"
)

// RunReport 是对外稳定输出（report.json / stdout JSON）的结构。
// 外部调度器依赖 Summary 与 Fatal 做整轮重试决策，不读取 Items 细节。
type RunReport struct {
	RunID  string `json:"run_id"`
	Path   string `json:"path"`
	DryRun bool   `json:"dry_run"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Fatal 仅在系统性故障（凭证失效、站点结构漂移、merge 冲突）时非空；
	// 条目级失败不会写入这里。
	FatalCode string `json:"fatal_code,omitempty"`
	FatalMsg  string `json:"fatal_msg,omitempty"`

	Summary ReportSummary `json:"summary"`
	Items   []ItemOutcome `json:"items"`
}

type ReportSummary struct {
	ResolvedDirect   int `json:"resolved_direct"`
	ResolvedFallback int `json:"resolved_fallback"`
	Exhausted        int `json:"exhausted"`
	Skipped          int `json:"skipped"`
	TransientError   int `json:"transient_error"`
	PermanentError   int `json:"permanent_error"`
}

// Failed 返回失败条目总数（transient + permanent）。
func (s ReportSummary) Failed() int { return s.TransientError + s.PermanentError }

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) items 按 key 字典序稳定排序（outcome 收集顺序与并发调度相关，不可对外暴露）
// 3) summary 由 items 重新计算
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	sort.SliceStable(r.Items, func(i, j int) bool {
		return r.Items[i].Key < r.Items[j].Key
	})

	var s ReportSummary
	for _, it := range r.Items {
		switch it.Status {
		case OutcomeResolvedDirect:
			s.ResolvedDirect++
		case OutcomeResolvedFallback:
			s.ResolvedFallback++
		case OutcomeExhausted:
			s.Exhausted++
		case OutcomeSkipped:
			s.Skipped++
		case OutcomeFailed:
			if it.ErrorClass == ErrClassTransient {
				s.TransientError++
			} else {
				s.PermanentError++
			}
		}
	}
	r.Summary = s
}
