package domain

// ItemOutcome 的 status 取值。
const (
	OutcomeResolvedDirect   = "resolved_direct"
	OutcomeResolvedFallback = "resolved_fallback"
	OutcomeExhausted        = "exhausted_no_match"
	OutcomeSkipped          = "skipped"
	OutcomeFailed           = "failed"
)

// 失败 outcome 的错误归类（transient 可在下一轮 run 重试；permanent 不应重试）。
const (
	ErrClassTransient = "transient"
	ErrClassPermanent = "permanent"
)

// report 的 error_code 词表（对外稳定）。
const (
	ErrCodeFetchFailed   = "fetch_failed"
	ErrCodeParseFailed   = "parse_failed"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeNotFound      = "not_found"
	ErrCodeSearchFailed  = "search_failed"
	ErrCodeMergeConflict = "merge_conflict"
	ErrCodeSystemicFault = "systemic_fault"
	ErrCodeConfigInvalid = "config_invalid"
	ErrCodeIOFailed      = "io_failed"
)

// ItemOutcome 是一个 Key 在本轮 batch 中的最终结果。
//
// 约束：
// - 失败只影响该条目（failure isolation）；ErrorCode/ErrorMsg/ErrorClass 仅在 failed 时非空
// - ImageURL 仅在 resolved_* 时非空
// - Attrs 是直接抓取时顺带解析出的字段（可能为空），merge 时按“仅覆盖非缺失值”并入
type ItemOutcome struct {
	Key    Key    `json:"key"`
	Status string `json:"status"`

	ImageURL string            `json:"image_url,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`

	ErrorCode  string `json:"error_code,omitempty"`
	ErrorMsg   string `json:"error_msg,omitempty"`
	ErrorClass string `json:"error_class,omitempty"`

	// Trace 记录解析链按序尝试过的策略与失败原因（用于解释 fallback）。
	Trace []OutcomeAttempt `json:"trace,omitempty"`
}

// OutcomeAttempt 是解析链里一次策略尝试的可序列化记录。
type OutcomeAttempt struct {
	Strategy string `json:"strategy"`
	Stage    string `json:"stage"` // "fetch" / "parse" / "search" / "miss" / "ok"
	Err      string `json:"err,omitempty"`
}
