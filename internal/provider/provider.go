package provider

import (
	"context"
	"fmt"

	"github.com/datadevda1/abc-enrich/internal/domain"
)

// Strategy 是图片解析链的一环：把“站点/外部 API 的变化”限制在各 strategy 包内部，
// 解析链只依赖统一接口与稳定的 Result。
//
// 约束：
// - Resolve 内部不做跨条目状态共享；网络策略（许可/限速/重试）统一走 httpx
// - “本身成功但没找到可用图片”不是 error：返回 Result{ImageURL: ""}，由链路继续降级
// - error 只表示基础设施失败（抓取失败、结构漂移、API 拒绝）
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, req Request) (Result, error)
}

// Request 是一次解析请求的输入。
type Request struct {
	Key domain.Key

	// DetailURL 是该商品详情页地址（direct-scrape 策略用）。
	DetailURL string

	// Query 是搜索词（fallback-search 策略用）。
	Query string
}

// Result 是一次策略尝试的输出。
type Result struct {
	// ImageURL 为空表示“干净的未命中”（页面无图 / 搜索无结果），链路继续降级。
	ImageURL string

	// Attrs 是顺带解析出的商品字段（direct-scrape 才会有），按“仅覆盖非缺失值”并入数据集。
	Attrs map[string]string
}

// Error 是 strategy 阶段的可追溯错误。
// 上层据此把失败归类为 fetch_failed / parse_failed / search_failed，并写入 report。
type Error struct {
	Strategy string // strategy name（小写）
	Stage    string // "fetch" / "parse" / "search"
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("strategy=%s stage=%s: %v", e.Strategy, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
