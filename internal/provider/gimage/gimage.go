package gimage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/datadevda1/abc-enrich/internal/domain"
	"github.com/datadevda1/abc-enrich/internal/infra/httpx"
	"github.com/datadevda1/abc-enrich/internal/provider"
)

// DefaultBaseURL 是 Google Custom Search JSON API 的入口。
const DefaultBaseURL = "https://www.googleapis.com/customsearch/v1"

// Strategy 实现图片搜索兜底（fallback-search）：
// 用 brand + size 组成的搜索词查 Custom Search API，取第一个形态合法的结果。
//
// 约束：
// - APIKey / EngineID 由配置显式注入，不读环境
// - “没有可用结果”返回 Result{}，不是 error；API 拒绝/配额才是 error
// - 不保证搜到的图一定“正确”，只保证尝试与结果被如实记录
type Strategy struct {
	APIKey   string
	EngineID string

	// BaseURL 允许在测试中替换 API 入口；为空时使用 DefaultBaseURL。
	BaseURL string

	Client *httpx.Client
}

func (Strategy) Name() string { return "gimage" }

func (s Strategy) baseURL() string {
	u := strings.TrimSpace(s.BaseURL)
	if u == "" {
		return DefaultBaseURL
	}
	return strings.TrimRight(u, "/")
}

// searchResponse 只取我们消费的字段（items[].link）。
type searchResponse struct {
	Items []struct {
		Link string `json:"link"`
	} `json:"items"`
}

func (s Strategy) Resolve(ctx context.Context, req provider.Request) (provider.Result, error) {
	if s.Client == nil {
		return provider.Result{}, &provider.Error{Strategy: s.Name(), Stage: "search", Err: errors.New("httpx client 不能为空")}
	}
	if strings.TrimSpace(s.APIKey) == "" || strings.TrimSpace(s.EngineID) == "" {
		return provider.Result{}, &provider.Error{Strategy: s.Name(), Stage: "search", Err: errors.New("搜索 API 凭证未配置（api_key / engine_id）")}
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return provider.Result{}, &provider.Error{Strategy: s.Name(), Stage: "search", Err: errors.New("搜索词为空")}
	}

	params := url.Values{}
	params.Set("key", s.APIKey)
	params.Set("cx", s.EngineID)
	params.Set("q", query)
	params.Set("searchType", "image")
	params.Set("fileType", "jpg,png")

	out := s.Client.FetchRetry(ctx, req.Key, s.baseURL()+"?"+params.Encode())
	if out.Status != httpx.StatusSuccess {
		return provider.Result{}, &provider.Error{Strategy: s.Name(), Stage: "search", Err: out.Err}
	}

	var resp searchResponse
	if err := json.Unmarshal(out.Payload, &resp); err != nil {
		return provider.Result{}, &provider.Error{Strategy: s.Name(), Stage: "search", Err: fmt.Errorf("响应不是合法 JSON：%w", err)}
	}

	// 取第一个形态合法的候选：绝对 http(s) 且不是 x-raw-image 一类的占位。
	// 更严格的相关性过滤是实现选择，这里不做（见 DESIGN.md）。
	for _, it := range resp.Items {
		link := strings.TrimSpace(it.Link)
		if domain.ImageState(link) == domain.ImageValid {
			return provider.Result{ImageURL: link}, nil
		}
	}
	return provider.Result{}, nil
}
