package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// ErrCodeNotFound 表示无参运行但找不到 abce.yaml（且环境变量也没给出 path）。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
	// ErrCodeMissingPath 表示缺少数据根目录 path。
	ErrCodeMissingPath = "config_missing_path"
)

const (
	// DefaultConcurrency 是并发（在途请求上限 N）的内置默认值。
	DefaultConcurrency = 4
	// 并发上限；超出截断。
	maxConcurrency = 32
)

// CLIArgs 只包含 CLI 暴露的入口（path/apply），并保留“是否显式指定”的信息。
// 这能保证覆盖优先级可实现：例如 --apply=false 必须能覆盖配置文件的 apply: true。
type CLIArgs struct {
	Path string

	Apply    bool
	ApplySet bool
}

// EffectiveConfig 是合并并做最小规范化后的最终配置。
// 实现层直接消费该结构，不再做二次默认/优先级判断，也不读任何环境状态。
type EffectiveConfig struct {
	// Path 是数据根目录：catalog.csv、cache/、report.json 都在其下。
	Path string

	Apply       bool
	Concurrency int
	CatalogFile string

	// 站点与搜索 API。
	SiteBaseURL    string
	SearchAPIKey   string
	SearchEngineID string
	SearchBaseURL  string

	// Fetcher 策略。
	FetchTimeout   time.Duration
	RetryMax       int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	RequestsPerSec float64
	ProxyURL       string
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeMissingPath:
		return fmt.Sprintf("%s：缺少数据根目录 path（CLI 参数、abce.yaml 或 ABCE_PATH 均未给出）", e.Code)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 读取配置并与 CLI 参数合并为最终配置。
//
// 来源与优先级（高到低）：
// 1) CLI（path / --apply）
// 2) 环境变量 ABCE_*（例如 ABCE_SEARCH_API_KEY、ABCE_SEARCH_ENGINE_ID）
// 3) 配置文件 abce.yaml（<path>/ 或 <cwd>/，可选）
// 4) 内置默认值
//
// 凭证只经由 2/3 注入，决不硬编码。
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	v := viper.New()
	v.SetConfigName("abce")
	v.SetConfigType("yaml")
	if p := strings.TrimSpace(cli.Path); p != "" {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(cwd)

	v.SetEnvPrefix("ABCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: v.ConfigFileUsed(), Err: err}
		}
		// 配置文件可选：环境变量 + 默认值也能构成完整配置。
	}

	path := strings.TrimSpace(cli.Path)
	if path == "" {
		path = strings.TrimSpace(v.GetString("path"))
	}
	if path == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingPath}
	}
	absPath := absCleanFrom(cwd, path)

	apply := v.GetBool("apply")
	if cli.ApplySet {
		apply = cli.Apply
	}

	concurrency := v.GetInt("concurrency")
	if concurrency == 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > maxConcurrency {
		concurrency = maxConcurrency
	}

	eff := EffectiveConfig{
		Path:        absPath,
		Apply:       apply,
		Concurrency: concurrency,
		CatalogFile: strings.TrimSpace(v.GetString("catalog_file")),

		SiteBaseURL:    strings.TrimSpace(v.GetString("site.base_url")),
		SearchAPIKey:   strings.TrimSpace(v.GetString("search.api_key")),
		SearchEngineID: strings.TrimSpace(v.GetString("search.engine_id")),
		SearchBaseURL:  strings.TrimSpace(v.GetString("search.base_url")),

		FetchTimeout:   v.GetDuration("fetch.timeout"),
		RetryMax:       v.GetInt("fetch.retry_max"),
		BackoffBase:    v.GetDuration("fetch.backoff_base"),
		BackoffCap:     v.GetDuration("fetch.backoff_cap"),
		RequestsPerSec: v.GetFloat64("fetch.requests_per_sec"),
		ProxyURL:       strings.TrimSpace(v.GetString("fetch.proxy_url")),
	}

	if err := validate(eff); err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: v.ConfigFileUsed(), Err: err}
	}
	return eff, nil
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("apply", false)
	v.SetDefault("concurrency", DefaultConcurrency)
	v.SetDefault("catalog_file", "catalog.csv")

	v.SetDefault("site.base_url", "https://abc2.nc.gov")
	v.SetDefault("search.base_url", "https://www.googleapis.com/customsearch/v1")

	v.SetDefault("fetch.timeout", "20s")
	v.SetDefault("fetch.retry_max", 3)
	v.SetDefault("fetch.backoff_base", "500ms")
	v.SetDefault("fetch.backoff_cap", "15s")
	v.SetDefault("fetch.requests_per_sec", 5.0)
}

func validate(eff EffectiveConfig) error {
	if eff.SearchAPIKey == "" {
		return fmt.Errorf("search.api_key 未配置（或设置 ABCE_SEARCH_API_KEY）")
	}
	if eff.SearchEngineID == "" {
		return fmt.Errorf("search.engine_id 未配置（或设置 ABCE_SEARCH_ENGINE_ID）")
	}
	for _, pair := range [][2]string{
		{"site.base_url", eff.SiteBaseURL},
		{"search.base_url", eff.SearchBaseURL},
	} {
		u, err := url.Parse(pair[1])
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s 无效：%q", pair[0], pair[1])
		}
	}
	if eff.ProxyURL != "" {
		if _, err := url.Parse(eff.ProxyURL); err != nil {
			return fmt.Errorf("fetch.proxy_url 无效：%w", err)
		}
	}
	if eff.RetryMax < 0 {
		return fmt.Errorf("fetch.retry_max 不能为负数")
	}
	return nil
}
