package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/datadevda1/abc-enrich/internal/app/run"
	"github.com/datadevda1/abc-enrich/internal/config"
	"github.com/datadevda1/abc-enrich/internal/domain"
	"github.com/datadevda1/abc-enrich/internal/infra/cache"
	"github.com/datadevda1/abc-enrich/internal/infra/fsx"
	"github.com/datadevda1/abc-enrich/internal/infra/httpx"
	"github.com/datadevda1/abc-enrich/internal/provider"
	"github.com/datadevda1/abc-enrich/internal/provider/abcpage"
	"github.com/datadevda1/abc-enrich/internal/provider/gimage"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage()
		return
	}

	switch args[0] {
	case "run":
		if code := runCmd(args[1:]); code != 0 {
			os.Exit(code)
		}
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func runCmd(args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printRunUsage()
			return 0
		}
	}

	ra, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printRunUsage()
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}
	cwdAbs, _ := filepath.Abs(cwd)

	eff, err := config.LoadEffective(cwd, config.CLIArgs{
		Path:     ra.Path,
		Apply:    ra.Apply,
		ApplySet: ra.ApplySet,
	})
	if err != nil {
		rr := reportForConfigError(cwdAbs, ra, err)
		emitReport(rr)
		return 1
	}

	client, err := httpx.New(httpx.Config{
		Concurrency:    eff.Concurrency,
		Timeout:        eff.FetchTimeout,
		RetryMax:       eff.RetryMax,
		BackoffBase:    eff.BackoffBase,
		BackoffCap:     eff.BackoffCap,
		RequestsPerSec: eff.RequestsPerSec,
		ProxyURL:       eff.ProxyURL,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化 HTTP 客户端失败：%v\n", err)
		return 1
	}

	// dry-run 只读缓存，不允许产生任何落盘副作用。
	store := cache.New(eff.Path, !eff.Apply)

	reg, e := provider.NewRegistry(
		abcpage.Strategy{BaseURL: eff.SiteBaseURL, Client: client, Store: &store},
		gimage.Strategy{
			APIKey:   eff.SearchAPIKey,
			EngineID: eff.SearchEngineID,
			BaseURL:  eff.SearchBaseURL,
			Client:   client,
		},
	)
	if e != nil {
		fmt.Fprintf(os.Stderr, "初始化 strategy registry 失败：%v\n", e)
		return 1
	}

	obs, flush := newLogObserver()
	defer flush()

	rr := run.ExecuteWithObserver(context.Background(), eff, reg, obs)

	// apply：必须写入 <path>/cache/report.json；dry-run 禁止落盘。
	if eff.Apply {
		if err := writeReportFile(eff.Path, rr); err != nil {
			fmt.Fprintf(os.Stderr, "写入 report.json 失败：%v\n", err)
			emitReport(rr)
			return 1
		}
	}

	emitReport(rr)
	if rr.FatalCode != "" {
		return 1
	}
	if rr.Summary.Failed() > 0 {
		return 1
	}
	return 0
}

type runArgs struct {
	Path     string
	Apply    bool
	ApplySet bool
}

func parseRunArgs(args []string) (runArgs, error) {
	ra := runArgs{}

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--apply":
			ra.Apply = true
			ra.ApplySet = true
		case strings.HasPrefix(a, "--apply="):
			v := strings.TrimPrefix(a, "--apply=")
			switch v {
			case "true":
				ra.Apply = true
			case "false":
				ra.Apply = false
			default:
				return runArgs{}, fmt.Errorf("--apply 只能是 true 或 false，实际是 %q", v)
			}
			ra.ApplySet = true
		case strings.HasPrefix(a, "-"):
			return runArgs{}, fmt.Errorf("未知参数 %q", a)
		default:
			if ra.Path != "" {
				return runArgs{}, fmt.Errorf("重复的 path：%q 与 %q", ra.Path, a)
			}
			ra.Path = a
		}
	}

	return ra, nil
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage() {
	fmt.Fprint(os.Stdout, `用法：
  abce run [path] [--apply[=true|false]]

命令：
  run    对数据集中待解析的商品执行一轮图片补全（默认 dry-run）

使用 "abce run --help" 查看详细说明。
`)
}

func printRunUsage() {
	fmt.Fprint(os.Stdout, `用法：
  abce run [path] [--apply[=true|false]]

参数：
  path        数据目录（包含 catalog.csv；未指定则读配置文件 / ABCE_PATH）
  --apply     把解析结果写回数据集并落盘 report.json（默认 dry-run，只评估不落盘）；
              支持 --apply=false 覆盖配置中的 apply=true
  -h, --help  显示帮助

配置：
  按 <path>/abce.yaml（或当前目录）与 ABCE_* 环境变量加载，
  搜索兜底需要 search.api_key 与 search.engine_id。
`)
}

func emitReport(rr domain.RunReport) {
	if isTTY(os.Stdout) {
		s := rr.Summary
		fmt.Fprintf(os.Stdout, "完成：direct=%d fallback=%d exhausted=%d skipped=%d failed=%d\n",
			s.ResolvedDirect, s.ResolvedFallback, s.Exhausted, s.Skipped, s.Failed(),
		)
		if rr.FatalCode != "" {
			fmt.Fprintf(os.Stderr, "致命：%s %s\n", rr.FatalCode, rr.FatalMsg)
		}
		for _, it := range rr.Items {
			if it.Status != domain.OutcomeFailed {
				continue
			}
			key := string(it.Key)
			if key == "" {
				key = "<unknown>"
			}
			fmt.Fprintf(os.Stderr, "%s %s: %s\n", key, it.ErrorCode, it.ErrorMsg)
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 RunReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(rr)
	s := rr.Summary
	fmt.Fprintf(os.Stderr, "完成：direct=%d fallback=%d exhausted=%d skipped=%d failed=%d\n",
		s.ResolvedDirect, s.ResolvedFallback, s.Exhausted, s.Skipped, s.Failed(),
	)
}

func reportForConfigError(cwdAbs string, ra runArgs, err error) domain.RunReport {
	now := time.Now().UTC()
	rr := domain.RunReport{
		Path:       cwdAbs,
		DryRun:     !(ra.ApplySet && ra.Apply),
		StartedAt:  now,
		FinishedAt: now,
		FatalCode:  config.Code(err),
		FatalMsg:   err.Error(),
		Items:      []domain.ItemOutcome{},
	}
	rr.Finalize()
	return rr
}

func writeReportFile(root string, rr domain.RunReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomicReplace(filepath.Join(root, "cache"), "report.json", b)
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
