package main

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/datadevda1/abc-enrich/internal/config"
	"github.com/datadevda1/abc-enrich/internal/domain"
)

// logObserver 把执行进度写到 stderr（结构化日志），不触碰 stdout 的 JSON 契约。
type logObserver struct {
	log *zap.Logger
}

func newLogObserver() (*logObserver, func()) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zapcore.InfoLevel,
	)
	log := zap.New(core)
	return &logObserver{log: log}, func() { _ = log.Sync() }
}

func (o *logObserver) OnStart(eff config.EffectiveConfig) {
	o.log.Info("run 开始",
		zap.String("path", eff.Path),
		zap.Bool("apply", eff.Apply),
		zap.Int("concurrency", eff.Concurrency),
	)
}

func (o *logObserver) OnPhaseDone(phase string, fields map[string]any, dur time.Duration) {
	fs := make([]zap.Field, 0, len(fields)+1)
	for k, v := range fields {
		fs = append(fs, zap.Any(k, v))
	}
	if dur > 0 {
		fs = append(fs, zap.Duration("dur", dur))
	}
	o.log.Info("阶段 "+phase, fs...)
}

func (o *logObserver) OnItemDone(done, total int, key domain.Key, oc domain.ItemOutcome, dur time.Duration) {
	fs := []zap.Field{
		zap.Int("done", done),
		zap.Int("total", total),
		zap.String("key", string(key)),
		zap.String("status", oc.Status),
		zap.Duration("dur", dur),
	}
	if oc.ImageURL != "" {
		fs = append(fs, zap.String("image", oc.ImageURL))
	}
	if oc.ErrorCode != "" {
		fs = append(fs, zap.String("error_code", oc.ErrorCode), zap.String("error_class", oc.ErrorClass))
		o.log.Warn("条目失败", fs...)
		return
	}
	o.log.Info("条目完成", fs...)
}
