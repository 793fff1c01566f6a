// =============================================================================
// 文件: internal/logging/logger.go
// 描述: 日志 - zerolog 全局初始化与组件日志
// =============================================================================
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config 日志配置
type Config struct {
	Level   string // debug / info / warn / error
	Console bool   // 人类可读格式输出；否则输出 JSON
	Output  io.Writer
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Console: true,
	}
}

// Init 初始化全局 logger
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Console {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

// Component 带 component 字段的子 logger
func Component(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
