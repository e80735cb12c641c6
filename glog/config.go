package glog

import (
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotationConfig 定义了日志轮转的配置。
type RotationConfig struct {
	MaxSize    int  `json:"max_size"` // MB
	MaxAge     int  `json:"max_age"`  // days
	MaxBackups int  `json:"max_backups"`
	LocalTime  bool `json:"local_time"`
	Compress   bool `json:"compress"`
}

// EncoderConfig 定义了结构化日志中各个字段的键名。
type EncoderConfig struct {
	MessageKey    string `json:"message_key"`
	LevelKey      string `json:"level_key"`
	TimeKey       string `json:"time_key"`
	CallerKey     string `json:"caller_key"`
	StacktraceKey string `json:"stacktrace_key"`
}

// Config 是一个通用的日志配置结构体。
type Config struct {
	Level         Level
	Encoding      Encoding
	InitialFields map[string]interface{}
	EnableStdout  bool
	FilePaths     []string
	// Writers 额外的输出目标，不参与轮转。
	Writers           []io.Writer
	EncoderConfig     *EncoderConfig
	RotationConfig    *RotationConfig
	DisableCaller     bool
	DisableStacktrace bool
	Development       bool
	TimeFormat        string
}

// DefaultConfig 返回默认日志配置：控制台编码输出到标准输出。
func DefaultConfig() *Config {
	return &Config{
		Level:         InfoLevel,
		Encoding:      ConsoleEncoding,
		EnableStdout:  true,
		InitialFields: make(map[string]interface{}),
		TimeFormat:    "2006-01-02 15:04:05.000",
		RotationConfig: &RotationConfig{
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 7,
			Compress:   true,
			LocalTime:  true,
		},
		EncoderConfig: &EncoderConfig{
			MessageKey:    "msg",
			LevelKey:      "lvl",
			TimeKey:       "ts",
			CallerKey:     "caller",
			StacktraceKey: "stack",
		},
	}
}

func (c *Config) clone() *Config {
	cp := *c
	if c.RotationConfig != nil {
		rc := *c.RotationConfig
		cp.RotationConfig = &rc
	}
	if c.EncoderConfig != nil {
		ec := *c.EncoderConfig
		cp.EncoderConfig = &ec
	}
	cp.InitialFields = make(map[string]interface{}, len(c.InitialFields))
	for k, v := range c.InitialFields {
		cp.InitialFields[k] = v
	}
	cp.FilePaths = append([]string(nil), c.FilePaths...)
	cp.Writers = append([]io.Writer(nil), c.Writers...)
	return &cp
}

// buildWriters 根据配置构建 io.Writer。
func buildWriters(config *Config) []io.Writer {
	writers := make([]io.Writer, 0, len(config.FilePaths)+len(config.Writers)+1)

	if config.EnableStdout {
		writers = append(writers, os.Stdout)
	}
	writers = append(writers, config.Writers...)

	rotation := config.RotationConfig
	if rotation == nil {
		rotation = DefaultConfig().RotationConfig
	}
	for _, path := range config.FilePaths {
		writers = append(writers, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    rotation.MaxSize,
			MaxAge:     rotation.MaxAge,
			MaxBackups: rotation.MaxBackups,
			LocalTime:  rotation.LocalTime,
			Compress:   rotation.Compress,
		})
	}

	// 没有任何输出时回落到标准输出
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}
	return writers
}
