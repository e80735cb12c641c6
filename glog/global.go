package glog

import (
	"context"
	"sync"
)

var (
	global GLogger
	mu     sync.RWMutex
)

func init() {
	logger, err := newZapLogger(DefaultConfig())
	if err != nil {
		panic("glog: failed to initialize global logger: " + err.Error())
	}
	global = logger
}

// Configure 基于当前全局配置应用选项并替换全局 logger。
func Configure(opts ...Option) error {
	mu.Lock()
	defer mu.Unlock()

	cfg := global.Config()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.clone()
	for _, opt := range opts {
		opt(cfg)
	}

	newLogger, err := newZapLogger(cfg)
	if err != nil {
		return err
	}
	global = newLogger
	return nil
}

// SetDefault 替换全局 logger。
func SetDefault(l GLogger) {
	if l == nil {
		return
	}
	mu.Lock()
	global = l
	mu.Unlock()
}

// Default 返回立即可用的默认全局日志记录器。
func Default() GLogger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// New 根据提供的配置创建一个新的 GLogger 实例。
func New(c *Config) (GLogger, error) {
	return newZapLogger(c)
}

// SetLevel 动态地改变全局日志记录器的级别。
func SetLevel(level Level) {
	Default().SetLevel(level)
}

func With(args ...interface{}) GLogger            { return Default().With(args...) }
func Debug(msg string, args ...interface{})       { Default().Debug(msg, args...) }
func Info(msg string, args ...interface{})        { Default().Info(msg, args...) }
func Warn(msg string, args ...interface{})        { Default().Warn(msg, args...) }
func Error(msg string, args ...interface{})       { Default().Error(msg, args...) }
func Debugf(template string, args ...interface{}) { Default().Debugf(template, args...) }
func Infof(template string, args ...interface{})  { Default().Infof(template, args...) }
func Warnf(template string, args ...interface{})  { Default().Warnf(template, args...) }
func Errorf(template string, args ...interface{}) { Default().Errorf(template, args...) }
func InfoContext(ctx context.Context, msg string, args ...interface{}) {
	Default().InfoContext(ctx, msg, args...)
}
func ErrorContext(ctx context.Context, msg string, args ...interface{}) {
	Default().ErrorContext(ctx, msg, args...)
}
func Sync() error { return Default().Sync() }
