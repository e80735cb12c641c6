package glog

import (
	"context"
	"io"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type zapLogger struct {
	sugar  *zap.SugaredLogger
	level  zap.AtomicLevel
	config *Config
}

var _ GLogger = (*zapLogger)(nil)

func newZapLogger(config *Config) (*zapLogger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config = config.clone()

	writers := buildWriters(config)
	syncers := make([]zapcore.WriteSyncer, 0, len(writers))
	for _, w := range writers {
		syncers = append(syncers, zapcore.AddSync(w))
	}

	level := zap.NewAtomicLevelAt(zapcore.Level(config.Level))
	core := zapcore.NewCore(buildEncoder(config), zapcore.NewMultiWriteSyncer(syncers...), level)

	opts := []zap.Option{zap.AddCallerSkip(1)}
	if config.Development {
		opts = append(opts, zap.Development())
	}
	if !config.DisableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if !config.DisableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if len(config.InitialFields) > 0 {
		fields := make([]zap.Field, 0, len(config.InitialFields))
		for k, v := range config.InitialFields {
			fields = append(fields, zap.Any(k, v))
		}
		opts = append(opts, zap.Fields(fields...))
	}

	return &zapLogger{
		sugar:  zap.New(core, opts...).Sugar(),
		level:  level,
		config: config,
	}, nil
}

// NewNop 返回一个丢弃所有输出的 logger。
func NewNop() GLogger {
	return &zapLogger{
		sugar:  zap.NewNop().Sugar(),
		level:  zap.NewAtomicLevelAt(zapcore.FatalLevel),
		config: DefaultConfig(),
	}
}

// NewWriterLogger 创建只写入 w 的 logger，常用于测试。
func NewWriterLogger(w io.Writer, opts ...Option) GLogger {
	cfg := DefaultConfig()
	cfg.EnableStdout = false
	cfg.Writers = []io.Writer{w}
	for _, opt := range opts {
		opt(cfg)
	}
	l, _ := newZapLogger(cfg)
	return l
}

func (l *zapLogger) derive(s *zap.SugaredLogger) *zapLogger {
	return &zapLogger{sugar: s, level: l.level, config: l.config}
}

func (l *zapLogger) With(args ...interface{}) GLogger {
	if err := checkKeyValues(args); err != nil {
		l.sugar.Warnw("glog: bad With arguments", "error", err)
	}
	return l.derive(l.sugar.With(args...))
}

func (l *zapLogger) Module(name string) GLogger {
	return l.derive(l.sugar.With("module", name))
}

func (l *zapLogger) Debug(msg string, args ...interface{}) { l.sugar.Debugw(msg, args...) }
func (l *zapLogger) Info(msg string, args ...interface{})  { l.sugar.Infow(msg, args...) }
func (l *zapLogger) Warn(msg string, args ...interface{})  { l.sugar.Warnw(msg, args...) }
func (l *zapLogger) Error(msg string, args ...interface{}) { l.sugar.Errorw(msg, args...) }

func (l *zapLogger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *zapLogger) Infof(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *zapLogger) Warnf(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *zapLogger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

func (l *zapLogger) DebugContext(ctx context.Context, msg string, args ...interface{}) {
	l.sugar.Debugw(msg, appendTraceFields(ctx, args)...)
}

func (l *zapLogger) InfoContext(ctx context.Context, msg string, args ...interface{}) {
	l.sugar.Infow(msg, appendTraceFields(ctx, args)...)
}

func (l *zapLogger) WarnContext(ctx context.Context, msg string, args ...interface{}) {
	l.sugar.Warnw(msg, appendTraceFields(ctx, args)...)
}

func (l *zapLogger) ErrorContext(ctx context.Context, msg string, args ...interface{}) {
	l.sugar.Errorw(msg, appendTraceFields(ctx, args)...)
}

func (l *zapLogger) SetLevel(level Level) {
	l.level.SetLevel(zapcore.Level(level))
}

func (l *zapLogger) GetLevel() Level {
	return Level(l.level.Level())
}

func (l *zapLogger) Config() *Config {
	return l.config
}

func (l *zapLogger) Sync() error {
	return l.sugar.Sync()
}

// appendTraceFields 从 ctx 中提取 otel 的 trace_id/span_id。
func appendTraceFields(ctx context.Context, args []interface{}) []interface{} {
	if ctx == nil {
		return args
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return args
	}
	return append(args, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

func buildEncoder(config *Config) zapcore.Encoder {
	keys := config.EncoderConfig
	if keys == nil {
		keys = DefaultConfig().EncoderConfig
	}
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        keys.TimeKey,
		LevelKey:       keys.LevelKey,
		NameKey:        "logger",
		CallerKey:      keys.CallerKey,
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     keys.MessageKey,
		StacktraceKey:  keys.StacktraceKey,
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if config.TimeFormat != "" {
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(config.TimeFormat)
	}

	if config.Encoding == JSONEncoding {
		return zapcore.NewJSONEncoder(encoderConfig)
	}
	return zapcore.NewConsoleEncoder(encoderConfig)
}
