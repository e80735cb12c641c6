package glog

import "strings"

// Level 日志级别，与 zapcore.Level 数值一致。
type Level int8

const (
	DebugLevel Level = iota - 1
	InfoLevel
	WarnLevel
	ErrorLevel
	DPanicLevel
	PanicLevel
	FatalLevel
)

// ParseLevel 将 "debug"、"info" 等字符串转换为 Level，未知值返回 InfoLevel 和 false。
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, true
	case "info", "":
		return InfoLevel, true
	case "warn", "warning":
		return WarnLevel, true
	case "error":
		return ErrorLevel, true
	case "dpanic":
		return DPanicLevel, true
	case "panic":
		return PanicLevel, true
	case "fatal":
		return FatalLevel, true
	}
	return InfoLevel, false
}

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case DPanicLevel:
		return "dpanic"
	case PanicLevel:
		return "panic"
	case FatalLevel:
		return "fatal"
	}
	return "unknown"
}

type Encoding string

const (
	JSONEncoding    Encoding = "json"
	ConsoleEncoding Encoding = "console"
)
