package glog

import "errors"

var (
	// ErrInvalidKeyValuePairs 表示为结构化日志提供了奇数个参数。
	ErrInvalidKeyValuePairs = errors.New("invalid number of arguments for structured log, key-value pairs expected")

	// ErrKeyNotString 表示为结构化日志提供的键不是字符串类型。
	ErrKeyNotString = errors.New("log field key must be a string")
)

func checkKeyValues(args []interface{}) error {
	if len(args)%2 != 0 {
		return ErrInvalidKeyValuePairs
	}
	for i := 0; i < len(args); i += 2 {
		if _, ok := args[i].(string); !ok {
			return ErrKeyNotString
		}
	}
	return nil
}
