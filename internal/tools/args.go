package tools

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	xerrors "CodeAct-EVM/internal/errors"
)

// stringArg 读取必填的字符串参数。
func stringArg(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "缺少参数: "+key)
	}
	value, ok := raw.(string)
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("参数 %s 应为字符串，实际为 %T", key, raw))
	}
	if strings.TrimSpace(value) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "参数不能为空: "+key)
	}
	return strings.TrimSpace(value), nil
}

// optionalStringArg 读取可选的字符串参数，缺失时返回空串。
func optionalStringArg(args map[string]any, key string) string {
	if raw, ok := args[key]; ok {
		if value, ok := raw.(string); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// uintArg 读取可选的区块号参数，兼容 JSON 数字与字符串两种写法。
func uintArg(args map[string]any, key string) (uint64, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("参数 %s 应为非负整数: %v", key, v))
		}
		return uint64(v), nil
	case json.Number:
		parsed, err := strconv.ParseUint(v.String(), 10, 64)
		if err != nil {
			return 0, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("参数 %s 无法解析为整数: %s", key, v.String()))
		}
		return parsed, nil
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("参数 %s 无法解析为整数: %s", key, v))
		}
		return parsed, nil
	default:
		return 0, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("参数 %s 应为整数，实际为 %T", key, raw))
	}
}

// listArg 读取可选的数组参数。
func listArg(args map[string]any, key string) ([]any, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	value, ok := raw.([]any)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("参数 %s 应为数组，实际为 %T", key, raw))
	}
	return value, nil
}
