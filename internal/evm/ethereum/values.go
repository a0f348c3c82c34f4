package ethereum

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "CodeAct-EVM/internal/errors"

	"CodeAct-EVM/internal/evm"
)

// coerceArguments converts loosely typed values, typically decoded from the
// agent's JSON program, into the exact Go representations the ABI encoder
// expects for each input.
func coerceArguments(inputs abi.Arguments, args []any) ([]any, error) {
	coerced := make([]any, 0, len(inputs))
	for i, input := range inputs {
		value, err := coerceValue(input.Type, args[i])
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidCall, err,
				fmt.Sprintf("参数 %d (%s) 类型不匹配", i, input.Type.String()))
		}
		coerced = append(coerced, value)
	}
	return coerced, nil
}

func coerceValue(target abi.Type, raw any) (any, error) {
	switch target.T {
	case abi.AddressTy:
		text, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("期望地址字符串，实际为 %T", raw)
		}
		addr, err := evm.ParseAddress(text)
		if err != nil {
			return nil, err
		}
		return addr, nil
	case abi.UintTy, abi.IntTy:
		return coerceInteger(target, raw)
	case abi.BoolTy:
		value, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("期望布尔值，实际为 %T", raw)
		}
		return value, nil
	case abi.StringTy:
		value, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("期望字符串，实际为 %T", raw)
		}
		return value, nil
	case abi.BytesTy:
		return coerceBytes(raw)
	case abi.FixedBytesTy, abi.HashTy:
		return coerceFixedBytes(target, raw)
	case abi.SliceTy, abi.ArrayTy:
		return coerceList(target, raw)
	default:
		return nil, fmt.Errorf("暂不支持的参数类型 %s", target.String())
	}
}

func coerceInteger(target abi.Type, raw any) (any, error) {
	value := new(big.Int)
	switch v := raw.(type) {
	case float64:
		if v != float64(int64(v)) {
			return nil, fmt.Errorf("整数参数不能带小数: %v", v)
		}
		value.SetInt64(int64(v))
	case int:
		value.SetInt64(int64(v))
	case int64:
		value.SetInt64(v)
	case uint64:
		value.SetUint64(v)
	case *big.Int:
		value.Set(v)
	case json.Number:
		if _, ok := value.SetString(v.String(), 10); !ok {
			return nil, fmt.Errorf("无法解析整数 %q", v.String())
		}
	case string:
		text := strings.TrimSpace(v)
		base := 10
		if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
			text, base = text[2:], 16
		}
		if _, ok := value.SetString(text, base); !ok {
			return nil, fmt.Errorf("无法解析整数 %q", v)
		}
	default:
		return nil, fmt.Errorf("期望整数，实际为 %T", raw)
	}

	if target.T == abi.UintTy && value.Sign() < 0 {
		return nil, fmt.Errorf("无符号参数不能为负数: %s", value)
	}

	// ABI 编码要求 8/16/32/64 位使用原生整数类型，
	// 其余位宽（uint24、uint40 等）使用 *big.Int。
	switch {
	case target.Size > 64:
		return value, nil
	case target.T == abi.UintTy:
		if value.BitLen() > target.Size {
			return nil, fmt.Errorf("整数 %s 超出 uint%d 范围", value, target.Size)
		}
		switch target.Size {
		case 8:
			return uint8(value.Uint64()), nil
		case 16:
			return uint16(value.Uint64()), nil
		case 32:
			return uint32(value.Uint64()), nil
		case 64:
			return value.Uint64(), nil
		default:
			return value, nil
		}
	default:
		if !fitsSigned(value, target.Size) {
			return nil, fmt.Errorf("整数 %s 超出 int%d 范围", value, target.Size)
		}
		switch target.Size {
		case 8:
			return int8(value.Int64()), nil
		case 16:
			return int16(value.Int64()), nil
		case 32:
			return int32(value.Int64()), nil
		case 64:
			return value.Int64(), nil
		default:
			return value, nil
		}
	}
}

// fitsSigned 判断有符号整数是否落在 [-2^(bits-1), 2^(bits-1)-1] 区间内。
func fitsSigned(value *big.Int, bits int) bool {
	limit := new(big.Int).Lsh(big.NewInt(1), uint(bits-1))
	if value.Sign() < 0 {
		return value.CmpAbs(limit) <= 0
	}
	return value.Cmp(limit) < 0
}

func coerceBytes(raw any) ([]byte, error) {
	switch v := raw.(type) {
	case []byte:
		return v, nil
	case string:
		decoded, err := hexutil.Decode(v)
		if err != nil {
			return nil, fmt.Errorf("无法解析十六进制字节串 %q: %w", v, err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("期望字节串，实际为 %T", raw)
	}
}

func coerceFixedBytes(target abi.Type, raw any) (any, error) {
	decoded, err := coerceBytes(raw)
	if err != nil {
		return nil, err
	}
	if len(decoded) != target.Size {
		return nil, fmt.Errorf("定长字节串长度应为 %d，实际为 %d", target.Size, len(decoded))
	}
	array := reflect.New(target.GetType()).Elem()
	reflect.Copy(array, reflect.ValueOf(decoded))
	return array.Interface(), nil
}

func coerceList(target abi.Type, raw any) (any, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("期望数组，实际为 %T", raw)
	}
	if target.T == abi.ArrayTy && len(items) != target.Size {
		return nil, fmt.Errorf("定长数组长度应为 %d，实际为 %d", target.Size, len(items))
	}

	var list reflect.Value
	if target.T == abi.ArrayTy {
		list = reflect.New(target.GetType()).Elem()
	} else {
		list = reflect.MakeSlice(target.GetType(), len(items), len(items))
	}
	for i, item := range items {
		value, err := coerceValue(*target.Elem, item)
		if err != nil {
			return nil, fmt.Errorf("数组元素 %d: %w", i, err)
		}
		list.Index(i).Set(reflect.ValueOf(value))
	}
	return list.Interface(), nil
}

// normalizeValue converts decoded ABI values into JSON-friendly plain values:
// big integers become decimal strings, addresses and byte arrays become hex
// strings, composite values are normalized recursively.
func normalizeValue(value any) any {
	switch v := value.(type) {
	case *big.Int:
		return v.String()
	case common.Address:
		return v.Hex()
	case common.Hash:
		return v.Hex()
	case []byte:
		return hexutil.Encode(v)
	case bool, string,
		int8, int16, int32, int64,
		uint8, uint16, uint32, uint64:
		return v
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			buf := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(buf), rv)
			return hexutil.Encode(buf)
		}
		fallthrough
	case reflect.Slice:
		items := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items[i] = normalizeValue(rv.Index(i).Interface())
		}
		return items
	case reflect.Struct:
		// 元组返回值按字段名展开。
		fields := make(map[string]any, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			fields[rv.Type().Field(i).Name] = normalizeValue(rv.Field(i).Interface())
		}
		return fields
	default:
		return value
	}
}

func normalizeMap(values map[string]any) map[string]any {
	normalized := make(map[string]any, len(values))
	for key, value := range values {
		normalized[key] = normalizeValue(value)
	}
	return normalized
}
