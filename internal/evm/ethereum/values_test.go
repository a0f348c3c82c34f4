package ethereum

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"

	xerrors "CodeAct-EVM/internal/errors"
)

// getPoolABI mirrors the Uniswap v3 factory lookup, whose uint24 fee
// parameter must be packed as *big.Int.
const getPoolABI = `[{"type":"function","name":"getPool","stateMutability":"view","inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"},{"name":"fee","type":"uint24"}],"outputs":[{"name":"pool","type":"address"}]}]`

func mustABIType(t *testing.T, name string) abi.Type {
	t.Helper()
	typ, err := abi.NewType(name, "", nil)
	if err != nil {
		t.Fatalf("abi type %s: %v", name, err)
	}
	return typ
}

func TestCoerceArgumentsPacksNonStandardWidth(t *testing.T) {
	t.Parallel()

	parsed, err := abi.JSON(strings.NewReader(getPoolABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	method := parsed.Methods["getPool"]

	coerced, err := coerceArguments(method.Inputs, []any{
		"0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		float64(3000),
	})
	if err != nil {
		t.Fatalf("coerce: %v", err)
	}
	fee, ok := coerced[2].(*big.Int)
	if !ok {
		t.Fatalf("expected *big.Int for uint24, got %T", coerced[2])
	}
	if fee.Int64() != 3000 {
		t.Fatalf("unexpected fee %s", fee)
	}
	if _, err := parsed.Pack("getPool", coerced...); err != nil {
		t.Fatalf("pack with uint24 argument: %v", err)
	}

	_, err = coerceArguments(method.Inputs, []any{
		"0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		float64(1 << 24),
	})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidCall {
		t.Fatalf("expected INVALID_CALL for uint24 overflow, got %v", err)
	}
}

func TestCoerceIntegerWidths(t *testing.T) {
	t.Parallel()

	// 标准位宽仍然映射到原生整数类型。
	value, err := coerceValue(mustABIType(t, "uint64"), float64(7))
	if err != nil {
		t.Fatalf("coerce uint64: %v", err)
	}
	if _, ok := value.(uint64); !ok {
		t.Fatalf("expected uint64, got %T", value)
	}
	value, err = coerceValue(mustABIType(t, "uint8"), float64(255))
	if err != nil {
		t.Fatalf("coerce uint8: %v", err)
	}
	if _, ok := value.(uint8); !ok {
		t.Fatalf("expected uint8, got %T", value)
	}

	// 非标准位宽映射到 *big.Int。
	value, err = coerceValue(mustABIType(t, "uint40"), "0xffffffffff")
	if err != nil {
		t.Fatalf("coerce uint40: %v", err)
	}
	max40, ok := value.(*big.Int)
	if !ok {
		t.Fatalf("expected *big.Int for uint40, got %T", value)
	}
	if max40.Uint64() != 1<<40-1 {
		t.Fatalf("unexpected uint40 value %s", max40)
	}

	int24 := mustABIType(t, "int24")
	value, err = coerceValue(int24, float64(-8388608))
	if err != nil {
		t.Fatalf("coerce int24 lower bound: %v", err)
	}
	min24, ok := value.(*big.Int)
	if !ok {
		t.Fatalf("expected *big.Int for int24, got %T", value)
	}
	if min24.Int64() != -8388608 {
		t.Fatalf("unexpected int24 value %s", min24)
	}
	if _, err := coerceValue(int24, float64(-8388609)); err == nil {
		t.Fatal("expected overflow error below int24 lower bound")
	}
	if _, err := coerceValue(int24, float64(8388608)); err == nil {
		t.Fatal("expected overflow error above int24 upper bound")
	}
}
