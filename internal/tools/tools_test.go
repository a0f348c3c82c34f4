package tools

import (
	"context"
	"testing"

	xerrors "CodeAct-EVM/internal/errors"

	"CodeAct-EVM/internal/evm"
	"CodeAct-EVM/internal/explorer"
)

const counterABI = `[{"type":"function","name":"count","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}]`

// fakeClient 记录调用参数并返回固定结果。
type fakeClient struct {
	block     uint64
	balance   string
	callOut   []any
	callErr   error
	lastABI   string
	lastFunc  string
	lastQuery evm.EventQuery
	events    []evm.DecodedEvent
	detail    evm.TransactionDetail
	txErr     error
	txCalls   []string
}

func (f *fakeClient) Snapshot(context.Context) (evm.ChainSnapshot, error) {
	return evm.ChainSnapshot{Name: "fake", ChainID: "1", BlockNumber: f.block}, nil
}

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) { return f.block, nil }

func (f *fakeClient) Balance(context.Context, string) (string, error) { return f.balance, nil }

func (f *fakeClient) CallView(_ context.Context, _, abiJSON, function string, _ []any) ([]any, error) {
	f.lastABI = abiJSON
	f.lastFunc = function
	return f.callOut, f.callErr
}

func (f *fakeClient) FilterEvents(_ context.Context, query evm.EventQuery) ([]evm.DecodedEvent, error) {
	f.lastQuery = query
	return f.events, nil
}

func (f *fakeClient) Transaction(_ context.Context, _, abiJSON string) (evm.TransactionDetail, error) {
	f.txCalls = append(f.txCalls, abiJSON)
	if f.txErr != nil {
		return evm.TransactionDetail{}, f.txErr
	}
	detail := f.detail
	if abiJSON != "" {
		detail.Method = "transfer"
	}
	return detail, nil
}

func (f *fakeClient) Close() {}

// fakeChains 用单个客户端充当默认链。
type fakeChains struct {
	client *fakeClient
}

func (f *fakeChains) Client(name string) (evm.Client, bool) {
	if name == "mainnet" {
		return f.client, true
	}
	return nil, false
}

func (f *fakeChains) DefaultClient() (evm.Client, error) { return f.client, nil }

func (f *fakeChains) DefaultChain() string { return "mainnet" }

func (f *fakeChains) ChainID(string) int64 { return 1 }

func (f *fakeChains) Chains() []string { return []string{"mainnet"} }

// fakeABISource 返回预置 ABI，并记录查询次数。
type fakeABISource struct {
	abiJSON string
	err     error
	calls   int
}

func (f *fakeABISource) ABI(context.Context, int64, string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.abiJSON, nil
}

func (f *fakeABISource) Source(context.Context, int64, string) (*explorer.ContractSource, error) {
	return &explorer.ContractSource{ContractName: "Counter", SourceCode: "contract Counter {}"}, nil
}

func newToolFixture(t *testing.T) (*Registry, *fakeClient, *fakeABISource) {
	t.Helper()
	client := &fakeClient{block: 42, balance: "1000000000000000000"}
	source := &fakeABISource{abiJSON: counterABI}
	registry := NewRegistry()
	if err := NewEVMToolset(&fakeChains{client: client}, source).Register(registry); err != nil {
		t.Fatalf("register toolset: %v", err)
	}
	return registry, client, source
}

func TestRegistryCatalogue(t *testing.T) {
	t.Parallel()

	registry, _, _ := newToolFixture(t)
	defs := registry.Definitions()

	want := []string{
		"get_abi", "get_source", "get_functions", "call_view_function",
		"get_balance", "get_events", "get_transaction", "get_block_number",
	}
	if len(defs) != len(want) {
		t.Fatalf("expected %d tools, got %d", len(want), len(defs))
	}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("tool %d: expected %s, got %s", i, name, defs[i].Name)
		}
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	handler := func(context.Context, map[string]any) (any, error) { return nil, nil }
	if err := registry.Register(Definition{Name: "x"}, handler); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := registry.Register(Definition{Name: "x"}, handler)
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	t.Parallel()

	registry, _, _ := newToolFixture(t)
	_, err := registry.Invoke(context.Background(), "mint_tokens", nil)
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestGetABI(t *testing.T) {
	t.Parallel()

	registry, _, source := newToolFixture(t)
	out, err := registry.Invoke(context.Background(), "get_abi", map[string]any{
		"address": "0x50c5725949a6f0c72e6c4a641f24049a917db0cb",
	})
	if err != nil {
		t.Fatalf("get_abi: %v", err)
	}
	entries, ok := out.([]any)
	if !ok || len(entries) != 2 {
		t.Fatalf("expected parsed ABI with 2 entries, got %#v", out)
	}
	if source.calls != 1 {
		t.Fatalf("expected 1 ABI lookup, got %d", source.calls)
	}
}

func TestGetABIRejectsBadAddress(t *testing.T) {
	t.Parallel()

	registry, _, source := newToolFixture(t)
	_, err := registry.Invoke(context.Background(), "get_abi", map[string]any{
		"address": "not-an-address",
	})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
	if source.calls != 0 {
		t.Fatal("invalid address must fail before the explorer lookup")
	}
}

func TestGetFunctions(t *testing.T) {
	t.Parallel()

	registry, _, _ := newToolFixture(t)
	out, err := registry.Invoke(context.Background(), "get_functions", map[string]any{
		"address": "0x50c5725949a6f0c72e6c4a641f24049a917db0cb",
	})
	if err != nil {
		t.Fatalf("get_functions: %v", err)
	}
	signatures, ok := out.([]string)
	if !ok {
		t.Fatalf("expected signature list, got %#v", out)
	}
	if len(signatures) != 2 || signatures[0] != "count()" || signatures[1] != "owner()" {
		t.Fatalf("unexpected signatures %v", signatures)
	}
}

func TestCallViewFunction(t *testing.T) {
	t.Parallel()

	registry, client, _ := newToolFixture(t)
	client.callOut = []any{"7"}

	out, err := registry.Invoke(context.Background(), "call_view_function", map[string]any{
		"address":  "0x50c5725949a6f0c72e6c4a641f24049a917db0cb",
		"function": "count",
	})
	if err != nil {
		t.Fatalf("call_view_function: %v", err)
	}
	// 单返回值应当被展开。
	if out != "7" {
		t.Fatalf("expected unwrapped value, got %#v", out)
	}
	if client.lastFunc != "count" || client.lastABI != counterABI {
		t.Fatalf("unexpected call forwarding: %s / %s", client.lastFunc, client.lastABI)
	}
}

func TestCallViewFunctionRejectsBadAddress(t *testing.T) {
	t.Parallel()

	registry, client, source := newToolFixture(t)
	_, err := registry.Invoke(context.Background(), "call_view_function", map[string]any{
		"address":  "0xinvalid",
		"function": "count",
	})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
	if source.calls != 0 {
		t.Fatal("invalid address must fail before the explorer lookup")
	}
	if client.lastFunc != "" {
		t.Fatal("invalid address must fail before the chain call")
	}
}

func TestCallViewFunctionPropagatesInvalidCall(t *testing.T) {
	t.Parallel()

	registry, client, _ := newToolFixture(t)
	client.callErr = xerrors.New(xerrors.CodeInvalidCall, "合约没有该函数")

	_, err := registry.Invoke(context.Background(), "call_view_function", map[string]any{
		"address":  "0x50c5725949a6f0c72e6c4a641f24049a917db0cb",
		"function": "mint",
	})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidCall {
		t.Fatalf("expected INVALID_CALL, got %v", err)
	}
}

func TestGetEvents(t *testing.T) {
	t.Parallel()

	registry, client, _ := newToolFixture(t)
	client.events = []evm.DecodedEvent{{Name: "Transfer", BlockNumber: 10}}

	out, err := registry.Invoke(context.Background(), "get_events", map[string]any{
		"address":    "0x50c5725949a6f0c72e6c4a641f24049a917db0cb",
		"event":      "Transfer",
		"from_block": float64(5),
		"to_block":   "15",
	})
	if err != nil {
		t.Fatalf("get_events: %v", err)
	}
	events, ok := out.([]evm.DecodedEvent)
	if !ok || len(events) != 1 {
		t.Fatalf("expected 1 event, got %#v", out)
	}
	if client.lastQuery.FromBlock != 5 || client.lastQuery.ToBlock != 15 {
		t.Fatalf("unexpected range %d-%d", client.lastQuery.FromBlock, client.lastQuery.ToBlock)
	}
	if client.lastQuery.Event != "Transfer" {
		t.Fatalf("unexpected event %s", client.lastQuery.Event)
	}
}

func TestGetEventsRejectsBadAddress(t *testing.T) {
	t.Parallel()

	registry, client, source := newToolFixture(t)
	_, err := registry.Invoke(context.Background(), "get_events", map[string]any{
		"address": "0xinvalid",
		"event":   "Transfer",
	})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
	if source.calls != 0 {
		t.Fatal("invalid address must fail before the explorer lookup")
	}
	if client.lastQuery.Event != "" {
		t.Fatal("invalid address must fail before the chain call")
	}
}

func TestGetEventsRequiresEventName(t *testing.T) {
	t.Parallel()

	registry, _, _ := newToolFixture(t)
	_, err := registry.Invoke(context.Background(), "get_events", map[string]any{
		"address": "0x50c5725949a6f0c72e6c4a641f24049a917db0cb",
	})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestGetTransactionDecodesWithExplorerABI(t *testing.T) {
	t.Parallel()

	registry, client, source := newToolFixture(t)
	client.detail = evm.TransactionDetail{
		Hash:     "0x9af335f5bfe18ba83a45dddf8f0e0b2924c0d1cb907f07a2da263b08a31badba",
		To:       "0x50c5725949A6f0c72E6C4a641F24049A917DB0Cb",
		RawInput: "0xa9059cbb",
	}

	out, err := registry.Invoke(context.Background(), "get_transaction", map[string]any{
		"hash": client.detail.Hash,
	})
	if err != nil {
		t.Fatalf("get_transaction: %v", err)
	}
	detail, ok := out.(evm.TransactionDetail)
	if !ok {
		t.Fatalf("expected transaction detail, got %#v", out)
	}
	// 第二次调用应当带上浏览器返回的 ABI 并完成解码。
	if detail.Method != "transfer" {
		t.Fatalf("expected decoded method, got %q", detail.Method)
	}
	if len(client.txCalls) != 2 || client.txCalls[0] != "" || client.txCalls[1] != counterABI {
		t.Fatalf("unexpected lookup sequence %v", client.txCalls)
	}
	if source.calls != 1 {
		t.Fatalf("expected 1 ABI lookup, got %d", source.calls)
	}
}

func TestGetTransactionKeepsRawInputWhenUnverified(t *testing.T) {
	t.Parallel()

	registry, client, source := newToolFixture(t)
	source.err = xerrors.New(xerrors.CodeNotFound, "合约未验证")
	client.detail = evm.TransactionDetail{
		Hash:     "0x9af335f5bfe18ba83a45dddf8f0e0b2924c0d1cb907f07a2da263b08a31badba",
		To:       "0x50c5725949A6f0c72E6C4a641F24049A917DB0Cb",
		RawInput: "0xa9059cbb",
	}

	out, err := registry.Invoke(context.Background(), "get_transaction", map[string]any{
		"hash": client.detail.Hash,
	})
	if err != nil {
		t.Fatalf("get_transaction: %v", err)
	}
	detail := out.(evm.TransactionDetail)
	if detail.Method != "" || detail.RawInput != "0xa9059cbb" {
		t.Fatalf("expected raw calldata only, got %#v", detail)
	}
}

func TestGetBalanceAndBlockNumber(t *testing.T) {
	t.Parallel()

	registry, _, _ := newToolFixture(t)
	ctx := context.Background()

	balance, err := registry.Invoke(ctx, "get_balance", map[string]any{
		"address": "0x20b2630f501BEE7d69e401D3ABA40636d1BD1B09",
	})
	if err != nil {
		t.Fatalf("get_balance: %v", err)
	}
	if balance != "1000000000000000000" {
		t.Fatalf("unexpected balance %v", balance)
	}

	block, err := registry.Invoke(ctx, "get_block_number", nil)
	if err != nil {
		t.Fatalf("get_block_number: %v", err)
	}
	if block != uint64(42) {
		t.Fatalf("unexpected block %v", block)
	}
}

func TestResolveChainRejectsUnknown(t *testing.T) {
	t.Parallel()

	registry, _, _ := newToolFixture(t)
	_, err := registry.Invoke(context.Background(), "get_block_number", map[string]any{
		"chain": "solana",
	})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestGetSource(t *testing.T) {
	t.Parallel()

	registry, _, _ := newToolFixture(t)
	out, err := registry.Invoke(context.Background(), "get_source", map[string]any{
		"address": "0x50c5725949a6f0c72e6c4a641f24049a917db0cb",
	})
	if err != nil {
		t.Fatalf("get_source: %v", err)
	}
	fields, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected field map, got %#v", out)
	}
	if fields["contractName"] != "Counter" {
		t.Fatalf("unexpected contract name %v", fields["contractName"])
	}
}
