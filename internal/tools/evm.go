package tools

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	xerrors "CodeAct-EVM/internal/errors"

	"CodeAct-EVM/internal/evm"
	"CodeAct-EVM/internal/explorer"
)

// ABISource 抽象合约验证服务，返回 ABI 与源码。
type ABISource interface {
	ABI(ctx context.Context, chainID int64, address string) (string, error)
	Source(ctx context.Context, chainID int64, address string) (*explorer.ContractSource, error)
}

// ChainSet 抽象多链客户端集合，由 evm/provider 的注册表实现。
type ChainSet interface {
	Client(name string) (evm.Client, bool)
	DefaultClient() (evm.Client, error)
	DefaultChain() string
	ChainID(name string) int64
	Chains() []string
}

// EVMToolset 将链上读取与浏览器 API 查询封装成命名工具。
// 所有工具无内部状态，单次调用等价一次外部请求加解码。
type EVMToolset struct {
	chains   ChainSet
	explorer ABISource
}

// NewEVMToolset 创建工具集。explorer 可以为 nil，此时依赖 ABI 的工具返回配置错误。
func NewEVMToolset(chains ChainSet, abiSource ABISource) *EVMToolset {
	return &EVMToolset{chains: chains, explorer: abiSource}
}

// Register 将全部 EVM 工具注册到注册表。
func (t *EVMToolset) Register(registry *Registry) error {
	chainParam := Param{Name: "chain", Type: "string", Description: "链名称，缺省使用默认链"}
	addressParam := Param{Name: "address", Type: "string", Description: "20 字节十六进制合约或账户地址", Required: true}

	entries := []struct {
		def     Definition
		handler Handler
	}{
		{
			def: Definition{
				Name:        "get_abi",
				Description: "获取已验证合约的 ABI 结构",
				Params:      []Param{addressParam, chainParam},
			},
			handler: t.getABI,
		},
		{
			def: Definition{
				Name:        "get_source",
				Description: "获取已验证合约的源码文本",
				Params:      []Param{addressParam, chainParam},
			},
			handler: t.getSource,
		},
		{
			def: Definition{
				Name:        "get_functions",
				Description: "列出合约 ABI 中的全部函数签名",
				Params:      []Param{addressParam, chainParam},
			},
			handler: t.getFunctions,
		},
		{
			def: Definition{
				Name:        "call_view_function",
				Description: "调用合约的只读函数并解码返回值",
				Params: []Param{
					addressParam,
					{Name: "function", Type: "string", Description: "函数名", Required: true},
					{Name: "args", Type: "array", Description: "按声明顺序排列的参数"},
					chainParam,
				},
			},
			handler: t.callViewFunction,
		},
		{
			def: Definition{
				Name:        "get_balance",
				Description: "查询地址的原生代币余额（wei，十进制字符串）",
				Params:      []Param{addressParam, chainParam},
			},
			handler: t.getBalance,
		},
		{
			def: Definition{
				Name:        "get_events",
				Description: "按区块范围查询并解码合约事件",
				Params: []Param{
					addressParam,
					{Name: "event", Type: "string", Description: "事件名", Required: true},
					{Name: "from_block", Type: "integer", Description: "起始区块"},
					{Name: "to_block", Type: "integer", Description: "结束区块，缺省为最新区块"},
					chainParam,
				},
			},
			handler: t.getEvents,
		},
		{
			def: Definition{
				Name:        "get_transaction",
				Description: "查询交易与回执，并尽量解码输入数据",
				Params: []Param{
					{Name: "hash", Type: "string", Description: "32 字节交易哈希", Required: true},
					chainParam,
				},
			},
			handler: t.getTransaction,
		},
		{
			def: Definition{
				Name:        "get_block_number",
				Description: "查询最新区块高度",
				Params:      []Param{chainParam},
			},
			handler: t.getBlockNumber,
		},
	}

	for _, entry := range entries {
		if err := registry.Register(entry.def, entry.handler); err != nil {
			return err
		}
	}
	return nil
}

// resolveChain 选择链客户端及其 chain id。
func (t *EVMToolset) resolveChain(args map[string]any) (evm.Client, int64, error) {
	name := optionalStringArg(args, "chain")
	if name == "" {
		client, err := t.chains.DefaultClient()
		if err != nil {
			return nil, 0, err
		}
		return client, t.chains.ChainID(t.chains.DefaultChain()), nil
	}
	client, ok := t.chains.Client(name)
	if !ok {
		return nil, 0, xerrors.New(xerrors.CodeInvalidArgument,
			"未知的链: "+name+"，可用: "+strings.Join(t.chains.Chains(), ", "))
	}
	return client, t.chains.ChainID(name), nil
}

func (t *EVMToolset) fetchABI(ctx context.Context, chainID int64, address string) (string, error) {
	if t.explorer == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置合约浏览器 API")
	}
	return t.explorer.ABI(ctx, chainID, address)
}

func (t *EVMToolset) getABI(ctx context.Context, args map[string]any) (any, error) {
	address, err := stringArg(args, "address")
	if err != nil {
		return nil, err
	}
	if _, err := evm.ParseAddress(address); err != nil {
		return nil, err
	}
	_, chainID, err := t.resolveChain(args)
	if err != nil {
		return nil, err
	}
	abiJSON, err := t.fetchABI(ctx, chainID, address)
	if err != nil {
		return nil, err
	}

	var parsed any
	if err := json.Unmarshal([]byte(abiJSON), &parsed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "ABI 不是合法的 JSON")
	}
	return parsed, nil
}

func (t *EVMToolset) getSource(ctx context.Context, args map[string]any) (any, error) {
	address, err := stringArg(args, "address")
	if err != nil {
		return nil, err
	}
	if _, err := evm.ParseAddress(address); err != nil {
		return nil, err
	}
	if t.explorer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置合约浏览器 API")
	}
	_, chainID, err := t.resolveChain(args)
	if err != nil {
		return nil, err
	}
	source, err := t.explorer.Source(ctx, chainID, address)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"contractName":    source.ContractName,
		"compilerVersion": source.CompilerVersion,
		"sourceCode":      source.SourceCode,
		"licenseType":     source.LicenseType,
		"proxy":           source.Proxy,
		"implementation":  source.Implementation,
	}, nil
}

func (t *EVMToolset) getFunctions(ctx context.Context, args map[string]any) (any, error) {
	address, err := stringArg(args, "address")
	if err != nil {
		return nil, err
	}
	if _, err := evm.ParseAddress(address); err != nil {
		return nil, err
	}
	_, chainID, err := t.resolveChain(args)
	if err != nil {
		return nil, err
	}
	abiJSON, err := t.fetchABI(ctx, chainID, address)
	if err != nil {
		return nil, err
	}

	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "解析 ABI 失败")
	}
	signatures := make([]string, 0, len(parsed.Methods))
	for _, method := range parsed.Methods {
		signatures = append(signatures, method.Sig)
	}
	sort.Strings(signatures)
	return signatures, nil
}

func (t *EVMToolset) callViewFunction(ctx context.Context, args map[string]any) (any, error) {
	address, err := stringArg(args, "address")
	if err != nil {
		return nil, err
	}
	if _, err := evm.ParseAddress(address); err != nil {
		return nil, err
	}
	function, err := stringArg(args, "function")
	if err != nil {
		return nil, err
	}
	callArgs, err := listArg(args, "args")
	if err != nil {
		return nil, err
	}
	client, chainID, err := t.resolveChain(args)
	if err != nil {
		return nil, err
	}
	abiJSON, err := t.fetchABI(ctx, chainID, address)
	if err != nil {
		return nil, err
	}

	values, err := client.CallView(ctx, address, abiJSON, function, callArgs)
	if err != nil {
		return nil, err
	}
	// 单返回值直接展开，方便大模型引用。
	if len(values) == 1 {
		return values[0], nil
	}
	return values, nil
}

func (t *EVMToolset) getBalance(ctx context.Context, args map[string]any) (any, error) {
	address, err := stringArg(args, "address")
	if err != nil {
		return nil, err
	}
	client, _, err := t.resolveChain(args)
	if err != nil {
		return nil, err
	}
	return client.Balance(ctx, address)
}

func (t *EVMToolset) getEvents(ctx context.Context, args map[string]any) (any, error) {
	address, err := stringArg(args, "address")
	if err != nil {
		return nil, err
	}
	if _, err := evm.ParseAddress(address); err != nil {
		return nil, err
	}
	event, err := stringArg(args, "event")
	if err != nil {
		return nil, err
	}
	fromBlock, err := uintArg(args, "from_block")
	if err != nil {
		return nil, err
	}
	toBlock, err := uintArg(args, "to_block")
	if err != nil {
		return nil, err
	}
	client, chainID, err := t.resolveChain(args)
	if err != nil {
		return nil, err
	}
	abiJSON, err := t.fetchABI(ctx, chainID, address)
	if err != nil {
		return nil, err
	}

	return client.FilterEvents(ctx, evm.EventQuery{
		Address:   address,
		ABI:       abiJSON,
		Event:     event,
		FromBlock: fromBlock,
		ToBlock:   toBlock,
	})
}

func (t *EVMToolset) getTransaction(ctx context.Context, args map[string]any) (any, error) {
	hash, err := stringArg(args, "hash")
	if err != nil {
		return nil, err
	}
	client, chainID, err := t.resolveChain(args)
	if err != nil {
		return nil, err
	}

	detail, err := client.Transaction(ctx, hash, "")
	if err != nil {
		return nil, err
	}
	// 输入数据的解码尽力而为：目标合约未验证时返回原始 calldata。
	if detail.To != "" && detail.RawInput != "" && t.explorer != nil {
		if abiJSON, abiErr := t.explorer.ABI(ctx, chainID, detail.To); abiErr == nil {
			if decoded, decodeErr := client.Transaction(ctx, hash, abiJSON); decodeErr == nil {
				detail = decoded
			}
		}
	}
	return detail, nil
}

func (t *EVMToolset) getBlockNumber(ctx context.Context, args map[string]any) (any, error) {
	client, _, err := t.resolveChain(args)
	if err != nil {
		return nil, err
	}
	return client.BlockNumber(ctx)
}
