package ethereum

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "CodeAct-EVM/internal/errors"

	"CodeAct-EVM/internal/evm"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name          string
	RPCURL        string
	Notes         string
	MaxEventSpan  uint64
	ExpectChainID *big.Int
}

const defaultMaxEventSpan = 10_000

// node mirrors the subset of ethclient methods the read surface requires.
// The simulated backend client satisfies it as well, which keeps tests
// independent of a live RPC endpoint.
type node interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q gethcore.FilterQuery) ([]coretypes.Log, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*coretypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
}

// Client implements the evm.Client interface for EVM compatible chains.
type Client struct {
	name         string
	notes        string
	rpcClient    *gethrpc.Client
	backend      node
	maxEventSpan uint64

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, stdErrors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	span := cfg.MaxEventSpan
	if span == 0 {
		span = defaultMaxEventSpan
	}

	return &Client{
		name:         cfg.Name,
		notes:        cfg.Notes,
		rpcClient:    rpcClient,
		backend:      ethclient.NewClient(rpcClient),
		maxEventSpan: span,
		chainID:      cfg.ExpectChainID,
	}, nil
}

// NewBackendClient wraps any node backend, typically the go-ethereum
// simulated backend, for testing purposes.
func NewBackendClient(name string, backend node) *Client {
	return &Client{
		name:         name,
		notes:        "simulated backend",
		backend:      backend,
		maxEventSpan: defaultMaxEventSpan,
	}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// Snapshot gathers lightweight metadata from the chain.
func (c *Client) Snapshot(ctx context.Context) (evm.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return evm.ChainSnapshot{}, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return evm.ChainSnapshot{}, err
	}
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return evm.ChainSnapshot{}, err
	}
	return evm.ChainSnapshot{
		Name:        c.name,
		ChainID:     chainID.String(),
		BlockNumber: head,
		Notes:       c.notes,
	}, nil
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "获取最新区块失败")
	}
	return head.Number.Uint64(), nil
}

// Balance returns the wei balance of an address as a decimal string.
func (c *Client) Balance(ctx context.Context, address string) (string, error) {
	addr, err := evm.ParseAddress(address)
	if err != nil {
		return "", err
	}
	balance, err := c.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeNetworkFailure, err, "查询余额失败")
	}
	return balance.String(), nil
}

// CallView executes a read-only contract function and returns the decoded
// output values in declaration order.
func (c *Client) CallView(ctx context.Context, address, abiJSON, function string, args []any) ([]any, error) {
	addr, err := evm.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidCall, err, "解析 ABI 失败")
	}
	method, ok := parsed.Methods[function]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidCall, fmt.Sprintf("合约中不存在函数 %s", function))
	}
	if len(args) != len(method.Inputs) {
		return nil, xerrors.New(xerrors.CodeInvalidCall,
			fmt.Sprintf("函数 %s 需要 %d 个参数，实际提供 %d 个", function, len(method.Inputs), len(args)))
	}

	coerced, err := coerceArguments(method.Inputs, args)
	if err != nil {
		return nil, err
	}
	data, err := parsed.Pack(function, coerced...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidCall, err, "编码调用参数失败")
	}

	output, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "合约调用失败")
	}
	if len(output) == 0 && len(method.Outputs) > 0 {
		return nil, xerrors.New(xerrors.CodeInvalidCall,
			fmt.Sprintf("函数 %s 无返回数据，地址可能不是合约或签名不匹配", function))
	}

	values, err := method.Outputs.UnpackValues(output)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidCall, err, "解码返回值失败")
	}
	results := make([]any, 0, len(values))
	for _, value := range values {
		results = append(results, normalizeValue(value))
	}
	return results, nil
}

// FilterEvents fetches and decodes historical logs for one event type within
// a bounded block range.
func (c *Client) FilterEvents(ctx context.Context, query evm.EventQuery) ([]evm.DecodedEvent, error) {
	addr, err := evm.ParseAddress(query.Address)
	if err != nil {
		return nil, err
	}
	parsed, err := abi.JSON(strings.NewReader(query.ABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidCall, err, "解析 ABI 失败")
	}
	event, ok := parsed.Events[query.Event]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidCall, fmt.Sprintf("合约中不存在事件 %s", query.Event))
	}

	from, to := query.FromBlock, query.ToBlock
	if to == 0 {
		head, err := c.BlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		to = head
	}
	if to < from {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("结束区块 %d 早于起始区块 %d", to, from))
	}
	if span := to - from; span > c.maxEventSpan {
		return nil, xerrors.New(xerrors.CodeRangeTooLarge,
			fmt.Sprintf("区块范围 %d 超出上限 %d", span, c.maxEventSpan))
	}

	logs, err := c.backend.FilterLogs(ctx, gethcore.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{addr},
		Topics:    [][]common.Hash{{event.ID}},
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "查询事件日志失败")
	}

	events := make([]evm.DecodedEvent, 0, len(logs))
	for _, entry := range logs {
		decoded, err := decodeLog(event, entry)
		if err != nil {
			return nil, err
		}
		events = append(events, decoded)
	}
	return events, nil
}

// Transaction looks up a transaction and its receipt, decoding the input data
// against the supplied ABI when possible.
func (c *Client) Transaction(ctx context.Context, hash, abiJSON string) (evm.TransactionDetail, error) {
	txHash, err := evm.ParseTxHash(hash)
	if err != nil {
		return evm.TransactionDetail{}, err
	}

	tx, pending, err := c.backend.TransactionByHash(ctx, txHash)
	if err != nil {
		if stdErrors.Is(err, gethcore.NotFound) {
			return evm.TransactionDetail{}, xerrors.New(xerrors.CodeNotFound, "交易不存在: "+hash)
		}
		return evm.TransactionDetail{}, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "查询交易失败")
	}

	detail := evm.TransactionDetail{
		Hash:     tx.Hash().Hex(),
		Value:    tx.Value().String(),
		Nonce:    tx.Nonce(),
		GasLimit: tx.Gas(),
		Pending:  pending,
	}
	if to := tx.To(); to != nil {
		detail.To = to.Hex()
	}

	if chainID, err := c.resolveChainID(ctx); err == nil {
		signer := coretypes.LatestSignerForChainID(chainID)
		if from, err := coretypes.Sender(signer, tx); err == nil {
			detail.From = from.Hex()
		}
	}

	if !pending {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err != nil {
			if stdErrors.Is(err, gethcore.NotFound) {
				return evm.TransactionDetail{}, xerrors.New(xerrors.CodeNotFound, "交易回执不存在: "+hash)
			}
			return evm.TransactionDetail{}, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "查询交易回执失败")
		}
		detail.Status = receipt.Status
		detail.GasUsed = receipt.GasUsed
		detail.Logs = len(receipt.Logs)
		if receipt.BlockNumber != nil {
			detail.BlockNumber = receipt.BlockNumber.Uint64()
		}
		if receipt.ContractAddress != (common.Address{}) {
			detail.ContractCreated = receipt.ContractAddress.Hex()
		}
	}

	decodeInput(&detail, tx.Data(), abiJSON)
	return detail, nil
}

// decodeInput fills the method name and named arguments when the transaction
// calldata matches a function in the supplied ABI.
func decodeInput(detail *evm.TransactionDetail, data []byte, abiJSON string) {
	if len(data) == 0 {
		return
	}
	detail.RawInput = "0x" + common.Bytes2Hex(data)
	if strings.TrimSpace(abiJSON) == "" || len(data) < 4 {
		return
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return
	}
	method, err := parsed.MethodById(data[:4])
	if err != nil {
		return
	}
	args := make(map[string]any)
	if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
		return
	}
	detail.Method = method.Sig
	detail.Input = normalizeMap(args)
}

func decodeLog(event abi.Event, entry coretypes.Log) (evm.DecodedEvent, error) {
	args := make(map[string]any)

	var indexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if len(entry.Topics) > 1 {
		if err := abi.ParseTopicsIntoMap(args, indexed, entry.Topics[1:]); err != nil {
			return evm.DecodedEvent{}, xerrors.Wrap(xerrors.CodeInvalidCall, err, "解码事件索引参数失败")
		}
	}
	if len(entry.Data) > 0 {
		if err := event.Inputs.UnpackIntoMap(args, entry.Data); err != nil {
			return evm.DecodedEvent{}, xerrors.Wrap(xerrors.CodeInvalidCall, err, "解码事件数据失败")
		}
	}

	return evm.DecodedEvent{
		Name:            event.Name,
		Args:            normalizeMap(args),
		BlockNumber:     entry.BlockNumber,
		TransactionHash: entry.TxHash.Hex(),
		LogIndex:        entry.Index,
		Removed:         entry.Removed,
	}, nil
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "获取链 ID 失败")
	}
	c.chainID = chainID
	return chainID, nil
}

var _ evm.Client = (*Client)(nil)
