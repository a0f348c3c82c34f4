package evm

import (
	"context"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "CodeAct-EVM/internal/errors"
)

// ChainSnapshot represents summarized network metadata for UI/reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber uint64 `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// DecodedEvent is a single contract event with its arguments unpacked into
// plain values the agent sandbox can print and reuse.
type DecodedEvent struct {
	Name            string         `json:"name"`
	Args            map[string]any `json:"args"`
	BlockNumber     uint64         `json:"blockNumber"`
	TransactionHash string         `json:"transactionHash"`
	LogIndex        uint           `json:"logIndex"`
	Removed         bool           `json:"removed,omitempty"`
}

// EventQuery describes a bounded historical log lookup for one event type.
type EventQuery struct {
	Address   string
	ABI       string
	Event     string
	FromBlock uint64
	ToBlock   uint64
}

// TransactionDetail merges transaction body and receipt fields into one
// plain structure, with the input data decoded when an ABI is supplied.
type TransactionDetail struct {
	Hash            string         `json:"transactionHash"`
	From            string         `json:"from"`
	To              string         `json:"to,omitempty"`
	ContractCreated string         `json:"contractCreated,omitempty"`
	Value           string         `json:"value"`
	Nonce           uint64         `json:"nonce"`
	GasLimit        uint64         `json:"gas"`
	GasUsed         uint64         `json:"gasUsed"`
	Status          uint64         `json:"status"`
	BlockNumber     uint64         `json:"blockNumber"`
	Pending         bool           `json:"pending,omitempty"`
	Method          string         `json:"method,omitempty"`
	Input           map[string]any `json:"input,omitempty"`
	RawInput        string         `json:"rawInput,omitempty"`
	Logs            int            `json:"logs"`
}

// Client defines the read surface that any chain implementation must provide
// so the tool layer can serve different networks uniformly.
type Client interface {
	Snapshot(ctx context.Context) (ChainSnapshot, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Balance(ctx context.Context, address string) (string, error)
	CallView(ctx context.Context, address, abiJSON, function string, args []any) ([]any, error)
	FilterEvents(ctx context.Context, query EventQuery) ([]DecodedEvent, error)
	Transaction(ctx context.Context, hash, abiJSON string) (TransactionDetail, error)
	Close()
}

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ParseAddress validates a 20-byte hex address, case-insensitive with an
// optional EIP-55 checksum, and fails before any network round trip.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "无效的合约地址: "+raw)
	}
	addr := common.HexToAddress(trimmed)
	// 混合大小写的地址必须通过 EIP-55 校验。
	if hasMixedCase(trimmed) && addr.Hex() != normalizePrefix(trimmed) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "地址校验和不匹配: "+raw)
	}
	return addr, nil
}

// ParseTxHash validates a 32-byte hex transaction hash.
func ParseTxHash(raw string) (common.Hash, error) {
	trimmed := strings.TrimSpace(raw)
	if !txHashPattern.MatchString(trimmed) {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "无效的交易哈希: "+raw)
	}
	return common.HexToHash(trimmed), nil
}

func hasMixedCase(addr string) bool {
	body := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	return strings.ToLower(body) != body && strings.ToUpper(body) != body
}

func normalizePrefix(addr string) string {
	if strings.HasPrefix(addr, "0X") {
		return "0x" + addr[2:]
	}
	return addr
}
