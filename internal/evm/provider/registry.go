package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"CodeAct-EVM/internal/config"
	"CodeAct-EVM/internal/evm"
	"CodeAct-EVM/internal/evm/ethereum"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]evm.Client
	chainIDs     map[string]int64
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.ChainsConfig, maxEventSpan uint64) (*Registry, error) {
	defs, err := evm.LoadChainDefinitions(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := applyRPCOverride(defs, cfg); err != nil {
		return nil, err
	}

	clients := make(map[string]evm.Client)
	chainIDs := make(map[string]int64)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			var expect *big.Int
			if chain.ChainID > 0 {
				expect = big.NewInt(chain.ChainID)
			}
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:          name,
				RPCURL:        chain.RPCURL,
				Notes:         chain.Description,
				MaxEventSpan:  maxEventSpan,
				ExpectChainID: expect,
			})
			if err != nil {
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
			chainIDs[name] = chain.ChainID
		default:
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	defaultChain := cfg.DefaultChain
	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:         "default",
			RPCURL:       cfg.RPCURL,
			MaxEventSpan: maxEventSpan,
		})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if defaultChain == "" {
			defaultChain = "default"
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, clients: clients, chainIDs: chainIDs}, nil
}

// applyRPCOverride rewrites the default chain's RPC endpoint when the
// environment supplies one, so chain definition files never swallow the
// RPC_URL override.
func applyRPCOverride(defs evm.ChainDefinitions, cfg config.ChainsConfig) error {
	override := strings.TrimSpace(cfg.RPCURL)
	if override == "" || len(defs.Chains) == 0 {
		return nil
	}
	target := strings.TrimSpace(cfg.DefaultChain)
	if target == "" {
		names := make([]string, 0, len(defs.Chains))
		for name := range defs.Chains {
			names = append(names, name)
		}
		sort.Strings(names)
		target = names[0]
	}
	chain, ok := defs.Chains[target]
	if !ok {
		return fmt.Errorf("RPC 端点覆盖失败: 默认链 %s 未在配置中找到", target)
	}
	chain.RPCURL = override
	defs.Chains[target] = chain
	return nil
}

// DefaultChain returns the name of the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (evm.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (evm.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// ChainID returns the numeric chain id declared for the named chain, zero
// when unknown. Explorer lookups use it as the chainid query parameter.
func (r *Registry) ChainID(name string) int64 {
	if r == nil {
		return 0
	}
	return r.chainIDs[name]
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
