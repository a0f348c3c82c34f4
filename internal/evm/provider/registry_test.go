package provider

import (
	"testing"

	"CodeAct-EVM/internal/config"
	"CodeAct-EVM/internal/evm"
)

func TestApplyRPCOverrideRewritesDefaultChain(t *testing.T) {
	t.Parallel()

	defs := evm.ChainDefinitions{Chains: map[string]evm.ChainDefinition{
		"mainnet": {ChainID: 1, RPCURL: "https://eth.llamarpc.com"},
		"base":    {ChainID: 8453, RPCURL: "https://mainnet.base.org"},
	}}
	cfg := config.ChainsConfig{DefaultChain: "mainnet", RPCURL: "http://127.0.0.1:8545"}

	if err := applyRPCOverride(defs, cfg); err != nil {
		t.Fatalf("apply override: %v", err)
	}
	if got := defs.Chains["mainnet"].RPCURL; got != "http://127.0.0.1:8545" {
		t.Fatalf("override not applied, got %q", got)
	}
	if got := defs.Chains["base"].RPCURL; got != "https://mainnet.base.org" {
		t.Fatalf("non-default chain endpoint changed to %q", got)
	}
}

func TestApplyRPCOverridePicksFirstChainWithoutDefault(t *testing.T) {
	t.Parallel()

	defs := evm.ChainDefinitions{Chains: map[string]evm.ChainDefinition{
		"mainnet": {ChainID: 1, RPCURL: "https://eth.llamarpc.com"},
		"base":    {ChainID: 8453, RPCURL: "https://mainnet.base.org"},
	}}
	cfg := config.ChainsConfig{RPCURL: "http://127.0.0.1:8545"}

	if err := applyRPCOverride(defs, cfg); err != nil {
		t.Fatalf("apply override: %v", err)
	}
	// 未指定默认链时按名称排序取第一个，与注册表的默认链选择一致。
	if got := defs.Chains["base"].RPCURL; got != "http://127.0.0.1:8545" {
		t.Fatalf("override not applied to first chain, got %q", got)
	}
	if got := defs.Chains["mainnet"].RPCURL; got != "https://eth.llamarpc.com" {
		t.Fatalf("unexpected mainnet endpoint %q", got)
	}
}

func TestApplyRPCOverrideFailsOnUnknownDefault(t *testing.T) {
	t.Parallel()

	defs := evm.ChainDefinitions{Chains: map[string]evm.ChainDefinition{
		"mainnet": {ChainID: 1, RPCURL: "https://eth.llamarpc.com"},
	}}
	cfg := config.ChainsConfig{DefaultChain: "sepolia", RPCURL: "http://127.0.0.1:8545"}

	if err := applyRPCOverride(defs, cfg); err == nil {
		t.Fatal("expected error when the default chain is not defined")
	}
}

func TestApplyRPCOverrideNoopWithoutValue(t *testing.T) {
	t.Parallel()

	defs := evm.ChainDefinitions{Chains: map[string]evm.ChainDefinition{
		"mainnet": {ChainID: 1, RPCURL: "https://eth.llamarpc.com"},
	}}

	if err := applyRPCOverride(defs, config.ChainsConfig{}); err != nil {
		t.Fatalf("apply override: %v", err)
	}
	if got := defs.Chains["mainnet"].RPCURL; got != "https://eth.llamarpc.com" {
		t.Fatalf("endpoint changed without an override, got %q", got)
	}
}
