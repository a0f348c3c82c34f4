package tools

import (
	"context"
	"fmt"
	"sync"

	xerrors "CodeAct-EVM/internal/errors"
)

// Param 描述工具的一个入参，供大模型生成调用计划时参考。
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Definition 描述一个可供智能体调用的工具。
type Definition struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Params      []Param `json:"params,omitempty"`
}

// Handler 执行一次工具调用。入参是已解析的命名参数表。
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Registry 维护工具名称到实现的映射。所有工具都是无状态、幂等的只读操作。
type Registry struct {
	mu       sync.RWMutex
	order    []string
	defs     map[string]Definition
	handlers map[string]Handler
}

// NewRegistry 创建空的工具注册表。
func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]Definition),
		handlers: make(map[string]Handler),
	}
}

// Register 注册一个工具。重复注册同名工具视为编程错误。
func (r *Registry) Register(def Definition, handler Handler) error {
	if def.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
	}
	if handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具实现不能为空: "+def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		return xerrors.New(xerrors.CodeConflict, "工具已注册: "+def.Name)
	}
	r.order = append(r.order, def.Name)
	r.defs[def.Name] = def
	r.handlers[def.Name] = handler
	return nil
}

// Invoke 按名称调用工具。
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未知的工具: %s", name))
	}
	if args == nil {
		args = map[string]any{}
	}
	return handler(ctx, args)
}

// Definitions 按注册顺序返回工具目录。
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.defs[name])
	}
	return defs
}
