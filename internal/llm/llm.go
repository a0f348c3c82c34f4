package llm

import (
	"context"

	"CodeAct-EVM/internal/sandbox"
	"CodeAct-EVM/internal/tools"
)

// Request 描述发送给大模型的一轮推理上下文。
type Request struct {
	Question     string
	Chain        string
	History      []HistoryEntry
	Knowledge    []KnowledgeCard
	Tools        []tools.Definition
	Variables    []string
	Observations []string
	Step         int
	MaxSteps     int
}

// Response 是大模型推理得到的结构化输出。
// Actions 非空表示需要先执行工具程序，Done 表示 Reply 即最终回答。
type Response struct {
	Thought string           `json:"thought"`
	Actions []sandbox.Action `json:"actions,omitempty"`
	Reply   string           `json:"reply,omitempty"`
	Done    bool             `json:"done"`
}

// KnowledgeCard 表示提供给大模型的知识切片，帮助生成更加准确的回复。
type KnowledgeCard struct {
	Title   string
	Content string
}

// HistoryEntry 描述了一段历史会话，用于为大模型提供上下文记忆。
type HistoryEntry struct {
	Question     string
	Chain        string
	Reply        string
	Observations string
	CreatedAt    int64
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
