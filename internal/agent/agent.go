package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	xerrors "CodeAct-EVM/internal/errors"

	"CodeAct-EVM/internal/evm"
	"CodeAct-EVM/internal/knowledge"
	"CodeAct-EVM/internal/llm"
	"CodeAct-EVM/internal/sandbox"
	"CodeAct-EVM/internal/storage/mysql"
	"CodeAct-EVM/internal/tools"
)

// QueryRequest 描述了一个自然语言链上查询任务。
type QueryRequest struct {
	ID        string `json:"id,omitempty"`
	Question  string `json:"question"`
	Chain     string `json:"chain,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// QueryResult 汇总推理循环结束后得到的结果。
type QueryResult struct {
	Question     string `json:"question"`
	Chain        string `json:"chain,omitempty"`
	Thought      string `json:"thought"`
	Reply        string `json:"reply"`
	ChainID      string `json:"chain_id,omitempty"`
	BlockNumber  uint64 `json:"block_number,omitempty"`
	Observations string `json:"observations,omitempty"`
	Steps        int    `json:"steps"`
	CreatedAt    int64  `json:"created_at"`
}

// ChainSet 提供链客户端，用于在结果中附带链上元信息。
type ChainSet interface {
	Client(name string) (evm.Client, bool)
	DefaultClient() (evm.Client, error)
}

// Agent 协调大模型、工具沙箱与存储，是系统的业务核心。
// 每个会话持有独立的沙箱，变量命名空间跨轮次保留。
type Agent struct {
	llmClient   llm.Client
	registry    *tools.Registry
	chains      ChainSet
	repo        mysql.ConversationRepository
	knowledge   knowledge.Provider
	memoryDepth int
	maxSteps    int
	llmTimeout  time.Duration

	mu    sync.Mutex
	boxes map[string]*sandbox.Sandbox
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

const (
	// defaultMemoryDepth 是大模型调用时可参考的历史会话数量的默认值。
	defaultMemoryDepth = 5
	// defaultMaxSteps 限制单个问题的推理循环步数。
	defaultMaxSteps = 8
)

// WithMemoryDepth 设置大模型调用时可参考的历史会话数量。
func WithMemoryDepth(depth int) Option {
	return func(a *Agent) {
		a.memoryDepth = depth
	}
}

// WithMaxSteps 设置单个问题允许的最大推理步数。
func WithMaxSteps(steps int) Option {
	return func(a *Agent) {
		a.maxSteps = steps
	}
}

// WithKnowledgeProvider 配置知识库，用于在推理前补充上下文。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(a *Agent) {
		a.knowledge = provider
	}
}

// WithLLMTimeout 设置单次调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// New 创建一个 Agent。
func New(llmClient llm.Client, registry *tools.Registry, chains ChainSet, repo mysql.ConversationRepository, opts ...Option) *Agent {
	ag := &Agent{
		llmClient:   llmClient,
		registry:    registry,
		chains:      chains,
		repo:        repo,
		memoryDepth: defaultMemoryDepth,
		maxSteps:    defaultMaxSteps,
		boxes:       make(map[string]*sandbox.Sandbox),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.memoryDepth <= 0 {
		ag.memoryDepth = defaultMemoryDepth
	}
	if ag.maxSteps <= 0 {
		ag.maxSteps = defaultMaxSteps
	}
	return ag
}

// Execute 运行推理循环：调用大模型规划工具程序，由沙箱执行并
// 将观察结果反馈给大模型，直到得到最终回答或步数耗尽。
func (a *Agent) Execute(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if a.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if a.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置工具注册表")
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "问题不能为空")
	}

	history := a.loadHistory(ctx, req.SessionID)
	knowledgeCards := a.collectKnowledge(req.Question, req.Chain)
	box := a.sessionBox(req.SessionID)

	var (
		observations []string
		thought      string
		reply        string
		steps        int
		done         bool
	)

	for step := 1; step <= a.maxSteps; step++ {
		steps = step
		resp, err := a.generate(ctx, llm.Request{
			Question:     req.Question,
			Chain:        req.Chain,
			History:      history,
			Knowledge:    knowledgeCards,
			Tools:        a.registry.Definitions(),
			Variables:    box.VariableNames(),
			Observations: observations,
			Step:         step,
			MaxSteps:     a.maxSteps,
		})
		if err != nil {
			return nil, err
		}

		if strings.TrimSpace(resp.Thought) != "" {
			thought = resp.Thought
		}
		if strings.TrimSpace(resp.Reply) != "" {
			reply = resp.Reply
		}
		if resp.Done || len(resp.Actions) == 0 {
			done = true
			break
		}

		execution, err := box.Execute(ctx, resp.Actions)
		if err != nil {
			return nil, err
		}
		observations = append(observations, strings.Split(execution.Transcript, "\n")...)
	}

	if !done && strings.TrimSpace(reply) == "" {
		reply = fmt.Sprintf("推理步数已达上限（%d 步），暂无法给出完整回答。", a.maxSteps)
	}

	chainInfo := a.snapshot(ctx, req.Chain)

	result := &QueryResult{
		Question:     req.Question,
		Chain:        req.Chain,
		Thought:      thought,
		Reply:        reply,
		ChainID:      chainInfo.ChainID,
		BlockNumber:  chainInfo.BlockNumber,
		Observations: strings.Join(observations, "\n"),
		Steps:        steps,
		CreatedAt:    time.Now().Unix(),
	}

	if a.repo != nil {
		record := mysql.ConversationRecord{
			SessionID:    req.SessionID,
			Question:     result.Question,
			Chain:        result.Chain,
			Thought:      result.Thought,
			Reply:        result.Reply,
			ChainID:      result.ChainID,
			BlockNumber:  result.BlockNumber,
			Observations: result.Observations,
			CreatedAt:    result.CreatedAt,
		}
		if err := a.repo.Save(ctx, record); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话记录失败")
		}
	}

	return result, nil
}

// ListHistory 获取最近的会话记录。
func (a *Agent) ListHistory(ctx context.Context, limit int) ([]QueryResult, error) {
	if a.repo == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置会话仓库")
	}

	records, err := a.repo.ListLatest(ctx, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话记录失败")
	}

	results := make([]QueryResult, 0, len(records))
	for _, record := range records {
		results = append(results, QueryResult{
			Question:     record.Question,
			Chain:        record.Chain,
			Thought:      record.Thought,
			Reply:        record.Reply,
			ChainID:      record.ChainID,
			BlockNumber:  record.BlockNumber,
			Observations: record.Observations,
			CreatedAt:    record.CreatedAt,
		})
	}
	return results, nil
}

// ResetSession 清空指定会话的沙箱变量。
func (a *Agent) ResetSession(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if box, ok := a.boxes[sessionKey(sessionID)]; ok {
		box.Reset()
	}
}

// generate 调用大模型并统一超时与错误语义。
func (a *Agent) generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}

	resp, err := a.llmClient.Generate(llmCtx, req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeLLMFailure, err, "大模型推理失败")
	}
	return resp, nil
}

// sessionBox 返回会话对应的沙箱，不存在时创建。
func (a *Agent) sessionBox(sessionID string) *sandbox.Sandbox {
	key := sessionKey(sessionID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if box, ok := a.boxes[key]; ok {
		return box
	}
	box := sandbox.New(a.registry)
	a.boxes[key] = box
	return box
}

func sessionKey(sessionID string) string {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "default"
	}
	return sessionID
}

// snapshot 获取链上元信息，失败时返回空值而不阻断回答。
func (a *Agent) snapshot(ctx context.Context, chain string) evm.ChainSnapshot {
	if a.chains == nil {
		return evm.ChainSnapshot{}
	}
	var (
		client evm.Client
		err    error
	)
	if strings.TrimSpace(chain) != "" {
		var ok bool
		client, ok = a.chains.Client(chain)
		if !ok {
			return evm.ChainSnapshot{}
		}
	} else if client, err = a.chains.DefaultClient(); err != nil {
		return evm.ChainSnapshot{}
	}

	info, err := client.Snapshot(ctx)
	if err != nil {
		return evm.ChainSnapshot{}
	}
	return info
}

// loadHistory 加载历史会话记录以供大模型参考。
func (a *Agent) loadHistory(ctx context.Context, sessionID string) []llm.HistoryEntry {
	if a.repo == nil || a.memoryDepth <= 0 {
		return nil
	}

	var (
		records []mysql.ConversationRecord
		err     error
	)
	if strings.TrimSpace(sessionID) != "" {
		records, err = a.repo.ListBySession(ctx, sessionID, a.memoryDepth)
	} else {
		records, err = a.repo.ListLatest(ctx, a.memoryDepth)
	}
	if err != nil {
		return nil
	}

	history := make([]llm.HistoryEntry, 0, len(records))
	for _, record := range records {
		history = append(history, llm.HistoryEntry{
			Question:     record.Question,
			Chain:        record.Chain,
			Reply:        record.Reply,
			Observations: record.Observations,
			CreatedAt:    record.CreatedAt,
		})
	}
	return history
}

// collectKnowledge 从知识库中检索相关内容以供大模型参考。
func (a *Agent) collectKnowledge(question, chain string) []llm.KnowledgeCard {
	if a.knowledge == nil {
		return nil
	}

	snippets := a.knowledge.Query(question, chain)
	if len(snippets) == 0 {
		return nil
	}

	cards := make([]llm.KnowledgeCard, 0, len(snippets))
	for _, snippet := range snippets {
		if strings.TrimSpace(snippet.Title) == "" && strings.TrimSpace(snippet.Content) == "" {
			continue
		}
		cards = append(cards, llm.KnowledgeCard{
			Title:   snippet.Title,
			Content: snippet.Content,
		})
	}
	return cards
}
