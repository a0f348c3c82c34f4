package agent

import (
	"context"
	"strings"
	"testing"

	xerrors "CodeAct-EVM/internal/errors"

	"CodeAct-EVM/internal/evm"
	"CodeAct-EVM/internal/llm"
	"CodeAct-EVM/internal/sandbox"
	"CodeAct-EVM/internal/storage/mysql"
	"CodeAct-EVM/internal/tools"
)

// scriptedLLM 按顺序返回预置响应，并记录收到的请求。
type scriptedLLM struct {
	responses []*llm.Response
	requests  []llm.Request
	err       error
}

func (s *scriptedLLM) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return &llm.Response{Reply: "（无响应脚本）", Done: true}, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func newTestRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	registry := tools.NewRegistry()
	err := registry.Register(tools.Definition{Name: "get_balance", Description: "查询余额"},
		func(_ context.Context, args map[string]any) (any, error) {
			return "1000000000000000000", nil
		})
	if err != nil {
		t.Fatalf("register tool: %v", err)
	}
	return registry
}

func newTestRepo(t *testing.T) *mysql.MemoryConversationRepository {
	t.Helper()
	repo, err := mysql.NewMemoryConversationRepository(t.TempDir())
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	return repo
}

func TestExecuteRunsToolLoop(t *testing.T) {
	t.Parallel()

	client := &scriptedLLM{responses: []*llm.Response{
		{
			Thought: "先查余额",
			Actions: []sandbox.Action{
				{Tool: "get_balance", Args: map[string]any{"address": "0xabc"}, Assign: "bal"},
			},
		},
		{Thought: "已有数据", Reply: "余额为 1 ETH", Done: true},
	}}
	repo := newTestRepo(t)
	ag := New(client, newTestRegistry(t), nil, repo)

	result, err := ag.Execute(context.Background(), QueryRequest{Question: "查询余额"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Reply != "余额为 1 ETH" {
		t.Fatalf("unexpected reply %q", result.Reply)
	}
	if result.Steps != 2 {
		t.Fatalf("expected 2 steps, got %d", result.Steps)
	}
	if !strings.Contains(result.Observations, "get_balance") {
		t.Fatalf("observations missing tool transcript: %q", result.Observations)
	}

	// 第二步的请求应携带第一步的观察与已绑定变量。
	second := client.requests[1]
	if len(second.Observations) == 0 {
		t.Fatal("expected observations fed back to the model")
	}
	if len(second.Variables) != 1 || second.Variables[0] != "bal" {
		t.Fatalf("expected bound variable, got %v", second.Variables)
	}

	// 结果应当已经落库。
	records, err := repo.ListLatest(context.Background(), 1)
	if err != nil {
		t.Fatalf("list latest: %v", err)
	}
	if len(records) != 1 || records[0].Reply != "余额为 1 ETH" {
		t.Fatalf("expected persisted record, got %#v", records)
	}
}

func TestExecuteDirectAnswerWithoutTools(t *testing.T) {
	t.Parallel()

	client := &scriptedLLM{responses: []*llm.Response{
		{Thought: "无需链上数据", Reply: "以太坊是一条公链", Done: true},
	}}
	ag := New(client, newTestRegistry(t), nil, nil)

	result, err := ag.Execute(context.Background(), QueryRequest{Question: "什么是以太坊"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Steps != 1 || result.Reply != "以太坊是一条公链" {
		t.Fatalf("unexpected result %#v", result)
	}
}

func TestExecuteStopsAtMaxSteps(t *testing.T) {
	t.Parallel()

	// 大模型永远要求继续执行工具。
	loop := &llm.Response{
		Actions: []sandbox.Action{{Tool: "get_balance"}},
	}
	client := &scriptedLLM{responses: []*llm.Response{loop, loop, loop, loop}}
	ag := New(client, newTestRegistry(t), nil, nil, WithMaxSteps(3))

	result, err := ag.Execute(context.Background(), QueryRequest{Question: "查询余额"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Steps != 3 {
		t.Fatalf("expected 3 steps, got %d", result.Steps)
	}
	if !strings.Contains(result.Reply, "上限") {
		t.Fatalf("expected budget notice, got %q", result.Reply)
	}
}

func TestExecuteRejectsEmptyQuestion(t *testing.T) {
	t.Parallel()

	ag := New(&scriptedLLM{}, newTestRegistry(t), nil, nil)
	_, err := ag.Execute(context.Background(), QueryRequest{})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestExecuteWrapsLLMFailure(t *testing.T) {
	t.Parallel()

	client := &scriptedLLM{err: context.DeadlineExceeded}
	ag := New(client, newTestRegistry(t), nil, nil)

	_, err := ag.Execute(context.Background(), QueryRequest{Question: "q"})
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func TestSessionVariablesPersistAcrossQuestions(t *testing.T) {
	t.Parallel()

	client := &scriptedLLM{responses: []*llm.Response{
		{Actions: []sandbox.Action{{Tool: "get_balance", Assign: "bal"}}},
		{Reply: "完成", Done: true},
		{Reply: "继续", Done: true},
	}}
	ag := New(client, newTestRegistry(t), nil, nil)
	ctx := context.Background()

	if _, err := ag.Execute(ctx, QueryRequest{Question: "第一问", SessionID: "s1"}); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := ag.Execute(ctx, QueryRequest{Question: "第二问", SessionID: "s1"}); err != nil {
		t.Fatalf("second execute: %v", err)
	}

	// 第二个问题的首轮请求应当看到上一问绑定的变量。
	last := client.requests[len(client.requests)-1]
	if len(last.Variables) != 1 || last.Variables[0] != "bal" {
		t.Fatalf("expected persistent session variable, got %v", last.Variables)
	}

	ag.ResetSession("s1")
}

func TestListHistory(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	if err := repo.Save(context.Background(), mysql.ConversationRecord{
		Question: "历史问题", Reply: "历史回答", CreatedAt: 1,
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	ag := New(&scriptedLLM{}, newTestRegistry(t), nil, repo)
	results, err := ag.ListHistory(context.Background(), 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(results) != 1 || results[0].Question != "历史问题" {
		t.Fatalf("unexpected history %#v", results)
	}
}

var _ ChainSet = chainSetStub{}

// chainSetStub 仅用于验证接口形状。
type chainSetStub struct{}

func (chainSetStub) Client(string) (evm.Client, bool)   { return nil, false }
func (chainSetStub) DefaultClient() (evm.Client, error) { return nil, nil }
