package task

import (
	"context"
	"sync"
	"testing"
	"time"

	xerrors "CodeAct-EVM/internal/errors"

	"CodeAct-EVM/internal/agent"
	"CodeAct-EVM/internal/observability/alerting"
)

type scriptedExecutor struct {
	mu       sync.Mutex
	requests []agent.QueryRequest
	results  []*agent.QueryResult
	errs     []error
	calls    int
}

func (e *scriptedExecutor) Execute(_ context.Context, req agent.QueryRequest) (*agent.QueryResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	idx := e.calls
	e.calls++
	var result *agent.QueryResult
	var err error
	if idx < len(e.results) {
		result = e.results[idx]
	}
	if idx < len(e.errs) {
		err = e.errs[idx]
	}
	return result, err
}

type recordingProducer struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *recordingProducer) Publish(_ context.Context, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, taskID)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

type fallbackRecovery struct {
	result *ExecutionResult
	err    error
	calls  int
}

func (r *fallbackRecovery) Recover(_ context.Context, _ *Task, _ error) (*ExecutionResult, error) {
	r.calls++
	return r.result, r.err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("等待条件超时")
}

func TestProcessorHandleSuccess(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seed := newStoredTask("t1", "查询 vitalik 的余额")
	seed.SessionID = "alice"
	if err := store.Create(ctx, seed); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}

	executor := &scriptedExecutor{results: []*agent.QueryResult{{
		Thought:      "先取余额",
		Reply:        "1.5 ETH",
		ChainID:      "1",
		BlockNumber:  19000000,
		Observations: "get_balance -> 1500000000000000000",
		Steps:        2,
	}}}
	producer := &recordingProducer{}
	processor := NewProcessor(executor, store, nil, producer)

	if err := processor.handle(ctx, "t1"); err != nil {
		t.Fatalf("handle 失败: %v", err)
	}
	if len(executor.requests) != 1 {
		t.Fatalf("Executor 应被调用一次, got %d", len(executor.requests))
	}
	req := executor.requests[0]
	if req.Question != "查询 vitalik 的余额" || req.Chain != "mainnet" || req.SessionID != "alice" {
		t.Fatalf("请求内容不正确: %+v", req)
	}

	task, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if task.Status != StatusSucceeded {
		t.Fatalf("状态应为 succeeded, got %s", task.Status)
	}
	if task.Result == nil || task.Result.BlockNumber != 19000000 || task.Result.Steps != 2 {
		t.Fatalf("结果未正确映射: %+v", task.Result)
	}
}

func TestProcessorRetryOnRetryableFailure(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newStoredTask("t1", "查询事件")); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}

	executor := &scriptedExecutor{errs: []error{
		xerrors.New(xerrors.CodeNetworkFailure, "rpc 超时"),
	}}
	producer := &recordingProducer{}
	dispatcher := &recordingDispatcher{}
	processor := NewProcessor(executor, store, nil, producer, WithAlertDispatcher(dispatcher))

	if err := processor.handle(ctx, "t1"); err != nil {
		t.Fatalf("handle 失败: %v", err)
	}
	if len(producer.published) != 1 || producer.published[0] != "t1" {
		t.Fatalf("可重试失败应重新入队, got %+v", producer.published)
	}
	task, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if task.Status != StatusFailed || task.ErrorCode != string(xerrors.CodeNetworkFailure) {
		t.Fatalf("失败信息不正确: %+v", task)
	}
	if len(dispatcher.events) != 1 || dispatcher.events[0].Code != xerrors.CodeNetworkFailure {
		t.Fatalf("应触发网络失败告警, got %+v", dispatcher.events)
	}
	if dispatcher.events[0].Metadata["stage"] != "retry" {
		t.Fatalf("告警阶段不正确: %+v", dispatcher.events[0].Metadata)
	}
}

func TestProcessorTerminalOnNonRetryable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newStoredTask("t1", "调用只读函数")); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}

	executor := &scriptedExecutor{errs: []error{
		xerrors.New(xerrors.CodeInvalidCall, "方法不存在"),
	}}
	producer := &recordingProducer{}
	processor := NewProcessor(executor, store, nil, producer)

	if err := processor.handle(ctx, "t1"); err != nil {
		t.Fatalf("handle 失败: %v", err)
	}
	if len(producer.published) != 0 {
		t.Fatalf("不可重试失败不应重新入队, got %+v", producer.published)
	}
	task, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if task.Status != StatusFailed || task.ErrorCode != string(xerrors.CodeInvalidCall) {
		t.Fatalf("失败信息不正确: %+v", task)
	}
}

func TestProcessorRecoveryFallback(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newStoredTask("t1", "查询不存在的合约")); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}

	executor := &scriptedExecutor{errs: []error{
		xerrors.New(xerrors.CodeInvalidCall, "方法不存在"),
	}}
	recovery := &fallbackRecovery{result: &ExecutionResult{Reply: "该合约未提供此方法"}}
	processor := NewProcessor(executor, store, nil, &recordingProducer{}, WithRecoveryHandler(recovery))

	if err := processor.handle(ctx, "t1"); err != nil {
		t.Fatalf("handle 失败: %v", err)
	}
	if recovery.calls != 1 {
		t.Fatalf("补偿逻辑应被调用一次, got %d", recovery.calls)
	}
	task, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if task.Status != StatusSucceeded || task.Result == nil || task.Result.Reply != "该合约未提供此方法" {
		t.Fatalf("降级结果未写入: %+v", task)
	}
	if task.Result.Observations == "" {
		t.Fatalf("降级结果应记录原始错误")
	}
}

func TestProcessorSkipsCompletedTask(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newStoredTask("t1", "查询区块高度")); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "t1", ExecutionResult{Reply: "done"}); err != nil {
		t.Fatalf("MarkSucceeded 失败: %v", err)
	}

	executor := &scriptedExecutor{}
	processor := NewProcessor(executor, store, nil, &recordingProducer{})

	if err := processor.handle(ctx, "t1"); err != nil {
		t.Fatalf("已完成任务应被跳过: %v", err)
	}
	if executor.calls != 0 {
		t.Fatalf("已完成任务不应再次执行, got %d", executor.calls)
	}
}

func TestProcessorConsumeFromMemoryQueue(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Create(ctx, newStoredTask("t1", "查询余额")); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}
	queue := NewMemoryQueue(4)
	done := make(chan struct{})
	executor := &scriptedExecutor{results: []*agent.QueryResult{{Reply: "ok", Steps: 1}}}

	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(2))
	go func() {
		_ = processor.Start(ctx)
		close(done)
	}()

	if err := queue.Publish(ctx, "t1"); err != nil {
		t.Fatalf("Publish 失败: %v", err)
	}

	waitFor(t, func() bool {
		task, err := store.Get(context.Background(), "t1")
		return err == nil && task.Status == StatusSucceeded
	})
	cancel()
	<-done
}
