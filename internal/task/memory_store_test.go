package task

import (
	"context"
	"errors"
	"testing"

	xerrors "CodeAct-EVM/internal/errors"
)

func newStoredTask(id, question string) *Task {
	return &Task{
		ID:         id,
		Question:   question,
		Chain:      "mainnet",
		Status:     StatusPending,
		MaxRetries: 3,
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newStoredTask("t1", "查询余额")); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}
	if err := store.Create(ctx, newStoredTask("t1", "重复")); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("重复创建应返回冲突, got %v", err)
	}

	claimed, err := store.Claim(ctx, "t1")
	if err != nil {
		t.Fatalf("Claim 失败: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("Claim 状态不正确: %+v", claimed)
	}
	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("运行中的任务再次 Claim 应冲突, got %v", err)
	}

	result := ExecutionResult{Thought: "done", Reply: "1.5 ETH", ChainID: "1", BlockNumber: 100, Steps: 2}
	if err := store.MarkSucceeded(ctx, "t1", result); err != nil {
		t.Fatalf("MarkSucceeded 失败: %v", err)
	}
	task, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if task.Status != StatusSucceeded || task.Result == nil || task.Result.Reply != "1.5 ETH" {
		t.Fatalf("结果未写入: %+v", task)
	}
	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskCompleted) {
		t.Fatalf("已完成任务 Claim 应返回 completed, got %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("缺失任务应返回 not found, got %v", err)
	}
}

func TestMemoryStoreClaimExhausted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task := newStoredTask("t1", "查询事件")
	task.MaxRetries = 1
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); err != nil {
		t.Fatalf("首次 Claim 失败: %v", err)
	}
	if err := store.MarkFailed(ctx, "t1", CodeTaskProcessing, "boom", false); err != nil {
		t.Fatalf("MarkFailed 失败: %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskExhausted) {
		t.Fatalf("重试耗尽应返回 exhausted, got %v", err)
	}
}

func TestMemoryStoreMarkFailedRecordsCode(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newStoredTask("t1", "查询交易")); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}
	if err := store.MarkFailed(ctx, "t1", xerrors.CodeNetworkFailure, "rpc unreachable", true); err != nil {
		t.Fatalf("MarkFailed 失败: %v", err)
	}
	task, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if task.Status != StatusFailed || task.ErrorCode != string(xerrors.CodeNetworkFailure) || task.LastError != "rpc unreachable" {
		t.Fatalf("失败信息未记录: %+v", task)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	pending := newStoredTask("t1", "查询 USDC 余额")
	pending.SessionID = "alice"
	pending.CreatedAt = 100
	if err := store.Create(ctx, pending); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}
	failed := newStoredTask("t2", "查询合约源码")
	failed.SessionID = "bob"
	failed.CreatedAt = 200
	if err := store.Create(ctx, failed); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}
	if err := store.MarkFailed(ctx, "t2", CodeTaskProcessing, "boom", true); err != nil {
		t.Fatalf("MarkFailed 失败: %v", err)
	}

	tasks, err := store.List(ctx, ListOptions{Statuses: []Status{StatusFailed}})
	if err != nil {
		t.Fatalf("List 失败: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t2" {
		t.Fatalf("状态过滤不正确: %+v", tasks)
	}

	tasks, err = store.List(ctx, ListOptions{SessionID: "alice"})
	if err != nil {
		t.Fatalf("List 失败: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Fatalf("会话过滤不正确: %+v", tasks)
	}

	tasks, err = store.List(ctx, ListOptions{Query: "usdc"})
	if err != nil {
		t.Fatalf("List 失败: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Fatalf("模糊匹配不正确: %+v", tasks)
	}

	tasks, err = store.List(ctx, ListOptions{Offset: 1})
	if err != nil {
		t.Fatalf("List 失败: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("Offset 分页不正确: %+v", tasks)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := store.Create(ctx, newStoredTask(id, "问题 "+id)); err != nil {
			t.Fatalf("Create 失败: %v", err)
		}
	}
	if _, err := store.Claim(ctx, "t1"); err != nil {
		t.Fatalf("Claim 失败: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "t1", ExecutionResult{Reply: "ok"}); err != nil {
		t.Fatalf("MarkSucceeded 失败: %v", err)
	}
	if err := store.MarkFailed(ctx, "t2", CodeTaskProcessing, "boom", true); err != nil {
		t.Fatalf("MarkFailed 失败: %v", err)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("Stats 失败: %v", err)
	}
	if stats.Total != 3 || stats.Succeeded != 1 || stats.Failed != 1 || stats.Pending != 1 {
		t.Fatalf("统计不正确: %+v", stats)
	}
}

func TestMemoryStoreCloneIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	original := newStoredTask("t1", "查询区块高度")
	original.Metadata = map[string]any{"source": "api"}
	if err := store.Create(ctx, original); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}

	got, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	got.Question = "被篡改"
	got.Metadata["source"] = "mutated"

	again, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if again.Question != "查询区块高度" || again.Metadata["source"] != "api" {
		t.Fatalf("存储内部状态被外部修改: %+v", again)
	}
}
