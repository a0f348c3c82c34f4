package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"CodeAct-EVM/internal/agent"
)

func TestServiceSubmitCreatesAndPublishes(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	service := NewService(store, producer, 3)

	task, err := service.Submit(context.Background(), agent.QueryRequest{
		Question:  "查询 USDT 合约的 ABI",
		Chain:     "mainnet",
		SessionID: "alice",
	})
	if err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}
	if task.ID == "" || task.Status != StatusPending || task.MaxRetries != 3 {
		t.Fatalf("任务属性不正确: %+v", task)
	}
	if len(producer.published) != 1 || producer.published[0] != task.ID {
		t.Fatalf("任务未发布到队列: %+v", producer.published)
	}
	stored, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if stored.Question != task.Question || stored.SessionID != "alice" {
		t.Fatalf("任务未正确持久化: %+v", stored)
	}
}

func TestServiceSubmitRejectsEmptyQuestion(t *testing.T) {
	service := NewService(NewMemoryStore(), &recordingProducer{}, 3)
	if _, err := service.Submit(context.Background(), agent.QueryRequest{Question: "   "}); err == nil {
		t.Fatalf("空问题应返回错误")
	}
}

func TestServiceSubmitIdempotentByID(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	service := NewService(store, producer, 3)

	first, err := service.Submit(context.Background(), agent.QueryRequest{ID: "fixed", Question: "查询余额"})
	if err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}
	second, err := service.Submit(context.Background(), agent.QueryRequest{ID: "fixed", Question: "查询余额"})
	if err != nil {
		t.Fatalf("重复 Submit 失败: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("相同 ID 应复用任务: %s vs %s", first.ID, second.ID)
	}
	if len(producer.published) != 1 {
		t.Fatalf("重复提交不应重复发布, got %d", len(producer.published))
	}
}

func TestServiceSubmitPublishFailureMarksTerminal(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{err: errors.New("queue down")}
	service := NewService(store, producer, 3)

	task, err := service.Submit(context.Background(), agent.QueryRequest{ID: "t1", Question: "查询事件"})
	if err == nil || task != nil {
		t.Fatalf("发布失败应返回错误")
	}
	stored, getErr := store.Get(context.Background(), "t1")
	if getErr != nil {
		t.Fatalf("Get 失败: %v", getErr)
	}
	if stored.Status != StatusFailed || stored.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("发布失败应标记任务失败: %+v", stored)
	}
}

func TestServiceWaitUntilCompleted(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	service := NewService(store, producer, 3)

	task, err := service.Submit(context.Background(), agent.QueryRequest{Question: "查询区块高度"})
	if err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}
	go func() {
		_ = store.MarkSucceeded(context.Background(), task.ID, ExecutionResult{Reply: "19000000"})
	}()

	done, err := service.WaitUntilCompleted(context.Background(), task.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitUntilCompleted 失败: %v", err)
	}
	if done.Status != StatusSucceeded {
		t.Fatalf("任务应已完成: %+v", done)
	}
}
