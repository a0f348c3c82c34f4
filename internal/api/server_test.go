package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"CodeAct-EVM/internal/auth"
	"CodeAct-EVM/internal/task"
)

func newTestServer(t *testing.T) (*Server, *task.MemoryStore) {
	t.Helper()
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(16)
	service := task.NewService(store, queue, 3)
	return NewServer(":0", service, nil, nil), store
}

func TestSubmitTask(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	body, _ := json.Marshal(map[string]string{
		"question":   "查询 vitalik.eth 的余额",
		"chain":      "mainnet",
		"session_id": "alice",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("提交任务应返回 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var created task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("响应解析失败: %v", err)
	}
	if created.ID == "" || created.Status != task.StatusPending || created.SessionID != "alice" {
		t.Fatalf("任务属性不正确: %+v", created)
	}
}

func TestSubmitTaskRejectsEmptyQuestion(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader([]byte(`{"question":""}`)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("空问题应返回 400, got %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("响应解析失败: %v", err)
	}
	if payload["code"] != string(task.CodeTaskValidation) {
		t.Fatalf("错误码不正确: %+v", payload)
	}
}

func TestGetTaskByID(t *testing.T) {
	server, store := newTestServer(t)
	handler := server.Handler()

	seed := &task.Task{ID: "t1", Question: "查询事件", Status: task.StatusPending, MaxRetries: 3}
	if err := store.Create(context.Background(), seed); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/t1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("查询任务应返回 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks/missing", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("缺失任务应返回 404, got %d", rec.Code)
	}
}

func TestListTasksFilters(t *testing.T) {
	server, store := newTestServer(t)
	handler := server.Handler()

	ctx := context.Background()
	for _, seed := range []*task.Task{
		{ID: "t1", Question: "查询余额", SessionID: "alice", Status: task.StatusPending, MaxRetries: 3},
		{ID: "t2", Question: "查询源码", SessionID: "bob", Status: task.StatusPending, MaxRetries: 3},
	} {
		if err := store.Create(ctx, seed); err != nil {
			t.Fatalf("Create 失败: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?session_id=alice", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("列表应返回 200, got %d", rec.Code)
	}
	var results []*task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("响应解析失败: %v", err)
	}
	if len(results) != 1 || results[0].ID != "t1" {
		t.Fatalf("会话过滤不正确: %+v", results)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks?status=bogus", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("非法状态应返回 400, got %d", rec.Code)
	}
}

func TestTaskStats(t *testing.T) {
	server, store := newTestServer(t)
	handler := server.Handler()

	ctx := context.Background()
	if err := store.Create(ctx, &task.Task{ID: "t1", Question: "查询余额", Status: task.StatusPending, MaxRetries: 3}); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "t1", task.ExecutionResult{Reply: "ok"}); err != nil {
		t.Fatalf("MarkSucceeded 失败: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/stats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("统计应返回 200, got %d", rec.Code)
	}
	var stats task.TaskStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("响应解析失败: %v", err)
	}
	if stats.Total != 1 || stats.Succeeded != 1 {
		t.Fatalf("统计不正确: %+v", stats)
	}
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("健康检查应返回 200, got %d", rec.Code)
	}
}

func TestAuthGuardsTaskEndpoints(t *testing.T) {
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(16)
	service := task.NewService(store, queue, 3)
	authSvc, err := auth.NewService(auth.Config{Mode: "static", Tokens: []string{"secret"}})
	if err != nil {
		t.Fatalf("NewService 失败: %v", err)
	}
	server := NewServer(":0", service, nil, authSvc)
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("无令牌应返回 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("合法令牌应放行, got %d", rec.Code)
	}

	// 健康检查无需令牌。
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("健康检查不应被拦截, got %d", rec.Code)
	}
}
