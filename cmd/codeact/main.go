package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"CodeAct-EVM/sdk/go/codeact"
)

// main 是交互式命令行客户端的入口，通过 REST API 驱动问答。
func main() {
	addr := flag.String("addr", envOr("CODEACT_ADDR", "http://127.0.0.1:8080"), "codeactd 服务地址")
	chain := flag.String("chain", "", "默认目标链名称")
	token := flag.String("token", os.Getenv("CODEACT_TOKEN"), "API 访问令牌")
	timeout := flag.Duration("timeout", 2*time.Minute, "单个问题的等待超时")
	verbose := flag.Bool("verbose", false, "输出每一步的工具观察记录")
	flag.Parse()

	client, err := codeact.NewClient(*addr, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化客户端失败: %v\n", err)
		os.Exit(1)
	}
	if *token != "" {
		client.SetToken(*token)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID := uuid.NewString()
	fmt.Printf("CodeAct EVM 问答客户端（会话 %s）\n", sessionID[:8])
	fmt.Println("输入链上问题，exit/quit/q 退出。")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}
		switch strings.ToLower(question) {
		case "exit", "quit", "q":
			return
		}

		if err := ask(ctx, client, question, *chain, sessionID, *timeout, *verbose); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		}
	}
}

func ask(ctx context.Context, client *codeact.Client, question, chain, sessionID string, timeout time.Duration, verbose bool) error {
	submitted, err := client.SubmitTask(ctx, codeact.TaskSubmission{
		Question:  question,
		Chain:     chain,
		SessionID: sessionID,
	})
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done, err := client.WaitForTask(waitCtx, submitted.ID, 0)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("任务 %s 超时，可稍后通过 API 查询结果", submitted.ID)
		}
		return err
	}

	if done.Status == "failed" {
		return fmt.Errorf("任务失败 [%s]: %s", done.ErrorCode, done.LastError)
	}
	if done.Result == nil {
		return fmt.Errorf("任务 %s 未返回结果", done.ID)
	}
	if done.Result.Thought != "" {
		fmt.Printf("思考: %s\n", done.Result.Thought)
	}
	if verbose && done.Result.Observations != "" {
		fmt.Printf("观察:\n%s\n", done.Result.Observations)
	}
	fmt.Printf("回答: %s\n", done.Result.Reply)
	if done.Result.ChainID != "" {
		fmt.Printf("链: %s（区块高度 %d，推理 %d 步）\n", done.Result.ChainID, done.Result.BlockNumber, done.Result.Steps)
	}
	return nil
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
