package llm

import (
	"strings"
	"testing"

	"CodeAct-EVM/internal/tools"
)

func TestBuildSystemPromptListsTools(t *testing.T) {
	t.Parallel()

	prompt := BuildSystemPrompt(Request{Tools: []tools.Definition{
		{Name: "get_balance", Description: "查询余额", Params: []tools.Param{
			{Name: "address", Type: "string", Required: true},
		}},
	}})

	if !strings.Contains(prompt, "get_balance") {
		t.Fatal("prompt missing tool name")
	}
	if !strings.Contains(prompt, "address*") {
		t.Fatal("prompt missing required parameter marker")
	}
	if !strings.Contains(prompt, "decimals") {
		t.Fatal("prompt missing token decimal hint")
	}
}

func TestBuildUserPromptIncludesObservations(t *testing.T) {
	t.Parallel()

	prompt := BuildUserPrompt(Request{
		Question:     "DAI 总供应量是多少",
		Chain:        "mainnet",
		Step:         2,
		MaxSteps:     8,
		Variables:    []string{"supply"},
		Observations: []string{"[1] call_view_function -> \"1000\""},
	})

	for _, want := range []string{"DAI 总供应量", "mainnet", "2/8", "supply", "call_view_function"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestParseContentActions(t *testing.T) {
	t.Parallel()

	resp, err := ParseContent("```json\n" +
		`{"thought":"查余额","actions":[{"tool":"get_balance","args":{"address":"0xabc"},"assign":"bal"}],"done":false}` +
		"\n```")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Done {
		t.Fatal("expected intermediate step")
	}
	if len(resp.Actions) != 1 || resp.Actions[0].Tool != "get_balance" || resp.Actions[0].Assign != "bal" {
		t.Fatalf("unexpected actions %#v", resp.Actions)
	}
}

func TestParseContentFinalReply(t *testing.T) {
	t.Parallel()

	resp, err := ParseContent(`{"thought":"已完成","reply":"余额为 1 ETH","done":true}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !resp.Done || resp.Reply != "余额为 1 ETH" {
		t.Fatalf("unexpected response %#v", resp)
	}
}

func TestParseContentFallsBackToPlainText(t *testing.T) {
	t.Parallel()

	resp, err := ParseContent("抱歉，这个问题无需链上数据。")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !resp.Done || !strings.Contains(resp.Reply, "无需链上数据") {
		t.Fatalf("expected plain-text fallback, got %#v", resp)
	}
}

func TestParseContentRejectsEmpty(t *testing.T) {
	t.Parallel()

	if _, err := ParseContent("   "); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestParseContentReplyWithoutActionsIsDone(t *testing.T) {
	t.Parallel()

	resp, err := ParseContent(`{"thought":"直接作答","reply":"42","done":false}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !resp.Done {
		t.Fatal("reply without actions must terminate the loop")
	}
}
