package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BuildSystemPrompt 生成系统提示词，包含工具目录与输出格式约定。
func BuildSystemPrompt(req Request) string {
	var builder strings.Builder
	builder.WriteString("You are an on-chain research assistant for EVM networks. ")
	builder.WriteString("You answer questions by planning read-only tool calls and interpreting their results.\n\n")

	builder.WriteString("Always respond with a single compact JSON object:\n")
	builder.WriteString(`{"thought": string, "actions": [{"tool": string, "args": object, "assign": string}], "reply": string, "done": boolean}`)
	builder.WriteString("\n")
	builder.WriteString("Set done=true with a final reply once the question is answered; ")
	builder.WriteString("otherwise emit actions and wait for their observations. ")
	builder.WriteString("In args, a string starting with \"$\" references a variable bound by a previous assign.\n\n")

	if len(req.Tools) > 0 {
		builder.WriteString("## Available tools\n")
		for _, tool := range req.Tools {
			builder.WriteString(fmt.Sprintf("- %s: %s", tool.Name, tool.Description))
			if len(tool.Params) > 0 {
				params := make([]string, 0, len(tool.Params))
				for _, param := range tool.Params {
					name := param.Name
					if param.Required {
						name += "*"
					}
					params = append(params, fmt.Sprintf("%s(%s)", name, param.Type))
				}
				builder.WriteString(" [" + strings.Join(params, ", ") + "]")
			}
			builder.WriteString("\n")
		}
		builder.WriteString("\n")
	}

	// 领域提示，沿用链上查询的常见约定。
	builder.WriteString("## Hints\n")
	builder.WriteString("- Contract addresses must be 20-byte hex; preserve EIP-55 checksums when echoing them.\n")
	builder.WriteString("- Token amounts are raw integers; divide by 10^decimals (call the decimals() view) before reporting.\n")
	builder.WriteString("- Native balances are returned in wei as decimal strings.\n")
	builder.WriteString("- Keep event queries inside the allowed block span; narrow the range when told it is too large.\n")
	return builder.String()
}

// BuildUserPrompt 生成用户提示词，汇总问题、历史、知识与本轮观察。
func BuildUserPrompt(req Request) string {
	var builder strings.Builder
	builder.WriteString("## 当前问题\n")
	builder.WriteString(strings.TrimSpace(req.Question))
	builder.WriteString("\n")
	if chain := strings.TrimSpace(req.Chain); chain != "" {
		builder.WriteString(fmt.Sprintf("目标链: %s\n", chain))
	}
	if req.MaxSteps > 0 {
		builder.WriteString(fmt.Sprintf("推理步数: %d/%d\n", req.Step, req.MaxSteps))
	}

	if len(req.Variables) > 0 {
		builder.WriteString("\n## 已定义变量\n")
		builder.WriteString(strings.Join(req.Variables, ", "))
		builder.WriteString("\n")
	}

	if len(req.History) > 0 {
		builder.WriteString("\n## 历史会话\n")
		for idx, entry := range req.History {
			builder.WriteString(fmt.Sprintf("[%d] 问题:%s | 回答:%s\n",
				idx+1,
				strings.TrimSpace(entry.Question),
				truncate(entry.Reply),
			))
			if idx >= 4 {
				break
			}
		}
	}

	if len(req.Knowledge) > 0 {
		builder.WriteString("\n## 知识库\n")
		for idx, card := range req.Knowledge {
			builder.WriteString(fmt.Sprintf("[%d] %s: %s\n",
				idx+1,
				strings.TrimSpace(card.Title),
				truncate(card.Content),
			))
			if idx >= 4 {
				break
			}
		}
	}

	if len(req.Observations) > 0 {
		builder.WriteString("\n## 本轮工具观察\n")
		for idx, observation := range req.Observations {
			builder.WriteString(fmt.Sprintf("[%d] %s\n", idx+1, observation))
		}
		builder.WriteString("\n请基于观察继续推理：若已能回答则输出 done=true 的最终 reply，否则给出下一批 actions。")
		return builder.String()
	}

	builder.WriteString("\n请规划所需的工具调用 actions；若无需链上数据可直接给出 done=true 的 reply。")
	return builder.String()
}

// ParseContent 将大模型返回的文本解析为结构化响应。
// 无法解析为 JSON 时退化为最终回答，避免因格式抖动中断任务。
func ParseContent(content string) (*Response, error) {
	trimmed := stripFences(strings.TrimSpace(content))
	if trimmed == "" {
		return nil, fmt.Errorf("大模型响应内容为空")
	}

	var resp Response
	if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
		return &Response{Reply: trimmed, Done: true}, nil
	}
	if strings.TrimSpace(resp.Reply) == "" && len(resp.Actions) == 0 {
		return &Response{Reply: trimmed, Done: true}, nil
	}
	if len(resp.Actions) == 0 {
		resp.Done = true
	}
	return &resp, nil
}

// stripFences 去掉包裹 JSON 的 markdown 代码块标记。
func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 80 {
		return string([]rune(text)[:80]) + "..."
	}
	return text
}
