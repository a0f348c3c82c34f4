package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	xerrors "CodeAct-EVM/internal/errors"
)

// Action 描述计划中的一次工具调用。Args 中以 "$" 开头的字符串
// 引用先前动作写入的变量，Assign 指定本次结果写入的变量名。
type Action struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
	Assign string         `json:"assign,omitempty"`
}

// Observation 记录一次工具调用的执行结果。
type Observation struct {
	Tool   string `json:"tool"`
	Assign string `json:"assign,omitempty"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Result 汇总一段程序的执行情况。
type Result struct {
	Observations []Observation `json:"observations"`
	Transcript   string        `json:"transcript"`
	Failed       bool          `json:"failed"`
}

// Invoker 抽象工具调用入口，由工具注册表实现。
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// Sandbox 顺序执行大模型生成的工具调用程序，
// 并维护跨轮次持久的变量命名空间。
type Sandbox struct {
	invoker Invoker

	mu        sync.Mutex
	variables map[string]any
}

// defaultOutputLimit 限制写入执行记录的单条输出长度。
const defaultOutputLimit = 4096

var variableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// New 创建沙箱。
func New(invoker Invoker) *Sandbox {
	return &Sandbox{
		invoker:   invoker,
		variables: make(map[string]any),
	}
}

// Execute 顺序执行动作列表。遇到首个失败的动作即停止，
// 失败本身作为观察结果返回而不是错误，供大模型在下一轮修正。
func (s *Sandbox) Execute(ctx context.Context, actions []Action) (*Result, error) {
	if s.invoker == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置工具注册表")
	}

	result := &Result{}
	var transcript strings.Builder

	for index, action := range actions {
		if err := ctx.Err(); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "工具程序执行被中断")
		}

		observation := Observation{Tool: action.Tool, Assign: action.Assign}

		output, err := s.step(ctx, action)
		if err != nil {
			observation.Error = err.Error()
			result.Observations = append(result.Observations, observation)
			fmt.Fprintf(&transcript, "[%d] %s -> 错误: %s\n", index+1, action.Tool, err.Error())
			result.Failed = true
			break
		}

		observation.Output = output
		result.Observations = append(result.Observations, observation)
		fmt.Fprintf(&transcript, "[%d] %s -> %s\n", index+1, action.Tool, renderOutput(output))
	}

	result.Transcript = strings.TrimRight(transcript.String(), "\n")
	return result, nil
}

// step 解析变量引用并执行单个动作。
func (s *Sandbox) step(ctx context.Context, action Action) (any, error) {
	if strings.TrimSpace(action.Tool) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "动作缺少工具名称")
	}
	if action.Assign != "" && !variableNamePattern.MatchString(action.Assign) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "非法的变量名: "+action.Assign)
	}

	args, err := s.resolveArgs(action.Args)
	if err != nil {
		return nil, err
	}

	output, err := s.invoker.Invoke(ctx, action.Tool, args)
	if err != nil {
		return nil, err
	}

	if action.Assign != "" {
		s.mu.Lock()
		s.variables[action.Assign] = output
		s.mu.Unlock()
	}
	return output, nil
}

// resolveArgs 将参数表中的 "$var" 引用替换为变量值。
func (s *Sandbox) resolveArgs(args map[string]any) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	resolved := make(map[string]any, len(args))
	for key, value := range args {
		replaced, err := s.resolveValue(value)
		if err != nil {
			return nil, err
		}
		resolved[key] = replaced
	}
	return resolved, nil
}

func (s *Sandbox) resolveValue(value any) (any, error) {
	switch v := value.(type) {
	case string:
		if !strings.HasPrefix(v, "$") {
			return v, nil
		}
		// "$$" 转义为字面 "$"。
		if strings.HasPrefix(v, "$$") {
			return v[1:], nil
		}
		name := v[1:]
		s.mu.Lock()
		resolved, ok := s.variables[name]
		s.mu.Unlock()
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "未定义的变量: "+name)
		}
		return resolved, nil
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			replaced, err := s.resolveValue(item)
			if err != nil {
				return nil, err
			}
			items[i] = replaced
		}
		return items, nil
	case map[string]any:
		return s.resolveArgs(v)
	default:
		return value, nil
	}
}

// Variables 返回变量命名空间的拷贝，供提示词构造使用。
func (s *Sandbox) Variables() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.variables) == 0 {
		return nil
	}
	clone := make(map[string]any, len(s.variables))
	for key, value := range s.variables {
		clone[key] = value
	}
	return clone
}

// VariableNames 返回已定义变量名的有序列表。
func (s *Sandbox) VariableNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.variables))
	for name := range s.variables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset 清空变量命名空间，开始新的会话。
func (s *Sandbox) Reset() {
	s.mu.Lock()
	s.variables = make(map[string]any)
	s.mu.Unlock()
}

// renderOutput 将工具输出序列化为一行文本，超长截断。
func renderOutput(output any) string {
	encoded, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	text := string(encoded)
	if len(text) > defaultOutputLimit {
		text = text[:defaultOutputLimit] + "...(截断)"
	}
	return text
}
