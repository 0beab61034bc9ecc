package llm

import (
	"fmt"
	"log/slog"
	"strings"

	xerrors "llmblast/internal/errors"
)

// Kind 标识远端 API 家族。集合是封闭的，新增成员时 Caller 的构建与解析两处 switch 都必须补齐。
type Kind int

const (
	KindOpenAIChat Kind = iota + 1
	KindAnthropicMessages
)

// String 返回 Kind 在配置与接口中使用的名称。
func (k Kind) String() string {
	switch k {
	case KindOpenAIChat:
		return "openai"
	case KindAnthropicMessages:
		return "anthropic"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind 将名称解析为 Kind。
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "openai", "openai_chat":
		return KindOpenAIChat, nil
	case "anthropic", "anthropic_messages":
		return KindAnthropicMessages, nil
	default:
		return 0, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的 provider: %q", name))
	}
}

// Provider 描述一次调用的目标后端。构造后不可变，按值传递即可在并发调用间共享。
// 构造时不做任何校验，空的模型名或密钥会在调用时以远端错误的形式暴露。
type Provider struct {
	kind   Kind
	model  string
	apiKey string
}

// OpenAIChat 构造指向 OpenAI Chat Completions 的描述符。
func OpenAIChat(model, apiKey string) Provider {
	return Provider{kind: KindOpenAIChat, model: model, apiKey: apiKey}
}

// AnthropicMessages 构造指向 Anthropic Messages 的描述符。
func AnthropicMessages(model, apiKey string) Provider {
	return Provider{kind: KindAnthropicMessages, model: model, apiKey: apiKey}
}

// NewProvider 按 Kind 构造描述符，供配置层使用。
func NewProvider(kind Kind, model, apiKey string) Provider {
	return Provider{kind: kind, model: model, apiKey: apiKey}
}

func (p Provider) Kind() Kind { return p.kind }

func (p Provider) Model() string { return p.model }

func (p Provider) APIKey() string { return p.apiKey }

// String 输出时隐去密钥。
func (p Provider) String() string {
	return fmt.Sprintf("%s/%s", p.kind, p.model)
}

// LogValue 实现 slog.LogValuer，保证密钥不会进入日志。
func (p Provider) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", p.kind.String()),
		slog.String("model", p.model),
		slog.Bool("has_api_key", p.apiKey != ""),
	)
}
