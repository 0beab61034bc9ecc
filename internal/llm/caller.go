package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	xerrors "llmblast/internal/errors"
	"llmblast/internal/llm/anthropic"
	"llmblast/internal/llm/openai"
)

// Observer 接收每次调用的耗时与结果，通常由 metrics 包实现。
type Observer interface {
	ObserveCall(provider Provider, duration time.Duration, err error)
}

// Caller 负责单个 prompt 的请求构建、发送与结果解析。
type Caller struct {
	doer      Doer
	endpoints map[Kind]string
	logger    *slog.Logger
	observer  Observer
}

// CallerOption 定义可选配置。
type CallerOption func(*Caller)

// WithDoer 替换底层 HTTP 客户端，默认使用 SharedClient。
func WithDoer(doer Doer) CallerOption {
	return func(c *Caller) {
		if doer != nil {
			c.doer = doer
		}
	}
}

// WithEndpoint 覆盖某个 provider 的目标地址，主要用于测试和私有网关。
func WithEndpoint(kind Kind, endpoint string) CallerOption {
	return func(c *Caller) {
		if endpoint != "" {
			c.endpoints[kind] = endpoint
		}
	}
}

// WithLogger 指定调试日志输出。
func WithLogger(logger *slog.Logger) CallerOption {
	return func(c *Caller) {
		c.logger = logger
	}
}

// WithObserver 配置调用观测回调。
func WithObserver(observer Observer) CallerOption {
	return func(c *Caller) {
		c.observer = observer
	}
}

// NewCaller 构造 Caller。
func NewCaller(opts ...CallerOption) *Caller {
	c := &Caller{
		endpoints: map[Kind]string{
			KindOpenAIChat: openai.ChatCompletionsURL,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.doer == nil {
		c.doer = SharedClient()
	}
	return c
}

// Call 发送一次请求并返回生成的文本。每次调用只产生一次出站请求，不做重试。
func (c *Caller) Call(ctx context.Context, prompt string, provider Provider) (string, error) {
	start := time.Now()
	text, err := c.call(ctx, prompt, provider)
	if c.observer != nil {
		c.observer.ObserveCall(provider, time.Since(start), err)
	}
	return text, err
}

func (c *Caller) call(ctx context.Context, prompt string, provider Provider) (string, error) {
	endpoint, payload, err := c.buildRequest(prompt, provider)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", xerrors.Wrap(CodeTransport, err, "构建请求失败", providerMeta(provider)...)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("authorization", "Bearer "+provider.APIKey())

	resp, err := c.doer.Do(req)
	if err != nil {
		return "", xerrors.Wrap(CodeTransport, err, fmt.Sprintf("请求 %s 失败", provider.Kind()), providerMeta(provider)...)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", xerrors.Wrap(CodeTransport, err, "读取响应失败", providerMeta(provider)...)
	}
	status := xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode))

	if !gjson.ValidBytes(body) {
		return "", xerrors.New(CodeDecode, fmt.Sprintf("%s 响应不是合法 JSON", provider.Kind()),
			append(providerMeta(provider), status)...)
	}

	text, err := c.extract(body, provider)
	if err != nil {
		return "", xerrors.Annotate(err, status)
	}
	c.logDebug("调用完成",
		slog.Any("provider", provider),
		slog.Int("status", resp.StatusCode),
		slog.Int("prompt_len", len(prompt)),
	)
	return text, nil
}

func (c *Caller) buildRequest(prompt string, provider Provider) (string, []byte, error) {
	switch provider.Kind() {
	case KindOpenAIChat:
		payload, err := openai.BuildPayload(provider.Model(), prompt)
		if err != nil {
			return "", nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求失败", providerMeta(provider)...)
		}
		return c.endpoints[KindOpenAIChat], payload, nil
	case KindAnthropicMessages:
		return "", nil, unsupported(provider)
	default:
		return "", nil, unsupported(provider)
	}
}

func (c *Caller) extract(body []byte, provider Provider) (string, error) {
	var (
		text string
		ok   bool
		path string
	)
	switch provider.Kind() {
	case KindOpenAIChat:
		text, ok = openai.ExtractContent(body)
		path = openai.ContentPath
	case KindAnthropicMessages:
		text, ok = anthropic.ExtractText(body)
		path = anthropic.TextPath
	default:
		return "", unsupported(provider)
	}
	if !ok {
		return "", xerrors.New(CodeExtractionFailed, fmt.Sprintf("无法从 %s 响应中提取 %s", provider.Kind(), path),
			providerMeta(provider)...)
	}
	return text, nil
}

func unsupported(provider Provider) error {
	return xerrors.New(CodeUnsupportedProvider, fmt.Sprintf("provider %s 尚未实现请求构建", provider.Kind()),
		providerMeta(provider)...)
}

func providerMeta(provider Provider) []xerrors.Option {
	return []xerrors.Option{
		xerrors.WithMetadata("provider", provider.Kind().String()),
		xerrors.WithMetadata("model", provider.Model()),
	}
}

func (c *Caller) logDebug(msg string, attrs ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, attrs...)
	}
}
