package llm

import (
	"net/http"

	xerrors "llmblast/internal/errors"
)

const (
	CodeTransport           xerrors.Code = "TRANSPORT_ERROR"
	CodeDecode              xerrors.Code = "DECODE_ERROR"
	CodeExtractionFailed    xerrors.Code = "EXTRACTION_FAILED"
	CodeUnsupportedProvider xerrors.Code = "UNSUPPORTED_PROVIDER"
	CodeConcurrencyFault    xerrors.Code = "CONCURRENCY_FAULT"
)

var (
	// ErrTransport 表示网络、连接或 TLS 层面的失败。
	ErrTransport = xerrors.New(CodeTransport, "transport failure")
	// ErrDecode 表示响应体不是合法 JSON。
	ErrDecode = xerrors.New(CodeDecode, "response body is not valid json")
	// ErrExtractionFailed 表示 JSON 中缺少约定路径或类型不符。
	ErrExtractionFailed = xerrors.New(CodeExtractionFailed, "expected field path missing from response")
	// ErrUnsupportedProvider 表示该 provider 的请求构建逻辑不存在。
	ErrUnsupportedProvider = xerrors.New(CodeUnsupportedProvider, "provider request building is not implemented")
	// ErrConcurrencyFault 表示调度本身出错，而非调用逻辑出错。
	ErrConcurrencyFault = xerrors.New(CodeConcurrencyFault, "concurrent worker aborted")
)

func init() {
	// 系统中不存在自动重试，所有调用错误均登记为不可重试。
	xerrors.Register(CodeTransport, xerrors.Attributes{
		Message:    "transport failure",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeDecode, xerrors.Attributes{
		Message:    "response body is not valid json",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeExtractionFailed, xerrors.Attributes{
		Message:    "expected field path missing from response",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeUnsupportedProvider, xerrors.Attributes{
		Message:    "provider request building is not implemented",
		Severity:   xerrors.SeverityCritical,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeConcurrencyFault, xerrors.Attributes{
		Message:    "concurrent worker aborted",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
}
