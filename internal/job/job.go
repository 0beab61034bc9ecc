package job

import (
	stdErrors "errors"
	"net/http"

	xerrors "llmblast/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Job 描述一次排队执行的批量调用。
type Job struct {
	ID        string            `json:"id"`
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	Prompts   []string          `json:"prompts"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Status    Status            `json:"status"`
	Attempts  int               `json:"attempts"`
	Responses []string          `json:"responses,omitempty"`
	LastError string            `json:"last_error,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
	CreatedAt int64             `json:"created_at"`
	UpdatedAt int64             `json:"updated_at"`
}

// Request 是提交任务时的输入。
type Request struct {
	ID       string            `json:"id,omitempty"`
	Provider string            `json:"provider"`
	Model    string            `json:"model"`
	Prompts  []string          `json:"prompts"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

const (
	CodeJobNotFound    xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict    xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted   xerrors.Code = "JOB_COMPLETED"
	CodeJobValidation  xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobPublish     xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing  xerrors.Code = "JOB_PROCESSING_FAILED"
	CodeJobInterrupted xerrors.Code = "JOB_INTERRUPTED"
)

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobCompleted 表示任务已经处于终态。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:    "job not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:    "job conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:    "job already completed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:    "job validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:    "failed to publish job",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:    "job execution failed",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
	xerrors.Register(CodeJobInterrupted, xerrors.Attributes{
		Message:    "job interrupted by restart",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
}

// IsJobError 判断错误是否为指定的任务错误。
func IsJobError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeJobNotFound:
		return stdErrors.Is(err, ErrJobNotFound)
	case CodeJobConflict:
		return stdErrors.Is(err, ErrJobConflict)
	case CodeJobCompleted:
		return stdErrors.Is(err, ErrJobCompleted)
	default:
		return xerrors.CodeOf(err) == target
	}
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]string, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	return append(make([]string, 0, len(values)), values...)
}

func cloneJob(job *Job) *Job {
	clone := *job
	clone.Prompts = cloneStrings(job.Prompts)
	clone.Responses = cloneStrings(job.Responses)
	clone.Metadata = cloneMetadata(job.Metadata)
	return &clone
}
