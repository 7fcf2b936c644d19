package tripo

import "fmt"

// ValidationError 调用方入参错误，不重试，直接返回给调用方
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("参数校验失败: %s %s", e.Field, e.Reason)
}

// ProviderError 供应商传输层或业务层错误。
// HTTP 200 但业务码非 0 同样视为供应商错误
type ProviderError struct {
	HTTPStatus int    // 上游 HTTP 状态码
	Code       int    // 供应商业务码
	TraceID    string // 供应商请求追踪 ID，可能为空
	Message    string
}

func (e *ProviderError) Error() string {
	if e.TraceID != "" {
		return fmt.Sprintf("供应商请求失败: http=%d code=%d trace=%s msg=%s", e.HTTPStatus, e.Code, e.TraceID, e.Message)
	}
	return fmt.Sprintf("供应商请求失败: http=%d code=%d msg=%s", e.HTTPStatus, e.Code, e.Message)
}
