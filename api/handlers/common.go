package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/BaSui01/graphflow/workflow"
	"go.uber.org/zap"
)

// maxBodyBytes 请求体大小上限
const maxBodyBytes = 1 << 20

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"` // 不序列化到 JSON
}

// API 层错误码，运行失败时使用 workflow.ErrorKind
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeUnauthorized   = "unauthorized"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal_error"
)

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	// 响应头已写出，编码失败无法再补救
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入成功响应
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError 写入错误响应
func WriteError(w http.ResponseWriter, info *ErrorInfo, logger *zap.Logger) {
	status := info.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}

	if logger != nil {
		fields := []zap.Field{
			zap.String("code", info.Code),
			zap.String("message", info.Message),
			zap.Int("status", status),
		}
		if status >= http.StatusInternalServerError {
			logger.Error("API error", fields...)
		} else {
			logger.Debug("API error", fields...)
		}
	}

	WriteJSON(w, status, Response{
		Success:   false,
		Error:     info,
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, status int, code, message string, logger *zap.Logger) {
	WriteError(w, &ErrorInfo{Code: code, Message: message, HTTPStatus: status}, logger)
}

// =============================================================================
// 🔄 ErrorKind 到 HTTP 状态码映射
// =============================================================================

// StatusForKind 返回运行错误类别对应的 HTTP 状态码
func StatusForKind(kind workflow.ErrorKind) int {
	switch kind {
	// 4xx 调用方错误
	case workflow.KindInvalidInput:
		return http.StatusBadRequest
	case workflow.KindSchema, workflow.KindRecursionLimit, workflow.KindSwarmBudget:
		return http.StatusUnprocessableEntity
	case workflow.KindNoPendingInterrupt, workflow.KindThreadSuspended:
		return http.StatusConflict

	// 5xx 服务端错误
	case workflow.KindCanceled, workflow.KindCheckpoint:
		return http.StatusServiceUnavailable
	case workflow.KindPartialFailure, workflow.KindStepExecution:
		return http.StatusInternalServerError

	default:
		return http.StatusInternalServerError
	}
}

// retryableKind 报告同样的请求稍后重试是否可能成功
func retryableKind(kind workflow.ErrorKind) bool {
	return kind == workflow.KindCanceled || kind == workflow.KindCheckpoint
}

// WriteRunResult 写入 Start/Resume 的结果。完成与中断返回 200，
// 失败按 ErrorKind 映射状态码并在 data 中保留完整结果。
func WriteRunResult(w http.ResponseWriter, res workflow.RunResult, logger *zap.Logger) {
	if res.Status != workflow.RunFailed {
		WriteSuccess(w, res)
		return
	}

	kind := workflow.ErrorKind("")
	msg := "run failed"
	if res.Err != nil {
		kind = res.Err.Kind
		msg = res.Err.Error()
	}
	status := StatusForKind(kind)
	if logger != nil && status >= http.StatusInternalServerError {
		logger.Warn("run failed",
			zap.String("thread_id", res.ThreadID),
			zap.String("run_id", res.RunID),
			zap.String("kind", string(kind)),
			zap.String("error", msg),
		)
	}

	WriteJSON(w, status, Response{
		Success: false,
		Data:    res,
		Error: &ErrorInfo{
			Code:      string(kind),
			Message:   msg,
			Retryable: retryableKind(kind),
		},
		Timestamp: time.Now(),
	})
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// DecodeJSONBody 解码 JSON 请求体。空请求体视为零值请求。
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil {
		return nil
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields() // 严格模式：拒绝未知字段

	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		WriteErrorMessage(w, status, CodeInvalidRequest, "invalid JSON body: "+err.Error(), logger)
		return err
	}

	return nil
}

// ValidateContentType 验证 Content-Type，无请求体时不检查
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	if r.ContentLength == 0 {
		return true
	}
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" && contentType != "application/json; charset=utf-8" {
		WriteErrorMessage(w, http.StatusUnsupportedMediaType, CodeInvalidRequest, "Content-Type must be application/json", logger)
		return false
	}
	return true
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap 供 http.ResponseController 与 websocket 升级访问底层连接
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
