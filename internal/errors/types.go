package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 同步引擎错误分类
	ErrorTypeTransientFetch ErrorType = iota
	ErrorTypeRecoveryFailure
	ErrorTypeReorgDepthExceeded
	ErrorTypeUpsertConflict
	ErrorTypeCursorCorruption

	// 存储与外部组件
	ErrorTypeStore
	ErrorTypeValidation
	ErrorTypeConfig
	ErrorTypeKafka
	ErrorTypeExternalAPI
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// 错误码
const (
	CodeFetchFailed        = "FETCH_FAILED"
	CodeDecompileFailed    = "DECOMPILE_FAILED"
	CodeReorgTooDeep       = "REORG_DEPTH_EXCEEDED"
	CodeUpsertConflict     = "UPSERT_CONFLICT"
	CodeCursorCorrupted    = "CURSOR_CORRUPTED"
	CodeStoreFailed        = "STORE_FAILED"
	CodeInvalidRecord      = "INVALID_RECORD"
	CodeConfigInvalid      = "CONFIG_INVALID"
	CodeKafkaProduceFailed = "KAFKA_PRODUCE_FAILED"
	CodeSignatureLookup    = "SIGNATURE_LOOKUP_FAILED"
)

// SyncError 同步引擎错误
type SyncError struct {
	Type        ErrorType              `json:"type"`
	Severity    ErrorSeverity          `json:"severity"`
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Timestamp   time.Time              `json:"timestamp"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Cause       error                  `json:"-"`
	Retryable   bool                   `json:"retryable"`
	Component   string                 `json:"component,omitempty"`
	BlockNumber *uint64                `json:"block_number,omitempty"`
}

// Error 实现error接口
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// IsRetryable 判断是否可重试
func (e *SyncError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *SyncError) WithContext(key string, value interface{}) *SyncError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithBlockNumber 添加区块号
func (e *SyncError) WithBlockNumber(blockNumber uint64) *SyncError {
	e.BlockNumber = &blockNumber
	return e
}

// WithComponent 标记出错组件
func (e *SyncError) WithComponent(component string) *SyncError {
	e.Component = component
	return e
}

// NewSyncError 创建新的错误
func NewSyncError(errorType ErrorType, severity ErrorSeverity, code, message string) *SyncError {
	return &SyncError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *SyncError {
	e := NewSyncError(errorType, severity, code, message)
	e.Cause = err
	return e
}

func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTransientFetch, ErrorTypeUpsertConflict, ErrorTypeKafka, ErrorTypeExternalAPI:
		return true
	default:
		return false
	}
}

// NewTransientFetchError 链节点请求失败（网络、超时）
func NewTransientFetchError(height uint64, op string, err error) *SyncError {
	return WrapError(err, ErrorTypeTransientFetch, SeverityMedium, CodeFetchFailed,
		fmt.Sprintf("获取链数据失败 (%s)", op)).WithBlockNumber(height).WithComponent("chain")
}

// NewRecoveryFailure 反编译工具崩溃或超时
func NewRecoveryFailure(skeleton string, err error) *SyncError {
	return WrapError(err, ErrorTypeRecoveryFailure, SeverityLow, CodeDecompileFailed, "ABI恢复失败").
		WithContext("skeleton", skeleton).WithComponent("recovery")
}

// NewReorgDepthExceeded 重组深度超过配置上限
func NewReorgDepthExceeded(divergedAt uint64, maxDepth uint64) *SyncError {
	return NewSyncError(ErrorTypeReorgDepthExceeded, SeverityCritical, CodeReorgTooDeep,
		fmt.Sprintf("重组深度超过上限 %d，需要人工介入", maxDepth)).
		WithBlockNumber(divergedAt).WithComponent("reorg")
}

// NewUpsertConflict 同一自然键在同一高度上的已提交值不一致
func NewUpsertConflict(kind, key string, height uint64, attr string) *SyncError {
	return NewSyncError(ErrorTypeUpsertConflict, SeverityHigh, CodeUpsertConflict,
		fmt.Sprintf("写入冲突 %s/%s 字段 %s", kind, key, attr)).
		WithBlockNumber(height).WithComponent("upsert")
}

// NewCursorCorruption 持久化游标不可读
func NewCursorCorruption(err error) *SyncError {
	return WrapError(err, ErrorTypeCursorCorruption, SeverityCritical, CodeCursorCorrupted,
		"同步游标损坏，需要人工恢复").WithComponent("cursor")
}

// AsSyncError 从错误链中取出SyncError
func AsSyncError(err error) (*SyncError, bool) {
	var se *SyncError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsType 判断错误链中是否包含指定类型
func IsType(err error, errorType ErrorType) bool {
	se, ok := AsSyncError(err)
	return ok && se.Type == errorType
}

// IsFatal 致命错误会停止同步，需要人工处理
func IsFatal(err error) bool {
	se, ok := AsSyncError(err)
	if !ok {
		return false
	}
	return se.Type == ErrorTypeReorgDepthExceeded || se.Type == ErrorTypeCursorCorruption
}

var errorTypeNames = map[ErrorType]string{
	ErrorTypeTransientFetch:     "TransientFetchError",
	ErrorTypeRecoveryFailure:    "RecoveryFailure",
	ErrorTypeReorgDepthExceeded: "ReorgDepthExceeded",
	ErrorTypeUpsertConflict:     "UpsertConflict",
	ErrorTypeCursorCorruption:   "CursorCorruption",
	ErrorTypeStore:              "Store",
	ErrorTypeValidation:         "Validation",
	ErrorTypeConfig:             "Config",
	ErrorTypeKafka:              "Kafka",
	ErrorTypeExternalAPI:        "ExternalAPI",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int            `json:"total_errors"`
	ErrorsByType      map[string]int `json:"errors_by_type"`
	ErrorsBySeverity  map[string]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int `json:"errors_by_component"`
	RecentErrors      []*SyncError   `json:"recent_errors"`
	LastError         *SyncError     `json:"last_error,omitempty"`
	LastErrorTime     time.Time      `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[string]int),
		ErrorsBySeverity:  make(map[string]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*SyncError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *SyncError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type.String()]++
	es.ErrorsBySeverity[err.Severity.String()]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0
	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	return float64(recentCount) / duration.Hours()
}

// Snapshot 复制一份统计用于对外展示
func (es *ErrorStats) Snapshot() ErrorStats {
	cp := ErrorStats{
		TotalErrors:       es.TotalErrors,
		ErrorsByType:      make(map[string]int, len(es.ErrorsByType)),
		ErrorsBySeverity:  make(map[string]int, len(es.ErrorsBySeverity)),
		ErrorsByComponent: make(map[string]int, len(es.ErrorsByComponent)),
		RecentErrors:      append([]*SyncError(nil), es.RecentErrors...),
		LastError:         es.LastError,
		LastErrorTime:     es.LastErrorTime,
	}
	for k, v := range es.ErrorsByType {
		cp.ErrorsByType[k] = v
	}
	for k, v := range es.ErrorsBySeverity {
		cp.ErrorsBySeverity[k] = v
	}
	for k, v := range es.ErrorsByComponent {
		cp.ErrorsByComponent[k] = v
	}
	return cp
}
