package errors

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误处理器，负责统计、阈值告警和按类型分发策略
type ErrorHandler struct {
	logger *logrus.Logger
	stats  *ErrorStats
	mu     sync.RWMutex

	strategies map[ErrorType]ErrorStrategy
	callbacks  []ErrorCallback
	thresholds map[ErrorSeverity]ThresholdConfig
}

// ErrorStrategy 错误处理策略
type ErrorStrategy interface {
	Handle(ctx context.Context, err *SyncError) error
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *SyncError)

// ThresholdConfig 阈值配置
type ThresholdConfig struct {
	MaxErrorsPerHour int `json:"max_errors_per_hour"`
}

// LoggingStrategy 日志记录策略
type LoggingStrategy struct {
	logger *logrus.Logger
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	eh := &ErrorHandler{
		logger:     logger,
		stats:      NewErrorStats(),
		strategies: make(map[ErrorType]ErrorStrategy),
		callbacks:  make([]ErrorCallback, 0),
		thresholds: map[ErrorSeverity]ThresholdConfig{
			SeverityLow:      {MaxErrorsPerHour: 1000},
			SeverityMedium:   {MaxErrorsPerHour: 200},
			SeverityHigh:     {MaxErrorsPerHour: 20},
			SeverityCritical: {MaxErrorsPerHour: 1},
		},
	}

	loggingStrategy := &LoggingStrategy{logger: logger}
	for errorType := range errorTypeNames {
		eh.strategies[errorType] = loggingStrategy
	}
	return eh
}

// HandleError 记录并分发错误，返回归一化后的SyncError
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) *SyncError {
	if err == nil {
		return nil
	}
	se, ok := AsSyncError(err)
	if !ok {
		se = WrapError(err, ErrorTypeStore, SeverityMedium, CodeStoreFailed, "未分类错误")
	}

	eh.mu.Lock()
	eh.stats.RecordError(se)
	rate := eh.stats.GetErrorRate(time.Hour)
	threshold, hasThreshold := eh.thresholds[se.Severity]
	strategy := eh.strategies[se.Type]
	callbacks := append([]ErrorCallback(nil), eh.callbacks...)
	eh.mu.Unlock()

	if hasThreshold && rate > float64(threshold.MaxErrorsPerHour) {
		eh.logger.Warnf("每小时错误数超过阈值: %.2f > %d", rate, threshold.MaxErrorsPerHour)
	}

	for _, cb := range callbacks {
		eh.runCallback(cb, se)
	}

	if strategy != nil {
		_ = strategy.Handle(ctx, se)
	}
	return se
}

func (eh *ErrorHandler) runCallback(cb ErrorCallback, err *SyncError) {
	defer func() {
		if r := recover(); r != nil {
			eh.logger.Errorf("错误回调执行时发生panic: %v", r)
		}
	}()
	cb(err)
}

// Handle 按严重级别选择日志级别
func (ls *LoggingStrategy) Handle(ctx context.Context, err *SyncError) error {
	entry := ls.logger.WithFields(logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"retryable":  err.Retryable,
	})
	if err.BlockNumber != nil {
		entry = entry.WithField("block", *err.BlockNumber)
	}
	if err.Cause != nil {
		entry = entry.WithError(err.Cause)
	}

	switch err.Severity {
	case SeverityLow:
		entry.Debug(err.Message)
	case SeverityMedium:
		entry.Warn(err.Message)
	default:
		entry.Error(err.Message)
	}
	return err
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// SetStrategy 设置错误处理策略
func (eh *ErrorHandler) SetStrategy(errorType ErrorType, strategy ErrorStrategy) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.strategies[errorType] = strategy
}

// SetThreshold 设置阈值
func (eh *ErrorHandler) SetThreshold(severity ErrorSeverity, config ThresholdConfig) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.thresholds[severity] = config
}

// GetStats 获取错误统计快照
func (eh *ErrorHandler) GetStats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	return eh.stats.Snapshot()
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}
