package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewSyncError(t *testing.T) {
	err := NewSyncError(ErrorTypeTransientFetch, SeverityHigh, "TEST_ERROR", "测试错误")

	assert.NotNil(t, err)
	assert.Equal(t, ErrorTypeTransientFetch, err.Type)
	assert.Equal(t, SeverityHigh, err.Severity)
	assert.Equal(t, "TEST_ERROR", err.Code)
	assert.True(t, err.Retryable) // 拉取错误默认可重试
	assert.False(t, err.Timestamp.IsZero())
}

func TestSyncError_Error(t *testing.T) {
	err := NewSyncError(ErrorTypeValidation, SeverityLow, "TEST_CODE", "测试消息")
	assert.Equal(t, "[TEST_CODE] 测试消息", err.Error())

	wrapped := WrapError(errors.New("原始错误"), ErrorTypeValidation, SeverityLow, "TEST_CODE", "测试消息")
	assert.Equal(t, "[TEST_CODE] 测试消息: 原始错误", wrapped.Error())
}

func TestTaxonomyConstructors(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")

	tests := []struct {
		name      string
		err       *SyncError
		errType   ErrorType
		retryable bool
		fatal     bool
	}{
		{"transient fetch", NewTransientFetchError(10, "BlockByNumber", cause), ErrorTypeTransientFetch, true, false},
		{"recovery failure", NewRecoveryFailure("0xabc", cause), ErrorTypeRecoveryFailure, false, false},
		{"reorg too deep", NewReorgDepthExceeded(120, 64), ErrorTypeReorgDepthExceeded, false, true},
		{"upsert conflict", NewUpsertConflict("block", "7", 7, "hash"), ErrorTypeUpsertConflict, true, false},
		{"cursor corruption", NewCursorCorruption(cause), ErrorTypeCursorCorruption, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.errType, tt.err.Type)
			assert.Equal(t, tt.retryable, tt.err.IsRetryable())
			assert.Equal(t, tt.fatal, IsFatal(tt.err))

			// 被fmt.Errorf包装后仍可识别
			wrapped := fmt.Errorf("处理区块: %w", tt.err)
			assert.True(t, IsType(wrapped, tt.errType))
			assert.Equal(t, tt.fatal, IsFatal(wrapped))
		})
	}
}

func TestSyncError_Unwrap(t *testing.T) {
	cause := errors.New("原始错误")
	err := NewCursorCorruption(cause)
	assert.True(t, errors.Is(err, cause))
	assert.Nil(t, NewSyncError(ErrorTypeConfig, SeverityLow, "X", "x").Unwrap())
}

func TestSyncError_WithContext(t *testing.T) {
	err := NewSyncError(ErrorTypeStore, SeverityMedium, CodeStoreFailed, "存储错误")
	err.WithContext("kind", "block").WithBlockNumber(42)

	assert.Equal(t, "block", err.Context["kind"])
	assert.Equal(t, uint64(42), *err.BlockNumber)
}

func TestErrorTypeString(t *testing.T) {
	assert.Equal(t, "ReorgDepthExceeded", ErrorTypeReorgDepthExceeded.String())
	assert.Equal(t, "Critical", SeverityCritical.String())
	assert.Equal(t, "Unknown(99)", ErrorType(99).String())
}

func TestErrorStats(t *testing.T) {
	stats := NewErrorStats()
	stats.RecordError(NewTransientFetchError(1, "BlockByNumber", io.EOF))
	stats.RecordError(NewUpsertConflict("tx", "0x1", 1, "block"))

	assert.Equal(t, 2, stats.TotalErrors)
	assert.Equal(t, 1, stats.ErrorsByType["TransientFetchError"])
	assert.Equal(t, 1, stats.ErrorsByComponent["upsert"])
	assert.Greater(t, stats.GetErrorRate(time.Hour), 0.0)
	assert.Equal(t, 0.0, stats.GetErrorRate(0))
}

func TestErrorHandler_HandleError(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	eh := NewErrorHandler(logger)

	var seen []*SyncError
	eh.AddCallback(func(err *SyncError) { seen = append(seen, err) })

	se := eh.HandleError(context.Background(), errors.New("plain"))
	assert.Equal(t, ErrorTypeStore, se.Type)

	se = eh.HandleError(context.Background(), fmt.Errorf("wrap: %w", NewReorgDepthExceeded(5, 3)))
	assert.Equal(t, ErrorTypeReorgDepthExceeded, se.Type)

	assert.Len(t, seen, 2)
	stats := eh.GetStats()
	assert.Equal(t, 2, stats.TotalErrors)
	assert.Nil(t, eh.HandleError(context.Background(), nil))

	eh.ClearStats()
	assert.Equal(t, 0, eh.GetStats().TotalErrors)
}
