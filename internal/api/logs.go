package api

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Block     *uint64                `json:"block,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogManager 最近 maxLogs 条日志，最新的在前
type LogManager struct {
	mu      sync.RWMutex
	logs    []LogEntry
	maxLogs int
}

// NewLogManager 创建日志管理器
func NewLogManager(maxLogs int) *LogManager {
	return &LogManager{logs: make([]LogEntry, 0, maxLogs), maxLogs: maxLogs}
}

// AddLog entry.Data 会被 logrus 复用，这里拷贝一份
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	le := LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	if len(entry.Data) > 0 {
		le.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			le.Fields[k] = v
		}
		if b, ok := entry.Data["block"].(uint64); ok {
			le.Block = &b
		}
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.logs = append(lm.logs, le)
	if len(lm.logs) > lm.maxLogs {
		lm.logs = lm.logs[len(lm.logs)-lm.maxLogs:]
	}
}

// GetLogsWithPagination 按级别过滤后分页，返回当页和总数
func (lm *LogManager) GetLogsWithPagination(level string, page, pageSize int) ([]LogEntry, int) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	matched := make([]LogEntry, 0, len(lm.logs))
	for i := len(lm.logs) - 1; i >= 0; i-- {
		if level == "" || lm.logs[i].Level == level {
			matched = append(matched, lm.logs[i])
		}
	}

	total := len(matched)
	start := (page - 1) * pageSize
	if start >= total {
		return []LogEntry{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.logs = make([]LogEntry, 0, lm.maxLogs)
}

// LogHook 把日志写入 LogManager
type LogHook struct {
	manager *LogManager
	levels  []logrus.Level
}

// NewLogHook 只收集 info 及以上级别
func NewLogHook(manager *LogManager) *LogHook {
	return &LogHook{manager: manager, levels: []logrus.Level{
		logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel,
	}}
}

// Fire 实现 logrus.Hook
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 实现 logrus.Hook
func (h *LogHook) Levels() []logrus.Level {
	return h.levels
}
