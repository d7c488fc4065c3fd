package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chaingraph/internal/config"
	"chaingraph/pkg/models"

	"github.com/sirupsen/logrus"
)

// 默认 topic 键
const (
	TopicReorgNotifications = "reorg_notifications"
	TopicBlockCommits       = "block_commits"
)

var defaultTopics = map[string]string{
	TopicReorgNotifications: "chaingraph_reorg_notifications",
	TopicBlockCommits:       "chaingraph_block_commits",
}

// Output 同步事件输出
type Output interface {
	WriteReorgNotification(reorg *models.ReorgNotification) error
	WriteBlockCommitted(commit *models.BlockCommitted) error
	Close() error
}

// NewOutput 按配置选择输出器
func NewOutput(cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	if cfg == nil {
		return NoopOutput{}, nil
	}
	switch cfg.Format {
	case "kafka", "kafka_async":
		if cfg.Kafka == nil || len(cfg.Kafka.Brokers) == 0 {
			return nil, fmt.Errorf("kafka 输出缺少 brokers 配置")
		}
		topics := topicsWithDefaults(cfg.Kafka.Topics)
		if cfg.Format == "kafka_async" {
			return NewAsyncKafkaOutput(cfg.Kafka.Brokers, topics, logger)
		}
		return NewKafkaOutput(cfg.Kafka.Brokers, topics, logger)
	case "file":
		return NewFileOutput(cfg.Directory)
	case "", "none":
		return NoopOutput{}, nil
	default:
		return nil, fmt.Errorf("不支持的输出格式: %s", cfg.Format)
	}
}

func topicsWithDefaults(topics map[string]string) map[string]string {
	out := make(map[string]string, len(defaultTopics))
	for k, v := range defaultTopics {
		out[k] = v
	}
	for k, v := range topics {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// NoopOutput 丢弃所有事件
type NoopOutput struct{}

func (NoopOutput) WriteReorgNotification(*models.ReorgNotification) error { return nil }
func (NoopOutput) WriteBlockCommitted(*models.BlockCommitted) error       { return nil }
func (NoopOutput) Close() error                                           { return nil }

// FileOutput 每类事件一个 JSON Lines 文件
type FileOutput struct {
	outputDir  string
	mu         sync.Mutex
	reorgFile  *os.File
	commitFile *os.File
}

// NewFileOutput 在目录下创建带时间戳的输出文件
func NewFileOutput(outputDir string) (*FileOutput, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	reorgFile, err := os.Create(filepath.Join(outputDir, fmt.Sprintf("reorgs_%s.jsonl", timestamp)))
	if err != nil {
		return nil, fmt.Errorf("创建重组文件失败: %w", err)
	}
	commitFile, err := os.Create(filepath.Join(outputDir, fmt.Sprintf("commits_%s.jsonl", timestamp)))
	if err != nil {
		reorgFile.Close()
		return nil, fmt.Errorf("创建提交文件失败: %w", err)
	}

	return &FileOutput{outputDir: outputDir, reorgFile: reorgFile, commitFile: commitFile}, nil
}

func (o *FileOutput) writeLine(f *os.File, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("写入文件失败: %w", err)
	}
	return nil
}

// WriteReorgNotification 写入重组通知
func (o *FileOutput) WriteReorgNotification(reorg *models.ReorgNotification) error {
	if reorg == nil {
		return nil
	}
	return o.writeLine(o.reorgFile, reorg)
}

// WriteBlockCommitted 写入区块提交事件
func (o *FileOutput) WriteBlockCommitted(commit *models.BlockCommitted) error {
	if commit == nil {
		return nil
	}
	return o.writeLine(o.commitFile, commit)
}

// Close 关闭文件
func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var firstErr error
	for _, f := range []*os.File{o.reorgFile, o.commitFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
