package models

import (
	"fmt"
	"time"
)

// ReorgNotification 链重组通知
type ReorgNotification struct {
	Type                string    `json:"type"`                  // 固定为 "reorg"
	DetectedBlockNumber uint64    `json:"detected_block_number"` // 检测到分叉的高度
	CommonAncestor      uint64    `json:"common_ancestor"`       // 公共祖先高度
	AncestorHash        string    `json:"ancestor_hash"`
	OldBlockHash        string    `json:"old_block_hash"` // 本地记录的哈希
	NewBlockHash        string    `json:"new_block_hash"` // 上游规范链哈希
	DetectionTime       time.Time `json:"detection_time"`
	AffectedBlocks      uint64    `json:"affected_blocks"`
	SupersededNodes     int       `json:"superseded_nodes"`
	Message             string    `json:"message"`
	Severity            string    `json:"severity"` // "minor", "major", "critical"
}

// NewReorgNotification 构造重组通知并计算严重程度
func NewReorgNotification(detected, ancestor uint64, ancestorHash, oldHash, newHash string, superseded int) *ReorgNotification {
	r := &ReorgNotification{
		Type:                "reorg",
		DetectedBlockNumber: detected,
		CommonAncestor:      ancestor,
		AncestorHash:        ancestorHash,
		OldBlockHash:        oldHash,
		NewBlockHash:        newHash,
		DetectionTime:       time.Now().UTC(),
		AffectedBlocks:      detected - ancestor,
		SupersededNodes:     superseded,
	}
	r.DetermineSeverity()
	r.Message = fmt.Sprintf("区块 %d 分叉，回滚到公共祖先 %d，作废 %d 个节点", detected, ancestor, superseded)
	return r
}

// ToKafkaMessage 转换为Kafka消息格式
func (r *ReorgNotification) ToKafkaMessage() map[string]interface{} {
	return map[string]interface{}{
		"type":                  r.Type,
		"detected_block_number": r.DetectedBlockNumber,
		"common_ancestor":       r.CommonAncestor,
		"ancestor_hash":         r.AncestorHash,
		"old_block_hash":        r.OldBlockHash,
		"new_block_hash":        r.NewBlockHash,
		"detection_time":        r.DetectionTime.Unix(),
		"affected_blocks":       r.AffectedBlocks,
		"superseded_nodes":      r.SupersededNodes,
		"message":               r.Message,
		"severity":              r.Severity,
	}
}

// DetermineSeverity 根据影响范围确定严重程度
func (r *ReorgNotification) DetermineSeverity() {
	switch {
	case r.AffectedBlocks <= 1:
		r.Severity = "minor"
	case r.AffectedBlocks <= 5:
		r.Severity = "major"
	default:
		r.Severity = "critical"
	}
}

// BlockCommitted 区块提交事件
type BlockCommitted struct {
	Type        string    `json:"type"` // 固定为 "block_committed"
	Number      uint64    `json:"block_number"`
	Hash        string    `json:"hash"`
	Records     int       `json:"records"`
	Created     int       `json:"created"`
	Skeletons   int       `json:"new_skeletons"`
	CommittedAt time.Time `json:"committed_at"`
}

// ToKafkaMessage 转换为Kafka消息格式
func (b *BlockCommitted) ToKafkaMessage() map[string]interface{} {
	return map[string]interface{}{
		"type":          "block_committed",
		"block_number":  b.Number,
		"hash":          b.Hash,
		"records":       b.Records,
		"created":       b.Created,
		"new_skeletons": b.Skeletons,
		"committed_at":  b.CommittedAt.Unix(),
	}
}
