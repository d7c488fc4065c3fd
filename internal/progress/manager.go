package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	syncerrors "chaingraph/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/progress.db"

	// 存储桶名称
	ProgressBucket = "progress"
	ConfigBucket   = "config"
	StatsBucket    = "stats"

	// 进度键
	CursorKey         = "cursor"
	StartTimeKey      = "start_time"
	LastUpdateTimeKey = "last_update_time"
	StatsKey          = "stats"

	// 配置键
	StrategyKey = "skeleton_strategy"
)

// Cursor 最后一个完整提交的区块
type Cursor struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

// ProgressInfo 进度信息
type ProgressInfo struct {
	Cursor         *Cursor   `json:"cursor,omitempty"`
	StartTime      time.Time `json:"start_time"`
	LastUpdateTime time.Time `json:"last_update_time"`
	TotalBlocks    uint64    `json:"total_blocks"`
	TotalRecords   uint64    `json:"total_records"`
	Reorgs         uint64    `json:"reorgs"`
	ProcessingRate float64   `json:"processing_rate"` // 区块/秒
}

// Manager 游标管理器，游标只在区块提交成功后前进，只有重组能回退
type Manager struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	mu     sync.RWMutex

	// 内存缓存
	cache *ProgressInfo
}

// NewManager 创建游标管理器
func NewManager(dbPath string, logger *logrus.Logger) (*Manager, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开进度数据库失败: %w", err)
	}

	manager := &Manager{
		db:     db,
		logger: logger,
		dbPath: dbPath,
		cache:  &ProgressInfo{},
	}

	if err := manager.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	// 游标损坏必须中止启动，交给人工处理
	if err := manager.loadCache(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Infof("游标管理器已初始化，数据库路径: %s", dbPath)
	return manager, nil
}

// initDB 初始化数据库结构
func (m *Manager) initDB() error {
	return m.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{ProgressBucket, ConfigBucket, StatsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

// decodeCursor 解析并校验持久化的游标
func decodeCursor(data []byte) (*Cursor, error) {
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, syncerrors.NewCursorCorruption(err)
	}
	if len(common.FromHex(c.Hash)) != common.HashLength {
		return nil, syncerrors.NewCursorCorruption(fmt.Errorf("游标哈希无效: %q", c.Hash))
	}
	return &c, nil
}

// loadCache 加载缓存
func (m *Manager) loadCache() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ProgressBucket))

		if data := bucket.Get([]byte(CursorKey)); data != nil {
			c, err := decodeCursor(data)
			if err != nil {
				return err
			}
			m.cache.Cursor = c
		}

		if data := bucket.Get([]byte(StartTimeKey)); data != nil {
			var startTime time.Time
			if err := json.Unmarshal(data, &startTime); err == nil {
				m.cache.StartTime = startTime
			}
		}

		if data := bucket.Get([]byte(LastUpdateTimeKey)); data != nil {
			var lastUpdateTime time.Time
			if err := json.Unmarshal(data, &lastUpdateTime); err == nil {
				m.cache.LastUpdateTime = lastUpdateTime
			}
		}

		if data := tx.Bucket([]byte(StatsBucket)).Get([]byte(StatsKey)); data != nil {
			var stats ProgressInfo
			if err := json.Unmarshal(data, &stats); err == nil {
				m.cache.TotalBlocks = stats.TotalBlocks
				m.cache.TotalRecords = stats.TotalRecords
				m.cache.Reorgs = stats.Reorgs
			}
		}
		return nil
	})
}

// Load 返回当前游标；未写入过时 ok 为false
func (m *Manager) Load() (Cursor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cache.Cursor == nil {
		return Cursor{}, false
	}
	return *m.cache.Cursor, true
}

// Advance 区块提交后前移游标，不允许后退
func (m *Manager) Advance(height uint64, hash string, records int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c := m.cache.Cursor; c != nil {
		if height == c.Height && hash == c.Hash {
			return nil
		}
		if height <= c.Height {
			return fmt.Errorf("游标不能后退: 当前 %d，请求 %d", c.Height, height)
		}
	}

	now := time.Now()
	next := &ProgressInfo{
		Cursor:         &Cursor{Height: height, Hash: hash},
		StartTime:      m.cache.StartTime,
		LastUpdateTime: now,
		TotalBlocks:    m.cache.TotalBlocks + 1,
		TotalRecords:   m.cache.TotalRecords + uint64(records),
		Reorgs:         m.cache.Reorgs,
	}
	if next.StartTime.IsZero() {
		next.StartTime = now
	}
	if d := now.Sub(next.StartTime).Seconds(); d > 0 {
		next.ProcessingRate = float64(next.TotalBlocks) / d
	}

	if err := m.persist(next); err != nil {
		return err
	}
	m.cache = next
	return nil
}

// Rewind 重组修复后把游标退回公共祖先
func (m *Manager) Rewind(height uint64, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := *m.cache
	next.Cursor = &Cursor{Height: height, Hash: hash}
	next.LastUpdateTime = time.Now()
	next.Reorgs++

	if err := m.persist(&next); err != nil {
		return err
	}
	m.logger.Warnf("游标回退到区块 %d (%s)", height, hash)
	m.cache = &next
	return nil
}

// persist 在一个写事务内保存游标和统计
func (m *Manager) persist(info *ProgressInfo) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ProgressBucket))

		cursorData, err := json.Marshal(info.Cursor)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(CursorKey), cursorData); err != nil {
			return fmt.Errorf("保存游标失败: %w", err)
		}

		if startTimeData, err := json.Marshal(info.StartTime); err == nil {
			bucket.Put([]byte(StartTimeKey), startTimeData)
		}
		if updateTimeData, err := json.Marshal(info.LastUpdateTime); err == nil {
			bucket.Put([]byte(LastUpdateTimeKey), updateTimeData)
		}

		statsData, err := json.Marshal(ProgressInfo{TotalBlocks: info.TotalBlocks, TotalRecords: info.TotalRecords, Reorgs: info.Reorgs})
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(StatsBucket)).Put([]byte(StatsKey), statsData)
	})
}

// CheckStrategy 记录骨架归一化策略，已有数据时不允许切换
func (m *Manager) CheckStrategy(name string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ConfigBucket))
		stored := bucket.Get([]byte(StrategyKey))
		if stored == nil {
			return bucket.Put([]byte(StrategyKey), []byte(name))
		}
		if string(stored) != name {
			return fmt.Errorf("骨架策略已变更 (%s -> %s)，需要重新建立索引", stored, name)
		}
		return nil
	})
}

// GetProgress 获取进度信息
func (m *Manager) GetProgress() *ProgressInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// 返回副本
	info := *m.cache
	if m.cache.Cursor != nil {
		c := *m.cache.Cursor
		info.Cursor = &c
	}
	return &info
}

// Reset 清空游标和统计
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache = &ProgressInfo{}

	return m.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{ProgressBucket, StatsBucket} {
			if err := tx.DeleteBucket([]byte(name)); err != nil {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetDBPath 获取数据库路径
func (m *Manager) GetDBPath() string {
	return m.dbPath
}

// GetStats 获取统计信息
func (m *Manager) GetStats() map[string]interface{} {
	info := m.GetProgress()

	stats := map[string]interface{}{
		"total_blocks":     info.TotalBlocks,
		"total_records":    info.TotalRecords,
		"reorgs":           info.Reorgs,
		"processing_rate":  fmt.Sprintf("%.2f blocks/sec", info.ProcessingRate),
		"start_time":       info.StartTime.Format(time.RFC3339),
		"last_update_time": info.LastUpdateTime.Format(time.RFC3339),
	}
	if info.Cursor != nil {
		stats["cursor_height"] = info.Cursor.Height
		stats["cursor_hash"] = info.Cursor.Hash
	}

	if !info.StartTime.IsZero() {
		stats["running_duration"] = time.Since(info.StartTime).String()
	}

	return stats
}

// Close 关闭游标管理器
func (m *Manager) Close() error {
	if m.db != nil {
		m.logger.Info("关闭游标管理器")
		return m.db.Close()
	}
	return nil
}
