package coordinator

import (
	"fmt"
	"sync"

	"chaingraph/internal/metrics"
)

type committed struct {
	height  uint64
	hash    string
	records int
}

// watermark 乱序完成的区块按高度连续推进游标。
// 锁内只整理连续高度，游标写入在锁外由唯一的 flusher 完成
type watermark struct {
	mu       sync.Mutex
	cursor   Cursor
	next     uint64
	pending  map[uint64]committed
	queue    []committed
	flushing bool
	gen      uint64
}

func newWatermark(cursor Cursor, next uint64) *watermark {
	return &watermark{cursor: cursor, next: next, pending: make(map[uint64]committed)}
}

// Next 游标之后第一个未确认的高度
func (w *watermark) Next() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next
}

// Pending 已提交但还未写入游标的区块数
func (w *watermark) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending) + len(w.queue)
}

// reset 丢弃未确认的提交，从 next 重新开始
func (w *watermark) reset(next uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next = next
	w.pending = make(map[uint64]committed)
	w.queue = nil
	w.flushing = false
	w.gen++
}

// complete 记录一个已提交的区块；没有其他 flusher 时由调用方负责写入游标
func (w *watermark) complete(height uint64, hash string, records int) error {
	w.mu.Lock()
	if height < w.next {
		w.mu.Unlock()
		return nil
	}
	w.pending[height] = committed{height: height, hash: hash, records: records}
	for {
		c, ok := w.pending[w.next]
		if !ok {
			break
		}
		w.queue = append(w.queue, c)
		delete(w.pending, w.next)
		w.next++
	}
	if w.flushing || len(w.queue) == 0 {
		w.mu.Unlock()
		return nil
	}
	w.flushing = true
	gen := w.gen
	w.mu.Unlock()
	return w.flush(gen)
}

// flush 按顺序写入队列直到为空；reset 之后旧的 flusher 直接退出
func (w *watermark) flush(gen uint64) error {
	for {
		w.mu.Lock()
		if w.gen != gen {
			w.mu.Unlock()
			return nil
		}
		if len(w.queue) == 0 {
			w.flushing = false
			w.mu.Unlock()
			return nil
		}
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()

		for i, c := range batch {
			if err := w.cursor.Advance(c.height, c.hash, c.records); err != nil {
				w.mu.Lock()
				if w.gen == gen {
					// 未写入的部分放回队首，下一次 complete 重试
					w.queue = append(append([]committed(nil), batch[i:]...), w.queue...)
					w.flushing = false
				}
				w.mu.Unlock()
				return fmt.Errorf("推进游标到 %d 失败: %w", c.height, err)
			}
			metrics.Sync().CursorHeight.Set(float64(c.height))
		}
	}
}
