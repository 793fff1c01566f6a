// =============================================================================
// 文件: internal/transport/tombstone.go
// 描述: 最近拆除的会话地址 (双时间片布隆过滤器)
//       被拆除的对端在 TTL 内只能用 Sn=0 的 PUSH 重新建立会话，
//       避免旧会话迟到的重传段建出无效会话
// =============================================================================
package transport

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	tombstoneExpectedItems = 10000
	tombstoneFalsePositive = 0.0001
)

// tombstoneFilter 两个时间片轮换，条目保留 TTL/2 到 TTL
type tombstoneFilter struct {
	current   *bloom.BloomFilter
	previous  *bloom.BloomFilter
	slice     uint32 // 单个时间片长度 (ms)
	rotatedAt uint32
	count     uint64

	mu sync.Mutex
}

// newTombstoneFilter ttl <= 0 时返回 nil，nil 过滤器不记录任何地址
func newTombstoneFilter(ttl time.Duration, now uint32) *tombstoneFilter {
	if ttl <= 0 {
		return nil
	}
	slice := durationMs(ttl) / 2
	if slice == 0 {
		slice = 1
	}
	return &tombstoneFilter{
		current:   bloom.NewWithEstimates(tombstoneExpectedItems, tombstoneFalsePositive),
		previous:  bloom.NewWithEstimates(tombstoneExpectedItems, tombstoneFalsePositive),
		slice:     slice,
		rotatedAt: now,
	}
}

// add 记录被拆除的会话
func (f *tombstoneFilter) add(id SessionID, now uint32) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotateLocked(now)
	f.current.AddString(string(id))
	f.count++
}

// contains 是否最近被拆除 (可能误报，不会漏报)
func (f *tombstoneFilter) contains(id SessionID, now uint32) bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotateLocked(now)
	key := string(id)
	return f.current.TestString(key) || f.previous.TestString(key)
}

// rotate 由定时器驱动，空闲时也能让旧条目过期
func (f *tombstoneFilter) rotate(now uint32) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotateLocked(now)
}

func (f *tombstoneFilter) rotateLocked(now uint32) {
	elapsed := timeDiff(now, f.rotatedAt)
	if elapsed < int32(f.slice) {
		return
	}
	if elapsed >= int32(2*f.slice) {
		// 两个时间片都已过期
		f.previous.ClearAll()
	} else {
		f.previous, f.current = f.current, f.previous
	}
	f.current.ClearAll()
	f.rotatedAt = now
}
