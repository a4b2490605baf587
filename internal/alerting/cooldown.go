package alerting

import (
	"sync"
	"time"
)

// Gate 按去重键限制同类告警的最小间隔。
type Gate struct {
	cooldown time.Duration
	mu       sync.Mutex
	last     map[string]time.Time
}

// NewGate 构造冷却闸门。
func NewGate(cooldown time.Duration) *Gate {
	return &Gate{
		cooldown: cooldown,
		last:     make(map[string]time.Time),
	}
}

// Allow 判断该去重键当前是否可发, 可发时立即记账。
// 过期条目顺带清除, 以免长期运行时表无界增长。
func (g *Gate) Allow(dedupKey string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.last[dedupKey]; ok && now.Sub(last) < g.cooldown {
		return false
	}
	for key, last := range g.last {
		if now.Sub(last) >= g.cooldown {
			delete(g.last, key)
		}
	}
	g.last[dedupKey] = now
	return true
}

// Reset 清除某个去重键的冷却记录。
func (g *Gate) Reset(dedupKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.last, dedupKey)
}
