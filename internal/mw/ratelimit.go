package mw

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// window 记录单个来源 IP 在滑动窗口内的请求时间戳。
type window struct {
	hits []time.Time
	ts   time.Time
}

// RL 是按来源 IP 的滑动窗口限速器：固定每分钟配额，超额返回 429
// 并带 Retry-After 提示。
type RL struct {
	mu    sync.Mutex
	m     map[string]*window
	quota int
	span  time.Duration
	ttl   time.Duration
	stop  chan struct{}
}

func NewRateLimiter(quotaPerMinute int, ttl time.Duration) *RL {
	return &RL{
		m:     make(map[string]*window),
		quota: quotaPerMinute,
		span:  time.Minute,
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
}

// Allow 记录一次请求。返回是否放行，以及拒绝时建议的重试等待。
func (rl *RL) Allow(key string) (bool, time.Duration) {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.m[key]
	if !ok {
		w = &window{}
		rl.m[key] = w
	}
	w.ts = now

	// 丢掉窗口外的旧命中
	cutoff := now.Add(-rl.span)
	kept := w.hits[:0]
	for _, h := range w.hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	w.hits = kept

	if len(w.hits) >= rl.quota {
		retry := w.hits[0].Add(rl.span).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return false, retry
	}
	w.hits = append(w.hits, now)
	return true, 0
}

func (rl *RL) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			now := time.Now()
			rl.mu.Lock()
			for k, v := range rl.m {
				if now.Sub(v.ts) > rl.ttl {
					delete(rl.m, k)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop 停止 GC goroutine，用于优雅停服。
func (rl *RL) Stop() {
	select {
	case <-rl.stop:
	default:
		close(rl.stop)
	}
}

// RateLimit 返回按来源 IP 限速的中间件。
func RateLimit(quotaPerMinute int) gin.HandlerFunc {
	rl := NewRateLimiter(quotaPerMinute, 5*time.Minute)
	go rl.gc()
	return func(c *gin.Context) {
		ip := clientIP(c.Request.RemoteAddr)
		ok, retry := rl.Allow(ip)
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(retry.Round(time.Second).Seconds())))
			c.AbortWithStatusJSON(429, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
