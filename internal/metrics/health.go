package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// FeedSource reports the wall-clock time of the last datagram per enabled
// segment; the zero time means nothing has arrived yet.
type FeedSource func() map[string]time.Time

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	feed       FeedSource
	staleAfter time.Duration

	RedisEnabled   bool `json:"redis_enabled"`
	RedisConnected bool `json:"redis_connected"`
	SQLiteOK       bool `json:"sqlite_ok"`

	// Liveness check results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status. A segment whose last
// packet is older than staleAfter is reported as stale.
func NewHealthStatus(feed FeedSource, staleAfter time.Duration) *HealthStatus {
	return &HealthStatus{
		feed:       feed,
		staleAfter: staleAfter,
		SQLiteOK:   true,
		StartedAt:  time.Now(),
	}
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the contract-master database.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either client may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(checkCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(checkCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

type segmentHealth struct {
	LastPacket string `json:"last_packet"`
	Age        string `json:"age"`
	Stale      bool   `json:"stale"`
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var feed map[string]time.Time
	if h.feed != nil {
		feed = h.feed()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	now := time.Now()
	segments := make(map[string]segmentHealth, len(feed))
	stale := 0
	for name, last := range feed {
		sh := segmentHealth{Stale: last.IsZero() || now.Sub(last) > h.staleAfter}
		if !last.IsZero() {
			sh.LastPacket = last.Format(time.RFC3339Nano)
			sh.Age = now.Sub(last).Round(time.Millisecond).String()
		}
		if sh.Stale {
			stale++
		}
		segments[name] = sh
	}

	overallStatus := "healthy"
	httpCode := http.StatusOK
	redisDown := h.RedisEnabled && !h.RedisConnected
	if stale > 0 || redisDown || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if len(feed) > 0 && stale == len(feed) {
		overallStatus = "unhealthy"
	}

	status := struct {
		Status          string                   `json:"status"`
		Uptime          string                   `json:"uptime"`
		Segments        map[string]segmentHealth `json:"segments"`
		RedisEnabled    bool                     `json:"redis_enabled"`
		RedisConnected  bool                     `json:"redis_connected"`
		RedisLatencyMs  float64                  `json:"redis_latency_ms"`
		SQLiteOK        bool                     `json:"sqlite_ok"`
		SQLiteLatencyMs float64                  `json:"sqlite_latency_ms"`
		LastCheckAt     string                   `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          now.Sub(h.StartedAt).Round(time.Second).String(),
		Segments:        segments,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}
