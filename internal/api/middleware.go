package api

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ipLimiters hands out one token bucket per client IP. The map is flushed
// wholesale on an interval instead of tracking per-entry expiry; a flushed
// client simply gets a fresh bucket.
type ipLimiters struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	perSec  rate.Limit
	burst   int
}

func newIPLimiters(perSec rate.Limit, burst int, flushEvery time.Duration) *ipLimiters {
	l := &ipLimiters{
		buckets: make(map[string]*rate.Limiter),
		perSec:  perSec,
		burst:   burst,
	}
	go func() {
		ticker := time.NewTicker(flushEvery)
		defer ticker.Stop()
		for range ticker.C {
			l.mu.Lock()
			l.buckets = make(map[string]*rate.Limiter)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *ipLimiters) allow(ip string) bool {
	l.mu.Lock()
	bucket, ok := l.buckets[ip]
	if !ok {
		bucket = rate.NewLimiter(l.perSec, l.burst)
		l.buckets[ip] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// RateLimit rejects clients that exceed 20 req/s (burst 50) per IP.
func RateLimit() gin.HandlerFunc {
	limiters := newIPLimiters(20, 50, 5*time.Minute)
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiters.allow(ip) {
			log.Printf("[RATE_LIMIT] IP %s exceeded rate limit", ip)
			respondError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, please slow down")
			c.Abort()
			return
		}
		c.Next()
	}
}

// CORS allows browser clients from any origin; the real access control is
// the JWT.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestID tags each request with an id, propagating the caller's
// X-Request-ID when present.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("RequestID", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

// Timeout bounds a request's handler chain. The budget must exceed the
// longest queue-action timeout or the HTTP layer would cut off requests the
// queue would still have answered.
func Timeout(budget time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), budget)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		done := make(chan struct{})
		panicked := make(chan any, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicked <- p
				}
			}()
			c.Next()
			close(done)
		}()

		select {
		case <-done:
		case p := <-panicked:
			log.Printf("[PANIC] %s %s: %v", c.Request.Method, c.Request.URL.Path, p)
			respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			c.Abort()
		case <-ctx.Done():
			log.Printf("[TIMEOUT] %s %s exceeded %s", c.Request.Method, c.Request.URL.Path, budget)
			respondError(c, http.StatusRequestTimeout, "TIMEOUT", "request took too long to process")
			c.Abort()
		}
	}
}

// RequestLogger writes one line per request: id, verb, path, status,
// latency, client.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		id := c.GetString("RequestID")
		if len(id) >= 8 {
			id = id[:8]
		}
		log.Printf("[API] %s | %s %s | %d | %v | %s",
			id, c.Request.Method, path, c.Writer.Status(), time.Since(start), c.ClientIP())
	}
}
