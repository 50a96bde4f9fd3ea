package middleware

import (
	"math"
	"strconv"
	"sync"
	"time"

	"streamsight/pkg/config"
	"streamsight/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	visitorIdle  = 3 * time.Minute
	sweepEvery   = 1024
	maxRetryWait = 60
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitors holds one token bucket per client IP. Idle buckets are dropped
// during a periodic sweep so the map stays bounded by recent clients.
type visitors struct {
	mu      sync.Mutex
	byIP    map[string]*visitor
	limit   rate.Limit
	burst   int
	admits  int
	nowFunc func() time.Time
}

func newVisitors(limit rate.Limit, burst int) *visitors {
	return &visitors{
		byIP:    make(map[string]*visitor),
		limit:   limit,
		burst:   burst,
		nowFunc: time.Now,
	}
}

// reserve takes a token for ip. A zero wait means the request may proceed.
func (v *visitors) reserve(ip string) time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.nowFunc()
	v.admits++
	if v.admits%sweepEvery == 0 {
		for k, vis := range v.byIP {
			if now.Sub(vis.lastSeen) > visitorIdle {
				delete(v.byIP, k)
			}
		}
	}

	vis, ok := v.byIP[ip]
	if !ok {
		vis = &visitor{limiter: rate.NewLimiter(v.limit, v.burst)}
		v.byIP[ip] = vis
	}
	vis.lastSeen = now

	r := vis.limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Duration(maxRetryWait) * time.Second
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d
	}
	return 0
}

func (v *visitors) len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.byIP)
}

// retryAfter rounds wait up to whole seconds for the Retry-After header.
func retryAfter(wait time.Duration) string {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	if secs > maxRetryWait {
		secs = maxRetryWait
	}
	return strconv.Itoa(secs)
}

// NewHTTPRateLimitMiddleware applies a per-client token bucket and an
// optional cap on requests in flight. Analysis uploads are CPU heavy, so the
// cap protects the worker pool from being oversubscribed by many clients.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	limits := cfg.RateLimiting.HTTP
	clients := newVisitors(rate.Limit(limits.RequestsPerSecond), limits.Burst)

	var inFlight chan struct{}
	if limits.MaxConcurrent > 0 {
		inFlight = make(chan struct{}, limits.MaxConcurrent)
	}

	return func(c *gin.Context) {
		requestID := c.GetString(requestIDKey)

		if wait := clients.reserve(c.ClientIP()); wait > 0 {
			appErr := errors.NewRateLimitError()
			c.Header("Retry-After", retryAfter(wait))
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.Response(requestID))
			return
		}

		if inFlight != nil {
			select {
			case inFlight <- struct{}{}:
				defer func() { <-inFlight }()
			default:
				appErr := errors.NewServiceUnavailableError("too many concurrent requests")
				c.Header("Retry-After", "1")
				c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.Response(requestID))
				return
			}
		}
		c.Next()
	}
}
