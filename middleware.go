// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stebbidabba/balans-sub000/pkg/auth"
	"github.com/stebbidabba/balans-sub000/pkg/config"
	"github.com/stebbidabba/balans-sub000/pkg/repository"
)

const (
	cookieSessionID   = "balans_session-id"
	cookieAccessToken = "sb-access-token"
	cookieMaxAge      = 60 * 60 * 24 * 30

	headerLabKey = "X-Lab-Key"
)

var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local rate = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local info = redis.call("HMGET", key, "tokens", "last_refill")
	local tokens = tonumber(info[1])
	local last_refill = tonumber(info[2])

	if tokens == nil then
		tokens = capacity
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local filled_tokens = math.min(capacity, tokens + (delta / 1000 * rate))

	local allowed = 0
	if filled_tokens >= requested then
		filled_tokens = filled_tokens - requested
		allowed = 1
		redis.call("HMSET", key, "tokens", filled_tokens, "last_refill", now)
		redis.call("EXPIRE", key, math.ceil(capacity / rate) * 2)
	end

	return allowed
`)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balans_http_requests_total",
		Help: "HTTP requests served, by route template and status code.",
	}, []string{"method", "route", "code"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "balans_http_request_duration_seconds",
		Help:    "HTTP request latency by route template.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

type ctxKeyLog struct{}
type ctxKeyRequestID struct{}
type ctxKeySessionID struct{}

type logHandler struct {
	log  *logrus.Logger
	next http.Handler
}

type responseRecorder struct {
	b      int
	status int
	w      http.ResponseWriter
}

func (r *responseRecorder) Header() http.Header { return r.w.Header() }

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.w.Write(p)
	r.b += n
	return n, err
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.w.WriteHeader(statusCode)
}

func (lh *logHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID, _ := uuid.NewRandom()
	ctx = context.WithValue(ctx, ctxKeyRequestID{}, requestID.String())

	start := time.Now()
	rr := &responseRecorder{w: w}
	log := lh.log.WithFields(logrus.Fields{
		"http.req.path":   r.URL.Path,
		"http.req.method": r.Method,
		"http.req.id":     requestID.String(),
	})
	if v, ok := r.Context().Value(ctxKeySessionID{}).(string); ok {
		log = log.WithField("session", v)
	}
	log.Debug("request started")
	defer func() {
		log.WithFields(logrus.Fields{
			"http.resp.took_ms": int64(time.Since(start) / time.Millisecond),
			"http.resp.status":  rr.status,
			"http.resp.bytes":   rr.b}).Debugf("request complete")
	}()

	ctx = context.WithValue(ctx, ctxKeyLog{}, log)
	r = r.WithContext(ctx)
	lh.next.ServeHTTP(rr, r)
}

// requestLog returns the request scoped logger set by logHandler.
func requestLog(r *http.Request) logrus.FieldLogger {
	if l, ok := r.Context().Value(ctxKeyLog{}).(logrus.FieldLogger); ok {
		return l
	}
	return log
}

// instrumentRoute runs inside the router so the matched path template is known.
func instrumentRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		start := time.Now()
		rr := &responseRecorder{w: w}
		next.ServeHTTP(rr, r)

		status := rr.status
		if status == 0 {
			status = http.StatusOK
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func ensureSessionID(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sessionID string
		c, err := r.Cookie(cookieSessionID)
		if err == http.ErrNoCookie || (err == nil && c.Value == "") {
			u, _ := uuid.NewRandom()
			sessionID = u.String()
			http.SetCookie(w, &http.Cookie{
				Name:     cookieSessionID,
				Value:    sessionID,
				Path:     "/",
				MaxAge:   cookieMaxAge,
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		} else if err != nil {
			return
		} else {
			sessionID = c.Value
		}
		ctx := context.WithValue(r.Context(), ctxKeySessionID{}, sessionID)
		r = r.WithContext(ctx)
		next.ServeHTTP(w, r)
	}
}

func sessionID(r *http.Request) string {
	v, _ := r.Context().Value(ctxKeySessionID{}).(string)
	return v
}

// accessToken reads the provider token from the Authorization header or the
// provider's session cookie.
func accessToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie(cookieAccessToken); err == nil {
		return c.Value
	}
	return ""
}

// withIdentity attaches the caller when the request carries a valid token.
// Requests without one continue anonymously.
func (s *storefrontServer) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := accessToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := s.verifier.Verify(token)
		if err != nil {
			requestLog(r).WithError(err).Debug("ignoring invalid access token")
			next.ServeHTTP(w, r)
			return
		}
		ctx := auth.WithIdentity(r.Context(), id)
		ctx = context.WithValue(ctx, ctxKeyLog{}, requestLog(r).WithField("user_id", id.UserID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAuth rejects anonymous callers before any handler work.
func (s *storefrontServer) requireAuth(next http.Handler) http.Handler {
	return s.withIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.FromContext(r.Context()); !ok {
			renderHTTPError(requestLog(r), r, w, errors.New("authentication required"), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// requireAdmin lets through lab workstations holding the lab key and signed
// in users whose profile role is admin or lab.
func (s *storefrontServer) requireAdmin(next http.Handler) http.Handler {
	return s.withIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := requestLog(r)
		if key := r.Header.Get(headerLabKey); key != "" {
			if s.labKey.Match(key) {
				ctx := context.WithValue(r.Context(), ctxKeyLog{}, log.WithField("staff", "lab-key"))
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			renderHTTPError(log, r, w, errors.New("invalid lab key"), http.StatusUnauthorized)
			return
		}

		id, ok := auth.FromContext(r.Context())
		if !ok {
			renderHTTPError(log, r, w, errors.New("authentication required"), http.StatusUnauthorized)
			return
		}
		profile, err := s.profiles.GetProfile(r.Context(), id.UserID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			renderHTTPError(log, r, w, errors.Wrap(err, "could not check staff role"), http.StatusServiceUnavailable)
			return
		}
		if err != nil || !profile.IsStaff() {
			renderHTTPError(log, r, w, errors.New("staff only"), http.StatusForbidden)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyLog{}, log.WithField("staff", profile.Role))
		next.ServeHTTP(w, r.WithContext(ctx))
	}))
}

type Limiter struct {
	client *redis.Client
	log    logrus.FieldLogger

	globalRate  float64
	globalBurst int
	ipRate      float64
	ipBurst     int
}

func NewLimiter(rdb *redis.Client, log logrus.FieldLogger, cfg config.Config) *Limiter {
	return &Limiter{
		client:      rdb,
		log:         log,
		globalRate:  cfg.RateLimitGlobalRPS,
		globalBurst: cfg.RateLimitGlobalBurst,
		ipRate:      cfg.RateLimitIPRPS,
		ipBurst:     cfg.RateLimitIPBurst,
	}
}

func (l *Limiter) Allow(ctx context.Context, key string, capacity int, rate float64) (bool, error) {
	now := time.Now().UnixMilli()

	keys := []string{fmt.Sprintf("rate_limit:%s", key)}
	args := []interface{}{capacity, rate, now, 1}

	result, err := tokenBucketScript.Run(ctx, l.client, keys, args...).Int64()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// Limit applies the global bucket, then the per-IP bucket. Redis errors let
// the request through.
func (l *Limiter) Limit(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 200*time.Millisecond)
		defer cancel()
		log := requestLog(r)

		globalAllowed, err := l.Allow(ctx, "global_storefront", l.globalBurst, l.globalRate)
		if err != nil {
			l.log.Warnf("global limiter redis error: %v", err)
		} else if !globalAllowed {
			renderHTTPError(log, r, w, errors.New("system busy"), http.StatusServiceUnavailable)
			return
		}

		ipAllowed, err := l.Allow(ctx, "ip:"+getRealIP(r), l.ipBurst, l.ipRate)
		if err != nil {
			l.log.Warnf("ip limiter redis error: %v", err)
		} else if !ipAllowed {
			renderHTTPError(log, r, w, errors.New("too many requests"), http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func getRealIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if i := strings.IndexByte(ip, ','); i >= 0 {
		ip = strings.TrimSpace(ip[:i])
	}
	if ip == "" {
		ip = r.Header.Get("X-Real-IP")
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}
	return ip
}
