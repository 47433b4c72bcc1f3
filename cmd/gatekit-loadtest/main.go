// Command gatekit-loadtest measures rate limiter and session authenticator
// throughput against Redis (or an embedded miniredis when no address is
// given).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/meshrail/gatekit/ratelimit"
	"github.com/meshrail/gatekit/session"
	"github.com/meshrail/gatekit/store"
)

func main() {
	var (
		sessions    = flag.Int("sessions", 100000, "number of sessions to seed")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 200000, "operations per phase (limit + auth)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "gk", "store key prefix")
		window      = flag.Duration("window", time.Minute, "rate limit window")
		maxRequests = flag.Int("max-requests", 1000000, "rate limit window budget")
	)
	flag.Parse()

	if *sessions <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "sessions, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	log := logrus.New()
	log.SetOutput(io.Discard)

	kv := store.NewRedis(client, *prefix)
	limiter := ratelimit.New(kv, ratelimit.Config{}, log)

	source := newSeededSource(*sessions)
	auth := session.NewAuthenticator(source, kv, session.Config{
		WriterBuffer: 4096,
	}, log)
	defer auth.Close()

	limitStats := runLimitPhase(ctx, limiter, *window, *maxRequests, *ops, *concurrency)
	authStats := runAuthPhase(ctx, auth, source.tokens, *ops, *concurrency)

	fmt.Println("---- results ----")
	printStats("limit", limitStats)
	printStats("auth", authStats)
	fmt.Printf("auth: source lookups=%d cache writes dropped=%d\n",
		source.lookups.Load(), auth.CacheWritesDropped())
}

func runLimitPhase(ctx context.Context, limiter *ratelimit.Limiter, window time.Duration, maxRequests, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				key := ratelimit.Key("lt", fmt.Sprintf("client-%d", r.Intn(1024)), "/load")
				t0 := time.Now()
				result := limiter.Check(ctx, key, window, maxRequests)
				d := time.Since(t0)
				if result.Degraded {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

func runAuthPhase(ctx context.Context, auth *session.Authenticator, tokens []string, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*6151))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				token := tokens[r.Intn(len(tokens))]
				t0 := time.Now()
				_, err := auth.Authenticate(ctx, token)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d degraded/failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

// seededSource serves a fixed population of sessions from memory, counting
// how often the authenticator falls through the cache.
type seededSource struct {
	sessions map[string]*session.Identity
	tokens   []string
	lookups  atomic.Int64
}

func newSeededSource(n int) *seededSource {
	s := &seededSource{
		sessions: make(map[string]*session.Identity, n),
		tokens:   make([]string, 0, n),
	}

	now := time.Now()
	for i := 0; i < n; i++ {
		token := uuid.NewString()
		userID := fmt.Sprintf("u%d", i)
		s.sessions[token] = &session.Identity{
			Session: session.Record{
				ID:        uuid.NewString(),
				UserID:    userID,
				Token:     token,
				ExpiresAt: now.Add(24 * time.Hour),
				CreatedAt: now,
				UpdatedAt: now,
			},
			User: session.User{
				ID:   userID,
				Role: "member",
			},
		}
		s.tokens = append(s.tokens, token)
	}
	return s
}

func (s *seededSource) SessionByToken(_ context.Context, token string) (*session.Identity, error) {
	s.lookups.Add(1)
	identity, ok := s.sessions[token]
	if !ok {
		return nil, nil
	}
	clone := *identity
	return &clone, nil
}
