//go:build integration
// +build integration

package test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	gatekit "github.com/meshrail/gatekit"
	"github.com/meshrail/gatekit/session"
)

func newIntegrationRedis(t *testing.T) (redis.UniversalClient, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return rdb, mr, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func newIntegrationGuard(t *testing.T, rdb redis.UniversalClient, source *memorySource, mutate func(*gatekit.Config)) *gatekit.Guard {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := gatekit.DefaultConfig()
	cfg.Worker.Secret = "integration-secret"
	if mutate != nil {
		mutate(&cfg)
	}

	guard, err := gatekit.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithSessionSource(source).
		WithLogger(log).
		Build()
	if err != nil {
		t.Fatalf("guard build failed: %v", err)
	}
	t.Cleanup(guard.Close)

	return guard
}

type memorySource struct {
	mu       sync.Mutex
	sessions map[string]*session.Identity
}

func newMemorySource() *memorySource {
	return &memorySource{sessions: make(map[string]*session.Identity)}
}

func (s *memorySource) seed(role string, ttl time.Duration, orgs ...string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := uuid.NewString()
	userID := uuid.NewString()
	now := time.Now()

	s.sessions[token] = &session.Identity{
		Session: session.Record{
			ID:        uuid.NewString(),
			UserID:    userID,
			Token:     token,
			ExpiresAt: now.Add(ttl),
			CreatedAt: now,
			UpdatedAt: now,
		},
		User: session.User{
			ID:     userID,
			Role:   role,
			OrgIDs: orgs,
		},
	}
	return token
}

func (s *memorySource) expire(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if identity, ok := s.sessions[token]; ok {
		identity.Session.ExpiresAt = time.Now().Add(-time.Minute)
	}
}

func (s *memorySource) SessionByToken(_ context.Context, token string) (*session.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.sessions[token]
	if !ok {
		return nil, nil
	}
	clone := *identity
	return &clone, nil
}
