package ratelimit_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/intentive/reflex/internal/ratelimit"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	testRedis = redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", host, port.Port()),
	})

	if err := testRedis.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ping redis: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	_ = testRedis.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return ratelimit.New(testRedis, logger)
}

func TestLimiterAllow(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t)

	// Unique prefix per test to avoid interference.
	rule := ratelimit.Rule{
		Prefix: fmt.Sprintf("test-%d", time.Now().UnixNano()),
		Limit:  5,
		Window: 1 * time.Minute,
	}

	for i := 0; i < 5; i++ {
		result := limiter.Allow(ctx, rule, "user-1")
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 5, result.Limit)
		assert.Equal(t, 5-i-1, result.Remaining, "remaining after request %d", i+1)
	}

	result := limiter.Allow(ctx, rule, "user-1")
	assert.False(t, result.Allowed, "6th request should be denied")
	assert.Equal(t, 0, result.Remaining)
	assert.True(t, result.ResetAt.After(time.Now()), "ResetAt should be in the future")
}

func TestLimiterMultipleKeys(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t)

	rule := ratelimit.Rule{
		Prefix: fmt.Sprintf("test-multi-%d", time.Now().UnixNano()),
		Limit:  3,
		Window: 1 * time.Minute,
	}

	// Each key has its own limit.
	for i := 0; i < 3; i++ {
		r1 := limiter.Allow(ctx, rule, "user-A")
		r2 := limiter.Allow(ctx, rule, "user-B")
		assert.True(t, r1.Allowed, "user-A request %d", i+1)
		assert.True(t, r2.Allowed, "user-B request %d", i+1)
	}

	rA := limiter.Allow(ctx, rule, "user-A")
	rB := limiter.Allow(ctx, rule, "user-B")
	assert.False(t, rA.Allowed)
	assert.False(t, rB.Allowed)
}

func TestLimiterSlidingWindow(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t)

	rule := ratelimit.Rule{
		Prefix: fmt.Sprintf("test-window-%d", time.Now().UnixNano()),
		Limit:  2,
		Window: 500 * time.Millisecond,
	}

	r1 := limiter.Allow(ctx, rule, "user-X")
	r2 := limiter.Allow(ctx, rule, "user-X")
	r3 := limiter.Allow(ctx, rule, "user-X")
	assert.True(t, r1.Allowed)
	assert.True(t, r2.Allowed)
	assert.False(t, r3.Allowed)

	time.Sleep(600 * time.Millisecond)

	r4 := limiter.Allow(ctx, rule, "user-X")
	assert.True(t, r4.Allowed, "request after window should be allowed")
}

func TestLimiterNoopMode(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Noop mode: nil client allows all requests.
	limiter := ratelimit.New(nil, logger)

	rule := ratelimit.Rule{
		Prefix: "test-noop",
		Limit:  1,
		Window: 1 * time.Minute,
	}

	for i := 0; i < 100; i++ {
		result := limiter.Allow(ctx, rule, "user")
		require.True(t, result.Allowed)
		assert.Equal(t, 1, result.Remaining)
	}
}

func TestResultFormatHeaders(t *testing.T) {
	resetAt := time.Date(2026, 2, 5, 12, 0, 0, 0, time.UTC)
	result := ratelimit.Result{
		Allowed:   true,
		Limit:     100,
		Remaining: 42,
		ResetAt:   resetAt,
	}

	headers := result.FormatHeaders()
	assert.Equal(t, "100", headers["X-RateLimit-Limit"])
	assert.Equal(t, "42", headers["X-RateLimit-Remaining"])
	assert.Equal(t, fmt.Sprintf("%d", resetAt.Unix()), headers["X-RateLimit-Reset"])
}

func TestLimiterDifferentPrefixes(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t)

	base := time.Now().UnixNano()

	authRule := ratelimit.Rule{
		Prefix: fmt.Sprintf("auth-%d", base),
		Limit:  5,
		Window: 1 * time.Minute,
	}

	webhookRule := ratelimit.Rule{
		Prefix: fmt.Sprintf("webhook-%d", base),
		Limit:  100,
		Window: 1 * time.Minute,
	}

	for i := 0; i < 5; i++ {
		limiter.Allow(ctx, authRule, "user")
	}
	authResult := limiter.Allow(ctx, authRule, "user")
	assert.False(t, authResult.Allowed, "auth limit exceeded")

	webhookResult := limiter.Allow(ctx, webhookRule, "user")
	assert.True(t, webhookResult.Allowed, "webhook should be allowed")
	assert.Equal(t, 99, webhookResult.Remaining)
}
