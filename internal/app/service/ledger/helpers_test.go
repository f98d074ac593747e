package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/resumecredits/internal/models"
	"github.com/fatflowers/resumecredits/pkg/config"
	"github.com/fatflowers/resumecredits/pkg/types"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingCache struct {
	mu          sync.Mutex
	values      map[string]Balance
	invalidated []string
}

func (c *recordingCache) Get(_ context.Context, key string, result any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	if !ok {
		return false, nil
	}
	*(result.(*Balance)) = v
	return true, nil
}

func (c *recordingCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = *(value.(*Balance))
	return nil
}

func (c *recordingCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	c.invalidated = append(c.invalidated, key)
	return nil
}

type publishedMessage struct {
	key string
	msg any
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []publishedMessage
}

func (p *recordingPublisher) Publish(_ context.Context, key string, msg any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, publishedMessage{key: key, msg: msg})
	return nil
}

func (p *recordingPublisher) byKey(key string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, m := range p.sent {
		if m.key == key {
			out = append(out, m.msg)
		}
	}
	return out
}

type testEnv struct {
	svc       *Service
	store     *MemoryStore
	clock     *testClock
	cache     *recordingCache
	publisher *recordingPublisher
}

var t0 = time.Date(2025, 1, 31, 10, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     NewMemoryStore(),
		clock:     &testClock{now: t0},
		cache:     &recordingCache{values: map[string]Balance{}},
		publisher: &recordingPublisher{},
	}
	env.svc = NewService(env.store, env.cache, env.publisher, &config.Config{}, zap.NewNop().Sugar(), WithClock(env.clock.Now))
	return env
}

func (e *testEnv) subscribe(t *testing.T, userID string, plan types.PlanID) *models.Subscription {
	t.Helper()
	sub, err := e.svc.CreateSubscription(context.Background(), CreateSubscriptionRequest{
		UserID:                 userID,
		Plan:                   plan,
		ProviderSubscriptionID: "sub_" + userID,
		ProviderCustomerID:     "cus_" + userID,
	})
	require.NoError(t, err)
	return sub
}

func (e *testEnv) consume(userID string, amount int64) (*ConsumeResult, error) {
	return e.svc.Consume(context.Background(), ConsumeRequest{
		UserID:  userID,
		Feature: types.FeatureResumeGeneration,
		Amount:  amount,
	})
}
