package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/academy-enrollment-api/pkg/errors"
)

type memCache struct {
	mu     sync.Mutex
	values map[string][]byte
}

func (c *memCache) Get(ctx context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.values[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *memCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = raw
	return nil
}

func (c *memCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.values, key)
	}
	return nil
}

func TestClassServiceAvailabilityCountsHolds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	class := env.newClass(3, 100000)
	activeEnrollment(t, env, "stu-1", class)
	requestFor(t, env, "stu-2", class.ID)

	availability, err := env.classes.Availability(ctx, class.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, availability.Capacity)
	assert.Equal(t, 1, availability.Taken)
	assert.Equal(t, 1, availability.Held)
	assert.Equal(t, 1, availability.Free)
	assert.True(t, availability.IsRegistrationOpen)

	_, err = env.classes.Availability(ctx, "missing")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestClassServiceAvailabilityIgnoresLapsedHolds(t *testing.T) {
	env := newTestEnv(t)
	class := env.newClass(1, 100000)
	stale := requestFor(t, env, "stu-1", class.ID)
	env.store.ageEnrollment(stale.Enrollment.ID, time.Hour)

	availability, err := env.classes.Availability(context.Background(), class.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, availability.Held)
	assert.Equal(t, 1, availability.Free)
}

func TestClassServiceAvailabilityUsesCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cache := NewCacheService(&memCache{values: map[string][]byte{}}, env.metrics, time.Minute, nil, true)
	classes := NewClassService(env.store, memClasses{env.store}, memEnrollments{env.store}, memWaitingList{env.store}, cache, nil, 30*time.Minute)
	class := env.newClass(2, 100000)

	first, err := classes.Availability(ctx, class.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Free)

	requestFor(t, env, "stu-1", class.ID)
	cached, err := classes.Availability(ctx, class.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, cached.Free)

	cache.InvalidateAvailability(ctx, class.ID, "", class.ID)
	fresh, err := classes.Availability(ctx, class.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.Free)
}

func TestClassServiceReconcileSeatCounters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	class := env.newClass(3, 100000)
	activeEnrollment(t, env, "stu-1", class)
	other := env.newClass(2, 100000)

	env.store.autocommit(func() {
		env.store.data.classes[class.ID].CurrentEnrollments = 3
	})

	result, err := env.classes.ReconcileSeatCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Corrected)
	assert.Empty(t, result.Overbooked)
	assert.Equal(t, 1, env.store.class(t, class.ID).CurrentEnrollments)
	assert.Equal(t, 0, env.store.class(t, other.ID).CurrentEnrollments)

	result, err = env.classes.ReconcileSeatCounters(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Corrected)
}

func TestClassServiceReconcileClampsOverbookedClass(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	class := env.newClass(2, 100000)
	activeEnrollment(t, env, "stu-1", class)
	activeEnrollment(t, env, "stu-2", class)
	healthy := env.newClass(2, 100000)
	activeEnrollment(t, env, "stu-3", healthy)

	env.store.autocommit(func() {
		env.store.data.classes[class.ID].Capacity = 1
		env.store.data.classes[healthy.ID].CurrentEnrollments = 0
	})

	result, err := env.classes.ReconcileSeatCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{class.ID}, result.Overbooked)
	assert.Equal(t, int64(2), result.Corrected)
	assert.Equal(t, 1, env.store.class(t, class.ID).CurrentEnrollments)
	assert.Equal(t, 1, env.store.class(t, healthy.ID).CurrentEnrollments)
}
