package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"enrollment-service/internal/redisclient"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*redisclient.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redisclient.New(rdb), mr
}

func TestConvertSameCurrency(t *testing.T) {
	rc := NewRateClient(newMemRepo(), nil, time.Minute)

	amount, rate, err := rc.Convert(context.Background(), 12345, "ngn", "NGN")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), amount)
	assert.Equal(t, "1", rate.String())
}

func TestConvertUsesInverseRate(t *testing.T) {
	repo := newMemRepo()
	repo.setRate("USD", "NGN", "1600")
	rc := NewRateClient(repo, nil, time.Minute)

	// 8000 kobo / 1600 = 5 cents
	amount, _, err := rc.Convert(context.Background(), 8000, "NGN", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(5), amount)

	amount, _, err = rc.Convert(context.Background(), 5, "USD", "NGN")
	require.NoError(t, err)
	assert.Equal(t, int64(8000), amount)
}

func TestConvertMissingRate(t *testing.T) {
	rc := NewRateClient(newMemRepo(), nil, time.Minute)

	_, _, err := rc.Convert(context.Background(), 100, "NGN", "EUR")
	assert.True(t, errors.Is(err, ErrRateUnavailable))
}

func TestRateLookupIsCached(t *testing.T) {
	repo := newMemRepo()
	repo.setRate("NGN", "USD", "0.00065")
	cache, mr := newTestRedis(t)
	ctx := context.Background()

	rc := NewRateClient(repo, cache, time.Minute)
	_, err := rc.Rate(ctx, "NGN", "USD")
	require.NoError(t, err)
	_, err = rc.Rate(ctx, "NGN", "USD")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.rateReads)

	v, err := mr.Get("rate:NGN:USD")
	require.NoError(t, err)
	assert.Equal(t, "0.00065", v)

	// a second process with a cold local cache reads through Redis
	other := NewRateClient(repo, cache, time.Minute)
	rate, err := other.Rate(ctx, "NGN", "USD")
	require.NoError(t, err)
	assert.Equal(t, "0.00065", rate.String())
	assert.Equal(t, 1, repo.rateReads)
}

func TestRateFallsBackWhenCacheDown(t *testing.T) {
	repo := newMemRepo()
	repo.setRate("NGN", "USD", "0.00065")
	cache, mr := newTestRedis(t)
	mr.Close()

	rc := NewRateClient(repo, cache, time.Minute)
	rate, err := rc.Rate(context.Background(), "NGN", "USD")
	require.NoError(t, err)
	assert.Equal(t, "0.00065", rate.String())
}
