package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAdmitsUpToLimit(t *testing.T) {
	l := New()
	key := Key{UserID: "u1", ComponentRef: "catalyst:acme.fetcher:1.0.0"}
	limit := Limit{Requests: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Check(key, limit))
	}

	err := l.Check(key, limit)
	require.Error(t, err)
	var rlErr *Error
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, 3, rlErr.Limit)
}

func TestCheckResetsAfterWindowExpiry(t *testing.T) {
	l := New()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	key := Key{UserID: "u1", ComponentRef: "ref"}
	limit := Limit{Requests: 1, Window: time.Second}

	require.NoError(t, l.Check(key, limit))
	require.Error(t, l.Check(key, limit))

	clock = clock.Add(2 * time.Second)
	assert.NoError(t, l.Check(key, limit), "new window should admit again")
}

func TestCheckSharesBucketAcrossCallSites(t *testing.T) {
	l := New()
	key := Key{UserID: "u1", ComponentRef: "ref"}
	limit := Limit{Requests: 2, Window: time.Minute}

	require.NoError(t, l.Check(key, limit), "pre-flight admission")
	require.NoError(t, l.Check(key, limit), "first in-flight call")
	assert.Error(t, l.Check(key, limit), "second in-flight call should share the same budget")
}

func TestDistinctKeysDoNotContend(t *testing.T) {
	l := New()
	limit := Limit{Requests: 1, Window: time.Minute}

	a := Key{UserID: "u1", ComponentRef: "ref"}
	b := Key{UserID: "u2", ComponentRef: "ref"}

	require.NoError(t, l.Check(a, limit))
	require.NoError(t, l.Check(b, limit), "distinct user should have an independent bucket")
}

func TestStatusReflectsUsageWithoutConsuming(t *testing.T) {
	l := New()
	key := Key{UserID: "u1", ComponentRef: "ref"}
	limit := Limit{Requests: 5, Window: time.Minute}

	require.NoError(t, l.Check(key, limit))
	st := l.Status(key)
	assert.Equal(t, 1, st.Count)

	st2 := l.Status(key)
	assert.Equal(t, st.Count, st2.Count, "Status must not consume a slot")
}

func TestResetClearsBucket(t *testing.T) {
	l := New()
	key := Key{UserID: "u1", ComponentRef: "ref"}
	limit := Limit{Requests: 1, Window: time.Minute}

	require.NoError(t, l.Check(key, limit))
	require.Error(t, l.Check(key, limit))

	l.Reset(key)
	assert.NoError(t, l.Check(key, limit))
}
