package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	cases := map[string]Version{
		"1.2.3":  {1, 2, 3},
		"v1.2.3": {1, 2, 3},
		" 4.5 ":  {4, 5, 0},
		"7":      {7, 0, 0},
		"0.0.10": {0, 0, 10},
	}
	for in, want := range cases {
		got, err := ParseVersion(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "v", "1.2.3.4", "a.b", "1.-2"} {
		_, err := ParseVersion(bad)
		assert.Error(t, err, bad)
	}
}

func TestVersionCompare(t *testing.T) {
	assert.Equal(t, -1, Version{1, 2, 3}.Compare(Version{1, 3, 0}))
	assert.Equal(t, 1, Version{2, 0, 0}.Compare(Version{1, 9, 9}))
	assert.Equal(t, 0, Version{1, 2, 3}.Compare(Version{1, 2, 3}))
	assert.True(t, Version{}.IsZero())
}

func TestRegistryJoinUsesFleetTarget(t *testing.T) {
	ctx := context.Background()
	r := OpenRegistry(openDB(t), "a1", "bucket")

	rec, err := r.Join(ctx, "w0", v1, t0)
	require.NoError(t, err)
	assert.Equal(t, v1, rec.TargetVersion, "no target yet")
	assert.True(t, rec.UpToDate())

	stale, err := r.SetTarget(ctx, v2, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"w0"}, stale)

	rec, err = r.Join(ctx, "w1", v2, t0)
	require.NoError(t, err)
	assert.Equal(t, v2, rec.TargetVersion)
	assert.True(t, rec.UpToDate())

	again, err := r.Join(ctx, "w0", v2, t0)
	require.NoError(t, err)
	assert.Equal(t, v1, again.CurrentVersion, "rejoin keeps the stored record")

	target, err := r.Target()
	require.NoError(t, err)
	assert.Equal(t, v2, target)
}

func TestRegistryListAndLeave(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	r := OpenRegistry(db, "a1", "bucket")
	other := OpenRegistry(db, "a1", "index")
	for _, id := range []string{"w2", "w0", "w1"} {
		_, err := r.Join(ctx, id, v1, t0)
		require.NoError(t, err)
	}
	_, err := other.Join(ctx, "x0", v1, t0)
	require.NoError(t, err)

	recs, err := r.List()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "w0", recs[0].ID)
	assert.Equal(t, "w2", recs[2].ID)

	require.NoError(t, r.Leave(ctx, "w1"))
	ok, err := r.Has("w1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = r.Get("w1")
	assert.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestRecordFailureKeepsNewest(t *testing.T) {
	var rec WorkerRecord
	for i := 0; i < 5; i++ {
		rec.recordFailure(Failure{At: t0.Add(time.Duration(i) * time.Second)}, 3)
	}
	require.Len(t, rec.RecentFailures, 3)
	assert.Equal(t, t0.Add(2*time.Second), rec.RecentFailures[0].At)
	assert.Equal(t, t0.Add(4*time.Second), rec.RecentFailures[2].At)
}
