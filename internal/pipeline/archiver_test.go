package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchiver struct {
	cutoffs []time.Time
	err     error
}

func (f *fakeArchiver) ArchiveAudit(_ context.Context, before time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, before)
	return 3, f.err
}

func (f *fakeArchiver) ArchiveSubmissions(_ context.Context, before time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, before)
	return 2, f.err
}

func TestArchiver_RunUsesRetentionCutoff(t *testing.T) {
	fa := &fakeArchiver{}
	a := NewArchiver(fa, 7, testLogger())
	a.now = func() time.Time { return time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC) }

	require.NoError(t, a.Run(context.Background()))
	want := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, []time.Time{want, want}, fa.cutoffs)
}

func TestArchiver_RunStopsOnError(t *testing.T) {
	fa := &fakeArchiver{err: errors.New("bucket gone")}
	a := NewArchiver(fa, 1, testLogger())
	assert.Error(t, a.Run(context.Background()))
	assert.Len(t, fa.cutoffs, 1)
}

func TestScheduleNext(t *testing.T) {
	after := time.Date(2026, 3, 10, 4, 30, 0, 0, time.UTC) // a Tuesday

	cases := []struct {
		spec string
		want time.Time
	}{
		{"30 4 * * *", time.Date(2026, 3, 11, 4, 30, 0, 0, time.UTC)},
		{"0,15 * * * *", time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)},
		{"*/20 * * * *", time.Date(2026, 3, 10, 4, 40, 0, 0, time.UTC)},
		{"0 6-8 * * *", time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)},
		{"0 0 * * 6", time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)},
		{"0 0 1 4 *", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		sched, err := parseSchedule(tc.spec)
		require.NoError(t, err, tc.spec)
		next, ok := sched.next(after)
		require.True(t, ok, tc.spec)
		assert.Equal(t, tc.want, next, tc.spec)
	}
}

func TestParseSchedule_Invalid(t *testing.T) {
	for _, spec := range []string{
		"* * *",
		"x * * * *",
		"60 * * * *",
		"* 5-2 * * *",
		"*/0 * * * *",
		"* * 0 * *",
	} {
		_, err := parseSchedule(spec)
		assert.Error(t, err, spec)
	}
}

func TestScheduleNext_Impossible(t *testing.T) {
	sched, err := parseSchedule("0 0 31 2 *")
	require.NoError(t, err)
	_, ok := sched.next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.False(t, ok)
}

func TestArchiver_RunCronStopsOnCancel(t *testing.T) {
	a := NewArchiver(&fakeArchiver{}, 1, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.RunCron(ctx, "0 0 * * *"), context.Canceled)
	assert.Error(t, a.RunCron(context.Background(), "bad"))
}
