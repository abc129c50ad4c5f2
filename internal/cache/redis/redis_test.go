package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGovernor struct {
	mu     sync.Mutex
	active bool
	reason string
}

func (f *fakeGovernor) TripKillSwitch(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active, f.reason = true, reason
}

func (f *fakeGovernor) ClearKillSwitch() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active, f.reason = false, ""
}

func (f *fakeGovernor) KillSwitchActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

type recordingBus struct {
	mu        sync.Mutex
	published map[string][]string
	sub       chan []byte
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = make(map[string][]string)
	}
	b.published[channel] = append(b.published[channel], string(payload))
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.sub, nil
}

func (b *recordingBus) StreamAppend(context.Context, string, []byte) error { return nil }

func TestLockManager_Acquire(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lm := NewLockManager(Wrap(db))
	mock.Regexp().ExpectSetNX("mevbot:lock:nonce:0xabc", `.+`, time.Minute).SetVal(true)
	mock.Regexp().ExpectEvalSha(lm.unlockSc.Hash(), []string{"mevbot:lock:nonce:0xabc"}, `.+`).SetVal(int64(1))

	unlock, err := lm.Acquire(context.Background(), "nonce:0xabc", time.Minute)
	require.NoError(t, err)
	unlock()
	unlock()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockManager_Held(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lm := NewLockManager(Wrap(db))
	mock.Regexp().ExpectSetNX("mevbot:lock:k", `.+`, time.Second).SetVal(false)

	_, err := lm.Acquire(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockManager_RedisError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.Regexp().ExpectSetNX("mevbot:lock:k", `.+`, time.Second).SetErr(errors.New("conn refused"))

	_, err := NewLockManager(Wrap(db)).Acquire(context.Background(), "k", time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrLockHeld)
}

func TestKillSwitchSync_LoadTripsWhenKeySet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	gov := &fakeGovernor{}
	k := NewKillSwitchSync(Wrap(db), &recordingBus{}, gov, testLogger())

	mock.ExpectGet(KillSwitchKey).SetVal("revert rate")
	require.NoError(t, k.Load(context.Background()))
	assert.True(t, gov.KillSwitchActive())
	assert.Equal(t, "revert rate", gov.reason)

	gov.ClearKillSwitch()
	mock.ExpectGet(KillSwitchKey).RedisNil()
	require.NoError(t, k.Load(context.Background()))
	assert.False(t, gov.KillSwitchActive())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKillSwitchSync_TripAndClear(t *testing.T) {
	db, mock := redismock.NewClientMock()
	bus := &recordingBus{}
	k := NewKillSwitchSync(Wrap(db), bus, nil, testLogger())

	mock.ExpectSet(KillSwitchKey, "operator", 0).SetVal("OK")
	mock.ExpectDel(KillSwitchKey).SetVal(1)
	require.NoError(t, k.Trip(context.Background(), "operator"))
	require.NoError(t, k.Clear(context.Background()))

	assert.Equal(t, []string{"trip:operator", "clear"}, bus.published[KillSwitchChannel])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKillSwitchSync_RunAppliesCommands(t *testing.T) {
	db, _ := redismock.NewClientMock()
	bus := &recordingBus{sub: make(chan []byte, 4)}
	gov := &fakeGovernor{}
	k := NewKillSwitchSync(Wrap(db), bus, gov, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	bus.sub <- []byte("trip")
	require.Eventually(t, gov.KillSwitchActive, time.Second, time.Millisecond)
	assert.Equal(t, "operator", gov.reason)

	bus.sub <- []byte("bogus")
	bus.sub <- []byte("clear")
	require.Eventually(t, func() bool { return !gov.KillSwitchActive() }, time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestSignalBus_StreamAppend(t *testing.T) {
	db, mock := redismock.NewClientMock()
	bus := NewSignalBus(Wrap(db))
	mock.ExpectXAdd(&goredis.XAddArgs{
		Stream: "mevbot:audit",
		MaxLen: auditStreamCap,
		Approx: true,
		Values: map[string]interface{}{"payload": []byte("x")},
	}).SetVal("1-0")

	require.NoError(t, bus.StreamAppend(context.Background(), "mevbot:audit", []byte("x")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSignalBus_Publish(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectPublish("mevbot:quotes", []byte("q")).SetVal(1)
	require.NoError(t, NewSignalBus(Wrap(db)).Publish(context.Background(), "mevbot:quotes", []byte("q")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern("mevbot:*"))
	assert.False(t, hasPattern(KillSwitchChannel))
}
