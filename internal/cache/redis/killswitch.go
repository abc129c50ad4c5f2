package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// Kill switch keys. The key holds the trip reason while the switch is set;
// the channel carries "trip:<reason>" and "clear" commands.
const (
	KillSwitchKey     = "mevbot:killswitch"
	KillSwitchChannel = "mevbot:killswitch:cmd"
)

// KillSwitch is the governor surface the sync drives.
type KillSwitch interface {
	TripKillSwitch(reason string)
	ClearKillSwitch()
	KillSwitchActive() bool
}

// KillSwitchSync shares the kill switch between bot instances and the
// operator. A trip anywhere halts every instance; the key makes the state
// survive restarts.
type KillSwitchSync struct {
	rdb    *redis.Client
	bus    domain.SignalBus
	gov    KillSwitch
	logger *slog.Logger
}

// NewKillSwitchSync creates a KillSwitchSync. gov may be nil for the
// operator-only commands.
func NewKillSwitchSync(c *Client, bus domain.SignalBus, gov KillSwitch, logger *slog.Logger) *KillSwitchSync {
	return &KillSwitchSync{
		rdb:    c.Underlying(),
		bus:    bus,
		gov:    gov,
		logger: logger.With(slog.String("component", "killswitch_sync")),
	}
}

// Load trips the local switch when the shared key is set.
func (k *KillSwitchSync) Load(ctx context.Context) error {
	reason, err := k.rdb.Get(ctx, KillSwitchKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis: load kill switch: %w", err)
	}
	k.gov.TripKillSwitch(reason)
	return nil
}

// Trip sets the shared key and tells every instance to halt.
func (k *KillSwitchSync) Trip(ctx context.Context, reason string) error {
	if err := k.rdb.Set(ctx, KillSwitchKey, reason, 0).Err(); err != nil {
		return fmt.Errorf("redis: set kill switch: %w", err)
	}
	return k.bus.Publish(ctx, KillSwitchChannel, []byte("trip:"+reason))
}

// Clear removes the shared key and tells every instance to resume.
func (k *KillSwitchSync) Clear(ctx context.Context) error {
	if err := k.rdb.Del(ctx, KillSwitchKey).Err(); err != nil {
		return fmt.Errorf("redis: clear kill switch: %w", err)
	}
	return k.bus.Publish(ctx, KillSwitchChannel, []byte("clear"))
}

// OnTrip propagates a local trip without blocking the caller. Register it
// with the governor's OnKill.
func (k *KillSwitchSync) OnTrip(reason string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := k.Trip(ctx, reason); err != nil {
			k.logger.Error("propagate kill switch failed", slog.String("error", err.Error()))
		}
	}()
}

// Run applies operator commands until ctx is cancelled.
func (k *KillSwitchSync) Run(ctx context.Context) error {
	msgs, err := k.bus.Subscribe(ctx, KillSwitchChannel)
	if err != nil {
		return fmt.Errorf("redis: subscribe kill switch: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			k.apply(string(msg))
		}
	}
}

func (k *KillSwitchSync) apply(cmd string) {
	switch {
	case cmd == "clear":
		k.gov.ClearKillSwitch()
	case cmd == "trip" || strings.HasPrefix(cmd, "trip:"):
		reason := strings.TrimPrefix(strings.TrimPrefix(cmd, "trip"), ":")
		if reason == "" {
			reason = "operator"
		}
		k.gov.TripKillSwitch(reason)
	default:
		k.logger.Warn("unknown kill switch command", slog.String("command", cmd))
	}
}
