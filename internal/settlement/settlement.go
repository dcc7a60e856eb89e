// Package settlement holds the reward and payout policies behind the
// prediction dashboard. The mock implementations stand in until a real
// payment backend is configured.
package settlement

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/malcare/internal/prediction"
	"github.com/example/malcare/internal/wallet"
)

// RewardPolicy assigns the reward of a freshly created record.
type RewardPolicy interface {
	Reward(ctx context.Context, rec *prediction.Record) (float64, error)
}

// Settler pays out a record's reward to a connected wallet and returns the
// transaction id.
type Settler interface {
	Settle(ctx context.Context, rec *prediction.Record, handle wallet.Handle) (string, error)
}

// RandomReward draws a reward uniformly from [Min, Max], rounded to three
// decimals. It is a placeholder policy.
type RandomReward struct {
	Min, Max float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomReward returns a RandomReward. A nil rng uses a randomly seeded source.
func NewRandomReward(min, max float64, rng *rand.Rand) (*RandomReward, error) {
	if min < 0 || max < min {
		return nil, fmt.Errorf("invalid reward range [%v, %v]", min, max)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &RandomReward{Min: min, Max: max, rng: rng}, nil
}

// Reward implements RewardPolicy.
func (r *RandomReward) Reward(_ context.Context, _ *prediction.Record) (float64, error) {
	r.mu.Lock()
	f := r.rng.Float64()
	r.mu.Unlock()
	return roundReward(r.Min + f*(r.Max-r.Min)), nil
}

// FixedReward pays the same amount for every record.
type FixedReward struct {
	Amount float64
}

// Reward implements RewardPolicy.
func (f FixedReward) Reward(context.Context, *prediction.Record) (float64, error) {
	return roundReward(f.Amount), nil
}

func roundReward(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// MockSettler simulates settlement latency and mints a unique, meaningless
// transaction id.
type MockSettler struct {
	Latency time.Duration
	Now     func() time.Time
}

// Settle implements Settler.
func (m MockSettler) Settle(ctx context.Context, _ *prediction.Record, handle wallet.Handle) (string, error) {
	if !handle.Connected() {
		return "", prediction.ErrNotConnected
	}
	if m.Latency > 0 {
		timer := time.NewTimer(m.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("tx_%d_%s", now().UnixMilli(), suffix), nil
}
