// Package wallet keeps the connected payment wallet snapshot per identity.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/malcare/internal/cache"
)

const keyPrefix = "malcare_wallet_data:"

// Handle is the opaque payment identity used by the payout simulator.
type Handle struct {
	Address     string
	IsConnected bool
	ConnectedAt time.Time
}

// Connected reports whether payouts may target this handle.
func (h Handle) Connected() bool {
	return h.IsConnected && h.Address != ""
}

// FormattedAddress shortens long addresses to their first and last 8 characters.
func (h Handle) FormattedAddress() string {
	if len(h.Address) <= 16 {
		return h.Address
	}
	return h.Address[:8] + "..." + h.Address[len(h.Address)-8:]
}

// snapshot is the persisted shape; timestamp is epoch milliseconds.
type snapshot struct {
	IsConnected bool   `json:"isConnected"`
	Address     string `json:"address"`
	Timestamp   int64  `json:"timestamp"`
}

// Store persists wallet snapshots in the key-value cache.
type Store struct {
	cache cache.Cache
	now   func() time.Time
}

// NewStore returns a wallet store on c.
func NewStore(c cache.Cache) *Store {
	return &Store{cache: c, now: time.Now}
}

// Get returns the owner's wallet. A missing snapshot yields a disconnected handle.
func (s *Store) Get(ctx context.Context, owner string) (Handle, error) {
	raw, err := s.cache.Get(ctx, keyPrefix+owner)
	if errors.Is(err, cache.ErrMiss) {
		return Handle{}, nil
	}
	if err != nil {
		return Handle{}, err
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Handle{}, fmt.Errorf("decode wallet snapshot: %w", err)
	}
	return Handle{
		Address:     snap.Address,
		IsConnected: snap.IsConnected,
		ConnectedAt: time.UnixMilli(snap.Timestamp).UTC(),
	}, nil
}

// Connect records address as the owner's connected wallet.
func (s *Store) Connect(ctx context.Context, owner, address string) (Handle, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Handle{}, errors.New("wallet address is required")
	}
	h := Handle{Address: address, IsConnected: true, ConnectedAt: s.now().UTC().Truncate(time.Millisecond)}
	payload, err := json.Marshal(snapshot{IsConnected: true, Address: address, Timestamp: h.ConnectedAt.UnixMilli()})
	if err != nil {
		return Handle{}, err
	}
	if err := s.cache.Set(ctx, keyPrefix+owner, string(payload), 0); err != nil {
		return Handle{}, err
	}
	return h, nil
}

// Disconnect removes the owner's wallet snapshot.
func (s *Store) Disconnect(ctx context.Context, owner string) error {
	return s.cache.Delete(ctx, keyPrefix+owner)
}
