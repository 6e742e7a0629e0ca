// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package deviceflow implements the device authorization grant (RFC 8628):
// user-code minting, the verification step, and the polling state machine
// with slow-down enforcement.
package deviceflow

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/oautherr"
	"github.com/authrim/authrim/pkg/storage"
)

// userCodeAlphabet excludes visually ambiguous characters (0/O, 1/I/L).
const userCodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const (
	// DefaultExpiry is the device-code lifetime.
	DefaultExpiry = 10 * time.Minute

	// DefaultInterval is the initial minimum polling interval in seconds.
	DefaultInterval = 5

	// SlowDownIncrement is added to the interval on each violation.
	SlowDownIncrement = 5

	shardCount = 16
)

// State is the device-code lifecycle.
type State string

// Device-code states.
const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDenied   State = "denied"
	StateConsumed State = "consumed"
	StateExpired  State = "expired"
)

// Code is one device authorization in flight.
type Code struct {
	DeviceCode string   `json:"device_code"`
	UserCode   string   `json:"user_code"`
	ClientID   string   `json:"client_id"`
	Scope      []string `json:"scope,omitempty"`
	State      State    `json:"state"`

	// UserID is set on approval.
	UserID string `json:"user_id,omitempty"`

	CreatedAt    int64 `json:"created_at"`
	ExpiresAt    int64 `json:"expires_at"`
	Interval     int   `json:"interval"`
	LastPolledAt int64 `json:"last_polled_at,omitempty"`
	PollCount    int   `json:"poll_count"`
}

// Flow is the device-grant facade.
type Flow struct {
	host *actor.Host
	kv   storage.KV

	expiry   time.Duration
	interval int
}

// Option configures a Flow.
type Option func(*Flow)

// WithExpiry overrides the device-code lifetime.
func WithExpiry(d time.Duration) Option {
	return func(f *Flow) {
		f.expiry = d
	}
}

// WithInterval overrides the initial polling interval in seconds.
func WithInterval(seconds int) Option {
	return func(f *Flow) {
		f.interval = seconds
	}
}

// NewFlow creates a device flow store.
func NewFlow(host *actor.Host, kv storage.KV, opts ...Option) *Flow {
	f := &Flow{host: host, kv: kv, expiry: DefaultExpiry, interval: DefaultInterval}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func deviceKey(deviceCode string) string {
	return "devcode/" + deviceCode
}

func userCodeKey(userCode string) string {
	return "devuser/" + userCode
}

func instance(deviceCode string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceCode))
	return fmt.Sprintf("device-s%d", h.Sum32()%shardCount)
}

// GenerateUserCode mints the two 4-character groups shown to the user.
func GenerateUserCode() (string, error) {
	max := big.NewInt(int64(len(userCodeAlphabet)))
	var b strings.Builder
	for i := 0; i < 8; i++ {
		if i == 4 {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random index: %w", err)
		}
		b.WriteByte(userCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// Authorize starts a device grant for client and returns the codes the
// device displays and polls with.
func (f *Flow) Authorize(ctx context.Context, clientID string, scope []string) (*Code, error) {
	userCode, err := GenerateUserCode()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	c := &Code{
		DeviceCode: uuid.NewString(),
		UserCode:   userCode,
		ClientID:   clientID,
		Scope:      scope,
		State:      StatePending,
		CreatedAt:  now.UnixMilli(),
		ExpiresAt:  now.Add(f.expiry).UnixMilli(),
		Interval:   f.interval,
	}

	_, err = f.host.Do(ctx, instance(c.DeviceCode), func(ctx context.Context) (any, error) {
		if err := f.save(ctx, c); err != nil {
			return nil, err
		}
		if err := f.kv.Put(ctx, userCodeKey(userCode), []byte(c.DeviceCode), f.expiry); err != nil {
			return nil, fmt.Errorf("failed to index user code: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Verify applies the user's decision on the verification page.
func (f *Flow) Verify(ctx context.Context, userCode, userID string, approved bool) error {
	raw, found, err := f.kv.Get(ctx, userCodeKey(strings.ToUpper(strings.TrimSpace(userCode))))
	if err != nil {
		return fmt.Errorf("failed to look up user code: %w", err)
	}
	if !found {
		return oautherr.ErrNotFound.WithDescription("unknown user code")
	}
	deviceCode := string(raw)

	_, err = f.host.Do(ctx, instance(deviceCode), func(ctx context.Context) (any, error) {
		c, err := f.load(ctx, deviceCode)
		if err != nil {
			return nil, err
		}
		if c.State != StatePending {
			return nil, oautherr.ErrInvalidRequest.WithDescription("device code already decided")
		}
		if approved {
			c.State = StateApproved
			c.UserID = userID
		} else {
			c.State = StateDenied
		}
		return nil, f.save(ctx, c)
	})
	return err
}

// Poll is the token-endpoint side of the grant. It returns the approved
// code exactly once; otherwise it fails with the protocol error the
// client must see: authorization_pending, slow_down, access_denied, or
// expired_token. Replay after issuance maps to invalid_grant.
func (f *Flow) Poll(ctx context.Context, deviceCode, clientID string) (*Code, error) {
	return actor.Call(ctx, f.host, instance(deviceCode), func(ctx context.Context) (*Code, error) {
		c, err := f.load(ctx, deviceCode)
		if err != nil {
			return nil, err
		}
		if c.ClientID != clientID {
			return nil, oautherr.ErrInvalidGrant.WithDescription("device code issued to another client")
		}

		now := time.Now()
		if now.UnixMilli() > c.ExpiresAt && c.State == StatePending {
			c.State = StateExpired
			_ = f.save(ctx, c)
		}

		// Interval enforcement applies to every poll, whatever the state.
		if c.LastPolledAt != 0 && now.UnixMilli()-c.LastPolledAt < int64(c.Interval)*1000 {
			c.Interval += SlowDownIncrement
			c.LastPolledAt = now.UnixMilli()
			c.PollCount++
			if err := f.save(ctx, c); err != nil {
				return nil, err
			}
			return nil, oautherr.ErrSlowDown
		}
		c.LastPolledAt = now.UnixMilli()
		c.PollCount++

		switch c.State {
		case StatePending:
			if err := f.save(ctx, c); err != nil {
				return nil, err
			}
			return nil, oautherr.ErrAuthorizationPending
		case StateDenied:
			return nil, oautherr.ErrAccessDenied
		case StateExpired:
			return nil, oautherr.ErrExpiredToken
		case StateConsumed:
			return nil, oautherr.ErrInvalidGrant.WithDescription("device code already redeemed")
		case StateApproved:
			c.State = StateConsumed
			if err := f.save(ctx, c); err != nil {
				return nil, err
			}
			return c, nil
		}
		return nil, oautherr.ErrServerError
	})
}

// Interval returns the interval the client must respect, for the
// device_authorization response.
func (f *Flow) Interval() int {
	return f.interval
}

// Expiry returns the configured lifetime.
func (f *Flow) Expiry() time.Duration {
	return f.expiry
}

func (f *Flow) load(ctx context.Context, deviceCode string) (*Code, error) {
	raw, found, err := f.kv.Get(ctx, deviceKey(deviceCode))
	if err != nil {
		return nil, fmt.Errorf("failed to load device code: %w", err)
	}
	if !found {
		return nil, oautherr.ErrExpiredToken
	}
	var c Code
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to decode device code: %w", err)
	}
	return &c, nil
}

func (f *Flow) save(ctx context.Context, c *Code) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode device code: %w", err)
	}
	// Keep settled codes around briefly past expiry so replays fail with
	// a precise error instead of expired_token.
	ttl := time.Until(time.UnixMilli(c.ExpiresAt)) + time.Minute
	if err := f.kv.Put(ctx, deviceKey(c.DeviceCode), raw, ttl); err != nil {
		return fmt.Errorf("failed to store device code: %w", err)
	}
	return nil
}
