// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package ciba implements client-initiated backchannel authentication:
// the bc-authorize request store, the polling state machine, and ping and
// push delivery with retry and dead-lettering.
package ciba

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/oautherr"
	"github.com/authrim/authrim/pkg/storage"
)

const (
	// DefaultExpiry is the authentication-request lifetime.
	DefaultExpiry = 10 * time.Minute

	// DefaultInterval is the minimum polling interval in seconds.
	DefaultInterval = 5

	// deliveryAttempts bounds ping/push retries before dead-lettering.
	deliveryAttempts = 5

	shardCount = 16
)

// State is the authentication-request lifecycle.
type State string

// Request states.
const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDenied   State = "denied"
	StateConsumed State = "consumed"
	StateExpired  State = "expired"
)

// Request is one backchannel authentication in flight.
type Request struct {
	AuthReqID string   `json:"auth_req_id"`
	ClientID  string   `json:"client_id"`
	Scope     []string `json:"scope,omitempty"`

	LoginHint      string `json:"login_hint,omitempty"`
	BindingMessage string `json:"binding_message,omitempty"`

	// DeliveryMode and NotificationEndpoint are copied from the client
	// at start time; NotificationToken echoes the client's bearer.
	DeliveryMode         string `json:"delivery_mode"`
	NotificationEndpoint string `json:"notification_endpoint,omitempty"`
	NotificationToken    string `json:"notification_token,omitempty"`

	State  State  `json:"state"`
	UserID string `json:"user_id,omitempty"`

	CreatedAt    int64 `json:"created_at"`
	ExpiresAt    int64 `json:"expires_at"`
	Interval     int   `json:"interval"`
	LastPolledAt int64 `json:"last_polled_at,omitempty"`
}

// PushPayloadFunc builds the token payload delivered in push mode.
type PushPayloadFunc func(ctx context.Context, req *Request) (map[string]any, error)

// Engine is the CIBA facade.
type Engine struct {
	host   *actor.Host
	kv     storage.KV
	client *http.Client
	logger *slog.Logger

	expiry      time.Duration
	interval    int
	pushPayload PushPayloadFunc
	newBackOff  func() backoff.BackOff
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient overrides the delivery client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.client = c
	}
}

// WithExpiry overrides the request lifetime.
func WithExpiry(d time.Duration) Option {
	return func(e *Engine) {
		e.expiry = d
	}
}

// WithPushPayload sets the token-minting callback for push delivery.
func WithPushPayload(fn PushPayloadFunc) Option {
	return func(e *Engine) {
		e.pushPayload = fn
	}
}

// WithDeliveryBackOff overrides the retry schedule for ping and push.
func WithDeliveryBackOff(factory func() backoff.BackOff) Option {
	return func(e *Engine) {
		e.newBackOff = factory
	}
}

// NewEngine creates a CIBA engine.
func NewEngine(host *actor.Host, kv storage.KV, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		host:     host,
		kv:       kv,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		expiry:   DefaultExpiry,
		interval: DefaultInterval,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func key(authReqID string) string {
	return "cibareq/" + authReqID
}

func deadLetterKey(authReqID string) string {
	return "cibadlq/" + authReqID
}

func instance(authReqID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(authReqID))
	return fmt.Sprintf("ciba-s%d", h.Sum32()%shardCount)
}

// Start creates a pending authentication request for client.
func (e *Engine) Start(ctx context.Context, client *clients.Metadata, scope []string, loginHint, bindingMessage, notificationToken string) (*Request, error) {
	mode := client.BackchannelTokenDeliveryMode
	if mode == "" {
		mode = "poll"
	}

	now := time.Now()
	req := &Request{
		AuthReqID:            uuid.NewString(),
		ClientID:             client.ID,
		Scope:                scope,
		LoginHint:            loginHint,
		BindingMessage:       bindingMessage,
		DeliveryMode:         mode,
		NotificationEndpoint: client.BackchannelNotificationEndpoint,
		NotificationToken:    notificationToken,
		State:                StatePending,
		CreatedAt:            now.UnixMilli(),
		ExpiresAt:            now.Add(e.expiry).UnixMilli(),
		Interval:             e.interval,
	}

	_, err := e.host.Do(ctx, instance(req.AuthReqID), func(ctx context.Context) (any, error) {
		return nil, e.save(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Decide applies the user's decision. For ping and push clients an
// approval also kicks off delivery in the background.
func (e *Engine) Decide(ctx context.Context, authReqID, userID string, approved bool) error {
	var settled *Request
	_, err := e.host.Do(ctx, instance(authReqID), func(ctx context.Context) (any, error) {
		req, err := e.load(ctx, authReqID)
		if err != nil {
			return nil, err
		}
		if req.State != StatePending {
			return nil, oautherr.ErrInvalidRequest.WithDescription("authentication request already decided")
		}
		if approved {
			req.State = StateApproved
			req.UserID = userID
		} else {
			req.State = StateDenied
		}
		if err := e.save(ctx, req); err != nil {
			return nil, err
		}
		settled = req
		return nil, nil
	})
	if err != nil {
		return err
	}

	if approved && (settled.DeliveryMode == "ping" || settled.DeliveryMode == "push") {
		go e.deliver(settled)
	}
	return nil
}

// Poll is the token-endpoint side for poll-mode clients. It returns the
// approved request exactly once.
func (e *Engine) Poll(ctx context.Context, authReqID, clientID string) (*Request, error) {
	return actor.Call(ctx, e.host, instance(authReqID), func(ctx context.Context) (*Request, error) {
		req, err := e.load(ctx, authReqID)
		if err != nil {
			return nil, err
		}
		if req.ClientID != clientID {
			return nil, oautherr.ErrInvalidGrant.WithDescription("auth_req_id issued to another client")
		}

		now := time.Now()
		if now.UnixMilli() > req.ExpiresAt && req.State == StatePending {
			req.State = StateExpired
			_ = e.save(ctx, req)
		}

		if req.LastPolledAt != 0 && now.UnixMilli()-req.LastPolledAt < int64(req.Interval)*1000 {
			req.LastPolledAt = now.UnixMilli()
			if err := e.save(ctx, req); err != nil {
				return nil, err
			}
			return nil, oautherr.ErrSlowDown
		}
		req.LastPolledAt = now.UnixMilli()

		switch req.State {
		case StatePending:
			if err := e.save(ctx, req); err != nil {
				return nil, err
			}
			return nil, oautherr.ErrAuthorizationPending
		case StateDenied:
			return nil, oautherr.ErrAccessDenied
		case StateExpired:
			return nil, oautherr.ErrExpiredToken
		case StateConsumed:
			return nil, oautherr.ErrInvalidGrant.WithDescription("auth_req_id already redeemed")
		case StateApproved:
			req.State = StateConsumed
			if err := e.save(ctx, req); err != nil {
				return nil, err
			}
			return req, nil
		}
		return nil, oautherr.ErrServerError
	})
}

// deliver POSTs the ping notification or push payload with exponential
// backoff, dead-lettering the request after the attempt budget.
func (e *Engine) deliver(req *Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	operation := func() (struct{}, error) {
		return struct{}{}, e.deliverOnce(ctx, req)
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(e.newBackOff()),
		backoff.WithMaxTries(deliveryAttempts))
	if err == nil {
		return
	}

	e.logger.Error("backchannel delivery failed, dead-lettering",
		"auth_req_id", req.AuthReqID, "client_id", req.ClientID, "mode", req.DeliveryMode, "error", err)
	raw, merr := json.Marshal(req)
	if merr != nil {
		return
	}
	// Dead letters are kept for the operator, not auto-retried.
	_ = e.kv.Put(ctx, deadLetterKey(req.AuthReqID), raw, 0)
}

func (e *Engine) deliverOnce(ctx context.Context, req *Request) error {
	payload := map[string]any{"auth_req_id": req.AuthReqID}
	if req.DeliveryMode == "push" {
		if e.pushPayload == nil {
			return backoff.Permanent(fmt.Errorf("push delivery configured without a payload builder"))
		}
		tokens, err := e.pushPayload(ctx, req)
		if err != nil {
			return err
		}
		for k, v := range tokens {
			payload[k] = v
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.NotificationEndpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.NotificationToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.NotificationToken)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// DeadLettered reports whether delivery for authReqID gave up.
func (e *Engine) DeadLettered(ctx context.Context, authReqID string) (bool, error) {
	_, found, err := e.kv.Get(ctx, deadLetterKey(authReqID))
	return found, err
}

func (e *Engine) load(ctx context.Context, authReqID string) (*Request, error) {
	raw, found, err := e.kv.Get(ctx, key(authReqID))
	if err != nil {
		return nil, fmt.Errorf("failed to load authentication request: %w", err)
	}
	if !found {
		return nil, oautherr.ErrExpiredToken
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("failed to decode authentication request: %w", err)
	}
	return &req, nil
}

func (e *Engine) save(ctx context.Context, req *Request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode authentication request: %w", err)
	}
	ttl := time.Until(time.UnixMilli(req.ExpiresAt)) + time.Minute
	if err := e.kv.Put(ctx, key(req.AuthReqID), raw, ttl); err != nil {
		return fmt.Errorf("failed to store authentication request: %w", err)
	}
	return nil
}
