package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/42atom/msgcode/internal/bridge"
	"github.com/42atom/msgcode/internal/config"
	"github.com/42atom/msgcode/internal/cursor"
	"github.com/42atom/msgcode/internal/lane"
	otelPkg "github.com/42atom/msgcode/internal/otel"
)

const (
	restartBackoffMin = time.Second
	restartBackoffMax = time.Minute
)

// bridgeSender forwards replies to whichever bridge client is currently
// alive. The supervisor swaps the client across restarts; everyone else holds
// the sender.
type bridgeSender struct {
	mu     sync.RWMutex
	client *bridge.Client
}

func (s *bridgeSender) set(c *bridge.Client) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

func (s *bridgeSender) SendReply(ctx context.Context, conversationID, text string) error {
	s.mu.RLock()
	c := s.client
	s.mu.RUnlock()
	if c == nil {
		return errors.New("bridge not connected")
	}
	res, err := c.Send(ctx, conversationID, text, "")
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("bridge rejected send to %s", conversationID)
	}
	return nil
}

// laneHandler adapts the coordinator to the transport's observer interface.
// Close handling belongs to the supervisor, which watches Done directly.
type laneHandler struct {
	coord  *lane.Coordinator
	logger *slog.Logger
}

func (h *laneHandler) OnEvent(ev bridge.InboundEvent) { h.coord.HandleEvent(ev) }

func (h *laneHandler) OnClose(err error) {
	if err != nil {
		h.logger.Warn("bridge connection closed", "error", err)
	}
}

// bridgeSupervisor keeps one bridge subprocess alive: start, subscribe from
// the persisted cursor boundary, wait for exit, back off, restart.
type bridgeSupervisor struct {
	cfg     config.Config
	cursors *cursor.Store
	handler *lane.Coordinator
	sender  *bridgeSender
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
}

// Run blocks until ctx is cancelled. A subprocess that dies immediately after
// start still burns a backoff step, so a broken bridge command cannot spin.
func (s *bridgeSupervisor) Run(ctx context.Context) error {
	backoff := restartBackoffMin
	for {
		started := time.Now()
		client, err := s.startOnce(ctx)
		if err != nil {
			s.logger.Error("bridge start failed", "error", err, "retry_in", backoff)
		} else {
			select {
			case <-ctx.Done():
				_ = client.Stop()
				s.sender.set(nil)
				return nil
			case <-client.Done():
				s.sender.set(nil)
				s.logger.Warn("bridge exited, restarting")
			}
			if time.Since(started) > restartBackoffMax {
				backoff = restartBackoffMin
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > restartBackoffMax {
			backoff = restartBackoffMax
		}
	}
}

func (s *bridgeSupervisor) startOnce(ctx context.Context) (*bridge.Client, error) {
	client, err := bridge.New(bridge.Options{
		Command:        s.cfg.Bridge.Command,
		Args:           s.cfg.Bridge.Args,
		Env:            s.cfg.Bridge.Env,
		RequestTimeout: s.cfg.RequestTimeout(),
		StartupTimeout: time.Duration(s.cfg.Bridge.StartupTimeoutSeconds) * time.Second,
		MaxLineBytes:   s.cfg.Bridge.MaxLineBytes,
		Handler:        &laneHandler{coord: s.handler, logger: s.logger},
		Logger:         s.logger,
		Tracer:         s.tracer,
		Metrics:        s.metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Start(ctx); err != nil {
		return nil, err
	}
	s.sender.set(client)

	res, err := client.Subscribe(ctx, s.sinceWindow())
	if err != nil {
		s.sender.set(nil)
		_ = client.Stop()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info("bridge subscribed", "subscription_id", res.SubscriptionID)
	return client, nil
}

// sinceWindow picks the catch-up boundary: resume from the highest persisted
// cursor when one exists, otherwise honor the configured first-run mode so a
// fresh install never replays the entire backlog.
func (s *bridgeSupervisor) sinceWindow() bridge.SubscribeOptions {
	if max := s.cursors.MaxRowid(); max > 0 {
		return bridge.SubscribeOptions{SinceRowid: max}
	}
	if s.cfg.Bridge.SinceMode == "genesis" {
		return bridge.SubscribeOptions{}
	}
	return bridge.SubscribeOptions{SinceTimestampMs: time.Now().UnixMilli()}
}
