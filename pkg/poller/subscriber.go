/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package poller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/carverauto/minegate/pkg/logger"
	"github.com/carverauto/minegate/pkg/metrics"
	"github.com/carverauto/minegate/pkg/models"
	"github.com/carverauto/minegate/pkg/session"
	"github.com/carverauto/minegate/pkg/thingsboard"
)

const (
	DefaultStreamBackoffBase = time.Second
	DefaultStreamBackoffCap  = 30 * time.Second
)

// ErrSubscriptionClosed is returned by Next once a subscription is closed
// and its buffer is empty.
var ErrSubscriptionClosed = errors.New("subscription closed")

// StreamDialer opens push-channel connections.
type StreamDialer interface {
	DialStream(ctx context.Context, token string) (thingsboard.StreamConn, error)
}

// SubscriberConfig configures the Subscriber.
type SubscriberConfig struct {
	QueueSize   int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Subscriber multiplexes device subscriptions over one stream connection.
// Lost connections are redialed with exponential backoff and every live
// subscription is re-sent.
type Subscriber struct {
	dialer StreamDialer
	tokens TokenSource
	cfg    SubscriberConfig
	log    logger.Logger

	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	conn   thingsboard.StreamConn

	newBackOff func() backoff.BackOff
}

// NewSubscriber builds a Subscriber. Nothing is dialed until Run.
func NewSubscriber(cfg SubscriberConfig, dialer StreamDialer, tokens TokenSource, log logger.Logger) *Subscriber {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultStreamBackoffBase
	}

	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultStreamBackoffCap
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	s := &Subscriber{
		dialer: dialer,
		tokens: tokens,
		cfg:    cfg,
		log:    log,
		subs:   make(map[int]*Subscription),
	}

	s.newBackOff = func() backoff.BackOff {
		return session.NewBackOff(cfg.BackoffBase, cfg.BackoffCap)
	}

	return s
}

// Subscribe registers a device. When a connection is up the subscription is
// sent immediately, otherwise on the next connect.
func (s *Subscriber) Subscribe(ctx context.Context, deviceID string, keys []string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++

	sub := &Subscription{
		id:       s.nextID,
		deviceID: deviceID,
		keys:     append([]string(nil), keys...),
		queue:    NewSampleQueue(s.cfg.QueueSize),
		owner:    s,
		done:     make(chan struct{}),
	}

	s.subs[sub.id] = sub

	if s.conn != nil {
		if err := s.conn.Subscribe([]thingsboard.TsSubCmd{sub.command()}); err != nil {
			s.log.Warn().Err(err).Str("device_id", deviceID).Msg("Subscribe failed, will resend on reconnect")
		}
	}

	return sub, nil
}

// Connected reports whether a stream connection is currently up.
func (s *Subscriber) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn != nil
}

// Run keeps the stream connected until ctx ends, then closes every
// subscription.
func (s *Subscriber) Run(ctx context.Context) error {
	defer s.closeAll()

	pause := s.newBackOff()

	for {
		conn, token, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		received, readErr := s.serve(ctx, conn)

		s.detach(conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(readErr, models.ErrAuthenticationFailed) {
			s.tokens.Invalidate(token)
		}

		metrics.RecordStreamReconnect(ctx)

		if received {
			pause.Reset()
		}

		wait := pause.NextBackOff()

		s.log.Warn().Err(readErr).Dur("retry_in", wait).Msg("Telemetry stream lost, reconnecting")

		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()

			return nil
		case <-timer.C:
		}
	}
}

// connect returns the attached connection and the token it was dialed with.
func (s *Subscriber) connect(ctx context.Context) (thingsboard.StreamConn, string, error) {
	var token string

	op := func() (thingsboard.StreamConn, error) {
		cred, err := s.tokens.AcquireToken(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}

			return nil, err
		}

		conn, err := s.dialer.DialStream(ctx, cred.Token)
		if err != nil {
			if errors.Is(err, models.ErrAuthenticationFailed) {
				s.tokens.Invalidate(cred.Token)
			}

			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}

			return nil, err
		}

		if err := s.attach(conn); err != nil {
			_ = conn.Close()

			return nil, err
		}

		token = cred.Token

		return conn, nil
	}

	conn, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Warn().Err(err).Dur("retry_in", next).Msg("Telemetry stream dial failed, retrying")
		}),
	)

	return conn, token, err
}

// attach installs conn and re-sends every live subscription on it.
func (s *Subscriber) attach(conn thingsboard.StreamConn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}

	sort.Ints(ids)

	if len(ids) > 0 {
		cmds := make([]thingsboard.TsSubCmd, 0, len(ids))
		for _, id := range ids {
			cmds = append(cmds, s.subs[id].command())
		}

		if err := conn.Subscribe(cmds); err != nil {
			return err
		}
	}

	s.conn = conn

	s.log.Info().Int("subscriptions", len(ids)).Msg("Telemetry stream connected")

	return nil
}

func (s *Subscriber) detach(conn thingsboard.StreamConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == conn {
		s.conn = nil
	}
}

func (s *Subscriber) serve(ctx context.Context, conn thingsboard.StreamConn) (bool, error) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	received := false

	for {
		update, err := conn.ReadUpdate()
		if err != nil {
			if errors.Is(err, models.ErrMalformedPayload) {
				s.log.Warn().Err(err).Msg("Dropping malformed stream frame")
				metrics.RecordDroppedSamples(ctx, 1, metrics.ReasonMalformed)

				continue
			}

			return received, err
		}

		received = true

		s.dispatch(ctx, update)
	}
}

func (s *Subscriber) dispatch(ctx context.Context, update *thingsboard.StreamUpdate) {
	if update.ErrorCode != 0 {
		s.log.Warn().
			Int("subscription_id", update.SubscriptionID).
			Int("code", update.ErrorCode).
			Str("error", update.ErrorMsg).
			Msg("Stream subscription error")

		return
	}

	s.mu.Lock()
	sub := s.subs[update.SubscriptionID]
	s.mu.Unlock()

	if sub == nil {
		s.log.Debug().Int("subscription_id", update.SubscriptionID).Msg("Update for unknown subscription")
		return
	}

	payload, frameErrs := update.Payload()
	samples, pointErrs := thingsboard.ParseTimeseries(sub.deviceID, payload)

	if bad := len(frameErrs) + len(pointErrs); bad > 0 {
		for _, err := range append(frameErrs, pointErrs...) {
			s.log.Warn().Err(err).Str("device_id", sub.deviceID).Msg("Dropping malformed telemetry point")
		}

		metrics.RecordDroppedSamples(ctx, bad, metrics.ReasonMalformed)
	}

	evicted := 0

	for _, sample := range samples {
		if sub.queue.Push(sample) {
			evicted++
		}
	}

	if evicted > 0 {
		metrics.RecordDroppedSamples(ctx, evicted, metrics.ReasonOverflow)
	}
}

func (s *Subscriber) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[sub.id]; !ok {
		return
	}

	delete(s.subs, sub.id)

	if s.conn != nil {
		cmd := sub.command()
		cmd.Unsubscribe = true

		if err := s.conn.Subscribe([]thingsboard.TsSubCmd{cmd}); err != nil {
			s.log.Debug().Err(err).Str("device_id", sub.deviceID).Msg("Unsubscribe failed")
		}
	}
}

func (s *Subscriber) closeAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[int]*Subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.markClosed()
	}
}

// Subscription is a lazy, unbounded sequence of samples for one device. It
// survives stream reconnects and ends only on Close or when the subscriber
// stops. Its buffer drops the oldest samples when the reader falls behind.
type Subscription struct {
	id       int
	deviceID string
	keys     []string
	queue    *SampleQueue
	owner    *Subscriber

	done      chan struct{}
	closeOnce sync.Once
	chOnce    sync.Once
	ch        chan models.TelemetrySample
}

func (s *Subscription) command() thingsboard.TsSubCmd {
	return thingsboard.NewTsSubCmd(s.id, s.deviceID, s.keys)
}

// DeviceID returns the subscribed device.
func (s *Subscription) DeviceID() string {
	return s.deviceID
}

// Next blocks for the next sample. Buffered samples are still delivered
// after Close; ErrSubscriptionClosed follows once they are exhausted.
func (s *Subscription) Next(ctx context.Context) (models.TelemetrySample, error) {
	for {
		if sample, ok := s.queue.Pop(); ok {
			return sample, nil
		}

		select {
		case <-ctx.Done():
			return models.TelemetrySample{}, ctx.Err()
		case <-s.done:
			if sample, ok := s.queue.Pop(); ok {
				return sample, nil
			}

			return models.TelemetrySample{}, ErrSubscriptionClosed
		case <-s.queue.Notify():
		}
	}
}

// NextBatch blocks for at least one sample and returns everything buffered.
func (s *Subscription) NextBatch(ctx context.Context) ([]models.TelemetrySample, error) {
	first, err := s.Next(ctx)
	if err != nil {
		return nil, err
	}

	return append([]models.TelemetrySample{first}, s.queue.Drain()...), nil
}

// C returns the subscription as a channel, closed when the subscription
// ends. Mixing C with Next splits samples between the two readers.
func (s *Subscription) C() <-chan models.TelemetrySample {
	s.chOnce.Do(func() {
		s.ch = make(chan models.TelemetrySample)

		go func() {
			defer close(s.ch)

			for {
				sample, err := s.Next(context.Background())
				if err != nil {
					return
				}

				select {
				case s.ch <- sample:
				case <-s.done:
					return
				}
			}
		}()
	})

	return s.ch
}

// Dropped returns how many samples were evicted from the buffer.
func (s *Subscription) Dropped() uint64 {
	return s.queue.Dropped()
}

// Close unsubscribes from the stream and ends the sequence.
func (s *Subscription) Close() {
	s.markClosed()
	s.owner.unsubscribe(s)
}

func (s *Subscription) markClosed() {
	s.closeOnce.Do(func() { close(s.done) })
}
