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

// Package natsutil publishes asset status events to NATS JetStream.
package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/minegate/pkg/logger"
	"github.com/carverauto/minegate/pkg/models"
)

const (
	DefaultStream        = "ASSET_EVENTS"
	DefaultSubjectPrefix = "assets.status"

	StatusEventType = "com.minegate.asset.status"
	eventSource     = "minegate/gateway"
	clientName      = "minegate"
)

var errNoURL = errors.New("nats url is empty")

// Config configures the status event sink. An empty URL disables it.
type Config struct {
	URL           string          `json:"url"`
	Stream        string          `json:"stream"`
	SubjectPrefix string          `json:"subject_prefix"`
	CredsFile     string          `json:"creds_file"`
	MaxAge        models.Duration `json:"max_age"`
	TLS           TLSSettings     `json:"tls"`
}

// Enabled reports whether a NATS URL is configured.
func (c *Config) Enabled() bool {
	return c.URL != ""
}

func (c *Config) applyDefaults() {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}

	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
}

// JetStreamPublisher is the publishing subset of jetstream.JetStream.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// StreamManager is the stream management subset of jetstream.JetStream.
type StreamManager interface {
	Stream(ctx context.Context, stream string) (jetstream.Stream, error)
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// EventPublisher publishes CloudEvents for asset status transitions.
type EventPublisher struct {
	js            JetStreamPublisher
	stream        string
	subjectPrefix string
	log           logger.Logger
	nc            *nats.Conn
}

// NewEventPublisher creates an EventPublisher on an existing JetStream handle.
func NewEventPublisher(js JetStreamPublisher, streamName, subjectPrefix string, log logger.Logger) *EventPublisher {
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	return &EventPublisher{
		js:            js,
		stream:        streamName,
		subjectPrefix: subjectPrefix,
		log:           log,
	}
}

// Subject returns the subject a device's events are published on.
func (p *EventPublisher) Subject(deviceID string) string {
	return p.subjectPrefix + "." + subjectToken(deviceID)
}

// PublishStatusChange publishes one transition. The CloudEvent id doubles as
// the JetStream message id so retried publishes are deduplicated.
func (p *EventPublisher) PublishStatusChange(ctx context.Context, change models.StatusChange) error {
	ts := change.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	event := models.CloudEvent{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Source:          eventSource,
		Type:            StatusEventType,
		DataContentType: "application/json",
		Subject:         p.Subject(change.DeviceID),
		Time:            &ts,
		Data:            change,
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}

	ack, err := p.js.Publish(ctx, event.Subject, eventBytes, jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("failed to publish status event: %w", err)
	}

	p.log.Debug().
		Str("event_id", event.ID).
		Str("subject", event.Subject).
		Uint64("seq", ack.Sequence).
		Msg("Published status event")

	return nil
}

// Close drains the underlying connection when the publisher owns one.
func (p *EventPublisher) Close() error {
	if p.nc == nil {
		return nil
	}

	return p.nc.Drain()
}

// Connect dials NATS, ensures the event stream covers the status subjects
// and returns a publisher that owns the connection.
func Connect(ctx context.Context, cfg Config, log logger.Logger) (*EventPublisher, error) {
	if !cfg.Enabled() {
		return nil, errNoURL
	}

	cfg.applyDefaults()

	if log == nil {
		log = logger.NewTestLogger()
	}

	opts, err := connectOptions(cfg, log)
	if err != nil {
		return nil, err
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if err := EnsureStream(ctx, js, cfg.Stream, cfg.SubjectPrefix+".>", cfg.MaxAge.Std(), log); err != nil {
		nc.Close()
		return nil, err
	}

	publisher := NewEventPublisher(js, cfg.Stream, cfg.SubjectPrefix, log)
	publisher.nc = nc

	return publisher, nil
}

func connectOptions(cfg Config, log logger.Logger) ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
		nats.ConnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	}

	if cfg.TLS.Enabled() {
		tlsConf, err := TLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to build NATS TLS config: %w", err)
		}

		opts = append(opts, nats.Secure(tlsConf))
	}

	return opts, nil
}

// EnsureStream creates the stream when missing, or extends its subjects
// when they do not already cover subject.
func EnsureStream(
	ctx context.Context, js StreamManager, name, subject string, maxAge time.Duration, log logger.Logger,
) error {
	stream, err := js.Stream(ctx, name)
	if err != nil {
		if !isStreamMissingErr(err) {
			return fmt.Errorf("failed to look up stream %s: %w", name, err)
		}

		if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     name,
			Subjects: []string{subject},
			MaxAge:   maxAge,
		}); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", name, err)
		}

		log.Info().Str("stream", name).Str("subject", subject).Msg("Created NATS JetStream stream")

		return nil
	}

	info := stream.CachedInfo()
	if info == nil {
		return nil
	}

	subjects := ensureSubjectList(append([]string(nil), info.Config.Subjects...), subject)
	if len(subjects) == len(info.Config.Subjects) {
		return nil
	}

	streamCfg := info.Config
	streamCfg.Subjects = subjects

	if _, err := js.CreateOrUpdateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", name, err)
	}

	log.Info().Str("stream", name).Strs("subjects", subjects).Msg("Extended NATS JetStream stream subjects")

	return nil
}

func isStreamMissingErr(err error) bool {
	return errors.Is(err, jetstream.ErrStreamNotFound) ||
		errors.Is(err, jetstream.ErrNoStreamResponse) ||
		errors.Is(err, nats.ErrStreamNotFound) ||
		errors.Is(err, nats.ErrNoStreamResponse) ||
		errors.Is(err, nats.ErrNoResponders)
}

func ensureSubjectList(subjects []string, subject string) []string {
	for _, s := range subjects {
		if matchesSubject(s, subject) {
			return subjects
		}
	}

	return append(subjects, subject)
}

// matchesSubject reports whether pattern covers subject, honoring the
// '*' and '>' wildcards. A '>' subject is covered only by a '>' pattern.
func matchesSubject(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")

	for i, tok := range p {
		if tok == ">" {
			return i < len(s)
		}

		if i >= len(s) {
			return false
		}

		if s[i] == ">" {
			return false
		}

		if tok != "*" && tok != s[i] {
			return false
		}
	}

	return len(p) == len(s)
}

// subjectToken makes a device id safe to use as one subject token.
func subjectToken(id string) string {
	if id == "" {
		return "_"
	}

	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		default:
			return r
		}
	}, id)
}
