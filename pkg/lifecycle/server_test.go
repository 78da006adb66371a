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

package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/minegate/pkg/logger"
)

type recordingService struct {
	name     string
	startErr error
	events   *[]string
	mu       *sync.Mutex
}

func (s *recordingService) record(ev string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	*s.events = append(*s.events, ev)
}

func (s *recordingService) Start(context.Context) error {
	s.record("start " + s.name)
	return s.startErr
}

func (s *recordingService) Stop(context.Context) error {
	s.record("stop " + s.name)
	return nil
}

func TestRunServerStopsInReverseOrder(t *testing.T) {
	var (
		events []string
		mu     sync.Mutex
	)

	a := &recordingService{name: "a", events: &events, mu: &mu}
	b := &recordingService{name: "b", events: &events, mu: &mu}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := RunServer(ctx, &ServerOptions{
		ServiceName: "test",
		Services:    []Service{a, b},
		Logger:      logger.NewTestLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, events)
}

func TestRunServerStartFailureStopsStarted(t *testing.T) {
	var (
		events []string
		mu     sync.Mutex
	)

	boom := errors.New("boom")
	a := &recordingService{name: "a", events: &events, mu: &mu}
	b := &recordingService{name: "b", events: &events, mu: &mu, startErr: boom}

	err := RunServer(context.Background(), &ServerOptions{Services: []Service{a, b}})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"start a", "start b", "stop a"}, events)
}

func TestCreateComponentLogger(t *testing.T) {
	l, err := CreateComponentLogger(context.Background(), "catalog", &logger.Config{Level: "warn", Output: "stderr"})
	require.NoError(t, err)
	require.NotNil(t, l)

	_, err = NewLoggerImpl(context.Background(), &logger.Config{Level: "loud"})
	require.Error(t, err)
}
