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

package thingsboard

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carverauto/minegate/pkg/models"
)

type wsStream struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	idleTimeout  time.Duration
	done         chan struct{}
	closeOnce    sync.Once
	closeErr     error
}

// newWSStream arms a read deadline of idleTimeout that every frame and pong
// extends, and pings the peer twice per interval.
func newWSStream(conn *websocket.Conn, writeTimeout, idleTimeout time.Duration) *wsStream {
	s := &wsStream{
		conn:         conn,
		writeTimeout: writeTimeout,
		idleTimeout:  idleTimeout,
		done:         make(chan struct{}),
	}

	s.extendDeadline()
	conn.SetPongHandler(func(string) error {
		s.extendDeadline()
		return nil
	})

	go s.keepalive(idleTimeout / 2)

	return s
}

func (s *wsStream) extendDeadline() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
}

func (s *wsStream) keepalive(period time.Duration) {
	if period <= 0 {
		return
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *wsStream) Subscribe(cmds []TsSubCmd) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))

	if err := s.conn.WriteJSON(SubscriptionCommand{TsSubCmds: cmds}); err != nil {
		return fmt.Errorf("%w: write subscription: %v", models.ErrBackendUnavailable, err)
	}

	return nil
}

// ReadUpdate blocks until the next frame arrives, the connection fails, or
// the peer stays silent past the idle timeout.
func (s *wsStream) ReadUpdate() (*StreamUpdate, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			return nil, fmt.Errorf("%w: %v", models.ErrAuthenticationFailed, err)
		}

		return nil, fmt.Errorf("%w: read stream: %v", models.ErrBackendUnavailable, err)
	}

	s.extendDeadline()

	var update StreamUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, fmt.Errorf("%w: stream frame: %w", models.ErrMalformedPayload, err)
	}

	return &update, nil
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()

		s.closeErr = s.conn.Close()
	})

	return s.closeErr
}
