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
	"sync"

	"github.com/carverauto/minegate/pkg/models"
)

const DefaultQueueSize = 50

// SampleQueue is a bounded FIFO that discards its oldest entry when full.
type SampleQueue struct {
	mu      sync.Mutex
	buf     []models.TelemetrySample
	head    int
	size    int
	dropped uint64
	notify  chan struct{}
}

func NewSampleQueue(capacity int) *SampleQueue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}

	return &SampleQueue{
		buf:    make([]models.TelemetrySample, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends a sample and reports whether the oldest one was evicted.
func (q *SampleQueue) Push(sample models.TelemetrySample) bool {
	q.mu.Lock()

	evicted := false

	if q.size == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		evicted = true
	}

	q.buf[(q.head+q.size)%len(q.buf)] = sample
	q.size++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	return evicted
}

// Pop removes the oldest sample.
func (q *SampleQueue) Pop() (models.TelemetrySample, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return models.TelemetrySample{}, false
	}

	sample := q.buf[q.head]
	q.buf[q.head] = models.TelemetrySample{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--

	return sample, true
}

// Drain removes and returns everything queued, oldest first.
func (q *SampleQueue) Drain() []models.TelemetrySample {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.TelemetrySample, q.size)

	for i := range out {
		idx := (q.head + i) % len(q.buf)
		out[i] = q.buf[idx]
		q.buf[idx] = models.TelemetrySample{}
	}

	q.head = 0
	q.size = 0

	return out
}

// Notify is signalled after each Push. A single pending signal may cover
// several pushes.
func (q *SampleQueue) Notify() <-chan struct{} {
	return q.notify
}

func (q *SampleQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.size
}

// Dropped returns how many samples were evicted so far.
func (q *SampleQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.dropped
}
