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

package gateway

import (
	"sync"

	"github.com/carverauto/minegate/pkg/models"
	"github.com/carverauto/minegate/pkg/poller"
)

// pendingBuffer holds samples for devices missing from the catalog. Each
// device keeps at most perDevice samples and at most maxDevices devices are
// tracked; the device buffered first is evicted when the limit is hit.
type pendingBuffer struct {
	mu         sync.Mutex
	perDevice  int
	maxDevices int
	queues     map[string]*poller.SampleQueue
	order      []string
}

func newPendingBuffer(perDevice, maxDevices int) *pendingBuffer {
	return &pendingBuffer{
		perDevice:  perDevice,
		maxDevices: maxDevices,
		queues:     make(map[string]*poller.SampleQueue),
	}
}

// Add buffers samples and returns how many were discarded, either as
// evicted samples of this device or as the whole backlog of an evicted one.
func (p *pendingBuffer) Add(deviceID string, samples []models.TelemetrySample) (overflow, evicted int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.queues[deviceID]
	if !ok {
		if len(p.order) >= p.maxDevices {
			oldest := p.order[0]
			p.order = p.order[1:]
			evicted = p.queues[oldest].Len()
			delete(p.queues, oldest)
		}

		q = poller.NewSampleQueue(p.perDevice)
		p.queues[deviceID] = q
		p.order = append(p.order, deviceID)
	}

	for _, s := range samples {
		if q.Push(s) {
			overflow++
		}
	}

	return overflow, evicted
}

// Take removes and returns the backlog for a device.
func (p *pendingBuffer) Take(deviceID string) []models.TelemetrySample {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.queues[deviceID]
	if !ok {
		return nil
	}

	delete(p.queues, deviceID)
	p.removeOrder(deviceID)

	return q.Drain()
}

// Retain discards the backlog of every device not in keep and returns the
// number of samples discarded.
func (p *pendingBuffer) Retain(keep map[string]models.DeviceDescriptor) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	discarded := 0
	kept := p.order[:0]

	for _, id := range p.order {
		if _, ok := keep[id]; ok {
			kept = append(kept, id)
			continue
		}

		discarded += p.queues[id].Len()
		delete(p.queues, id)
	}

	p.order = kept

	return discarded
}

func (p *pendingBuffer) removeOrder(deviceID string) {
	for i, id := range p.order {
		if id == deviceID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

// Devices returns how many devices have a backlog.
func (p *pendingBuffer) Devices() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.queues)
}
