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

// Package snapshot holds the latest AssetSnapshot per device.
package snapshot

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/carverauto/minegate/pkg/models"
)

// ErrNotFound is returned for device ids the cache does not hold.
var ErrNotFound = errors.New("asset snapshot not found")

// Cache stores immutable snapshots behind per-key atomic replacement.
// Readers never block writers and always see a complete snapshot.
type Cache struct {
	entries sync.Map // device id -> *models.AssetSnapshot
	size    atomic.Int64
}

func NewCache() *Cache {
	return &Cache{}
}

// Get returns a copy of one snapshot.
func (c *Cache) Get(deviceID string) (models.AssetSnapshot, error) {
	v, ok := c.entries.Load(deviceID)
	if !ok {
		return models.AssetSnapshot{}, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}

	return v.(*models.AssetSnapshot).Clone(), nil
}

// GetAll returns copies of every snapshot ordered by device id.
func (c *Cache) GetAll() []models.AssetSnapshot {
	out := make([]models.AssetSnapshot, 0, c.Len())

	c.entries.Range(func(_, v any) bool {
		out = append(out, v.(*models.AssetSnapshot).Clone())
		return true
	})

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })

	return out
}

// Put stores a copy of snap and returns the snapshot it replaced, if any.
func (c *Cache) Put(snap models.AssetSnapshot) (models.AssetSnapshot, bool) {
	stored := snap.Clone()

	prev, loaded := c.entries.Swap(snap.DeviceID, &stored)
	if !loaded {
		c.size.Add(1)
		return models.AssetSnapshot{}, false
	}

	return *prev.(*models.AssetSnapshot), true
}

// Delete removes a device and reports whether it was present.
func (c *Cache) Delete(deviceID string) bool {
	if _, loaded := c.entries.LoadAndDelete(deviceID); loaded {
		c.size.Add(-1)
		return true
	}

	return false
}

// Retain drops every device not in keep and returns the removed ids.
func (c *Cache) Retain(keep map[string]struct{}) []string {
	var removed []string

	c.entries.Range(func(k, _ any) bool {
		id := k.(string)
		if _, ok := keep[id]; !ok && c.Delete(id) {
			removed = append(removed, id)
		}

		return true
	})

	sort.Strings(removed)

	return removed
}

// Len returns the number of cached snapshots.
func (c *Cache) Len() int {
	return int(c.size.Load())
}
