/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package grid

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

// virtualNodes per instance on the hash ring.
const virtualNodes = 150

// hashRing assigns equiplets to grid instances so that each ledger has a single writer.
type hashRing struct {
	mu       sync.RWMutex
	nodes    []uint32
	owners   map[uint32]string
	replicas int
}

func newHashRing(replicas int) *hashRing {
	return &hashRing{
		owners:   make(map[uint32]string),
		replicas: replicas,
	}
}

func vnodeKey(instanceID string, i int) string {
	return fmt.Sprintf("%s:%d:vnode", instanceID, i)
}

func (r *hashRing) add(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.replicas; i++ {
		h := hashKey(vnodeKey(instanceID, i))
		if _, taken := r.owners[h]; !taken {
			r.nodes = append(r.nodes, h)
		}
		r.owners[h] = instanceID
	}
	sort.Slice(r.nodes, func(i, j int) bool { return r.nodes[i] < r.nodes[j] })
}

func (r *hashRing) remove(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.replicas; i++ {
		h := hashKey(vnodeKey(instanceID, i))
		if r.owners[h] == instanceID {
			delete(r.owners, h)
		}
	}
	nodes := make([]uint32, 0, len(r.owners))
	for h := range r.owners {
		nodes = append(nodes, h)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	r.nodes = nodes
}

// owner returns the instance responsible for key.
func (r *hashRing) owner(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.nodes) == 0 {
		return "", false
	}
	h := hashKey(key)
	idx := sort.Search(len(r.nodes), func(i int) bool { return r.nodes[i] >= h })
	if idx == len(r.nodes) {
		idx = 0
	}
	return r.owners[r.nodes[idx]], true
}

// hashKey computes the FNV-1a hash of key.
func hashKey(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}
