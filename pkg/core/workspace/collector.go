// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/awesome-archive/Dragon/pkg/core/errs"
	"github.com/awesome-archive/Dragon/pkg/support/sets"
)

// Scope is the lifetime category of a tensor id. It is also the prefix of the ids allocated in it.
type Scope string

const (
	// DataScope holds values outside any differentiable graph. Its ids are recycled as soon as they are released.
	DataScope Scope = "${DATA}"

	// GraphScope holds values that are part of an active gradient computation. Its ids are only recycled
	// after every tape referencing them is discarded.
	GraphScope Scope = "${GRAPH}"
)

// ResolveScope returns the scope new outputs are allocated in: GraphScope if the operation requires
// gradients, DataScope otherwise.
func ResolveScope(requiresGrad bool) Scope {
	if requiresGrad {
		return GraphScope
	}
	return DataScope
}

// TensorCollector issues unique tensor ids per scope, and recycles released ones.
//
// Ids are "<scope>/<n>". Released ids go to a per-scope free list and are handed out again by Alloc,
// most recently released first. An id pinned (by a tape) is not recycled until it is unpinned by
// every pinning owner: a Release while pinned is deferred.
type TensorCollector struct {
	maxTensors int

	counters map[Scope]int
	free     map[Scope][]string
	live     map[Scope]sets.Set[string]
	liveSet  map[string]Scope

	pins     map[string]int
	deferred sets.Set[string]
}

// NewTensorCollector returns an empty collector. If maxTensors > 0, it is the ceiling of live ids
// over all scopes, after which Alloc fails with ErrAllocation.
func NewTensorCollector(maxTensors int) *TensorCollector {
	return &TensorCollector{
		maxTensors: maxTensors,
		counters:   make(map[Scope]int),
		free:       make(map[Scope][]string),
		live:       make(map[Scope]sets.Set[string]),
		liveSet:    make(map[string]Scope),
		pins:       make(map[string]int),
		deferred:   sets.Make[string](),
	}
}

// Alloc returns an id in the given scope: a recycled one if available, otherwise a new one.
func (c *TensorCollector) Alloc(scope Scope) (string, error) {
	var id string
	if free := c.free[scope]; len(free) > 0 {
		id = free[len(free)-1]
		c.free[scope] = free[:len(free)-1]
	} else {
		if c.maxTensors > 0 && len(c.liveSet) >= c.maxTensors {
			return "", errs.Allocationf("cannot allocate a new tensor in %s: the maximum of %d live tensors was reached",
				scope, c.maxTensors)
		}
		id = fmt.Sprintf("%s/%d", scope, c.counters[scope])
		c.counters[scope]++
	}
	liveInScope, found := c.live[scope]
	if !found {
		liveInScope = sets.Make[string]()
		c.live[scope] = liveInScope
	}
	liveInScope.Insert(id)
	c.liveSet[id] = scope
	klog.V(3).Infof("TensorCollector: alloc %s", id)
	return id, nil
}

// Release returns the id to its scope's free list, or defers it if the id is pinned.
// Ids not allocated by the collector (literal ids) and ids already released are ignored.
func (c *TensorCollector) Release(id string) {
	scope, found := c.liveSet[id]
	if !found {
		return
	}
	if c.pins[id] > 0 {
		c.deferred.Insert(id)
		klog.V(3).Infof("TensorCollector: release of pinned %s deferred", id)
		return
	}
	c.recycle(id, scope)
}

func (c *TensorCollector) recycle(id string, scope Scope) {
	c.live[scope].Remove(id)
	delete(c.liveSet, id)
	c.free[scope] = append(c.free[scope], id)
	klog.V(3).Infof("TensorCollector: release %s", id)
}

// Pin marks the ids as referenced by one more owner. Ids not allocated by the collector are ignored.
func (c *TensorCollector) Pin(ids ...string) {
	for _, id := range ids {
		if _, found := c.liveSet[id]; found {
			c.pins[id]++
		}
	}
}

// Unpin drops one reference to each id. Deferred releases of ids no longer pinned happen now.
func (c *TensorCollector) Unpin(ids ...string) {
	for _, id := range ids {
		count, found := c.pins[id]
		if !found {
			continue
		}
		if count > 1 {
			c.pins[id] = count - 1
			continue
		}
		delete(c.pins, id)
		if c.deferred.Has(id) {
			c.deferred.Remove(id)
			c.recycle(id, c.liveSet[id])
		}
	}
}

// IsLive returns whether the id was allocated and not yet recycled. Deferred releases are still live.
func (c *TensorCollector) IsLive(id string) bool {
	_, found := c.liveSet[id]
	return found
}

// IsPinned returns whether the id is pinned by at least one owner.
func (c *TensorCollector) IsPinned(id string) bool { return c.pins[id] > 0 }

// NumLive returns the number of live ids in the scope.
func (c *TensorCollector) NumLive(scope Scope) int { return len(c.live[scope]) }

// NumFree returns the number of recycled ids waiting in the scope's free list.
func (c *TensorCollector) NumFree(scope Scope) int { return len(c.free[scope]) }

// LiveIDs returns the sorted live ids of the scope.
func (c *TensorCollector) LiveIDs(scope Scope) []string { return sets.Sorted(c.live[scope]) }

// OperatorCollector issues operator instance names, "<type>_<n>", with a counter and a free list per type.
//
// Like tensor ids, names can be pinned by the tapes recording them: a pinned name is only released
// when the last pin is dropped.
type OperatorCollector struct {
	counters map[string]int
	free     map[string][]string
	live     map[string]string // name -> type
	pins     map[string]int
}

// NewOperatorCollector returns an empty OperatorCollector.
func NewOperatorCollector() *OperatorCollector {
	return &OperatorCollector{
		counters: make(map[string]int),
		free:     make(map[string][]string),
		live:     make(map[string]string),
		pins:     make(map[string]int),
	}
}

// Alloc returns a name for an operator of the given type, reusing a released one if available.
func (c *OperatorCollector) Alloc(opType string) string {
	var name string
	if free := c.free[opType]; len(free) > 0 {
		name = free[len(free)-1]
		c.free[opType] = free[:len(free)-1]
	} else {
		name = fmt.Sprintf("%s_%d", strings.ReplaceAll(opType, "/", "_"), c.counters[opType])
		c.counters[opType]++
	}
	c.live[name] = opType
	klog.V(3).Infof("OperatorCollector: alloc %s", name)
	return name
}

// Release returns the name to the free list of its type. Unknown and pinned names are ignored.
func (c *OperatorCollector) Release(name string) {
	opType, found := c.live[name]
	if !found || c.pins[name] > 0 {
		return
	}
	delete(c.live, name)
	c.free[opType] = append(c.free[opType], name)
	klog.V(3).Infof("OperatorCollector: release %s", name)
}

// Pin adds one owner to the name. Unknown names are ignored.
func (c *OperatorCollector) Pin(name string) {
	if _, found := c.live[name]; found {
		c.pins[name]++
	}
}

// Unpin drops one owner of the name, and releases it when no owner is left.
func (c *OperatorCollector) Unpin(name string) {
	count, found := c.pins[name]
	if !found {
		return
	}
	if count > 1 {
		c.pins[name] = count - 1
		return
	}
	delete(c.pins, name)
	c.Release(name)
}

// IsLive returns whether the name is allocated and not released.
func (c *OperatorCollector) IsLive(name string) bool {
	_, found := c.live[name]
	return found
}

// NumLive returns the number of allocated, not released, operator names.
func (c *OperatorCollector) NumLive() int { return len(c.live) }
