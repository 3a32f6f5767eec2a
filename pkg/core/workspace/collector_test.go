// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveScope(t *testing.T) {
	assert.Equal(t, GraphScope, ResolveScope(true))
	assert.Equal(t, DataScope, ResolveScope(false))
}

func TestTensorCollector(t *testing.T) {
	c := NewTensorCollector(0)
	ids := []string{must.M1(c.Alloc(DataScope)), must.M1(c.Alloc(DataScope)), must.M1(c.Alloc(GraphScope))}
	require.Equal(t, []string{"${DATA}/0", "${DATA}/1", "${GRAPH}/0"}, ids)
	require.Equal(t, 2, c.NumLive(DataScope))
	require.Equal(t, []string{"${DATA}/0", "${DATA}/1"}, c.LiveIDs(DataScope))

	// Recycled within its own scope only, most recent first.
	c.Release("${DATA}/0")
	c.Release("${DATA}/1")
	c.Release("${DATA}/1") // Double release is a no-op.
	c.Release("literal")   // Not allocated by the collector.
	require.Equal(t, 2, c.NumFree(DataScope))
	require.Equal(t, "${GRAPH}/1", must.M1(c.Alloc(GraphScope)))
	require.Equal(t, "${DATA}/1", must.M1(c.Alloc(DataScope)))
	require.Equal(t, "${DATA}/0", must.M1(c.Alloc(DataScope)))
	require.Equal(t, "${DATA}/2", must.M1(c.Alloc(DataScope)))
}

func TestTensorCollectorPinning(t *testing.T) {
	c := NewTensorCollector(0)
	id := must.M1(c.Alloc(GraphScope))

	// Pinned by two tapes.
	c.Pin(id)
	c.Pin(id)
	c.Release(id)
	require.True(t, c.IsLive(id), "release of a pinned id must be deferred")
	require.NotEqual(t, id, must.M1(c.Alloc(GraphScope)))

	c.Unpin(id)
	require.True(t, c.IsLive(id))
	require.True(t, c.IsPinned(id))
	c.Unpin(id)
	require.False(t, c.IsLive(id))
	require.False(t, c.IsPinned(id))
	require.Equal(t, id, must.M1(c.Alloc(GraphScope)))

	// Unpinning without a pending release keeps the id live.
	other := must.M1(c.Alloc(GraphScope))
	c.Pin(other)
	c.Unpin(other)
	require.True(t, c.IsLive(other))
}

func TestOperatorCollector(t *testing.T) {
	c := NewOperatorCollector()
	require.Equal(t, "Add_0", c.Alloc("Add"))
	require.Equal(t, "Add_1", c.Alloc("Add"))
	require.Equal(t, "Mul_0", c.Alloc("Mul"))
	require.Equal(t, 3, c.NumLive())

	c.Release("Add_0")
	c.Release("Unknown_7")
	require.False(t, c.IsLive("Add_0"))
	require.Equal(t, "Add_0", c.Alloc("Add"))
	require.Equal(t, "Add_2", c.Alloc("Add"))
}

func TestOperatorCollectorPinning(t *testing.T) {
	c := NewOperatorCollector()
	name := c.Alloc("Mul")
	c.Pin(name)
	c.Pin(name)
	c.Release(name)
	require.True(t, c.IsLive(name), "pinned names are not released")
	c.Unpin(name)
	require.True(t, c.IsLive(name))
	c.Unpin(name)
	require.False(t, c.IsLive(name))
	require.Equal(t, name, c.Alloc("Mul"))
}
