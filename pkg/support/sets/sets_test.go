// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	// Sets are created empty.
	s := Make[int](10)
	assert.Len(t, s, 0)

	// Check inserting and recovery.
	s.Insert(3, 7)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.True(t, s.Has(7))
	assert.False(t, s.Has(5))

	s2 := MakeWith(5, 7)
	s3 := s.Sub(s2)
	assert.Len(t, s3, 1)
	assert.True(t, s3.Has(3))

	s.Remove(7, 11)
	assert.True(t, s.Equal(s3))
	assert.False(t, s.Equal(s2))
}

func TestUnionAndClone(t *testing.T) {
	var empty Set[string]
	require.False(t, empty.Has("x"))

	a := MakeWith("x", "y")
	b := MakeWith("y", "z")
	u := a.Union(b, empty)
	require.Equal(t, []string{"x", "y", "z"}, Sorted(u))

	// Inputs are not modified.
	require.Len(t, a, 2)
	require.Len(t, b, 2)

	c := empty.Clone()
	require.NotNil(t, c)
	c.Insert("w")
	require.Len(t, empty, 0)
	require.Equal(t, []string{"w"}, Sorted(c))
}
