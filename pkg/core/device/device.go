// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device describes where tensors live and operators run.
package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/awesome-archive/Dragon/pkg/core/errs"
	"github.com/awesome-archive/Dragon/pkg/core/opdef"
)

// Device is a device kind plus the index of the device within that kind.
// The zero value is "cpu:0".
type Device struct {
	Kind  opdef.DeviceType
	Index int
}

// CPU returns the CPU device with the given index.
func CPU(index int) Device { return Device{Kind: opdef.CPU, Index: index} }

// CUDA returns the CUDA device with the given index.
func CUDA(index int) Device { return Device{Kind: opdef.CUDA, Index: index} }

// Parse converts strings like "cpu", "cuda:1" or "CNML:0" to a Device. The index defaults to 0.
func Parse(s string) (Device, error) {
	kindName, indexStr, hasIndex := strings.Cut(strings.TrimSpace(s), ":")
	kind, err := opdef.ParseDeviceType(kindName)
	if err != nil {
		return Device{}, err
	}
	index := 0
	if hasIndex {
		index, err = strconv.Atoi(indexStr)
		if err != nil || index < 0 {
			return Device{}, errs.InvalidArgumentf("invalid device index in %q", s)
		}
	}
	return Device{Kind: kind, Index: index}, nil
}

// MustParse is like Parse, but panics on error.
func MustParse(s string) Device {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromOption returns the device an option places operators on.
func FromOption(option *opdef.DeviceOption) Device {
	return Device{Kind: option.DeviceType(), Index: option.DeviceID()}
}

// Option returns the predefined DeviceOption for the device, or a seeded copy of it if a random seed is given.
// Devices outside the predefined table return an ErrLookup error.
func (d Device) Option(randomSeed ...uint32) (*opdef.DeviceOption, error) {
	return opdef.GetDeviceOptionByType(d.Kind, d.Index, randomSeed...)
}

// String implements fmt.Stringer, e.g. "cuda:1".
func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}
