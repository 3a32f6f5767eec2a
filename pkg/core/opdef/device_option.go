// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package opdef

import (
	"fmt"
	"strings"

	"github.com/awesome-archive/Dragon/pkg/core/errs"
)

// DeviceType enumerates the device kinds a DeviceOption can place an operator on.
// The values match the legacy wire schema.
type DeviceType int32

const (
	CPU  DeviceType = 0
	CUDA DeviceType = 1
	CNML DeviceType = 2
)

// MaxDevicesPerType is the number of device indices, per device type, covered by the predefined
// device option table.
const MaxDevicesPerType = 16

var deviceTypeNames = map[DeviceType]string{CPU: "cpu", CUDA: "cuda", CNML: "cnml"}

// String implements fmt.Stringer. It returns the lower-case name used in device strings ("cpu", "cuda", "cnml").
func (t DeviceType) String() string {
	if name, found := deviceTypeNames[t]; found {
		return name
	}
	return fmt.Sprintf("DeviceType(%d)", int32(t))
}

// ParseDeviceType converts a device type name (case-insensitive) to a DeviceType.
// It returns an ErrLookup error for unknown names.
func ParseDeviceType(name string) (DeviceType, error) {
	lower := strings.ToLower(name)
	for t, n := range deviceTypeNames {
		if n == lower {
			return t, nil
		}
	}
	return 0, errs.Lookupf("unknown device type %q", name)
}

// DeviceOption places an operator on a device, and optionally carries the random seed for the
// operators that need one.
//
// DeviceOption values are immutable: the ones returned by GetDeviceOption are shared by every
// caller, and WithRandomSeed returns a distinct copy.
type DeviceOption struct {
	deviceType    DeviceType
	deviceID      int
	randomSeed    uint32
	hasRandomSeed bool
}

// NewDeviceOption returns a new (not cached) DeviceOption. Most callers should use GetDeviceOption instead.
func NewDeviceOption(deviceType DeviceType, deviceID int) *DeviceOption {
	return &DeviceOption{deviceType: deviceType, deviceID: deviceID}
}

// DeviceType of the option.
func (o *DeviceOption) DeviceType() DeviceType { return o.deviceType }

// DeviceID is the index of the device within its type.
func (o *DeviceOption) DeviceID() int { return o.deviceID }

// RandomSeed returns the random seed and whether one was set.
func (o *DeviceOption) RandomSeed() (seed uint32, ok bool) { return o.randomSeed, o.hasRandomSeed }

// WithRandomSeed returns a copy of the option carrying the given seed. The receiver is not changed.
func (o *DeviceOption) WithRandomSeed(seed uint32) *DeviceOption {
	c := o.Clone()
	c.randomSeed = seed
	c.hasRandomSeed = true
	return c
}

// Clone returns a distinct copy of the option.
func (o *DeviceOption) Clone() *DeviceOption {
	c := *o
	return &c
}

// Equal returns whether both options have the same contents.
func (o *DeviceOption) Equal(other *DeviceOption) bool {
	if o == nil || other == nil {
		return o == other
	}
	return *o == *other
}

// String implements fmt.Stringer, e.g. "cuda:1" or "cpu:0(seed=7)".
func (o *DeviceOption) String() string {
	if o == nil {
		return "<nil>"
	}
	if o.hasRandomSeed {
		return fmt.Sprintf("%s:%d(seed=%d)", o.deviceType, o.deviceID, o.randomSeed)
	}
	return fmt.Sprintf("%s:%d", o.deviceType, o.deviceID)
}

type deviceKey struct {
	deviceType DeviceType
	deviceID   int
}

// predefinedDeviceOptions holds one shared option per (device type, index) pair.
var predefinedDeviceOptions = func() map[deviceKey]*DeviceOption {
	table := make(map[deviceKey]*DeviceOption, len(deviceTypeNames)*MaxDevicesPerType)
	for deviceType := range deviceTypeNames {
		for id := range MaxDevicesPerType {
			table[deviceKey{deviceType, id}] = NewDeviceOption(deviceType, id)
		}
	}
	return table
}()

// GetDeviceOption returns the predefined option for the device type name ("cpu", "cuda" or "cnml")
// and index.
//
// Without a seed it returns the same cached object on every call. If a seed is given, a distinct copy
// carrying the seed is returned and the cached option is left unchanged.
//
// Pairs outside the predefined table (unknown type, or index not in [0, MaxDevicesPerType)) return an
// ErrLookup error.
func GetDeviceOption(deviceType string, deviceID int, randomSeed ...uint32) (*DeviceOption, error) {
	t, err := ParseDeviceType(deviceType)
	if err != nil {
		return nil, err
	}
	return GetDeviceOptionByType(t, deviceID, randomSeed...)
}

// GetDeviceOptionByType is like GetDeviceOption, but takes the DeviceType directly.
func GetDeviceOptionByType(deviceType DeviceType, deviceID int, randomSeed ...uint32) (*DeviceOption, error) {
	if len(randomSeed) > 1 {
		return nil, errs.InvalidArgumentf("at most one random seed can be given, got %d", len(randomSeed))
	}
	option, found := predefinedDeviceOptions[deviceKey{deviceType, deviceID}]
	if !found {
		return nil, errs.Lookupf("no device option for %s:%d (at most %d devices per type)",
			deviceType, deviceID, MaxDevicesPerType)
	}
	if len(randomSeed) == 1 {
		return option.WithRandomSeed(randomSeed[0]), nil
	}
	return option, nil
}
