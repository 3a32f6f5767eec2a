// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a numeric backend needs to implement to execute operator
// definitions dispatched by the eager engine, and the registry used to select one.
//
// Backends execute one operator at a time, synchronously, reading inputs from and writing outputs
// to the storage of a workspace (see Store). A kernel failure is returned as an error wrapping
// errs.ErrBackendExecution; the engine propagates it unchanged.
//
// Backends register themselves during package initialization, so the usual way to make one
// available is a blank import:
//
//	import _ "github.com/awesome-archive/Dragon/backends/cpu"
package backends

import (
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/awesome-archive/Dragon/pkg/core/errs"
	"github.com/awesome-archive/Dragon/pkg/core/opdef"
	"github.com/awesome-archive/Dragon/pkg/core/tensors"
)

// Store is the storage of a workspace, as seen by a backend running an operator.
type Store interface {
	// Tensor returns the storage slot with the given name, or an ErrLookup error if it doesn't exist.
	Tensor(name string) (*tensors.Tensor, error)

	// HasTensor returns whether a storage slot with the given name exists.
	HasTensor(name string) bool
}

// Backend is the API that needs to be implemented by a Dragon backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "cpu".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// NumDevices return the number of device indices the backend accepts in a DeviceOption.
	NumDevices() int

	// RunOperator executes the operator synchronously.
	//
	// All the inputs exist in the store, and so does the storage for the outputs, though they may
	// not be materialized yet. Outputs may alias inputs (in-place operators).
	// Failures are returned as errors wrapping errs.ErrBackendExecution.
	RunOperator(def *opdef.OperatorDef, store Store) error

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the registered backends, sorted by name.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "cpu") and
// "<backend_configuration>" is backend specific (e.g.: for the cpu backend, "devices=4").
const ConfigEnvVar = "DRAGON_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment $DRAGON_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// MustNew is like New, but panics on error.
func MustNew() Backend {
	backend, err := New()
	if err != nil {
		panic(err)
	}
	return backend
}

// NewWithConfig takes a configuration string formatted as "<backend_name>:<backend_configuration>".
//
// The "<backend_name>" is the name of a registered backend (e.g.: "cpu") and
// "<backend_configuration>" is backend specific. If there is no ":", the whole string is taken
// as the backend name; an empty string selects the first registered backend.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errs.Lookupf(`no registered backends for Dragon -- maybe import the reference one with import _ "github.com/awesome-archive/Dragon/backends/cpu"?`)
	}
	backendName, backendConfig, _ := strings.Cut(config, ":")
	if backendName == "" {
		backendName = firstRegistered
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errs.Lookupf("can't find backend %q for configuration %q given, registered backends: %q",
			backendName, config, List())
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q with config %q", backendName, backendConfig)
	}
	klog.V(1).Infof("backend %q created (%s)", backend.Name(), backend.Description())
	return backend, nil
}
