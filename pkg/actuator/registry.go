// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package actuator

// Registry is the fixed set of actuators on a board. It is built once and
// shared by the dispatcher and the control loop; its membership never changes.
type Registry struct {
	actuators []*Actuator
}

// NewRegistry creates one actuator per config, indexed in order
func NewRegistry(cfgs []Config, drive DriveSignal) *Registry {
	r := &Registry{actuators: make([]*Actuator, len(cfgs))}
	for i, cfg := range cfgs {
		r.actuators[i] = New(i, cfg, drive)
	}
	return r
}

// NewUniformRegistry creates n actuators sharing one config
func NewUniformRegistry(n int, cfg Config, drive DriveSignal) *Registry {
	cfgs := make([]Config, n)
	for i := range cfgs {
		cfgs[i] = cfg
		cfgs[i].Name = ""
	}
	return NewRegistry(cfgs, drive)
}

// Get returns the actuator with the given id
func (r *Registry) Get(id int) (*Actuator, bool) {
	if id < 0 || id >= len(r.actuators) {
		return nil, false
	}
	return r.actuators[id], true
}

// Len returns the number of actuators
func (r *Registry) Len() int {
	return len(r.actuators)
}

// All returns the actuators in id order. The slice must not be modified.
func (r *Registry) All() []*Actuator {
	return r.actuators
}

// UpdateAll runs one control step on every actuator
func (r *Registry) UpdateAll(nowMicros uint64) {
	for _, a := range r.actuators {
		a.UpdateControl(nowMicros)
	}
}

// StopAll turns every drive off
func (r *Registry) StopAll() {
	for _, a := range r.actuators {
		a.Stop()
	}
}

// Snapshot captures the state of every actuator
func (r *Registry) Snapshot() []State {
	states := make([]State, len(r.actuators))
	for i, a := range r.actuators {
		states[i] = a.Snapshot()
	}
	return states
}
