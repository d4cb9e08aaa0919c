// Copyright 2016 the usbuart Authors.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package usbuart

import "sync"

// Registry holds driver factories in registration order. Device probing is
// dispatched to the first factory that accepts a given device.
type Registry struct {
	mu        sync.Mutex
	factories []Factory
}

// Add appends a factory to the probe order.
func (r *Registry) Add(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = append(r.factories, f)
}

// Remove drops a factory from the probe order.
func (r *Registry) Remove(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, have := range r.factories {
		if have == f {
			r.factories = append(r.factories[:i], r.factories[i+1:]...)
			return
		}
	}
}

// Create probes the factories in order and returns the first driver
// produced. A factory failure (claim, probe) aborts the scan; if no factory
// accepts the device, Create fails with ErrNotSupported.
func (r *Registry) Create(usb usbIntf, h *usbDevHandle, ifc uint8) (Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.factories {
		drv, err := f.Create(usb, h, ifc)
		if err != nil {
			return nil, err
		}
		if drv != nil {
			return drv, nil
		}
	}
	return nil, ErrNotSupported
}

var (
	registrarOnce sync.Once
	registrarReg  Registry
)

// registrar returns the process-wide registry, populating it with the
// built-in drivers on first use. Explicit registration avoids
// order-of-initialization pitfalls of package-level constructors.
func registrar() *Registry {
	registrarOnce.Do(func() {
		registrarReg.Add(ftdiFactory{})
		registrarReg.Add(ch34xFactory{})
		registrarReg.Add(pl2303Factory{})
	})
	return &registrarReg
}
