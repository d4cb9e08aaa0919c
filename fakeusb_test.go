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

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// fakeDevice describes one device the fake USB stack pretends to have
// connected.
type fakeDevice struct {
	desc DeviceDesc
	bus  uint8
	addr uint8
}

func ftdiDevice() fakeDevice {
	return fakeDevice{
		desc: DeviceDesc{Vendor: 0x0403, Product: 0x6001, Device: 0x0600, MaxPacketSize0: 8},
		bus:  1, addr: 2,
	}
}

func ch34xDevice() fakeDevice {
	return fakeDevice{
		desc: DeviceDesc{Vendor: 0x1a86, Product: 0x7523, MaxPacketSize0: 8},
		bus:  1, addr: 3,
	}
}

func pl2303Device(class, maxPacket uint8) fakeDevice {
	return fakeDevice{
		desc: DeviceDesc{Vendor: 0x067b, Product: 0x2303, Class: class, MaxPacketSize0: maxPacket},
		bus:  2, addr: 4,
	}
}

// controlOp records one control transfer issued against the fake stack.
type controlOp struct {
	rType   uint8
	request uint8
	val     uint16
	idx     uint16
	data    []byte
}

// fakeTransfer is the fake stack's view of one allocated bulk transfer.
// Tests finish in-flight transfers with complete/completeOut; the resulting
// callbacks fire on the next handleEvents, as they would from libusb.
type fakeTransfer struct {
	x         *usbTransfer
	ep        uint8
	buf       []byte
	length    int
	actual    int
	status    TransferStatus
	done      func(TransferStatus)
	inFlight  bool
	cancelled int // number of cancellations delivered
}

// fakeUSB implements usbIntf over a set of pretend devices. Endpoints have
// no behavior of their own; tests drive individual transfers explicitly.
type fakeUSB struct {
	mu       sync.Mutex
	devs     map[*usbDevice]*fakeDevice
	handles  map[*usbDevHandle]*usbDevice
	claims   map[*usbDevice]map[uint8]bool
	ts       map[*usbTransfer]*fakeTransfer
	inflight []*fakeTransfer
	finished []*fakeTransfer
	controls []controlOp
	exited   bool

	// controlHook, when set, decides the outcome of every control transfer.
	controlHook func(op *controlOp) (int, error)
	// claimErr, when set, fails every claim.
	claimErr error
}

func newFakeUSB(devs ...fakeDevice) *fakeUSB {
	f := &fakeUSB{
		devs:    make(map[*usbDevice]*fakeDevice),
		handles: make(map[*usbDevHandle]*usbDevice),
		claims:  make(map[*usbDevice]map[uint8]bool),
		ts:      make(map[*usbTransfer]*fakeTransfer),
	}
	for i := range devs {
		f.devs[newDevicePointer()] = &devs[i]
	}
	return f
}

func (f *fakeUSB) init() (*usbContext, error) { return newContextPointer(), nil }

func (f *fakeUSB) exit(*usbContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exited = true
}

// handleEvents delivers the callbacks of every finished transfer, including
// ones finishing as a consequence of a callback (cancellations issued from
// removal paths).
func (f *fakeUSB) handleEvents(_ *usbContext, _ time.Duration) {
	for {
		f.mu.Lock()
		if len(f.finished) == 0 {
			f.mu.Unlock()
			return
		}
		ft := f.finished[0]
		f.finished = f.finished[1:]
		f.mu.Unlock()
		ft.done(ft.status)
	}
}

func (f *fakeUSB) pollFDs(*usbContext) []unix.PollFd { return nil }

func (f *fakeUSB) devices(*usbContext) ([]*usbDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ret := make([]*usbDevice, 0, len(f.devs))
	for d := range f.devs {
		ret = append(ret, d)
	}
	return ret, nil
}

func (f *fakeUSB) unref(*usbDevice) {}

func (f *fakeUSB) deviceDesc(d *usbDevice) (DeviceDesc, error) {
	if dev, ok := f.devs[d]; ok {
		return dev.desc, nil
	}
	return DeviceDesc{}, ErrNoDevice
}

func (f *fakeUSB) busNumber(d *usbDevice) uint8     { return f.devs[d].bus }
func (f *fakeUSB) deviceAddress(d *usbDevice) uint8 { return f.devs[d].addr }

func (f *fakeUSB) open(d *usbDevice) (*usbDevHandle, error) {
	if _, ok := f.devs[d]; !ok {
		return nil, ErrNoDevice
	}
	h := newDevHandlePointer()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles[h] = d
	return h, nil
}

func (f *fakeUSB) close(h *usbDevHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handles, h)
}

func (f *fakeUSB) device(h *usbDevHandle) *usbDevice { return f.handles[h] }

func (f *fakeUSB) claim(h *usbDevHandle, ifnum uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return f.claimErr
	}
	d := f.handles[h]
	c := f.claims[d]
	if c == nil {
		c = make(map[uint8]bool)
		f.claims[d] = c
	}
	c[ifnum] = true
	return nil
}

func (f *fakeUSB) release(h *usbDevHandle, ifnum uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.claims[f.handles[h]]
	if c != nil {
		c[ifnum] = false
	}
}

func (f *fakeUSB) control(h *usbDevHandle, _ time.Duration, rType, request uint8, val, idx uint16, data []byte) (int, error) {
	op := controlOp{rType: rType, request: request, val: val, idx: idx}
	if len(data) > 0 {
		op.data = append([]byte(nil), data...)
	}
	f.mu.Lock()
	hook := f.controlHook
	f.mu.Unlock()
	n, err := len(data), error(nil)
	if hook != nil {
		n, err = hook(&op)
		if rType&0x80 != 0 {
			copy(data, op.data)
		}
	}
	f.mu.Lock()
	f.controls = append(f.controls, op)
	f.mu.Unlock()
	return n, err
}

func (f *fakeUSB) alloc(_ *usbDevHandle, endpoint uint8, size int, _ time.Duration, done func(TransferStatus)) (*usbTransfer, error) {
	x := newTransferPointer()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ts[x] = &fakeTransfer{
		x:      x,
		ep:     endpoint,
		buf:    make([]byte, size),
		length: size,
		done:   done,
	}
	return x, nil
}

func (f *fakeUSB) buffer(t *usbTransfer) []byte    { return f.ts[t].buf }
func (f *fakeUSB) length(t *usbTransfer) int       { return f.ts[t].length }
func (f *fakeUSB) setLength(t *usbTransfer, n int) { f.ts[t].length = n }
func (f *fakeUSB) actualLength(t *usbTransfer) int { return f.ts[t].actual }

func (f *fakeUSB) submit(t *usbTransfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := f.ts[t]
	ft.inFlight = true
	f.inflight = append(f.inflight, ft)
	return nil
}

func (f *fakeUSB) cancel(t *usbTransfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := f.ts[t]
	if !ft.inFlight {
		return nil
	}
	f.finishLocked(ft, TransferCancelled)
	ft.cancelled++
	ft.actual = 0
	return nil
}

func (f *fakeUSB) free(t *usbTransfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ts, t)
}

func (f *fakeUSB) finishLocked(ft *fakeTransfer, st TransferStatus) {
	for i, have := range f.inflight {
		if have == ft {
			f.inflight = append(f.inflight[:i], f.inflight[i+1:]...)
			break
		}
	}
	ft.inFlight = false
	ft.status = st
	f.finished = append(f.finished, ft)
}

// complete finishes an in-flight IN transfer with the given payload.
func (f *fakeUSB) complete(ft *fakeTransfer, data []byte, st TransferStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(ft.buf, data)
	ft.actual = len(data)
	f.finishLocked(ft, st)
}

// completeOut finishes an in-flight OUT transfer reporting n bytes written.
func (f *fakeUSB) completeOut(ft *fakeTransfer, n int, st TransferStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft.actual = n
	f.finishLocked(ft, st)
}

// inflightOn returns the in-flight transfers of one endpoint, in submit
// order.
func (f *fakeUSB) inflightOn(ep uint8) []*fakeTransfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeTransfer
	for _, ft := range f.inflight {
		if ft.ep == ep {
			out = append(out, ft)
		}
	}
	return out
}

func (f *fakeUSB) aliveTransfers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ts)
}

func (f *fakeUSB) openHandles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func (f *fakeUSB) claimed(ifnum uint8) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.claims {
		if c[ifnum] {
			return true
		}
	}
	return false
}

func (f *fakeUSB) controlLog() []controlOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]controlOp(nil), f.controls...)
}
