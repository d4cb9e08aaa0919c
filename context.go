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

// Context is the user-visible facade. One goroutine drives Loop; any number
// of other goroutines may concurrently attach, close and query channels.
type Context struct {
	b *backend
}

// NewContext initializes the USB backend and the driver registry.
func NewContext() (*Context, error) {
	return newContextWithImpl(libusb)
}

func newContextWithImpl(usb usbIntf) (*Context, error) {
	ctx, err := usb.init()
	if err != nil {
		return nil, collapse(err)
	}
	return &Context{b: &backend{usb: usb, ctx: ctx, reg: registrar()}}, nil
}

var (
	instanceOnce sync.Once
	instance     *Context
)

// Instance returns a lazily created process-wide context, for applications
// that need exactly one.
func Instance() *Context {
	instanceOnce.Do(func() {
		ctx, err := NewContext()
		if err != nil {
			log.Errorf("context init failed: %v", err)
			ctx = &Context{}
		}
		instance = ctx
	})
	return instance
}

// Attach binds the descriptor pair to the device with the given
// vendor/product identity.
func (c *Context) Attach(id DeviceID, ch Channel, pi LineParams) error {
	if err := validateParams(pi); err != nil {
		return err
	}
	if err := validateChannel(ch); err != nil {
		return err
	}
	return collapse(c.b.attachDevice(c.b.findByID(id), id.Ifc, ch, pi))
}

// AttachAddr binds the descriptor pair to the device at the given bus
// number and device address.
func (c *Context) AttachAddr(addr DeviceAddr, ch Channel, pi LineParams) error {
	if err := validateParams(pi); err != nil {
		return err
	}
	if err := validateChannel(ch); err != nil {
		return err
	}
	return collapse(c.b.attachDevice(c.b.findByAddr(addr), addr.Ifc, ch, pi))
}

// Pipe creates two pipes, binds their engine ends to the device with the
// given vendor/product identity and returns the caller ends.
func (c *Context) Pipe(id DeviceID, pi LineParams) (Channel, error) {
	if err := validateParams(pi); err != nil {
		return BadChannel, err
	}
	ch, err := c.b.pipeDevice(c.b.findByID(id), id.Ifc, pi)
	return ch, collapse(err)
}

// PipeAddr is Pipe for bus/address identified devices.
func (c *Context) PipeAddr(addr DeviceAddr, pi LineParams) (Channel, error) {
	if err := validateParams(pi); err != nil {
		return BadChannel, err
	}
	ch, err := c.b.pipeDevice(c.b.findByAddr(addr), addr.Ifc, pi)
	return ch, collapse(err)
}

// CloseChannel detaches the descriptor pair from its USB device. In-flight
// transfers are cancelled; the channel is destroyed once the backend
// confirms the cancellations. Closing an unknown or already closed channel
// is a no-op.
func (c *Context) CloseChannel(ch Channel) {
	b := c.b
	b.mu.RLock()
	defer b.mu.RUnlock()
	child := b.find(ch)
	if child == nil {
		return
	}
	child.close()
	b.requestRemoval(child)
}

// Reset resets the USB device the channel is bound to.
func (c *Context) Reset(ch Channel) error {
	b := c.b
	b.mu.RLock()
	defer b.mu.RUnlock()
	child := b.find(ch)
	if child == nil {
		return ErrNoChannel
	}
	return collapse(child.drv.Reset())
}

// SendBreak sends an RS232 break signal on the channel's UART.
func (c *Context) SendBreak(ch Channel) error {
	b := c.b
	b.mu.RLock()
	defer b.mu.RUnlock()
	child := b.find(ch)
	if child == nil {
		return ErrNoChannel
	}
	return collapse(child.drv.SendBreak())
}

// Status returns the channel status bitmask.
func (c *Context) Status(ch Channel) (Status, error) {
	b := c.b
	b.mu.RLock()
	defer b.mu.RUnlock()
	child := b.find(ch)
	if child == nil {
		return 0, ErrNoChannel
	}
	return child.status(), nil
}

// Loop runs one iteration of the unified event loop: it multiplexes channel
// descriptors with the USB backend's own, dispatches USB completions and
// descriptor readiness, and sweeps quarantined channels. Returns
// ErrNoChannels once no live channel remains, letting a dedicated loop
// goroutine exit.
func (c *Context) Loop(timeoutMs int) error {
	return collapse(c.b.loop(timeoutMs))
}

// Close tears the context down: all channels are quarantined, in-flight
// cancellations are drained with a bounded number of escalating event
// passes, then the USB backend exits.
func (c *Context) Close() error {
	c.b.teardown()
	return nil
}

/*****************************************************************************/

// backend owns the USB library handle, the channel list, the poll-list of
// descriptors awaiting readiness and the pending-delete list.
type backend struct {
	usb usbIntf
	ctx *usbContext
	reg *Registry

	// mu guards children. Loop dispatch holds it shared; attach and the
	// quarantine sweep hold it exclusively.
	mu       sync.RWMutex
	children []*fileChannel

	// delMu guards the quarantine list.
	delMu   sync.Mutex
	deleted []*fileChannel

	// pollMu guards pollList. Held across poll(2) by the loop; channel
	// callbacks take it briefly to enqueue deferred poll requests.
	pollMu   sync.Mutex
	pollList []unix.PollFd

	// pending means at least one channel has readiness events to dispatch.
	// Touched only on the event-loop goroutine.
	pending bool
}

// find returns the live channel matching either descriptor, skipping
// quarantined ones. Callers hold mu.
func (b *backend) find(ch Channel) *fileChannel {
	for _, c := range b.children {
		if c.equals(ch) && !c.removed.Load() {
			return c
		}
	}
	return nil
}

func (b *backend) findByFd(fd int32) *fileChannel {
	for _, c := range b.children {
		if int32(c.fdrd) == fd || int32(c.fdwr) == fd {
			return c
		}
	}
	return nil
}

// requestRemoval quarantines a channel. Idempotent; the channel is
// destroyed by the sweep once its transfers quiesce.
func (b *backend) requestRemoval(c *fileChannel) {
	if c.removed.Swap(true) {
		return
	}
	b.delMu.Lock()
	b.deleted = append(b.deleted, c)
	b.delMu.Unlock()
}

func (b *backend) hasDeleted() bool {
	b.delMu.Lock()
	defer b.delMu.Unlock()
	return len(b.deleted) > 0
}

// liveCount counts channels that are not quarantined. Callers hold mu.
func (b *backend) liveCount() int {
	n := 0
	for _, c := range b.children {
		if !c.removed.Load() {
			n++
		}
	}
	return n
}

// matchDevice enumerates and returns the first device the predicate
// accepts, referenced. The caller owns the reference.
func (b *backend) matchDevice(match func(*usbDevice) bool) *usbDevice {
	devs, err := b.usb.devices(b.ctx)
	if err != nil {
		log.Errorf("device enumeration failed: %v", err)
		return nil
	}
	var found *usbDevice
	for _, d := range devs {
		if found == nil && match(d) {
			found = d
			log.Infof("found %03d/%03d", b.usb.busNumber(d), b.usb.deviceAddress(d))
			continue
		}
		b.usb.unref(d)
	}
	return found
}

func (b *backend) findByID(id DeviceID) *usbDevice {
	return b.matchDevice(func(d *usbDevice) bool {
		desc, err := b.usb.deviceDesc(d)
		if err != nil {
			return false
		}
		return desc.Vendor == id.VID && desc.Product == id.PID
	})
}

func (b *backend) findByAddr(addr DeviceAddr) *usbDevice {
	return b.matchDevice(func(d *usbDevice) bool {
		return b.usb.busNumber(d) == addr.Bus && b.usb.deviceAddress(d) == addr.Dev
	})
}

// createDriver opens the device and runs the registry. On success the
// returned driver owns the claimed interface and the handle.
func (b *backend) createDriver(dev *usbDevice, ifc uint8) (Driver, error) {
	h, err := b.usb.open(dev)
	b.usb.unref(dev) // referenced by matchDevice
	if err != nil {
		return nil, err
	}
	drv, err := b.reg.Create(b.usb, h, ifc)
	if err != nil {
		b.usb.close(h)
		return nil, err
	}
	return drv, nil
}

// attachDevice builds a channel over caller-owned descriptors. Allocation
// is transactional: any failure rolls the partial state back.
func (b *backend) attachDevice(dev *usbDevice, ifc uint8, ch Channel, pi LineParams) error {
	if dev == nil {
		return ErrNoDevice
	}
	drv, err := b.createDriver(dev, ifc)
	if err != nil {
		return err
	}
	child, err := newFileChannel(b, ch, drv)
	if err != nil {
		h := drv.Handle()
		drv.Close()
		b.usb.close(h)
		return err
	}
	return b.startChannel(child, pi)
}

// pipeDevice builds a channel over engine-created pipes and returns the
// caller ends.
func (b *backend) pipeDevice(dev *usbDevice, ifc uint8, pi LineParams) (Channel, error) {
	if dev == nil {
		return BadChannel, ErrNoDevice
	}
	drv, err := b.createDriver(dev, ifc)
	if err != nil {
		return BadChannel, err
	}
	child, ext, err := newPipeChannel(b, drv)
	if err != nil {
		h := drv.Handle()
		drv.Close()
		b.usb.close(h)
		return BadChannel, err
	}
	if err := b.startChannel(child, pi); err != nil {
		return BadChannel, err
	}
	return ext, nil
}

func (b *backend) startChannel(child *fileChannel, pi LineParams) error {
	log.Infof("channel {%d,%d}", child.fdrd, child.fdwr)
	if err := child.drv.Setup(pi); err != nil {
		child.destroy()
		return err
	}
	b.mu.Lock()
	b.children = append(b.children, child)
	b.mu.Unlock()
	if err := child.init(); err != nil {
		// init cancelled whatever it managed to submit; if a cancellation
		// is pending the sweep destroys the channel, otherwise do it now.
		b.requestRemoval(child)
		if !child.busy() {
			b.sweep()
		}
		return err
	}
	return nil
}

// pollRequest arms a descriptor for the next poll round. Duplicates are
// rejected.
func (b *backend) pollRequest(fd int, events int16) {
	b.pollMu.Lock()
	defer b.pollMu.Unlock()
	for _, p := range b.pollList {
		if p.Fd == int32(fd) {
			log.Warnf("%d already in poll list", fd)
			return
		}
	}
	b.pollList = append(b.pollList, unix.PollFd{Fd: int32(fd), Events: events})
}

func (b *backend) removePollFd(fd int) {
	for i, p := range b.pollList {
		if p.Fd == int32(fd) {
			b.pollList = append(b.pollList[:i], b.pollList[i+1:]...)
			return
		}
	}
}

// pollPhase polls the saved descriptor list together with the USB
// library's own descriptors and consumes the readiness of the saved ones.
// Fired descriptors leave the saved list until re-armed.
func (b *backend) pollPhase(timeoutMs int) (map[int32]int16, error) {
	b.pollMu.Lock()
	defer b.pollMu.Unlock()
	work := make([]unix.PollFd, len(b.pollList), len(b.pollList)+4)
	copy(work, b.pollList)
	saved := len(work)
	work = append(work, b.usb.pollFDs(b.ctx)...)
	if len(work) == 0 {
		return nil, nil
	}
	n, err := unix.Poll(work, timeoutMs)
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EINTR:
			log.Infof("poll: i/o status %v", err)
			return nil, nil
		case unix.EINVAL:
			return nil, ErrPoll
		case unix.EBUSY:
			return nil, ErrInterfaceBusy
		case unix.EACCES:
			return nil, ErrNoAccess
		default:
			log.Errorf("poll: i/o error %v, shutting down", err)
			return nil, ErrIO
		}
	}
	if n <= 0 {
		return nil, nil
	}
	var fired map[int32]int16
	for i := 0; i < saved; i++ {
		if work[i].Revents == 0 {
			continue
		}
		if fired == nil {
			fired = make(map[int32]int16)
		}
		fired[work[i].Fd] = work[i].Revents
		b.removePollFd(int(work[i].Fd))
	}
	return fired, nil
}

// loop is one event-loop iteration; see Context.Loop.
func (b *backend) loop(timeoutMs int) error {
	fired, err := b.pollPhase(timeoutMs)
	if err != nil {
		return err
	}
	if len(fired) > 0 {
		b.mu.RLock()
		for fd, revents := range fired {
			child := b.findByFd(fd)
			if child == nil {
				continue
			}
			child.setEvents(revents, fd == int32(child.fdrd))
			b.pending = true
		}
		b.mu.RUnlock()
	}

	timeout := time.Duration(timeoutMs) * time.Millisecond
	b.usb.handleEvents(b.ctx, timeout)

	b.mu.RLock()
	if b.pending {
		for _, child := range b.children {
			if !child.removed.Load() {
				child.events()
			}
		}
		b.pending = false
	}
	b.mu.RUnlock()

	if b.hasDeleted() {
		// one more pass so cancellation completions can land before the sweep
		b.usb.handleEvents(b.ctx, timeout)
		b.sweep()
	}

	b.mu.RLock()
	live := b.liveCount()
	b.mu.RUnlock()
	if live == 0 {
		return ErrNoChannels
	}
	return nil
}

// sweep destroys quarantined channels whose transfers have quiesced.
func (b *backend) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delMu.Lock()
	defer b.delMu.Unlock()
	kept := b.deleted[:0]
	for _, child := range b.deleted {
		if child.busy() {
			log.Infof("busy channel skips cleanup {%d,%d}", child.fdrd, child.fdwr)
			kept = append(kept, child)
			continue
		}
		b.pollMu.Lock()
		b.removePollFd(child.fdrd)
		b.removePollFd(child.fdwr)
		b.pollMu.Unlock()
		for i, have := range b.children {
			if have == child {
				b.children = append(b.children[:i], b.children[i+1:]...)
				break
			}
		}
		child.close()
		child.destroy()
	}
	b.deleted = kept
}

// teardown quarantines every channel and gives asynchronous cancellations a
// bounded number of escalating event passes to complete.
func (b *backend) teardown() {
	b.mu.RLock()
	children := append([]*fileChannel(nil), b.children...)
	b.mu.RUnlock()
	for _, child := range children {
		child.close()
		b.requestRemoval(child)
	}
	b.sweep()
	for i := 1; i <= 5 && b.hasDeleted(); i++ {
		b.usb.handleEvents(b.ctx, time.Duration(i*100)*time.Millisecond)
		b.sweep()
	}
	b.usb.exit(b.ctx)
}
