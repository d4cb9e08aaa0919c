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
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// pipeEnds are the caller-side descriptors of an engine-created pipe pair.
type pipeEnds struct {
	rd int // caller reads received bytes here
	wr int // caller writes outbound bytes here
}

// fileChannel binds one opened USB interface to a descriptor pair and pumps
// bytes in both directions. Two IN transfers are kept in flight
// (double-buffered) while one is drained to fdwr; one OUT transfer carries
// bytes read from fdrd.
//
// All mutable state is owned by the event-loop goroutine: completion
// callbacks and descriptor events are dispatched there and run to
// completion. Facade calls only touch the driver (control transfers) and
// the sticky flags, under the backend's channel-list lock.
type fileChannel struct {
	owner *backend
	usb   usbIntf
	dev   *usbDevHandle
	drv   Driver

	readxfer  [2]*usbTransfer
	writexfer *usbTransfer
	readpos   [2]int
	readlen   [2]int
	readbusy  [2]bool
	writebusy bool
	current   int // IN transfer currently drained to fdwr

	fdrd int
	fdwr int
	ext  *pipeEnds // engine-created pipes; nil when descriptors are caller-owned

	pipeinReady  bool
	pipeoutReady bool

	pipeinHangup  bool
	pipeoutHangup bool
	deviceHangup  bool

	// removed flags membership in the backend's delete list; read by facade
	// threads, written on the event-loop path.
	removed atomic.Bool
}

// newFileChannel wraps caller-owned descriptors. The descriptors are
// switched to non-blocking mode but never closed by the engine.
func newFileChannel(owner *backend, ch Channel, drv Driver) (*fileChannel, error) {
	c := &fileChannel{
		owner: owner,
		usb:   owner.usb,
		dev:   drv.Handle(),
		drv:   drv,
		fdrd:  ch.FdRead,
		fdwr:  ch.FdWrite,
	}
	if err := setNonblock(c.fdrd); err != nil {
		return nil, err
	}
	if err := setNonblock(c.fdwr); err != nil {
		return nil, err
	}
	return c, nil
}

// newPipeChannel creates both pipes itself. The engine keeps a.read and
// b.write; the caller receives a.write and b.read. All four descriptors are
// closed when the channel is destroyed.
func newPipeChannel(owner *backend, drv Driver) (*fileChannel, Channel, error) {
	var a, b [2]int
	if err := unix.Pipe(a[:]); err != nil {
		return nil, BadChannel, ErrPipe
	}
	if err := unix.Pipe(b[:]); err != nil {
		unix.Close(a[0])
		unix.Close(a[1])
		return nil, BadChannel, ErrPipe
	}
	ext := Channel{FdRead: b[0], FdWrite: a[1]}
	c, err := newFileChannel(owner, Channel{FdRead: a[0], FdWrite: b[1]}, drv)
	if err != nil {
		for _, fd := range []int{a[0], a[1], b[0], b[1]} {
			unix.Close(fd)
		}
		return nil, BadChannel, err
	}
	c.ext = &pipeEnds{rd: ext.FdRead, wr: ext.FdWrite}
	return c, ext, nil
}

func (c *fileChannel) chunkSize() int { return c.drv.Endpoints().ChunkSize }

// init allocates the three transfers and starts the pumps: both IN
// transfers go in flight and the read descriptor is primed once. On error
// the caller destroys the channel; destroy tolerates partially allocated
// state.
func (c *fileChannel) init() error {
	ifc := c.drv.Endpoints()
	for i := range c.readxfer {
		i := i
		x, err := c.usb.alloc(c.dev, ifc.EndpointIn, ifc.ChunkSize, defaultTimeout,
			func(st TransferStatus) { c.readComplete(i, st) })
		if err != nil {
			return err
		}
		c.readxfer[i] = x
	}
	x, err := c.usb.alloc(c.dev, ifc.EndpointOut, ifc.ChunkSize, defaultTimeout,
		func(st TransferStatus) { c.writeComplete(st) })
	if err != nil {
		return err
	}
	c.writexfer = x
	c.usb.setLength(c.writexfer, 0)
	c.current = 0

	for i := range c.readxfer {
		if err := c.usb.submit(c.readxfer[i]); err != nil {
			log.Errorf("submit of read transfer %d failed: %v", i, err)
			c.requestRemoval(true)
			return err
		}
		c.readbusy[i] = true
	}
	c.readPipe()
	return nil
}

// destroy releases everything the channel owns. Must only run when no
// transfer is in flight.
func (c *fileChannel) destroy() {
	log.Debugf("destroying channel {%d,%d}", c.fdrd, c.fdwr)
	if c.writexfer != nil {
		c.usb.free(c.writexfer)
	}
	for i := len(c.readxfer) - 1; i >= 0; i-- {
		if c.readxfer[i] != nil {
			c.usb.free(c.readxfer[i])
		}
	}
	c.drv.Close()
	c.usb.close(c.dev)
	if c.ext != nil {
		unix.Close(c.ext.rd)
		unix.Close(c.fdwr)
		unix.Close(c.fdrd)
		unix.Close(c.ext.wr)
	}
}

// equals matches the channel against the caller-visible descriptor pair.
func (c *fileChannel) equals(ch Channel) bool {
	if c.ext != nil {
		return ch.FdRead == c.ext.rd || ch.FdWrite == c.ext.wr
	}
	return ch.FdRead == c.fdrd || ch.FdWrite == c.fdwr
}

// close cancels whatever is in flight and marks both pipe directions hung
// up. Returns true when the channel is already safe to destroy.
func (c *fileChannel) close() bool {
	if c.writebusy {
		c.usb.cancel(c.writexfer)
	}
	for i := range c.readxfer {
		if c.readbusy[i] {
			c.usb.cancel(c.readxfer[i])
		}
	}
	c.pipeinHangup = true
	c.pipeoutHangup = true
	return !c.busy()
}

func (c *fileChannel) busy() bool {
	return c.writebusy || c.readbusy[0] || c.readbusy[1]
}

// events dispatches descriptor readiness recorded by the poll phase.
func (c *fileChannel) events() {
	if c.pipeinReady {
		c.pipeinReady = false
		c.readPipe()
	}
	if c.pipeoutReady {
		c.pipeoutReady = false
		c.writePipe(c.current)
	}
}

// setEvents records poll results for the next events dispatch.
func (c *fileChannel) setEvents(revents int16, read bool) {
	if revents&unix.POLLIN != 0 {
		c.pipeinReady = true
	}
	if revents&unix.POLLOUT != 0 {
		c.pipeoutReady = true
	}
	if revents&unix.POLLHUP != 0 {
		if read {
			c.pipeinHangup = true
		} else {
			c.pipeoutHangup = true
		}
		c.requestRemoval(false)
	}
}

func (c *fileChannel) status() Status {
	s := Status(0)
	if !c.pipeinHangup {
		s |= ReadPipeOK
	}
	if !c.pipeoutHangup {
		s |= WritePipeOK
	}
	if !c.deviceHangup {
		s |= USBDevOK
	}
	return s | c.drv.LineStatus()
}

// requestRemoval quarantines the channel once it is no longer viable: the
// device is gone (enforce) or both pipe directions hung up.
func (c *fileChannel) requestRemoval(enforce bool) {
	c.deviceHangup = c.deviceHangup || enforce
	if c.deviceHangup || (c.pipeinHangup && c.pipeoutHangup) {
		c.close()
		c.owner.requestRemoval(c)
	}
}

func (c *fileChannel) pollRequest(fd int, reading bool) {
	events := int16(unix.POLLOUT | unix.POLLHUP)
	if reading {
		events = unix.POLLIN | unix.POLLHUP
	}
	c.owner.pollRequest(fd, events)
}

// readPipe moves bytes from fdrd into the OUT transfer.
//
// Possible results of the read:
//
//	success (n > 0)            - submit the OUT transfer
//	EOF (n == 0, no error)     - read pipe hangup
//	EAGAIN / EINTR             - poll request
//	error                      - read pipe hangup, request removal
func (c *fileChannel) readPipe() {
	if c.writebusy {
		// nothing to do until the write completes; its completion refills
		log.Warnf("accessing busy write transfer")
		return
	}
	buf := c.usb.buffer(c.writexfer)[:c.chunkSize()]
	n, err := unix.Read(c.fdrd, buf)
	if n < 0 {
		n = 0
	}
	switch {
	case n > 0:
		c.drv.PrepareWrite(buf[:n])
		c.usb.setLength(c.writexfer, n)
		c.writebusy = c.submitTransfer(c.writexfer)
	case err == unix.EAGAIN || err == unix.EINTR:
		if err == unix.EINTR {
			log.Infof("readpipe: interrupted, attempting to continue")
		}
		c.pollRequest(c.fdrd, true)
	case err == nil:
		log.Infof("readpipe: EOF")
		c.pipeinHangup = true
	default:
		log.Errorf("readpipe: i/o error %v, shutting down", err)
		c.pipeinHangup = true
		c.requestRemoval(false)
	}
}

// writePipe moves the payload of IN transfer i to fdwr.
//
// Possible results of the write:
//
//	fully consumed             - resubmit the IN transfer, swap current
//	partial (n < size)         - poll request, transfer stays held
//	EPIPE / error              - write pipe hangup, request removal
//	EAGAIN / EINTR             - poll request
func (c *fileChannel) writePipe(i int) {
	if c.readbusy[i] {
		log.Warnf("accessing busy read transfer")
		return
	}
	size := c.readlen[i] - c.readpos[i]
	if size <= 0 {
		return
	}
	buf := c.usb.buffer(c.readxfer[i])[c.readpos[i]:c.readlen[i]]
	n, err := unix.Write(c.fdwr, buf)
	if n < 0 {
		n = 0
	}
	switch {
	case n > 0:
		if !c.consumed(i, n) {
			c.pollRequest(c.fdwr, false)
		}
	case err == unix.EAGAIN || err == unix.EINTR:
		if err == unix.EINTR {
			log.Infof("writepipe: interrupted, attempting to continue")
		}
		c.pollRequest(c.fdwr, false)
	default:
		log.Errorf("writepipe: i/o error %v, shutting down", err)
		c.pipeoutHangup = true
		c.requestRemoval(false)
	}
}

// consumed advances the drain position of IN transfer i. Once the payload
// is fully drained the transfer is resubmitted and draining moves to the
// other IN transfer.
func (c *fileChannel) consumed(i, n int) bool {
	if c.readbusy[i] {
		log.Errorf("wrong state of read transfer %d", i)
		return false
	}
	c.readpos[i] += n
	if c.readpos[i] >= c.readlen[i] {
		c.readbusy[i] = c.submitTransfer(c.readxfer[i])
		c.current = 1 - i
		return true
	}
	return false
}

// submitTransfer submits and converts failure into removal. Returns whether
// the transfer went in flight.
func (c *fileChannel) submitTransfer(x *usbTransfer) bool {
	err := c.usb.submit(x)
	if err == nil {
		return true
	}
	if Code(err) == -int(ErrNoDevice) {
		log.Warnf("submit: no device")
	} else {
		log.Errorf("submit failed: %v", err)
	}
	c.requestRemoval(true)
	return false
}

// transferError routes non-completed statuses. The busy flag of the
// affected transfer has already been cleared. Returns true when the data
// callback should still run.
func (c *fileChannel) transferError(st TransferStatus) bool {
	switch st {
	case TransferCancelled, TransferNoDevice:
		c.requestRemoval(true)
		return false
	case TransferCompleted:
		return false
	case TransferError, TransferStall, TransferOverflow:
		log.Errorf("transfer severe error: %v", st)
		c.requestRemoval(true)
		return true
	}
	log.Warnf("transfer error: %v", st)
	return false
}

// readComplete is the completion callback of IN transfer i.
func (c *fileChannel) readComplete(i int, st TransferStatus) {
	if st == TransferTimedOut {
		// benign; nothing arrived within the bulk timeout
		c.readbusy[i] = c.submitTransfer(c.readxfer[i])
		return
	}
	if st != TransferCompleted {
		c.readbusy[i] = false
		if !c.transferError(st) {
			return
		}
	}
	n := c.usb.actualLength(c.readxfer[i])
	pos, n := c.drv.ReadCallback(c.usb.buffer(c.readxfer[i])[:n])
	c.readpos[i], c.readlen[i] = pos, n
	if c.pipeoutHangup {
		c.readbusy[i] = false
		return
	}
	if pos >= n {
		// status bytes only, no payload
		c.readbusy[i] = c.submitTransfer(c.readxfer[i])
	} else {
		c.readbusy[i] = false
		c.writePipe(i)
	}
}

// writeComplete is the completion callback of the OUT transfer. A partial
// completion migrates the remaining bytes to the buffer start and
// resubmits; a full one hands control back to readPipe for a refill.
func (c *fileChannel) writeComplete(st TransferStatus) {
	// a timed-out OUT transfer is handled like a partial completion: the
	// unsent tail is resubmitted below
	if st != TransferCompleted && st != TransferTimedOut {
		c.writebusy = false
		if !c.transferError(st) {
			return
		}
	}
	if c.pipeinHangup {
		c.writebusy = false
		return
	}
	n := c.usb.actualLength(c.writexfer)
	l := c.usb.length(c.writexfer)
	if n < l {
		if n != 0 {
			buf := c.usb.buffer(c.writexfer)
			copy(buf, buf[n:l])
			c.usb.setLength(c.writexfer, l-n)
		}
		log.Infof("partially complete transfer %d/%d", n, l)
		c.writebusy = c.submitTransfer(c.writexfer)
	} else {
		c.drv.WriteCallback()
		c.writebusy = false
		c.readPipe()
	}
}
