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
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

/*
#cgo pkg-config: libusb-1.0
#include <stdlib.h>
#include <libusb.h>

void usbuartFillBulk(struct libusb_transfer *xfer, libusb_device_handle *dev,
		unsigned char endpoint, unsigned char *buf, int length,
		unsigned int timeout);
*/
import "C"

type usbContext C.libusb_context
type usbDevice C.libusb_device
type usbDevHandle C.libusb_device_handle
type usbTransfer C.struct_libusb_transfer

// DeviceDesc is the subset of the USB device descriptor the engine and its
// drivers need for matching and variant detection.
type DeviceDesc struct {
	Vendor         uint16
	Product        uint16
	Device         uint16 // bcdDevice
	Class          uint8
	MaxPacketSize0 uint8
}

// usbIntf is a set of trivial idiomatic Go wrappers around the libusb
// functions the engine consumes. The underlying code interacts directly with
// the host USB stack and is not testable; tests inject fakeUSB instead.
type usbIntf interface {
	// context
	init() (*usbContext, error)
	exit(*usbContext)
	handleEvents(*usbContext, time.Duration)
	pollFDs(*usbContext) []unix.PollFd
	devices(*usbContext) ([]*usbDevice, error)

	// device
	unref(*usbDevice)
	deviceDesc(*usbDevice) (DeviceDesc, error)
	busNumber(*usbDevice) uint8
	deviceAddress(*usbDevice) uint8
	open(*usbDevice) (*usbDevHandle, error)
	close(*usbDevHandle)
	device(*usbDevHandle) *usbDevice

	// interface
	claim(*usbDevHandle, uint8) error
	release(*usbDevHandle, uint8)

	// transfers
	control(h *usbDevHandle, timeout time.Duration, rType, request uint8, val, idx uint16, data []byte) (int, error)
	alloc(h *usbDevHandle, endpoint uint8, size int, timeout time.Duration, done func(TransferStatus)) (*usbTransfer, error)
	buffer(*usbTransfer) []byte
	length(*usbTransfer) int
	setLength(*usbTransfer, int)
	actualLength(*usbTransfer) int
	submit(*usbTransfer) error
	cancel(*usbTransfer) error
	free(*usbTransfer)
}

// libusb is the injection point for tests.
var libusb usbIntf = libusbImpl{}

// xferDone maps in-flight transfers to their completion callbacks. The
// callback slot stands in for the user_data pointer of the C API: keying by
// transfer pointer avoids passing a Go pointer through C memory.
var (
	xferMu   sync.Mutex
	xferDone = make(map[*C.struct_libusb_transfer]*xferState)
)

type xferState struct {
	done func(TransferStatus)
	buf  []byte
	raw  unsafe.Pointer
}

//export usbuartXferCallback
func usbuartXferCallback(xfer *C.struct_libusb_transfer) {
	xferMu.Lock()
	st := xferDone[xfer]
	xferMu.Unlock()
	if st == nil {
		log.Errorf("broken callback in transfer %p", xfer)
		return
	}
	st.done(TransferStatus(xfer.status))
}

// libusbImpl is the implementation of usbIntf using real CGo-wrapped libusb.
type libusbImpl struct{}

func (libusbImpl) init() (*usbContext, error) {
	var ctx *C.libusb_context
	if r := C.libusb_init(&ctx); r < 0 {
		log.Errorf("libusb_init failed with error %d", int(r))
		return nil, errors.Wrap(ErrLibusb, "libusb_init")
	}
	return (*usbContext)(ctx), nil
}

func (libusbImpl) exit(c *usbContext) {
	C.libusb_exit((*C.libusb_context)(c))
}

func makeTimeval(d time.Duration) C.struct_timeval {
	if d < 0 {
		d = 0
	}
	return C.struct_timeval{
		tv_sec:  C.long(d / time.Second),
		tv_usec: C.long(d % time.Second / time.Microsecond),
	}
}

func (libusbImpl) handleEvents(c *usbContext, timeout time.Duration) {
	tv := makeTimeval(timeout)
	if r := C.libusb_handle_events_timeout((*C.libusb_context)(c), &tv); r < 0 {
		log.Errorf("libusb_handle_events_timeout failed with error %d", int(r))
	}
}

func (libusbImpl) pollFDs(c *usbContext) []unix.PollFd {
	pfds := C.libusb_get_pollfds((*C.libusb_context)(c))
	if pfds == nil {
		return nil
	}
	defer C.libusb_free_pollfds(pfds)
	var out []unix.PollFd
	for i := 0; ; i++ {
		p := *(**C.struct_libusb_pollfd)(unsafe.Pointer(
			uintptr(unsafe.Pointer(pfds)) + uintptr(i)*unsafe.Sizeof(uintptr(0))))
		if p == nil {
			break
		}
		out = append(out, unix.PollFd{Fd: int32(p.fd), Events: int16(p.events)})
	}
	return out
}

func (libusbImpl) devices(c *usbContext) ([]*usbDevice, error) {
	var list **C.libusb_device
	cnt := C.libusb_get_device_list((*C.libusb_context)(c), &list)
	if cnt < 0 {
		log.Errorf("libusb_get_device_list fail")
		return nil, errors.Wrap(ErrLibusb, "libusb_get_device_list")
	}
	devs := unsafe.Slice(list, int(cnt))
	ret := make([]*usbDevice, 0, int(cnt))
	for _, d := range devs {
		C.libusb_ref_device(d)
		ret = append(ret, (*usbDevice)(d))
	}
	C.libusb_free_device_list(list, 1)
	return ret, nil
}

func (libusbImpl) unref(d *usbDevice) {
	C.libusb_unref_device((*C.libusb_device)(d))
}

func (libusbImpl) deviceDesc(d *usbDevice) (DeviceDesc, error) {
	var desc C.struct_libusb_device_descriptor
	if r := C.libusb_get_device_descriptor((*C.libusb_device)(d), &desc); r < 0 {
		return DeviceDesc{}, errors.Wrap(errnoFromUSB(int(r)), "libusb_get_device_descriptor")
	}
	return DeviceDesc{
		Vendor:         uint16(desc.idVendor),
		Product:        uint16(desc.idProduct),
		Device:         uint16(desc.bcdDevice),
		Class:          uint8(desc.bDeviceClass),
		MaxPacketSize0: uint8(desc.bMaxPacketSize0),
	}, nil
}

func (libusbImpl) busNumber(d *usbDevice) uint8 {
	return uint8(C.libusb_get_bus_number((*C.libusb_device)(d)))
}

func (libusbImpl) deviceAddress(d *usbDevice) uint8 {
	return uint8(C.libusb_get_device_address((*C.libusb_device)(d)))
}

func (libusbImpl) open(d *usbDevice) (*usbDevHandle, error) {
	var handle *C.libusb_device_handle
	r := C.libusb_open((*C.libusb_device)(d), &handle)
	if r == 0 {
		return (*usbDevHandle)(handle), nil
	}
	log.Infof("libusb_open fail (%d)", int(r))
	switch r {
	case C.LIBUSB_ERROR_ACCESS:
		return nil, errors.Wrap(ErrNoAccess, "libusb_open")
	case C.LIBUSB_ERROR_NO_DEVICE:
		return nil, errors.Wrap(ErrNoDevice, "libusb_open")
	case C.LIBUSB_ERROR_BUSY:
		return nil, errors.Wrap(ErrInterfaceBusy, "libusb_open")
	}
	return nil, errors.Wrap(ErrIO, "libusb_open")
}

func (libusbImpl) close(h *usbDevHandle) {
	C.libusb_close((*C.libusb_device_handle)(h))
}

func (libusbImpl) device(h *usbDevHandle) *usbDevice {
	return (*usbDevice)(C.libusb_get_device((*C.libusb_device_handle)(h)))
}

func (libusbImpl) claim(h *usbDevHandle, ifnum uint8) error {
	r := C.libusb_claim_interface((*C.libusb_device_handle)(h), C.int(ifnum))
	if r == 0 {
		return nil
	}
	log.Errorf("claim interface %d fail %d", ifnum, int(r))
	switch r {
	case C.LIBUSB_ERROR_NO_DEVICE:
		return errors.Wrap(ErrNoDevice, "claim")
	case C.LIBUSB_ERROR_NOT_FOUND:
		return errors.Wrap(ErrNoInterface, "claim")
	case C.LIBUSB_ERROR_BUSY:
		return errors.Wrap(ErrInterfaceBusy, "claim")
	case C.LIBUSB_ERROR_ACCESS:
		return errors.Wrap(ErrNoAccess, "claim")
	}
	return errors.Wrap(ErrUSB, "claim")
}

func (libusbImpl) release(h *usbDevHandle, ifnum uint8) {
	C.libusb_release_interface((*C.libusb_device_handle)(h), C.int(ifnum))
}

func (libusbImpl) control(h *usbDevHandle, timeout time.Duration, rType, request uint8, val, idx uint16, data []byte) (int, error) {
	var buf *C.uchar
	if len(data) > 0 {
		buf = (*C.uchar)(unsafe.Pointer(&data[0]))
	}
	n := C.libusb_control_transfer(
		(*C.libusb_device_handle)(h),
		C.uint8_t(rType),
		C.uint8_t(request),
		C.uint16_t(val),
		C.uint16_t(idx),
		buf,
		C.uint16_t(len(data)),
		C.uint(timeout/time.Millisecond))
	if n < 0 {
		return int(n), errnoFromUSB(int(n))
	}
	return int(n), nil
}

func (libusbImpl) alloc(h *usbDevHandle, endpoint uint8, size int, timeout time.Duration, done func(TransferStatus)) (*usbTransfer, error) {
	xfer := C.libusb_alloc_transfer(0)
	if xfer == nil {
		return nil, errors.Wrap(ErrOutOfMemory, "libusb_alloc_transfer")
	}
	raw := C.malloc(C.size_t(size))
	if raw == nil {
		C.libusb_free_transfer(xfer)
		return nil, errors.Wrap(ErrOutOfMemory, "transfer buffer")
	}
	C.usbuartFillBulk(xfer, (*C.libusb_device_handle)(h), C.uchar(endpoint),
		(*C.uchar)(raw), C.int(size), C.uint(timeout/time.Millisecond))
	xferMu.Lock()
	xferDone[xfer] = &xferState{
		done: done,
		buf:  unsafe.Slice((*byte)(raw), size),
		raw:  raw,
	}
	xferMu.Unlock()
	return (*usbTransfer)(xfer), nil
}

func (libusbImpl) buffer(t *usbTransfer) []byte {
	xferMu.Lock()
	defer xferMu.Unlock()
	return xferDone[(*C.struct_libusb_transfer)(t)].buf
}

func (libusbImpl) length(t *usbTransfer) int {
	return int((*C.struct_libusb_transfer)(t).length)
}

func (libusbImpl) setLength(t *usbTransfer, n int) {
	(*C.struct_libusb_transfer)(t).length = C.int(n)
}

func (libusbImpl) actualLength(t *usbTransfer) int {
	return int((*C.struct_libusb_transfer)(t).actual_length)
}

func (libusbImpl) submit(t *usbTransfer) error {
	if r := C.libusb_submit_transfer((*C.struct_libusb_transfer)(t)); r < 0 {
		return errnoFromUSB(int(r))
	}
	return nil
}

func (libusbImpl) cancel(t *usbTransfer) error {
	r := C.libusb_cancel_transfer((*C.struct_libusb_transfer)(t))
	if r == C.LIBUSB_ERROR_NOT_FOUND {
		// already completed
		return nil
	}
	if r < 0 {
		return errnoFromUSB(int(r))
	}
	return nil
}

func (libusbImpl) free(t *usbTransfer) {
	x := (*C.struct_libusb_transfer)(t)
	xferMu.Lock()
	st := xferDone[x]
	delete(xferDone, x)
	xferMu.Unlock()
	if st != nil {
		C.free(st.raw)
	}
	C.libusb_free_transfer(x)
}

// Fake entity pointers for tests. libusb does not export a way to allocate
// its opaque structs outside the real USB stack; the fake backend uses these
// only as map keys and never dereferences them.
func newContextPointer() *usbContext {
	return (*usbContext)(unsafe.Pointer(C.malloc(1)))
}

func newDevicePointer() *usbDevice {
	return (*usbDevice)(unsafe.Pointer(C.malloc(1)))
}

func newDevHandlePointer() *usbDevHandle {
	return (*usbDevHandle)(unsafe.Pointer(C.malloc(1)))
}

func newTransferPointer() *usbTransfer {
	return (*usbTransfer)(unsafe.Pointer(C.malloc(1)))
}
