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
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// Interface describes the bulk endpoint pair of one USB-to-UART interface
// and the driver-preferred transfer chunk size.
type Interface struct {
	EndpointIn  uint8
	EndpointOut uint8
	ChunkSize   int
}

// Driver is the vendor-specific half of a channel: device setup, baud rate
// arithmetic and in-band framing of the bulk streams.
type Driver interface {
	// Endpoints returns the endpoint pair and chunk size for the bound
	// interface.
	Endpoints() Interface
	// Setup applies the line parameters the chip driver handles and resets
	// the device. CH34x sets baud rate and flow control only; PL2303 sets
	// baud rate, stop bits, parity and data bits but not flow control.
	Setup(LineParams) error
	// SetBaudrate changes the baud rate, leaving other parameters intact.
	SetBaudrate(uint32) error
	// Reset is device defined and may be a no-op.
	Reset() error
	// SendBreak is device defined; drivers without break support return
	// ErrNotImplemented.
	SendBreak() error
	// ReadCallback inspects a completed IN buffer and returns the offset at
	// which user payload begins together with the effective length. Drivers
	// that prefix payload with status bytes strip them here and may
	// accumulate line error flags surfaced through LineStatus.
	ReadCallback(buf []byte) (pos, n int)
	// WriteCallback runs after an OUT transfer fully completes.
	WriteCallback()
	// PrepareWrite runs on the filled OUT buffer before submission, for
	// drivers that require an in-band header.
	PrepareWrite(buf []byte)
	// LineStatus returns accumulated line error bits, if any.
	LineStatus() Status
	// Handle returns the device handle the driver is bound to.
	Handle() *usbDevHandle
	// Close releases the claimed USB interface.
	Close()
}

// Factory probes a device and constructs a driver for it. Create returns
// (nil, nil) when the device is not one of the factory's chips; a non-nil
// error aborts the registry scan (failed probe, claim or control traffic).
type Factory interface {
	Create(usb usbIntf, h *usbDevHandle, ifc uint8) (Driver, error)
}

const (
	vendorReqOut = 0x40 // LIBUSB_REQUEST_TYPE_VENDOR | LIBUSB_ENDPOINT_OUT
	vendorReqIn  = 0xc0 // LIBUSB_REQUEST_TYPE_VENDOR | LIBUSB_ENDPOINT_IN
)

// generic implements the driver methods common to all chips: vendor control
// transfer helpers, interface claiming and the default no-op hooks.
type generic struct {
	usb     usbIntf
	dev     *usbDevHandle
	ifc     Interface
	ifcnum  uint8
	timeout time.Duration
}

func newGeneric(usb usbIntf, dev *usbDevHandle, ifc Interface, ifcnum uint8) generic {
	return generic{usb: usb, dev: dev, ifc: ifc, ifcnum: ifcnum, timeout: defaultTimeout}
}

func (g *generic) Endpoints() Interface   { return g.ifc }
func (g *generic) Reset() error           { return nil }
func (g *generic) SendBreak() error       { return ErrNotImplemented }
func (g *generic) WriteCallback()         {}
func (g *generic) PrepareWrite([]byte)    {}
func (g *generic) LineStatus() Status     { return 0 }
func (g *generic) Handle() *usbDevHandle  { return g.dev }
func (g *generic) Close()                 { g.usb.release(g.dev, g.ifcnum) }

// writeCV issues a data-less vendor control write.
func (g *generic) writeCV(req uint8, val, idx uint16) error {
	if _, err := g.usb.control(g.dev, g.timeout, vendorReqOut, req, val, idx, nil); err != nil {
		log.Errorf("control transfer %02x,%02x,%04x,%04x fail: %v",
			vendorReqOut, req, val, idx, err)
		return errors.Wrap(ErrControl, "write_cv")
	}
	return nil
}

// readCV8 reads a single vendor register byte.
func (g *generic) readCV8(req uint8, val uint16) (uint8, error) {
	var b [1]byte
	n, err := g.usb.control(g.dev, g.timeout, vendorReqIn, req, val, 0, b[:])
	if err != nil || n != 1 {
		log.Errorf("control transfer %02x,%02x,%04x,0000 fail: %v", vendorReqIn, req, val, err)
		return 0, errors.Wrap(ErrControl, "read_cv")
	}
	return b[0], nil
}

// readCV16 reads a little-endian vendor register word.
func (g *generic) readCV16(req uint8, val uint16) (uint16, error) {
	var b [2]byte
	n, err := g.usb.control(g.dev, g.timeout, vendorReqIn, req, val, 0, b[:])
	if err != nil || n != 2 {
		log.Errorf("control transfer %02x,%02x,%04x,0000 fail: %v", vendorReqIn, req, val, err)
		return 0, errors.Wrap(ErrControl, "read_cv")
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

// controlData moves a class request payload in the direction encoded in the
// request type, failing unless the whole payload is transferred.
func (g *generic) controlData(rType, req uint8, data []byte) error {
	n, err := g.usb.control(g.dev, g.timeout, rType, req, 0, 0, data)
	if err != nil || n != len(data) {
		log.Errorf("control transfer %02x,%02x,0000,0000 fail: %v", rType, req, err)
		return errors.Wrap(ErrControl, "control")
	}
	return nil
}

// claimInterface claims the bound interface, mapping libusb failures to the
// engine codes. Drivers call it once from their factories.
func (g *generic) claimInterface() error {
	return g.usb.claim(g.dev, g.ifcnum)
}

// deviceID reads the vendor/product identity of an open device, returning
// the zero value when the descriptor cannot be read.
func deviceID(usb usbIntf, h *usbDevHandle) DeviceID {
	desc, err := usb.deviceDesc(usb.device(h))
	if err != nil {
		return DeviceID{}
	}
	return DeviceID{VID: desc.Vendor, PID: desc.Product}
}
