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

// Driver for FTDI chips: FT232R, FT230X, FT2232C/D/H, FT4232H, FT232H.
// Only original FTDI vendor/product ids are supported (see
// TN_100_USB_VID-PID_Guidelines).

const (
	ftdiResetReq          = 0x00
	ftdiSetFlowControlReq = 0x02
	ftdiSetBaudrateReq    = 0x03
	ftdiSetDataReq        = 0x04

	ftdiHighClk = 120 * 1000 * 1000
	ftdiLowClk  = 48 * 1000 * 1000
)

// Receiver status bits reported in the second byte of every IN transfer.
const (
	ftdiOverrunError   = 1 << 1
	ftdiParityError    = 1 << 2
	ftdiFramingError   = 1 << 3
	ftdiBreakInterrupt = 1 << 4

	ftdiErrorMask = ftdiOverrunError | ftdiParityError | ftdiFramingError | ftdiBreakInterrupt
)

// 512-byte chunks cause out of band data, e.g. status bytes, to appear
// in-band; 64 keeps exactly one status prefix per transfer.
const ftdiChunkSize = 64

var ftdiLowIfc = Interface{EndpointIn: 0x81, EndpointOut: 0x02, ChunkSize: ftdiChunkSize}

var ftdiHighIfcs = [4]Interface{
	{EndpointIn: 0x81, EndpointOut: 0x02, ChunkSize: ftdiChunkSize},
	{EndpointIn: 0x83, EndpointOut: 0x04, ChunkSize: ftdiChunkSize},
	{EndpointIn: 0x85, EndpointOut: 0x06, ChunkSize: ftdiChunkSize},
	{EndpointIn: 0x87, EndpointOut: 0x08, ChunkSize: ftdiChunkSize},
}

type ftdi struct {
	generic
	isH    bool
	errors uint8 // sticky receiver status accumulated across reads
}

// computeDivisors maps a baud rate to the wValue/wIndex pair of the
// set_baudrate request. FT8U232AM supports only 4 sub-integer prescalers;
// FT232B and newer support 8 (see AN232B-05_BaudRates). For simplicity
// FT8U232AM nuances are disregarded. H parts support clock divisors 10 or
// 16, but low baud rates would overflow the 14-bit divisor on 10.
func (f *ftdi) computeDivisors(baudrate uint32) (value, index uint16) {
	var mapper = [8]uint16{
		0x0000, 0xC000, 0x8000, 0x0100, 0x4000, 0x4100, 0x8100, 0xC100,
	}
	const lowLimit = (ftdiHighClk / 10) >> 14
	clk := uint32(ftdiLowClk)
	prescaler := uint32(16)
	if f.isH {
		clk = ftdiHighClk
		if baudrate > lowLimit {
			prescaler = 10
		}
	}
	divisor := (clk<<3)/baudrate + prescaler>>1 - 1
	divisor /= prescaler
	index = mapper[divisor&7] & 0x0100
	if prescaler == 10 {
		index |= 0x0200
	}
	value = uint16(divisor>>3)&0x3FFF | mapper[divisor&7]&0xC000
	return value, index
}

func (f *ftdi) Reset() error {
	return f.writeCV(ftdiResetReq, 0, uint16(f.ifcnum))
}

func (f *ftdi) SetBaudrate(baudrate uint32) error {
	value, index := f.computeDivisors(baudrate)
	log.Infof("baudrate=%d, i=%#04x v=%#04x", baudrate, index, value)
	return f.writeCV(ftdiSetBaudrateReq, value, index|uint16(f.ifcnum))
}

func (f *ftdi) setLineProps(info LineParams) error {
	value := uint16(info.DataBits) |
		uint16(info.Parity)<<8 |
		uint16(info.StopBits)<<11
	if err := f.writeCV(ftdiSetDataReq, value, uint16(f.ifcnum)); err != nil {
		return err
	}
	return f.writeCV(ftdiSetFlowControlReq, uint16(info.FlowControl), uint16(f.ifcnum))
}

func (f *ftdi) Setup(info LineParams) error {
	if err := f.SetBaudrate(info.Baudrate); err != nil {
		return err
	}
	if err := f.setLineProps(info); err != nil {
		return err
	}
	return f.Reset()
}

// ReadCallback strips the two modem/line status bytes prefixed to every IN
// transfer. Receiver error flags accumulate until the channel is destroyed.
func (f *ftdi) ReadCallback(buf []byte) (pos, n int) {
	if len(buf) < 2 {
		log.Warnf("malformed transfer")
		return 0, 0
	}
	if errs := buf[1] & ftdiErrorMask; errs != 0 {
		f.errors |= errs
		log.Warnf("error %02x:%s%s%s%s", errs,
			flag(errs&ftdiBreakInterrupt, " break"),
			flag(errs&ftdiFramingError, " framing"),
			flag(errs&ftdiParityError, " parity"),
			flag(errs&ftdiOverrunError, " overrun"))
	}
	return 2, len(buf)
}

func flag(bit uint8, name string) string {
	if bit != 0 {
		return name
	}
	return ""
}

// LineStatus exposes accumulated receiver errors above the base channel
// status bits.
func (f *ftdi) LineStatus() Status {
	return Status(f.errors&ftdiErrorMask) << 2
}

type ftdiFactory struct{}

var ftdiProducts = [...]uint16{0x6001, 0x6010, 0x6011, 0x6014, 0x6015}

func (ftdiFactory) Create(usb usbIntf, h *usbDevHandle, ifc uint8) (Driver, error) {
	desc, err := usb.deviceDesc(usb.device(h))
	if err != nil {
		return nil, err
	}
	if desc.Vendor != 0x0403 {
		return nil, nil
	}
	found := false
	for _, pid := range ftdiProducts {
		if pid == desc.Product {
			found = true
			break
		}
	}
	if !found {
		return nil, nil
	}
	// 0x6010 serves both FT2232C/D/L (normal speed) and FT2232HL/Q (high
	// speed); TN_104 disambiguates by bcdDevice: 0x0700 = FT2232H,
	// 0x0800 = FT4232H, 0x0900 = FT232H.
	isH := false
	switch desc.Product {
	case 0x6010:
		isH = desc.Device == 0x0700
	case 0x6011, 0x6014:
		isH = true
	}
	switch desc.Device {
	case 0x0700, 0x0800, 0x0900:
		isH = true
	}
	if int(ifc) >= len(ftdiHighIfcs) {
		log.Errorf("interface #%d exceeds limit %d", ifc, len(ftdiHighIfcs))
		return nil, ErrInvalidParam
	}
	if !isH && ifc > 0 {
		log.Errorf("interface #%d exceeds limit %d", ifc, 0)
		return nil, ErrInvalidParam
	}
	drvifc := ftdiLowIfc
	if isH {
		drvifc = ftdiHighIfcs[ifc]
	}
	drv := &ftdi{generic: newGeneric(usb, h, drvifc, ifc), isH: isH}
	if err := drv.claimInterface(); err != nil {
		return nil, err
	}
	return drv, nil
}
