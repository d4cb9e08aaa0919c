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

import "encoding/binary"

// Driver for Prolific PL2303 chips. The HX revision differs only in its
// reset sequence.

const (
	pl2303InitReq = 0x01

	pl2303GetLineRqt = 0xa1
	pl2303GetLineReq = 0x21
	pl2303SetLineRqt = 0x21
	pl2303SetLineReq = 0x20

	pl2303BreakRqt = 0x21
	pl2303BreakReq = 0x23

	pl2303ResetRdReq = 0x08
	pl2303ResetWrReq = 0x09
)

var pl2303Ifc = Interface{EndpointIn: 0x83, EndpointOut: 0x02, ChunkSize: 256}

// lineCoding is the packed 7-byte payload of the GET_LINE/SET_LINE
// requests: {baudrate_LE:u32, stop_bits:u8, parity:u8, data_bits:u8}.
type lineCoding [7]byte

func (lc *lineCoding) setBaudrate(baudrate uint32) {
	binary.LittleEndian.PutUint32(lc[0:4], baudrate)
}

type pl2303 struct {
	generic
	hx bool
}

// probe issues the vendor magic sequence that wakes the chip up.
func (p *pl2303) probe() error {
	steps := []struct {
		read bool
		val  uint16
		idx  uint16
	}{
		{true, 0x8484, 0},
		{false, 0x0404, 0},
		{true, 0x8484, 0},
		{true, 0x8383, 0},
		{true, 0x8484, 0},
		{false, 0x0404, 1},
		{true, 0x8484, 0},
		{true, 0x8383, 0},
		{false, 0x0000, 1},
		{false, 0x0001, 0},
		{false, 0x0002, 0x44},
	}
	for _, s := range steps {
		var err error
		if s.read {
			_, err = p.readCV8(pl2303InitReq, s.val)
		} else {
			err = p.writeCV(pl2303InitReq, s.val, s.idx)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *pl2303) SetBaudrate(baudrate uint32) error {
	var lc lineCoding
	if err := p.controlData(pl2303GetLineRqt, pl2303GetLineReq, lc[:]); err != nil {
		return err
	}
	lc.setBaudrate(baudrate)
	return p.controlData(pl2303SetLineRqt, pl2303SetLineReq, lc[:])
}

func (p *pl2303) Setup(info LineParams) error {
	var lc lineCoding
	lc.setBaudrate(info.Baudrate)
	lc[4] = byte(info.StopBits)
	lc[5] = byte(info.Parity)
	lc[6] = info.DataBits
	log.Infof("protocol {%d,%d,%d,%d}", info.Baudrate, info.DataBits, info.Parity, info.StopBits)
	if err := p.controlData(pl2303SetLineRqt, pl2303SetLineReq, lc[:]); err != nil {
		return err
	}
	return p.Reset()
}

func (p *pl2303) SendBreak() error {
	return p.controlData(pl2303BreakRqt, pl2303BreakReq, nil)
}

// Reset is a no-op on plain parts (no documented sequence); the HX revision
// resets its read and write paths separately.
func (p *pl2303) Reset() error {
	if !p.hx {
		return nil
	}
	if err := p.writeCV(pl2303ResetRdReq, 0, 0); err != nil {
		return err
	}
	return p.writeCV(pl2303ResetWrReq, 0, 0)
}

func (p *pl2303) ReadCallback(buf []byte) (pos, n int) { return 0, len(buf) }

type pl2303Factory struct{}

// Supported vendor/product pairs, following the ids the Linux pl2303 driver
// recognizes for the plain and HX revisions.
var pl2303Devices = [...]vidpid{
	devid32(0x067b, 0x2303), // PL2303
	devid32(0x067b, 0x04bb),
	devid32(0x067b, 0x1234),
	devid32(0x067b, 0xaaa0),
	devid32(0x067b, 0xaaa2),
	devid32(0x04bb, 0x0a03), // IO-DATA
	devid32(0x0557, 0x2008), // ATEN
	devid32(0x0eba, 0x1080),
	devid32(0x0df7, 0x0620),
}

// pl2303IsHX reports the HX revision: a device class other than 0x00, 0x02
// and 0xFF with a 64-byte EP0.
func pl2303IsHX(desc DeviceDesc) bool {
	return desc.Class != 0x00 && desc.Class != 0x02 &&
		desc.Class != 0xFF && desc.MaxPacketSize0 == 0x40
}

func (pl2303Factory) Create(usb usbIntf, h *usbDevHandle, ifc uint8) (Driver, error) {
	desc, err := usb.deviceDesc(usb.device(h))
	if err != nil {
		return nil, nil
	}
	id := devid32(desc.Vendor, desc.Product)
	if id == 0 {
		return nil, nil
	}
	found := false
	for _, have := range pl2303Devices {
		if have == id {
			found = true
			break
		}
	}
	if !found {
		return nil, nil
	}
	log.Infof("probing %s for %04x:%04x", "pl2303", desc.Vendor, desc.Product)
	drv := &pl2303{generic: newGeneric(usb, h, pl2303Ifc, ifc), hx: pl2303IsHX(desc)}
	if err := drv.claimInterface(); err != nil {
		return nil, err
	}
	if err := drv.probe(); err != nil {
		log.Infof("probe %s error %v for %04x:%04x", "pl2303", err, desc.Vendor, desc.Product)
		drv.Close()
		return nil, err
	}
	return drv, nil
}
