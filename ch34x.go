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

// Driver for WCH CH340/CH341 chips.

var ch34xIfc = Interface{EndpointIn: 0x82, EndpointOut: 0x02, ChunkSize: 256}

type ch34xBaud struct {
	baud uint32
	div1 uint16
	div2 uint16
}

// The chip has no documented divisor formula; rates outside this table fail
// with ErrBadBaudrate.
var ch34xBaudTable = [...]ch34xBaud{
	{2400, 0xd901, 0x0038},
	{4800, 0x6402, 0x001f},
	{9600, 0xb202, 0x0013},
	{19200, 0xd902, 0x000d},
	{38400, 0x6403, 0x000a},
	{57600, 0x9803, 0x0010},
	{115200, 0xcc03, 0x0008},
}

type ch34x struct {
	generic
}

func (c *ch34x) SetBaudrate(baudrate uint32) error {
	for _, e := range ch34xBaudTable {
		if e.baud == baudrate {
			if err := c.writeCV(0x9a, 0x1312, e.div1); err != nil {
				return err
			}
			return c.writeCV(0x9a, 0x0f2c, e.div2)
		}
	}
	return ErrBadBaudrate
}

// checkV reads a vendor register and compares it against the value a live
// chip returns.
func (c *ch34x) checkV(req uint8, expected uint16) error {
	check, err := c.readCV16(req, 0)
	if err != nil {
		return err
	}
	if check != expected {
		log.Infof("probe mismatch on %2x: got %4x expected %4x", req, check, expected)
		return ErrProbeMismatch
	}
	return nil
}

// probe wakes the chip up with the vendor init sequence.
func (c *ch34x) probe() error {
	if err := c.writeCV(0xa1, 0, 0); err != nil {
		return err
	}
	if err := c.writeCV(0x9a, 0x2518, 0x0050); err != nil {
		return err
	}
	return c.writeCV(0xa1, 0x501f, 0xd90a)
}

func (c *ch34x) setFlowControl(fc FlowControl) error {
	var value uint16
	switch fc {
	case FlowRTSCTS:
		value = ^uint16(1 << 6)
	case FlowDTRDSR:
		value = ^uint16(1 << 5)
	default:
		value = 0x00ff
	}
	return c.writeCV(0xa4, value, 0)
}

func (c *ch34x) Setup(info LineParams) error {
	if err := c.SetBaudrate(info.Baudrate); err != nil {
		return err
	}
	if err := c.setFlowControl(info.FlowControl); err != nil {
		return err
	}
	return c.Reset()
}

// Reset: no documented sequence for resetting the chip.
func (c *ch34x) Reset() error { return nil }

func (c *ch34x) ReadCallback(buf []byte) (pos, n int) { return 0, len(buf) }

type ch34xFactory struct{}

type vidpid uint32

func devid32(vid, pid uint16) vidpid { return vidpid(vid)<<16 | vidpid(pid) }

var ch34xDevices = [...]vidpid{
	devid32(0x4348, 0x5523),
	devid32(0x1a86, 0x7523),
	devid32(0x1a86, 0x5523),
}

func (ch34xFactory) Create(usb usbIntf, h *usbDevHandle, ifc uint8) (Driver, error) {
	did := deviceID(usb, h)
	id := devid32(did.VID, did.PID)
	if id == 0 {
		return nil, nil
	}
	found := false
	for _, have := range ch34xDevices {
		if have == id {
			found = true
			break
		}
	}
	if !found {
		return nil, nil
	}
	log.Infof("probing %s for %04x:%04x", "ch34x", did.VID, did.PID)
	drv := &ch34x{generic: newGeneric(usb, h, ch34xIfc, ifc)}
	if err := drv.claimInterface(); err != nil {
		return nil, err
	}
	if err := drv.probe(); err != nil {
		log.Infof("probe %s error %v for %04x:%04x", "ch34x", err, did.VID, did.PID)
		drv.Close()
		return nil, err
	}
	return drv, nil
}
