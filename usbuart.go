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

// Package usbuart bridges USB-to-serial converters (FTDI, CH340/CH341,
// Prolific PL2303 and compatible chips) to pairs of host file descriptors.
//
// A Context owns the USB backend and a set of channels. Each channel binds
// one USB interface to two descriptors: bytes read from Channel.FdRead are
// shipped to the device's bulk OUT endpoint, bytes arriving on the bulk IN
// endpoint are written to Channel.FdWrite. All descriptor I/O is
// non-blocking; the caller drives everything by calling Context.Loop from a
// single thread while any number of other goroutines use the remaining
// Context methods.
package usbuart

import (
	"time"

	"golang.org/x/sys/unix"
)

// Parity selects the UART parity mode.
type Parity uint8

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
	ParityMark
	ParitySpace
)

// StopBits selects the number of UART stop bits.
type StopBits uint8

const (
	StopBitsOne StopBits = iota
	StopBits1p5
	StopBitsTwo
)

// FlowControl selects the UART flow control discipline.
type FlowControl uint8

const (
	FlowNone FlowControl = iota
	FlowRTSCTS
	FlowDTRDSR
	FlowXONXOFF
)

// LineParams is the EIA/TIA-232 line parameter set.
type LineParams struct {
	Baudrate    uint32
	DataBits    uint8
	Parity      Parity
	StopBits    StopBits
	FlowControl FlowControl
}

// Canned line parameter sets.
var (
	Config115200_8N1  = LineParams{115200, 8, ParityNone, StopBitsOne, FlowNone}
	Config115200_8N1R = LineParams{115200, 8, ParityNone, StopBitsOne, FlowRTSCTS}
	Config19200_8N1   = LineParams{19200, 8, ParityNone, StopBitsOne, FlowNone}
	Config19200_8N1R  = LineParams{19200, 8, ParityNone, StopBitsOne, FlowRTSCTS}
)

// Channel is a pair of host file descriptors bound to one USB interface.
// The engine reads outbound bytes from FdRead and writes received bytes to
// FdWrite.
type Channel struct {
	FdRead  int
	FdWrite int
}

// BadChannel is the value returned when no channel could be created.
var BadChannel = Channel{-1, -1}

// DeviceID addresses a device by vendor/product identity.
type DeviceID struct {
	VID uint16
	PID uint16
	Ifc uint8
}

// DeviceAddr addresses a device by bus number and device address.
type DeviceAddr struct {
	Bus uint8
	Dev uint8
	Ifc uint8
}

// Status is a bitmask describing channel health.
type Status int

const (
	ReadPipeOK  Status = 1 << iota // FdRead still accepts reads
	WritePipeOK                    // FdWrite still accepts writes
	USBDevOK                       // the USB device is still attached

	// AllesGute is the healthy combination of the base bits.
	AllesGute = ReadPipeOK | WritePipeOK | USBDevOK
)

// Line error bits accumulated by drivers that report receiver status
// (currently FTDI). They occupy bits above the base status mask.
const (
	StatusOverrunError   Status = 8 << iota // receiver overrun
	StatusParityError                       // parity error
	StatusFramingError                      // framing error
	StatusBreakInterrupt                    // break condition seen
)

// control and bulk transfer timeout, per device family datasheets generous
// enough for the slowest supported baud rates.
const defaultTimeout = 5000 * time.Millisecond

func validateParams(pi LineParams) error {
	bad := ""
	switch {
	case pi.DataBits < 5 || pi.DataBits > 9:
		bad = "databits"
	case pi.Parity > ParitySpace:
		bad = "parity"
	case pi.StopBits > StopBitsTwo:
		bad = "stopbits"
	case pi.FlowControl > FlowXONXOFF:
		bad = "flowcontrol"
	case pi.Baudrate == 0:
		bad = "baudrate"
	}
	if bad != "" {
		log.Errorf("invalid parameter %s", bad)
		return ErrInvalidParam
	}
	return nil
}

func validateChannel(ch Channel) error {
	if _, err := unix.FcntlInt(uintptr(ch.FdRead), unix.F_GETFD, 0); err != nil {
		log.Errorf("invalid parameter fd_read")
		return ErrInvalidParam
	}
	if _, err := unix.FcntlInt(uintptr(ch.FdWrite), unix.F_GETFD, 0); err != nil {
		log.Errorf("invalid parameter fd_write")
		return ErrInvalidParam
	}
	return nil
}

func setNonblock(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return ErrFcntl
	}
	return nil
}
