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

import "testing"

func ch34xDriver(t *testing.T, f *fakeUSB) Driver {
	t.Helper()
	ctx, _ := f.init()
	devs, _ := f.devices(ctx)
	h, err := f.open(devs[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	drv, err := ch34xFactory{}.Create(f, h, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if drv == nil {
		t.Fatal("Create rejected a ch34x device")
	}
	return drv
}

func TestCH34xProbeSequence(t *testing.T) {
	t.Parallel()
	f := newFakeUSB(ch34xDevice())
	ch34xDriver(t, f)
	want := []controlOp{
		{rType: vendorReqOut, request: 0xa1, val: 0, idx: 0},
		{rType: vendorReqOut, request: 0x9a, val: 0x2518, idx: 0x0050},
		{rType: vendorReqOut, request: 0xa1, val: 0x501f, idx: 0xd90a},
	}
	ops := f.controlLog()
	if len(ops) != len(want) {
		t.Fatalf("probe issued %d control transfers, want %d", len(ops), len(want))
	}
	for i, w := range want {
		if ops[i].rType != w.rType || ops[i].request != w.request ||
			ops[i].val != w.val || ops[i].idx != w.idx {
			t.Errorf("probe op %d = %+v, want %+v", i, ops[i], w)
		}
	}
	if !f.claimed(0) {
		t.Error("interface 0 not claimed")
	}
}

func TestCH34xBaudrate(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		baudrate uint32
		div1     uint16
		div2     uint16
		bad      bool
	}{
		{baudrate: 2400, div1: 0xd901, div2: 0x0038},
		{baudrate: 9600, div1: 0xb202, div2: 0x0013},
		{baudrate: 115200, div1: 0xcc03, div2: 0x0008},
		{baudrate: 14400, bad: true},
		{baudrate: 1, bad: true},
	} {
		f := newFakeUSB(ch34xDevice())
		drv := ch34xDriver(t, f)
		probeOps := len(f.controlLog())
		err := drv.SetBaudrate(tc.baudrate)
		if tc.bad {
			if Code(err) != -int(ErrBadBaudrate) {
				t.Errorf("SetBaudrate(%d) = %v, want ErrBadBaudrate", tc.baudrate, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("SetBaudrate(%d): %v", tc.baudrate, err)
			continue
		}
		ops := f.controlLog()[probeOps:]
		if len(ops) != 2 {
			t.Fatalf("SetBaudrate(%d) issued %d control transfers, want 2", tc.baudrate, len(ops))
		}
		if ops[0].request != 0x9a || ops[0].val != 0x1312 || ops[0].idx != tc.div1 {
			t.Errorf("SetBaudrate(%d) op 0 = %+v, want 0x9a/0x1312,%#04x", tc.baudrate, ops[0], tc.div1)
		}
		if ops[1].request != 0x9a || ops[1].val != 0x0f2c || ops[1].idx != tc.div2 {
			t.Errorf("SetBaudrate(%d) op 1 = %+v, want 0x9a/0x0f2c,%#04x", tc.baudrate, ops[1], tc.div2)
		}
	}
}

func TestCH34xFlowControl(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		fc   FlowControl
		want uint16
	}{
		{FlowNone, 0x00ff},
		{FlowRTSCTS, 0xffbf},
		{FlowDTRDSR, 0xffdf},
		{FlowXONXOFF, 0x00ff},
	} {
		f := newFakeUSB(ch34xDevice())
		drv := ch34xDriver(t, f)
		pi := Config115200_8N1
		pi.FlowControl = tc.fc
		if err := drv.Setup(pi); err != nil {
			t.Fatalf("Setup: %v", err)
		}
		ops := f.controlLog()
		// probe (3) + baud (2) + flow (1)
		flow := ops[len(ops)-1]
		if flow.request != 0xa4 || flow.val != tc.want {
			t.Errorf("flow control %d op = %+v, want 0xa4/%#04x", tc.fc, flow, tc.want)
		}
	}
}

func TestCH34xFactoryRejectsOthers(t *testing.T) {
	t.Parallel()
	f := newFakeUSB(ftdiDevice())
	ctx, _ := f.init()
	devs, _ := f.devices(ctx)
	h, _ := f.open(devs[0])
	drv, err := ch34xFactory{}.Create(f, h, 0)
	if drv != nil || err != nil {
		t.Errorf("Create(ftdi device) = %v, %v, want nil, nil", drv, err)
	}
}

func TestCH34xProbeFailureReleasesInterface(t *testing.T) {
	t.Parallel()
	f := newFakeUSB(ch34xDevice())
	f.controlHook = func(op *controlOp) (int, error) {
		if op.request == 0x9a && op.val == 0x2518 {
			return 0, ErrControl
		}
		return len(op.data), nil
	}
	ctx, _ := f.init()
	devs, _ := f.devices(ctx)
	h, _ := f.open(devs[0])
	drv, err := ch34xFactory{}.Create(f, h, 0)
	if drv != nil {
		t.Fatal("Create succeeded with failing probe")
	}
	if Code(err) != -int(ErrControl) {
		t.Errorf("Create error = %v, want ErrControl", err)
	}
	if f.claimed(0) {
		t.Error("interface left claimed after failed probe")
	}
}
