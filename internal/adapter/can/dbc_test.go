// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package can

import "testing"

const sampleDBC = `
VERSION ""

BO_ 100 EngineData: 8 ECU
 SG_ EngineRPM : 0|16@1+ (0.25,0) [0|16383.75] "rpm" Vector__XXX
 SG_ CoolantTemp : 16|8@1+ (1,-40) [-40|215] "degC" Vector__XXX
`

func TestLoadDBCParsesMessageAndSignals(t *testing.T) {
	db := loadDBC(sampleDBC)
	msg, ok := db.messages[100]
	if !ok {
		t.Fatal("expected message 100 to be parsed")
	}
	if msg.name != "EngineData" {
		t.Fatalf("expected name EngineData, got %q", msg.name)
	}
	if len(msg.signals) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(msg.signals))
	}
}

func TestDBCDecodeLittleEndianScaled(t *testing.T) {
	db := loadDBC(sampleDBC)
	msg := db.messages[100]

	// RPM raw = 4000 (0x0FA0) little-endian in bytes 0-1, scale 0.25 -> 1000 rpm.
	data := []byte{0xA0, 0x0F, 0, 0, 0, 0, 0, 0}
	decoded := msg.decode(data)

	if rpm := decoded["EngineRPM"]; rpm != 1000 {
		t.Fatalf("expected EngineRPM 1000, got %v", rpm)
	}
}

func TestDetectedFind(t *testing.T) {
	list := []Detected{
		{Interface: "socketcan", Channel: "can0", IsUp: true, Bitrate: 500000},
		{Interface: "socketcan", Channel: "can1", IsUp: false},
	}

	d, ok := Find(list, "can1")
	if !ok || d.IsUp {
		t.Fatalf("expected can1 found and down, got %+v, ok=%v", d, ok)
	}

	if _, ok := Find(list, "can9"); ok {
		t.Fatal("expected can9 to be not found")
	}
}
