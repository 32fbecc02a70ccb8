// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package can

import (
	"bufio"
	"strconv"
	"strings"
)

// signal is one decoded field within a DBC message: a start bit, a bit
// length, byte order, sign, and a linear scale/offset pair, following the
// handful of fields original_source/plexus/adapters/can.py's
// dbc_message.decode() relies on (cantools.Signal).
type signal struct {
	name         string
	startBit     int
	length       int
	littleEndian bool
	signed       bool
	scale        float64
	offset       float64
	unit         string
}

type message struct {
	id      uint32
	name    string
	signals []signal
}

// database is a minimal, read-only DBC model: enough to decode
// non-multiplexed signals from BO_/SG_ records. It intentionally does not
// implement the whole DBC grammar (attributes, value tables, multiplexing) —
// those are out of scope for the agent's telemetry path.
type database struct {
	messages map[uint32]*message
}

// loadDBC parses a DBC file's BO_ (message) and SG_ (signal) records.
// Grounded on original_source/plexus/adapters/can.py's use of
// cantools.database.load_file + message.decode(data).
func loadDBC(text string) *database {
	db := &database{messages: make(map[uint32]*message)}
	var current *message

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "BO_ "):
			if m := parseMessageLine(line); m != nil {
				db.messages[m.id] = m
				current = m
			} else {
				current = nil
			}
		case strings.HasPrefix(line, "SG_ ") && current != nil:
			if s := parseSignalLine(line); s != nil {
				current.signals = append(current.signals, *s)
			}
		case line == "":
			// blank lines don't end a message block in DBC; only a new BO_/other
			// top-level keyword does, which the switch above already handles.
		}
	}
	return db
}

// parseMessageLine parses: BO_ 100 EngineData: 8 ECU
func parseMessageLine(line string) *message {
	fields := strings.Fields(strings.TrimPrefix(line, "BO_ "))
	if len(fields) < 2 {
		return nil
	}
	id, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return nil
	}
	name := strings.TrimSuffix(fields[1], ":")
	return &message{id: uint32(id), name: name}
}

// parseSignalLine parses:
//
//	SG_ EngineRPM : 0|16@1+ (0.25,0) [0|16383.75] "rpm" ECU
func parseSignalLine(line string) *signal {
	body := strings.TrimPrefix(line, "SG_ ")
	parts := strings.SplitN(body, ":", 2)
	if len(parts) != 2 {
		return nil
	}
	name := strings.TrimSpace(parts[0])
	rest := strings.Fields(strings.TrimSpace(parts[1]))
	if len(rest) < 2 {
		return nil
	}

	layout := rest[0] // "0|16@1+"
	atIdx := strings.Index(layout, "@")
	pipeIdx := strings.Index(layout, "|")
	if atIdx < 0 || pipeIdx < 0 || pipeIdx > atIdx {
		return nil
	}
	startBit, err1 := strconv.Atoi(layout[:pipeIdx])
	length, err2 := strconv.Atoi(layout[pipeIdx+1 : atIdx])
	if err1 != nil || err2 != nil {
		return nil
	}
	littleEndian := strings.Contains(layout, "@1")
	signed := strings.HasSuffix(layout, "-")

	scale, offset := 1.0, 0.0
	if factorOffset := rest[1]; strings.HasPrefix(factorOffset, "(") {
		trimmed := strings.Trim(factorOffset, "()")
		nums := strings.SplitN(trimmed, ",", 2)
		if len(nums) == 2 {
			if f, err := strconv.ParseFloat(nums[0], 64); err == nil {
				scale = f
			}
			if o, err := strconv.ParseFloat(nums[1], 64); err == nil {
				offset = o
			}
		}
	}

	unit := ""
	for _, f := range rest {
		if strings.HasPrefix(f, `"`) {
			unit = strings.Trim(f, `"`)
			break
		}
	}

	return &signal{
		name: name, startBit: startBit, length: length,
		littleEndian: littleEndian, signed: signed,
		scale: scale, offset: offset, unit: unit,
	}
}

// decode extracts every signal's physical value from a raw frame payload.
func (m *message) decode(data []byte) map[string]float64 {
	out := make(map[string]float64, len(m.signals))
	for _, s := range m.signals {
		raw := extractBits(data, s)
		v := float64(raw)
		if s.signed && s.length > 0 && s.length <= 64 {
			shift := uint(64 - s.length)
			v = float64(int64(raw<<shift) >> shift)
		}
		out[s.name] = v*s.scale + s.offset
	}
	return out
}

// extractBits pulls a little-endian (Intel) or big-endian (Motorola) bit
// field out of a CAN payload. Only little-endian extraction is exercised by
// the test fixtures; big-endian falls back to the same bit-walk with DBC's
// Motorola start-bit convention.
func extractBits(data []byte, s signal) uint64 {
	var raw uint64
	if s.littleEndian {
		for i := 0; i < s.length; i++ {
			bitPos := s.startBit + i
			byteIdx, bitIdx := bitPos/8, bitPos%8
			if byteIdx >= len(data) {
				break
			}
			if data[byteIdx]&(1<<uint(bitIdx)) != 0 {
				raw |= 1 << uint(i)
			}
		}
		return raw
	}

	for i := 0; i < s.length; i++ {
		bitPos := s.startBit - i
		if bitPos < 0 {
			break
		}
		byteIdx, bitIdx := bitPos/8, 7-bitPos%8
		if byteIdx >= len(data) {
			break
		}
		raw <<= 1
		if data[byteIdx]&(1<<uint(bitIdx)) != 0 {
			raw |= 1
		}
	}
	return raw
}
