package transport

import (
	"github.com/ecunet/monitor/internal/errs"
	"github.com/ecunet/monitor/pkg/can"
)

// encodeWireFrame converts a transport Frame into a driver-level can.Frame,
// appending an XOR checksum byte when checksumming is enabled. A payload
// already at the 8-byte limit leaves no room for the checksum byte and is
// rejected outright (spec.md §4.1, §7).
func encodeWireFrame(f Frame, checksum bool) (can.Frame, error) {
	length := f.Length
	data := f.Payload

	if checksum {
		if length >= 8 {
			return can.Frame{}, errs.ErrInvalidLength
		}
		data[length] = xorChecksum(data[:length])
		length++
	}

	frame := can.NewFrame(f.ID, can.FlagExtended, length)
	frame.Data = data
	return frame, nil
}

// decodeWireFrame is the inverse of encodeWireFrame: it verifies and strips
// the trailing checksum byte when enabled.
func decodeWireFrame(raw can.Frame, checksum bool) (Frame, error) {
	length := raw.DLC
	data := raw.Data

	if checksum {
		if length == 0 {
			return Frame{}, errs.ErrInvalidLength
		}
		payloadLen := length - 1
		if xorChecksum(data[:payloadLen]) != data[payloadLen] {
			return Frame{}, errs.ErrReceive
		}
		length = payloadLen
	}

	return Frame{ID: raw.ID, Length: length, Payload: data}, nil
}

func xorChecksum(b []byte) byte {
	var c byte
	for _, v := range b {
		c ^= v
	}
	return c
}
