package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/renproject/surge"
)

// DefaultMaxFrameLen is the maximum payload length accepted by a Decoder that
// has not been configured with an explicit limit.
const DefaultMaxFrameLen = uint32(64 * 1024 * 1024)

const (
	frameHeaderLen           = 6
	compressedFrameHeaderLen = 10

	// The high bit of the first header byte marks the frame payload as
	// compressed. It doubles as the high bit of the big-endian length field,
	// so payload lengths are limited to 31 bits.
	compressedFlag = byte(0x80)
)

// ErrIncompleteFrame is returned by Decode when the buffer does not yet hold
// a complete frame. No bytes are consumed; the caller should read more data
// from the underlying stream and try again.
var ErrIncompleteFrame = errors.New("incomplete frame")

// An Encoder writes length-framed messages. A frame is a fixed header (4-byte
// big-endian payload length and 2-byte big-endian message type) followed by
// exactly that many payload bytes. When Compress is set, payloads are snappy
// compressed, the compression flag is set on the length field, and the header
// carries an extra 4-byte uncompressed length.
type Encoder struct {
	Compress bool
}

// Encode a message to the writer as one frame. It returns the number of bytes
// written. The message type tag must agree with its payload.
func (enc Encoder) Encode(w io.Writer, msg Msg) (int, error) {
	if msg.Payload == nil {
		return 0, newErrMsgTypeMismatch(msg.Type, 0)
	}
	if msg.Type != msg.Payload.Type() {
		return 0, newErrMsgTypeMismatch(msg.Type, msg.Payload.Type())
	}

	body, err := surge.ToBinary(msg.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshaling payload type=%v: %v", msg.Type, err)
	}

	frame := []byte(nil)
	if enc.Compress {
		compressed := snappy.Encode(nil, body)
		frame = make([]byte, compressedFrameHeaderLen+len(compressed))
		binary.BigEndian.PutUint32(frame[0:4], uint32(len(compressed)))
		frame[0] |= compressedFlag
		binary.BigEndian.PutUint16(frame[4:6], uint16(msg.Type))
		binary.BigEndian.PutUint32(frame[6:10], uint32(len(body)))
		copy(frame[compressedFrameHeaderLen:], compressed)
	} else {
		if uint64(len(body)) >= 1<<31 {
			return 0, newErrFrameTooLarge(uint64(len(body)), 1<<31-1)
		}
		frame = make([]byte, frameHeaderLen+len(body))
		binary.BigEndian.PutUint32(frame[0:4], uint32(len(body)))
		binary.BigEndian.PutUint16(frame[4:6], uint16(msg.Type))
		copy(frame[frameHeaderLen:], body)
	}

	n, err := w.Write(frame)
	if err != nil {
		return n, fmt.Errorf("writing frame: %w", err)
	}
	return n, nil
}

// A Decoder reads length-framed messages from a byte buffer. It is stateless
// apart from its limits, so it is safe to share between readers.
type Decoder struct {
	// MaxFrameLen bounds the payload length (compressed and uncompressed) that
	// the Decoder will accept. Zero means DefaultMaxFrameLen.
	MaxFrameLen uint32
}

// Decode one message from the front of buf. It returns the message and the
// number of bytes consumed. When buf does not yet hold a complete frame, it
// returns ErrIncompleteFrame and consumes nothing, so it is safe to call
// repeatedly as a receive buffer fills. Any other error is fatal to the
// stream: the frame boundary can no longer be trusted.
func (dec Decoder) Decode(buf []byte) (Msg, int, error) {
	maxFrameLen := dec.MaxFrameLen
	if maxFrameLen == 0 {
		maxFrameLen = DefaultMaxFrameLen
	}

	if len(buf) < frameHeaderLen {
		return Msg{}, 0, ErrIncompleteFrame
	}

	compressed := buf[0]&compressedFlag != 0
	payloadLen := binary.BigEndian.Uint32(buf[0:4]) &^ (uint32(compressedFlag) << 24)
	if payloadLen > maxFrameLen {
		return Msg{}, 0, newErrFrameTooLarge(uint64(payloadLen), maxFrameLen)
	}
	ty := MsgType(binary.BigEndian.Uint16(buf[4:6]))

	headerLen := frameHeaderLen
	uncompressedLen := uint32(0)
	if compressed {
		headerLen = compressedFrameHeaderLen
		if len(buf) < headerLen {
			return Msg{}, 0, ErrIncompleteFrame
		}
		uncompressedLen = binary.BigEndian.Uint32(buf[6:10])
		if uncompressedLen > maxFrameLen {
			return Msg{}, 0, newErrFrameTooLarge(uint64(uncompressedLen), maxFrameLen)
		}
	}

	total := headerLen + int(payloadLen)
	if len(buf) < total {
		return Msg{}, 0, ErrIncompleteFrame
	}

	payload, err := emptyPayload(ty)
	if err != nil {
		return Msg{}, 0, err
	}

	body := buf[headerLen:total]
	if compressed {
		body, err = snappy.Decode(nil, body)
		if err != nil {
			return Msg{}, 0, newErrPayloadCorrupt(ty, err)
		}
		if uint32(len(body)) != uncompressedLen {
			return Msg{}, 0, newErrPayloadCorrupt(ty, fmt.Errorf("uncompressed length mismatch: expected %v, got %v", uncompressedLen, len(body)))
		}
	}

	tail, _, err := payload.Unmarshal(body, surge.MaxBytes)
	if err != nil {
		return Msg{}, 0, newErrPayloadCorrupt(ty, err)
	}
	if len(tail) != 0 {
		return Msg{}, 0, newErrPayloadCorrupt(ty, fmt.Errorf("%v residual bytes after payload", len(tail)))
	}

	return Msg{Type: ty, Payload: payload}, total, nil
}
