package wire

import "fmt"

// ErrFrameTooLarge is returned when a frame header declares a payload length
// above the configured maximum. The declared length is kept on the error.
type ErrFrameTooLarge struct {
	error
	Length uint64
	Max    uint32
}

func newErrFrameTooLarge(length uint64, max uint32) error {
	return ErrFrameTooLarge{
		error:  fmt.Errorf("frame length=%d exceeds maximum=%d", length, max),
		Length: length,
		Max:    max,
	}
}

// ErrMsgTypeNotSupported is returned when a frame header carries a message
// type identifier that this codec does not recognise. The raw identifier is
// kept on the error.
type ErrMsgTypeNotSupported struct {
	error
	Type MsgType
}

func newErrMsgTypeNotSupported(ty MsgType) error {
	return ErrMsgTypeNotSupported{
		error: fmt.Errorf("message type=%d is not supported", uint16(ty)),
		Type:  ty,
	}
}

// ErrMsgTypeMismatch is returned by the Encoder when a message carries a type
// tag that disagrees with its payload.
type ErrMsgTypeMismatch struct {
	error
	Tag     MsgType
	Payload MsgType
}

func newErrMsgTypeMismatch(tag, payload MsgType) error {
	return ErrMsgTypeMismatch{
		error:   fmt.Errorf("message type tag=%v disagrees with payload type=%v", tag, payload),
		Tag:     tag,
		Payload: payload,
	}
}

// ErrPayloadCorrupt is returned when a frame is well-delimited but its
// payload cannot be decompressed or parsed.
type ErrPayloadCorrupt struct {
	error
	Type MsgType
}

func newErrPayloadCorrupt(ty MsgType, err error) error {
	return ErrPayloadCorrupt{
		error: fmt.Errorf("corrupt payload for message type=%v: %v", ty, err),
		Type:  ty,
	}
}
