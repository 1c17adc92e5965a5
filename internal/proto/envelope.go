package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	ErrFrameSize = errors.New("invalid frame size")
	ErrFrameType = errors.New("unexpected message type")
)

// MaxFrameSize bounds every frame on the wire; MaxSizeForType narrows it per message type.
const MaxFrameSize = 1 << 20

// envelope is the header every gossip and ack message starts with.
type envelope struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`
}

// WriteMessage sends payload as one frame behind a 4-byte big-endian length.
func WriteMessage(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrFrameSize)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d", ErrFrameSize, len(payload))
	}
	frame := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(payload)), uint32(len(payload)))
	frame = append(frame, payload...)
	_, err := w.Write(frame)
	return err
}

// ReadMessage reads one frame that must hold a msgType message. The length is
// checked against the cap for msgType before the body is read, and the body's
// envelope must name msgType and this wire version.
func ReadMessage(r io.Reader, msgType string) ([]byte, error) {
	limit := MaxSizeForType(msgType)
	if limit == 0 {
		return nil, fmt.Errorf("%w: %q", ErrFrameType, msgType)
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || uint64(n) > uint64(limit) {
		return nil, fmt.Errorf("%w: %d bytes for %s", ErrFrameSize, n, msgType)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("bad %s envelope: %w", msgType, err)
	}
	if env.Type != msgType {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrFrameType, env.Type, msgType)
	}
	if err := ValidateWireMeta(env.ProtoVersion, env.Suite); err != nil {
		return nil, err
	}
	return payload, nil
}
