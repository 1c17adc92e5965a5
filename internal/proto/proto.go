package proto

import (
	"fmt"
)

const (
	ProtoVersion = "0.1.0"
	Suite        = "mesh-wire-v1"

	MsgTypeGossip = "gossip"
	MsgTypeAck    = "ack"

	MaxAckSize = 4 << 10
)

func ValidateWireMeta(version, suite string) error {
	if version != ProtoVersion {
		return fmt.Errorf("unsupported proto_version: %q", version)
	}
	if suite != Suite {
		return fmt.Errorf("unsupported suite: %q", suite)
	}
	return nil
}

// MaxSizeForType caps frames by the message type they carry. Zero means the
// type is never framed.
func MaxSizeForType(msgType string) int {
	switch msgType {
	case MsgTypeGossip:
		return MaxFrameSize
	case MsgTypeAck:
		return MaxAckSize
	default:
		return 0
	}
}
