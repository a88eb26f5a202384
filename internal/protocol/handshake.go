package protocol

import "fmt"

// Handshake is the first packet of every connection: the client declares its
// protocol version, the address it dialed, and which state it wants next.
type Handshake struct {
	ProtocolVersion int32
	ServerAddress   string
	ServerPort      uint16
	NextState       int32
}

// DecodeHandshake parses a handshake payload. NextState values other than
// status and login are a protocol violation.
func DecodeHandshake(payload []byte) (Handshake, error) {
	r := NewReader(payload)
	var hs Handshake
	var err error

	if hs.ProtocolVersion, err = r.VarInt(); err != nil {
		return hs, fmt.Errorf("protocol version: %w", err)
	}
	if hs.ServerAddress, err = r.String(MaxServerAddressChars); err != nil {
		return hs, fmt.Errorf("server address: %w", err)
	}
	if hs.ServerPort, err = r.Uint16(); err != nil {
		return hs, fmt.Errorf("server port: %w", err)
	}
	if hs.NextState, err = r.VarInt(); err != nil {
		return hs, fmt.Errorf("next state: %w", err)
	}
	if hs.NextState != NextStateStatus && hs.NextState != NextStateLogin {
		return hs, fmt.Errorf("next state %d: %w", hs.NextState, ErrInvalidField)
	}
	return hs, nil
}

// DecodeLoginStart parses a login start payload and returns the identity
// string the player typed. Later protocol versions append a profile id after
// the name; whatever trails the string is ignored, bounded by the frame
// length already enforced.
func DecodeLoginStart(payload []byte) (string, error) {
	r := NewReader(payload)
	name, err := r.String(MaxIdentifierChars)
	if err != nil {
		return "", fmt.Errorf("identity: %w", err)
	}
	if name == "" {
		return "", fmt.Errorf("identity: %w", ErrInvalidField)
	}
	return name, nil
}
