package proto

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	ProtoVersion = "safnode/1"
	Suite        = "ed25519+sha3-256"
)

func ValidateWireMeta(version, suite string) error {
	if version != "" && version != ProtoVersion {
		return fmt.Errorf("unsupported proto_version: %s", version)
	}
	if suite != "" && suite != Suite {
		return fmt.Errorf("unsupported suite: %s", suite)
	}
	return nil
}

func EncodeNodeIDHex(id [32]byte) string {
	return hex.EncodeToString(id[:])
}

func DecodeNodeIDHex(s string) ([32]byte, error) {
	var id [32]byte
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return id, fmt.Errorf("bad node id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("bad node id length %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func decodeHexField(name, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad %s: %w", name, err)
	}
	return raw, nil
}
