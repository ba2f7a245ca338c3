package proto

import (
	"encoding/json"
	"fmt"

	"safnode/internal/crypto"
)

const messageIDLabel = "safnode:msgid:v1"

// MessageID is the content hash identifying a stored message.
func MessageID(destination, origin [32]byte, body []byte) [32]byte {
	var id [32]byte
	copy(id[:], crypto.KDF(messageIDLabel, destination[:], origin[:], body))
	return id
}

type StoredMessageWire struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
	Origin      string `json:"origin"`
	OriginPub   string `json:"origin_pub"`
	OriginSig   string `json:"origin_sig,omitempty"`
	Body        []byte `json:"body"`
	Priority    uint8  `json:"priority"`
	StoredAtMs  int64  `json:"stored_at_ms"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
}

type StoreRequestMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`
	Destination  string `json:"destination"`
	Origin       string `json:"origin"`
	OriginPub    string `json:"origin_pub"`
	OriginSig    string `json:"origin_sig,omitempty"`
	Body         []byte `json:"body"`
	Priority     uint8  `json:"priority"`
	TTLSec       int64  `json:"ttl_sec,omitempty"`
}

type StoreAckMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`
	ID           string `json:"id"`
	Outcome      string `json:"outcome"`
	Error        string `json:"error,omitempty"`
}

type RetrieveRequestMsg struct {
	Type          string `json:"type"`
	ProtoVersion  string `json:"proto_version"`
	Suite         string `json:"suite"`
	RequestID     string `json:"request_id"`
	RequestingKey string `json:"requesting_key"`
	SinceMs       int64  `json:"since_ms,omitempty"`
	MaxCount      int    `json:"max_count,omitempty"`
	MaxBytes      int    `json:"max_bytes,omitempty"`
	Broad         bool   `json:"broad,omitempty"`
}

type RetrieveResponseMsg struct {
	Type         string              `json:"type"`
	ProtoVersion string              `json:"proto_version"`
	Suite        string              `json:"suite"`
	RequestID    string              `json:"request_id"`
	Batch        []StoredMessageWire `json:"batch"`
	IsFinal      bool                `json:"is_final"`
}

func EncodeStoreRequestMsg(m StoreRequestMsg) ([]byte, error) {
	m.Type = MsgTypeSafStore
	fillMeta(&m.ProtoVersion, &m.Suite)
	return json.Marshal(m)
}

func DecodeStoreRequestMsg(data []byte) (StoreRequestMsg, error) {
	var m StoreRequestMsg
	if err := decodeTyped(data, &m, MaxStoreRequestSize); err != nil {
		return StoreRequestMsg{}, err
	}
	if err := checkMeta(m.Type, MsgTypeSafStore, m.ProtoVersion, m.Suite); err != nil {
		return StoreRequestMsg{}, err
	}
	return m, nil
}

func EncodeStoreAckMsg(m StoreAckMsg) ([]byte, error) {
	m.Type = MsgTypeSafStoreAck
	fillMeta(&m.ProtoVersion, &m.Suite)
	return json.Marshal(m)
}

func DecodeStoreAckMsg(data []byte) (StoreAckMsg, error) {
	var m StoreAckMsg
	if err := decodeTyped(data, &m, MaxStoreAckSize); err != nil {
		return StoreAckMsg{}, err
	}
	if err := checkMeta(m.Type, MsgTypeSafStoreAck, m.ProtoVersion, m.Suite); err != nil {
		return StoreAckMsg{}, err
	}
	return m, nil
}

func EncodeRetrieveRequestMsg(m RetrieveRequestMsg) ([]byte, error) {
	m.Type = MsgTypeSafRetrieve
	fillMeta(&m.ProtoVersion, &m.Suite)
	return json.Marshal(m)
}

func DecodeRetrieveRequestMsg(data []byte) (RetrieveRequestMsg, error) {
	var m RetrieveRequestMsg
	if err := decodeTyped(data, &m, MaxRetrieveReqSize); err != nil {
		return RetrieveRequestMsg{}, err
	}
	if err := checkMeta(m.Type, MsgTypeSafRetrieve, m.ProtoVersion, m.Suite); err != nil {
		return RetrieveRequestMsg{}, err
	}
	if m.RequestID == "" {
		return RetrieveRequestMsg{}, fmt.Errorf("missing request_id")
	}
	if m.MaxCount < 0 || m.MaxBytes < 0 {
		return RetrieveRequestMsg{}, fmt.Errorf("negative limits")
	}
	return m, nil
}

func EncodeRetrieveResponseMsg(m RetrieveResponseMsg) ([]byte, error) {
	m.Type = MsgTypeSafResponse
	fillMeta(&m.ProtoVersion, &m.Suite)
	if m.Batch == nil {
		m.Batch = []StoredMessageWire{}
	}
	return json.Marshal(m)
}

func DecodeRetrieveResponseMsg(data []byte) (RetrieveResponseMsg, error) {
	var m RetrieveResponseMsg
	if err := decodeTyped(data, &m, MaxRetrieveRespSize); err != nil {
		return RetrieveResponseMsg{}, err
	}
	if err := checkMeta(m.Type, MsgTypeSafResponse, m.ProtoVersion, m.Suite); err != nil {
		return RetrieveResponseMsg{}, err
	}
	if m.RequestID == "" {
		return RetrieveResponseMsg{}, fmt.Errorf("missing request_id")
	}
	return m, nil
}

func fillMeta(version, suite *string) {
	if *version == "" {
		*version = ProtoVersion
	}
	if *suite == "" {
		*suite = Suite
	}
}

func decodeTyped(data []byte, v any, max int) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	if max > 0 && len(data) > max {
		return fmt.Errorf("payload too large")
	}
	return json.Unmarshal(data, v)
}

func checkMeta(got, want, version, suite string) error {
	if got != want {
		return fmt.Errorf("unexpected msg type: %s", got)
	}
	return ValidateWireMeta(version, suite)
}

// OriginSigDigest is what the origin signs so that stored messages can be
// verified after being relayed by third parties.
func OriginSigDigest(id [32]byte) []byte {
	return crypto.KDF("safnode:origin:v1", id[:])
}

func DecodeOriginSig(s string) ([]byte, error) {
	return decodeHexField("origin_sig", s)
}
