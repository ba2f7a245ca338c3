package proto

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"safnode/internal/crypto"
)

const (
	MsgTypeDht = "dht"

	MsgTypeSafStore    = "saf_store"
	MsgTypeSafStoreAck = "saf_store_ack"
	MsgTypeSafRetrieve = "saf_retrieve"
	MsgTypeSafResponse = "saf_response"
	MsgTypeApp         = "app"

	MaxStoreRequestSize  = 768 << 10
	MaxStoreAckSize      = 2 << 10
	MaxRetrieveReqSize   = 4 << 10
	MaxRetrieveRespSize  = MaxFrameSize
	MaxAppMessageSize    = 512 << 10
	envelopeOverheadSize = 2 << 10
	// MaxResponseBatchWire bounds the encoded stored messages of one
	// response so the base64 envelope body still fits a frame.
	MaxResponseBatchWire = (MaxFrameSize-envelopeOverheadSize)/4*3 - envelopeOverheadSize

	envelopeDigestLabel = "safnode:env:v1"
)

// TypeMax returns the frame size cap for a message_type, or 0 if unknown.
func TypeMax(msgType string) int {
	switch msgType {
	case MsgTypeSafStore:
		// the store request body is base64 inside the base64 envelope body
		return MaxFrameSize
	case MsgTypeSafStoreAck:
		return MaxStoreAckSize + envelopeOverheadSize
	case MsgTypeSafRetrieve:
		return MaxRetrieveReqSize + envelopeOverheadSize
	case MsgTypeSafResponse:
		return MaxRetrieveRespSize
	default:
		return MaxAppMessageSize + envelopeOverheadSize
	}
}

// DhtEnvelope wraps every message exchanged between nodes. MessageType is
// first so that oversized frames can be sniffed.
type DhtEnvelope struct {
	MessageType  string `json:"message_type"`
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`
	OriginPub    string `json:"origin_pub"`
	Destination  string `json:"destination,omitempty"`
	ReplyAddr    string `json:"reply_addr,omitempty"`
	Timestamp    int64  `json:"ts"`
	Body         []byte `json:"body"`
	Sig          string `json:"sig,omitempty"`
}

func (e DhtEnvelope) OriginKey() ([]byte, error) {
	pub, err := hex.DecodeString(e.OriginPub)
	if err != nil {
		return nil, fmt.Errorf("bad origin_pub: %w", err)
	}
	if !crypto.IsPublicKey(pub) {
		return nil, fmt.Errorf("bad origin_pub length %d", len(pub))
	}
	return pub, nil
}

// DestinationID returns the destination node id; ok is false for envelopes
// without a destination.
func (e DhtEnvelope) DestinationID() ([32]byte, bool, error) {
	if e.Destination == "" {
		return [32]byte{}, false, nil
	}
	id, err := DecodeNodeIDHex(e.Destination)
	if err != nil {
		return [32]byte{}, false, err
	}
	return id, true, nil
}

func EnvelopeDigest(e DhtEnvelope) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.Timestamp))
	return crypto.KDF(envelopeDigestLabel,
		lenPrefixed([]byte(e.MessageType)),
		lenPrefixed([]byte(e.Destination)),
		lenPrefixed([]byte(e.ReplyAddr)),
		ts[:],
		e.Body,
	)
}

func SignEnvelope(e *DhtEnvelope, priv []byte) error {
	sig, err := crypto.SignDigest(priv, EnvelopeDigest(*e))
	if err != nil {
		return err
	}
	e.Sig = hex.EncodeToString(sig)
	return nil
}

func VerifyEnvelope(e DhtEnvelope) error {
	pub, err := e.OriginKey()
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(e.Sig)
	if err != nil || len(sig) == 0 {
		return fmt.Errorf("bad sig")
	}
	if !crypto.VerifyDigest(pub, EnvelopeDigest(e), sig) {
		return fmt.Errorf("invalid envelope signature")
	}
	return nil
}

func EncodeDhtEnvelope(e DhtEnvelope) ([]byte, error) {
	if e.Type == "" {
		e.Type = MsgTypeDht
	}
	if e.ProtoVersion == "" {
		e.ProtoVersion = ProtoVersion
	}
	if e.Suite == "" {
		e.Suite = Suite
	}
	if e.MessageType == "" {
		return nil, fmt.Errorf("missing message_type")
	}
	return json.Marshal(e)
}

func DecodeDhtEnvelope(data []byte) (DhtEnvelope, error) {
	var e DhtEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return DhtEnvelope{}, err
	}
	if e.Type != MsgTypeDht {
		return DhtEnvelope{}, fmt.Errorf("unexpected msg type: %s", e.Type)
	}
	if err := ValidateWireMeta(e.ProtoVersion, e.Suite); err != nil {
		return DhtEnvelope{}, err
	}
	if e.MessageType == "" {
		return DhtEnvelope{}, fmt.Errorf("missing message_type")
	}
	if max := TypeMax(e.MessageType); max > 0 && len(data) > max {
		return DhtEnvelope{}, fmt.Errorf("payload too large for type %s", e.MessageType)
	}
	return e, nil
}

func lenPrefixed(b []byte) []byte {
	out := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(out[:4], uint32(len(b)))
	copy(out[4:], b)
	return out
}
