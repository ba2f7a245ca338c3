package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"safnode/internal/proto"
)

// Backend is durable write-through storage behind the in-memory index.
type Backend interface {
	Name() string
	Load(ctx context.Context) ([]StoredMessage, error)
	Put(ctx context.Context, msg StoredMessage) error
	Delete(ctx context.Context, ids [][32]byte) error
	Close() error
}

func (m StoredMessage) Wire() proto.StoredMessageWire {
	w := proto.StoredMessageWire{
		ID:          hex.EncodeToString(m.ID[:]),
		Destination: proto.EncodeNodeIDHex(m.Destination),
		Origin:      proto.EncodeNodeIDHex(m.Origin),
		OriginPub:   hex.EncodeToString(m.OriginPub),
		Body:        m.Body,
		Priority:    uint8(m.Priority),
		StoredAtMs:  m.StoredAt.UnixMilli(),
		ExpiresAtMs: m.ExpiresAt.UnixMilli(),
	}
	if len(m.OriginSig) > 0 {
		w.OriginSig = hex.EncodeToString(m.OriginSig)
	}
	return w
}

func FromWire(w proto.StoredMessageWire) (StoredMessage, error) {
	var m StoredMessage
	id, err := proto.DecodeNodeIDHex(w.ID)
	if err != nil {
		return m, fmt.Errorf("id: %w", err)
	}
	dest, err := proto.DecodeNodeIDHex(w.Destination)
	if err != nil {
		return m, fmt.Errorf("destination: %w", err)
	}
	origin, err := proto.DecodeNodeIDHex(w.Origin)
	if err != nil {
		return m, fmt.Errorf("origin: %w", err)
	}
	pub, err := hex.DecodeString(w.OriginPub)
	if err != nil {
		return m, fmt.Errorf("origin_pub: %w", err)
	}
	sig, err := proto.DecodeOriginSig(w.OriginSig)
	if err != nil {
		return m, err
	}
	return StoredMessage{
		ID:          id,
		Destination: dest,
		Origin:      origin,
		OriginPub:   pub,
		OriginSig:   sig,
		Body:        w.Body,
		Priority:    Priority(w.Priority),
		StoredAt:    time.UnixMilli(w.StoredAtMs).UTC(),
		ExpiresAt:   time.UnixMilli(w.ExpiresAtMs).UTC(),
	}, nil
}

func idKey(id [32]byte) string {
	return hex.EncodeToString(id[:])
}

func decodeID(s string) ([32]byte, error) {
	return proto.DecodeNodeIDHex(s)
}

// OpenBackend opens the named durable backend. "memory" returns nil.
func OpenBackend(ctx context.Context, kind, path, redisURL, redisPrefix string) (Backend, error) {
	switch kind {
	case "", "memory":
		return nil, nil
	case "jsonl":
		return OpenJournal(path)
	case "sqlite":
		return OpenSQLite(ctx, path)
	case "leveldb":
		return OpenLevelDB(path)
	case "redis":
		return OpenRedis(ctx, redisURL, redisPrefix)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}
