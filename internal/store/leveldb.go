package store

import (
	"context"
	"encoding/json"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"safnode/internal/proto"
)

const (
	levelOpenFileLimit = 64
	levelMsgPrefix     = "m/"
)

// LevelDBBackend keeps one JSON value per message under "m/<id>".
type LevelDBBackend struct {
	ldb *leveldb.DB
}

func OpenLevelDB(path string) (*LevelDBBackend, error) {
	ldb, err := leveldb.OpenFile(path, &opt.Options{
		OpenFilesCacheCapacity: levelOpenFileLimit,
	})
	if err != nil {
		return nil, err
	}
	return &LevelDBBackend{ldb: ldb}, nil
}

func (b *LevelDBBackend) Name() string { return "leveldb" }

func levelKey(id [32]byte) []byte {
	return []byte(levelMsgPrefix + idKey(id))
}

func (b *LevelDBBackend) Load(ctx context.Context) ([]StoredMessage, error) {
	it := b.ldb.NewIterator(util.BytesPrefix([]byte(levelMsgPrefix)), nil)
	defer it.Release()
	var out []StoredMessage
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var w proto.StoredMessageWire
		if err := json.Unmarshal(it.Value(), &w); err != nil {
			continue
		}
		m, err := FromWire(w)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, it.Error()
}

func (b *LevelDBBackend) Put(_ context.Context, m StoredMessage) error {
	data, err := json.Marshal(m.Wire())
	if err != nil {
		return err
	}
	return b.ldb.Put(levelKey(m.ID), data, &opt.WriteOptions{Sync: true})
}

func (b *LevelDBBackend) Delete(_ context.Context, ids [][32]byte) error {
	if len(ids) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for _, id := range ids {
		batch.Delete(levelKey(id))
	}
	return b.ldb.Write(batch, nil)
}

func (b *LevelDBBackend) Close() error {
	return b.ldb.Close()
}
