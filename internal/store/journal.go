package store

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"safnode/internal/proto"
)

const maxScanSize = 2 * proto.MaxFrameSize

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

// AppendJSONL appends one JSON record to path and syncs it.
func AppendJSONL(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(v); err != nil {
		return err
	}
	return syncFile(f)
}

// ReadJSONL calls fn for every line of path. Missing files read as empty;
// lines fn cannot decode are skipped by the caller returning nil.
func ReadJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := newScanner(f)
	for sc.Scan() {
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}

const (
	journalOpPut = "put"
	journalOpDel = "del"

	journalCompactMin = 1024
)

type journalRecord struct {
	Op  string                   `json:"op"`
	Msg *proto.StoredMessageWire `json:"msg,omitempty"`
	IDs []string                 `json:"ids,omitempty"`
}

// Journal is an append-only JSONL backend. Deletes are tombstones until the
// file is compacted.
type Journal struct {
	mu      sync.Mutex
	path    string
	live    map[string]struct{}
	records int
}

func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return &Journal{path: path, live: make(map[string]struct{})}, nil
}

func (j *Journal) Name() string { return "jsonl" }

func (j *Journal) Load(_ context.Context) ([]StoredMessage, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	byID := make(map[string]proto.StoredMessageWire)
	order := make([]string, 0)
	j.records = 0
	err := ReadJSONL(j.path, func(line []byte) error {
		var rec journalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil
		}
		j.records++
		switch rec.Op {
		case journalOpPut:
			if rec.Msg == nil {
				return nil
			}
			if _, ok := byID[rec.Msg.ID]; !ok {
				order = append(order, rec.Msg.ID)
			}
			byID[rec.Msg.ID] = *rec.Msg
		case journalOpDel:
			for _, id := range rec.IDs {
				delete(byID, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	j.live = make(map[string]struct{}, len(byID))
	out := make([]StoredMessage, 0, len(byID))
	for _, id := range order {
		w, ok := byID[id]
		if !ok {
			continue
		}
		m, err := FromWire(w)
		if err != nil {
			continue
		}
		j.live[id] = struct{}{}
		out = append(out, m)
	}
	if j.records > journalCompactMin && j.records > 2*len(out) {
		if err := j.compactLocked(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (j *Journal) Put(_ context.Context, msg StoredMessage) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	w := msg.Wire()
	if err := AppendJSONL(j.path, journalRecord{Op: journalOpPut, Msg: &w}); err != nil {
		return err
	}
	j.live[w.ID] = struct{}{}
	j.records++
	return nil
}

func (j *Journal) Delete(_ context.Context, ids [][32]byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		k := idKey(id)
		if _, ok := j.live[k]; !ok {
			continue
		}
		delete(j.live, k)
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := AppendJSONL(j.path, journalRecord{Op: journalOpDel, IDs: keys}); err != nil {
		return err
	}
	j.records++
	return nil
}

func (j *Journal) Close() error { return nil }

// compactLocked rewrites the journal with only live puts.
func (j *Journal) compactLocked(live []StoredMessage) error {
	tmp := j.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, m := range live {
		w := m.Wire()
		if err := enc.Encode(journalRecord{Op: journalOpPut, Msg: &w}); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	// close before rename so this also works on windows
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return err
	}
	syncDir(j.path)
	j.records = len(live)
	return nil
}
