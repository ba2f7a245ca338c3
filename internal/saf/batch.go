package saf

import (
	"encoding/json"

	"safnode/internal/proto"
	"safnode/internal/store"
)

// splitBatches cuts msgs into runs of at most maxCount entries, maxBytes
// stored bytes and maxWire bytes of encoded wire form. A message over a
// byte limit travels alone. An empty input gives one empty batch so the
// requester still sees a final response.
func splitBatches(msgs []store.StoredMessage, maxCount, maxBytes, maxWire int) [][]store.StoredMessage {
	if len(msgs) == 0 {
		return [][]store.StoredMessage{nil}
	}
	var out [][]store.StoredMessage
	var cur []store.StoredMessage
	used, usedWire := 0, 0
	for _, m := range msgs {
		size := m.Size()
		wire := 0
		if maxWire > 0 {
			wire = wireSize(m)
		}
		full := (maxCount > 0 && len(cur) >= maxCount) ||
			(maxBytes > 0 && len(cur) > 0 && used+size > maxBytes) ||
			(maxWire > 0 && len(cur) > 0 && usedWire+wire > maxWire)
		if full {
			out = append(out, cur)
			cur, used, usedWire = nil, 0, 0
		}
		cur = append(cur, m)
		used += size
		usedWire += wire
	}
	return append(out, cur)
}

// wireSize is the encoded length of m inside a response batch, separator
// included.
func wireSize(m store.StoredMessage) int {
	data, err := json.Marshal(m.Wire())
	if err != nil {
		return 0
	}
	return len(data) + 1
}

func wireBatch(msgs []store.StoredMessage) []proto.StoredMessageWire {
	out := make([]proto.StoredMessageWire, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Wire())
	}
	return out
}
