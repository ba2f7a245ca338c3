package proto

import (
	"bytes"
	"strings"
	"testing"

	"safnode/internal/testutil"
)

func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, '{'})
	f.Add([]byte{0, 0, 0, 5, '{', '"', 't', '"', '}'})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			r := bytes.NewReader(data)
			_, _ = ReadFrameWithTypeCap(r, SoftMaxFrameSize, TypeMax)
		})
	})
}

func FuzzDecodeDhtEnvelope(f *testing.F) {
	f.Add([]byte(`{"message_type":"saf_store","type":"dht","proto_version":"safnode/1","suite":"ed25519+sha3-256","origin_pub":"` + strings.Repeat("00", 32) + `","ts":1,"body":"aGk="}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			e, err := DecodeDhtEnvelope(data)
			if err == nil {
				_ = VerifyEnvelope(e)
				_, _, _ = e.DestinationID()
				_, _ = EncodeDhtEnvelope(e)
			}
		})
	})
}

func FuzzDecodeRetrieveResponse(f *testing.F) {
	f.Add([]byte(`{"type":"saf_response","request_id":"r","batch":[{"id":"00","body":"aGk="}],"is_final":true}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			m, err := DecodeRetrieveResponseMsg(data)
			if err == nil {
				_, _ = EncodeRetrieveResponseMsg(m)
			}
		})
	})
}
