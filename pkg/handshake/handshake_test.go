package handshake

import "testing"

func TestSynPayloadRoundTrip(t *testing.T) {
	s := SynPayload{
		Filename:  "report.pdf",
		FileSize:  1300,
		ChunkSize: 1024,
		SHA256:    "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
	}
	data, err := EncodeSyn(s)
	if err != nil {
		t.Fatalf("EncodeSyn: %v", err)
	}
	got, err := DecodeSyn(data)
	if err != nil {
		t.Fatalf("DecodeSyn: %v", err)
	}
	if got != s {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, s)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestSynPayloadValidateRejectsBadFields(t *testing.T) {
	cases := []SynPayload{
		{Filename: "", FileSize: 1, ChunkSize: 1, SHA256: repeat("a", 64)},
		{Filename: "x", FileSize: -1, ChunkSize: 1, SHA256: repeat("a", 64)},
		{Filename: "x", FileSize: 1, ChunkSize: 0, SHA256: repeat("a", 64)},
		{Filename: "x", FileSize: 1, ChunkSize: 1, SHA256: "short"},
	}
	for i, c := range cases {
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, c)
		}
	}
}

func TestSafeFilenameStripsPathComponents(t *testing.T) {
	s := SynPayload{Filename: "../../etc/passwd"}
	if got := s.SafeFilename(); got != "passwd" {
		t.Fatalf("SafeFilename() = %q, want %q", got, "passwd")
	}
}

func TestDecodeSynAckDefaultsOnGarbage(t *testing.T) {
	got, err := DecodeSynAck([]byte("not json"))
	if err != nil {
		t.Fatalf("DecodeSynAck: %v", err)
	}
	if got.NextChunk != 0 {
		t.Fatalf("expected NextChunk 0 on garbage payload, got %d", got.NextChunk)
	}
}

func TestDecodeSynAckEmpty(t *testing.T) {
	got, err := DecodeSynAck(nil)
	if err != nil {
		t.Fatalf("DecodeSynAck: %v", err)
	}
	if got.NextChunk != 0 || got.Message != "" {
		t.Fatalf("expected zero value for empty payload, got %+v", got)
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n)
	for len(out) < n {
		out = append(out, s...)
	}
	return string(out[:n])
}
