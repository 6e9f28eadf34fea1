package decode

import "testing"

type samplePayload struct {
	CallID string `json:"call_id"`
	Seq    int64  `json:"seq"`
	Muted  bool   `json:"muted"`
}

func TestMapDecodesJSONShapedInput(t *testing.T) {
	// JSON numbers arrive as float64
	in := map[string]any{"call_id": "c1", "seq": float64(42), "muted": true}
	out, err := Map[samplePayload](in)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.CallID != "c1" || out.Seq != 42 || !out.Muted {
		t.Fatalf("out = %+v", out)
	}
}

func TestMapIgnoresUnknownFields(t *testing.T) {
	in := map[string]any{"call_id": "c1", "mystery": "x"}
	out, err := Map[samplePayload](in)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.CallID != "c1" {
		t.Fatalf("out = %+v", out)
	}
}

func TestMapNilPayload(t *testing.T) {
	if _, err := Map[samplePayload](nil); err == nil {
		t.Fatalf("nil payload accepted")
	}
}
