package global

import (
	"encoding/json"
	"testing"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"event":"message.send","topic":"conversation:c1","payload":{"content":"hi"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Event != "message.send" || env.Topic != "conversation:c1" {
		t.Fatalf("env = %+v", env)
	}
	if env.Payload["content"] != "hi" {
		t.Fatalf("payload = %v", env.Payload)
	}
}

func TestParseEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`not json`)); err == nil {
		t.Fatalf("garbage accepted")
	}
	if _, err := ParseEnvelope([]byte(`{"topic":"x"}`)); err == nil {
		t.Fatalf("missing event accepted")
	}
}

func TestBuildFrame(t *testing.T) {
	frame, err := BuildFrame(EventMessageNew, "conversation:c1", map[string]any{"id": "m1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var out struct {
		Event   string         `json:"event"`
		Topic   string         `json:"topic"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(frame, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Event != EventMessageNew || out.Topic != "conversation:c1" || out.Payload["id"] != "m1" {
		t.Fatalf("frame = %+v", out)
	}
}

func TestSplitTopic(t *testing.T) {
	kind, id, ok := SplitTopic(TopicConversation("c1"))
	if !ok || kind != "conversation" || id != "c1" {
		t.Fatalf("split = %s/%s/%v", kind, id, ok)
	}
	kind, id, ok = SplitTopic(TopicHuddle("h1"))
	if !ok || kind != "huddle" || id != "h1" {
		t.Fatalf("split = %s/%s/%v", kind, id, ok)
	}
	for _, bad := range []string{"", "noseparator", ":leading", "trailing:"} {
		if _, _, ok := SplitTopic(bad); ok {
			t.Fatalf("split accepted %q", bad)
		}
	}
}

func TestHashPartitionStable(t *testing.T) {
	a := HashPartition("user-42", 12)
	b := HashPartition("user-42", 12)
	if a != b {
		t.Fatalf("partition not stable: %d vs %d", a, b)
	}
	if a < 0 || a >= 12 {
		t.Fatalf("partition out of range: %d", a)
	}
}
