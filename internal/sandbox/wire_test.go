package sandbox

import (
	"errors"
	"testing"
)

func TestParseEnvelope(t *testing.T) {
	raw := []byte(`{
		"metadata": {"sandboxId": "sb-1", "courierTaskId": "task-9", "userId": "u-2"},
		"payload": {
			"type": "chat",
			"status": "RUNNING",
			"taskId": "sbx-task-3",
			"messageId": "msg-7",
			"seqId": 4,
			"content": "hello",
			"attachments": [{"fileKey": "k1", "filename": "a.txt", "fileSize": 12}]
		}
	}`)

	env, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("ParseEnvelope() error = %v", err)
	}
	if env.Metadata.SandboxID != "sb-1" {
		t.Errorf("Metadata.SandboxID = %q, want %q", env.Metadata.SandboxID, "sb-1")
	}
	if env.Metadata.CourierTaskID != "task-9" {
		t.Errorf("Metadata.CourierTaskID = %q, want %q", env.Metadata.CourierTaskID, "task-9")
	}
	if env.Payload.Type != TypeChat {
		t.Errorf("Payload.Type = %q, want %q", env.Payload.Type, TypeChat)
	}
	if env.Payload.SeqID != 4 {
		t.Errorf("Payload.SeqID = %d, want 4", env.Payload.SeqID)
	}
	if len(env.Payload.Attachments) != 1 || env.Payload.Attachments[0].FileKey != "k1" {
		t.Errorf("Payload.Attachments = %+v, want one with FileKey k1", env.Payload.Attachments)
	}
	if len(env.Raw) == 0 {
		t.Error("ParseEnvelope() dropped raw frame")
	}
}

func TestParseEnvelopeUnknownType(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"payload": {"type": "telemetry", "content": "x"}}`))
	if err != nil {
		t.Fatalf("ParseEnvelope() error = %v", err)
	}
	if env.Payload.Type != TypeUnknown {
		t.Errorf("Payload.Type = %q, want %q", env.Payload.Type, TypeUnknown)
	}
	if len(env.Raw) == 0 {
		t.Error("unknown-type envelope must keep its raw frame")
	}
}

func TestParseEnvelopeInvalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{nope`},
		{"missing type", `{"payload": {"content": "x"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseEnvelope([]byte(tc.raw)); !errors.Is(err, ErrInvalidEnvelope) {
				t.Errorf("ParseEnvelope(%q) error = %v, want ErrInvalidEnvelope", tc.raw, err)
			}
		})
	}
}

func TestShowInUIDefaultsTrue(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"payload": {"type": "chat"}}`))
	if err != nil {
		t.Fatalf("ParseEnvelope() error = %v", err)
	}
	if !env.ShowInUI() {
		t.Error("ShowInUI() = false for absent field, want true")
	}

	env, err = ParseEnvelope([]byte(`{"payload": {"type": "chat", "showInUi": false}}`))
	if err != nil {
		t.Fatalf("ParseEnvelope() error = %v", err)
	}
	if env.ShowInUI() {
		t.Error("ShowInUI() = true for explicit false, want false")
	}
}
