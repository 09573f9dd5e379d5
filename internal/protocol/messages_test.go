package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageCancelTask(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"Cancel_Task","task_id":"t1","reason":"changed my mind","ts_ms":456}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionCancelTask || control.TaskID != "t1" {
		t.Fatalf("unexpected client control: %+v", control)
	}
	if control.TSMs != 456 {
		t.Fatalf("TSMs = %d, want %d", control.TSMs, 456)
	}
	if control.Reason != "changed my mind" {
		t.Fatalf("Reason = %q, want %q", control.Reason, "changed my mind")
	}
}

func TestParseClientMessageValidation(t *testing.T) {
	cases := map[string]string{
		"bad json":       `{"type":`,
		"no session":     `{"type":"client_control","action":"ping"}`,
		"no action":      `{"type":"client_control","session_id":"s1"}`,
		"cancel no task": `{"type":"client_control","session_id":"s1","action":"cancel_task"}`,
		"unknown action": `{"type":"client_control","session_id":"s1","action":"approve"}`,
	}
	for name, raw := range cases {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("%s: ParseClientMessage() error = nil, want error", name)
		}
	}
}

func TestParseClientMessagePing(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_control","session_id":"s1","action":"ping"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if control := msg.(ClientControl); control.Action != ActionPing {
		t.Fatalf("Action = %q, want %q", control.Action, ActionPing)
	}
}
