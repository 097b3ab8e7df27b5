package protocol

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodeCommandRoundTrip(t *testing.T) {
	raw, err := EncodeCommand(1, []UID{2, 3}, "launch_cluster", 42, map[string]int{"shard_count": 4})
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}

	f, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.Command == nil {
		t.Fatal("expected a CommandData")
	}
	if f.Author != 1 || f.Command.Name != "launch_cluster" || f.Command.Callback != 42 {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestEncodeDecodeResponseVariants(t *testing.T) {
	ok, err := EncodeResponseOk(1, 2, 7, map[string]string{"status": "ready"})
	if err != nil {
		t.Fatalf("EncodeResponseOk: %v", err)
	}
	f, err := DecodeFrame(ok)
	if err != nil || f.ResponseOk == nil || f.ResponseOk.Callback != 7 {
		t.Fatalf("ok round trip failed: frame=%+v err=%v", f, err)
	}

	tb, err := EncodeResponseTraceback(1, 2, 7, "boom")
	if err != nil {
		t.Fatalf("EncodeResponseTraceback: %v", err)
	}
	f, err = DecodeFrame(tb)
	if err != nil || f.ResponseTraceback == nil || f.ResponseTraceback.Traceback != "boom" {
		t.Fatalf("traceback round trip failed: frame=%+v err=%v", f, err)
	}

	nf, err := EncodeResponseNotFound(1, 2, 7)
	if err != nil {
		t.Fatalf("EncodeResponseNotFound: %v", err)
	}
	f, err = DecodeFrame(nf)
	if err != nil || f.ResponseNotFound == nil || f.ResponseNotFound.Callback != 7 {
		t.Fatalf("not-found round trip failed: frame=%+v err=%v", f, err)
	}
}

func TestDecodeFrameUnknownOpcode(t *testing.T) {
	raw := []byte(`{"opcode":99,"author":1,"recipients":[2]}`)
	if _, err := DecodeFrame(raw); err == nil {
		t.Fatal("expected an error for an unknown opcode")
	}
}

func TestIsPresenceFrame(t *testing.T) {
	presence, err := EncodePresence([]UID{1, 2, 3})
	if err != nil {
		t.Fatalf("EncodePresence: %v", err)
	}
	if !IsPresenceFrame(presence) {
		t.Fatal("expected presence frame to be recognized")
	}

	event, err := EncodeEvent(1, []UID{2}, "set_info_class", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	if IsPresenceFrame(event) {
		t.Fatal("an envelope frame must not be mistaken for presence")
	}
}
