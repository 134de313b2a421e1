package vbva

import (
	"errors"
	"testing"
)

func TestEncodeInPlace(t *testing.T) {
	payload := Encode(EnableRequest{Flags: EnableFlagEnable | EnableFlagExtended, ScreenID: 2})
	if len(payload) != 16 {
		t.Fatalf("EnableRequest is %d bytes, want 16", len(payload))
	}

	var req EnableRequest
	if err := Decode(payload, &req); err != nil {
		t.Fatal(err)
	}
	req.Result = -2
	if err := EncodeInto(payload, &req); err != nil {
		t.Fatal(err)
	}

	var back EnableRequest
	Decode(payload, &back)
	if back.Result != -2 || back.ScreenID != 2 {
		t.Fatalf("result not written in place: %+v", back)
	}
}

func TestDecodeShortPayload(t *testing.T) {
	var req NegotiateRequest
	if err := Decode(make([]byte, 4), &req); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
}
