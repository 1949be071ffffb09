package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeFrameCallMethod(t *testing.T) {
	frame := `{"updates":[{"type":"callMethod","name":"Counter","id":"counter-1","methodName":"increment","params":[3],"requestId":"r1"}]}`

	updates, err := DecodeFrame([]byte(frame), 1<<20)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(updates) != 1 || updates[0].Tag != TagCallMethod {
		t.Fatalf("unexpected updates: %+v", updates)
	}
	cm := updates[0].Payload.(*CallMethod)
	if cm.Name != "Counter" || cm.ID != "counter-1" || cm.MethodName != "increment" {
		t.Fatalf("unexpected payload: %+v", cm)
	}
	if len(cm.Params) != 1 {
		t.Fatalf("expected 1 param, got %d", len(cm.Params))
	}
	if cm.RequestID != "r1" {
		t.Fatalf("requestId not decoded: %+v", cm)
	}
}

func TestDecodeFrameMultipleUpdates(t *testing.T) {
	frame := `{"updates":[{"type":"ping"},{"type":"subscribe","id":"abc12345"}]}`
	updates, err := DecodeFrame([]byte(frame), 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(updates) != 2 || updates[0].Tag != TagPing || updates[1].Tag != TagSubscribe {
		t.Fatalf("unexpected updates: %+v", updates)
	}
}

func TestDecodeFrameRejectsInvalidJSON(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"updates":`), 0)
	assertBadFrame(t, err)
}

func TestDecodeFrameRejectsMissingUpdates(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"other":1}`), 0)
	assertBadFrame(t, err)
}

func TestDecodeFrameRejectsUnknownTag(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"updates":[{"type":"teleport"}]}`), 0)
	assertBadFrame(t, err)
}

func TestDecodeFrameRejectsMissingTag(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"updates":[{"id":"x"}]}`), 0)
	assertBadFrame(t, err)
}

func TestDecodeFrameRejectsOversize(t *testing.T) {
	frame := `{"updates":[{"type":"ping","pad":"` + strings.Repeat("x", 100) + `"}]}`
	_, err := DecodeFrame([]byte(frame), 64)
	assertBadFrame(t, err)
}

func TestDecodeFrameOversizeUploadChunkAllowed(t *testing.T) {
	frame := `{"updates":[{"type":"uploadChunk","uploadId":"u","seq":0,"bytesBase64":"` +
		strings.Repeat("A", 128) + `"}]}`
	updates, err := DecodeFrame([]byte(frame), 64)
	if err != nil {
		t.Fatalf("chunk-only frame must bypass the frame cap: %v", err)
	}
	if len(updates) != 1 || updates[0].Tag != TagUploadChunk {
		t.Fatalf("unexpected updates: %+v", updates)
	}
}

func TestDecodeFrameOversizeMixedUpdatesRejected(t *testing.T) {
	frame := `{"updates":[{"type":"uploadChunk","uploadId":"u","seq":0,"bytesBase64":"` +
		strings.Repeat("A", 128) + `"},{"type":"ping"}]}`
	_, err := DecodeFrame([]byte(frame), 64)
	assertBadFrame(t, err)
}

func TestDecodeFrameValidatesRequiredFields(t *testing.T) {
	cases := []string{
		`{"updates":[{"type":"getInitialState"}]}`,
		`{"updates":[{"type":"callMethod","name":"Counter"}]}`,
		`{"updates":[{"type":"subscribe"}]}`,
		`{"updates":[{"type":"uploadBegin","instanceId":"i","uploadId":"u","totalBytes":0,"chunkSize":4}]}`,
		`{"updates":[{"type":"uploadChunk","uploadId":"u","seq":-1}]}`,
		`{"updates":[{"type":"joinRoom","id":"x"}]}`,
	}
	for _, frame := range cases {
		if _, err := DecodeFrame([]byte(frame), 0); err == nil {
			t.Fatalf("expected rejection for %s", frame)
		}
	}
}

func TestDecodeFramePreservesNumberPrecision(t *testing.T) {
	frame := `{"updates":[{"type":"callMethod","name":"C","id":"i-123456","methodName":"m","params":[9007199254740993]}]}`
	updates, err := DecodeFrame([]byte(frame), 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	cm := updates[0].Payload.(*CallMethod)
	n, ok := cm.Params[0].(json.Number)
	if !ok {
		t.Fatalf("expected json.Number param, got %T", cm.Params[0])
	}
	if n.String() != "9007199254740993" {
		t.Fatalf("precision lost: %s", n)
	}
}

func TestEncodeFrameEnvelope(t *testing.T) {
	data, err := EncodeFrame(NewPong(), NewFunctionResult("r1", float64(8)))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var env struct {
		Updates []map[string]any `json:"updates"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(env.Updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(env.Updates))
	}
	if env.Updates[0]["type"] != TagPong || env.Updates[1]["type"] != TagFunctionResult {
		t.Fatalf("unexpected envelope: %+v", env.Updates)
	}
}

func TestInitialStateUsesDollarID(t *testing.T) {
	data, err := json.Marshal(NewInitialState("Counter", "abc", "fp", "r1", map[string]any{"count": 0}, 1))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	json.Unmarshal(data, &m)
	if m["$ID"] != "abc" {
		t.Fatalf("expected $ID field, got %v", m)
	}
	if m["componentName"] != "Counter" {
		t.Fatalf("expected componentName, got %v", m)
	}
}

func TestStateUpdateShapes(t *testing.T) {
	full := NewFullUpdate("i", 0, 3, map[string]any{"a": 1})
	if !full.Full || full.Patch != nil {
		t.Fatalf("full update malformed: %+v", full)
	}
	patch := NewPatchUpdate("i", 2, 3, nil)
	if patch.Full {
		t.Fatalf("patch update must not be full: %+v", patch)
	}
	if patch.FromVersion != 2 || patch.ToVersion != 3 {
		t.Fatalf("version transition wrong: %+v", patch)
	}
}

func TestWireErrorFrame(t *testing.T) {
	we := Errf(CodeRateLimited, "slow down")
	we.RequestID = "r9"
	frame := ErrorFromWire(we)
	if frame.Type != TagError || frame.Code != CodeRateLimited || frame.RequestID != "r9" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func assertBadFrame(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	we, ok := err.(*WireError)
	if !ok || we.Code != CodeBadFrame {
		t.Fatalf("expected BAD_FRAME, got %v", err)
	}
}
