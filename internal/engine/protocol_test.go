package engine

import (
	"bytes"
	"net/http"
	"testing"
)

func TestWriteReadRunFrame(t *testing.T) {
	original := frame{
		Type:   frameRun,
		Script: "public/index.php",
		Env: &RequestEnv{
			RequestID:  "req-1",
			Method:     "POST",
			URI:        "/orders",
			Query:      "page=2",
			Proto:      "HTTP/1.1",
			Headers:    http.Header{"Content-Type": {"application/json"}},
			Body:       []byte(`{"item":42}`),
			RemoteAddr: "10.0.0.1:5120",
		},
	}

	var buf bytes.Buffer
	if err := writeFrame(&buf, &original); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	decoded, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}

	if decoded.Type != frameRun {
		t.Errorf("Type = %q, want %q", decoded.Type, frameRun)
	}
	if decoded.Script != original.Script {
		t.Errorf("Script = %q, want %q", decoded.Script, original.Script)
	}
	if decoded.Env == nil {
		t.Fatal("Env is nil")
	}
	if decoded.Env.Method != "POST" {
		t.Errorf("Env.Method = %q, want POST", decoded.Env.Method)
	}
	if got := decoded.Env.Headers.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	if !bytes.Equal(decoded.Env.Body, original.Env.Body) {
		t.Errorf("Body = %q, want %q", decoded.Env.Body, original.Env.Body)
	}
}

func TestWriteReadResultFrame(t *testing.T) {
	original := frame{
		Type: frameResult,
		Result: &Result{
			ExitCode: 0,
			Status:   201,
			Headers:  map[string]string{"X-Powered-By": "phpx"},
			Body:     []byte("created"),
		},
	}

	var buf bytes.Buffer
	if err := writeFrame(&buf, &original); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	decoded, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}

	if decoded.Result == nil {
		t.Fatal("Result is nil")
	}
	if decoded.Result.Status != 201 {
		t.Errorf("Status = %d, want 201", decoded.Result.Status)
	}
	if string(decoded.Result.Body) != "created" {
		t.Errorf("Body = %q, want created", decoded.Result.Body)
	}
	if decoded.Result.Headers["X-Powered-By"] != "phpx" {
		t.Errorf("Headers[X-Powered-By] = %q, want phpx", decoded.Result.Headers["X-Powered-By"])
	}
}

func TestWriteReadHelloFrame(t *testing.T) {
	original := frame{
		Type:     frameHello,
		Identity: &Identity{Version: "8.3.0", VersionID: 80300},
	}

	var buf bytes.Buffer
	if err := writeFrame(&buf, &original); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	decoded, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}

	if decoded.Identity == nil {
		t.Fatal("Identity is nil")
	}
	if decoded.Identity.Version != "8.3.0" || decoded.Identity.VersionID != 80300 {
		t.Errorf("Identity = %+v, want 8.3.0/80300", decoded.Identity)
	}
}

func TestReadFrameTruncatedLength(t *testing.T) {
	// Only 2 bytes instead of 4 — should fail to read length prefix.
	buf := bytes.NewReader([]byte{0x00, 0x01})
	if _, err := readFrame(buf); err == nil {
		t.Fatal("expected error for truncated length prefix")
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	// Length prefix says 100 bytes, but only 2 bytes of payload follow.
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x64}) // length = 100
	buf.Write([]byte{0x7B, 0x7D})             // "{}" — only 2 bytes

	if _, err := readFrame(&buf); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestReadFrameOversized(t *testing.T) {
	// Length prefix claims MaxFrameSize + 1 — should reject before allocating.
	var buf bytes.Buffer
	oversize := uint32(MaxFrameSize + 1)
	buf.Write([]byte{
		byte(oversize >> 24), byte(oversize >> 16),
		byte(oversize >> 8), byte(oversize),
	})

	if _, err := readFrame(&buf); err == nil {
		t.Fatal("expected error for oversized frame")
	}
}
