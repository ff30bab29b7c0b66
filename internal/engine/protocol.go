package engine

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize is the maximum allowed frame payload (16 MiB).
const MaxFrameSize = 16 << 20

// Frame types exchanged with the engine process. The engine announces itself
// with a hello frame on connect; thereafter the server sends run/reset frames
// and the engine answers with result/ok frames. An error frame reports a
// request the engine could not service without dying.
const (
	frameHello  = "hello"
	frameRun    = "run"
	frameReset  = "reset"
	frameOK     = "ok"
	frameResult = "result"
	frameError  = "error"
)

// frame is the envelope for every message on the worker socket.
type frame struct {
	Type     string      `json:"type"`
	Script   string      `json:"script,omitempty"`
	Env      *RequestEnv `json:"env,omitempty"`
	Result   *Result     `json:"result,omitempty"`
	Identity *Identity   `json:"identity,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// writeFrame writes a length-prefixed JSON frame to w.
// The wire format is a 4-byte big-endian length followed by the JSON payload.
func writeFrame(w io.Writer, f *frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// readFrame reads one length-prefixed JSON frame from r.
func readFrame(r io.Reader) (*frame, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d", length, MaxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}

	return &f, nil
}
