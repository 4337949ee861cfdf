package rpc

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func TestMultiplexer_Submit(t *testing.T) {
	var buf bytes.Buffer
	m := NewMultiplexer(&buf)
	if err := m.Submit("print(1)"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !strings.Contains(buf.String(), `"type":"execute"`) || !strings.Contains(buf.String(), "print(1)") {
		t.Errorf("buf = %q", buf.String())
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Error("expected frame to be newline-terminated")
	}
}

func TestMultiplexer_Respond(t *testing.T) {
	var buf bytes.Buffer
	m := NewMultiplexer(&buf)
	if err := m.Respond(3, true, []byte(`{"ok":true}`), ""); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !strings.Contains(buf.String(), `"type":"rpc_response"`) || !strings.Contains(buf.String(), `"id":3`) {
		t.Errorf("buf = %q", buf.String())
	}
}

func TestMultiplexer_Run_DispatchesFrames(t *testing.T) {
	input := strings.NewReader(
		`{"type":"stdout","data":"hello\n"}` + "\n" +
			`{"type":"stderr","data":"warn\n"}` + "\n" +
			`{"type":"rpc_request","id":1,"payload":{"type":"list_servers"}}` + "\n" +
			`{"type":"execution_done"}` + "\n",
	)

	var stdout, stderr []string
	var upcalls []Frame
	h := Handlers{
		OnStdout: func(d string) { stdout = append(stdout, d) },
		OnStderr: func(d string) { stderr = append(stderr, d) },
		OnUpcall: func(ctx context.Context, req Frame) { upcalls = append(upcalls, req) },
	}

	m := NewMultiplexer(&bytes.Buffer{})
	err := m.Run(context.Background(), input, h)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(stdout) != 1 || stdout[0] != "hello\n" {
		t.Errorf("stdout = %v", stdout)
	}
	if len(stderr) != 1 || stderr[0] != "warn\n" {
		t.Errorf("stderr = %v", stderr)
	}
	if len(upcalls) != 1 || upcalls[0].ID != 1 {
		t.Errorf("upcalls = %v", upcalls)
	}
}

func TestMultiplexer_Run_NonJSONLineGoesToStderr(t *testing.T) {
	input := strings.NewReader(
		"not json at all\n" +
			`{"type":"execution_done"}` + "\n",
	)
	var stderr []string
	h := Handlers{OnStderr: func(d string) { stderr = append(stderr, d) }}

	m := NewMultiplexer(&bytes.Buffer{})
	if err := m.Run(context.Background(), input, h); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(stderr) != 1 || stderr[0] != "not json at all" {
		t.Errorf("stderr = %v", stderr)
	}
}

func TestMultiplexer_Run_TimeoutInvokesCallback(t *testing.T) {
	r, w := io.Pipe()
	defer r.Close()
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	killed := false
	h := Handlers{OnTimeout: func() { killed = true }}

	m := NewMultiplexer(&bytes.Buffer{})
	err := m.Run(ctx, r, h)
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if !killed {
		t.Error("expected OnTimeout to be invoked")
	}
}

func TestReadFrameLine_OversizedLineIsDropped(t *testing.T) {
	huge := strings.Repeat("x", 100)
	input := strings.NewReader(huge + "\nshort\n")
	br := bufio.NewReaderSize(input, 16)

	line, dropped, err := readFrameLine(br, 10)
	if err != nil {
		t.Fatalf("readFrameLine: %v", err)
	}
	if !dropped || line != nil {
		t.Errorf("expected oversized line to be dropped, got line=%q dropped=%v", line, dropped)
	}

	line, dropped, err = readFrameLine(br, 10)
	if err != nil {
		t.Fatalf("readFrameLine (second): %v", err)
	}
	if dropped || string(line) != "short" {
		t.Errorf("line = %q dropped = %v, want \"short\" false", line, dropped)
	}
}

func TestMultiplexer_Run_EmptyInputReturnsNil(t *testing.T) {
	m := NewMultiplexer(&bytes.Buffer{})
	if err := m.Run(context.Background(), strings.NewReader(""), Handlers{}); err != nil {
		t.Fatalf("Run on empty input: %v", err)
	}
}
