package logging

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestDebugLogger_Filter(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		proto   string
		wantLog bool
	}{
		{"empty filter logs all", "", "mqtt", true},
		{"exact match", "kafka", "kafka", true},
		{"case insensitive", "KAFKA", "Kafka", true},
		{"other protocol suppressed", "kafka", "mqtt", false},
		{"eip enables cip", "eip", "CIP", true},
		{"cip enables eip", "cip", "EIP", true},
		{"list", "mqtt, valkey", "valkey", true},
		{"debug always passes", "mqtt", "DEBUG", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewDebugWriter(&buf)
			l.SetFilter(tt.filter)
			buf.Reset()

			l.Log(tt.proto, "marker %d", 7)
			got := strings.Contains(buf.String(), "marker 7")
			if got != tt.wantLog {
				t.Errorf("logged = %v, want %v (output %q)", got, tt.wantLog, buf.String())
			}
		})
	}
}

func TestDebugLogger_SetFilterUnknown(t *testing.T) {
	l := NewDebugWriter(&bytes.Buffer{})
	unknown := l.SetFilter("eip,fins,cipctl,s7")
	if len(unknown) != 2 || unknown[0] != "fins" || unknown[1] != "s7" {
		t.Errorf("unknown = %v, want [fins s7]", unknown)
	}
}

func TestDebugLogger_Packet(t *testing.T) {
	var buf bytes.Buffer
	l := NewDebugWriter(&buf)

	l.LogTX("EIP", []byte{0x65, 0x00, 0x04, 0x00})
	out := buf.String()
	if !strings.Contains(out, "[EIP] TX (4 bytes):") {
		t.Errorf("missing TX header: %q", out)
	}
	if !strings.Contains(out, "0000: 65 00 04 00") {
		t.Errorf("missing hex dump: %q", out)
	}
}

func TestDebugLogger_Close(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	l, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	// Must not panic after close.
	l.Log("cip", "after close")
	l.LogRX("eip", []byte{1})
}

func TestDebugLogger_Nil(t *testing.T) {
	var l *DebugLogger
	l.Log("cip", "x")
	l.LogTX("eip", nil)
	l.LogError("eip", "ctx", errors.New("boom"))
	if l.SetFilter("eip") != nil {
		t.Error("nil SetFilter returned unknown protocols")
	}
	if err := l.Close(); err != nil {
		t.Errorf("nil Close returned %v", err)
	}
}

func TestGlobalDebugHelpers(t *testing.T) {
	var buf bytes.Buffer
	SetGlobalDebugLogger(NewDebugWriter(&buf))
	defer SetGlobalDebugLogger(nil)

	DebugConnect("EIP", "10.0.0.5:44818")
	DebugError("CIP", "Open", errors.New("refused"))

	out := buf.String()
	if !strings.Contains(out, "CONNECT to 10.0.0.5:44818") {
		t.Errorf("missing connect line: %q", out)
	}
	if !strings.Contains(out, "ERROR in Open: refused") {
		t.Errorf("missing error line: %q", out)
	}
}

func TestHexDump(t *testing.T) {
	if got := hexDump(nil); got != "    (empty)" {
		t.Errorf("hexDump(nil) = %q", got)
	}

	data := []byte("0123456789abcdefXY")
	got := hexDump(data)
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), got)
	}
	if !strings.HasSuffix(lines[0], "0123456789abcdef") {
		t.Errorf("line 0 ascii column wrong: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "    0010: 58 59 ") || !strings.HasSuffix(lines[1], "XY") {
		t.Errorf("line 1 wrong: %q", lines[1])
	}
}
