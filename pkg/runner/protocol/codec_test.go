package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "ready message",
			msgType: MessageTypeReady,
			data: &ReadyMessage{
				Version:  "1.0.0",
				Platform: "linux",
				Arch:     "amd64",
				PID:      1234,
				Caps:     map[string]bool{"harness.run": true},
			},
		},
		{
			name:    "event message",
			msgType: MessageTypeEvent,
			data:    &EventMessage{CommandID: "cmd-1", Level: "info", Message: "building"},
		},
		{
			name:    "done message",
			msgType: MessageTypeDone,
			data:    &DoneMessage{CommandID: "cmd-1", Duration: 1.5},
		},
		{
			name:    "error message",
			msgType: MessageTypeError,
			data:    &ErrorMessage{CommandID: "cmd-1", Code: CodeExecFailed, Message: "no such file"},
		},
		{
			name:    "exit message",
			msgType: MessageTypeExit,
			data:    &ExitMessage{Reason: "stdin_closed", CommandsTotal: 5},
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := NewEncoder(&buf).Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Encode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			out := buf.String()
			if !strings.HasSuffix(out, "\n") || strings.Count(out, "\n") != 1 {
				t.Errorf("Expected exactly one line, got %q", out)
			}
			var msg Message
			if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &msg); err != nil {
				t.Fatalf("Output is not valid JSON: %v", err)
			}
			if msg.Type != tt.msgType {
				t.Errorf("Expected type %s, got %s", tt.msgType, msg.Type)
			}
		})
	}
}

func TestCommandRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	params := HarnessParams{
		Library: "zlib",
		Source:  "int main(void) { return 66; }",
		Build:   []string{"cc", "-o", "{bin}", "{src}"},
	}
	cmd, err := NewCommand("cmd-7", CommandTypeHarnessRun, 2500*time.Millisecond, params)
	if err != nil {
		t.Fatalf("NewCommand failed: %v", err)
	}
	if cmd.Timeout != 3 {
		t.Errorf("Expected timeout rounded up to 3s, got %d", cmd.Timeout)
	}
	if err := enc.EncodeCommand(cmd); err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}

	got, err := NewDecoder(&buf).DecodeCommand()
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	if got.ID != "cmd-7" || got.Type != CommandTypeHarnessRun {
		t.Errorf("Unexpected command: %+v", got)
	}

	var decoded HarnessParams
	if err := ParseParams(got.Params, &decoded); err != nil {
		t.Fatalf("ParseParams failed: %v", err)
	}
	if decoded.Library != "zlib" || len(decoded.Build) != 4 {
		t.Errorf("Unexpected params: %+v", decoded)
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		wantEOF bool
	}{
		{name: "valid", input: `{"type":"READY","timestamp":"2026-01-01T00:00:00Z","data":{}}` + "\n"},
		{name: "eof", input: "", wantErr: true, wantEOF: true},
		{name: "empty line", input: "\n", wantErr: true},
		{name: "not json", input: "hello\n", wantErr: true},
		{name: "unknown type", input: `{"type":"NOPE"}` + "\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder(strings.NewReader(tt.input)).Decode()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantEOF && err != io.EOF {
				t.Errorf("Expected io.EOF, got %v", err)
			}
		})
	}
}

func TestDecodeCommand_WrongType(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeReady(&ReadyMessage{Version: "1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := NewDecoder(&buf).DecodeCommand(); err == nil {
		t.Error("Expected error decoding READY as a command")
	}
}
