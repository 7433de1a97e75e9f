package protocol

import (
	"encoding/json"
	"testing"
)

func TestMessageTypeValidate(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		wantErr bool
	}{
		{"valid READY", MessageTypeReady, false},
		{"valid CMD", MessageTypeCommand, false},
		{"valid EVENT", MessageTypeEvent, false},
		{"valid DONE", MessageTypeDone, false},
		{"valid ERROR", MessageTypeError, false},
		{"valid EXIT", MessageTypeExit, false},
		{"invalid type", MessageType("INVALID"), true},
		{"empty type", MessageType(""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msgType.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("MessageType.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommandMessageValidate(t *testing.T) {
	params := json.RawMessage(`{"command":"true"}`)
	tests := []struct {
		name    string
		cmd     CommandMessage
		wantErr bool
	}{
		{"valid", CommandMessage{ID: "1", Type: CommandTypeExec, Timeout: 1, Params: params}, false},
		{"harness", CommandMessage{ID: "1", Type: CommandTypeHarnessRun, Timeout: 1, Params: params}, false},
		{"missing id", CommandMessage{Type: CommandTypeExec, Timeout: 1, Params: params}, true},
		{"unknown type", CommandMessage{ID: "1", Type: "pkg.ensure", Timeout: 1, Params: params}, true},
		{"zero timeout", CommandMessage{ID: "1", Type: CommandTypeExec, Params: params}, true},
		{"no params", CommandMessage{ID: "1", Type: CommandTypeExec, Timeout: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEventMessageValidate(t *testing.T) {
	evt := &EventMessage{CommandID: "1"}
	if err := evt.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if evt.Level != "info" {
		t.Errorf("Expected default level info, got %s", evt.Level)
	}

	if err := (&EventMessage{CommandID: "1", Level: "trace"}).Validate(); err == nil {
		t.Error("Expected error for unknown level")
	}
	if err := (&EventMessage{Level: "info"}).Validate(); err == nil {
		t.Error("Expected error for missing command ID")
	}
}

func TestHarnessParamsValidate(t *testing.T) {
	if err := (&HarnessParams{Source: "x"}).Validate(); err == nil {
		t.Error("Expected error without build command")
	}
	if err := (&HarnessParams{Build: []string{"cc"}}).Validate(); err == nil {
		t.Error("Expected error without source")
	}
	if err := (&HarnessParams{Source: "x", Build: []string{"cc"}}).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestErrorMessageError(t *testing.T) {
	e := &ErrorMessage{Code: CodeBuildFailed, Message: "cc not found"}
	if e.Error() != "BUILD_FAILED: cc not found" {
		t.Errorf("Unexpected error string: %s", e.Error())
	}
}
