// Package protocol defines the newline-delimited JSON protocol spoken between
// seqsynth and a seqsynth-runner process over its stdin and stdout.
//
// The runner announces itself with READY, then answers every CMD with any
// number of EVENT messages followed by exactly one DONE or ERROR. It sends
// EXIT before terminating.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the runner is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand indicates a command from seqsynth
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent indicates a progress event from the runner
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates successful completion
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates the command could not be carried out
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the runner is exiting
	MessageTypeExit MessageType = "EXIT"
)

// CommandType represents the type of command to execute.
type CommandType string

const (
	// CommandTypeExec runs a program
	CommandTypeExec CommandType = "exec"
	// CommandTypeFileWrite writes content to a file
	CommandTypeFileWrite CommandType = "file.write"
	// CommandTypeFileRead reads content from a file
	CommandTypeFileRead CommandType = "file.read"
	// CommandTypeHarnessRun builds and runs one test artifact
	CommandTypeHarnessRun CommandType = "harness.run"
)

// Error codes carried by ErrorMessage.
const (
	CodeInvalidCommand = "INVALID_COMMAND"
	CodeExecFailed     = "EXEC_FAILED"
	CodeBuildFailed    = "BUILD_FAILED"
	CodeInitFailed     = "INIT_FAILED"
)

// BranchMarker prefixes the stdout lines a harness prints for each branch it reaches:
//
//	SEQSYNTH_BRANCH gzopen:mode_read
const BranchMarker = "SEQSYNTH_BRANCH "

// Message is the envelope for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the runner is ready to receive commands.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Caps     map[string]bool   `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CommandMessage contains a command to execute.
type CommandMessage struct {
	ID       string            `json:"id"`
	Type     CommandType       `json:"type"`
	Timeout  int               `json:"timeout"` // seconds
	Params   json.RawMessage   `json:"params"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EventMessage contains progress information during command execution.
type EventMessage struct {
	CommandID string            `json:"command_id"`
	Level     string            `json:"level"` // info, warn, debug
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DoneMessage indicates the command ran. A harness that crashed still ends in DONE.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage indicates the command could not be carried out.
type ErrorMessage struct {
	CommandID string            `json:"command_id,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
}

// Error implements error so clients can return the message directly.
func (e *ErrorMessage) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ExitMessage is sent before the runner terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// ExecParams contains parameters for running a program.
type ExecParams struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	WorkDir    string            `json:"work_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Shell      string            `json:"shell,omitempty"` // used when Args is empty, defaults to /bin/sh
	CaptureOut bool              `json:"capture_out"`
	CaptureErr bool              `json:"capture_err"`
}

// ExecResult contains the result of running a program.
type ExecResult struct {
	ExitCode int     `json:"exit_code"`
	Signal   string  `json:"signal,omitempty"`
	TimedOut bool    `json:"timed_out,omitempty"`
	Stdout   string  `json:"stdout,omitempty"`
	Stderr   string  `json:"stderr,omitempty"`
	Duration float64 `json:"duration"`
}

// FileWriteParams contains parameters for writing a file.
type FileWriteParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Mode    string `json:"mode,omitempty"` // e.g., "0644"
}

// FileWriteResult contains the result of a file write.
type FileWriteResult struct {
	BytesWritten int64  `json:"bytes_written"`
	Created      bool   `json:"created"`
	Checksum     string `json:"checksum"` // SHA256
}

// FileReadParams contains parameters for reading a file.
type FileReadParams struct {
	Path     string `json:"path"`
	MaxBytes int64  `json:"max_bytes,omitempty"`
}

// FileReadResult contains the result of a file read.
type FileReadResult struct {
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Mode      string `json:"mode"`
	Checksum  string `json:"checksum"` // SHA256
	Truncated bool   `json:"truncated"`
}

// HarnessParams describes one artifact to build and run. Build and Run are
// argument vectors in which {src}, {bin} and {dir} are replaced by the
// artifact source path, the binary path and the scratch directory.
type HarnessParams struct {
	Library string            `json:"library"`
	EntryID string            `json:"entry_id,omitempty"`
	Source  string            `json:"source"`
	Build   []string          `json:"build"`
	Run     []string          `json:"run,omitempty"` // defaults to ["{bin}"]
	WorkDir string            `json:"work_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Keep    bool              `json:"keep,omitempty"` // keep the scratch directory
}

// HarnessResult reports how the artifact behaved. Stage is "build" when the
// build step failed, "run" otherwise.
type HarnessResult struct {
	Stage    string         `json:"stage"`
	ExitCode int            `json:"exit_code"`
	Signal   string         `json:"signal,omitempty"`
	TimedOut bool           `json:"timed_out,omitempty"`
	Branches map[string]int `json:"branches"`
	Stdout   string         `json:"stdout,omitempty"`
	Stderr   string         `json:"stderr,omitempty"`
	Duration float64        `json:"duration"`
}

// Harness stages.
const (
	StageBuild = "build"
	StageRun   = "run"
)

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeExec, CommandTypeFileWrite, CommandTypeFileRead, CommandTypeHarnessRun:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate checks the event level, defaulting it to info.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	switch evt.Level {
	case "info", "warn", "debug":
		return nil
	default:
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
}

// Validate checks that a harness can be built.
func (p *HarnessParams) Validate() error {
	if p.Source == "" {
		return fmt.Errorf("harness source is required")
	}
	if len(p.Build) == 0 {
		return fmt.Errorf("harness build command is required")
	}
	return nil
}

// NewCommand builds a command message with params encoded as JSON.
func NewCommand(id string, cmdType CommandType, timeout time.Duration, params interface{}) (*CommandMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	secs := int((timeout + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &CommandMessage{ID: id, Type: cmdType, Timeout: secs, Params: raw}, nil
}
