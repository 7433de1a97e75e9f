package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/seqsynth/seqsynth/pkg/runner/protocol"
)

// Exit reasons reported in the EXIT message.
const (
	ReasonStdinClosed = "stdin_closed"
	ReasonTTLExpired  = "ttl_expired"
	ReasonCancelled   = "cancelled"
	ReasonError       = "error"
)

// Server answers protocol commands read from in and writes replies to out.
type Server struct {
	Version string
	TTL     time.Duration

	encoder  *protocol.Encoder
	decoder  *protocol.Decoder
	commands int
}

// NewServer creates a server speaking the protocol over in and out.
func NewServer(in io.Reader, out io.Writer, version string, ttl time.Duration) *Server {
	return &Server{
		Version: version,
		TTL:     ttl,
		encoder: protocol.NewEncoder(out),
		decoder: protocol.NewDecoder(in),
	}
}

// Capabilities lists the command types this runner handles.
func Capabilities() map[string]bool {
	return map[string]bool{
		string(protocol.CommandTypeExec):       true,
		string(protocol.CommandTypeFileWrite):  true,
		string(protocol.CommandTypeFileRead):   true,
		string(protocol.CommandTypeHarnessRun): true,
	}
}

// Serve sends READY, then handles commands until stdin closes, the TTL
// expires or ctx is cancelled. It sends EXIT and returns the exit code.
// A TTL already exceeded is only noticed between commands.
func (s *Server) Serve(ctx context.Context) int {
	if s.TTL > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.TTL)
		defer cancel()
	}

	ready := &protocol.ReadyMessage{
		Version:  s.Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps:     Capabilities(),
	}
	if s.TTL > 0 {
		ready.Metadata = map[string]string{"ttl": s.TTL.String()}
	}
	if err := s.encoder.EncodeReady(ready); err != nil {
		return 1
	}

	msgs := make(chan *protocol.Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := s.decoder.Decode()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return s.exit(ReasonTTLExpired, 0)
			}
			return s.exit(ReasonCancelled, 0)
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return s.exit(ReasonStdinClosed, 0)
			}
			_ = s.encoder.EncodeError(&protocol.ErrorMessage{Code: protocol.CodeInvalidCommand, Message: err.Error()})
			return s.exit(ReasonError, 1)
		case msg := <-msgs:
			if err := s.handle(ctx, msg); err != nil {
				return s.exit(ReasonError, 1)
			}
		}
	}
}

// handle answers one message. Only failures to write a reply are returned.
func (s *Server) handle(ctx context.Context, msg *protocol.Message) error {
	if msg.Type != protocol.MessageTypeCommand {
		return s.encoder.EncodeError(&protocol.ErrorMessage{
			Code:    protocol.CodeInvalidCommand,
			Message: fmt.Sprintf("expected CMD message, got %s", msg.Type),
		})
	}
	var cmd protocol.CommandMessage
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		return s.encoder.EncodeError(&protocol.ErrorMessage{Code: protocol.CodeInvalidCommand, Message: err.Error()})
	}
	if err := cmd.Validate(); err != nil {
		return s.encoder.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      protocol.CodeInvalidCommand,
			Message:   err.Error(),
		})
	}

	s.commands++
	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	eventCh := make(chan *protocol.EventMessage, 16)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for evt := range eventCh {
			evt.CommandID = cmd.ID
			_ = s.encoder.EncodeEvent(evt)
		}
	}()

	start := time.Now()
	result, err := Dispatch(cmdCtx, &cmd, eventCh)
	close(eventCh)
	<-forwarded

	if err != nil {
		return s.encoder.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      errorCode(cmd.Type),
			Message:   err.Error(),
		})
	}
	return s.encoder.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  time.Since(start).Seconds(),
	})
}

func (s *Server) exit(reason string, code int) int {
	_ = s.encoder.EncodeExit(&protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      code,
		CommandsTotal: s.commands,
	})
	return code
}

func errorCode(t protocol.CommandType) string {
	if t == protocol.CommandTypeHarnessRun {
		return protocol.CodeBuildFailed
	}
	return protocol.CodeExecFailed
}

// Dispatch runs one command and returns its encoded result.
func Dispatch(ctx context.Context, cmd *protocol.CommandMessage, eventCh chan<- *protocol.EventMessage) (json.RawMessage, error) {
	switch cmd.Type {
	case protocol.CommandTypeExec:
		var params protocol.ExecParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		return encode((&ExecHandler{}).Handle(ctx, &params, eventCh))

	case protocol.CommandTypeFileWrite:
		var params protocol.FileWriteParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		return encode((&FileWriteHandler{}).Handle(ctx, &params, eventCh))

	case protocol.CommandTypeFileRead:
		var params protocol.FileReadParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		return encode((&FileReadHandler{}).Handle(ctx, &params, eventCh))

	case protocol.CommandTypeHarnessRun:
		var params protocol.HarnessParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		return encode((&HarnessHandler{}).Handle(ctx, &params, eventCh))

	default:
		return nil, fmt.Errorf("unsupported command type: %s", cmd.Type)
	}
}

func encode(result interface{}, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}
