package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/juju/errors"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/errs"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/schema"
)

// Compilation states reported in ProgramStatus.State.
const (
	ProgramPending       = "Pending"
	ProgramCompilingSQL  = "CompilingSql"
	ProgramCompilingRust = "CompilingRust"
	ProgramSuccess       = "Success"
	ProgramSQLError      = "SqlError"
	ProgramRustError     = "RustError"
	ProgramSystemError   = "SystemError"
)

// ProgramStatus is the compilation status of a program. On failure State is
// the failing stage and Diagnostic holds the compiler output. SQL failures
// also keep every compiler message, warnings included, in Messages.
type ProgramStatus struct {
	State      string
	Diagnostic string
	Messages   []SQLMessage
}

// Failed reports whether compilation failed.
func (s ProgramStatus) Failed() bool {
	switch s.State {
	case ProgramSQLError, ProgramRustError, ProgramSystemError:
		return true
	}
	return false
}

// Done reports whether compilation finished, successfully or not.
func (s ProgramStatus) Done() bool {
	return s.State == ProgramSuccess || s.Failed()
}

// Err returns a *errs.CompilationError for failed programs.
func (s ProgramStatus) Err(program string) error {
	if !s.Failed() {
		return nil
	}
	return &errs.CompilationError{Program: program, Stage: s.State, Diagnostic: s.Diagnostic}
}

// SQLMessage is one diagnostic of the SQL compiler.
type SQLMessage struct {
	StartLine   int    `json:"start_line_number"`
	StartColumn int    `json:"start_column"`
	EndLine     int    `json:"end_line_number"`
	EndColumn   int    `json:"end_column"`
	Warning     bool   `json:"warning"`
	ErrorType   string `json:"error_type"`
	Message     string `json:"message"`
}

// String renders the message with its kind and source span, e.g.
// "error (Error parsing SQL) at 1:8-1:12: Encountered ...".
func (m SQLMessage) String() string {
	var b strings.Builder
	if m.Warning {
		b.WriteString("warning")
	} else {
		b.WriteString("error")
	}
	if m.ErrorType != "" {
		fmt.Fprintf(&b, " (%s)", m.ErrorType)
	}
	if m.StartLine > 0 {
		fmt.Fprintf(&b, " at %d:%d-%d:%d", m.StartLine, m.StartColumn, m.EndLine, m.EndColumn)
	}
	b.WriteString(": ")
	b.WriteString(m.Message)
	return b.String()
}

// UnmarshalJSON accepts both the plain string states and the single-key
// objects used for failures.
func (s *ProgramStatus) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &s.State)
	}
	var failure map[string]json.RawMessage
	if err := json.Unmarshal(data, &failure); err != nil {
		return errors.NotValidf("program status %s", data)
	}
	for stage, raw := range failure {
		s.State = stage
		var messages []SQLMessage
		if err := json.Unmarshal(raw, &messages); err == nil {
			lines := make([]string, len(messages))
			for i, m := range messages {
				lines[i] = m.String()
			}
			s.Messages = messages
			s.Diagnostic = strings.Join(lines, "\n")
			return nil
		}
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			s.Diagnostic = text
			return nil
		}
		s.Diagnostic = string(raw)
		return nil
	}
	return errors.NotValidf("empty program status")
}

// MarshalJSON renders the status the way the service does.
func (s ProgramStatus) MarshalJSON() ([]byte, error) {
	if !s.Failed() {
		return json.Marshal(s.State)
	}
	if s.Messages != nil {
		return json.Marshal(map[string][]SQLMessage{s.State: s.Messages})
	}
	return json.Marshal(map[string]string{s.State: s.Diagnostic})
}

// Program is a named SQL program stored by the service.
type Program struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Code        string                `json:"code"`
	Version     int64                 `json:"version,omitempty"`
	Status      ProgramStatus         `json:"status"`
	Schema      *schema.ProgramSchema `json:"schema,omitempty"`
}

type programRequest struct {
	Description string `json:"description"`
	Code        string `json:"code"`
}

// PutProgram creates or replaces a program.
func (c *Client) PutProgram(ctx context.Context, name, description, code string) (*Program, error) {
	var out Program
	_, err := c.call(ctx, "putting program "+name, true, func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetPathParam("name", name).
			SetBody(programRequest{Description: description, Code: code}).
			SetResult(&out).
			Put("/programs/{name}")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CompileProgram queues compilation of the latest version of a program.
func (c *Client) CompileProgram(ctx context.Context, name string) error {
	_, err := c.call(ctx, "compiling program "+name, true, func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetPathParam("name", name).
			Post("/programs/{name}/compile")
	})
	return err
}

// GetProgram returns a program with its status and, once compiled, its schema.
func (c *Client) GetProgram(ctx context.Context, name string) (*Program, error) {
	var out Program
	_, err := c.call(ctx, "getting program "+name, true, func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetPathParam("name", name).
			SetResult(&out).
			Get("/programs/{name}")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteProgram removes a program.
func (c *Client) DeleteProgram(ctx context.Context, name string) error {
	_, err := c.call(ctx, "deleting program "+name, true, func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetPathParam("name", name).
			Delete("/programs/{name}")
	})
	return err
}
