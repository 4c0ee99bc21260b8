package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Payload is the command-specific part of a task. The concrete type is
// determined by the task's command.
type Payload interface {
	isPayload()
}

// PackagePayload targets one winget package id.
type PackagePayload struct {
	PackageID string
}

// ReportPayload carries nothing; force_report has no arguments.
type ReportPayload struct{}

// SelfUpdatePayload is the download descriptor of an agent bundle.
type SelfUpdatePayload struct {
	URL     string `json:"url"`
	Version string `json:"version"`
	SHA256  string `json:"sha256,omitempty"`
}

func (PackagePayload) isPayload()    {}
func (ReportPayload) isPayload()     {}
func (SelfUpdatePayload) isPayload() {}

var ErrInvalidPayload = errors.New("invalid task payload")

// EncodePayload returns the stable text form stored by the server.
func EncodePayload(cmd Command, p Payload) (string, error) {
	switch cmd {
	case CommandUpdatePackage, CommandUninstallPackage:
		pp, ok := p.(PackagePayload)
		if !ok {
			return "", fmt.Errorf("%w: %s expects a package id", ErrInvalidPayload, cmd)
		}
		id := strings.TrimSpace(pp.PackageID)
		if id == "" {
			return "", fmt.Errorf("%w: empty package id", ErrInvalidPayload)
		}
		return id, nil
	case CommandForceReport:
		return "", nil
	case CommandSelfUpdate:
		sp, ok := p.(SelfUpdatePayload)
		if !ok {
			return "", fmt.Errorf("%w: self_update expects a download descriptor", ErrInvalidPayload)
		}
		if sp.URL == "" || sp.Version == "" {
			return "", fmt.Errorf("%w: self_update needs url and version", ErrInvalidPayload)
		}
		b, err := json.Marshal(sp)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return "", fmt.Errorf("%w: unknown command %q", ErrInvalidPayload, cmd)
}

// DecodePayload parses the stored text form back into a typed payload.
func DecodePayload(cmd Command, text string) (Payload, error) {
	switch cmd {
	case CommandUpdatePackage, CommandUninstallPackage:
		id := strings.TrimSpace(text)
		if id == "" {
			return nil, fmt.Errorf("%w: empty package id", ErrInvalidPayload)
		}
		return PackagePayload{PackageID: id}, nil
	case CommandForceReport:
		return ReportPayload{}, nil
	case CommandSelfUpdate:
		var sp SelfUpdatePayload
		if err := json.Unmarshal([]byte(text), &sp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if sp.URL == "" || sp.Version == "" {
			return nil, fmt.Errorf("%w: self_update needs url and version", ErrInvalidPayload)
		}
		return sp, nil
	}
	return nil, fmt.Errorf("%w: unknown command %q", ErrInvalidPayload, cmd)
}

// Task is one unit of work as exchanged between server and agent.
type Task struct {
	ID        int64
	Hostname  string
	Command   Command
	Payload   Payload
	Status    Status
	Details   string
	CreatedAt time.Time
	UpdatedAt time.Time

	payloadErr error
}

// PayloadError returns the decode failure of a task received over the wire
// whose payload did not match its command.
func (t Task) PayloadError() error {
	return t.payloadErr
}

type taskWire struct {
	ID        int64           `json:"id"`
	Hostname  string          `json:"hostname,omitempty"`
	Command   Command         `json:"command"`
	Payload   json.RawMessage `json:"payload"`
	Status    Status          `json:"status,omitempty"`
	Details   string          `json:"details,omitempty"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

// MarshalJSON writes package payloads as a bare string and the self-update
// descriptor as an object.
func (t Task) MarshalJSON() ([]byte, error) {
	w := taskWire{
		ID:       t.ID,
		Hostname: t.Hostname,
		Command:  t.Command,
		Status:   t.Status,
		Details:  t.Details,
	}
	if !t.CreatedAt.IsZero() {
		w.CreatedAt = &t.CreatedAt
	}
	if !t.UpdatedAt.IsZero() {
		w.UpdatedAt = &t.UpdatedAt
	}

	var err error
	switch p := t.Payload.(type) {
	case PackagePayload:
		w.Payload, err = json.Marshal(p.PackageID)
	case SelfUpdatePayload:
		w.Payload, err = json.Marshal(p)
	default:
		w.Payload = json.RawMessage("null")
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts the payload either as a JSON value or as a string
// holding the stored text form.
func (t *Task) UnmarshalJSON(data []byte) error {
	var w taskWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*t = Task{
		ID:       w.ID,
		Hostname: w.Hostname,
		Command:  w.Command,
		Status:   w.Status,
		Details:  w.Details,
	}
	if w.CreatedAt != nil {
		t.CreatedAt = *w.CreatedAt
	}
	if w.UpdatedAt != nil {
		t.UpdatedAt = *w.UpdatedAt
	}

	raw := bytes.TrimSpace(w.Payload)
	var text string
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '"':
		if err := json.Unmarshal(raw, &text); err != nil {
			return err
		}
	default:
		text = string(raw)
	}

	if !t.Command.Valid() {
		// Left for the dispatcher to reject with a proper result.
		return nil
	}
	p, err := DecodePayload(t.Command, text)
	if err != nil {
		t.payloadErr = fmt.Errorf("task %d: %w", t.ID, err)
		return nil
	}
	t.Payload = p
	return nil
}

// CreateTaskRequest is the operator request body for queuing a task.
type CreateTaskRequest struct {
	Hostname string          `json:"hostname"`
	Command  Command         `json:"command"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ParsePayload decodes the request payload for its command.
func (r CreateTaskRequest) ParsePayload() (Payload, error) {
	raw := bytes.TrimSpace(r.Payload)
	text := ""
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if raw[0] == '"' {
			if err := json.Unmarshal(raw, &text); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
			}
		} else {
			text = string(raw)
		}
	}
	return DecodePayload(r.Command, text)
}
