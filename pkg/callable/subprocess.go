package callable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Subprocess binds callables to an external executable. Every call spawns the
// process once and exchanges a single JSON request/response over stdio, so a
// crashing callable cannot take the worker down with it.
type Subprocess struct {
	path string
}

// NewSubprocess creates a subprocess binding for the executable at path.
func NewSubprocess(path string) *Subprocess {
	return &Subprocess{path: path}
}

type subprocessRequest struct {
	Function string         `json:"function"`
	Inputs   map[string]any `json:"inputs"`
	Config   map[string]any `json:"config"`
}

type subprocessResponse struct {
	Outputs map[string]any `json:"outputs"`
	Error   string         `json:"error,omitempty"`
}

// Resolve returns a Func that invokes the named function in the executable.
// The executable itself decides whether the function exists; an "unknown
// function" error in its response is surfaced as MissingCallableError.
func (s *Subprocess) Resolve(module, name string) (Func, error) {
	path := s.path

	return func(ctx context.Context, inputs map[string]any, config map[string]any) (map[string]any, error) {
		request, err := json.Marshal(subprocessRequest{Function: name, Inputs: inputs, Config: config})
		if err != nil {
			return nil, fmt.Errorf("failed to encode subprocess request: %w", err)
		}

		cmd := exec.CommandContext(ctx, path)
		cmd.Stdin = bytes.NewReader(request)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			message := strings.TrimSpace(stderr.String())
			if message == "" {
				message = err.Error()
			}

			return nil, fmt.Errorf("callable process %q failed: %s", path, message)
		}

		var response subprocessResponse

		if err := json.Unmarshal(stdout.Bytes(), &response); err != nil {
			return nil, fmt.Errorf("failed to decode subprocess response: %w", err)
		}

		if response.Error != "" {
			if strings.HasPrefix(response.Error, "unknown function") {
				return nil, &MissingCallableError{Module: module, Name: name}
			}

			return nil, fmt.Errorf("callable %q failed: %s", name, response.Error)
		}

		return response.Outputs, nil
	}, nil
}
