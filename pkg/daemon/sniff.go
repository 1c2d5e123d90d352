package daemon

import (
	"bytes"
	"errors"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AgentError carries a stable error Name alongside a (possibly remapped)
// message, so that replacing the message with a sniffed errorText never
// loses the original error's identity.
type AgentError struct {
	Name    string
	Message string
}

func (e *AgentError) Error() string { return e.Message }

// NewAgentError builds an AgentError, defaulting Name when empty.
func NewAgentError(name, message string) *AgentError {
	if name == "" {
		name = "AgentError"
	}
	return &AgentError{Name: name, Message: message}
}

type sniffedFrame struct {
	Type      string `json:"type"`
	ErrorText string `json:"errorText"`
}

// ErrorSniffer watches raw SSE bytes as they are forwarded from the LLM
// transport to the gateway and remembers the last in-band
// {"type":"error","errorText":"..."} frame it observed. The LLM
// transport may embed an error frame and then close the stream
// normally: the daemon must sniff it and use it to replace a downstream
// "no output" error.
type ErrorSniffer struct {
	mu   sync.Mutex
	text string
}

// Observe scans one chunk of raw SSE bytes for an embedded error frame.
// Safe to call from the same goroutine piping chunks to the gateway.
func (s *ErrorSniffer) Observe(chunk []byte) {
	for _, line := range bytes.Split(chunk, []byte("\n")) {
		line = bytes.TrimSpace(bytes.TrimPrefix(bytes.TrimSpace(line), []byte("data:")))
		if len(line) == 0 {
			continue
		}
		var f sniffedFrame
		if err := json.Unmarshal(line, &f); err != nil {
			continue
		}
		if f.Type == "error" && f.ErrorText != "" {
			s.mu.Lock()
			s.text = f.ErrorText
			s.mu.Unlock()
		}
	}
}

// LastErrorText returns the most recently sniffed error text, or "".
func (s *ErrorSniffer) LastErrorText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

// Remap replaces err's message with the sniffed errorText, if any was
// observed, preserving err's Name when it is (or wraps) an *AgentError.
// Returns err unchanged if nothing was sniffed.
func (s *ErrorSniffer) Remap(err error) error {
	if err == nil {
		return nil
	}
	text := s.LastErrorText()
	if text == "" {
		return err
	}
	var ae *AgentError
	if errors.As(err, &ae) {
		return NewAgentError(ae.Name, text)
	}
	return NewAgentError("AgentError", text)
}
