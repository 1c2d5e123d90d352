package daemon

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorSniffer_ObserveExtractsErrorText(t *testing.T) {
	var s ErrorSniffer
	assert.Empty(t, s.LastErrorText())

	s.Observe([]byte(`data: {"type":"text-delta","delta":"hi"}` + "\n\n"))
	assert.Empty(t, s.LastErrorText())

	s.Observe([]byte(`data: {"type":"error","errorText":"rate limited"}` + "\n\n"))
	assert.Equal(t, "rate limited", s.LastErrorText())
}

func TestErrorSniffer_ObserveIgnoresMalformedLines(t *testing.T) {
	var s ErrorSniffer
	s.Observe([]byte("not json at all\n"))
	s.Observe([]byte("data: \n"))
	assert.Empty(t, s.LastErrorText())
}

func TestErrorSniffer_ObserveKeepsMostRecent(t *testing.T) {
	var s ErrorSniffer
	s.Observe([]byte(`data: {"type":"error","errorText":"first"}` + "\n"))
	s.Observe([]byte(`data: {"type":"error","errorText":"second"}` + "\n"))
	assert.Equal(t, "second", s.LastErrorText())
}

func TestErrorSniffer_RemapNoopWithoutObservation(t *testing.T) {
	var s ErrorSniffer
	orig := errors.New("no output")
	assert.Equal(t, orig, s.Remap(orig))
	assert.Nil(t, s.Remap(nil))
}

func TestErrorSniffer_RemapReplacesMessagePreservingName(t *testing.T) {
	var s ErrorSniffer
	s.Observe([]byte(`data: {"type":"error","errorText":"upstream overloaded"}` + "\n"))

	remapped := s.Remap(NewAgentError("ProviderError", "no output"))
	var ae *AgentError
	assert.True(t, errors.As(remapped, &ae))
	assert.Equal(t, "ProviderError", ae.Name)
	assert.Equal(t, "upstream overloaded", ae.Message)
}

func TestErrorSniffer_RemapDefaultsNameForPlainError(t *testing.T) {
	var s ErrorSniffer
	s.Observe([]byte(`data: {"type":"error","errorText":"boom"}` + "\n"))

	remapped := s.Remap(errors.New("no output"))
	var ae *AgentError
	assert.True(t, errors.As(remapped, &ae))
	assert.Equal(t, "AgentError", ae.Name)
	assert.Equal(t, "boom", ae.Message)
}
