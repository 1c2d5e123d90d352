package wechat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_Create_RejectsMissingFields(t *testing.T) {
	f := &Factory{}
	_, err := f.Create([]byte(`{"apiKey":"k"}`), &fakeRouter{})
	assert.Error(t, err)
}

func TestFactory_Create_RejectsNonRouterSubmitter(t *testing.T) {
	f := &Factory{}
	_, err := f.Create([]byte(`{"apiKey":"k","proxyUrl":"http://proxy"}`), notARouter{})
	assert.Error(t, err)
}

func TestFactory_Create_Succeeds(t *testing.T) {
	f := &Factory{}
	ch, err := f.Create([]byte(`{"apiKey":"k","proxyUrl":"http://proxy"}`), &fakeRouter{})
	require.NoError(t, err)
	assert.Equal(t, "wechat", ch.ID())
}

type notARouter struct{}

func (notARouter) SubmitTask(nodeID, goal string, meta map[string]string) (string, error) {
	return "", nil
}
func (notARouter) MessageTask(taskID, message, mode string) error { return nil }
func (notARouter) StopTask(taskID string) error                   { return nil }
