package dingtalk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_Create_RejectsMissingFields(t *testing.T) {
	f := &Factory{}
	_, err := f.Create([]byte(`{"appKey":"k"}`), &fakeRouter{})
	assert.Error(t, err)
}

func TestFactory_Create_RejectsNonRouterSubmitter(t *testing.T) {
	f := &Factory{}
	_, err := f.Create([]byte(`{"appKey":"k","appSecret":"s"}`), notARouter{})
	assert.Error(t, err)
}

func TestFactory_Create_Succeeds(t *testing.T) {
	f := &Factory{}
	ch, err := f.Create([]byte(`{"appKey":"k","appSecret":"s"}`), &fakeRouter{})
	require.NoError(t, err)
	assert.Equal(t, "dingtalk", ch.ID())
}

type notARouter struct{}

func (notARouter) SubmitTask(nodeID, goal string, meta map[string]string) (string, error) {
	return "", nil
}
func (notARouter) MessageTask(taskID, message, mode string) error { return nil }
func (notARouter) StopTask(taskID string) error                   { return nil }
