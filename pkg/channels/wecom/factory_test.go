package wecom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_Create_RejectsMissingFields(t *testing.T) {
	f := &Factory{}
	_, err := f.Create([]byte(`{"corpId":"c"}`), &fakeRouter{})
	assert.Error(t, err)
}

func TestFactory_Create_RejectsNonRouterSubmitter(t *testing.T) {
	f := &Factory{}
	cfg := `{"corpId":"c","agentId":"1","secret":"s","token":"t","aesKey":"` + testConfig().AESKey + `"}`
	_, err := f.Create([]byte(cfg), notARouter{})
	assert.Error(t, err)
}

func TestFactory_Create_Succeeds(t *testing.T) {
	f := &Factory{}
	cfg := `{"corpId":"c","agentId":"1","secret":"s","token":"t","aesKey":"` + testConfig().AESKey + `"}`
	ch, err := f.Create([]byte(cfg), &fakeRouter{})
	require.NoError(t, err)
	assert.Equal(t, "wecom", ch.ID())
}

type notARouter struct{}

func (notARouter) SubmitTask(nodeID, goal string, meta map[string]string) (string, error) {
	return "", nil
}
func (notARouter) MessageTask(taskID, message, mode string) error { return nil }
func (notARouter) StopTask(taskID string) error                   { return nil }
