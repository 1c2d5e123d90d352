package channels

// These three methods let *Manager itself satisfy Submitter, so a Manager
// can be handed to ChannelFactory.Create as the "sub Submitter" argument
// instead of (or in addition to) the gateway-backed Submitter it wraps.
// A channel receiving this value type-asserts it to Router to reach
// HandleInbound/HandleInterrupt; callers that only need raw task control
// (no conversation bookkeeping) use the forwarded Submitter methods
// directly.

func (m *Manager) SubmitTask(nodeID, goal string, meta map[string]string) (string, error) {
	return m.sub.SubmitTask(nodeID, goal, meta)
}

func (m *Manager) MessageTask(taskID, message, mode string) error {
	return m.sub.MessageTask(taskID, message, mode)
}

func (m *Manager) StopTask(taskID string) error {
	return m.sub.StopTask(taskID)
}
