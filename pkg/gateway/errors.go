package gateway

import "errors"

var (
	// ErrNoNode is returned when an operation needs a connected node and
	// none is available; HTTP callers see 503.
	ErrNoNode = errors.New("no node available")
	// ErrTaskNotFound is returned for an unknown task id; HTTP callers see 404.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNodeNotFound is returned for an unknown node id; HTTP callers see 404.
	ErrNodeNotFound = errors.New("node not found")
)
