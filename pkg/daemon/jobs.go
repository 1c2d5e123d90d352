package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"openviber/pkg/wire"
)

// Job is one scheduled job loaded from a job:push frame. Actually firing a
// task:submit on schedule would require calling into the LLM agent,
// which is out of scope here; JobScheduler therefore only parses,
// tracks, and reports jobs — the same cron wiring a full scheduler would
// use, without its workflow execution half.
type Job struct {
	Name        string `json:"name"`
	Schedule    string `json:"schedule"`
	Prompt      string `json:"prompt"`
	Description string `json:"description,omitempty"`
	Model       string `json:"model,omitempty"`
	NextRunAt   string `json:"nextRunAt,omitempty"`
}

// JobScheduler parses each pushed job's cron expression and keeps the
// daemon's currently-loaded job list, reported back to the gateway on
// jobs:list.
type JobScheduler struct {
	engine *cron.Cron

	mu      sync.Mutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
}

// NewJobScheduler builds an empty scheduler and starts its cron engine
// (standard 5-field expressions via cron.ParseStandard).
func NewJobScheduler() *JobScheduler {
	js := &JobScheduler{
		engine:  cron.New(),
		jobs:    make(map[string]Job),
		entries: make(map[string]cron.EntryID),
	}
	js.engine.Start()
	return js
}

// Add parses and loads one job pushed from the gateway, replacing any
// prior job registered under the same name. Returns an error if the cron
// expression does not parse; the scheduler is left unchanged in that case.
func (js *JobScheduler) Add(push *wire.JobPush) error {
	schedule, err := cron.ParseStandard(push.Schedule)
	if err != nil {
		return fmt.Errorf("daemon: parse cron expression %q: %w", push.Schedule, err)
	}

	js.mu.Lock()
	defer js.mu.Unlock()

	if entryID, exists := js.entries[push.Name]; exists {
		js.engine.Remove(entryID)
	}

	// The job function is a no-op placeholder: firing it would mean
	// submitting a task autonomously, which requires the out-of-scope
	// agent loop. The entry exists so NextRunAt reflects the live cron
	// engine rather than a one-shot calculation.
	entryID := js.engine.Schedule(schedule, cron.FuncJob(func() {}))
	js.entries[push.Name] = entryID
	js.jobs[push.Name] = Job{
		Name: push.Name, Schedule: push.Schedule, Prompt: push.Prompt,
		Description: push.Description, Model: push.Model,
		NextRunAt: schedule.Next(time.Now().UTC()).UTC().Format(time.RFC3339),
	}
	return nil
}

// Remove unloads a previously added job by name.
func (js *JobScheduler) Remove(name string) {
	js.mu.Lock()
	defer js.mu.Unlock()
	if entryID, exists := js.entries[name]; exists {
		js.engine.Remove(entryID)
		delete(js.entries, name)
	}
	delete(js.jobs, name)
}

// List returns every currently-loaded job, suitable for wire.NewJobsList
// (marshaled to raw JSON per the existing D→G jobs:list frame shape).
func (js *JobScheduler) List() []Job {
	js.mu.Lock()
	defer js.mu.Unlock()
	out := make([]Job, 0, len(js.jobs))
	for name, j := range js.jobs {
		if id, ok := js.entries[name]; ok {
			if e := js.engine.Entry(id); !e.Next.IsZero() {
				j.NextRunAt = e.Next.UTC().Format(time.RFC3339)
			}
		}
		out = append(out, j)
	}
	return out
}

// Stop halts the underlying cron engine.
func (js *JobScheduler) Stop() {
	js.engine.Stop()
}
