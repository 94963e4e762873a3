package server

import (
	"github.com/michaelbrown/codepad/internal/hub"
	"github.com/michaelbrown/codepad/internal/queue"
	"github.com/michaelbrown/codepad/internal/sandbox"
)

// hubReporter turns run progress into session broadcasts.
type hubReporter struct {
	hub *hub.Hub
}

func (r hubReporter) RunStarted(req queue.Request) {
	r.hub.Broadcast(req.SessionID, runRunning{Type: "run_status", State: "running", RunID: req.ID})
}

func (r hubReporter) RunOutput(req queue.Request, stream sandbox.Stream, chunk []byte) {
	r.hub.Broadcast(req.SessionID, runOutput{
		Type:   "run_output",
		RunID:  req.ID,
		Stream: string(stream),
		Chunk:  string(chunk),
	})
}

func (r hubReporter) RunFinished(req queue.Request, res sandbox.Result) {
	done := runDone{
		Type:       "run_status",
		State:      "done",
		RunID:      req.ID,
		ExitStatus: res.ExitStatus(),
		Truncated:  res.Truncated,
	}
	if res.Err != nil {
		done.Error = res.Err.Error()
	}
	r.hub.Broadcast(req.SessionID, done)
}
