package harvest

import (
	"context"

	"invoice-harvester/internal/models"
)

const updateBuffer = 32

// Update is one message on a job's update channel. Status is empty for a
// numeric progress update.
type Update struct {
	Progress int
	Status   string
}

// Result is the terminal message of a job
type Result struct {
	Stats models.RunStats
	Err   error
}

// Job is a run executing on its own goroutine. Updates is closed when the run
// ends; Done then delivers exactly one Result.
type Job struct {
	Updates <-chan Update
	Done    <-chan Result
}

// chanSink forwards to a channel without ever blocking the run. Updates the
// receiver has not drained are dropped.
type chanSink struct {
	ch chan<- Update
}

func (s chanSink) Progress(percent int) {
	select {
	case s.ch <- Update{Progress: percent}:
	default:
	}
}

func (s chanSink) Status(text string) {
	select {
	case s.ch <- Update{Status: text}:
	default:
	}
}

// Start runs h in the background
func Start(ctx context.Context, h *Harvester) *Job {
	updates := make(chan Update, updateBuffer)
	done := make(chan Result, 1)

	go func() {
		stats, err := h.Run(ctx, chanSink{ch: updates})
		close(updates)
		done <- Result{Stats: stats, Err: err}
		close(done)
	}()

	return &Job{Updates: updates, Done: done}
}
