package harvest

// ProgressSink receives fire-and-forget progress from a run. Calls arrive in
// order from the run goroutine.
type ProgressSink interface {
	Progress(percent int)
	Status(text string)
}

// SinkFuncs adapts plain functions to ProgressSink; nil fields are ignored
type SinkFuncs struct {
	OnProgress func(percent int)
	OnStatus   func(text string)
}

func (s SinkFuncs) Progress(percent int) {
	if s.OnProgress != nil {
		s.OnProgress(percent)
	}
}

func (s SinkFuncs) Status(text string) {
	if s.OnStatus != nil {
		s.OnStatus(text)
	}
}

// NopSink discards everything
type NopSink struct{}

func (NopSink) Progress(int)  {}
func (NopSink) Status(string) {}

const (
	progressLoggedIn = 5
	progressRanges   = 90
	progressDone     = 100
)

// rangeProgress maps the completion of range i (0-based) of n to a percentage
func rangeProgress(i, n int) int {
	if n <= 0 {
		return progressLoggedIn + progressRanges
	}
	return progressLoggedIn + progressRanges*(i+1)/n
}
