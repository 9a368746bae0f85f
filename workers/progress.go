package workers

import "github.com/camden-git/photofacets/models"

type ProgressKind string

const (
	ProgressStarted  ProgressKind = "stage_started"
	ProgressItem     ProgressKind = "item"
	ProgressFinished ProgressKind = "stage_finished"
)

// Progress is one step of a stage run as seen by an Observer. Counters are
// the run totals at the time of the event.
type Progress struct {
	Kind      ProgressKind
	RunID     string
	Facet     models.Facet
	ItemID    uint
	Path      string
	Outcome   string
	Error     string
	Processed int
	Skipped   int
	Failed    int
}

// Observer receives progress from a StageRunner. Observe is called on the
// run's goroutine and must not block.
type Observer interface {
	Observe(p Progress)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(p Progress)

func (f ObserverFunc) Observe(p Progress) { f(p) }

func progressFrom(kind ProgressKind, rep *Report) Progress {
	return Progress{
		Kind:      kind,
		RunID:     rep.RunID,
		Facet:     rep.Facet,
		Processed: rep.Processed,
		Skipped:   rep.Skipped,
		Failed:    rep.Failed,
	}
}
