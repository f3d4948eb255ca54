package paginate

import "fmt"

type State int

const (
	NotStarted State = iota
	InProgress
	Exhausted
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case InProgress:
		return "in progress"
	case Exhausted:
		return "exhausted"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Cursor tracks one resource's position within a multi-page walk.
// The state only moves forward: NotStarted -> InProgress -> Exhausted or
// Failed. Pages and Records never decrease. A cursor belongs to exactly
// one walk and is discarded once it reaches a terminal state.
type Cursor struct {
	Offset  int    // next offset for offset-window strategies
	Token   string // continuation token for header-cursor strategies
	Pages   int    // pages fetched so far
	Records int    // records emitted so far

	state State
}

func New() *Cursor {
	return &Cursor{}
}

// Resume returns a cursor that starts from a saved continuation token
// instead of the beginning of the dataset.
func Resume(token string) *Cursor {
	return &Cursor{Token: token}
}

func (c *Cursor) State() State { return c.state }

// Done reports whether the cursor reached a terminal state.
func (c *Cursor) Done() bool {
	return c.state == Exhausted || c.state == Failed
}

// Begin marks the walk as started. It does nothing on a cursor that has
// already started or finished.
func (c *Cursor) Begin() {
	if c.state == NotStarted {
		c.state = InProgress
	}
}

// Finish marks the successful end of the walk. A failed cursor stays
// failed.
func (c *Cursor) Finish() {
	if c.state != Failed {
		c.state = Exhausted
	}
}

// Fail marks the walk as failed. An exhausted cursor stays exhausted.
func (c *Cursor) Fail() {
	if c.state != Exhausted {
		c.state = Failed
	}
}
