package pipeline

import (
	"fmt"
	"strings"

	"github.com/example/palm-verify/internal/palm"
)

// Stage names the pipeline step a failure happened in.
type Stage string

const (
	StageFetch       Stage = "fetch"
	StageNormalize   Stage = "normalize"
	StageExtract     Stage = "extract"
	StageReadStore   Stage = "read_store"
	StageMatch       Stage = "match"
	StageCommit      Stage = "commit"
	StageMarkPresent Stage = "mark_present"
)

// Error is the structured failure returned at the pipeline boundary. It
// unwraps to the palm error taxonomy.
type Error struct {
	Stage      Stage
	Slot       palm.Slot
	IdentityID palm.IdentityID
	Locator    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Stage))
	if e.Slot != palm.NoSlot {
		fmt.Fprintf(&b, " slot=%s", e.Slot)
	}
	if e.IdentityID != 0 {
		fmt.Fprintf(&b, " identity=%s", e.IdentityID)
	}
	if e.Locator != "" {
		fmt.Fprintf(&b, " locator=%s", e.Locator)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}
