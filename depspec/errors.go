package depspec

import "fmt"

// ResolutionError reports a requirement that cannot be satisfied as written,
// either because it is malformed or because it conflicts with a sibling.
type ResolutionError struct {
	Requirement string
	Reason      string
	Err         error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("requirement %q: %s: %v", e.Requirement, e.Reason, e.Err)
	}
	return fmt.Sprintf("requirement %q: %s", e.Requirement, e.Reason)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
