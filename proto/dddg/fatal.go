package dddg

import "fmt"

// FatalError reports an inconsistency in the graph or in one of the lookup
// tables built around it. The analysis that raised it cannot continue.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return "dddg: " + e.Msg }

// Fatalf aborts the current analysis by panicking with a *FatalError.
// Callers that own a whole run recover it and turn it into an error.
func Fatalf(format string, args ...any) {
	panic(&FatalError{Msg: fmt.Sprintf(format, args...)})
}

// Recover converts a pending *FatalError panic into err. Other panics are
// re-raised untouched.
//
//	defer dddg.Recover(&err)
func Recover(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if fe, ok := r.(*FatalError); ok {
		*err = fe
		return
	}
	panic(r)
}
