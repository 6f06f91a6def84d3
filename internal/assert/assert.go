// Package assert provides invariant checks that panic with a bug-report
// hint on violation, the Go rendering of saldl's SALDL_ASSERT macro.
package assert

import "fmt"

// True panics if cond is false. Use it only for invariants that must never
// be false if the rest of the code is correct; never for input validation.
func True(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("saldl: invariant violated, please file a bug report: "+format, args...))
	}
}
