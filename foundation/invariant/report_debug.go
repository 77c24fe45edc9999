//go:build debug

package invariant

import "fmt"

// report fails fast so bookkeeping bugs surface during development.
func report(v string, args ...any) {
	handler.Load().(func(string, ...any))(v, args...)
	panic(fmt.Sprintf(v, args...))
}
