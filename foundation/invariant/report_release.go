//go:build !debug

package invariant

// report hands the violation to the registered handler and lets the
// caller continue with a clamped value.
func report(v string, args ...any) {
	handler.Load().(func(string, ...any))(v, args...)
}
