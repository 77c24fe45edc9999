// Package invariant reports internal bookkeeping violations. Release builds
// route the report to the registered handler and continue with a safe value.
// Builds with the debug tag fail fast instead.
package invariant

import "sync/atomic"

// handler receives formatted violation reports. The default keeps the
// package safe to use before SetHandler is called.
var handler atomic.Value

func init() {
	handler.Store(func(string, ...any) {})
}

// SetHandler routes violation reports to the provided function.
func SetHandler(fn func(v string, args ...any)) {
	if fn != nil {
		handler.Store(fn)
	}
}

// Clamp validates the specified counter is not negative. A negative value
// is reported and zero is returned in its place.
func Clamp(n int, name string) int {
	if n >= 0 {
		return n
	}

	report("invariant: counter %s went negative: %d", name, n)
	return 0
}

// Check validates the specified condition holds.
func Check(ok bool, name string) {
	if ok {
		return
	}

	report("invariant: check %s failed", name)
}
