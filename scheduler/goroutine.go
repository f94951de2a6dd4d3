package scheduler

import (
	"runtime"
	"strconv"
	"strings"
)

// CurrentGoroutineID returns the runtime id of the calling goroutine, parsed
// from the stack header. The id is stable for the goroutine's lifetime, which
// is what the kernel needs to record the UI surface's owning goroutine and
// answer InUIThread checks.
func CurrentGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)

	// Header shape: "goroutine 123 [running]:"
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return 0
	}

	id, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
