package ident

import "runtime"

// goroutine ID extraction by parsing runtime.Stack output. The first line
// of a single-goroutine trace is "goroutine 123 [running]:". This is the
// universal method; it works on every Go version and architecture at the
// cost of ~1.5us per call, which is acceptable for a diagnostic agent.

// ThreadID returns a 32-bit fingerprint of the calling goroutine,
// stable for the goroutine's lifetime and never zero.
func ThreadID() uint32 {
	gid := goroutineID()
	id := uint32(gid) ^ uint32(gid>>32)
	if id == 0 {
		id = 1
	}
	return id
}

// goroutineID parses the current goroutine's ID from its stack header.
// Returns 0 if the header does not match the expected format.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)

	// Skip the "goroutine " prefix.
	const prefix = len("goroutine ")
	if n <= prefix {
		return 0
	}

	var gid int64
	for _, c := range buf[prefix:n] {
		if c < '0' || c > '9' {
			break
		}
		gid = gid*10 + int64(c-'0')
	}
	return gid
}
