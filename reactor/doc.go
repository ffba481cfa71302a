// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the single-threaded poll-mode event reactor used by
// the event listener context: one-shot descriptor readiness callbacks, a
// control pipe for wake-ups, and a deadline-ordered timeout queue. Callbacks
// and timeouts always run with the reactor lock released.
package reactor
