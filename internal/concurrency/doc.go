// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Concurrency primitives of the event subsystem: a bounded, deduplicating
// task queue that runs listener-session work off the reactor goroutine, and
// a single-consumer dispatch queue that serializes calls into event handlers.
// Both are FIFO and built on github.com/eapache/queue.
package concurrency
