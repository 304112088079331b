// Package engine serializes work from any goroutine onto the single engine
// thread that drives a native engine.
//
// The implementation is split across:
//   - dispatcher.go: engine thread, blocking loop, wake bypass, shutdown
//   - job.go: jobs and their completion handles
//   - queue.go: FIFO job queue with concurrent producers
//   - safegroup.go: panic-safe goroutine group used by the host
package engine
