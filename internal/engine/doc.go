// Package engine runs one peer: a protocol engine goroutine that is the only
// consumer of the peer's inbox and the only caller of its agent, and a
// demand driver goroutine that sleeps through timed phases and hands exactly
// one wake back per armed timer.
package engine
