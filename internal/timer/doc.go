// Package timer holds the segment state (focus, long break, micro-break),
// the domain events emitted for it, and the tick loop that drives a segment
// to completion.
package timer
