// Package clock provides the Lamport logical clock used to order protocol
// events between peers. Request priority is the lexicographic order of
// (timestamp, requester id), which every peer evaluates identically.
package clock
