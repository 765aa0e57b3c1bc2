// Package coordinator implements Ricart-Agrawala style admission to a shared
// resource with a quorum of explicit consents and concessions.
//
// A Coordinator runs in one of two modes. Capacity mode (the clinic) needs
// every other peer accounted for and tracks an eventually-consistent view of
// who holds how many units; consents from a holder are bounded by that view.
// Exclusion mode (the window) admits up to L holders purely by needing N-L
// peers accounted for; holders defer every request until they release.
//
// The capacity view is a soft bound: deliveries from different senders are
// not causally ordered, so transient over-admission is possible.
package coordinator
