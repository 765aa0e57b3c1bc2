// Package sim runs a whole cluster of agents in one goroutine with
// scripted or seeded scheduling.
//
// Delivery is either synchronous, one global FIFO, or reordered: each step
// delivers the head of a randomly chosen sender-receiver pair, so pair
// order holds but nothing else does. Timers fire only when the test or the
// random scheduler says so. Load metrics are sampled after every event.
package sim
