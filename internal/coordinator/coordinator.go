package coordinator

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"kexclusion/internal/clock"
	"kexclusion/internal/quorum"
	"kexclusion/internal/trace"
	"kexclusion/internal/wire"
)

// Mode selects how admission is bounded.
type Mode int

const (
	// Capacity tracks occupant quantities against a capacity; every other
	// peer must be accounted for before admission.
	Capacity Mode = iota + 1
	// Exclusion admits up to width holders purely by quorum threshold.
	Exclusion
)

// Resource describes one shared resource and its message tags.
type Resource struct {
	Name       string
	Mode       Mode
	RequestTag wire.Tag
	AgreeTag   wire.Tag
}

var (
	// Clinic is the capacity-bounded resource.
	Clinic = Resource{Name: "clinic", Mode: Capacity, RequestTag: wire.ClinicRequest, AgreeTag: wire.ClinicAgree}
	// Window is the k-exclusion resource.
	Window = Resource{Name: "window", Mode: Exclusion, RequestTag: wire.WindowRequest, AgreeTag: wire.WindowAgree}
)

// Request is a peer's bid for admission.
type Request struct {
	Requester int
	Timestamp int64
	Quantity  int
}

// Stamp returns the request priority.
func (r Request) Stamp() clock.Stamp {
	return clock.Stamp{Timestamp: r.Timestamp, ID: r.Requester}
}

// EmitFunc records a trace event for the owning peer.
type EmitFunc func(kind trace.Kind, format string, args ...any)

// Config holds coordinator parameters.
type Config struct {
	Resource Resource
	Self     int
	Peers    int
	// Limit is the capacity K for Capacity mode or the width L for
	// Exclusion mode.
	Limit int
	Clock *clock.Lamport
	Emit  EmitFunc
}

// Coordinator is the admission engine for one resource at one peer.
// It is not safe for concurrent use: it is owned by the peer's protocol
// engine, which is its only caller.
type Coordinator struct {
	res      Resource
	self     int
	peers    int
	limit    int
	required int
	clock    *clock.Lamport
	emit     EmitFunc

	occupancy   map[int]int // requester -> quantity, Capacity mode only
	deferred    []Request
	outstanding *Request
	acked       *quorum.Tracker

	holding   bool
	held      int
	lastRound int64 // timestamp of the most recently completed request
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	required := quorum.ClinicQuorum(cfg.Peers)
	if cfg.Resource.Mode == Exclusion {
		required = quorum.WindowQuorum(cfg.Peers, cfg.Limit)
	}
	emit := cfg.Emit
	if emit == nil {
		emit = func(trace.Kind, string, ...any) {}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Coordinator{
		res:       cfg.Resource,
		self:      cfg.Self,
		peers:     cfg.Peers,
		limit:     cfg.Limit,
		required:  required,
		clock:     cfg.Clock,
		emit:      emit,
		occupancy: make(map[int]int),
		lastRound: -1,
	}
}

// Begin starts an acquisition of quantity units: it ticks the clock and
// broadcasts a request to every other peer. Admission is not immediate; the
// caller keeps feeding inbound messages until Ready reports true and then
// calls Enter.
func (c *Coordinator) Begin(quantity int) ([]wire.Outbound, error) {
	if c.outstanding != nil || c.holding {
		return nil, ErrBusy
	}
	if quantity < 1 {
		quantity = 1
	}
	ts := c.clock.Tick()
	c.outstanding = &Request{Requester: c.self, Timestamp: ts, Quantity: quantity}
	c.acked = quorum.NewTracker(c.peers, c.required)

	value := int64(quantity)
	if c.res.Mode == Exclusion {
		value = ts
	}
	out := make([]wire.Outbound, 0, c.peers-1)
	for p := 0; p < c.peers; p++ {
		if p == c.self {
			continue
		}
		out = append(out, wire.Outbound{To: p, Msg: wire.Message{
			Tag:       c.res.RequestTag,
			Sender:    c.self,
			Timestamp: ts,
			Value:     value,
		}})
	}
	if c.res.Mode == Capacity {
		c.emit(trace.KindSend, "%s: broadcast %s ts=%d qty=%d", c.res.Name, c.res.RequestTag, ts, quantity)
	} else {
		c.emit(trace.KindSend, "%s: broadcast %s ts=%d", c.res.Name, c.res.RequestTag, ts)
	}
	return out, nil
}

// Ready returns true when the outstanding request has its quorum.
func (c *Coordinator) Ready() bool {
	return c.outstanding != nil && c.acked.Complete()
}

// Enter completes an admission whose quorum is complete. For the capacity
// resource it records this peer in the occupancy view and then grants any
// deferred requests that still fit. Returns the granted quantity.
func (c *Coordinator) Enter() (int, []wire.Outbound, error) {
	if !c.Ready() {
		return 0, nil, ErrNotReady
	}
	req := *c.outstanding
	c.lastRound = req.Timestamp
	c.outstanding = nil
	c.acked = nil
	c.holding = true

	if c.res.Mode == Exclusion {
		c.held = req.Quantity
		c.emit(trace.KindEnter, "%s: entered", c.res.Name)
		return c.held, nil, nil
	}

	free := c.limit - c.usedBy(func(id int) bool { return id != c.self })
	granted := min(req.Quantity, free)
	if granted < 1 {
		// The view is full or stale; admission already has the quorum's
		// consent, so take the minimum unit.
		granted = 1
		c.emit(trace.KindViolation, "%s: occupancy view full at admission (free=%d), taking 1", c.res.Name, free)
	}
	c.held = granted
	c.occupancy[c.self] = granted
	c.emit(trace.KindEnter, "%s: entered with %d of %d requested", c.res.Name, granted, req.Quantity)

	return granted, c.admitDeferred(), nil
}

// OnRequest handles a remote request.
func (c *Coordinator) OnRequest(msg wire.Message) ([]wire.Outbound, error) {
	req := Request{Requester: msg.Sender, Timestamp: msg.Timestamp, Quantity: 1}
	if c.res.Mode == Capacity {
		req.Quantity = int(max(msg.Value, 1))
	}

	switch {
	case c.holding && c.res.Mode == Capacity:
		if c.Used()+req.Quantity <= c.limit {
			c.occupancy[req.Requester] = req.Quantity
			return []wire.Outbound{c.consent(req)}, nil
		}
		c.deferRequest(req)
		c.emit(trace.KindDecide, "%s: full (%d/%d), defers %s", c.res.Name, c.Used(), c.limit, req.Stamp())
		return nil, nil

	case c.holding:
		c.deferRequest(req)
		c.emit(trace.KindDecide, "%s: held, defers %s", c.res.Name, req.Stamp())
		return nil, nil

	case c.outstanding != nil && c.outstanding.Stamp().Before(req.Stamp()):
		c.deferRequest(req)
		c.emit(trace.KindDecide, "%s: has priority over %s", c.res.Name, req.Stamp())
		if _, err := c.acked.Ack(req.Requester, quorum.Concession); err != nil {
			return nil, c.ackViolation(req.Requester, err)
		}
		return nil, nil

	case c.outstanding != nil:
		c.emit(trace.KindDecide, "%s: yields to %s", c.res.Name, req.Stamp())
	}

	if c.res.Mode == Capacity {
		c.occupancy[req.Requester] = req.Quantity
	}
	return []wire.Outbound{c.consent(req)}, nil
}

// OnAgree handles a consent or, for the capacity resource, a release notice.
// Returned errors are violations; the message has still been applied as far
// as it could be.
func (c *Coordinator) OnAgree(msg wire.Message) ([]wire.Outbound, error) {
	if c.res.Mode == Exclusion {
		return nil, c.countWindowAgree(msg)
	}

	var errs []error
	freed := false
	if msg.Value > 0 {
		if _, ok := c.occupancy[msg.Sender]; ok {
			delete(c.occupancy, msg.Sender)
			freed = true
			c.emit(trace.KindDecide, "%s: %d released %d", c.res.Name, msg.Sender, msg.Value)
		} else {
			errs = append(errs, &Violation{
				Code:     CodeUnknownOccupant,
				Resource: c.res.Name,
				Peer:     msg.Sender,
				Detail:   fmt.Sprintf("release of %d", msg.Value),
			})
		}
	}

	switch {
	case c.outstanding != nil && msg.Timestamp > c.outstanding.Timestamp:
		if _, err := c.acked.Ack(msg.Sender, quorum.Consent); err != nil {
			errs = append(errs, c.ackViolation(msg.Sender, err))
		}
	case msg.Value > 0:
		// A release notice outside a request round only updates the view.
	case c.lastRound >= 0 && msg.Timestamp > c.lastRound:
		errs = append(errs, &Violation{Code: CodeLateAgree, Resource: c.res.Name, Peer: msg.Sender})
	default:
		errs = append(errs, &Violation{
			Code:     CodeUnmatchedAgree,
			Resource: c.res.Name,
			Peer:     msg.Sender,
			Detail:   fmt.Sprintf("ts=%d", msg.Timestamp),
		})
	}

	var out []wire.Outbound
	if freed && c.holding && c.Used() < c.limit {
		out = c.admitDeferred()
	}
	return out, errors.Join(errs...)
}

func (c *Coordinator) countWindowAgree(msg wire.Message) error {
	switch {
	case c.outstanding != nil && msg.Value == c.outstanding.Timestamp:
		if _, err := c.acked.Ack(msg.Sender, quorum.Consent); err != nil {
			return c.ackViolation(msg.Sender, err)
		}
		return nil
	case msg.Value == c.lastRound:
		return &Violation{Code: CodeLateAgree, Resource: c.res.Name, Peer: msg.Sender}
	default:
		return &Violation{
			Code:     CodeUnmatchedAgree,
			Resource: c.res.Name,
			Peer:     msg.Sender,
			Detail:   fmt.Sprintf("echo=%d", msg.Value),
		}
	}
}

// Release leaves the resource. For the capacity resource the release notice
// carries the held quantity and goes to every deferred peer and every peer
// in the occupancy view. For the window each deferred peer gets a grant
// echoing its request timestamp.
func (c *Coordinator) Release() ([]wire.Outbound, error) {
	if !c.holding {
		return nil, ErrNotHolding
	}
	ts := c.clock.Tick()
	var out []wire.Outbound

	if c.res.Mode == Exclusion {
		for _, d := range c.deferred {
			out = append(out, wire.Outbound{To: d.Requester, Msg: wire.Message{
				Tag:       c.res.AgreeTag,
				Sender:    c.self,
				Timestamp: ts,
				Value:     d.Timestamp,
			}})
		}
	} else {
		recipients := make(map[int]struct{})
		for _, d := range c.deferred {
			recipients[d.Requester] = struct{}{}
		}
		for id := range c.occupancy {
			if id != c.self {
				recipients[id] = struct{}{}
			}
		}
		ids := make([]int, 0, len(recipients))
		for id := range recipients {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			out = append(out, wire.Outbound{To: id, Msg: wire.Message{
				Tag:       c.res.AgreeTag,
				Sender:    c.self,
				Timestamp: ts,
				Value:     int64(c.held),
			}})
		}
		delete(c.occupancy, c.self)
	}

	c.emit(trace.KindRelease, "%s: released %d, notified %v", c.res.Name, c.held, recipientIDs(out))
	c.deferred = nil
	c.holding = false
	c.held = 0
	return out, nil
}

// Forget drops peer from the occupancy view.
func (c *Coordinator) Forget(peer int) {
	if _, ok := c.occupancy[peer]; ok {
		delete(c.occupancy, peer)
		c.emit(trace.KindDecide, "%s: forgets occupant %d", c.res.Name, peer)
	}
}

// admitDeferred grants deferred requests, highest priority first, while
// they fit in the occupancy view. Each grant is addressed to its requester.
// Requests that do not fit stay deferred until release.
func (c *Coordinator) admitDeferred() []wire.Outbound {
	if len(c.deferred) == 0 {
		return nil
	}
	slices.SortFunc(c.deferred, func(a, b Request) int {
		if a.Stamp().Before(b.Stamp()) {
			return -1
		}
		if b.Stamp().Before(a.Stamp()) {
			return 1
		}
		return 0
	})

	var out []wire.Outbound
	kept := c.deferred[:0]
	for _, d := range c.deferred {
		if c.Used()+d.Quantity > c.limit {
			kept = append(kept, d)
			continue
		}
		c.occupancy[d.Requester] = d.Quantity
		out = append(out, c.consent(d))
	}
	c.deferred = kept
	return out
}

// consent ticks the clock and builds an AGREE for req.
func (c *Coordinator) consent(req Request) wire.Outbound {
	ts := c.clock.Tick()
	value := int64(0)
	if c.res.Mode == Exclusion {
		value = req.Timestamp
	}
	c.emit(trace.KindSend, "%s: sends %s to %d", c.res.Name, c.res.AgreeTag, req.Requester)
	return wire.Outbound{To: req.Requester, Msg: wire.Message{
		Tag:       c.res.AgreeTag,
		Sender:    c.self,
		Timestamp: ts,
		Value:     value,
	}}
}

// deferRequest queues req, replacing an earlier request from the same peer.
func (c *Coordinator) deferRequest(req Request) {
	for i, d := range c.deferred {
		if d.Requester == req.Requester {
			c.deferred[i] = req
			return
		}
	}
	c.deferred = append(c.deferred, req)
}

func (c *Coordinator) ackViolation(peer int, err error) error {
	if errors.Is(err, quorum.ErrOvercount) {
		return &Violation{Code: CodeQuorumOvercount, Resource: c.res.Name, Peer: peer, Detail: err.Error()}
	}
	return &Violation{Code: CodeUnmatchedAgree, Resource: c.res.Name, Peer: peer, Detail: err.Error()}
}

// Used returns the sum of quantities in the occupancy view.
func (c *Coordinator) Used() int {
	return c.usedBy(func(int) bool { return true })
}

func (c *Coordinator) usedBy(include func(id int) bool) int {
	total := 0
	for id, q := range c.occupancy {
		if include(id) {
			total += q
		}
	}
	return total
}

// Holding returns true while this peer occupies the resource.
func (c *Coordinator) Holding() bool {
	return c.holding
}

// Held returns the quantity held, 0 when not holding.
func (c *Coordinator) Held() int {
	return c.held
}

// Outstanding returns this peer's in-flight request, if any.
func (c *Coordinator) Outstanding() (Request, bool) {
	if c.outstanding == nil {
		return Request{}, false
	}
	return *c.outstanding, true
}

// Acks returns the number of peers accounted for toward the outstanding
// request.
func (c *Coordinator) Acks() int {
	if c.acked == nil {
		return 0
	}
	return c.acked.Acks()
}

// Required returns the quorum target.
func (c *Coordinator) Required() int {
	return c.required
}

// Occupancy returns a copy of the occupancy view.
func (c *Coordinator) Occupancy() map[int]int {
	out := make(map[int]int, len(c.occupancy))
	for id, q := range c.occupancy {
		out[id] = q
	}
	return out
}

// Deferred returns a copy of the deferred queue.
func (c *Coordinator) Deferred() []Request {
	return append([]Request(nil), c.deferred...)
}

// Resource returns the resource this coordinator manages.
func (c *Coordinator) Resource() Resource {
	return c.res
}

func recipientIDs(out []wire.Outbound) []int {
	ids := make([]int, len(out))
	for i, o := range out {
		ids[i] = o.To
	}
	return ids
}
