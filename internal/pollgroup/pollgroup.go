// Package pollgroup implements the sharded, spinlock-protected
// round-robin polling-group scheduler (spec §3 "PollingGroupCtx", §4
// "C4", §5 concurrency model): an array of polling groups, each a
// lock-protected set of virtqueue entries, with a round-robin
// next-group cursor used at attach time and a global pause that locks
// every group in ascending id order and unlocks in descending order.
package pollgroup

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/nvidia/snap-dataplane/internal/timeslice"
)

// tsPollHostTime times each worker pass on the host CPU, grounded on
// the teacher's hv/kvm.go idiom of registering a plain (flagless) host
// kind alongside a flagged accelerator/guest kind for the same event —
// here paired with dpa.tsDPAExecTime, which records the matching
// on-DPA execution time for an offloaded command.
var tsPollHostTime = timeslice.RegisterKind("poll_host_time", 0)

// Member is anything a polling group can drive to completion on each
// pass. Progress returns the number of events it processed so the
// group can decide whether to keep spinning this member without
// yielding (a non-zero return means more work is likely immediately
// available).
type Member interface {
	Progress() int
}

// group is one spinlock-protected tail queue of members.
type group struct {
	mu      sync.Mutex
	members []Member
}

func (g *group) attach(m Member) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members = append(g.members, m)
}

func (g *group) detach(m Member) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, existing := range g.members {
		if existing == m {
			g.members = append(g.members[:i], g.members[i+1:]...)
			return true
		}
	}
	return false
}

// progressOnce drives every member in this group exactly one pass,
// returning the total event count (spec §5: "no suspension points
// within a state-machine transition; every FSM handler is
// non-blocking").
func (g *group) progressOnce() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, m := range g.members {
		total += m.Progress()
	}
	return total
}

// Ctx is a PollingGroupCtx: a fixed array of groups plus a round-robin
// next-group cursor, one per controller (spec §3).
type Ctx struct {
	groups []*group
	next   atomic.Uint64
}

// New creates a Ctx with n polling groups.
func New(n int) *Ctx {
	if n <= 0 {
		n = 1
	}
	c := &Ctx{groups: make([]*group, n)}
	for i := range c.groups {
		c.groups[i] = &group{}
	}
	return c
}

// Len reports the number of polling groups.
func (c *Ctx) Len() int { return len(c.groups) }

// Attach assigns m to the next group in round-robin order and returns
// the chosen group id, so the caller (the virtio controller) can
// record which group a virtqueue lives on. A member is on at most one
// group at a time (spec §3 invariant); callers must not attach the
// same Member to two Ctx instances.
func (c *Ctx) Attach(m Member) int {
	id := int(c.next.Add(1)-1) % len(c.groups)
	c.groups[id].attach(m)
	return id
}

// Detach removes m from group id. Reports whether m was found there.
func (c *Ctx) Detach(id int, m Member) bool {
	return c.groups[id%len(c.groups)].detach(m)
}

// RunWorker drives polling group id in a cooperative loop until ctx is
// canceled, recording each pass's duration under the host-side
// poll_host_time timeslice kind; busy and idle passes are recorded
// under that same kind. It never work-steals from other groups
// (spec §5).
func RunWorker(ctx context.Context, c *Ctx, id int) error {
	g := c.groups[id%len(c.groups)]
	rec := timeslice.NewRecorder()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n := g.progressOnce()
		rec.Record(tsPollHostTime)
		if n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
	}
}

// RunAll launches one worker goroutine per group using an errgroup so
// a single worker's fatal error (or ctx cancellation) tears down every
// other worker cleanly; it blocks until all workers return.
func RunAll(ctx context.Context, c *Ctx) error {
	g, gctx := errgroup.WithContext(ctx)
	for id := range c.groups {
		id := id
		g.Go(func() error { return RunWorker(gctx, c, id) })
	}
	return g.Wait()
}

// Quiesce locks every group in ascending id order, forming a global
// pause (spec §5: "all groups are locked in ascending id order,
// unlocked in descending order, to form a global pause"). The
// returned Resume func must be called exactly once to release the
// groups in descending order.
func (c *Ctx) Quiesce() (resume func()) {
	for _, g := range c.groups {
		g.mu.Lock()
	}
	return func() {
		for i := len(c.groups) - 1; i >= 0; i-- {
			c.groups[i].mu.Unlock()
		}
	}
}
