package pollgroup

import (
	"sync/atomic"
	"testing"
)

type counterMember struct {
	calls atomic.Int32
	work  int32
}

func (m *counterMember) Progress() int {
	m.calls.Add(1)
	return int(m.work)
}

func TestAttachRoundRobin(t *testing.T) {
	c := New(3)
	var members [6]counterMember
	ids := make([]int, len(members))
	for i := range members {
		ids[i] = c.Attach(&members[i])
	}
	for i, id := range ids {
		want := i % 3
		if id != want {
			t.Fatalf("member %d: got group %d, want %d", i, id, want)
		}
	}
}

func TestDetachRemovesMember(t *testing.T) {
	c := New(1)
	var m counterMember
	id := c.Attach(&m)
	if !c.Detach(id, &m) {
		t.Fatalf("expected Detach to find the attached member")
	}
	if c.groups[id].progressOnce() != 0 {
		t.Fatalf("expected zero members left in group after Detach")
	}
}

func TestDetachMissingReportsFalse(t *testing.T) {
	c := New(1)
	var m counterMember
	if c.Detach(0, &m) {
		t.Fatalf("Detach on a never-attached member must report false")
	}
}

func TestProgressOnceDrivesAllMembers(t *testing.T) {
	c := New(1)
	var a, b counterMember
	a.work, b.work = 2, 3
	c.Attach(&a)
	c.Attach(&b)

	if got := c.groups[0].progressOnce(); got != 5 {
		t.Fatalf("expected progressOnce to sum member work (5), got %d", got)
	}
	if a.calls.Load() != 1 || b.calls.Load() != 1 {
		t.Fatalf("expected each member progressed exactly once")
	}
}

func TestQuiesceBlocksConcurrentAttach(t *testing.T) {
	c := New(2)
	resume := c.Quiesce()

	done := make(chan struct{})
	go func() {
		var m counterMember
		c.Attach(&m) // must block until resume() runs
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("Attach proceeded while groups were quiesced")
	default:
	}

	resume()
	<-done
}
