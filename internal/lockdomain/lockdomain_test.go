package lockdomain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireRelease_ReadersDoNotBlockEachOther(t *testing.T) {
	d := NewDomain()

	h1 := d.Acquire(NewDeclaration().With(Job, Read))
	h2 := d.Acquire(NewDeclaration().With(Job, Read))

	done := make(chan struct{})
	go func() {
		h2.Release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second reader release blocked unexpectedly")
	}
	h1.Release()
}

func TestAcquireRelease_WriterExcludesReader(t *testing.T) {
	d := NewDomain()
	require := require.New(t)

	held := d.Acquire(NewDeclaration().With(Node, Write))

	acquired := make(chan struct{})
	go func() {
		h := d.Acquire(NewDeclaration().With(Node, Read))
		close(acquired)
		h.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("reader acquired while writer held the axis")
	case <-time.After(50 * time.Millisecond):
	}

	held.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		require.Fail("reader never acquired after writer released")
	}
}

func TestAcquire_IndependentAxesDoNotInterfere(t *testing.T) {
	d := NewDomain()

	jobHeld := d.Acquire(NewDeclaration().With(Job, Write))
	defer jobHeld.Release()

	done := make(chan struct{})
	go func() {
		h := d.Acquire(NewDeclaration().With(Node, Write))
		h.Release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("node axis blocked by an unrelated job-axis write lock")
	}
}

func TestThrottle_SerializesEntrants(t *testing.T) {
	th := NewThrottle()
	release := th.Enter()

	entered := make(chan struct{})
	go func() {
		r := th.Enter()
		close(entered)
		r()
	}()

	select {
	case <-entered:
		t.Fatal("second entrant proceeded while throttle was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("second entrant never proceeded after release")
	}
}
