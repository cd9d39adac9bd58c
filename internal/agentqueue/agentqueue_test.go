package agentqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu  sync.Mutex
	got []Message
}

func (s *recordingSender) Send(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, m)
	return nil
}

func (s *recordingSender) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.got))
	copy(out, s.got)
	return out
}

func TestQueue_DeliversEnqueuedMessageToSender(t *testing.T) {
	sender := &recordingSender{}
	q := New(4, sender, hclog.NewNullLogger())
	go q.Run()
	defer q.Stop()

	require.NoError(t, q.LaunchProlog("node-1", 7))

	require.Eventually(t, func() bool {
		return len(sender.messages()) == 1
	}, time.Second, 5*time.Millisecond)

	got := sender.messages()[0]
	require.Equal(t, "node-1", got.Node)
	require.Equal(t, KindLaunchProlog, got.Kind)
	require.Equal(t, uint32(7), got.JobID)
}

func TestQueue_EnqueueNeverBlocksWhenFull(t *testing.T) {
	sender := &recordingSender{}
	q := New(1, sender, hclog.NewNullLogger())
	// No Run() consumer: the single buffer slot fills immediately.
	require.NoError(t, q.LaunchProlog("node-1", 1))

	done := make(chan struct{})
	go func() {
		_ = q.KillJob("node-1", 2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
	require.Equal(t, int64(1), q.Dropped())
}

func TestQueue_StopHaltsRunLoop(t *testing.T) {
	sender := &recordingSender{}
	q := New(4, sender, hclog.NewNullLogger())
	runExited := make(chan struct{})
	go func() {
		q.Run()
		close(runExited)
	}()

	q.Stop()
	select {
	case <-runExited:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}

func TestLogSender_NeverErrors(t *testing.T) {
	s := LogSender{Logger: hclog.NewNullLogger()}
	require.NoError(t, s.Send(Message{Node: "node-1", Kind: KindReboot}))
}
