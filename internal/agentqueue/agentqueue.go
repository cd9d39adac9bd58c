// Package agentqueue implements the outbound MPSC channel to node agents
// described in spec.md §5: "The Agent queue (outbound messages to node
// agents) is an MPSC channel with its own synchronization." Handlers never
// block on it; Enqueue is non-blocking (bounded buffer, drop-oldest on
// overflow is avoided in favor of a generous buffer plus a drop counter,
// since losing a prolog-launch message would strand a job in Configuring
// forever).
package agentqueue

import (
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/filipjs/ostrichctld/internal/structs"
)

// Message is one outbound unit of work for a node daemon.
type Message struct {
	Node string
	Kind Kind

	JobID  uint32
	StepID uint32

	BatchScript []byte
	Credential  *structs.Credential
}

type Kind int

const (
	KindLaunchProlog Kind = iota
	KindLaunchBatch
	KindKillJob
	KindAbortStep
	KindReboot
)

// Queue is a single-consumer, multi-producer channel of Messages, with a
// pluggable Sender doing the actual (out-of-core) delivery.
type Queue struct {
	ch      chan Message
	dropped int64
	logger  hclog.Logger
	sender  Sender
	stop    chan struct{}
}

// Sender performs the actual delivery to a node daemon. Implementations
// live outside the core (spec.md §1 "node-side execution" is out of
// scope); this package only owns the queueing discipline.
type Sender interface {
	Send(Message) error
}

// LogSender is a reference Sender that only logs, for tests and
// single-node demos.
type LogSender struct{ Logger hclog.Logger }

func (s LogSender) Send(m Message) error {
	s.Logger.Debug("agent message", "node", m.Node, "kind", m.Kind, "job", m.JobID, "step", m.StepID)
	return nil
}

func New(buffer int, sender Sender, logger hclog.Logger) *Queue {
	return &Queue{
		ch:     make(chan Message, buffer),
		sender: sender,
		logger: logger.Named("agentqueue"),
		stop:   make(chan struct{}),
	}
}

// Run drains the queue on the single consumer goroutine until Stop is
// called.
func (q *Queue) Run() {
	for {
		select {
		case m := <-q.ch:
			if err := q.sender.Send(m); err != nil {
				q.logger.Warn("delivery failed", "node", m.Node, "kind", m.Kind, "error", err)
			}
		case <-q.stop:
			return
		}
	}
}

func (q *Queue) Stop() { close(q.stop) }

func (q *Queue) enqueue(m Message) error {
	select {
	case q.ch <- m:
		return nil
	default:
		atomic.AddInt64(&q.dropped, 1)
		return fmt.Errorf("agent queue full, dropped message to %s", m.Node)
	}
}

func (q *Queue) Dropped() int64 { return atomic.LoadInt64(&q.dropped) }

func (q *Queue) LaunchProlog(node string, jobID uint32) error {
	return q.enqueue(Message{Node: node, Kind: KindLaunchProlog, JobID: jobID})
}

func (q *Queue) LaunchBatch(node string, jobID uint32, script []byte, cred *structs.Credential) error {
	return q.enqueue(Message{Node: node, Kind: KindLaunchBatch, JobID: jobID, BatchScript: script, Credential: cred})
}

func (q *Queue) KillJob(node string, jobID uint32) error {
	return q.enqueue(Message{Node: node, Kind: KindKillJob, JobID: jobID})
}

func (q *Queue) AbortStep(node string, jobID, stepID uint32) error {
	return q.enqueue(Message{Node: node, Kind: KindAbortStep, JobID: jobID, StepID: stepID})
}

func (q *Queue) RebootNode(node string) error {
	return q.enqueue(Message{Node: node, Kind: KindReboot})
}
