// Package mock builds fixture Jobs/Nodes/Steps/Partitions/Reservations
// for tests, grounded on the teacher's pervasive nomad/mock.Node() /
// mock.Job() call sites (e.g. command/agent/node_endpoint_test.go:
// "node := mock.Node()"). The teacher's own mock package implementation
// did not survive the retrieval pack (only its call sites did); this
// package reproduces the same convention for ostrichctld's data model.
package mock

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/filipjs/ostrichctld/internal/structs"
)

var nodeSeq int64

// Node returns a fresh, Idle, fully-specified Node fixture.
func Node() *structs.Node {
	n := atomic.AddInt64(&nodeSeq, 1)
	return &structs.Node{
		Name:    fmt.Sprintf("node-%03d", n),
		Address: fmt.Sprintf("10.0.0.%d", n%254+1),
		Topology: structs.Topology{
			Boards:  1,
			Sockets: 2,
			Cores:   4,
			Threads: 1,
		},
		Memory:           32768,
		TmpDisk:          102400,
		Features:         []string{"rack1"},
		Weight:           1,
		State:            structs.NodeStateIdle,
		LastRegistration: time.Now(),
		BootTime:         time.Now(),
		Version:          "1.0.0",
		ConfigHash:       "deadbeef",
		RunningJobs:      make(map[uint32]bool),
	}
}

// Partition returns a fixture Partition containing the given node names.
func Partition(name string, nodes ...string) *structs.Partition {
	return &structs.Partition{
		Name:             name,
		Nodes:            nodes,
		MaxTimeLimit:     24 * time.Hour,
		DefaultTimeLimit: time.Hour,
		PriorityWeight:   1,
		Preempt:          structs.PreemptModeOff,
		Default:          true,
	}
}

// Job returns a fixture Pending Job requesting exactly one node (MinNodes
// and MaxNodes 1) in the "default" partition.
func Job() *structs.Job {
	return &structs.Job{
		User:  "alice",
		Group: "users",
		Request: structs.AllocationRequest{
			MinNodes:  1,
			MaxNodes:  1,
			CPUs:      1,
			Partition: "default",
			TimeLimit: 10 * time.Minute,
		},
		State:        structs.JobStatePending,
		SubmitTime:   time.Now(),
		RestartLimit: 1,
		Steps:        make(map[uint32]*structs.Step),
	}
}

// Reservation returns a fixture Reservation over the given nodes starting
// now and lasting dur.
func Reservation(name string, dur time.Duration, nodes ...string) *structs.Reservation {
	now := time.Now()
	return &structs.Reservation{
		Name:      name,
		Nodes:     nodes,
		StartTime: now,
		EndTime:   now.Add(dur),
	}
}
