// Package state implements C3: the in-memory Entity Store (spec.md §4.3),
// an indexed graph of Jobs, Steps, Nodes, FrontEnds, Partitions, and
// Reservations. It is backed by github.com/hashicorp/go-memdb, the same
// engine the teacher (hashicorp/nomad) uses for its own state store
// (teacher go.mod: github.com/hashicorp/go-memdb).
package state

import "github.com/hashicorp/go-memdb"

const (
	TableJobs         = "jobs"
	TableNodes        = "nodes"
	TablePartitions   = "partitions"
	TableReservations = "reservations"
)

// schema returns the go-memdb schema for the Entity Store. Steps are not
// a separate memdb table: spec.md §4.3 requires "every Step's job_id
// resolves" as a referential-integrity invariant, which is simplest to
// hold by keeping Steps embedded in their owning Job (Job.Steps) and
// mutating them only through the Store's job-scoped accessors, which is
// exactly how the teacher models allocation-owned task groups.
func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			TableJobs: {
				Name: TableJobs,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.UintFieldIndex{Field: "ID"},
					},
					"user": {
						Name:    "user",
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "User"},
					},
					"partition": {
						Name:    "partition",
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "Request.Partition"},
					},
					"state": {
						Name:    "state",
						Unique:  false,
						Indexer: &memdb.UintFieldIndex{Field: "State"},
					},
				},
			},
			TableNodes: {
				Name: TableNodes,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
					"state": {
						Name:    "state",
						Unique:  false,
						Indexer: &memdb.UintFieldIndex{Field: "State"},
					},
				},
			},
			TablePartitions: {
				Name: TablePartitions,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
			TableReservations: {
				Name: TableReservations,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
		},
	}
}
