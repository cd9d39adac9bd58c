// Package config implements the process-wide ConfigSnapshot design note
// from spec.md §9 ("Global mutable configuration"): a read-only snapshot
// built at startup and replaced atomically through Holder.Swap, so
// in-flight handlers finish against the snapshot they started with. The
// Reconfigure RPC does not re-read the config file or call Swap, so the
// snapshot loaded at startup stays in effect.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
)

// NodeConfig is one [node "name"] block.
type NodeConfig struct {
	Name     string
	CPUs     int
	Sockets  int
	Cores    int
	Threads  int
	Memory   int
	Features []string
	Weight   int
}

// PartitionConfig is one [partition "name"] block.
type PartitionConfig struct {
	Name             string
	Nodes            []string
	MaxTimeLimit     time.Duration
	DefaultTimeLimit time.Duration
	Default          bool
}

// QOSConfig is one [qos "name"] block: a minimal quality-of-service
// threshold policy (spec.md §4.6 "validates against partition/reservation/
// QOS limits", §7 QosThreshold). MaxJobsPerUser of 0 means unlimited.
type QOSConfig struct {
	Name           string
	MaxJobsPerUser int
}

// Snapshot is the immutable configuration in effect for the lifetime of
// the handlers that observed it (spec.md §9).
type Snapshot struct {
	ClusterName    string
	SlurmdTimeout  time.Duration
	MinJobAge      time.Duration
	Defer          bool
	FastSchedule   bool
	MaxJobID       uint32
	RestartLimit   int

	// ConfigHash is the controller's own digest of its effective node
	// config, compared against what each node reports at registration
	// (spec.md §4.9 step 2). NoConfHash silences a mismatch to a warning
	// instead of draining the node.
	ConfigHash string
	NoConfHash bool

	// MinNodeVersion gates registration on daemon version (spec.md §9
	// supplement: reject registrations from daemons older than the
	// controller can safely drive). Empty disables the check.
	MinNodeVersion string

	// SlurmUser, Operators and SuperUsers back the C5 authorization policy
	// (spec.md §4.5): node-origin RPCs authenticate as the SlurmUser uid;
	// Operators and SuperUsers are checked in addition to ownership for
	// write/admin RPCs. All three are uids, not names, since C5 classifies
	// callers before any username lookup is needed.
	SlurmUser  uint32
	Operators  []uint32
	SuperUsers []uint32

	// PrivateDataJobs/Nodes/Partitions gate the read-side privacy mask
	// (spec.md §4.5 "Read RPCs honor a per-object privacy mask"): when
	// set, non-operators only see objects they own.
	PrivateDataJobs       bool
	PrivateDataNodes      bool
	PrivateDataPartitions bool

	Nodes      []NodeConfig
	Partitions []PartitionConfig
	QOS        []QOSConfig
}

// FindQOS looks up a named QOS policy. Returns nil if name is empty or
// unconfigured.
func (s *Snapshot) FindQOS(name string) *QOSConfig {
	for i := range s.QOS {
		if s.QOS[i].Name == name {
			return &s.QOS[i]
		}
	}
	return nil
}

// Holder atomically swaps the active Snapshot. Readers call Current() once
// per RPC and work against that value for the life of the handler
// (spec.md §9: "reconfigure produces a new snapshot and atomically swaps
// the pointer, readers complete against the old snapshot and pick up the
// new one on next RPC").
type Holder struct {
	v atomic.Value
}

func NewHolder(initial *Snapshot) *Holder {
	h := &Holder{}
	h.v.Store(initial)
	return h
}

func (h *Holder) Current() *Snapshot { return h.v.Load().(*Snapshot) }

func (h *Holder) Swap(next *Snapshot) { h.v.Store(next) }

// Default returns a minimal, valid Snapshot for tests and single-node
// demos.
func Default() *Snapshot {
	return &Snapshot{
		ClusterName:   "ostrich",
		SlurmdTimeout: 5 * time.Minute,
		MinJobAge:     5 * time.Minute,
		MaxJobID:      1<<32 - 1,
		RestartLimit:  1,
		SlurmUser:     0,
	}
}

// Load parses the flat key=value / [node "x"] / [partition "x"] config
// format described in DESIGN.md (a hand-rolled parser: no pack example
// ships a matching minimal DSL, and the teacher's HCL stack is built for a
// much larger surface than this subset needs).
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parse(f)
}

func parse(r *os.File) (*Snapshot, error) {
	snap := Default()
	var errs *multierror.Error

	scanner := bufio.NewScanner(r)
	var curNode *NodeConfig
	var curPart *PartitionConfig
	var curQOS *QOSConfig

	flush := func() {
		if curNode != nil {
			snap.Nodes = append(snap.Nodes, *curNode)
			curNode = nil
		}
		if curPart != nil {
			snap.Partitions = append(snap.Partitions, *curPart)
			curPart = nil
		}
		if curQOS != nil {
			snap.QOS = append(snap.QOS, *curQOS)
			curQOS = nil
		}
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[node ") {
			flush()
			name := strings.Trim(strings.TrimPrefix(line, "[node "), "\"] ")
			curNode = &NodeConfig{Name: name}
			continue
		}
		if strings.HasPrefix(line, "[partition ") {
			flush()
			name := strings.Trim(strings.TrimPrefix(line, "[partition "), "\"] ")
			curPart = &PartitionConfig{Name: name}
			continue
		}
		if strings.HasPrefix(line, "[qos ") {
			flush()
			name := strings.Trim(strings.TrimPrefix(line, "[qos "), "\"] ")
			curQOS = &QOSConfig{Name: name}
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			errs = multierror.Append(errs, fmt.Errorf("malformed line: %q", line))
			continue
		}
		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		if err := applyKV(snap, curNode, curPart, curQOS, key, val); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return snap, errs.ErrorOrNil()
}

func applyKV(snap *Snapshot, node *NodeConfig, part *PartitionConfig, qos *QOSConfig, key, val string) error {
	switch {
	case node != nil:
		return applyNodeKV(node, key, val)
	case part != nil:
		return applyPartitionKV(part, key, val)
	case qos != nil:
		return applyQOSKV(qos, key, val)
	default:
		return applyGlobalKV(snap, key, val)
	}
}

func applyGlobalKV(snap *Snapshot, key, val string) error {
	switch key {
	case "ClusterName":
		snap.ClusterName = val
	case "SlurmdTimeout":
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		snap.SlurmdTimeout = d
	case "MinJobAge":
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		snap.MinJobAge = d
	case "Defer":
		snap.Defer = val == "true"
	case "FastSchedule":
		snap.FastSchedule = val == "true"
	case "RestartLimit":
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		snap.RestartLimit = n
	case "ConfigHash":
		snap.ConfigHash = val
	case "NoConfHash":
		snap.NoConfHash = val == "true"
	case "MinNodeVersion":
		snap.MinNodeVersion = val
	case "SlurmUser":
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return err
		}
		snap.SlurmUser = uint32(n)
	case "Operators":
		ids, err := parseUintList(val)
		if err != nil {
			return err
		}
		snap.Operators = ids
	case "SuperUsers":
		ids, err := parseUintList(val)
		if err != nil {
			return err
		}
		snap.SuperUsers = ids
	case "PrivateDataJobs":
		snap.PrivateDataJobs = val == "true"
	case "PrivateDataNodes":
		snap.PrivateDataNodes = val == "true"
	case "PrivateDataPartitions":
		snap.PrivateDataPartitions = val == "true"
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

func parseUintList(val string) ([]uint32, error) {
	parts := strings.Split(val, ",")
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, uint32(n))
	}
	return out, nil
}

func applyNodeKV(n *NodeConfig, key, val string) error {
	var err error
	switch key {
	case "CPUs":
		n.CPUs, err = strconv.Atoi(val)
	case "Sockets":
		n.Sockets, err = strconv.Atoi(val)
	case "Cores":
		n.Cores, err = strconv.Atoi(val)
	case "Threads":
		n.Threads, err = strconv.Atoi(val)
	case "Memory":
		n.Memory, err = strconv.Atoi(val)
	case "Weight":
		n.Weight, err = strconv.Atoi(val)
	case "Features":
		n.Features = strings.Split(val, ",")
	default:
		return fmt.Errorf("unknown node key %q", key)
	}
	return err
}

func applyPartitionKV(p *PartitionConfig, key, val string) error {
	var err error
	switch key {
	case "Nodes":
		p.Nodes = strings.Split(val, ",")
	case "MaxTimeLimit":
		p.MaxTimeLimit, err = time.ParseDuration(val)
	case "DefaultTimeLimit":
		p.DefaultTimeLimit, err = time.ParseDuration(val)
	case "Default":
		p.Default = val == "true"
	default:
		return fmt.Errorf("unknown partition key %q", key)
	}
	return err
}

func applyQOSKV(q *QOSConfig, key, val string) error {
	var err error
	switch key {
	case "MaxJobsPerUser":
		q.MaxJobsPerUser, err = strconv.Atoi(val)
	default:
		return fmt.Errorf("unknown qos key %q", key)
	}
	return err
}

// ConfigPathEnv and NodeNameEnv are the environment overrides from
// spec.md §6 ("Environment").
const (
	ConfigPathEnv = "CONFIG_PATH"
	NodeNameEnv   = "NODENAME"
)

// ResolveConfigPath applies the CONFIG_PATH override if set and override
// is empty.
func ResolveConfigPath(override string) string {
	if override != "" {
		return override
	}
	if v := os.Getenv(ConfigPathEnv); v != "" {
		return v
	}
	return "/etc/ostrichctld/ostrichctld.conf"
}

// ResolveNodeName applies the NODENAME override from the environment.
func ResolveNodeName(override string) string {
	if override != "" {
		return override
	}
	return os.Getenv(NodeNameEnv)
}
