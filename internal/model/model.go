package model

import (
	"fmt"
	"time"
)

// IdentityMode controls whether snapshot names are namespaced per host
type IdentityMode string

const (
	IdentityHostname  IdentityMode = "h" // "<host>_<stamp>", pruning scoped to the host
	IdentityFullLabel IdentityMode = "f" // "<stamp>", every entry is eligible for pruning
)

// NamingFunction selects the timestamp component of a new snapshot name
type NamingFunction string

const (
	NamingNone     NamingFunction = "none"
	NamingDate     NamingFunction = "date"
	NamingDateTime NamingFunction = "datetime"
	NamingWeekday  NamingFunction = "weekday"
)

// RetentionPolicy is one named backup class. Policies are built once from
// configuration and never mutated afterwards.
type RetentionPolicy struct {
	Name     string         `json:"name"`
	Capacity int            `json:"capacity"`
	Mode     IdentityMode   `json:"mode"`
	Naming   NamingFunction `json:"naming"`
}

// Validate checks the policy invariants
func (p RetentionPolicy) Validate() error {
	if p.Name == "" {
		return NewError(ErrConfigInvalid, PhaseConfig, "", fmt.Errorf("retain name cannot be empty"))
	}
	if p.Capacity < 1 {
		return NewError(ErrConfigInvalid, PhaseConfig, "", fmt.Errorf("retain %q: capacity must be at least 1, got %d", p.Name, p.Capacity))
	}
	switch p.Mode {
	case IdentityHostname, IdentityFullLabel:
	default:
		return NewError(ErrConfigInvalid, PhaseConfig, "", fmt.Errorf("retain %q: invalid retain mode: %q", p.Name, p.Mode))
	}
	switch p.Naming {
	case NamingNone, NamingDate, NamingDateTime, NamingWeekday:
	default:
		return NewError(ErrConfigInvalid, PhaseConfig, "", fmt.Errorf("retain %q: invalid retain naming-function: %q", p.Name, p.Naming))
	}
	return nil
}

// SnapshotEntry is one directory entry under a policy destination
type SnapshotEntry struct {
	Name    string    `json:"name"`
	ModTime time.Time `json:"modTime"` // zero if the backend cannot supply it
}

// TransportTarget describes the remote end of the SSH backend
type TransportTarget struct {
	User                  string
	Host                  string
	Port                  int
	KeyFile               string // private key; may be passphrase protected
	UseAgent              bool   // authenticate through SSH_AUTH_SOCK
	Password              bool   // allow password / keyboard-interactive auth
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
}

// Address returns host:port
func (t TransportTarget) Address() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", t.Host, port)
}

func (t TransportTarget) String() string {
	if t.User == "" {
		return t.Host
	}
	return t.User + "@" + t.Host
}

type LockMode string

const (
	LockWait LockMode = "wait"
	LockFail LockMode = "fail"
)

// LockOptions configures acquisition of the per-destination advisory lock
type LockOptions struct {
	Mode     LockMode
	Interval time.Duration // poll interval while waiting
	Timeout  time.Duration // 0 waits until the context is done
}

type MaterializeEngine string

const (
	EngineCopy  MaterializeEngine = "copy"
	EngineRsync MaterializeEngine = "rsync"
	EngineNone  MaterializeEngine = "none"
)

type MaterializeOptions struct {
	Engine MaterializeEngine
	Args   []string // extra arguments for the rsync engine
}

// Configuration is the validated, immutable input of a run
type Configuration struct {
	SourcePaths     []string
	ExcludePatterns []string
	BackupRoot      string
	Transport       *TransportTarget // nil means local backend
	Policies        map[string]RetentionPolicy
	Group           string
	Elevate         []string // argv prefix for privileged local create/remove, e.g. ["sudo", "-n"]
	Lock            LockOptions
	CommandTimeout  time.Duration
	HistoryDB       string
	Materialize     MaterializeOptions
}

// Policy returns the policy with the given name
func (c *Configuration) Policy(name string) (RetentionPolicy, error) {
	p, ok := c.Policies[name]
	if !ok {
		return RetentionPolicy{}, NewError(ErrConfigInvalid, PhaseConfig, "", fmt.Errorf("retain type %q is not configured", name))
	}
	return p, nil
}

// Remote reports whether the configuration targets an SSH backend
func (c *Configuration) Remote() bool { return c.Transport != nil }

// Phase names a step of a run, used in errors, logs and the occupancy trajectory
type Phase string

const (
	PhaseConfig      Phase = "config"
	PhasePreflight   Phase = "preflight"
	PhaseCapacity    Phase = "capacity"
	PhasePrune       Phase = "prune"
	PhaseCreate      Phase = "create"
	PhaseMaterialize Phase = "materialize"
)

// Occupancy is the number of snapshots observed after a phase
type Occupancy struct {
	Phase Phase `json:"phase"`
	Count int   `json:"count"`
}

// RunStatus represents the persistent status of a run
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunAborted RunStatus = "aborted" // interrupted by termination before completion
)

// RunReport is the outcome of one invocation
type RunReport struct {
	ID           string      `json:"id"`
	Policy       string      `json:"policy"`
	Host         string      `json:"host"`
	PID          int         `json:"pid,omitempty"` // process that performed the run
	DryRun       bool        `json:"dryRun"`
	Destination  string      `json:"destination"`
	SnapshotName string      `json:"snapshotName"`
	SnapshotPath string      `json:"snapshotPath"`
	Refreshed    bool        `json:"refreshed"` // snapshot name already existed
	Capacity     int         `json:"capacity"`
	Occupancy    []Occupancy `json:"occupancy"`
	Pruned       []string    `json:"pruned"`
	Status       RunStatus   `json:"status"`
	ErrorKind    string      `json:"errorKind,omitempty"`
	Error        string      `json:"error,omitempty"`
	StartedAt    time.Time   `json:"startedAt"`
	CompletedAt  *time.Time  `json:"completedAt"`
}

// Record appends an occupancy observation
func (r *RunReport) Record(phase Phase, count int) {
	r.Occupancy = append(r.Occupancy, Occupancy{Phase: phase, Count: count})
}
