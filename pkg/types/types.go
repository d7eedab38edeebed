package types

import (
	"time"
)

// MaxAttempts is the total number of times a batch may be handed to a node
// before a failure becomes terminal regardless of its retry setting. The
// scheduler increments Attempts on placement, so the failure helper retries
// while the recorded count is below MaxAttempts.
const MaxAttempts = 3

// BatchState is the lifecycle state of a batch.
type BatchState string

const (
	BatchRegistered BatchState = "registered"
	BatchScheduled  BatchState = "scheduled"
	BatchProcessing BatchState = "processing"
	BatchSucceeded  BatchState = "succeeded"
	BatchFailed     BatchState = "failed"
	BatchCancelled  BatchState = "cancelled"
)

// Terminal reports whether a state can never be left again.
func (s BatchState) Terminal() bool {
	return s == BatchSucceeded || s == BatchFailed || s == BatchCancelled
}

// Active reports whether a batch in this state occupies node resources.
func (s BatchState) Active() bool {
	return s == BatchScheduled || s == BatchProcessing
}

// NodeState is the availability state of a node mirror.
type NodeState string

const (
	// NodeStateNull marks a mirror inserted before its first inspection.
	NodeStateNull    NodeState = ""
	NodeStateOnline  NodeState = "online"
	NodeStateOffline NodeState = "offline"
)

// Container engine names accepted in experiment descriptions.
const (
	EngineDocker       = "docker"
	EngineNvidiaDocker = "nvidia-docker"
)

// Container runtimes the engines map onto.
const (
	RuntimeRunc   = "runc"
	RuntimeNvidia = "nvidia"
)

// RegistryAuth carries image registry credentials after secret filling.
type RegistryAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ImageSpec names a container image. Auth is either nil, a secret uuid
// handle (string) while at rest, or a filled credentials object after the
// trustee collected it.
type ImageSpec struct {
	URL  string `json:"url"`
	Auth any    `json:"auth,omitempty"`
}

// GPURequirement asks for one device with at least VRAM MiB of memory.
type GPURequirement struct {
	VRAM int64 `json:"vram"`
}

// ContainerSettings are the resource demands shared by all batches of an
// experiment.
type ContainerSettings struct {
	Image ImageSpec        `json:"image"`
	RAM   int64            `json:"ram"` // MiB
	GPUs  []GPURequirement `json:"gpus,omitempty"`
}

// ContainerSpec selects the engine and its settings.
type ContainerSpec struct {
	Engine   string            `json:"engine"` // docker | nvidia-docker
	Settings ContainerSettings `json:"settings"`
}

// ExecutionSettings tune how the agency runs an experiment's batches.
type ExecutionSettings struct {
	BatchConcurrencyLimit *int `json:"batchConcurrencyLimit,omitempty"`
	RetryIfFailed         bool `json:"retryIfFailed,omitempty"`
	DisablePull           bool `json:"disablePull,omitempty"`
}

// ExecutionSpec selects the execution engine. Only "ccagency" is known.
type ExecutionSpec struct {
	Engine   string            `json:"engine"`
	Settings ExecutionSettings `json:"settings"`
}

// DefaultBatchConcurrencyLimit caps concurrently active batches per
// experiment when the submission does not set one.
const DefaultBatchConcurrencyLimit = 64

// Experiment is the immutable parameter set shared by a family of batches.
// Only ProtectedKeysVoided changes after creation, exactly once.
type Experiment struct {
	ID                  string         `json:"id"`
	Username            string         `json:"username"`
	RegistrationTime    time.Time      `json:"registrationTime"`
	Container           ContainerSpec  `json:"container"`
	CLI                 map[string]any `json:"cli,omitempty"`
	Execution           *ExecutionSpec `json:"execution,omitempty"`
	ProtectedKeysVoided bool           `json:"protectedKeysVoided"`
}

// ConcurrencyLimit returns the effective per-experiment cap on active
// batches.
func (e *Experiment) ConcurrencyLimit() int {
	if e.Execution != nil && e.Execution.Settings.BatchConcurrencyLimit != nil {
		return *e.Execution.Settings.BatchConcurrencyLimit
	}
	return DefaultBatchConcurrencyLimit
}

// RetryIfFailed reports whether failed batches of this experiment go back to
// registered while attempts remain.
func (e *Experiment) RetryIfFailed() bool {
	return e.Execution != nil && e.Execution.Settings.RetryIfFailed
}

// DisablePull reports whether image pulls are skipped for this experiment.
func (e *Experiment) DisablePull() bool {
	return e.Execution != nil && e.Execution.Settings.DisablePull
}

// HistoryEntry records one state transition of a batch.
type HistoryEntry struct {
	State     BatchState `json:"state"`
	Time      time.Time  `json:"time"`
	DebugInfo string     `json:"debugInfo,omitempty"`
	Node      string     `json:"node,omitempty"`
	CCAgent   any        `json:"ccagent,omitempty"`
}

// Batch is one concrete execution unit of an experiment on one node.
//
// Inputs and Outputs hold RED-style connector descriptors keyed by their CWL
// key. A value is either a scalar or a map carrying a "connector" object
// whose "access" field is a secret uuid handle at rest (the broker separates
// secrets on ingest) and the filled secret value in memory only.
type Batch struct {
	ID                  string         `json:"id"`
	ExperimentID        string         `json:"experimentId"`
	Username            string         `json:"username"`
	RegistrationTime    time.Time      `json:"registrationTime"`
	State               BatchState     `json:"state"`
	Node                string         `json:"node,omitempty"`
	Attempts            int            `json:"attempts"`
	UsedGPUs            []int          `json:"usedGPUs,omitempty"`
	Mount               bool           `json:"mount,omitempty"`
	Inputs              map[string]any `json:"inputs"`
	Outputs             map[string]any `json:"outputs"`
	History             []HistoryEntry `json:"history"`
	ProtectedKeysVoided bool           `json:"protectedKeysVoided"`
	NotificationsSent   bool           `json:"notificationsSent"`
}

// GPU is one physical device present on a node, as declared in the node's
// hardware configuration.
type GPU struct {
	ID   int   `json:"id"`
	VRAM int64 `json:"vram"` // MiB
}

// NodeHistoryEntry records one node state transition.
type NodeHistoryEntry struct {
	State     NodeState `json:"state"`
	Time      time.Time `json:"time"`
	DebugInfo string    `json:"debugInfo,omitempty"`
}

// Node mirrors one configured container host. Mirrors are dropped and
// reinserted at every controller start and mutated only by the node's own
// client proxy.
type Node struct {
	Name    string             `json:"name"`
	State   NodeState          `json:"state"`
	RAM     int64              `json:"ram"` // MiB
	CPUs    int                `json:"cpus"`
	GPUs    []GPU              `json:"gpus,omitempty"`
	History []NodeHistoryEntry `json:"history"`
}

// CallbackToken is the short-lived credential identifying a batch to inbound
// callbacks. Only a salted digest of the token is stored.
type CallbackToken struct {
	BatchID   string    `json:"batchId"`
	Salt      string    `json:"salt"`
	Digest    string    `json:"digest"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentResult is the JSON object the in-container agent prints to stdout
// when it finishes.
type AgentResult struct {
	State     string `json:"state"`
	DebugInfo string `json:"debugInfo,omitempty"`
}

// Failure classifies an error affecting a specific batch or request.
// DisableRetry marks structural problems that must not be retried; Inspect
// asks the caller to verify the collaborating service before trying again.
type Failure struct {
	DebugInfo    string `json:"debug_info,omitempty"`
	DisableRetry bool   `json:"disable_retry,omitempty"`
	Inspect      bool   `json:"inspect,omitempty"`
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return f.DebugInfo
}

// NewFailure builds a Failure from any error, keeping classification flags.
func NewFailure(err error, disableRetry, inspect bool) *Failure {
	return &Failure{DebugInfo: err.Error(), DisableRetry: disableRetry, Inspect: inspect}
}
