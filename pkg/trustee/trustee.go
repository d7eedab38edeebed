// Package trustee implements the in-memory secret vault and its IPC
// protocol. The vault holds uuid→value mappings that never reach
// persistence; batch and experiment documents carry only the handles.
//
// Requests and replies are newline-delimited JSON objects exchanged over a
// filesystem unix socket restricted to the owning user. The reply loop is
// single-threaded: one request is processed at a time regardless of how many
// clients are connected.
package trustee

// Actions understood by the trustee.
const (
	ActionStore   = "store"
	ActionDelete  = "delete"
	ActionCollect = "collect"
	ActionInspect = "inspect"
)

// Reply states.
const (
	StateSuccess = "success"
	StateFailed  = "failed"
)

// Request is one tagged request object.
type Request struct {
	Action  string         `json:"action"`
	Secrets map[string]any `json:"secrets,omitempty"`
	Keys    []string       `json:"keys,omitempty"`
}

// Response is the reply to a Request. On failure, DisableRetry marks the
// error as permanent for the requesting batch and Inspect asks the caller to
// probe the trustee before retrying.
type Response struct {
	State        string         `json:"state"`
	DebugInfo    string         `json:"debug_info,omitempty"`
	DisableRetry bool           `json:"disable_retry,omitempty"`
	Inspect      bool           `json:"inspect,omitempty"`
	Collected    map[string]any `json:"collected,omitempty"`
}

// Success reports whether the reply carries a success state.
func (r Response) Success() bool {
	return r.State == StateSuccess
}
