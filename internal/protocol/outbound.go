package protocol

import "encoding/json"

// Outbound is implemented by every message the bridge writes to a socket.
type Outbound interface {
	MessageType() MessageType
}

// Encode marshals an outbound message, including its "type" field.
func Encode(msg Outbound) ([]byte, error) {
	return json.Marshal(msg)
}

// Welcome acknowledges a successful identification.
type Welcome struct {
	Role    string `json:"role"`
	Version string `json:"version,omitempty"`
	Studio  string `json:"studio,omitempty"`
}

// Error reports a protocol-level failure. Cmd echoes the rejected command.
type Error struct {
	Error string `json:"error"`
	Cmd   string `json:"cmd,omitempty"`
}

// Status announces plugin presence changes to observers.
type Status struct {
	Studio string `json:"studio"`
}

// RunLog is a single agent run log line.
type RunLog struct {
	RunID     string `json:"runId"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// RunProgress reports run state and the files touched so far.
type RunProgress struct {
	RunID        string   `json:"runId"`
	State        string   `json:"state"`
	FilesChanged []string `json:"filesChanged"`
}

// RunDone is the single terminal event of an agent run.
type RunDone struct {
	RunID        string   `json:"runId"`
	Success      bool     `json:"success"`
	Summary      string   `json:"summary"`
	FilesChanged []string `json:"filesChanged"`
	CostUSD      float64  `json:"costUsd"`
}

// RepoChanged notifies observers that repository files changed.
type RepoChanged struct {
	Revision int      `json:"revision"`
	Files    []string `json:"files"`
}

// DevtoolsCall asks the plugin to execute a tool and reply with CallResult.
type DevtoolsCall struct {
	CallID string          `json:"callId"`
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
}

// StudioExec is the execute-artifact side channel.
type StudioExec struct {
	Code string `json:"code"`
}

// SessionSwitched tells observers that the plugin's editing context changed.
type SessionSwitched struct {
	PreviousKey string `json:"previousKey"`
	SessionKey  string `json:"sessionKey"`
	PlaceName   string `json:"placeName"`
}

// Pong answers a Ping.
type Pong struct{}

// Raw relays an already-encoded frame.
type Raw struct {
	Type MessageType
	Data json.RawMessage
}

func (Welcome) MessageType() MessageType         { return TypeWelcome }
func (Error) MessageType() MessageType           { return TypeError }
func (Status) MessageType() MessageType          { return TypeStatus }
func (RunLog) MessageType() MessageType          { return TypeRunLog }
func (RunProgress) MessageType() MessageType     { return TypeRunProgress }
func (RunDone) MessageType() MessageType         { return TypeRunDone }
func (RepoChanged) MessageType() MessageType     { return TypeRepoChanged }
func (DevtoolsCall) MessageType() MessageType    { return TypeDevtoolsCall }
func (StudioExec) MessageType() MessageType      { return TypeStudioExec }
func (SessionSwitched) MessageType() MessageType { return TypeSessionSwitched }
func (Pong) MessageType() MessageType            { return TypePong }
func (r Raw) MessageType() MessageType           { return r.Type }

func (m Welcome) MarshalJSON() ([]byte, error) {
	type alias Welcome
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		alias
	}{TypeWelcome, alias(m)})
}

func (m Error) MarshalJSON() ([]byte, error) {
	type alias Error
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		alias
	}{TypeError, alias(m)})
}

func (m Status) MarshalJSON() ([]byte, error) {
	type alias Status
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		alias
	}{TypeStatus, alias(m)})
}

func (m RunLog) MarshalJSON() ([]byte, error) {
	type alias RunLog
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		alias
	}{TypeRunLog, alias(m)})
}

func (m RunProgress) MarshalJSON() ([]byte, error) {
	type alias RunProgress
	if m.FilesChanged == nil {
		m.FilesChanged = []string{}
	}
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		alias
	}{TypeRunProgress, alias(m)})
}

func (m RunDone) MarshalJSON() ([]byte, error) {
	type alias RunDone
	if m.FilesChanged == nil {
		m.FilesChanged = []string{}
	}
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		alias
	}{TypeRunDone, alias(m)})
}

func (m RepoChanged) MarshalJSON() ([]byte, error) {
	type alias RepoChanged
	if m.Files == nil {
		m.Files = []string{}
	}
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		alias
	}{TypeRepoChanged, alias(m)})
}

func (m DevtoolsCall) MarshalJSON() ([]byte, error) {
	type alias DevtoolsCall
	if len(m.Params) == 0 || string(m.Params) == "null" {
		m.Params = json.RawMessage(`{}`)
	}
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		alias
	}{TypeDevtoolsCall, alias(m)})
}

func (m StudioExec) MarshalJSON() ([]byte, error) {
	type alias StudioExec
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		alias
	}{TypeStudioExec, alias(m)})
}

func (m SessionSwitched) MarshalJSON() ([]byte, error) {
	type alias SessionSwitched
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		alias
	}{TypeSessionSwitched, alias(m)})
}

func (Pong) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type MessageType `json:"type"`
	}{TypePong})
}

func (r Raw) MarshalJSON() ([]byte, error) {
	if len(r.Data) == 0 {
		return []byte("null"), nil
	}
	return r.Data, nil
}
