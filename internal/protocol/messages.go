// Package protocol defines the JSON messages exchanged on the bus.
package protocol

import "time"

// VoiceRequest asks the router to speak the reply to Text.
type VoiceRequest struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	ChunkSize *int      `json:"chunk_size,omitempty"`
	Target    string    `json:"target,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// AudioChunk is one fixed-size piece of synthesized audio. Final marks the
// last chunk of a session and carries no data.
type AudioChunk struct {
	SessionID string `json:"session_id"`
	Target    string `json:"target,omitempty"`
	Sequence  int    `json:"sequence"`
	Data      []byte `json:"data"`
	Final     bool   `json:"final"`
}

// VoiceStatus reports how a session ended.
type VoiceStatus struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target,omitempty"`
	Completed bool      `json:"completed"`
	Chunks    int       `json:"chunks"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// VoiceCancel stops an in-flight session.
type VoiceCancel struct {
	SessionID string `json:"session_id"`
}

// PipelineEvent mirrors a pipeline stage transition.
type PipelineEvent struct {
	RunID        string    `json:"run_id"`
	Stage        string    `json:"stage"`
	Tokens       int64     `json:"tokens"`
	Sentences    int64     `json:"sentences"`
	Chunks       int64     `json:"chunks"`
	ElapsedMS    int64     `json:"elapsed_ms"`
	FirstChunkMS int64     `json:"first_chunk_ms,omitempty"`
	Response     string    `json:"response,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Capability is one backend a voice node offers.
type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeAnnounce advertises a voice node and its backends.
type NodeAnnounce struct {
	NodeID       string       `json:"node_id"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// NodeHeartbeat keeps a node alive and reports its current load.
type NodeHeartbeat struct {
	NodeID         string    `json:"node_id"`
	ActiveSessions int       `json:"active_sessions"`
	Timestamp      time.Time `json:"timestamp"`
}

const (
	SubjectNodeAnnounce        = "voice.node.announce"
	SubjectNodeHeartbeatPrefix = "voice.node.heartbeat"
)

// HeartbeatSubject returns the subject heartbeats of nodeID are published on.
func HeartbeatSubject(nodeID string) string {
	return SubjectNodeHeartbeatPrefix + "." + nodeID
}

const (
	SubjectVoiceRequest     = "voice.request"
	SubjectVoiceAudioPrefix = "voice.audio"
	SubjectVoiceDone        = "voice.done"
	SubjectVoiceCancel      = "voice.cancel"
	SubjectPipelineEvent    = "pipeline.event"
)

// AudioSubject returns the subject audio for sessionID is published on.
func AudioSubject(sessionID string) string {
	return SubjectVoiceAudioPrefix + "." + sessionID
}
