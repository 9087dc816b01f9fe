package a2a

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/dusk-indust/relay/internal/task"
)

// Role identifies the sender of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Part types.
const (
	PartText = "text"
	PartData = "data"
	PartFile = "file"
)

// --- Core Types ---

// Task is the wire snapshot of a task.
type Task struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId,omitempty"`
	Status    TaskStatus     `json:"status"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	History   []Message      `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskStatus tracks the current state and when it changed.
type TaskStatus struct {
	State     task.State `json:"state"`
	Message   *Message   `json:"message,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Message is a unit of communication between client and agent.
type Message struct {
	Role     Role           `json:"role"`
	Parts    []Part         `json:"parts"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Text joins the message's text parts with newlines.
func (m Message) Text() string {
	var texts []string
	for _, p := range m.Parts {
		if p.Type == PartText || (p.Type == "" && p.Text != "") {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Part carries content within a message or artifact. Type selects which of
// Text, Data or File is set.
type Part struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	File     *FileContent    `json:"file,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// FileContent is an inline or referenced file.
type FileContent struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// TextPart creates a Part with text content.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// DataPart creates a Part with structured JSON data.
func DataPart(v any) (Part, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Part{}, err
	}
	return Part{Type: PartData, Data: data}, nil
}

// Artifact is an output produced by an agent for a task.
type Artifact struct {
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parts       []Part         `json:"parts"`
	Index       int            `json:"index"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// --- Agent Card Types ---

// AgentCard is the discovery document served at AgentCardPath.
type AgentCard struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	URL                string            `json:"url"`
	Version            string            `json:"version"`
	Provider           *AgentProvider    `json:"provider,omitempty"`
	DocumentationURL   string            `json:"documentationUrl,omitempty"`
	Capabilities       AgentCapabilities `json:"capabilities"`
	DefaultInputModes  []string          `json:"defaultInputModes"`
	DefaultOutputModes []string          `json:"defaultOutputModes"`
	Skills             []AgentSkill      `json:"skills"`
}

// AgentProvider identifies the service provider.
type AgentProvider struct {
	Organization string `json:"organization"`
	URL          string `json:"url,omitempty"`
}

// AgentCapabilities declares which optional protocol features the agent
// supports.
type AgentCapabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

// AgentSkill declares a distinct capability of an agent.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Examples    []string `json:"examples,omitempty"`
	InputModes  []string `json:"inputModes,omitempty"`
	OutputModes []string `json:"outputModes,omitempty"`
}

// --- Request / Response Types ---

// TaskSendParams submits a task. An empty ID asks the server to generate one.
type TaskSendParams struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"sessionId,omitempty"`
	Message       Message        `json:"message"`
	HistoryLength *int           `json:"historyLength,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// TaskQueryParams retrieves a task by ID.
type TaskQueryParams struct {
	ID            string `json:"id"`
	HistoryLength *int   `json:"historyLength,omitempty"`
}

// TaskIDParams names a task, used by tasks/cancel.
type TaskIDParams struct {
	ID string `json:"id"`
}

// ListTasksParams filters and paginates tasks/list.
type ListTasksParams struct {
	SessionID string     `json:"sessionId,omitempty"`
	State     task.State `json:"state,omitempty"`
	PageSize  int        `json:"pageSize,omitempty"`
	PageToken string     `json:"pageToken,omitempty"`
}

// ListTasksResult is the paginated response for tasks/list.
type ListTasksResult struct {
	Tasks         []Task `json:"tasks"`
	TotalSize     int    `json:"totalSize"`
	NextPageToken string `json:"nextPageToken,omitempty"`
}
