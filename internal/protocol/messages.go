// Package protocol defines the JSON messages of the control protocol.
package protocol

import "github.com/wardenmc/warden/internal/snapshot"

// Message types exchanged over a control connection
const (
	TypeAuth    = "auth"
	TypeState   = "state"
	TypeBackups = "backups"
	TypeUpdate  = "update"
	TypeRestart = "restart"
	TypeStop    = "stop"
	TypeSave    = "save"
	TypeRestore = "restore"
)

// Envelope carries the type tag every inbound message must have
type Envelope struct {
	Type string `json:"type"`
}

// AuthRequest authenticates a connection, either by login/password or by
// a previously issued session token
type AuthRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Token    string `json:"token"`
}

// AuthResponse reports the authentication outcome. Success holds the
// username on success and false otherwise.
type AuthResponse struct {
	Type    string      `json:"type"`
	Success interface{} `json:"success"`
	Token   string      `json:"token,omitempty"`
}

// StateMessage pushes the current lifecycle state
type StateMessage struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// NewStateMessage builds a state push
func NewStateMessage(state string) StateMessage {
	return StateMessage{Type: TypeState, Value: state}
}

// BackupsMessage pushes the ordered backup list
type BackupsMessage struct {
	Type  string   `json:"type"`
	Value []string `json:"value"`
}

// NewBackupsMessage builds a backups push
func NewBackupsMessage(names []string) BackupsMessage {
	if names == nil {
		names = []string{}
	}
	return BackupsMessage{Type: TypeBackups, Value: names}
}

// SaveRequest names a new backup
type SaveRequest struct {
	Name string `json:"name"`
}

// RestoreRequest selects a backup and an optional region subset; an
// empty region list restores the whole world
type RestoreRequest struct {
	Name    string            `json:"name"`
	Regions []snapshot.Region `json:"regions"`
}
