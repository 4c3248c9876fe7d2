// Package protocol defines the JSON frames exchanged over the agent control channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/rankhub/internal/fleet"
)

// MessageType identifies a frame.
type MessageType string

// Frame types. Register, heartbeat and task-complete flow agent to hub; the rest flow hub to agent.
const (
	TypeRegister     MessageType = "register"
	TypeRegisterAck  MessageType = "register-ack"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeTask         MessageType = "task"
	TypeTaskComplete MessageType = "task-complete"
	TypeError        MessageType = "error"
)

// Error codes carried in error frames.
const (
	CodeNotRegistered     = "NOT_REGISTERED"
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeRegisterFailed    = "REGISTER_FAILED"
	CodeAlreadyRegistered = "ALREADY_REGISTERED"
)

// BaseMessage is the envelope shared by every frame.
type BaseMessage struct {
	Type MessageType `json:"type"`
	TS   int64       `json:"ts"`
}

// RegisterMessage announces an agent and its browser.
type RegisterMessage struct {
	BaseMessage
	fleet.AgentInfo
}

// RegisterAckMessage confirms registration.
type RegisterAckMessage struct {
	BaseMessage
	AgentID             string `json:"agentId"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs,omitempty"`
}

// HeartbeatMessage keeps the agent healthy.
type HeartbeatMessage struct {
	BaseMessage
}

// TaskMessage hands one search to an agent.
type TaskMessage struct {
	BaseMessage
	TaskID   string           `json:"taskId"`
	TaskType string           `json:"taskType"`
	Params   fleet.TaskParams `json:"params"`
}

// TaskCompleteMessage reports a task outcome.
type TaskCompleteMessage struct {
	BaseMessage
	TaskID string `json:"taskId"`
	fleet.TaskOutcome
}

// ErrorMessage tells the agent why a frame was rejected.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

func base(t MessageType, now time.Time) BaseMessage {
	return BaseMessage{Type: t, TS: now.UnixMilli()}
}

// NewRegister builds a register frame.
func NewRegister(now time.Time, info fleet.AgentInfo) RegisterMessage {
	return RegisterMessage{BaseMessage: base(TypeRegister, now), AgentInfo: info}
}

// NewRegisterAck builds a register-ack frame.
func NewRegisterAck(now time.Time, agentID string, heartbeat time.Duration) RegisterAckMessage {
	return RegisterAckMessage{
		BaseMessage:         base(TypeRegisterAck, now),
		AgentID:             agentID,
		HeartbeatIntervalMs: heartbeat.Milliseconds(),
	}
}

// NewHeartbeat builds a heartbeat frame.
func NewHeartbeat(now time.Time) HeartbeatMessage {
	return HeartbeatMessage{BaseMessage: base(TypeHeartbeat, now)}
}

// NewTask builds the task frame for t.
func NewTask(now time.Time, t fleet.Task) TaskMessage {
	return TaskMessage{
		BaseMessage: base(TypeTask, now),
		TaskID:      t.ID,
		TaskType:    fleet.TaskTypeSearch,
		Params:      t.Params,
	}
}

// NewTaskComplete builds a task-complete frame.
func NewTaskComplete(now time.Time, taskID string, outcome fleet.TaskOutcome) TaskCompleteMessage {
	return TaskCompleteMessage{BaseMessage: base(TypeTaskComplete, now), TaskID: taskID, TaskOutcome: outcome}
}

// NewError builds an error frame.
func NewError(now time.Time, code, message string) ErrorMessage {
	return ErrorMessage{BaseMessage: base(TypeError, now), Code: code, Message: message}
}

// Encode marshals a frame.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// PeekType reads the envelope type without decoding the body.
func PeekType(data []byte) (MessageType, error) {
	var b BaseMessage
	if err := json.Unmarshal(data, &b); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if b.Type == "" {
		return "", errors.New("decode envelope: missing type")
	}
	return b.Type, nil
}

// Decode unmarshals data into the frame pointed to by out.
func Decode(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
