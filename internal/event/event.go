// Package event defines the notification shapes consumed by the pipeline.
//
// DESIGN: The router delivers JSON envelopes for three unrelated things
// (task creation audit records, task state changes, alarm state changes).
// They are decoded once at the boundary into a closed set of Go types, so
// the rest of the pipeline switches on types instead of probing fields.
package event

import (
	"strings"
	"time"

	"github.com/qubitcloud/cost-guard/internal/money"
)

// Lifecycle statuses the pipeline reacts to. Everything else is ignored.
const (
	StatusInitialized = "INITIALIZED"
	StatusRunning     = "RUNNING"
	StatusCompleted   = "COMPLETED"
)

// DeviceClass partitions devices by billing model.
type DeviceClass int

const (
	DeviceUnknown DeviceClass = iota
	DeviceQPU                 // billed per shot, cost known at RUNNING
	DeviceSimulator           // billed per execution time, cost known at COMPLETED
)

// ClassOf derives the device class from a device identifier of the form
// "...:device/qpu/<provider>/<name>" or "...:device/quantum-simulator/...".
func ClassOf(deviceID string) DeviceClass {
	switch deviceTypeSegment(deviceID) {
	case "qpu":
		return DeviceQPU
	case "quantum-simulator":
		return DeviceSimulator
	default:
		return DeviceUnknown
	}
}

func deviceTypeSegment(deviceID string) string {
	// The segment after "device/" names the type.
	_, rest, ok := strings.Cut(deviceID, "device/")
	if !ok {
		return ""
	}
	segment, _, _ := strings.Cut(rest, "/")
	return segment
}

// Event is the closed set of notifications the pipeline handles.
type Event interface {
	isEvent()
}

// TaskCreated is the audit record emitted when a task is submitted.
// It carries the only field the pipeline ever learns the submitter from.
type TaskCreated struct {
	Time         time.Time
	TaskID       string
	UserIdentity string
	DeviceID     string
	Status       string
}

// TaskStateChanged is a task lifecycle transition.
type TaskStateChanged struct {
	Time     time.Time
	TaskID   string
	DeviceID string
	Status   string
	Shots    int64
}

// AlarmState is the binary value of a threshold alarm.
type AlarmState string

const (
	StateAlarm AlarmState = "ALARM"
	StateOK    AlarmState = "OK"
)

// AlarmTransition is an alarm state change.
type AlarmTransition struct {
	AlarmName string
	State     AlarmState
}

// CostedRecord is a ledger change whose record just gained a cost. It is
// the sole trigger for aggregation.
type CostedRecord struct {
	TaskID        string       `json:"task_id"`
	UserIdentity  string       `json:"user_identity"`
	DeviceID      string       `json:"device_id"`
	ExecutionTime time.Time    `json:"task_execution"`
	Cost          money.Amount `json:"cost_micros"`
}

func (TaskCreated) isEvent()      {}
func (TaskStateChanged) isEvent() {}
func (AlarmTransition) isEvent()  {}
func (CostedRecord) isEvent()     {}
