// Envelope decoding for router deliveries.
//
// DESIGN: The router wraps every notification in the same outer envelope
// {detail-type, time, detail}. The detail-type string (plus, for API audit
// records, the operation name) discriminates the union. gjson probes the
// discriminator fields; the matched shape is then unmarshaled as a whole.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Detail types used by the producing services.
const (
	detailTypeAPICall     = "AWS API Call via CloudTrail"
	detailTypeStateChange = "Braket Task State Change"
	detailTypeAlarm       = "CloudWatch Alarm State Change"

	createTaskOperation = "CreateQuantumTask"
)

// ErrUnhandledEnvelope marks envelopes the pipeline does not consume.
type ErrUnhandledEnvelope struct {
	DetailType string
}

func (e *ErrUnhandledEnvelope) Error() string {
	return fmt.Sprintf("event: unhandled envelope detail-type %q", e.DetailType)
}

type createdDetail struct {
	UserIdentity struct {
		ARN string `json:"arn"`
	} `json:"userIdentity"`
	ResponseElements struct {
		QuantumTaskArn string `json:"quantumTaskArn"`
		Status         string `json:"status"`
	} `json:"responseElements"`
	RequestParameters struct {
		DeviceArn string `json:"deviceArn"`
	} `json:"requestParameters"`
}

type stateChangeDetail struct {
	QuantumTaskArn string `json:"quantumTaskArn"`
	DeviceArn      string `json:"deviceArn"`
	Status         string `json:"status"`
	Shots          int64  `json:"shots"`
}

type alarmDetail struct {
	AlarmName string `json:"alarmName"`
	State     struct {
		Value string `json:"value"`
	} `json:"state"`
}

// Decode parses one router envelope into its typed notification.
// Envelopes for operations the pipeline does not consume yield
// *ErrUnhandledEnvelope so callers can acknowledge without processing.
func Decode(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("event: envelope is not valid JSON")
	}
	detailType := gjson.GetBytes(raw, "detail-type").String()
	eventTime, err := envelopeTime(raw)
	if err != nil {
		return nil, err
	}
	detail := []byte(gjson.GetBytes(raw, "detail").Raw)

	switch detailType {
	case detailTypeAPICall:
		if op := gjson.GetBytes(detail, "eventName").String(); op != createTaskOperation {
			return nil, &ErrUnhandledEnvelope{DetailType: detailType + "/" + op}
		}
		var d createdDetail
		if err := json.Unmarshal(detail, &d); err != nil {
			return nil, fmt.Errorf("event: decode task creation: %w", err)
		}
		return TaskCreated{
			Time:         eventTime,
			TaskID:       d.ResponseElements.QuantumTaskArn,
			UserIdentity: d.UserIdentity.ARN,
			DeviceID:     d.RequestParameters.DeviceArn,
			Status:       d.ResponseElements.Status,
		}, nil

	case detailTypeStateChange:
		var d stateChangeDetail
		if err := json.Unmarshal(detail, &d); err != nil {
			return nil, fmt.Errorf("event: decode state change: %w", err)
		}
		return TaskStateChanged{
			Time:     eventTime,
			TaskID:   d.QuantumTaskArn,
			DeviceID: d.DeviceArn,
			Status:   d.Status,
			Shots:    d.Shots,
		}, nil

	case detailTypeAlarm:
		var d alarmDetail
		if err := json.Unmarshal(detail, &d); err != nil {
			return nil, fmt.Errorf("event: decode alarm transition: %w", err)
		}
		return AlarmTransition{
			AlarmName: d.AlarmName,
			State:     AlarmState(d.State.Value),
		}, nil

	default:
		return nil, &ErrUnhandledEnvelope{DetailType: detailType}
	}
}

// DecodeCostedRecord parses a ledger change feed delivery.
func DecodeCostedRecord(raw []byte) (CostedRecord, error) {
	var rec CostedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return CostedRecord{}, fmt.Errorf("event: decode costed record: %w", err)
	}
	if rec.TaskID == "" {
		return CostedRecord{}, fmt.Errorf("event: costed record missing task_id")
	}
	return rec, nil
}

func envelopeTime(raw []byte) (time.Time, error) {
	t := gjson.GetBytes(raw, "time").String()
	if t == "" {
		// Alarm envelopes are the only consumers that never read the time.
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339, t)
	if err != nil {
		return time.Time{}, fmt.Errorf("event: bad envelope time %q: %w", t, err)
	}
	return parsed, nil
}
