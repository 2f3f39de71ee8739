// taskgen replays a plausible quantum task lifecycle against a running
// intake endpoint: a creation audit record, a RUNNING transition and (for
// simulator devices) a COMPLETED transition. Useful for smoke testing a
// deployment without a task-producing region.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
)

var defaultDevices = []string{
	"arn:aws:braket:::device/quantum-simulator/amazon/sv1",
	"arn:aws:braket:::device/qpu/ionq/ionQdevice",
	"arn:aws:braket:us-west-1::device/qpu/rigetti/Aspen-M-3",
	"arn:aws:braket:eu-west-2::device/qpu/oqc/Lucy",
}

func main() {
	endpoint := flag.String("endpoint", "http://localhost:8484", "intake base URL")
	user := flag.String("user", "arn:aws:iam::000000000000:user/taskgen", "user identity for created tasks")
	device := flag.String("device", "", "device ARN (default: cycle through the built-in devices)")
	shots := flag.Int64("shots", 100, "shot count per task")
	tasks := flag.Int("tasks", 1, "number of task lifecycles to replay")
	flag.Parse()

	devices := defaultDevices
	if *device != "" {
		devices = []string{*device}
	}

	client := &http.Client{Timeout: 10 * time.Second}
	for i := 0; i < *tasks; i++ {
		dev := devices[i%len(devices)]
		if err := replayTask(client, *endpoint, dev, *user, *shots); err != nil {
			fmt.Fprintf(os.Stderr, "taskgen: %v\n", err)
			os.Exit(1)
		}
	}
}

func replayTask(client *http.Client, endpoint, device, user string, shots int64) error {
	taskARN := "arn:aws:braket:us-east-1:000000000000:quantum-task/" + uuid.NewString()
	now := time.Now().UTC()

	created, err := creationEnvelope(now, taskARN, device, user)
	if err != nil {
		return err
	}
	if err := post(client, endpoint+"/events", created); err != nil {
		return fmt.Errorf("deliver creation for %s: %w", taskARN, err)
	}
	fmt.Printf("task %s INITIALIZED on %s\n", taskARN, device)

	running, err := stateChangeEnvelope(now.Add(2*time.Second), taskARN, device, "RUNNING", shots)
	if err != nil {
		return err
	}
	if err := post(client, endpoint+"/events", running); err != nil {
		return fmt.Errorf("deliver RUNNING for %s: %w", taskARN, err)
	}
	fmt.Printf("task %s RUNNING\n", taskARN)

	completed, err := stateChangeEnvelope(now.Add(7*time.Second), taskARN, device, "COMPLETED", shots)
	if err != nil {
		return err
	}
	if err := post(client, endpoint+"/events", completed); err != nil {
		return fmt.Errorf("deliver COMPLETED for %s: %w", taskARN, err)
	}
	fmt.Printf("task %s COMPLETED\n", taskARN)
	return nil
}

func creationEnvelope(t time.Time, taskARN, device, user string) ([]byte, error) {
	raw := []byte(`{}`)
	var err error
	for _, set := range []struct {
		path  string
		value any
	}{
		{"detail-type", "AWS API Call via CloudTrail"},
		{"source", "aws.braket"},
		{"time", t.Format(time.RFC3339)},
		{"detail.eventName", "CreateQuantumTask"},
		{"detail.userIdentity.arn", user},
		{"detail.responseElements.quantumTaskArn", taskARN},
		{"detail.responseElements.status", "INITIALIZED"},
		{"detail.requestParameters.deviceArn", device},
	} {
		raw, err = sjson.SetBytes(raw, set.path, set.value)
		if err != nil {
			return nil, fmt.Errorf("build creation envelope: %w", err)
		}
	}
	return raw, nil
}

func stateChangeEnvelope(t time.Time, taskARN, device, status string, shots int64) ([]byte, error) {
	raw := []byte(`{}`)
	var err error
	for _, set := range []struct {
		path  string
		value any
	}{
		{"detail-type", "Braket Task State Change"},
		{"source", "aws.braket"},
		{"time", t.Format(time.RFC3339)},
		{"detail.quantumTaskArn", taskARN},
		{"detail.deviceArn", device},
		{"detail.status", status},
		{"detail.shots", shots},
		{"detail.eventName", "MODIFY"},
	} {
		raw, err = sjson.SetBytes(raw, set.path, set.value)
		if err != nil {
			return nil, fmt.Errorf("build state change envelope: %w", err)
		}
	}
	return raw, nil
}

func post(client *http.Client, url string, body []byte) error {
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %s", url, resp.Status)
	}
	return nil
}
