package enforcement_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qubitcloud/cost-guard/internal/enforcement"
	"github.com/qubitcloud/cost-guard/internal/event"
)

const policyARN = "arn:aws:iam::111122223333:policy/DenyQuantumTaskCreation"

type binderCall struct {
	op        string
	principal enforcement.Principal
	policy    string
}

// recordBinder records every call and fails the principals listed in failOn.
type recordBinder struct {
	calls  []binderCall
	failOn map[string]error
}

func (b *recordBinder) do(op string, p enforcement.Principal, policy string) error {
	b.calls = append(b.calls, binderCall{op: op, principal: p, policy: policy})
	if err, ok := b.failOn[p.Name]; ok {
		return err
	}
	return nil
}

func (b *recordBinder) Attach(_ context.Context, p enforcement.Principal, policy string) error {
	return b.do("attach", p, policy)
}

func (b *recordBinder) Detach(_ context.Context, p enforcement.Principal, policy string) error {
	return b.do("detach", p, policy)
}

type recordNotifier struct {
	subjects []string
	messages []string
	err      error
}

func (n *recordNotifier) Publish(_ context.Context, subject, message string) error {
	n.subjects = append(n.subjects, subject)
	n.messages = append(n.messages, message)
	return n.err
}

func testConfig() enforcement.Config {
	return enforcement.Config{
		PolicyARN: policyARN,
		Roles:     []string{"research-role"},
		Groups:    []string{"physicists"},
		Users:     []string{"alice", "bob"},
	}
}

func TestOnAlarmTransition_AttachesOnAlarm(t *testing.T) {
	binder := &recordBinder{}
	notifier := &recordNotifier{}
	c := enforcement.NewController(binder, notifier, testConfig())

	ev := event.AlarmTransition{AlarmName: "Quantum Task Cost Monthly Aggregate", State: event.StateAlarm}
	require.NoError(t, c.OnAlarmTransition(context.Background(), ev))

	require.Len(t, binder.calls, 4)
	var names []string
	for _, call := range binder.calls {
		assert.Equal(t, "attach", call.op)
		assert.Equal(t, policyARN, call.policy)
		names = append(names, call.principal.Name)
	}
	assert.ElementsMatch(t, []string{"research-role", "physicists", "alice", "bob"}, names)

	require.Len(t, notifier.messages, 1)
	assert.Equal(t, "Quantum Cost Control Policy Attached", notifier.subjects[0])
	assert.Equal(t,
		"A cost alarm state change triggered attachment of policy "+policyARN+
			" to roles [research-role], groups [physicists] and users [alice,bob].",
		notifier.messages[0])
}

func TestOnAlarmTransition_DetachesOnOK(t *testing.T) {
	binder := &recordBinder{}
	notifier := &recordNotifier{}
	c := enforcement.NewController(binder, notifier, testConfig())

	ev := event.AlarmTransition{AlarmName: "Quantum Task Cost Monthly Aggregate", State: event.StateOK}
	require.NoError(t, c.OnAlarmTransition(context.Background(), ev))

	require.Len(t, binder.calls, 4)
	for _, call := range binder.calls {
		assert.Equal(t, "detach", call.op)
	}
	require.Len(t, notifier.subjects, 1)
	assert.Equal(t, "Quantum Cost Control Policy Detached", notifier.subjects[0])
}

func TestOnAlarmTransition_FailureDoesNotStopFanOut(t *testing.T) {
	boom := errors.New("throttled")
	binder := &recordBinder{failOn: map[string]error{"physicists": boom}}
	notifier := &recordNotifier{}
	c := enforcement.NewController(binder, notifier, testConfig())

	ev := event.AlarmTransition{AlarmName: "a", State: event.StateAlarm}
	err := c.OnAlarmTransition(context.Background(), ev)
	require.ErrorIs(t, err, boom)

	// Every principal was still attempted and the operator was notified.
	assert.Len(t, binder.calls, 4)
	assert.Len(t, notifier.messages, 1)
}

func TestOnAlarmTransition_NotifyFailureReported(t *testing.T) {
	boom := errors.New("topic gone")
	binder := &recordBinder{}
	notifier := &recordNotifier{err: boom}
	c := enforcement.NewController(binder, notifier, testConfig())

	ev := event.AlarmTransition{AlarmName: "a", State: event.StateAlarm}
	err := c.OnAlarmTransition(context.Background(), ev)
	require.ErrorIs(t, err, boom)
	assert.Len(t, binder.calls, 4)
}

func TestOnAlarmTransition_RepeatedAlarmIsIdempotent(t *testing.T) {
	binder := &recordBinder{}
	c := enforcement.NewController(binder, &recordNotifier{}, testConfig())
	ctx := context.Background()

	ev := event.AlarmTransition{AlarmName: "a", State: event.StateAlarm}
	require.NoError(t, c.OnAlarmTransition(ctx, ev))
	require.NoError(t, c.OnAlarmTransition(ctx, ev))
	assert.Len(t, binder.calls, 8)
}

func TestOnAlarmTransition_IgnoresOtherStates(t *testing.T) {
	binder := &recordBinder{}
	notifier := &recordNotifier{}
	c := enforcement.NewController(binder, notifier, testConfig())

	ev := event.AlarmTransition{AlarmName: "a", State: "INSUFFICIENT_DATA"}
	require.NoError(t, c.OnAlarmTransition(context.Background(), ev))
	assert.Empty(t, binder.calls)
	assert.Empty(t, notifier.messages)
}
