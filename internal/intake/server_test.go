package intake_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qubitcloud/cost-guard/internal/aggregator"
	"github.com/qubitcloud/cost-guard/internal/enforcement"
	"github.com/qubitcloud/cost-guard/internal/intake"
	"github.com/qubitcloud/cost-guard/internal/ledger"
	"github.com/qubitcloud/cost-guard/internal/money"
	"github.com/qubitcloud/cost-guard/internal/pricing"
	"github.com/qubitcloud/cost-guard/internal/storage/sqlitestore"
)

const (
	taskARN   = "arn:aws:braket:us-east-1:111122223333:quantum-task/t1"
	deviceARN = "arn:aws:braket:::device/qpu/acme/qpu-X"
	userARN   = "arn:aws:iam::111122223333:user/alice"
)

const creationEnvelope = `{
	"detail-type": "AWS API Call via CloudTrail",
	"source": "aws.braket",
	"time": "2024-03-10T10:00:00Z",
	"detail": {
		"eventName": "CreateQuantumTask",
		"userIdentity": {"arn": "` + userARN + `"},
		"responseElements": {
			"quantumTaskArn": "` + taskARN + `",
			"status": "INITIALIZED"
		},
		"requestParameters": {"deviceArn": "` + deviceARN + `"}
	}
}`

const runningEnvelope = `{
	"detail-type": "Braket Task State Change",
	"source": "aws.braket",
	"time": "2024-03-10T10:05:00Z",
	"detail": {
		"quantumTaskArn": "` + taskARN + `",
		"deviceArn": "` + deviceARN + `",
		"status": "RUNNING",
		"shots": 100
	}
}`

const costedChange = `{
	"task_id": "` + taskARN + `",
	"user_identity": "` + userARN + `",
	"device_id": "` + deviceARN + `",
	"task_execution": "2024-03-10T10:05:00Z",
	"cost_micros": 12500000
}`

type captureEmitter struct {
	calls [][]aggregator.Datum
}

func (e *captureEmitter) Emit(_ context.Context, data []aggregator.Datum) error {
	e.calls = append(e.calls, data)
	return nil
}

type captureBinder struct {
	attached []enforcement.Principal
	detached []enforcement.Principal
}

func (b *captureBinder) Attach(_ context.Context, p enforcement.Principal, _ string) error {
	b.attached = append(b.attached, p)
	return nil
}

func (b *captureBinder) Detach(_ context.Context, p enforcement.Principal, _ string) error {
	b.detached = append(b.detached, p)
	return nil
}

type captureNotifier struct {
	messages []string
}

func (n *captureNotifier) Publish(_ context.Context, _, message string) error {
	n.messages = append(n.messages, message)
	return nil
}

type pipeline struct {
	srv     *httptest.Server
	server  *intake.Server
	store   *sqlitestore.Store
	emitter *captureEmitter
	binder  *captureBinder
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "cost-guard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	catalog := pricing.NewCatalog(nil)
	// Rate chosen so 100 shots lands on a round total: 0.30 + 100 * 0.122.
	catalog.QPURates["acme"] = pricing.QPURate{
		PerTask: money.MustParseUSD("0.30"),
		PerShot: money.MustParseUSD("0.122"),
	}

	emitter := &captureEmitter{}
	binder := &captureBinder{}
	server := intake.NewServer(
		ledger.NewLogger(store, catalog, 90),
		aggregator.NewMeter(store, emitter),
		enforcement.NewController(binder, &captureNotifier{}, enforcement.Config{
			PolicyARN: "arn:aws:iam::111122223333:policy/DenyQuantumTaskCreation",
			Roles:     []string{"research-role"},
			Users:     []string{"alice"},
		}),
	)
	srv := httptest.NewServer(server.Routes())
	t.Cleanup(srv.Close)
	return &pipeline{srv: srv, server: server, store: store, emitter: emitter, binder: binder}
}

func (p *pipeline) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(p.srv.URL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestPipeline_TaskLifecycleToAggregates(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	resp := p.post(t, "/events", creationEnvelope)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = p.post(t, "/events", runningEnvelope)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	rec, err := p.store.Get(ctx, taskARN)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, userARN, rec.UserIdentity)
	require.True(t, rec.Costed())
	assert.Equal(t, money.MustParseUSD("12.50"), *rec.Cost)

	resp = p.post(t, "/changes", costedChange)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	want := money.MustParseUSD("12.50")
	for _, bin := range []string{"all_time", "2024-03", "2024-03_" + userARN, "2024-03_" + deviceARN} {
		total, err := p.store.BinTotal(ctx, bin)
		require.NoError(t, err)
		assert.Equal(t, want, total, "bin %s", bin)
	}

	require.Len(t, p.emitter.calls, 1)
	data := p.emitter.calls[0]
	require.Len(t, data, 6)
	assert.Equal(t, aggregator.MetricTaskCost, data[0].Name)
	assert.Equal(t, 12.5, data[0].Value)
	assert.Equal(t, aggregator.MetricAggregateAllTime, data[2].Name)
	assert.Equal(t, 12.5, data[2].Value)
}

func TestPipeline_RedeliveryIsIdempotent(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusAccepted, p.post(t, "/events", creationEnvelope).StatusCode)
		assert.Equal(t, http.StatusAccepted, p.post(t, "/events", runningEnvelope).StatusCode)
		assert.Equal(t, http.StatusAccepted, p.post(t, "/changes", costedChange).StatusCode)
	}

	total, err := p.store.BinTotal(ctx, "all_time")
	require.NoError(t, err)
	assert.Equal(t, money.MustParseUSD("12.50"), total)
	assert.Len(t, p.emitter.calls, 1)
}

func TestPipeline_AlarmTriggersEnforcement(t *testing.T) {
	p := newPipeline(t)

	alarm := `{
		"detail-type": "CloudWatch Alarm State Change",
		"detail": {"alarmName": "Quantum Task Cost Monthly Aggregate", "state": {"value": "ALARM"}}
	}`
	assert.Equal(t, http.StatusAccepted, p.post(t, "/events", alarm).StatusCode)
	assert.Len(t, p.binder.attached, 2)
	assert.Empty(t, p.binder.detached)

	recover := `{
		"detail-type": "CloudWatch Alarm State Change",
		"detail": {"alarmName": "Quantum Task Cost Monthly Aggregate", "state": {"value": "OK"}}
	}`
	assert.Equal(t, http.StatusAccepted, p.post(t, "/events", recover).StatusCode)
	assert.Len(t, p.binder.detached, 2)
}

func TestPipeline_UnhandledEnvelopeAcknowledged(t *testing.T) {
	p := newPipeline(t)
	resp := p.post(t, "/events", `{"detail-type": "EC2 Instance State-change Notification", "detail": {}}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestPipeline_BadRequests(t *testing.T) {
	p := newPipeline(t)

	resp := p.post(t, "/events", `{"detail-type":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = p.post(t, "/changes", `{"cost_micros": 1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	getResp, err := http.Get(p.srv.URL + "/events")
	require.NoError(t, err)
	getResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)
}

type fixedReport struct{ html string }

func (r fixedReport) Render(context.Context, time.Time) (string, error) {
	return r.html, nil
}

func TestReport(t *testing.T) {
	p := newPipeline(t)

	resp, err := http.Get(p.srv.URL + "/report")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	p.server.WithSpendReport(fixedReport{html: "<table></table>"})
	resp, err = http.Get(p.srv.URL + "/report")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "<table></table>", string(body))
}

func TestHealth(t *testing.T) {
	p := newPipeline(t)
	resp, err := http.Get(p.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}
