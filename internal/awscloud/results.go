package awscloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/tidwall/gjson"

	"github.com/qubitcloud/cost-guard/internal/pricing"
)

// executionDurationPath locates the simulator execution duration (in
// milliseconds) inside a task result document.
const executionDurationPath = "additionalMetadata.simulatorMetadata.executionDuration"

// S3API is the subset of the S3 API the result reader uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ResultReader reads simulator execution durations from task result
// documents in the task service's output bucket. Task results land at
// <prefix>/<task-id>/results.json after completion; a completion event can
// arrive before the object does, which surfaces as ErrResultNotReady.
type ResultReader struct {
	client S3API
	bucket string
	prefix string
}

// NewResultReader builds a reader over bucket/prefix.
func NewResultReader(client S3API, bucket, prefix string) *ResultReader {
	return &ResultReader{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// ExecutionDuration reads the realized execution duration for a completed
// simulator task.
func (r *ResultReader) ExecutionDuration(ctx context.Context, task pricing.TaskDescriptor) (time.Duration, error) {
	key := r.resultKey(task.TaskID)
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return 0, pricing.ErrResultNotReady
		}
		return 0, fmt.Errorf("awscloud: get result %s: %w", key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return 0, fmt.Errorf("awscloud: read result %s: %w", key, err)
	}

	duration := gjson.GetBytes(body, executionDurationPath)
	if !duration.Exists() {
		// Object written but metadata not final yet.
		return 0, pricing.ErrResultNotReady
	}
	return time.Duration(duration.Int()) * time.Millisecond, nil
}

func (r *ResultReader) resultKey(taskID string) string {
	// Keys are laid out by the task id's trailing segment.
	id := taskID
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	if r.prefix == "" {
		return id + "/results.json"
	}
	return r.prefix + "/" + id + "/results.json"
}
