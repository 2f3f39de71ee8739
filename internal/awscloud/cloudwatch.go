package awscloud

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/qubitcloud/cost-guard/internal/aggregator"
)

// CloudWatchAPI is the subset of the CloudWatch API the emitter uses.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// MetricEmitter publishes aggregator metric data to CloudWatch. The
// threshold alarms evaluate the aggregate metrics it emits.
type MetricEmitter struct {
	client    CloudWatchAPI
	namespace string
}

// NewMetricEmitter builds an emitter publishing into namespace.
func NewMetricEmitter(client CloudWatchAPI, namespace string) *MetricEmitter {
	return &MetricEmitter{client: client, namespace: namespace}
}

// Emit publishes all data in one PutMetricData call.
func (e *MetricEmitter) Emit(ctx context.Context, data []aggregator.Datum) error {
	metricData := make([]types.MetricDatum, 0, len(data))
	for _, d := range data {
		datum := types.MetricDatum{
			MetricName: aws.String(d.Name),
			Timestamp:  aws.Time(d.Timestamp),
			Value:      aws.Float64(d.Value),
			Unit:       types.StandardUnitCount,
		}
		// Sorted for deterministic request shapes.
		keys := make([]string, 0, len(d.Dimensions))
		for k := range d.Dimensions {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			datum.Dimensions = append(datum.Dimensions, types.Dimension{
				Name:  aws.String(k),
				Value: aws.String(d.Dimensions[k]),
			})
		}
		metricData = append(metricData, datum)
	}

	_, err := e.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(e.namespace),
		MetricData: metricData,
	})
	if err != nil {
		return fmt.Errorf("awscloud: put metric data: %w", err)
	}
	return nil
}
