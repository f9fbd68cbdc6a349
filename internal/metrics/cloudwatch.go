// Package metrics publishes engine counters to CloudWatch.
package metrics

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"eventmail/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch implements types.MetricsRecorder with one PutMetricData call per
// datum. Callers run inside Lambda invocations, so nothing is buffered past
// the call.
type CloudWatch struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

var _ types.MetricsRecorder = (*CloudWatch)(nil)

// NewCloudWatch creates a recorder publishing to namespace, falling back to
// types.MetricNamespace.
func NewCloudWatch(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatch {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	return &CloudWatch{client: client, namespace: namespace, logger: logger}
}

// Count emits a Count datum. Dimensions are sorted by name so identical
// series always serialize the same way.
func (m *CloudWatch) Count(ctx context.Context, name string, value float64, dims map[string]string) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(value),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dimensions(dims),
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record metric",
			"error", err.Error(),
			"metric", name,
		)
	}
}

func dimensions(dims map[string]string) []cwtypes.Dimension {
	if len(dims) == 0 {
		return nil
	}
	names := make([]string, 0, len(dims))
	for k := range dims {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]cwtypes.Dimension, 0, len(names))
	for _, k := range names {
		out = append(out, cwtypes.Dimension{
			Name:  aws.String(k),
			Value: aws.String(dims[k]),
		})
	}
	return out
}
