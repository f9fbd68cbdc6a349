package types

// Metric names published to CloudWatch. All components use these constants.
const (
	MetricEmailsSent        = "EmailsSent"
	MetricSendFailures      = "SendFailures"
	MetricSendsUnrecorded   = "SendsUnrecorded"
	MetricScheduledFailed   = "ScheduledEmailFailed"
	MetricWebhookEvents     = "WebhookEvents"
	MetricWebhookUnresolved = "WebhookUnresolved"
	MetricRetriesScheduled  = "RetriesScheduled"
	MetricRetriesExhausted  = "RetriesExhausted"
	MetricRetrySucceeded    = "RetrySucceeded"
	MetricAPIRequests       = "APIRequests"

	DimEventType = "EventType"
	DimSource    = "Source"
	DimRoute     = "Route"
	DimStatus    = "Status"

	MetricNamespace = "EventMail"
)
