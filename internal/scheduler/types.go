// Package scheduler runs the periodic maintenance tasks of the campaign
// engine: dispatching due emails, re-enqueueing lost retries, purging expired
// unsubscribe tokens and resolving send times whose reference date appeared
// after materialization.
//
// The MaintenancePayload is the JSON structure sent by EventBridge rules to
// the scheduler function, or built by the local cron loop.
package scheduler

// TaskType identifies which maintenance task a payload runs.
type TaskType string

const (
	TaskDispatchDue       TaskType = "dispatch_due"
	TaskScanRetries       TaskType = "scan_retries"
	TaskPurgeTokens       TaskType = "purge_unsubscribe_tokens"
	TaskRefreshUnresolved TaskType = "refresh_unresolved"
)

// Tasks describes every task in execution-priority order.
var Tasks = []struct {
	Type        TaskType
	Description string
}{
	{TaskDispatchDue, "Send scheduled emails that fell due"},
	{TaskScanRetries, "Re-enqueue soft bounce retries whose task was lost"},
	{TaskRefreshUnresolved, "Resolve send times of emails whose reference date was missing"},
	{TaskPurgeTokens, "Delete unsubscribe tokens expired beyond the retention period"},
}

// Valid reports whether t is a known task.
func (t TaskType) Valid() bool {
	for _, task := range Tasks {
		if task.Type == t {
			return true
		}
	}
	return false
}

// MaintenancePayload is the JSON payload of one scheduler invocation:
//
//	{
//	  "task": "refresh_unresolved",
//	  "event_id": "evt_123"  // optional, refresh_unresolved only
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// EventID narrows refresh_unresolved to one event. Empty means every
	// event with unresolved emails.
	EventID string `json:"event_id,omitempty"`
}
