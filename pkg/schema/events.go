package schema

// Event type constants for the append-only execution log.
const (
	EventTriggerMatched    = "trigger_matched"
	EventScheduleFired     = "schedule_fired"
	EventInstanceStarted   = "instance_started"
	EventInstanceCompleted = "instance_completed"
	EventInstanceFailed    = "instance_failed"
	EventInstanceCancelled = "instance_cancelled"
	EventInstanceWaiting   = "instance_waiting"
	EventInstanceResumed   = "instance_resumed"

	EventNodeEntered        = "node_entered"
	EventConditionEvaluated = "condition_evaluated"
	EventConditionRetrying  = "condition_retrying"
	EventActionDispatched   = "action_dispatched"
	EventActionRetrying     = "action_retrying"
	EventActionFailed       = "action_failed"

	EventWaitStarted      = "wait_started"
	EventResponseReceived = "response_received"
	EventResponseRejected = "response_rejected"
	EventWaitTimedOut     = "wait_timed_out"
)

// InstanceStatus represents the lifecycle state of an execution instance.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "running"
	InstanceWaiting   InstanceStatus = "waiting"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceCancelled:
		return true
	}
	return false
}
