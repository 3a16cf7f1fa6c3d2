package schema

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionWarning   ExecutionStatus = "warning"
	ExecutionError     ExecutionStatus = "error"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionWarning, ExecutionError, ExecutionCancelled:
		return true
	}
	return false
}

// ActionStatus is the lifecycle state of a single action execution.
type ActionStatus string

const (
	ActionPending ActionStatus = "pending"
	ActionRunning ActionStatus = "running"
	ActionSuccess ActionStatus = "success"
	ActionWarning ActionStatus = "warning"
	ActionError   ActionStatus = "error"
	ActionSkipped ActionStatus = "skipped"
)

// IsTerminal reports whether the action execution has been completed.
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case ActionSuccess, ActionWarning, ActionError, ActionSkipped:
		return true
	}
	return false
}

// SyncStatus is the state of a sync record.
type SyncStatus string

const (
	SyncRunning SyncStatus = "running"
	SyncSuccess SyncStatus = "success"
	SyncWarning SyncStatus = "warning"
	SyncError   SyncStatus = "error"
)

// DataSourceStatus is the operational state of a data source.
type DataSourceStatus string

const (
	DataSourceActive         DataSourceStatus = "active"
	DataSourceSyncing        DataSourceStatus = "syncing"
	DataSourceError          DataSourceStatus = "error"
	DataSourceNeedsAttention DataSourceStatus = "needs_attention"
)

// ValidExecutionTransitions defines the allowed workflow execution state transitions.
var ValidExecutionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending: {ExecutionRunning, ExecutionCancelled, ExecutionError},
	ExecutionRunning: {ExecutionSuccess, ExecutionWarning, ExecutionError, ExecutionCancelled},
}

// ValidActionTransitions defines the allowed action execution state transitions.
// A pending execution may be completed directly when it never runs
// (skipped, disabled, unknown handler, invalid parameters).
var ValidActionTransitions = map[ActionStatus][]ActionStatus{
	ActionPending: {ActionRunning, ActionSkipped, ActionError},
	ActionRunning: {ActionSuccess, ActionWarning, ActionError},
}

// CanTransitionExecution reports whether from -> to is allowed.
func CanTransitionExecution(from, to ExecutionStatus) bool {
	for _, s := range ValidExecutionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionAction reports whether from -> to is allowed.
func CanTransitionAction(from, to ActionStatus) bool {
	for _, s := range ValidActionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
