package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/idflow/pkg/schema"
)

// Action is a reusable, typed unit of work.
type Action struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	ActionType  schema.ActionType `json:"action_type"`
	Parameters  map[string]any    `json:"parameters"`
	IsActive    bool              `json:"is_active"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ActionUpdate holds mutable action fields. Nil fields are left unchanged.
type ActionUpdate struct {
	Name        *string
	Description *string
	Parameters  map[string]any
	IsActive    *bool
}

// Workflow is a named, versioned container of workflow actions.
// Graph is nil for sequential workflows.
type Workflow struct {
	ID          int64                `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Version     int                  `json:"version"`
	IsActive    bool                 `json:"is_active"`
	Graph       schema.WorkflowGraph `json:"workflow_data,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// WorkflowUpdate holds mutable workflow fields. Every persisted update bumps Version.
type WorkflowUpdate struct {
	Name        *string
	Description *string
	IsActive    *bool
	Graph       schema.WorkflowGraph
	ClearGraph  bool
}

// WorkflowAction binds an Action into a Workflow.
// Sequence orders sequential mode; NodeID identifies the binding in graph mode.
type WorkflowAction struct {
	ID              int64          `json:"id"`
	WorkflowID      int64          `json:"workflow_id"`
	ActionID        int64          `json:"action_id"`
	Sequence        int            `json:"sequence"`
	NodeID          string         `json:"node_id,omitempty"`
	Condition       string         `json:"condition,omitempty"`
	ContinueOnError bool           `json:"continue_on_error"`
	Parameters      map[string]any `json:"parameters"`

	Action *Action `json:"action,omitempty"`
}

// WorkflowExecution is one run of a workflow.
type WorkflowExecution struct {
	ID           int64                  `json:"id"`
	WorkflowID   int64                  `json:"workflow_id"`
	Status       schema.ExecutionStatus `json:"status"`
	Parameters   map[string]any         `json:"parameters"`
	TriggeredBy  string                 `json:"triggered_by,omitempty"`
	ResultData   *schema.RunResult      `json:"result_data,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	StartTime    *time.Time             `json:"start_time,omitempty"`
	EndTime      *time.Time             `json:"end_time,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// ExecutionUpdate holds fields to change on a workflow execution.
type ExecutionUpdate struct {
	Status       *schema.ExecutionStatus
	Parameters   map[string]any
	ResultData   *schema.RunResult
	ErrorMessage *string
	StartTime    *time.Time
	EndTime      *time.Time
}

// ExecutionFilter controls ListExecutions.
type ExecutionFilter struct {
	WorkflowID int64
	Status     *schema.ExecutionStatus
	Limit      int
	Offset     int
}

// ActionExecution is one action invocation inside a workflow execution.
type ActionExecution struct {
	ID                  int64               `json:"id"`
	WorkflowExecutionID int64               `json:"workflow_execution_id"`
	WorkflowActionID    int64               `json:"workflow_action_id"`
	Status              schema.ActionStatus `json:"status"`
	InputData           map[string]any      `json:"input_data,omitempty"`
	OutputData          map[string]any      `json:"output_data,omitempty"`
	ErrorMessage        string              `json:"error_message,omitempty"`
	StartTime           *time.Time          `json:"start_time,omitempty"`
	EndTime             *time.Time          `json:"end_time,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`

	WorkflowAction *WorkflowAction `json:"-"`
}

// ActionExecutionUpdate holds fields to change on an action execution.
type ActionExecutionUpdate struct {
	Status       *schema.ActionStatus
	InputData    map[string]any
	OutputData   map[string]any
	ErrorMessage *string
	StartTime    *time.Time
	EndTime      *time.Time
}

// DatabaseConnection is a named connection used by database_query and database data sources.
type DatabaseConnection struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Driver         string    `json:"driver"` // postgres | sqlite
	DSN            string    `json:"dsn"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	MaxRetries     int       `json:"max_retries"`
	RetryDelayMs   int       `json:"retry_delay_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// DataSource is a configured upstream feeding the reconciliation pipeline.
// Settings holds the per-type configuration (see the syncer package).
type DataSource struct {
	ID                    int64                   `json:"id"`
	Name                  string                  `json:"name"`
	Type                  schema.DataSourceType   `json:"type"`
	Settings              json.RawMessage         `json:"settings"`
	IsActive              bool                    `json:"is_active"`
	IdentityResolution    bool                    `json:"identity_resolution"`
	MatchingMethod        schema.MatchingMethod   `json:"matching_method"`
	CreateMissingProfiles bool                    `json:"create_missing_profiles"`
	SyncDeleted           bool                    `json:"sync_deleted"`
	Status                schema.DataSourceStatus `json:"status"`
	LastSyncAt            *time.Time              `json:"last_sync_at,omitempty"`
	CreatedAt             time.Time               `json:"created_at"`
	UpdatedAt             time.Time               `json:"updated_at"`
}

// DataSourceUpdate holds fields to change on a data source.
type DataSourceUpdate struct {
	Status     *schema.DataSourceStatus
	LastSyncAt *time.Time
	Settings   json.RawMessage
	IsActive   *bool
}

// SyncRecord is the outcome of one sync run.
type SyncRecord struct {
	ID               int64             `json:"id"`
	DataSourceID     int64             `json:"datasource_id"`
	Status           schema.SyncStatus `json:"status"`
	RecordsProcessed int               `json:"records_processed"`
	RecordsCreated   int               `json:"records_created"`
	RecordsUpdated   int               `json:"records_updated"`
	RecordsDeleted   int               `json:"records_deleted"`
	RecordsFailed    int               `json:"records_failed"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	TriggeredBy      string            `json:"triggered_by,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// SyncCompletion carries the final counts of a sync record.
type SyncCompletion struct {
	Status           schema.SyncStatus
	RecordsProcessed int
	RecordsCreated   int
	RecordsUpdated   int
	RecordsDeleted   int
	RecordsFailed    int
	ErrorMessage     string
	CompletedAt      time.Time
}

// Person is a canonical identity.
type Person struct {
	ID             int64          `json:"id"`
	UniqueID       string         `json:"unique_id"`
	FirstName      string         `json:"first_name,omitempty"`
	LastName       string         `json:"last_name,omitempty"`
	DisplayName    string         `json:"display_name,omitempty"`
	Email          string         `json:"email,omitempty"`
	SecondaryEmail string         `json:"secondary_email,omitempty"`
	Phone          string         `json:"phone,omitempty"`
	Status         string         `json:"status,omitempty"`
	Attributes     map[string]any `json:"attributes"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// PersonFilter controls ListPersons. Field names a direct person column.
type PersonFilter struct {
	Status          string
	Field           string
	FieldValue      string
	CaseInsensitive bool
	Contains        bool
	Limit           int
	Offset          int
}

// AttributeSource is a provenance-tagged value of one profile attribute.
type AttributeSource struct {
	ID             int64     `json:"id"`
	PersonID       int64     `json:"person_id"`
	AttributeName  string    `json:"attribute_name"`
	AttributeValue string    `json:"attribute_value"`
	DataSourceID   int64     `json:"datasource_id"`
	MappingID      int64     `json:"mapping_id,omitempty"`
	SourceRecordID string    `json:"source_record_id,omitempty"`
	FirstSeen      time.Time `json:"first_seen"`
	LastUpdated    time.Time `json:"last_updated"`
	IsCurrent      bool      `json:"is_current"`

	// Priority is joined from the mapping on reads; it is not stored on the row.
	Priority int `json:"priority"`
}

// AttributeFilter controls ListAttributeSources. Zero values are ignored.
type AttributeFilter struct {
	PersonID      int64
	DataSourceID  int64
	AttributeName string
	Value         string
	CurrentOnly   bool
	// MatchMode applies to Value: "" or "exact", "case_insensitive", "contains".
	MatchMode string
}

// ProfileAttributeChange is an append-only change log entry.
type ProfileAttributeChange struct {
	ID            int64             `json:"id"`
	PersonID      int64             `json:"person_id"`
	AttributeName string            `json:"attribute_name"`
	OldValue      string            `json:"old_value,omitempty"`
	NewValue      string            `json:"new_value,omitempty"`
	ChangeType    schema.ChangeType `json:"change_type"`
	ChangedAt     time.Time         `json:"changed_at"`
	DataSourceID  int64             `json:"datasource_id,omitempty"`
	SyncRecordID  int64             `json:"sync_record_id,omitempty"`
}

// ChangeFilter controls ListAttributeChanges.
type ChangeFilter struct {
	PersonID     int64
	DataSourceID int64
	SyncRecordID int64
	ChangeType   schema.ChangeType
	Limit        int
}

// ProfileFieldMapping maps a source field of a data source onto a profile attribute.
type ProfileFieldMapping struct {
	ID               int64              `json:"id"`
	DataSourceID     int64              `json:"datasource_id"`
	SourceField      string             `json:"source_field"`
	ProfileAttribute string             `json:"profile_attribute"`
	MappingType      schema.MappingType `json:"mapping_type"`
	IsKeyField       bool               `json:"is_key_field"`
	Priority         int                `json:"priority"`
	IsMultivalued    bool               `json:"is_multivalued"`
	IsEnabled        bool               `json:"is_enabled"`
}

// ScheduledJob is a cron trigger for a workflow.
type ScheduledJob struct {
	ID             string         `json:"id"`
	WorkflowID     int64          `json:"workflow_id"`
	CronExpression string         `json:"cron_expression"`
	Params         map[string]any `json:"params,omitempty"`
	TriggeredBy    string         `json:"triggered_by"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ScheduledJobUpdate holds fields to change on a scheduled job.
type ScheduledJobUpdate struct {
	CronExpression *string
	Enabled        *bool
	LastRunAt      *time.Time
	NextRunAt      *time.Time
	LastRunStatus  string
}

// ScheduledJobFilter controls ListScheduledJobs.
type ScheduledJobFilter struct {
	WorkflowID int64
	Enabled    *bool
	Limit      int
}
