package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Actions
	CreateAction(ctx context.Context, a *Action) error
	GetAction(ctx context.Context, id int64) (*Action, error)
	GetActionByName(ctx context.Context, name string) (*Action, error)
	UpdateAction(ctx context.Context, id int64, update ActionUpdate) error
	ListActions(ctx context.Context) ([]*Action, error)
	DeleteAction(ctx context.Context, id int64) error

	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id int64) (*Workflow, error)
	GetWorkflowByName(ctx context.Context, name string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id int64, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context) ([]*Workflow, error)

	// Workflow action bindings (Action is populated on reads)
	CreateWorkflowAction(ctx context.Context, wa *WorkflowAction) error
	UpdateWorkflowActionParameters(ctx context.Context, id int64, params map[string]any) error
	UpdateWorkflowActionContinueOnError(ctx context.Context, id int64, continueOnError bool) error
	ListWorkflowActions(ctx context.Context, workflowID int64) ([]*WorkflowAction, error)
	FindWorkflowAction(ctx context.Context, workflowID, actionID int64, nodeID string) (*WorkflowAction, error)

	// Workflow executions
	CreateExecution(ctx context.Context, exec *WorkflowExecution) error
	GetExecution(ctx context.Context, id int64) (*WorkflowExecution, error)
	UpdateExecution(ctx context.Context, id int64, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*WorkflowExecution, error)

	// Action executions
	CreateActionExecution(ctx context.Context, ae *ActionExecution) error
	UpdateActionExecution(ctx context.Context, id int64, update ActionExecutionUpdate) error
	ListActionExecutions(ctx context.Context, executionID int64) ([]*ActionExecution, error)

	// Database connections
	CreateConnection(ctx context.Context, c *DatabaseConnection) error
	GetConnection(ctx context.Context, id int64) (*DatabaseConnection, error)
	GetConnectionByName(ctx context.Context, name string) (*DatabaseConnection, error)

	// Data sources
	CreateDataSource(ctx context.Context, ds *DataSource) error
	GetDataSource(ctx context.Context, id int64) (*DataSource, error)
	GetDataSourceByName(ctx context.Context, name string) (*DataSource, error)
	UpdateDataSource(ctx context.Context, id int64, update DataSourceUpdate) error
	ListDataSources(ctx context.Context) ([]*DataSource, error)

	// Sync records. CreateSyncRecord returns CONFLICT while another record
	// for the same data source is running.
	CreateSyncRecord(ctx context.Context, rec *SyncRecord) error
	GetSyncRecord(ctx context.Context, id int64) (*SyncRecord, error)
	GetRunningSyncRecord(ctx context.Context, dataSourceID int64) (*SyncRecord, error)
	CompleteSyncRecord(ctx context.Context, id int64, c SyncCompletion) error
	ListSyncRecords(ctx context.Context, dataSourceID int64, limit int) ([]*SyncRecord, error)
	RecoverStuckSyncRecords(ctx context.Context, startedBefore time.Time, message string) ([]*SyncRecord, error)

	// Field mappings
	CreateFieldMapping(ctx context.Context, m *ProfileFieldMapping) error
	ListFieldMappings(ctx context.Context, dataSourceID int64) ([]*ProfileFieldMapping, error)

	// Persons
	CreatePerson(ctx context.Context, p *Person) error
	GetPerson(ctx context.Context, id int64) (*Person, error)
	GetPersonByUniqueID(ctx context.Context, uniqueID string) (*Person, error)
	GetPersonByEmail(ctx context.Context, email string) (*Person, error)
	UpdatePerson(ctx context.Context, p *Person) error
	ListPersons(ctx context.Context, filter PersonFilter) ([]*Person, error)

	// Attribute provenance
	CreateAttributeSource(ctx context.Context, as *AttributeSource) error
	SetAttributeSourceCurrent(ctx context.Context, id int64, current bool, at time.Time) error
	ListAttributeSources(ctx context.Context, filter AttributeFilter) ([]*AttributeSource, error)

	// Change history (append-only)
	AppendAttributeChange(ctx context.Context, c *ProfileAttributeChange) error
	ListAttributeChanges(ctx context.Context, filter ChangeFilter) ([]*ProfileAttributeChange, error)

	// Scheduled Jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Secrets (values are opaque ciphertext)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
