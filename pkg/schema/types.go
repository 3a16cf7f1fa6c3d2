package schema

// ActionType is the closed set of action kinds the executor can dispatch.
type ActionType string

const (
	ActionDatabaseQuery     ActionType = "database_query"
	ActionDatasourceRefresh ActionType = "datasource_refresh"
	ActionIterator          ActionType = "iterator"
	ActionProfileCheck      ActionType = "profile_check"
	ActionProfileQuery      ActionType = "profile_query"
	ActionFileCreate        ActionType = "file_create"
)

// ActionTypes lists every dispatchable action type.
var ActionTypes = []ActionType{
	ActionDatabaseQuery,
	ActionDatasourceRefresh,
	ActionIterator,
	ActionProfileCheck,
	ActionProfileQuery,
	ActionFileCreate,
}

// Known reports whether t is one of the dispatchable action types.
func (t ActionType) Known() bool {
	for _, k := range ActionTypes {
		if k == t {
			return true
		}
	}
	return false
}

// DataSourceType selects the sync source implementation.
type DataSourceType string

const (
	DataSourceCSV       DataSourceType = "csv"
	DataSourceDatabase  DataSourceType = "database"
	DataSourceDirectory DataSourceType = "directory"
)

// MatchingMethod controls how key fields are compared against existing profiles.
type MatchingMethod string

const (
	MatchExact           MatchingMethod = "exact"
	MatchCaseInsensitive MatchingMethod = "case_insensitive"
	MatchFuzzy           MatchingMethod = "fuzzy"
	MatchCustom          MatchingMethod = "custom"
)

// MappingType controls how a source value is applied to a profile attribute.
type MappingType string

const (
	MappingDirect    MappingType = "direct"
	MappingTransform MappingType = "transform"
	MappingMulti     MappingType = "multi"
)

// ChangeType classifies a profile attribute change.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeModify ChangeType = "modify"
	ChangeRemove ChangeType = "remove"
)
