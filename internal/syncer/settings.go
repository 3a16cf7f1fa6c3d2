package syncer

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/idflow/internal/connector"
	"github.com/rendis/idflow/pkg/schema"
)

// CSVSettings configures a csv data source.
type CSVSettings struct {
	Path      string `json:"path" validate:"required"`
	Delimiter string `json:"delimiter,omitempty" validate:"omitempty,len=1"`
	Comment   string `json:"comment,omitempty" validate:"omitempty,len=1"`
	// IDField names the column holding a stable record id. Without it no
	// ids are tracked and missing-record cleanup never runs.
	IDField string `json:"id_field,omitempty"`
}

// DatabaseSettings configures a database data source. Either Query or Table
// selects the rows, and the stored connection is referenced by id or name.
type DatabaseSettings struct {
	ConnectionID int64  `json:"connection_id,omitempty" validate:"required_without=Connection"`
	Connection   string `json:"connection,omitempty" validate:"required_without=ConnectionID"`
	Query        string `json:"query,omitempty" validate:"required_without=Table"`
	Table        string `json:"table,omitempty" validate:"omitempty,sqlident"`
	OrderBy      string `json:"order_by,omitempty" validate:"omitempty,sqlident"`
	IDField      string `json:"id_field,omitempty"`
	PageSize     int    `json:"page_size,omitempty" validate:"omitempty,min=1,max=100000"`
}

// DirectorySettings configures a directory data source.
type DirectorySettings struct {
	connector.DirectoryConfig
	// IDAttribute names the attribute used as record id. Empty uses the DN.
	IDAttribute string `json:"id_attribute,omitempty"`
}

const defaultDBPageSize = 500

var (
	validate  = newValidator()
	identExpr = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("sqlident", func(fl validator.FieldLevel) bool {
		return identExpr.MatchString(fl.Field().String())
	})
	return v
}

// decodeSettings unmarshals raw into dst and validates it.
func decodeSettings(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "decode data source settings: %s", err.Error()).WithCause(err)
	}
	if err := validate.Struct(dst); err != nil {
		return settingsError(err)
	}
	return nil
}

func settingsError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return schema.NewError(schema.ErrCodeConfiguration, "invalid data source settings").WithCause(err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return schema.NewErrorf(schema.ErrCodeConfiguration, "invalid data source settings: %s", strings.Join(msgs, "; ")).
		WithDetails(map[string]any{"violations": msgs})
}
