package commands

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	iamerrors "github.com/systmms/iamsvc/internal/errors"
	"github.com/systmms/iamsvc/internal/lifecycle"
	"github.com/systmms/iamsvc/internal/metadata"
)

//go:embed schemas/*.json
var schemas embed.FS

// onboardFile is the JSON document accepted by 'iamsvc onboard --file'.
type onboardFile struct {
	AccountID          string               `json:"awsAccountId"`
	UserName           string               `json:"userName"`
	AccountName        string               `json:"awsAccountName,omitempty"`
	CreatedAtEpoch     int64                `json:"createdAtEpoch,omitempty"`
	OwnerNtid          string               `json:"owner_ntid"`
	OwnerEmail         string               `json:"owner_email"`
	ApplicationID      string               `json:"application_id"`
	ApplicationName    string               `json:"application_name"`
	ApplicationTag     string               `json:"application_tag"`
	ADSelfSupportGroup string               `json:"adSelfSupportGroup,omitempty"`
	Secrets            []metadata.AccessKey `json:"secret"`
}

func (f onboardFile) request() lifecycle.OnboardRequest {
	return lifecycle.OnboardRequest{
		AccountID:          f.AccountID,
		UserName:           f.UserName,
		AccountName:        f.AccountName,
		CreatedAtEpoch:     f.CreatedAtEpoch,
		OwnerNtid:          f.OwnerNtid,
		OwnerEmail:         f.OwnerEmail,
		ApplicationID:      f.ApplicationID,
		ApplicationName:    f.ApplicationName,
		ApplicationTag:     f.ApplicationTag,
		ADSelfSupportGroup: f.ADSelfSupportGroup,
		Secrets:            f.Secrets,
	}
}

// transferFile is the JSON document accepted by 'iamsvc transfer --file'.
type transferFile struct {
	AccountID       string `json:"awsAccountId"`
	UserName        string `json:"userName"`
	OwnerNtid       string `json:"owner_ntid,omitempty"`
	OwnerEmail      string `json:"owner_email,omitempty"`
	ApplicationID   string `json:"application_id,omitempty"`
	ApplicationName string `json:"application_name,omitempty"`
	ApplicationTag  string `json:"application_tag,omitempty"`

	ADSelfSupportGroup string `json:"adSelfSupportGroup,omitempty"`
}

func (f transferFile) request() lifecycle.TransferRequest {
	return lifecycle.TransferRequest{
		AccountID:       f.AccountID,
		UserName:        f.UserName,
		OwnerNtid:       f.OwnerNtid,
		OwnerEmail:      f.OwnerEmail,
		ApplicationID:   f.ApplicationID,
		ApplicationName: f.ApplicationName,
		ApplicationTag:  f.ApplicationTag,

		ADSelfSupportGroup: f.ADSelfSupportGroup,
	}
}

// readRequest reads a JSON request from path ("-" is stdin), validates it
// against the named embedded schema and decodes it into v.
func readRequest(path string, stdin io.Reader, schema string, v interface{}) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("failed to read request: %w", err)
	}
	if err := validateRequest(schema, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse request: %w", err)
	}
	return nil
}

func validateRequest(schema string, data []byte) error {
	raw, err := schemas.ReadFile("schemas/" + schema + ".json")
	if err != nil {
		return fmt.Errorf("unknown request schema %q: %w", schema, err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(raw), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return iamerrors.UserError{
			Message:    "Request is not valid JSON",
			Details:    err.Error(),
			Suggestion: "Check the file with 'jq . <file>'",
			Err:        err,
		}
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return iamerrors.UserError{
			Message: fmt.Sprintf("Invalid %s request", schema),
			Details: "  - " + strings.Join(problems, "\n  - "),
		}
	}
	return nil
}
