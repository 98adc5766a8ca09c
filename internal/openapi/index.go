// Package openapi embeds the HTTP API contract and indexes its operations by
// operationId. Request bodies are checked against the contract's schemas
// before they reach a handler.
package openapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/stagegate/model"
)

//go:embed openapi.yaml
var contract []byte

// IndexedOperation holds a resolved OpenAPI operation with its context.
type IndexedOperation struct {
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
	Responses    *openapi3.Responses
}

// Index is an in-memory index of the contract's operations keyed by
// operationId.
type Index struct {
	raw        []byte
	operations map[string]IndexedOperation
}

// Load parses and validates the embedded contract.
func Load() (*Index, error) {
	return LoadData(contract)
}

// LoadData parses and validates an OpenAPI document and indexes every
// operation that carries an operationId.
func LoadData(data []byte) (*Index, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading contract: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("openapi: validating contract: %w", err)
	}

	idx := &Index{
		raw:        data,
		operations: make(map[string]IndexedOperation),
	}
	for path, pathItem := range doc.Paths.Map() {
		for method, op := range pathItem.Operations() {
			if op.OperationID == "" {
				continue
			}
			if _, dup := idx.operations[op.OperationID]; dup {
				return nil, fmt.Errorf("openapi: duplicate operationId %q", op.OperationID)
			}

			// Merge path-level and operation-level parameters.
			params := make([]*openapi3.Parameter, 0)
			for _, ref := range pathItem.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			for _, ref := range op.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}

			var reqBody *openapi3.RequestBody
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				reqBody = op.RequestBody.Value
			}

			idx.operations[op.OperationID] = IndexedOperation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   params,
				RequestBody:  reqBody,
				Responses:    op.Responses,
			}
		}
	}
	return idx, nil
}

// Raw returns the contract document as it was loaded.
func (idx *Index) Raw() []byte {
	return idx.raw
}

// GetOperation returns the indexed operation for the given operation ID.
func (idx *Index) GetOperation(operationID string) (IndexedOperation, bool) {
	op, ok := idx.operations[operationID]
	return op, ok
}

// AllOperationIDs returns every indexed operation ID, sorted.
func (idx *Index) AllOperationIDs() []string {
	ids := make([]string, 0, len(idx.operations))
	for id := range idx.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateRequest checks a JSON request body against the operation's
// application/json request schema. It returns nil when the body conforms or
// when the operation declares no JSON body.
func (idx *Index) ValidateRequest(operationID string, body []byte) []model.FieldError {
	op, ok := idx.operations[operationID]
	if !ok {
		return []model.FieldError{{
			Code:    "UNKNOWN_OPERATION",
			Message: fmt.Sprintf("operation %s not found", operationID),
		}}
	}
	if op.RequestBody == nil {
		return nil
	}
	ct := op.RequestBody.Content.Get("application/json")
	if ct == nil || ct.Schema == nil || ct.Schema.Value == nil {
		return nil
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		if op.RequestBody.Required {
			return []model.FieldError{{Code: "REQUIRED", Message: "request body is required"}}
		}
		return nil
	}

	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return []model.FieldError{{Code: "INVALID_JSON", Message: "request body is not valid JSON"}}
	}

	err := ct.Schema.Value.VisitJSON(value, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return fieldErrors(err)
}

// fieldErrors flattens kin-openapi schema errors into field errors.
func fieldErrors(err error) []model.FieldError {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		var out []model.FieldError
		for _, e := range multi {
			out = append(out, fieldErrors(e)...)
		}
		return out
	}

	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		return []model.FieldError{{
			Field:   strings.Join(se.JSONPointer(), "."),
			Code:    schemaErrorCode(se.SchemaField),
			Message: se.Reason,
		}}
	}
	return []model.FieldError{{Code: "INVALID", Message: err.Error()}}
}

func schemaErrorCode(schemaField string) string {
	switch schemaField {
	case "required":
		return "REQUIRED"
	case "additionalProperties", "properties":
		return "UNKNOWN_FIELD"
	case "type":
		return "INVALID_TYPE"
	case "minLength", "maxLength", "minimum", "maximum", "enum":
		return "OUT_OF_RANGE"
	default:
		return "INVALID"
	}
}
