package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/pitabwire/stagegate/internal/openapi"
	"github.com/pitabwire/stagegate/model"
)

const maxReasonLength = 2000

type startRequest struct {
	OrderRef string `json:"order_ref"`
}

func (s *startRequest) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.OrderRef, validation.Required, validation.Length(1, 128)),
	)
}

type versionedRequest struct {
	ExpectedVersion int `json:"expected_version"`
}

func (v *versionedRequest) Validate() error {
	return validation.ValidateStruct(v,
		validation.Field(&v.ExpectedVersion, validation.Min(0)),
	)
}

type approveRequest struct {
	Role            string `json:"role"`
	Comment         string `json:"comment"`
	ExpectedVersion int    `json:"expected_version"`
}

func (a *approveRequest) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Role, validation.Required),
		validation.Field(&a.Comment, validation.Length(0, maxReasonLength)),
		validation.Field(&a.ExpectedVersion, validation.Min(0)),
	)
}

type rejectRequest struct {
	Role            string `json:"role"`
	Reason          string `json:"reason"`
	ExpectedVersion int    `json:"expected_version"`
}

func (rj *rejectRequest) Validate() error {
	return validation.ValidateStruct(rj,
		validation.Field(&rj.Role, validation.Required),
		validation.Field(&rj.Reason, validation.Length(0, maxReasonLength)),
		validation.Field(&rj.ExpectedVersion, validation.Min(0)),
	)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (c *cancelRequest) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Reason, validation.Length(0, maxReasonLength)),
	)
}

type attachEvidenceRequest struct {
	Reference       string `json:"reference"`
	FileName        string `json:"file_name"`
	ContentType     string `json:"content_type"`
	Size            int64  `json:"size"`
	ExpectedVersion int    `json:"expected_version"`
}

func (a *attachEvidenceRequest) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Reference, validation.Required, validation.Length(1, 1024)),
		validation.Field(&a.FileName, validation.Length(0, 255)),
		validation.Field(&a.ContentType, validation.Length(0, 255)),
		validation.Field(&a.Size, validation.Min(int64(0))),
		validation.Field(&a.ExpectedVersion, validation.Min(0)),
	)
}

// decodeBody reads a JSON body, checks it against the contract schema of
// operationID and then against dst's own rules. An empty body leaves dst at
// its zero value when the contract allows it.
func decodeBody(r *http.Request, contract *openapi.Index, operationID string, dst validation.Validatable) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return readError(err)
	}

	if contract != nil {
		if errs := contract.ValidateRequest(operationID, body); len(errs) > 0 {
			return model.NewValidationError(errs)
		}
	}

	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, dst); err != nil {
			return model.NewBadRequestError("invalid JSON body")
		}
	}

	if err := dst.Validate(); err != nil {
		return model.NewValidationError(fieldErrorsFrom(err))
	}
	return nil
}

// readError classifies a failed body read.
func readError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &model.ErrorEnvelope{
			Code:    errPayloadTooLarge,
			Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
		}
	}
	return model.NewBadRequestError("unable to read request body")
}

// fieldErrorsFrom converts ozzo validation errors into field errors, sorted
// by field name.
func fieldErrorsFrom(err error) []model.FieldError {
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		return []model.FieldError{{Code: "INVALID", Message: err.Error()}}
	}

	fields := make([]string, 0, len(verrs))
	for f := range verrs {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	out := make([]model.FieldError, 0, len(fields))
	for _, f := range fields {
		fe := model.FieldError{Field: f, Code: "INVALID", Message: verrs[f].Error()}
		var ve validation.Error
		if errors.As(verrs[f], &ve) {
			fe.Code = strings.ToUpper(strings.TrimPrefix(ve.Code(), "validation_"))
		}
		out = append(out, fe)
	}
	return out
}
