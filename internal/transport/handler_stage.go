package transport

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/stagegate/internal/evidence"
	"github.com/pitabwire/stagegate/internal/observability"
	"github.com/pitabwire/stagegate/internal/openapi"
	"github.com/pitabwire/stagegate/internal/workflow"
	"github.com/pitabwire/stagegate/model"
)

// multipartMemory is the part of a multipart upload held in memory before
// spilling to temporary files.
const multipartMemory = 8 << 20

// EvidenceRecorder counts evidence uploads.
type EvidenceRecorder interface {
	RecordEvidenceUpload(status string, size int64)
}

type attachResponse struct {
	Evidence model.EvidenceItem `json:"evidence"`
	Instance model.InstanceView `json:"instance"`
}

// stageParams reads the instance and stage path parameters and tags the span.
func stageParams(r *http.Request) (instanceID, stageKey string) {
	instanceID = chi.URLParam(r, "instanceId")
	stageKey = chi.URLParam(r, "stageKey")
	annotate(r,
		observability.AttrInstanceID.String(instanceID),
		observability.AttrStageKey.String(stageKey),
	)
	return instanceID, stageKey
}

func handleAttachEvidence(engine *workflow.Engine, store evidence.Store, contract *openapi.Index, recorder EvidenceRecorder) http.HandlerFunc {
	record := func(status string, size int64) {
		if recorder != nil {
			recorder.RecordEvidenceUpload(status, size)
		}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		rctx := requireRequestContext(w, r)
		if rctx == nil {
			return
		}
		instanceID, stageKey := stageParams(r)

		var (
			item            model.EvidenceItem
			expectedVersion int
		)

		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediaType == "multipart/form-data" {
			if store == nil {
				WriteError(w, model.NewBadRequestError("evidence uploads are not enabled"))
				return
			}
			up, err := readUpload(r)
			if err != nil {
				record("rejected", 0)
				WriteError(w, err)
				return
			}
			ref, err := store.Put(r.Context(), up.data, up.contentType)
			if err != nil {
				record("error", 0)
				WriteError(w, err)
				return
			}
			record("stored", int64(len(up.data)))

			item = model.EvidenceItem{
				Reference:   ref,
				FileName:    up.fileName,
				ContentType: up.contentType,
				Size:        int64(len(up.data)),
			}
			expectedVersion = up.expectedVersion
		} else {
			var body attachEvidenceRequest
			if err := decodeBody(r, contract, "attachEvidence", &body); err != nil {
				WriteError(w, err)
				return
			}
			item = model.EvidenceItem{
				Reference:   body.Reference,
				FileName:    body.FileName,
				ContentType: body.ContentType,
				Size:        body.Size,
			}
			expectedVersion = body.ExpectedVersion
		}

		attached, inst, err := engine.AttachEvidence(r.Context(), rctx, instanceID, stageKey, item, expectedVersion)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, attachResponse{Evidence: attached, Instance: inst})
	}
}

type upload struct {
	data            []byte
	fileName        string
	contentType     string
	expectedVersion int
}

// readUpload extracts the "file" part and the optional expected_version
// field of a multipart evidence upload.
func readUpload(r *http.Request) (upload, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return upload{}, readError(err)
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		return upload{}, model.NewValidationError([]model.FieldError{
			{Field: "file", Code: "REQUIRED", Message: "a file part is required"},
		})
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return upload{}, readError(err)
	}
	if len(data) == 0 {
		return upload{}, model.NewValidationError([]model.FieldError{
			{Field: "file", Code: "EMPTY", Message: "the uploaded file is empty"},
		})
	}

	u := upload{
		data:        data,
		fileName:    header.Filename,
		contentType: header.Header.Get("Content-Type"),
	}
	if u.contentType == "" || u.contentType == "application/octet-stream" {
		u.contentType = http.DetectContentType(data)
	}

	if v := r.FormValue("expected_version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return upload{}, model.NewValidationError([]model.FieldError{
				{Field: "expected_version", Code: "INVALID_TYPE", Message: "expected_version must be a non-negative integer"},
			})
		}
		u.expectedVersion = n
	}
	return u, nil
}

func handleEvidenceContent(engine *workflow.Engine, store evidence.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requireRequestContext(w, r) == nil {
			return
		}
		instanceID, stageKey := stageParams(r)
		evidenceID := chi.URLParam(r, "evidenceId")

		inst, err := engine.GetInstance(r.Context(), instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		st, _ := inst.StageByKey(stageKey)
		if st == nil {
			WriteError(w, model.NewUnknownStageError(inst.WorkflowType, stageKey))
			return
		}

		var item *model.EvidenceItem
		for i := range st.Evidence {
			if st.Evidence[i].ID == evidenceID {
				item = &st.Evidence[i]
				break
			}
		}
		if item == nil {
			WriteNotFound(w, fmt.Sprintf("evidence %q not found on stage %q", evidenceID, stageKey))
			return
		}
		if store == nil {
			WriteNotFound(w, "evidence content is not stored by this service")
			return
		}

		data, contentType, err := store.Get(r.Context(), item.Reference)
		if err != nil {
			if model.IsCode(err, model.ErrBadRequest) {
				// The reference points at storage outside this service.
				WriteNotFound(w, "evidence content is not stored by this service")
				return
			}
			WriteError(w, err)
			return
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		if item.FileName != "" {
			w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
				"filename": item.FileName,
			}))
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

func handleStageSubmit(engine *workflow.Engine, contract *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := requireRequestContext(w, r)
		if rctx == nil {
			return
		}
		instanceID, stageKey := stageParams(r)

		var body versionedRequest
		if err := decodeBody(r, contract, "submitStage", &body); err != nil {
			WriteError(w, err)
			return
		}

		inst, err := engine.SubmitForReview(r.Context(), rctx, instanceID, stageKey, body.ExpectedVersion)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleStageApprove(engine *workflow.Engine, contract *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := requireRequestContext(w, r)
		if rctx == nil {
			return
		}
		instanceID, stageKey := stageParams(r)

		var body approveRequest
		if err := decodeBody(r, contract, "approveStage", &body); err != nil {
			WriteError(w, err)
			return
		}
		annotate(r, observability.AttrRole.String(body.Role))

		inst, err := engine.Approve(r.Context(), rctx, instanceID, stageKey, body.Role, body.Comment, body.ExpectedVersion)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleStageReject(engine *workflow.Engine, contract *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := requireRequestContext(w, r)
		if rctx == nil {
			return
		}
		instanceID, stageKey := stageParams(r)

		var body rejectRequest
		if err := decodeBody(r, contract, "rejectStage", &body); err != nil {
			WriteError(w, err)
			return
		}
		annotate(r, observability.AttrRole.String(body.Role))

		inst, err := engine.Reject(r.Context(), rctx, instanceID, stageKey, body.Role, body.Reason, body.ExpectedVersion)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleStageComplete(engine *workflow.Engine, contract *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := requireRequestContext(w, r)
		if rctx == nil {
			return
		}
		instanceID, stageKey := stageParams(r)

		var body versionedRequest
		if err := decodeBody(r, contract, "completeStage", &body); err != nil {
			WriteError(w, err)
			return
		}

		inst, err := engine.MarkComplete(r.Context(), rctx, instanceID, stageKey, body.ExpectedVersion)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleStageHistory(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requireRequestContext(w, r) == nil {
			return
		}
		instanceID, stageKey := stageParams(r)

		history, err := engine.GetStageHistory(r.Context(), instanceID, stageKey)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, dataResponse{Data: history})
	}
}
