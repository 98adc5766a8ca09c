package integration

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/stagegate/model"
)

// ==========================================================================
// Concurrent Decisions
// ==========================================================================

func TestResilience_ConcurrentApprovalsAllLand(t *testing.T) {
	h := NewTestHarness(t, WithoutIdempotency())
	designer := h.GenerateToken(DesignerClaims())
	sales := h.GenerateToken(SalesClaims())
	purchasing := h.GenerateToken(PurchasingClaims())
	factory := h.GenerateToken(FactoryClaims())

	id := startWorkflow(t, h, sales, "panel-review", "SO-RES-0001").ID
	attachEvidence(t, h, designer, id, "panel", "https://cdn.example.com/SO-RES-0001/panel.pdf")
	stageOp(t, h, designer, id, "panel", "submit", nil)

	decisions := []struct {
		token string
		role  string
	}{
		{sales, "Sales"},
		{purchasing, "Procurement"},
		{purchasing, "Warehouse"},
		{factory, "Production"},
	}

	var wg sync.WaitGroup
	statuses := make([]int, len(decisions))
	for i, d := range decisions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := h.POST(StagePath(id, "panel", "approve"), map[string]any{
				"role": d.role, "expected_version": 1,
			}, d.token)
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}()
	}
	wg.Wait()

	for i, status := range statuses {
		if status != http.StatusOK {
			t.Errorf("%s approval status = %d, want 200", decisions[i].role, status)
		}
	}

	// No decision was lost to a lost update.
	resp := h.GET("/api/v1/instances/"+id, sales)
	var inst model.InstanceView
	h.AssertJSON(t, resp, http.StatusOK, &inst)
	assertEqual(t, stageOf(t, inst, "panel").Status, model.StageStatusCompleted, "panel")
	assertEqual(t, len(stageOf(t, inst, "panel").Approvals), 4, "recorded approvals")
}

func TestResilience_StaleVersionAfterRevision(t *testing.T) {
	h := NewTestHarness(t)
	designer := h.GenerateToken(DesignerClaims())
	sales := h.GenerateToken(SalesClaims())

	id := toArtworkReview(t, h, "SO-RES-0002")
	stageOp(t, h, sales, id, "artwork-approval", "reject", map[string]any{
		"role": "Sales", "reason": "pantone mismatch", "expected_version": 1,
	})

	// The expected version names the rejected version being revised.
	resp := h.POST(StagePath(id, "artwork-approval", "evidence"), map[string]any{
		"reference": "https://cdn.example.com/proof-2.jpg", "expected_version": 2,
	}, designer)
	h.AssertErrorCode(t, resp, http.StatusConflict, model.ErrStaleVersion)

	attachEvidence(t, h, designer, id, "artwork-approval", "https://cdn.example.com/proof-2.jpg")

	resp = h.POST(StagePath(id, "artwork-approval", "submit"), map[string]any{"expected_version": 1}, designer)
	h.AssertErrorCode(t, resp, http.StatusConflict, model.ErrStaleVersion)
}

// ==========================================================================
// Idempotency on Redis
// ==========================================================================

func TestResilience_IdempotentRetryReplaysResponse(t *testing.T) {
	h := NewTestHarness(t)
	sales := h.GenerateToken(SalesClaims())
	headers := map[string]string{"X-Idempotency-Key": "start-SO-RES-0003"}
	body := map[string]any{"order_ref": "SO-RES-0003"}

	var first, second model.InstanceView
	resp := h.POSTWithHeaders("/api/v1/workflows/artwork-production/instances", body, sales, headers)
	h.AssertJSON(t, resp, http.StatusCreated, &first)

	resp = h.POSTWithHeaders("/api/v1/workflows/artwork-production/instances", body, sales, headers)
	if resp.Header.Get("X-Idempotent-Replay") != "true" {
		t.Error("retry should be served from redis")
	}
	h.AssertJSON(t, resp, http.StatusCreated, &second)
	assertEqual(t, second.ID, first.ID, "replayed instance")

	if len(h.Redis.Keys()) != 1 {
		t.Errorf("redis keys = %v, want one idempotency entry", h.Redis.Keys())
	}
}

func TestResilience_IdempotencyKeyReusedWithDifferentBody(t *testing.T) {
	h := NewTestHarness(t)
	sales := h.GenerateToken(SalesClaims())
	headers := map[string]string{"X-Idempotency-Key": "start-order"}

	resp := h.POSTWithHeaders("/api/v1/workflows/artwork-production/instances",
		map[string]any{"order_ref": "SO-RES-0004"}, sales, headers)
	h.AssertStatus(t, resp, http.StatusCreated)

	resp = h.POSTWithHeaders("/api/v1/workflows/artwork-production/instances",
		map[string]any{"order_ref": "SO-RES-0005"}, sales, headers)
	h.AssertErrorCode(t, resp, http.StatusConflict, model.ErrConflict)
}

func TestResilience_IdempotencyEntryExpires(t *testing.T) {
	h := NewTestHarness(t)
	sales := h.GenerateToken(SalesClaims())
	headers := map[string]string{"X-Idempotency-Key": "start-SO-RES-0006"}
	body := map[string]any{"order_ref": "SO-RES-0006"}

	resp := h.POSTWithHeaders("/api/v1/workflows/artwork-production/instances", body, sales, headers)
	h.AssertStatus(t, resp, http.StatusCreated)

	h.Redis.FastForward(2 * time.Hour)

	// With the entry gone the retry reaches the engine again, which refuses a
	// second instance for the same order.
	resp = h.POSTWithHeaders("/api/v1/workflows/artwork-production/instances", body, sales, headers)
	if resp.Header.Get("X-Idempotent-Replay") != "" {
		t.Error("expired entry should not be replayed")
	}
	h.AssertErrorCode(t, resp, http.StatusConflict, model.ErrConflict)
}

func TestResilience_RedisOutageFailsOpen(t *testing.T) {
	h := NewTestHarness(t)
	sales := h.GenerateToken(SalesClaims())

	h.Redis.Close()

	resp := h.POSTWithHeaders("/api/v1/workflows/artwork-production/instances",
		map[string]any{"order_ref": "SO-RES-0007"}, sales,
		map[string]string{"X-Idempotency-Key": "start-SO-RES-0007"})
	h.AssertStatus(t, resp, http.StatusCreated)

	// Replay protection is lost but the workflow was recorded.
	inst, err := h.Engine.GetByOrderRef(context.Background(), "SO-RES-0007")
	if err != nil {
		t.Fatalf("GetByOrderRef: %v", err)
	}
	assertEqual(t, inst.Status, model.WorkflowStatusActive, "status")
}

// ==========================================================================
// Upload Limits
// ==========================================================================

func TestResilience_OversizedUploadRejected(t *testing.T) {
	h := NewTestHarness(t, WithMaxUpload(1024))
	sales := h.GenerateToken(SalesClaims())
	designer := h.GenerateToken(DesignerClaims())

	id := startWorkflow(t, h, sales, "artwork-production", "SO-RES-0008").ID

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "layout.tif")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write(bytes.Repeat([]byte{0xAB}, 2<<20))
	mw.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost,
		h.BaseURL()+StagePath(id, "design-layout", "evidence"), &buf)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+designer)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	h.AssertStatus(t, resp, http.StatusRequestEntityTooLarge)

	if h.Evidence.Len() != 0 {
		t.Errorf("stored objects = %d, want 0", h.Evidence.Len())
	}
}

func TestResilience_MultipartUploadStoresContent(t *testing.T) {
	h := NewTestHarness(t)
	sales := h.GenerateToken(SalesClaims())
	designer := h.GenerateToken(DesignerClaims())

	id := startWorkflow(t, h, sales, "artwork-production", "SO-RES-0009").ID
	content := []byte("%PDF-1.7 layout for SO-RES-0009")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "layout.pdf")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write(content)
	mw.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost,
		h.BaseURL()+StagePath(id, "design-layout", "evidence"), &buf)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+designer)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var attached struct {
		Evidence model.EvidenceItem `json:"evidence"`
	}
	h.AssertJSON(t, resp, http.StatusCreated, &attached)
	assertEqual(t, attached.Evidence.FileName, "layout.pdf", "file name")
	assertEqual(t, attached.Evidence.Size, int64(len(content)), "size")

	resp = h.GET(StagePath(id, "design-layout", "evidence/"+attached.Evidence.ID+"/content"), sales)
	got := h.ReadBody(resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("content status = %d, body: %s", resp.StatusCode, got)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("downloaded content = %q, want %q", got, content)
	}
}
