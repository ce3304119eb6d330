package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/docproc-dashboard/backend/internal/extraction"
	"github.com/docproc-dashboard/backend/internal/models"
	"github.com/docproc-dashboard/backend/internal/session"
	"github.com/docproc-dashboard/backend/internal/testutil"
	"github.com/docproc-dashboard/backend/internal/upload"
	"github.com/docproc-dashboard/backend/internal/view"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type testServer struct {
	e         *echo.Echo
	sessions  *session.Manager
	policies  *upload.PolicyStore
	store     *testutil.MockStorage
	extractor *testutil.FakeExtractor
	hub       *EventHub
}

func newTestServer(t *testing.T, maxSessions int) *testServer {
	t.Helper()
	ts := &testServer{
		policies:  upload.NewPolicyStore(upload.DefaultPolicy()),
		store:     testutil.NewMockStorage(),
		extractor: testutil.NewFakeExtractor(testutil.SampleFields(), testutil.SampleProducts()),
		hub:       NewEventHub(0, nil),
	}
	ts.sessions = session.NewManager(session.ManagerConfig{
		Files:       ts.store,
		Extractor:   ts.extractor,
		Policy:      ts.policies,
		Presenters:  ts.hub.Presenter,
		MaxSessions: maxSessions,
	})

	ts.e = echo.New()
	SetupMiddleware(ts.e, nil, true)
	RegisterRoutes(ts.e.Group("/api"), NewHandlers(&Dependencies{
		Sessions: ts.sessions,
		Policies: ts.policies,
		Events:   ts.hub,
		Version:  "test",
	}))
	t.Cleanup(func() {
		ts.hub.Close()
		ts.sessions.CloseAll()
	})
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) request(method, path string) *httptest.ResponseRecorder {
	return ts.do(httptest.NewRequest(method, path, nil))
}

func (ts *testServer) createSession(t *testing.T) string {
	t.Helper()
	rec := ts.request(http.MethodPost, "/api/sessions")
	require.Equal(t, http.StatusCreated, rec.Code)
	snap := decodeSnapshot(t, rec)
	require.NotEmpty(t, snap.SessionID)
	return snap.SessionID
}

func (ts *testServer) selectFile(id, name, content string) *httptest.ResponseRecorder {
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	part, _ := writer.CreateFormFile("file", name)
	part.Write([]byte(content))
	writer.Close()

	req := httptest.NewRequest(http.MethodPut, "/api/sessions/"+id+"/file", body)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	return ts.do(req)
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) models.Snapshot {
	t.Helper()
	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap), rec.Body.String())
	return snap
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr), rec.Body.String())
	return apiErr
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, 0)
	id := ts.createSession(t)

	rec := ts.request(http.MethodGet, "/api/sessions/"+id)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeSnapshot(t, rec)
	assert.Equal(t, id, snap.SessionID)
	assert.Nil(t, snap.SelectedFile)
	assert.Equal(t, models.TrackStatusIdle, snap.FieldsStatus)
	assert.Equal(t, models.TrackStatusIdle, snap.ProductsStatus)

	rec = ts.request(http.MethodPost, "/api/sessions/"+id+"/keepalive")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.request(http.MethodDelete, "/api/sessions/"+id)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, ts.sessions.Count())

	rec = ts.request(http.MethodGet, "/api/sessions/"+id)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeAPIError(t, rec).Code)

	rec = ts.request(http.MethodDelete, "/api/sessions/"+id)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.request(http.MethodPost, "/api/sessions/"+id+"/keepalive")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionHandler_HandleSelectFile(t *testing.T) {
	tests := []struct {
		name       string
		fileName   string
		content    string
		wantStatus int
		errCode    string
		errMessage string
	}{
		{
			name:       "accepted pdf",
			fileName:   "tender.pdf",
			content:    "%PDF-1.7",
			wantStatus: http.StatusOK,
		},
		{
			name:       "accepted uppercase extension",
			fileName:   "BoQ.XLSX",
			content:    "xlsx",
			wantStatus: http.StatusOK,
		},
		{
			name:       "rejected extension",
			fileName:   "notes.txt",
			content:    "hello",
			wantStatus: http.StatusUnprocessableEntity,
			errCode:    "INVALID_FILE",
			errMessage: "Invalid file format. Allowed formats: pdf,xlsx,xls,doc,docx",
		},
		{
			name:       "rejected without extension",
			fileName:   "README",
			content:    "hello",
			wantStatus: http.StatusUnprocessableEntity,
			errCode:    "INVALID_FILE",
			errMessage: "Invalid file format. Allowed formats: pdf,xlsx,xls,doc,docx",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, 0)
			id := ts.createSession(t)

			rec := ts.selectFile(id, tt.fileName, tt.content)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.errCode != "" {
				apiErr := decodeAPIError(t, rec)
				assert.Equal(t, tt.errCode, apiErr.Code)
				assert.Equal(t, tt.errMessage, apiErr.Message)

				snap := decodeSnapshot(t, ts.request(http.MethodGet, "/api/sessions/"+id))
				assert.Nil(t, snap.SelectedFile)
				require.NotNil(t, snap.Error)
				assert.Equal(t, tt.errMessage, *snap.Error)
				assert.Equal(t, 0, ts.store.GetFileCount())
				return
			}

			snap := decodeSnapshot(t, rec)
			require.NotNil(t, snap.SelectedFile)
			assert.Equal(t, tt.fileName, snap.SelectedFile.Name)
			assert.Equal(t, int64(len(tt.content)), snap.SelectedFile.Size)
			assert.Nil(t, snap.Error)

			data, err := ts.store.GetFileData(snap.SelectedFile.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.content, string(data))
		})
	}
}

func TestSessionHandler_HandleSelectFileMissingPart(t *testing.T) {
	ts := newTestServer(t, 0)
	id := ts.createSession(t)

	req := httptest.NewRequest(http.MethodPut, "/api/sessions/"+id+"/file", nil)
	rec := ts.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", decodeAPIError(t, rec).Code)
}

func TestSessionHandler_HandleSelectFileSizeLimits(t *testing.T) {
	newLimitedServer := func(t *testing.T, maxSize int64) *testServer {
		ts := newTestServer(t, 0)
		ts.e.Use(BodyLimit("1K"))
		ts.policies.Set(upload.Policy{
			AllowedExtensions: upload.DefaultAllowedExtensions,
			MaxSizeBytes:      maxSize,
		})
		return ts
	}
	content := strings.Repeat("x", 3000)

	t.Run("file over the policy limit becomes the session error", func(t *testing.T) {
		ts := newLimitedServer(t, 2048)
		id := ts.createSession(t)
		require.Equal(t, http.StatusOK, ts.selectFile(id, "a.pdf", "one").Code)

		rec := ts.selectFile(id, "big.pdf", content)

		require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
		apiErr := decodeAPIError(t, rec)
		assert.Equal(t, "INVALID_FILE", apiErr.Code)
		assert.Equal(t, "File size exceeds the maximum limit (0.001953125MB)", apiErr.Message)

		snap := decodeSnapshot(t, ts.request(http.MethodGet, "/api/sessions/"+id))
		assert.Nil(t, snap.SelectedFile)
		require.NotNil(t, snap.Error)
		assert.Equal(t, apiErr.Message, *snap.Error)
		assert.Equal(t, 0, ts.store.GetFileCount())
	})

	t.Run("policy above the body limit accepts the file", func(t *testing.T) {
		ts := newLimitedServer(t, 4096)
		id := ts.createSession(t)

		rec := ts.selectFile(id, "big.pdf", content)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		snap := decodeSnapshot(t, rec)
		require.NotNil(t, snap.SelectedFile)
		assert.Equal(t, int64(len(content)), snap.SelectedFile.Size)
	})

	t.Run("other routes keep the body limit", func(t *testing.T) {
		ts := newLimitedServer(t, 4096)
		body := `{"allowedExtensions":["` + strings.Repeat("x", 2000) + `"]}`

		req := httptest.NewRequest(http.MethodPut, "/api/config/upload-policy", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := ts.do(req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestSessionHandler_HandleSelectFileReplaces(t *testing.T) {
	ts := newTestServer(t, 0)
	id := ts.createSession(t)

	first := decodeSnapshot(t, ts.selectFile(id, "a.pdf", "one"))
	second := decodeSnapshot(t, ts.selectFile(id, "b.docx", "two"))

	assert.Equal(t, "b.docx", second.SelectedFile.Name)
	assert.Equal(t, 1, ts.store.GetFileCount())
	assert.Contains(t, ts.store.Deleted(), first.SelectedFile.ID)
}

func TestSessionHandler_HandleClearFile(t *testing.T) {
	ts := newTestServer(t, 0)
	id := ts.createSession(t)
	require.Equal(t, http.StatusOK, ts.selectFile(id, "a.pdf", "one").Code)

	rec := ts.request(http.MethodDelete, "/api/sessions/"+id+"/file")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeSnapshot(t, rec)
	assert.Nil(t, snap.SelectedFile)
	assert.Nil(t, snap.Error)
	assert.Equal(t, 0, ts.store.GetFileCount())
}

func TestSessionHandler_HandleExtract(t *testing.T) {
	t.Run("no file selected", func(t *testing.T) {
		ts := newTestServer(t, 0)
		id := ts.createSession(t)

		rec := ts.request(http.MethodPost, "/api/sessions/"+id+"/extract/fields")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		apiErr := decodeAPIError(t, rec)
		assert.Equal(t, "NO_FILE_SELECTED", apiErr.Code)
		assert.Equal(t, "Please select a file first", apiErr.Message)
		assert.Empty(t, ts.extractor.Calls())
	})

	t.Run("fields", func(t *testing.T) {
		ts := newTestServer(t, 0)
		id := ts.createSession(t)
		require.Equal(t, http.StatusOK, ts.selectFile(id, "tender.pdf", "payload").Code)

		rec := ts.request(http.MethodPost, "/api/sessions/"+id+"/extract/fields")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		snap := decodeSnapshot(t, rec)
		assert.Equal(t, models.TrackStatusCompleted, snap.FieldsStatus)
		assert.Equal(t, models.TrackStatusIdle, snap.ProductsStatus)
		require.NotNil(t, snap.FieldsResult)
		assert.Len(t, snap.FieldsResult.Fields, 4)
		assert.Nil(t, snap.ProductsResult)

		calls := ts.extractor.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, models.TrackFields, calls[0].Track)
		assert.Equal(t, "tender.pdf", calls[0].FileName)
		assert.Equal(t, "payload", calls[0].Content)
	})

	t.Run("products", func(t *testing.T) {
		ts := newTestServer(t, 0)
		id := ts.createSession(t)
		require.Equal(t, http.StatusOK, ts.selectFile(id, "boq.xlsx", "sheet").Code)

		rec := ts.request(http.MethodPost, "/api/sessions/"+id+"/extract/products")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		snap := decodeSnapshot(t, rec)
		assert.Equal(t, models.TrackStatusCompleted, snap.ProductsStatus)
		require.NotNil(t, snap.ProductsResult)
		assert.Len(t, snap.ProductsResult.Products, 2)
	})

	t.Run("remote failure", func(t *testing.T) {
		ts := newTestServer(t, 0)
		id := ts.createSession(t)
		require.Equal(t, http.StatusOK, ts.selectFile(id, "tender.pdf", "payload").Code)
		ts.extractor.SetErr(extraction.Normalize(http.StatusUnprocessableEntity, []byte(`{"message":"bad format"}`), nil))

		rec := ts.request(http.MethodPost, "/api/sessions/"+id+"/extract/fields")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		apiErr := decodeAPIError(t, rec)
		assert.Equal(t, "EXTRACTION_FAILED", apiErr.Code)
		assert.Equal(t, "bad format", apiErr.Message)
		assert.Equal(t, map[string]any{"message": "bad format"}, apiErr.Details)

		snap := decodeSnapshot(t, ts.request(http.MethodGet, "/api/sessions/"+id))
		assert.Equal(t, models.TrackStatusFailed, snap.FieldsStatus)
		require.NotNil(t, snap.Error)
		assert.Equal(t, "bad format", *snap.Error)
		assert.NotNil(t, snap.SelectedFile)
	})

	t.Run("second click while requesting", func(t *testing.T) {
		ts := newTestServer(t, 0)
		id := ts.createSession(t)
		require.Equal(t, http.StatusOK, ts.selectFile(id, "tender.pdf", "payload").Code)
		ts.extractor.Hold(models.TrackFields)

		done := make(chan *httptest.ResponseRecorder, 1)
		go func() {
			done <- ts.request(http.MethodPost, "/api/sessions/"+id+"/extract/fields")
		}()
		waitStarted(t, ts.extractor, models.TrackFields)

		rec := ts.request(http.MethodPost, "/api/sessions/"+id+"/extract/fields")
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "TRACK_BUSY", decodeAPIError(t, rec).Code)

		busy := ts.request(http.MethodGet, "/api/sessions/"+id)
		assert.True(t, decodeSnapshot(t, busy).FieldsBusy)

		ts.extractor.Release(models.TrackFields)
		first := <-done
		assert.Equal(t, http.StatusOK, first.Code)
		assert.Len(t, ts.extractor.Calls(), 1)
	})

	t.Run("reset while requesting", func(t *testing.T) {
		ts := newTestServer(t, 0)
		id := ts.createSession(t)
		require.Equal(t, http.StatusOK, ts.selectFile(id, "boq.xlsx", "sheet").Code)
		ts.extractor.Hold(models.TrackProducts)

		done := make(chan *httptest.ResponseRecorder, 1)
		go func() {
			done <- ts.request(http.MethodPost, "/api/sessions/"+id+"/extract/products")
		}()
		waitStarted(t, ts.extractor, models.TrackProducts)

		rec := ts.request(http.MethodPost, "/api/sessions/"+id+"/reset")
		require.Equal(t, http.StatusOK, rec.Code)

		ts.extractor.Release(models.TrackProducts)
		stale := <-done
		assert.Equal(t, http.StatusConflict, stale.Code)
		assert.Equal(t, "STALE_RESPONSE", decodeAPIError(t, stale).Code)

		snap := decodeSnapshot(t, ts.request(http.MethodGet, "/api/sessions/"+id))
		assert.Nil(t, snap.ProductsResult)
		assert.Nil(t, snap.SelectedFile)
		assert.Equal(t, models.TrackStatusIdle, snap.ProductsStatus)
	})
}

func TestSessionHandler_HandleReset(t *testing.T) {
	ts := newTestServer(t, 0)
	id := ts.createSession(t)
	require.Equal(t, http.StatusOK, ts.selectFile(id, "tender.pdf", "payload").Code)
	require.Equal(t, http.StatusOK, ts.request(http.MethodPost, "/api/sessions/"+id+"/extract/fields").Code)

	rec := ts.request(http.MethodPost, "/api/sessions/"+id+"/reset")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeSnapshot(t, rec)
	assert.Nil(t, snap.SelectedFile)
	assert.Nil(t, snap.FieldsResult)
	assert.Nil(t, snap.Error)
	assert.Equal(t, models.TrackStatusIdle, snap.FieldsStatus)
}

func TestSessionHandler_HandleToggleProduct(t *testing.T) {
	ts := newTestServer(t, 0)
	id := ts.createSession(t)
	require.Equal(t, http.StatusOK, ts.selectFile(id, "boq.xlsx", "sheet").Code)
	require.Equal(t, http.StatusOK, ts.request(http.MethodPost, "/api/sessions/"+id+"/extract/products").Code)

	toggle := func(key string) *httptest.ResponseRecorder {
		return ts.request(http.MethodPost, "/api/sessions/"+id+"/products/"+key+"/toggle")
	}

	rec := toggle("sheet:Lot%201")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp toggleProductResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, toggleProductResponse{Key: "sheet:Lot 1", Expanded: true}, resp)

	snap := decodeSnapshot(t, ts.request(http.MethodGet, "/api/sessions/"+id))
	assert.Equal(t, []string{"sheet:Lot 1"}, snap.ExpandedProducts)

	rec = toggle("sheet:Lot%201")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Expanded)

	rec = toggle("missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionHandler_HandleGetView(t *testing.T) {
	ts := newTestServer(t, 0)
	id := ts.createSession(t)
	require.Equal(t, http.StatusOK, ts.selectFile(id, "boq.xlsx", "sheet").Code)
	require.Equal(t, http.StatusOK, ts.request(http.MethodPost, "/api/sessions/"+id+"/extract/products").Code)

	rec := ts.request(http.MethodGet, "/api/sessions/"+id+"/view?tab=products")
	require.Equal(t, http.StatusOK, rec.Code)

	var d view.Dashboard
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, view.Title, d.Title)
	assert.Equal(t, view.TabProducts, d.ActiveTab)
	assert.Equal(t, "boq.xlsx", d.File.FileName)
	assert.False(t, d.ExtractFields.Disabled)
	assert.Len(t, d.Products.Rows, 2)
	assert.Equal(t, view.FieldsEmpty, d.Fields.Placeholder)

	rec = ts.request(http.MethodGet, "/api/sessions/"+id+"/view?tab=bogus")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, view.TabFields, d.ActiveTab)
}

func TestSessionHandler_HandleGetSessionMsgpack(t *testing.T) {
	ts := newTestServer(t, 0)
	id := ts.createSession(t)
	require.Equal(t, http.StatusOK, ts.selectFile(id, "tender.pdf", "payload").Code)
	require.Equal(t, http.StatusOK, ts.request(http.MethodPost, "/api/sessions/"+id+"/extract/fields").Code)

	rec := ts.request(http.MethodGet, "/api/sessions/"+id+"/msgpack")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/msgpack", rec.Header().Get(echo.HeaderContentType))

	var snap models.Snapshot
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, id, snap.SessionID)
	assert.Equal(t, "tender.pdf", snap.SelectedFile.Name)
	assert.Equal(t, models.TrackStatusCompleted, snap.FieldsStatus)
	require.NotNil(t, snap.FieldsResult)
	assert.Equal(t, testutil.SampleFields().Fields, snap.FieldsResult.Fields)
}

func TestSessionHandler_TooManySessions(t *testing.T) {
	ts := newTestServer(t, 1)
	id := ts.createSession(t)
	require.Equal(t, http.StatusOK, ts.selectFile(id, "tender.pdf", "payload").Code)
	ts.extractor.Hold(models.TrackFields)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- ts.request(http.MethodPost, "/api/sessions/"+id+"/extract/fields")
	}()
	waitStarted(t, ts.extractor, models.TrackFields)

	rec := ts.request(http.MethodPost, "/api/sessions")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SERVICE_UNAVAILABLE", decodeAPIError(t, rec).Code)

	ts.extractor.Release(models.TrackFields)
	assert.Equal(t, http.StatusOK, (<-done).Code)

	// the idle session is evicted to make room
	newID := ts.createSession(t)
	assert.NotEqual(t, id, newID)
	_, ok := ts.sessions.Get(id)
	assert.False(t, ok)
}

func TestHealthHandler_HandleHealth(t *testing.T) {
	ts := newTestServer(t, 0)
	ts.createSession(t)

	rec := ts.request(http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, float64(1), body["sessions"])
}

func waitStarted(t *testing.T, f *testutil.FakeExtractor, want models.Track) {
	t.Helper()
	select {
	case got := <-f.Started():
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("extraction on %s never started", want)
	}
}
