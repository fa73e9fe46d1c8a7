package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	stdimage "image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/internal/attachment"
	"github.com/BaSui01/imageflow/internal/ledger"
	"github.com/BaSui01/imageflow/llm/image"
	"github.com/BaSui01/imageflow/studio"
	"github.com/BaSui01/imageflow/types"
)

// =============================================================================
// 🧪 测试替身
// =============================================================================

type fakeStudio struct {
	generated   *image.GenerateRequest
	edited      *image.EditRequest
	committed   image.SaveMode
	discarded   string
	invalidated string
	err         error
	buffer      *studio.BufferView
}

func (f *fakeStudio) Generate(_ context.Context, req *image.GenerateRequest) (*studio.GenerateResult, error) {
	f.generated = req
	if f.err != nil {
		return nil, f.err
	}
	return &studio.GenerateResult{AttachmentID: 7, Filename: "a-red-bicycle-abc123.png", MimeType: "image/png"}, nil
}

func (f *fakeStudio) Edit(_ context.Context, req *image.EditRequest) (*studio.EditResult, error) {
	f.edited = req
	if f.err != nil {
		return nil, f.err
	}
	return &studio.EditResult{Mode: image.BufferOnly, Buffer: &studio.BufferInfo{Token: "tok"}}, nil
}

func (f *fakeStudio) ReadBuffer(context.Context, string) (*studio.BufferView, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.buffer, nil
}

func (f *fakeStudio) CommitBuffer(_ context.Context, _ string, mode image.SaveMode) (*studio.EditResult, error) {
	f.committed = mode
	if f.err != nil {
		return nil, f.err
	}
	return &studio.EditResult{Mode: mode, AttachmentID: 9}, nil
}

func (f *fakeStudio) DiscardBuffer(_ context.Context, token string) error {
	f.discarded = token
	return f.err
}

func (f *fakeStudio) ListModels(_ context.Context, provider, purpose string) (*studio.ModelList, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &studio.ModelList{Provider: image.Provider(provider), Purpose: image.Purpose(purpose), Models: []string{"m1"}}, nil
}

func (f *fakeStudio) InvalidateModels(provider string) (int, error) {
	f.invalidated = provider
	return 2, f.err
}

func (f *fakeStudio) History(context.Context, uint) ([]ledger.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []ledger.Event{{Type: ledger.EventGenerate, Prompt: "p"}}, nil
}

func (f *fakeStudio) Metadata(context.Context, uint) (*attachment.AIMetadata, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &attachment.AIMetadata{Generated: true}, nil
}

func routes(h *StudioHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/images/generate", h.HandleGenerate)
	mux.HandleFunc("POST /api/v1/images/edit", h.HandleEdit)
	mux.HandleFunc("GET /api/v1/buffers/{token}", h.HandleGetBuffer)
	mux.HandleFunc("GET /api/v1/buffers/{token}/content", h.HandleBufferContent)
	mux.HandleFunc("POST /api/v1/buffers/{token}/commit", h.HandleCommitBuffer)
	mux.HandleFunc("DELETE /api/v1/buffers/{token}", h.HandleDiscardBuffer)
	mux.HandleFunc("GET /api/v1/models", h.HandleListModels)
	mux.HandleFunc("POST /api/v1/models/invalidate", h.HandleInvalidateModels)
	mux.HandleFunc("GET /api/v1/attachments/{id}/history", h.HandleHistory)
	mux.HandleFunc("GET /api/v1/attachments/{id}/metadata", h.HandleMetadata)
	return mux
}

func do(t *testing.T, mux http.Handler, method, path, body string, roles ...string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	ctx := types.WithUserID(r.Context(), "alice")
	if len(roles) > 0 {
		ctx = types.WithRoles(ctx, roles)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r.WithContext(ctx))

	var resp Response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func tinyPNG(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, stdimage.NewNRGBA(stdimage.Rect(0, 0, 2, 2))))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// =============================================================================
// 🧪 生成与编辑
// =============================================================================

func TestStudioHandler_Generate(t *testing.T) {
	fake := &fakeStudio{}
	mux := routes(NewStudioHandler(fake, 0, zap.NewNop()))

	body := `{"prompt":"a red bicycle","provider":"gemini","format":"webp","width":64,"height":32,
		"references":[{"data":"` + tinyPNG(t) + `","filename":"ref.png"}]}`
	w, resp := do(t, mux, http.MethodPost, "/api/v1/images/generate", body)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, resp.Success)
	require.NotNil(t, fake.generated)
	assert.Equal(t, image.Provider("gemini"), fake.generated.Provider)
	assert.Equal(t, image.Format("webp"), fake.generated.Format)
	assert.Equal(t, 64, fake.generated.Width)
	require.Len(t, fake.generated.References, 1)
	assert.Equal(t, "image/png", fake.generated.References[0].MimeType)
	assert.Equal(t, 2, fake.generated.References[0].Width)
}

func TestStudioHandler_TooManyReferences(t *testing.T) {
	fake := &fakeStudio{}
	mux := routes(NewStudioHandler(fake, 0, nil))

	ref := `{"data":"` + tinyPNG(t) + `"}`
	refs := strings.Repeat(ref+",", image.MaxReferences) + ref
	w, resp := do(t, mux, http.MethodPost, "/api/v1/images/generate",
		`{"prompt":"p","provider":"openai","references":[`+refs+`]}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "invalid-input", resp.Error.Code)
	assert.Nil(t, fake.generated)
}

func TestStudioHandler_BadReferences(t *testing.T) {
	fake := &fakeStudio{}
	mux := routes(NewStudioHandler(fake, 0, nil))

	for name, ref := range map[string]string{
		"not base64": `{"data":"!!!"}`,
		"not image":  `{"data":"` + base64.StdEncoding.EncodeToString([]byte("plain text")) + `"}`,
	} {
		t.Run(name, func(t *testing.T) {
			w, _ := do(t, mux, http.MethodPost, "/api/v1/images/edit",
				`{"attachment_id":1,"prompt":"p","provider":"openai","references":[`+ref+`]}`)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Nil(t, fake.edited)
		})
	}
}

func TestStudioHandler_Edit(t *testing.T) {
	fake := &fakeStudio{}
	mux := routes(NewStudioHandler(fake, 0, nil))

	w, _ := do(t, mux, http.MethodPost, "/api/v1/images/edit",
		`{"attachment_id":3,"prompt":"make it blue","provider":"flux","save_mode":"buffer","base_buffer_key":"prev"}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotNil(t, fake.edited)
	assert.Equal(t, uint(3), fake.edited.AttachmentID)
	assert.Equal(t, image.BufferOnly, fake.edited.SaveMode)
	assert.Equal(t, "prev", fake.edited.BaseBufferKey)
}

func TestStudioHandler_ErrorMapping(t *testing.T) {
	fake := &fakeStudio{err: types.NewError(types.ErrNotConnected, "gemini is not connected").WithProvider("gemini")}
	mux := routes(NewStudioHandler(fake, 0, nil))

	w, resp := do(t, mux, http.MethodPost, "/api/v1/images/generate", `{"prompt":"p","provider":"gemini"}`)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "not-connected", resp.Error.Code)
	assert.Equal(t, "gemini", resp.Error.Provider)
}

func TestStudioHandler_RejectsUnknownFields(t *testing.T) {
	fake := &fakeStudio{}
	mux := routes(NewStudioHandler(fake, 0, nil))

	w, _ := do(t, mux, http.MethodPost, "/api/v1/images/generate", `{"prompt":"p","provider":"gemini","seed":1}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, fake.generated)
}

// =============================================================================
// 🧪 缓冲区
// =============================================================================

func TestStudioHandler_Buffers(t *testing.T) {
	data := []byte{0x89, 'P', 'N', 'G'}
	fake := &fakeStudio{buffer: &studio.BufferView{
		BufferInfo: studio.BufferInfo{Token: "tok", ParentID: 3, MimeType: "image/png"},
		Data:       data,
	}}
	mux := routes(NewStudioHandler(fake, 0, nil))

	t.Run("get json", func(t *testing.T) {
		w, _ := do(t, mux, http.MethodGet, "/api/v1/buffers/tok", "")
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Data BufferBody `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "tok", resp.Data.Token)
		assert.Equal(t, base64.StdEncoding.EncodeToString(data), resp.Data.Data)
	})

	t.Run("get content", func(t *testing.T) {
		w, _ := do(t, mux, http.MethodGet, "/api/v1/buffers/tok/content", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		assert.Equal(t, data, w.Body.Bytes())
	})

	t.Run("commit", func(t *testing.T) {
		w, _ := do(t, mux, http.MethodPost, "/api/v1/buffers/tok/commit", `{"mode":"replace"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, image.ReplaceOriginal, fake.committed)
	})

	t.Run("discard", func(t *testing.T) {
		w, _ := do(t, mux, http.MethodDelete, "/api/v1/buffers/tok", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "tok", fake.discarded)
	})
}

func TestStudioHandler_BufferNotFound(t *testing.T) {
	fake := &fakeStudio{err: types.NewError(types.ErrNotFound, "buffer not found")}
	mux := routes(NewStudioHandler(fake, 0, nil))

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, "/api/v1/buffers/gone", ""},
		{http.MethodGet, "/api/v1/buffers/gone/content", ""},
		{http.MethodPost, "/api/v1/buffers/gone/commit", `{"mode":"save_as"}`},
		{http.MethodDelete, "/api/v1/buffers/gone", ""},
	} {
		w, resp := do(t, mux, tc.method, tc.path, tc.body)
		assert.Equal(t, http.StatusNotFound, w.Code, tc.method+" "+tc.path)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "not-found", resp.Error.Code)
	}
}

// =============================================================================
// 🧪 模型与溯源
// =============================================================================

func TestStudioHandler_Models(t *testing.T) {
	fake := &fakeStudio{}
	mux := routes(NewStudioHandler(fake, 0, nil))

	w, _ := do(t, mux, http.MethodGet, "/api/v1/models?provider=openai&purpose=edit", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"models":["m1"]`)

	w, _ = do(t, mux, http.MethodPost, "/api/v1/models/invalidate?provider=openai", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, fake.invalidated)

	w, _ = do(t, mux, http.MethodPost, "/api/v1/models/invalidate?provider=openai", "", "admin")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "openai", fake.invalidated)
}

func TestStudioHandler_Provenance(t *testing.T) {
	fake := &fakeStudio{}
	mux := routes(NewStudioHandler(fake, 0, nil))

	w, _ := do(t, mux, http.MethodGet, "/api/v1/attachments/5/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"type":"generate"`)

	w, _ = do(t, mux, http.MethodGet, "/api/v1/attachments/5/metadata", "")
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, mux, http.MethodGet, "/api/v1/attachments/abc/history", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
