package disputes

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunsthall/settlement/internal/auth"
)

const adminSecret = "admin-secret"

func setupTestRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := auth.Config{AdminSecret: adminSecret}
	handler := NewHandler(f.svc)

	r := gin.New()
	v1 := r.Group("/v1", auth.Middleware(cfg))
	handler.RegisterRoutes(v1.Group("", auth.RequireUser()))
	handler.RegisterAdminRoutes(v1.Group("/admin", auth.RequireAdmin(cfg)))
	return r
}

func do(r *gin.Engine, method, path, userID string, admin bool, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(auth.HeaderUserID, userID)
	}
	if admin {
		req.Header.Set(auth.HeaderAdminSecret, adminSecret)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func TestHandler_RaiseAndResolve(t *testing.T) {
	f := newFixture()
	r := setupTestRouter(f)
	o := f.fundedOffer(t)

	w := do(r, "POST", "/v1/offers/"+o.ID+"/disputes", buyer, false, `{"reason":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, "POST", "/v1/offers/"+o.ID+"/disputes", buyer, false,
		`{"reason":"damaged","attachments":["http://insecure.example.com/a.jpg"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "attachments must be https")

	w = do(r, "POST", "/v1/offers/"+o.ID+"/disputes", "usr_stranger", false, `{"reason":"damaged"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, "POST", "/v1/offers/"+o.ID+"/disputes", buyer, false,
		`{"reason":"damaged","description":"Corner torn","attachments":["https://cdn.example.com/a.jpg"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Dispute Dispute `json:"dispute"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Dispute.ID

	w = do(r, "POST", "/v1/offers/"+o.ID+"/disputes", seller, false, `{"reason":"again"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", errorCode(t, w))

	w = do(r, "GET", "/v1/disputes/"+id, seller, false, "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(r, "GET", "/v1/disputes/"+id, "usr_stranger", false, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = do(r, "GET", "/v1/disputes/dsp_missing", buyer, false, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(r, "GET", "/v1/disputes/"+o.ID, buyer, false, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_input", errorCode(t, w))

	w = do(r, "GET", "/v1/offers/"+o.ID+"/disputes", buyer, false, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Disputes []Dispute `json:"disputes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Disputes, 1)

	w = do(r, "POST", "/v1/admin/disputes/"+id+"/resolve", "", false, `{"resolution":"resume"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, "POST", "/v1/admin/disputes/"+id+"/resolve", "", true, `{"resolution":"cancel"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, "POST", "/v1/admin/disputes/"+id+"/resolve", "usr_admin", true, `{"resolution":"resume","note":"ok"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, "POST", "/v1/admin/disputes/"+id+"/resolve", "", true, `{"resolution":"refund"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}
