package escrow

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
	"github.com/kunsthall/settlement/internal/payments"
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

func TestHandler_FundApproveFlow(t *testing.T) {
	f := newFixture()
	r := setupTestRouter(f)
	o := f.acceptedOffer(t)

	w := do(r, "POST", "/v1/admin/offers/"+o.ID+"/payment", "", false, `{"paymentRef":"pi_1"}`)
	assert.Equal(t, http.StatusForbidden, w.Code, "admin secret required")

	w = do(r, "POST", "/v1/admin/offers/"+o.ID+"/payment", "", true, `{"paymentRef":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, "POST", "/v1/admin/offers/"+o.ID+"/payment", "", true, `{"paymentRef":"pi_1","paymentLinkRef":"plink_1"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(r, "GET", "/v1/offers/"+o.ID+"/escrow", "usr_stranger", false, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, "POST", "/v1/offers/"+o.ID+"/escrow/approve", buyer, false, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, "POST", "/v1/offers/"+o.ID+"/escrow/approve", buyer, false, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_approved", errorCode(t, w))

	w = do(r, "POST", "/v1/offers/"+o.ID+"/escrow/approve", seller, false, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, "GET", "/v1/offers/"+o.ID+"/escrow", seller, false, "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Escrow       Approval `json:"escrow"`
		BothApproved bool     `json:"bothApproved"`
		Missing      []string `json:"missing"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.BothApproved)
	assert.Empty(t, body.Missing)
	assert.Equal(t, o.ID, body.Escrow.OfferID)
}

func TestHandler_ErrorCodes(t *testing.T) {
	f := newFixture()
	r := setupTestRouter(f)
	unpaid := f.acceptedOffer(t)

	w := do(r, "GET", "/v1/offers/ofr_missing/escrow", buyer, false, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, "POST", "/v1/offers/"+unpaid.ID+"/escrow/approve", buyer, false, "")
	assert.Equal(t, http.StatusNotFound, w.Code, "escrow not open yet")

	f.svc.WithPaymentVerifier(stubVerifier{captured: false})
	w = do(r, "POST", "/v1/admin/offers/"+unpaid.ID+"/payment", "", true, `{"paymentRef":"pi_unpaid"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "payment_required", errorCode(t, w))

	f.svc.WithPaymentVerifier(stubVerifier{err: &payments.ProcessorError{Op: "verify_payment", Code: payments.CodeUnavailable, Message: "down"}})
	w = do(r, "POST", "/v1/admin/offers/"+unpaid.ID+"/payment", "", true, `{"paymentRef":"pi_unpaid"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "processor_error", errorCode(t, w))
	assert.Contains(t, w.Body.String(), payments.CodeUnavailable)
}
