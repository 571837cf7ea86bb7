package settlement

import (
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
	handler := NewHandler(f.exec)

	r := gin.New()
	v1 := r.Group("/v1", auth.Middleware(cfg))
	handler.RegisterRoutes(v1.Group("", auth.RequireUser()))
	handler.RegisterAdminRoutes(v1.Group("/admin", auth.RequireAdmin(cfg)))
	return r
}

func do(r *gin.Engine, method, path, userID string, admin bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
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

type errorBody struct {
	Error         string   `json:"error"`
	Message       string   `json:"message"`
	Missing       []string `json:"missing"`
	ProcessorCode string   `json:"processorCode"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHandler_ReleaseErrors(t *testing.T) {
	f := newFixture(t)
	r := setupTestRouter(f)
	o := f.fundedOffer(t)

	w := do(r, "POST", "/v1/offers/"+o.ID+"/release", buyer, false)
	require.Equal(t, http.StatusConflict, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "approval_incomplete", body.Error)
	assert.Equal(t, []string{"buyer", "seller"}, body.Missing)

	w = do(r, "POST", "/v1/offers/"+o.ID+"/release", "usr_stranger", false)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, "POST", "/v1/offers/ofr_missing/release", buyer, false)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, "POST", "/v1/offers/dsp_1/release", buyer, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.approveBoth(t, o.ID)

	f.processor.SetPayoutReady(sellerAccount, false)
	w = do(r, "POST", "/v1/offers/"+o.ID+"/release", seller, false)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "seller_payout_not_ready", decodeError(t, w).Error)
	f.processor.SetPayoutReady(sellerAccount, true)

	f.processor.FailTransfers("account_invalid", "No such destination")
	w = do(r, "POST", "/v1/offers/"+o.ID+"/release", seller, false)
	require.Equal(t, http.StatusBadGateway, w.Code)
	body = decodeError(t, w)
	assert.Equal(t, "processor_error", body.Error)
	assert.Equal(t, "account_invalid", body.ProcessorCode)
	assert.Equal(t, "No such destination", body.Message)
	f.processor.FailTransfers("", "")

	w = do(r, "POST", "/v1/offers/"+o.ID+"/release", seller, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, "POST", "/v1/offers/"+o.ID+"/release", buyer, false)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_released", decodeError(t, w).Error)
}

func TestHandler_ReleaseDisputed(t *testing.T) {
	f := newFixture(t)
	r := setupTestRouter(f)
	o := f.fundedOffer(t)
	f.approveBoth(t, o.ID)
	_, _, err := f.offers.Dispute(t.Context(), o.ID, seller)
	require.NoError(t, err)

	w := do(r, "POST", "/v1/admin/offers/"+o.ID+"/release", "", true)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "disputed", decodeError(t, w).Error)
}

func TestHandler_AdminRelease(t *testing.T) {
	f := newFixture(t)
	r := setupTestRouter(f)
	o := f.fundedOffer(t)
	f.approveBoth(t, o.ID)

	w := do(r, "POST", "/v1/admin/offers/"+o.ID+"/release", "", false)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, "POST", "/v1/admin/offers/"+o.ID+"/release", "", true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Escrow struct {
			FundsReleased      bool   `json:"fundsReleased"`
			ReleaseTransferRef string `json:"releaseTransferRef"`
		} `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Escrow.FundsReleased)
	assert.Equal(t, "tr_sandbox_1", resp.Escrow.ReleaseTransferRef)
}

func TestHandler_Quote(t *testing.T) {
	f := newFixture(t)
	r := setupTestRouter(f)

	w := do(r, "GET", "/v1/settlement/quote?totalCents=100000", buyer, false)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Amounts struct {
			SellerAmountCents int64 `json:"sellerAmountCents"`
		} `json:"amounts"`
		Display  map[string]string `json:"display"`
		Currency string            `json:"currency"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(75000), resp.Amounts.SellerAmountCents)
	assert.Equal(t, "750.00", resp.Display["sellerAmount"])
	assert.Equal(t, "nok", resp.Currency)

	for _, q := range []string{"", "abc", "0", "-5"} {
		w = do(r, "GET", "/v1/settlement/quote?totalCents="+q, buyer, false)
		assert.Equal(t, http.StatusBadRequest, w.Code, "totalCents=%q", q)
	}
}
