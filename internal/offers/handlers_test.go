package offers

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

func setupTestRouter() (*gin.Engine, *Service) {
	gin.SetMode(gin.TestMode)

	svc, _, _ := newTestService()
	handler := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(auth.Middleware(auth.Config{}), auth.RequireUser())
	handler.RegisterRoutes(v1)
	return r, svc
}

func doRequest(r *gin.Engine, method, path, userID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(auth.HeaderUserID, userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type offerResponse struct {
	Offer Offer `json:"offer"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHandler_CreateAndGetOffer(t *testing.T) {
	r, _ := setupTestRouter()

	w := doRequest(r, "POST", "/v1/offers", buyer, map[string]any{
		"artworkId":         "art_42",
		"sellerId":          seller,
		"listPriceCents":    500000,
		"offeredPriceCents": 450000,
		"message":           "Lovely piece",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[offerResponse](t, w).Offer
	assert.Equal(t, buyer, created.BuyerID, "buyer comes from the forwarded identity")
	assert.Equal(t, StatusPending, created.Status)

	w = doRequest(r, "GET", "/v1/offers/"+created.ID, seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, decode[offerResponse](t, w).Offer.ID)

	w = doRequest(r, "GET", "/v1/offers/"+created.ID, "usr_stranger", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decode[errorResponse](t, w).Error)
}

func TestHandler_CreateOffer_Validation(t *testing.T) {
	r, _ := setupTestRouter()

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", "not an object"},
		{"missing seller", map[string]any{"artworkId": "art_1", "listPriceCents": 10, "offeredPriceCents": 10}},
		{"zero price", map[string]any{"artworkId": "art_1", "sellerId": seller, "listPriceCents": 10, "offeredPriceCents": 0}},
		{"self offer", map[string]any{"artworkId": "art_1", "sellerId": buyer, "listPriceCents": 10, "offeredPriceCents": 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(r, "POST", "/v1/offers", buyer, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, "invalid_input", decode[errorResponse](t, w).Error)
		})
	}
}

func TestHandler_RequiresUser(t *testing.T) {
	r, _ := setupTestRouter()
	w := doRequest(r, "GET", "/v1/offers", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_AcceptReject(t *testing.T) {
	r, svc := setupTestRouter()
	o := createOffer(t, svc)

	w := doRequest(r, "POST", "/v1/offers/"+o.ID+"/accept", buyer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(r, "POST", "/v1/offers/"+o.ID+"/accept", seller, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusAccepted, decode[offerResponse](t, w).Offer.Status)

	w = doRequest(r, "POST", "/v1/offers/"+o.ID+"/reject", seller, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", decode[errorResponse](t, w).Error)

	w = doRequest(r, "POST", "/v1/offers/ofr_missing/reject", seller, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ListOffers(t *testing.T) {
	r, svc := setupTestRouter()
	for i := 0; i < 3; i++ {
		createOffer(t, svc)
	}

	w := doRequest(r, "GET", "/v1/offers?role=seller&limit=2", seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[Page](t, w)
	assert.Len(t, page.Offers, 2)
	assert.True(t, page.HasMore)
	assert.NotEmpty(t, page.NextCursor)

	w = doRequest(r, "GET", "/v1/offers?role=seller&cursor="+page.NextCursor, seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[Page](t, w).Offers, 1)

	w = doRequest(r, "GET", "/v1/offers?role=curator", seller, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
