package transfer

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T, m *Manager) *gin.Engine {
	t.Helper()
	r := gin.New()
	NewHandler(m).RegisterRoutes(r.Group("/v1"))
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type transferEnvelope struct {
	Transfer struct {
		ID        string `json:"id"`
		State     State  `json:"state"`
		Recipient string `json:"recipient"`
		TxID      string `json:"txId"`
	} `json:"transfer"`
}

func decodeTransfer(t *testing.T, w *httptest.ResponseRecorder) transferEnvelope {
	t.Helper()
	var env transferEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestHandlerFullFlow(t *testing.T) {
	m := testManager(t, &mockAnalyzer{}, &mockWallet{})
	r := setupRouter(t, m)

	w := doJSON(t, r, http.MethodPost, "/v1/transfers", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	env := decodeTransfer(t, w)
	id := env.Transfer.ID
	require.NotEmpty(t, id)
	assert.Equal(t, StateEditing, env.Transfer.State)

	w = doJSON(t, r, http.MethodPatch, "/v1/transfers/"+id, gin.H{
		"recipient": addrA,
		"amount":    "0.001",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodPost, "/v1/transfers/"+id+"/analyze", gin.H{"timeoutMs": 1000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StateSafe, decodeTransfer(t, w).Transfer.State)

	w = doJSON(t, r, http.MethodPost, "/v1/transfers/"+id+"/confirm", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	env = decodeTransfer(t, w)
	assert.Equal(t, StateSubmitted, env.Transfer.State)
	assert.Equal(t, "tx_ok", env.Transfer.TxID)
}

func TestHandlerValidationError(t *testing.T) {
	m := testManager(t, &mockAnalyzer{}, &mockWallet{})
	r := setupRouter(t, m)

	w := doJSON(t, r, http.MethodPost, "/v1/transfers", nil)
	id := decodeTransfer(t, w).Transfer.ID

	w = doJSON(t, r, http.MethodPost, "/v1/transfers/"+id+"/analyze", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
}

func TestHandlerInvalidStateConflict(t *testing.T) {
	m := testManager(t, &mockAnalyzer{}, &mockWallet{})
	r := setupRouter(t, m)

	w := doJSON(t, r, http.MethodPost, "/v1/transfers", nil)
	id := decodeTransfer(t, w).Transfer.ID

	// Confirm straight from EDITING is a state conflict.
	w = doJSON(t, r, http.MethodPost, "/v1/transfers/"+id+"/confirm", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_state")
}

func TestHandlerNotFound(t *testing.T) {
	m := testManager(t, &mockAnalyzer{}, &mockWallet{})
	r := setupRouter(t, m)

	w := doJSON(t, r, http.MethodGet, "/v1/transfers/wf_nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlerUnauthorized(t *testing.T) {
	m := NewManager(&stubSessions{}, &stubProvisioner{address: "bc1qmine"}, &mockAnalyzer{}, &mockWallet{}, &chaincfg.MainNetParams)
	r := setupRouter(t, m)

	w := doJSON(t, r, http.MethodPost, "/v1/transfers", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "auth_error")
}

func TestHandlerCancel(t *testing.T) {
	m := testManager(t, &mockAnalyzer{}, &mockWallet{})
	r := setupRouter(t, m)

	w := doJSON(t, r, http.MethodPost, "/v1/transfers", nil)
	id := decodeTransfer(t, w).Transfer.ID

	w = doJSON(t, r, http.MethodPost, "/v1/transfers/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StateCancelled, decodeTransfer(t, w).Transfer.State)

	// Cancel is idempotent on an already-cancelled workflow.
	w = doJSON(t, r, http.MethodPost, "/v1/transfers/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
}
