package httpx

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"Bottle","nmae":"typo"}`))
	var p payload
	require.Error(t, DecodeJSON(r, &p))

	r = httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"Bottle"}`))
	require.NoError(t, DecodeJSON(r, &p))
	require.Equal(t, "Bottle", p.Name)
}

func TestProblemShape(t *testing.T) {
	w := httptest.NewRecorder()
	Problem(w, 404, "Not Found", "product not found")

	require.Equal(t, 404, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.Contains(t, w.Body.String(), `"status":404`)
	require.Contains(t, w.Body.String(), `"detail":"product not found"`)
}
