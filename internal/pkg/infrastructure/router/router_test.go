package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matryer/is"
)

func TestHealthAndMetricsAreServed(t *testing.T) {
	is := is.New(t)

	server := httptest.NewServer(New("test"))
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusNoContent)

	resp, err = http.Get(server.URL + "/metrics")
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusOK)
}
