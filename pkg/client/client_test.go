package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestSendReading(t *testing.T) {
	is := is.New(t)

	var body string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.Method, http.MethodPost)
		is.Equal(r.URL.Path, "/api/v0/modules/sensor-1/readings")
		is.Equal(r.Header.Get("Content-Type"), "application/json")

		b, _ := io.ReadAll(r.Body)
		body = string(b)

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"sensor-1","status":"emergency","readingCount":1}`))
	}))
	defer server.Close()

	c := New(server.URL)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m, err := c.SendReading(context.Background(), "sensor-1", ts, map[string]any{"temp": 91})
	is.NoErr(err)
	is.Equal(m.Status, "emergency")
	is.True(strings.Contains(body, `"timestamp":"2024-03-01T12:00:00Z"`))
	is.True(strings.Contains(body, `"temp":91`))
}

func TestActuateCutoff(t *testing.T) {
	is := is.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		is.Equal(string(b), `{"active":true,"triggeredBy":"operator"}`)

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"cutoff-1","isCutoffRelay":true,"cutoffActive":true,"activatedBy":"operator"}`))
	}))
	defer server.Close()

	relay, err := New(server.URL+"/").ActuateCutoff(context.Background(), "cutoff-1", true, "operator")
	is.NoErr(err)
	is.True(relay.CutoffActive)
	is.Equal(relay.ActivatedBy, "operator")
}

func TestUnknownModuleIsNotFound(t *testing.T) {
	is := is.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := New(server.URL).GetModule(context.Background(), "nope")
	is.True(errors.Is(err, ErrNotFound))
}
