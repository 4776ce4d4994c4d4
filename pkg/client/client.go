package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/tracing"
	"github.com/diwise/iot-module-control/pkg/types"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var ErrNotFound = errors.New("not found")

// ModuleControlClient is used by gateways and other services to report
// readings and heartbeats and to inspect modules and cutoff relays.
type ModuleControlClient interface {
	SendReading(ctx context.Context, moduleID string, timestamp time.Time, data map[string]any) (types.Module, error)
	Heartbeat(ctx context.Context, moduleID string) (types.Module, error)
	GetModule(ctx context.Context, moduleID string) (types.Module, error)
	GetCutoffs(ctx context.Context) ([]types.Module, error)
	ActuateCutoff(ctx context.Context, cutoffModuleID string, active bool, triggeredBy string) (types.Module, error)
}

type moduleControlClient struct {
	url        string
	httpClient http.Client
}

var tracer = otel.Tracer("iot-module-control-client")

func New(url string) ModuleControlClient {
	return &moduleControlClient{
		url: strings.TrimSuffix(url, "/"),
		httpClient: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		},
	}
}

func (c *moduleControlClient) SendReading(ctx context.Context, moduleID string, timestamp time.Time, data map[string]any) (types.Module, error) {
	var err error
	ctx, span := tracer.Start(ctx, "send-reading")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body := struct {
		Timestamp string         `json:"timestamp,omitempty"`
		Data      map[string]any `json:"data"`
	}{Data: data}

	if !timestamp.IsZero() {
		body.Timestamp = timestamp.UTC().Format(time.RFC3339Nano)
	}

	m := types.Module{}
	err = c.do(ctx, http.MethodPost, "/api/v0/modules/"+moduleID+"/readings", body, http.StatusCreated, &m)
	return m, err
}

func (c *moduleControlClient) Heartbeat(ctx context.Context, moduleID string) (types.Module, error) {
	var err error
	ctx, span := tracer.Start(ctx, "heartbeat")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	m := types.Module{}
	err = c.do(ctx, http.MethodPost, "/api/v0/modules/"+moduleID+"/heartbeat", nil, http.StatusOK, &m)
	return m, err
}

func (c *moduleControlClient) GetModule(ctx context.Context, moduleID string) (types.Module, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-module")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	m := types.Module{}
	err = c.do(ctx, http.MethodGet, "/api/v0/modules/"+moduleID, nil, http.StatusOK, &m)
	return m, err
}

func (c *moduleControlClient) GetCutoffs(ctx context.Context) ([]types.Module, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-cutoffs")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	cutoffs := []types.Module{}
	err = c.do(ctx, http.MethodGet, "/api/v0/cutoffs", nil, http.StatusOK, &cutoffs)
	return cutoffs, err
}

func (c *moduleControlClient) ActuateCutoff(ctx context.Context, cutoffModuleID string, active bool, triggeredBy string) (types.Module, error) {
	var err error
	ctx, span := tracer.Start(ctx, "actuate-cutoff")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body := struct {
		Active      bool   `json:"active"`
		TriggeredBy string `json:"triggeredBy,omitempty"`
	}{active, triggeredBy}

	m := types.Module{}
	err = c.do(ctx, http.MethodPost, "/api/v0/cutoffs/"+cutoffModuleID, body, http.StatusOK, &m)
	return m, err
}

func (c *moduleControlClient) do(ctx context.Context, method, path string, body any, expected int, result any) error {
	var reader io.Reader

	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	log := logging.GetLoggerFromContext(ctx)
	log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("module control request")

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode != expected {
		return fmt.Errorf("request to %s failed with status code %d", path, resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if err = json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}

	return nil
}
