package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/diwise/iot-module-control/internal/pkg/application"
	"github.com/diwise/iot-module-control/internal/pkg/application/controlloop"
	"github.com/diwise/iot-module-control/internal/pkg/application/cutoff"
	"github.com/diwise/iot-module-control/internal/pkg/application/settings"
	"github.com/diwise/iot-module-control/internal/pkg/application/triggers"
	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/tracing"
	"github.com/diwise/iot-module-control/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("iot-module-control/api")

const defaultHistoryHours int = 24

func RegisterHandlers(ctx context.Context, router *chi.Mux, app application.App, events http.Handler) *chi.Mux {
	log := logging.GetLoggerFromContext(ctx)

	router.Route("/api/v0", func(r chi.Router) {
		r.Route("/modules", func(r chi.Router) {
			r.Get("/", getModulesHandler(log, app))
			r.Get("/{moduleID}", getModuleHandler(log, app))
			r.Put("/{moduleID}/triggers", setTriggersHandler(log, app))
			r.Post("/{moduleID}/readings", ingestReadingHandler(log, app))
			r.Get("/{moduleID}/readings/latest", latestReadingHandler(log, app))
			r.Post("/{moduleID}/heartbeat", heartbeatHandler(log, app))
		})

		r.Route("/mappings", func(r chi.Router) {
			r.Get("/", getMappingsHandler(log, app))
			r.Put("/{sourceID}", setMappingHandler(log, app))
			r.Delete("/{sourceID}", deleteMappingHandler(log, app))
		})

		r.Get("/cutoffs", getCutoffsHandler(log, app))
		r.Post("/cutoffs/{moduleID}", actuateCutoffHandler(log, app))

		r.Get("/emergency-history", getEmergencyHistoryHandler(log, app))
		r.Get("/emergency-history/latest", getLatestEmergencyHandler(log, app))

		r.Post("/cycles", runCycleHandler(log, app))

		r.Get("/settings", getSettingsHandler(log, app))
		r.Put("/settings", updateSettingsHandler(log, app))

		r.Get("/trigger-stats", getTriggerStatisticsHandler(log, app))

		if events != nil {
			r.Method(http.MethodGet, "/events", events)
		}
	})

	return router
}

func getModulesHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-modules")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := addTraceIDToLogger(ctx, span, log)

		modules, err := app.GetModules(ctx)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to fetch modules")
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJSON(w, http.StatusOK, modules)
	}
}

func getModuleHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-module")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := addTraceIDToLogger(ctx, span, log)

		moduleID := chi.URLParam(r, "moduleID")

		module, err := app.GetModule(ctx, moduleID)
		if err != nil {
			requestLogger.Debug().Err(err).Str("moduleID", moduleID).Msg("unable to fetch module")
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJSON(w, http.StatusOK, module)
	}
}

type triggersResponse struct {
	Module   types.Module `json:"module"`
	Disabled []string     `json:"disabled,omitempty"`
}

func setTriggersHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "set-triggers")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := addTraceIDToLogger(ctx, span, log)

		moduleID := chi.URLParam(r, "moduleID")

		rules := map[string]types.TriggerRule{}
		if err = decode(r.Body, &rules); err != nil {
			requestLogger.Error().Err(err).Msg("unable to unmarshal body")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		module, invalid, err := app.SetTriggers(ctx, moduleID, rules)
		if err != nil {
			requestLogger.Error().Err(err).Str("moduleID", moduleID).Msg("unable to set triggers")
			w.WriteHeader(statusFromError(err))
			return
		}

		response := triggersResponse{Module: module}
		for _, e := range invalid {
			response.Disabled = append(response.Disabled, e.Error())
		}

		writeJSON(w, http.StatusOK, response)
	}
}

func ingestReadingHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "ingest-reading")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := addTraceIDToLogger(ctx, span, log)

		msg := controlloop.ReadingMessage{}
		if err = decode(r.Body, &msg); err != nil {
			requestLogger.Error().Err(err).Msg("unable to unmarshal body")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		msg.ModuleID = chi.URLParam(r, "moduleID")

		module, err := app.IngestReading(ctx, msg.Reading())
		if err != nil {
			requestLogger.Error().Err(err).Str("moduleID", msg.ModuleID).Msg("unable to ingest reading")
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJSON(w, http.StatusCreated, module)
	}
}

func latestReadingHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "latest-reading")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := addTraceIDToLogger(ctx, span, log)

		moduleID := chi.URLParam(r, "moduleID")

		reading, err := app.LatestReading(ctx, moduleID)
		if err != nil {
			requestLogger.Debug().Err(err).Str("moduleID", moduleID).Msg("no latest reading")
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJSON(w, http.StatusOK, reading)
	}
}

func heartbeatHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "heartbeat")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := addTraceIDToLogger(ctx, span, log)

		moduleID := chi.URLParam(r, "moduleID")

		module, err := app.Heartbeat(ctx, moduleID)
		if err != nil {
			requestLogger.Error().Err(err).Str("moduleID", moduleID).Msg("unable to register heartbeat")
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJSON(w, http.StatusOK, module)
	}
}

func getMappingsHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-mappings")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := addTraceIDToLogger(ctx, span, log)

		mappings, err := app.GetMappings(ctx)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to fetch mappings")
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJSON(w, http.StatusOK, mappings)
	}
}

func setMappingHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "set-mapping")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := addTraceIDToLogger(ctx, span, log)

		body := struct {
			CutoffModuleID string `json:"cutoffModuleID"`
		}{}
		if err = decode(r.Body, &body); err != nil || body.CutoffModuleID == "" {
			requestLogger.Error().Err(err).Msg("body contains no cutoff module id")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		mapping, err := app.SetMapping(ctx, chi.URLParam(r, "sourceID"), body.CutoffModuleID)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to store mapping")
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJSON(w, http.StatusOK, mapping)
	}
}

func deleteMappingHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "delete-mapping")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := addTraceIDToLogger(ctx, span, log)

		err = app.DeleteMapping(ctx, chi.URLParam(r, "sourceID"))
		if err != nil {
			requestLogger.Debug().Err(err).Msg("unable to delete mapping")
			w.WriteHeader(statusFromError(err))
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func getCutoffsHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-cutoffs")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := addTraceIDToLogger(ctx, span, log)

		cutoffs, err := app.GetCutoffs(ctx)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to fetch cutoffs")
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJSON(w, http.StatusOK, cutoffs)
	}
}

func actuateCutoffHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "actuate-cutoff")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := addTraceIDToLogger(ctx, span, log)

		body := struct {
			Active      *bool  `json:"active"`
			TriggeredBy string `json:"triggeredBy"`
		}{}
		if err = decode(r.Body, &body); err != nil || body.Active == nil {
			requestLogger.Error().Err(err).Msg("body must contain active")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		moduleID := chi.URLParam(r, "moduleID")

		relay, err := app.ActuateCutoff(ctx, moduleID, *body.Active, body.TriggeredBy)
		if err != nil {
			requestLogger.Error().Err(err).Str("moduleID", moduleID).Msg("unable to actuate cutoff")
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJSON(w, http.StatusOK, relay)
	}
}

type historyResponse struct {
	Entries []types.EmergencyHistoryEntry `json:"entries"`
	Summary types.EmergencySummary        `json:"summary"`
}

func getEmergencyHistoryHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-emergency-history")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := addTraceIDToLogger(ctx, span, log)

		hours := defaultHistoryHours
		if h := r.URL.Query().Get("hours"); h != "" {
			hours, err = strconv.Atoi(h)
			if err != nil || hours <= 0 {
				requestLogger.Debug().Str("hours", h).Msg("invalid hours parameter")
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}

		entries, summary, err := app.EmergencyHistory(ctx, time.Duration(hours)*time.Hour)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to fetch emergency history")
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJSON(w, http.StatusOK, historyResponse{Entries: entries, Summary: summary})
	}
}

func getLatestEmergencyHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-latest-emergency")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := addTraceIDToLogger(ctx, span, log)

		entry, err := app.LatestEmergency(ctx)
		if err != nil {
			requestLogger.Debug().Err(err).Msg("no emergency history")
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJSON(w, http.StatusOK, entry)
	}
}

type cycleResponse struct {
	Timestamp time.Time                   `json:"timestamp"`
	History   types.EmergencyHistoryEntry `json:"history"`
	Mutations int                         `json:"mutations"`
	Errors    []string                    `json:"errors,omitempty"`
}

func runCycleHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "run-cycle")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := addTraceIDToLogger(ctx, span, log)

		result, err := app.RunCycle(ctx)
		if err != nil {
			requestLogger.Error().Err(err).Msg("cycle failed")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		response := cycleResponse{
			Timestamp: result.Timestamp,
			History:   result.History,
			Mutations: len(result.Mutations),
		}
		for _, e := range result.Errors {
			response.Errors = append(response.Errors, e.Error())
		}

		writeJSON(w, http.StatusOK, response)
	}
}

func getSettingsHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-settings")
		defer span.End()

		writeJSON(w, http.StatusOK, app.GetSettings(ctx))
	}
}

func updateSettingsHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "update-settings")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := addTraceIDToLogger(ctx, span, log)

		// fields missing from the body keep their current value
		s := app.GetSettings(ctx)
		if err = decode(r.Body, &s); err != nil {
			requestLogger.Error().Err(err).Msg("unable to unmarshal body")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		err = app.UpdateSettings(ctx, s)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to update settings")
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJSON(w, http.StatusOK, app.GetSettings(ctx))
	}
}

func getTriggerStatisticsHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-trigger-statistics")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := addTraceIDToLogger(ctx, span, log)

		stats, err := app.TriggerStatistics(ctx)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to compute trigger statistics")
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJSON(w, http.StatusOK, stats)
	}
}

func addTraceIDToLogger(ctx context.Context, span trace.Span, log zerolog.Logger) (context.Context, zerolog.Logger) {
	if traceID := span.SpanContext().TraceID(); traceID.IsValid() {
		log = log.With().Str("traceID", traceID.String()).Logger()
	}
	return logging.NewContextWithLogger(ctx, log), log
}

func decode(body io.Reader, v any) error {
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, database.ErrModuleNotFound),
		errors.Is(err, database.ErrReadingNotFound),
		errors.Is(err, database.ErrMappingNotFound),
		errors.Is(err, database.ErrNoHistory),
		errors.Is(err, cutoff.ErrCutoffModuleNotFound),
		errors.Is(err, cutoff.ErrSourceModuleNotFound),
		errors.Is(err, cutoff.ErrNotCutoffRelay),
		errors.Is(err, database.ErrNotCutoffRelay):
		return http.StatusNotFound
	case errors.Is(err, controlloop.ErrInvalidReading),
		errors.Is(err, settings.ErrInvalidSettings),
		errors.Is(err, triggers.ErrInvalidRule),
		errors.Is(err, database.ErrNoID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
