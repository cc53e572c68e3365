package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/watzon/fixiplug/internal/hooks"
	"github.com/watzon/fixiplug/internal/introspect"
	"github.com/watzon/fixiplug/internal/realtime"
	"github.com/watzon/fixiplug/internal/requestctx"
	"github.com/watzon/fixiplug/internal/state"
)

type HandlerFunc func(http.ResponseWriter, *http.Request)

// Handlers serves the HTTP API over a hook engine. Coordinator and broker
// are optional.
type Handlers struct {
	engine      *hooks.Engine
	coordinator *state.Coordinator
	broker      *realtime.Broker
	catalog     *introspect.Catalog
	version     string
}

type Options struct {
	Coordinator *state.Coordinator
	Broker      *realtime.Broker
	Catalog     *introspect.Catalog
	Version     string
}

func New(engine *hooks.Engine, opts Options) *Handlers {
	catalog := opts.Catalog
	if catalog == nil {
		catalog = introspect.MustCatalog(introspect.DefaultRules)
	}
	return &Handlers{
		engine:      engine,
		coordinator: opts.Coordinator,
		broker:      opts.Broker,
		catalog:     catalog,
		version:     opts.Version,
	}
}

var startTime = time.Now()

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": h.version,
		"uptime":  time.Since(startTime).Round(time.Second).String(),
		"plugins": len(h.engine.Plugins()),
		"bus":     h.engine.BusStats(),
	}
	if h.broker != nil {
		resp["realtime"] = h.broker.Stats()
	}
	JSON(w, http.StatusOK, resp)
}

// decodeEvent reads an optional JSON object body. An empty body is an empty event.
func decodeEvent(r *http.Request) (hooks.Event, error) {
	ev := hooks.Event{}
	if r.Body == nil {
		return ev, nil
	}

	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		if errors.Is(err, io.EOF) {
			return hooks.Event{}, nil
		}
		return nil, err
	}
	if ev == nil {
		ev = hooks.Event{}
	}
	return ev, nil
}

// Dispatch runs a hook synchronously and returns the final event. The
// request context bounds blocking handlers such as api:waitForState.
func (h *Handlers) Dispatch(w http.ResponseWriter, r *http.Request) {
	hook := r.PathValue("hook")

	ev, err := decodeEvent(r)
	if err != nil {
		RequestError(w, r, http.StatusBadRequest, "BAD_REQUEST", "Request body must be a JSON object")
		return
	}

	out := h.engine.Dispatch(r.Context(), hook, ev)
	requestctx.Logger(r.Context()).Debug().
		Str("hook", hook).
		Bool("error", out.Err() != "").
		Dur("elapsed", requestctx.Elapsed(r.Context())).
		Msg("HTTP dispatch completed")
	HookResult(w, out)
}

// Emit queues a deferred dispatch.
func (h *Handlers) Emit(w http.ResponseWriter, r *http.Request) {
	hook := r.PathValue("hook")

	ev, err := decodeEvent(r)
	if err != nil {
		RequestError(w, r, http.StatusBadRequest, "BAD_REQUEST", "Request body must be a JSON object")
		return
	}

	if !h.engine.Emit(hook, ev) {
		requestctx.Logger(r.Context()).Warn().Str("hook", hook).Msg("HTTP emission dropped")
		RequestError(w, r, http.StatusTooManyRequests, "EMIT_DROPPED", "Emission dropped by the event queue")
		return
	}
	JSON(w, http.StatusAccepted, map[string]any{"queued": true, "hook": hook})
}

func (h *Handlers) ListPlugins(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"plugins": h.engine.Plugins(),
	})
}

func (h *Handlers) EnablePlugin(w http.ResponseWriter, r *http.Request) {
	h.setPluginEnabled(w, r, true)
}

func (h *Handlers) DisablePlugin(w http.ResponseWriter, r *http.Request) {
	h.setPluginEnabled(w, r, false)
}

func (h *Handlers) setPluginEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := r.PathValue("name")

	var ok bool
	if enabled {
		ok = h.engine.Enable(name)
	} else {
		ok = h.engine.Disable(name)
	}
	if !ok {
		NotFound(w, "Plugin not found: "+name)
		return
	}

	JSON(w, http.StatusOK, map[string]any{"name": name, "enabled": enabled})
}

func (h *Handlers) RemovePlugin(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if !h.engine.Unuse(name) {
		NotFound(w, "Plugin not found: "+name)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) Capabilities(w http.ResponseWriter, r *http.Request) {
	caps := h.catalog.Describe(h.engine.Hooks())
	JSON(w, http.StatusOK, map[string]any{
		"capabilities": caps,
		"summary":      introspect.Summary(caps),
	})
}

func (h *Handlers) CurrentState(w http.ResponseWriter, r *http.Request) {
	if h.coordinator == nil {
		NotFound(w, "State coordinator is disabled")
		return
	}
	JSON(w, http.StatusOK, h.coordinator.CurrentState())
}

func (h *Handlers) StateHistory(w http.ResponseWriter, r *http.Request) {
	if h.coordinator == nil {
		NotFound(w, "State coordinator is disabled")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			BadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	res := h.coordinator.History(limit)
	JSON(w, http.StatusOK, map[string]any{
		"history":          res.History,
		"currentState":     res.CurrentState,
		"totalTransitions": res.TotalTransitions,
		"count":            len(res.History),
	})
}
