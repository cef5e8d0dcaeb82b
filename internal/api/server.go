// Package api serves the tabsink HTTP API: listener status, the latest
// snapshot, per-tab process stats, resync requests and a live event
// stream, next to the WebSocket endpoint streamers connect to.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/tabstream/internal/procstat"
	"github.com/dgnsrekt/tabstream/internal/relay"
	"github.com/dgnsrekt/tabstream/internal/sink"
)

// Service is the listener state the API exposes. *sink.Hub implements it.
type Service interface {
	Status() sink.Status
	Latest() (sink.Latest, bool)
	Resync(ctx context.Context) (int, error)
	Processes() procstat.Report
}

// Options wires the non-JSON endpoints.
type Options struct {
	// Streams handles streamer WebSocket connections at "/".
	Streams http.Handler
	// Broker feeds GET /api/v1/events. Nil disables the route.
	Broker *relay.Broker
	// ResyncLimiter throttles POST /api/v1/resync. Nil means unlimited.
	ResyncLimiter *rate.Limiter
}

type statusOutput struct {
	Body sink.Status
}

type tabsOutput struct {
	Body sink.Latest
}

type processesOutput struct {
	Body procstat.Report
}

type resyncOutput struct {
	Body struct {
		Peers int `json:"peers" doc:"Streamers the resync request reached"`
	}
}

func NewServer(svc Service, opts Options) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("tabsink API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", docsHandler(opts.Broker != nil))
	if opts.Streams != nil {
		router.Get("/", opts.Streams.ServeHTTP)
	}
	if opts.Broker != nil {
		router.Get("/api/v1/events", relay.SSEHandler(opts.Broker))
	}

	huma.Register(api, huma.Operation{OperationID: "get-status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Listener status and connected streamers", Tags: []string{"Listener"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			out := &statusOutput{}
			out.Body = svc.Status()
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "Latest received tab snapshot", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
			latest, ok := svc.Latest()
			if !ok {
				return nil, huma.Error404NotFound("no snapshot received yet")
			}
			out := &tabsOutput{}
			out.Body = latest
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-processes", Method: http.MethodGet, Path: "/api/v1/processes", Summary: "Per-tab renderer memory, CPU and idle times", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*processesOutput, error) {
			out := &processesOutput{}
			out.Body = svc.Processes()
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "resync", Method: http.MethodPost, Path: "/api/v1/resync", Summary: "Ask connected streamers to resend their tabs", Tags: []string{"Tabs"}, DefaultStatus: http.StatusAccepted},
		func(ctx context.Context, input *struct{}) (*resyncOutput, error) {
			if opts.ResyncLimiter != nil && !opts.ResyncLimiter.Allow() {
				return nil, huma.Error429TooManyRequests("resync rate limit exceeded")
			}
			n, err := svc.Resync(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &resyncOutput{}
			out.Body.Peers = n
			return out, nil
		})

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, sink.ErrNoPeers):
		return huma.Error503ServiceUnavailable(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return huma.Error504GatewayTimeout(err.Error())
	default:
		return huma.Error500InternalServerError(err.Error())
	}
}
