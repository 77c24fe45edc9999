// Package v1 contains the full set of handler functions and routes
// supported by the v1 web api.
package v1

import (
	"net/http"

	"github.com/ferrumserver/ferrum/app/services/ferrum/handlers/v1/statsgrp"
	"github.com/ferrumserver/ferrum/foundation/events"
	"github.com/ferrumserver/ferrum/foundation/indexer/state"
	"github.com/ferrumserver/ferrum/foundation/web"
	"go.uber.org/zap"
)

const version = "v1"

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log   *zap.SugaredLogger
	State *state.State
	Evts  *events.Events
}

// Routes binds all the version 1 routes.
func Routes(app *web.App, cfg Config) {
	sgh := statsgrp.Handlers{
		Log:   cfg.Log,
		State: cfg.State,
		Evts:  cfg.Evts,
	}

	app.Handle(http.MethodGet, version, "/stats", sgh.Stats)
	app.Handle(http.MethodGet, version, "/sync", sgh.Sync)
	app.Handle(http.MethodGet, version, "/events", sgh.Events)
}
