// Package statsgrp maintains the group of handlers for the runtime
// stats surface.
package statsgrp

import (
	"context"
	"net/http"
	"time"

	"github.com/ferrumserver/ferrum/foundation/events"
	"github.com/ferrumserver/ferrum/foundation/indexer/state"
	"github.com/ferrumserver/ferrum/foundation/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handlers manages the set of stats endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
	WS    websocket.Upgrader
	Evts  *events.Events
}

// Stats returns the full runtime snapshot.
func (h Handlers) Stats(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.State.RetrieveStats(), http.StatusOK)
}

// Sync returns just the chain synchronization detail.
func (h Handlers) Sync(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	stats := h.State.RetrieveStats()

	sync := struct {
		Phase     string    `json:"phase"`
		Height    int32     `json:"height"`
		TipHash   string    `json:"tip_hash"`
		Cycles    uint64    `json:"cycles"`
		Reorgs    uint64    `json:"reorgs"`
		LastPoll  time.Time `json:"last_poll"`
		LastError string    `json:"last_error,omitempty"`
	}{
		Phase:     stats.Phase,
		Height:    stats.Height,
		TipHash:   stats.TipHash,
		Cycles:    stats.Cycles,
		Reorgs:    stats.Reorgs,
		LastPoll:  stats.LastPoll,
		LastError: stats.LastError,
	}

	return web.Respond(ctx, w, sync, http.StatusOK)
}

// Events handles a web socket to provide server events to a client.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := h.Evts.Acquire(v.TraceID)
	defer h.Evts.Release(v.TraceID)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, wd := <-ch:
			if !wd {
				return nil
			}

			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}
