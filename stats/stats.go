// Package stats serves a netconn.Connection's live counters and error
// levels as read-only JSON over a small chi router. Handlers only ever
// read from the Connection; the tick goroutine remains its sole writer.
package stats

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/anon55555/reliable/channel"
	"github.com/anon55555/reliable/netconn"
)

// ChannelStats is one channel's counters and error state at the moment of
// the request.
type ChannelStats struct {
	Index            int    `json:"index"`
	Kind             string `json:"kind"`
	ErrorLevel       string `json:"error_level"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	Dropped          uint64 `json:"dropped"`
	Resent           uint64 `json:"resent"`
}

// ConnectionStats is the full JSON body served at GET /stats.
type ConnectionStats struct {
	ErrorLevel string         `json:"error_level"`
	Channels   []ChannelStats `json:"channels"`
}

// Snapshot reads conn's current counters and error levels without
// mutating anything.
func Snapshot(conn *netconn.Connection, kinds []channel.Kind) ConnectionStats {
	out := ConnectionStats{
		ErrorLevel: conn.GetErrorLevel().String(),
		Channels:   make([]ChannelStats, conn.NumChannels()),
	}
	for i := 0; i < conn.NumChannels(); i++ {
		ch := conn.Channel(i)
		kind := ""
		if i < len(kinds) {
			kind = kinds[i].String()
		}
		out.Channels[i] = ChannelStats{
			Index:            i,
			Kind:             kind,
			ErrorLevel:       ch.GetErrorLevel().String(),
			MessagesSent:     ch.GetCounter(channel.CounterMessagesSent),
			MessagesReceived: ch.GetCounter(channel.CounterMessagesReceived),
			Dropped:          ch.GetCounter(channel.CounterDropped),
			Resent:           ch.GetCounter(channel.CounterResent),
		}
	}
	return out
}

// NewRouter builds the stats HTTP handler. kinds should list each
// channel's configured channel.Kind, in index order, for the JSON body's
// "kind" field; it may be shorter than the connection's channel count, in
// which case trailing channels report an empty kind.
func NewRouter(conn *netconn.Connection, kinds []channel.Kind) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(Snapshot(conn, kinds)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	return r
}
