package stats

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/anon55555/reliable/channel"
	"github.com/anon55555/reliable/internal/testfactory"
	"github.com/anon55555/reliable/message"
	"github.com/anon55555/reliable/netconn"
)

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestConnection(t *testing.T) *netconn.Connection {
	t.Helper()
	cfg := netconn.DefaultConfig(channel.ReliableOrdered, channel.UnreliableUnordered)
	conn, err := netconn.NewConnection(cfg, testfactory.Factory{}, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	return conn
}

func TestSnapshotReportsPerChannelCounters(t *testing.T) {
	conn := newTestConnection(t)

	m := message.New(testfactory.MaxType)
	m.Payload = &testfactory.Payload{Data: []byte("x")}
	conn.Channel(0).SendMessage(m)

	kinds := []channel.Kind{channel.ReliableOrdered, channel.UnreliableUnordered}
	snap := Snapshot(conn, kinds)

	if len(snap.Channels) != 2 {
		t.Fatalf("got %d channels, want 2", len(snap.Channels))
	}
	if snap.Channels[0].Kind != "reliable-ordered" {
		t.Fatalf("channel 0 kind = %q, want reliable-ordered", snap.Channels[0].Kind)
	}
	if snap.Channels[0].MessagesSent != 1 {
		t.Fatalf("channel 0 MessagesSent = %d, want 1", snap.Channels[0].MessagesSent)
	}
	if snap.ErrorLevel != "none" {
		t.Fatalf("ErrorLevel = %q, want none", snap.ErrorLevel)
	}
}

func TestRouterServesJSON(t *testing.T) {
	conn := newTestConnection(t)
	kinds := []channel.Kind{channel.ReliableOrdered, channel.UnreliableUnordered}

	srv := httptest.NewServer(NewRouter(conn, kinds))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body ConnectionStats
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Channels) != 2 {
		t.Fatalf("got %d channels, want 2", len(body.Channels))
	}
}
