package lpfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lpServer(t *testing.T, frames ...string) (*httptest.Server, chan subscribeMsg) {
	t.Helper()
	subs := make(chan subscribeMsg, 8)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var m subscribeMsg
		if err := conn.ReadJSON(&m); err != nil {
			return
		}
		subs <- m
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)
	return srv, subs
}

func TestClient_StreamsQuotes(t *testing.T) {
	srv, subs := lpServer(t,
		`{"type":"heartbeat"}`,
		`{"type":"quote","data":[{"i":"EURUSD","b":1.1,"a":1.1002,"bq":5,"aq":7,"t":1709546400000}]}`,
	)
	c := New(Config{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		ProviderID:  "lp-a",
		Instruments: []string{"EURUSD"},
	}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Subscribe(ctx))
	assert.True(t, c.IsConnected())
	assert.Equal(t, subscribeMsg{Type: "subscribe", Instrument: "EURUSD"}, <-subs)

	quotes, _ := c.Read(ctx)
	select {
	case q := <-quotes:
		require.NotNil(t, q)
		assert.Equal(t, "EURUSD", q.InstrumentID)
		assert.Equal(t, "lp-a", q.ProviderID)
		assert.Equal(t, 1.1002, q.Ask)
		assert.Equal(t, 7.0, q.AskQty)
		assert.Equal(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC), q.ObservedAt)
	case <-ctx.Done():
		t.Fatal("no quote received")
	}
	require.NoError(t, c.Close())
	assert.False(t, c.IsConnected())
}

func TestClient_SubscribeRequiresConnection(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1"}, nil)
	assert.Error(t, c.Subscribe(context.Background()))
}

func TestDecode_IgnoresOtherFrames(t *testing.T) {
	c := &Client{cfg: Config{ProviderID: "p"}}
	assert.Empty(t, c.decode([]byte(`not json`)))
	assert.Empty(t, c.decode([]byte(`{"type":"status","data":[{"i":"X"}]}`)))
	assert.Len(t, c.decode([]byte(`{"type":"quote","data":[{"i":"X","b":1,"a":2},{"i":"Y","b":1,"a":2}]}`)), 2)
}
