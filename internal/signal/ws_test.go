package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// gatewayHandler speaks just enough of the mailbox gateway protocol for the
// websocket client: every subscribe request is answered with a snapshot
// notification carrying rec, and everything else is ignored.
func gatewayHandler(rec Record) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env inboundEnvelope
			if json.Unmarshal(msg, &env) != nil || env.Method != methodSubscribe {
				continue
			}
			params, err := json.Marshal(snapshotNotification{SessionID: rec.SessionID, Record: rec})
			if err != nil {
				return
			}
			out, err := json.Marshal(struct {
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}{methodSnapshot, params})
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}
}

func TestWSMailboxDeliversSnapshotToEverySubscriber(t *testing.T) {
	rec := Record{SessionID: "s1", ReadyToReceive: true, CalleePresent: true}
	srv := httptest.NewServer(gatewayHandler(rec))
	defer srv.Close()

	m, err := DialMailbox(context.Background(), strings.TrimPrefix(srv.URL, "http://"), time.Second)
	if err != nil {
		t.Fatalf("DialMailbox failed: %v", err)
	}
	defer m.Close()

	firstCh := make(chan Record, 4)
	unsub1, err := m.Subscribe(context.Background(), "s1", func(r Record) { firstCh <- r })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsub1()

	select {
	case got := <-firstCh:
		if !got.ReadyToReceive {
			t.Errorf("first subscriber snapshot = %+v, want readyToReceive", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first subscriber never received the subscribe-time snapshot")
	}

	// The gateway only snapshots on its one subscribe per session; a second
	// local subscriber on a quiet session must still observe the current
	// record, not wait for the next remote mutation.
	secondCh := make(chan Record, 4)
	unsub2, err := m.Subscribe(context.Background(), "s1", func(r Record) { secondCh <- r })
	if err != nil {
		t.Fatalf("second Subscribe failed: %v", err)
	}
	defer unsub2()

	select {
	case got := <-secondCh:
		if !got.ReadyToReceive || !got.CalleePresent {
			t.Errorf("second subscriber snapshot = %+v, want the current record", got)
		}
	case <-time.After(time.Second):
		t.Fatal("second subscriber received no snapshot at subscribe time")
	}
}
