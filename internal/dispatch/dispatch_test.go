package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-session/internal/logging"
	"github.com/example/ride-session/internal/models"
)

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(ctx context.Context, customerID, title, message string) error {
	return f.err
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	m := Multi{LogNotifier{Logger: logging.Discard()}, failingNotifier{err: boom}}
	if err := m.Notify(context.Background(), "c1", "t", "m"); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := (Multi{LogNotifier{Logger: logging.Discard()}}).Notify(context.Background(), "c1", "t", "m"); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestPushNotifier(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPushNotifier(srv.URL, "secret")
	if err := p.Notify(context.Background(), "c1", "Driver found", "On the way"); err != nil {
		t.Fatal(err)
	}
	if auth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", auth)
	}
	if ids, ok := got["include_external_user_ids"].([]any); !ok || ids[0] != "c1" {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestPushNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if err := NewPushNotifier(srv.URL, "").Notify(context.Background(), "c1", "t", "m"); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestWSRegistryOfferAndNotify(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add(r.URL.Query().Get("id"), conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?id=d1"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		err = reg.Offer("d1", models.RideOffer{RideID: "r1", DriverID: "d1", Price: 300})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrNoSession) || time.Now().After(deadline) {
			t.Fatalf("offer failed: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	var offer map[string]any
	if err := client.ReadJSON(&offer); err != nil {
		t.Fatal(err)
	}
	if offer["type"] != "ride_offer" || offer["ride_id"] != "r1" {
		t.Fatalf("unexpected offer %+v", offer)
	}

	if err := reg.Notify(context.Background(), "d1", "Hello", "World"); err != nil {
		t.Fatal(err)
	}
	var n Notification
	if err := client.ReadJSON(&n); err != nil {
		t.Fatal(err)
	}
	if n.Title != "Hello" || n.Type != "notification" {
		t.Fatalf("unexpected notification %+v", n)
	}

	if err := reg.Send("nobody", n); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}
