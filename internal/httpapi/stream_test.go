package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"ceremony/internal/ceremony"
)

type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// readEvents parses the stream into events, skipping comments.
func readEvents(t *testing.T, body *bufio.Reader) <-chan sseEvent {
	t.Helper()
	out := make(chan sseEvent, 16)
	go func() {
		defer close(out)
		var ev sseEvent
		for {
			line, err := body.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			if line == "" {
				if ev.Event != "" {
					out <- ev
				}
				ev = sseEvent{}
				continue
			}
			if strings.HasPrefix(line, ":") {
				out <- sseEvent{Event: "comment"}
				continue
			}
			key, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch key {
			case "id":
				ev.ID = value
			case "event":
				ev.Event = value
			case "data":
				ev.Data = value
			}
		}
	}()
	return out
}

func next(t *testing.T, events <-chan sseEvent, skipComments bool) sseEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("stream closed")
			}
			if skipComments && ev.Event == "comment" {
				continue
			}
			return ev
		case <-timeout:
			t.Fatal("no event received")
		}
	}
}

func TestAnnouncementStream(t *testing.T) {
	a := newTestAPI(t, nil)
	g := a.register(t, "S1")
	ctx := context.Background()
	if _, err := a.deps.Lifecycle.MarkQueued(ctx, g.ID); err != nil {
		t.Fatalf("queue: %v", err)
	}

	srv := httptest.NewServer(a.router)
	defer srv.Close()
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/v1/announcement/stream", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}
	events := readEvents(t, bufio.NewReader(resp.Body))

	connected := next(t, events, true)
	if connected.Event != EventConnected || connected.ID == "" {
		t.Fatalf("unexpected first event %+v", connected)
	}

	ann, err := a.deps.Sequencer.AnnounceNext(ctx, 1)
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	ev := next(t, events, true)
	if ev.Event != EventAnnounced || ev.ID != strconv.FormatInt(ann.UpdatedAt.UnixNano(), 10) {
		t.Fatalf("unexpected event %+v", ev)
	}
	var payload struct {
		Graduate  ceremony.Graduate `json:"graduate"`
		UpdatedAt time.Time         `json:"updated_at"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
		t.Fatalf("decode %q: %v", ev.Data, err)
	}
	if payload.Graduate.StudentID != "S1" || !payload.UpdatedAt.Equal(ann.UpdatedAt) {
		t.Fatalf("unexpected payload %+v", payload)
	}

	// A duplicate hint from another source is not forwarded twice.
	a.hub.Publish(ann)

	cleared, err := a.deps.Sequencer.Clear(ctx)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	ev = next(t, events, true)
	if ev.Event != EventCleared || ev.ID != strconv.FormatInt(cleared.UpdatedAt.UnixNano(), 10) {
		t.Fatalf("expected cleared event, got %+v", ev)
	}

	if hb := next(t, events, false); hb.Event != "comment" {
		t.Fatalf("expected heartbeat, got %+v", hb)
	}
	if a.hub.Subscribers() != 1 {
		t.Fatalf("expected one subscriber, got %d", a.hub.Subscribers())
	}
}
