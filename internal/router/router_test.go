package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/easel/internal/gateway"
	"github.com/zulandar/easel/internal/library"
	"github.com/zulandar/easel/internal/models"
	"github.com/zulandar/easel/internal/notify"
	"github.com/zulandar/easel/internal/tracker"
)

type fakeStore struct {
	mu     sync.Mutex
	assets []library.Asset
	err    error
}

func (f *fakeStore) Store(ctx context.Context, a library.Asset) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.assets = append(f.assets, a)
	return fmt.Sprintf("/library/img_%03d.png", len(f.assets)), nil
}

type fakeSink struct {
	mu            sync.Mutex
	notifications []notify.Notification
}

func (f *fakeSink) Publish(n notify.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
}

func (f *fakeSink) all() []notify.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Notification(nil), f.notifications...)
}

type fixture struct {
	router  *Router
	store   *fakeStore
	sink    *fakeSink
	tracker *tracker.Tracker
}

func newFixture(t *testing.T, channelID string) *fixture {
	t.Helper()
	store := &fakeStore{}
	sink := &fakeSink{}
	tr := tracker.New(tracker.Opts{})
	r, err := New(Opts{ChannelID: channelID, Tracker: tr, Store: store, Sink: sink})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return &fixture{router: r, store: store, sink: sink, tracker: tr}
}

func messageEvent(t *testing.T, eventType string, msg gateway.MessageData) gateway.DispatchEvent {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	return gateway.DispatchEvent{Type: eventType, Seq: 1, Raw: raw}
}

func gridButtons() []gateway.Component {
	var row gateway.Component
	for i := 1; i <= 4; i++ {
		row.Components = append(row.Components, gateway.Component{
			CustomID: fmt.Sprintf("MJ::JOB::upsample::%d::deadbeef", i),
		})
	}
	return []gateway.Component{row}
}

func TestRoute_AssetMessageEmitsNotification(t *testing.T) {
	f := newFixture(t, "c-1")

	f.router.Route(context.Background(), messageEvent(t, gateway.EventMessageCreate, gateway.MessageData{
		ID:          "m-1",
		ChannelID:   "c-1",
		Content:     "a scenic valley --sref 1234 --v 6",
		Attachments: []gateway.Attachment{{Filename: "grid.png", URL: "https://cdn.test/grid.png"}},
		Components:  gridButtons(),
	}))

	got := f.sink.all()
	if len(got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(got))
	}
	n := got[0]
	if n.Sref != "1234" {
		t.Errorf("sref = %q, want 1234", n.Sref)
	}
	if len(n.Buttons) != 4 {
		t.Errorf("button map has %d entries, want 4", len(n.Buttons))
	}
	if n.Buttons["upscale_2"] != "MJ::JOB::upsample::2::deadbeef" {
		t.Errorf("upscale_2 = %q", n.Buttons["upscale_2"])
	}
	if n.Category != "Landscape" {
		t.Errorf("category = %q, want Landscape", n.Category)
	}
	if n.MessageID != "m-1" {
		t.Errorf("message id = %q", n.MessageID)
	}
	if n.SavePath == "" {
		t.Error("save path empty")
	}

	if len(f.store.assets) != 1 || f.store.assets[0].Sref != "1234" {
		t.Errorf("stored assets = %+v", f.store.assets)
	}
}

func TestRoute_OtherChannelIgnored(t *testing.T) {
	f := newFixture(t, "c-1")

	f.router.Route(context.Background(), messageEvent(t, gateway.EventMessageCreate, gateway.MessageData{
		ID:          "m-1",
		ChannelID:   "c-other",
		Attachments: []gateway.Attachment{{Filename: "grid.png", URL: "u"}},
	}))

	if len(f.sink.all()) != 0 {
		t.Error("notification emitted for foreign channel")
	}
}

func TestRoute_NonImageAttachmentsSkipped(t *testing.T) {
	f := newFixture(t, "")

	f.router.Route(context.Background(), messageEvent(t, gateway.EventMessageCreate, gateway.MessageData{
		ID:        "m-1",
		ChannelID: "c-1",
		Attachments: []gateway.Attachment{
			{Filename: "notes.txt", URL: "u1"},
			{Filename: "Grid.PNG", URL: "u2"},
			{Filename: "photo.jpeg", URL: "u3"},
		},
	}))

	if got := len(f.sink.all()); got != 2 {
		t.Errorf("notifications = %d, want 2 (txt skipped)", got)
	}
}

func TestRoute_StoreFailureDropsNotification(t *testing.T) {
	f := newFixture(t, "")
	f.store.err = errors.New("disk full")

	f.router.Route(context.Background(), messageEvent(t, gateway.EventMessageCreate, gateway.MessageData{
		ID:          "m-1",
		Attachments: []gateway.Attachment{{Filename: "grid.png", URL: "u"}},
	}))

	if len(f.sink.all()) != 0 {
		t.Error("notification emitted despite failed store")
	}
}

func TestRoute_AcknowledgesTrackedCommand(t *testing.T) {
	f := newFixture(t, "")
	f.tracker.Track("m-1", models.KindImagine, "", tracker.Payload{Prompt: "a valley"})

	f.router.Route(context.Background(), messageEvent(t, gateway.EventMessageUpdate, gateway.MessageData{
		ID:          "m-1",
		Attachments: []gateway.Attachment{{Filename: "grid.png", URL: "u"}},
	}))

	cmd, ok := f.tracker.Get("m-1")
	if !ok {
		t.Fatal("command lost")
	}
	if cmd.Status != models.StatusAcknowledged {
		t.Errorf("status = %q, want acknowledged", cmd.Status)
	}
	if got := f.sink.all(); len(got) != 1 || got[0].Origin != "m-1" {
		t.Errorf("notifications = %+v, want origin m-1", got)
	}
}

func TestRoute_UntrackedMessageTolerated(t *testing.T) {
	f := newFixture(t, "")

	// No tracked command for this id: the miss must not be fatal and the
	// notification goes out without an origin.
	f.router.Route(context.Background(), messageEvent(t, gateway.EventMessageCreate, gateway.MessageData{
		ID:          "m-unknown",
		Attachments: []gateway.Attachment{{Filename: "grid.png", URL: "u"}},
	}))

	got := f.sink.all()
	if len(got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(got))
	}
	if got[0].Origin != "" {
		t.Errorf("origin = %q, want empty", got[0].Origin)
	}
}

func TestRoute_UnknownEventTypeIgnored(t *testing.T) {
	f := newFixture(t, "")
	// Must log and continue, not panic.
	f.router.Route(context.Background(), gateway.DispatchEvent{Type: "GUILD_UPDATE", Raw: []byte(`{}`)})
	if len(f.sink.all()) != 0 {
		t.Error("notification emitted for unknown event")
	}
}

func TestRun_StopsWhenEventsClose(t *testing.T) {
	f := newFixture(t, "")
	events := make(chan gateway.DispatchEvent)
	done := make(chan struct{})
	go func() {
		f.router.Run(context.Background(), events)
		close(done)
	}()

	events <- messageEvent(t, gateway.EventMessageCreate, gateway.MessageData{
		ID:          "m-1",
		Attachments: []gateway.Attachment{{Filename: "grid.png", URL: "u"}},
	})
	close(events)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop after events closed")
	}
	if len(f.sink.all()) != 1 {
		t.Errorf("notifications = %d, want 1", len(f.sink.all()))
	}
}

func TestExtractButtons(t *testing.T) {
	row := gateway.Component{Components: []gateway.Component{
		{CustomID: "MJ::JOB::upsample::1::aa"},
		{CustomID: "MJ::JOB::variation::1::aa"},
		{CustomID: "MJ::JOB::reroll::0::aa::SOLO"},
		{CustomID: "other-button"},
	}}
	buttons := ExtractButtons([]gateway.Component{row})

	if buttons["upscale_1"] != "MJ::JOB::upsample::1::aa" {
		t.Errorf("upscale_1 = %q", buttons["upscale_1"])
	}
	if buttons["variation_1"] != "MJ::JOB::variation::1::aa" {
		t.Errorf("variation_1 = %q", buttons["variation_1"])
	}
	if _, ok := buttons["other-button"]; ok {
		t.Error("non-job button extracted")
	}
}

func TestExtractSref(t *testing.T) {
	cases := []struct {
		content string
		want    string
	}{
		{"a valley --sref 1234 --v 6", "1234"},
		{"--sref   42", "42"},
		{"no token here", ""},
		{"--sref notanumber", ""},
	}
	for _, tc := range cases {
		if got := ExtractSref(tc.content); got != tc.want {
			t.Errorf("ExtractSref(%q) = %q, want %q", tc.content, got, tc.want)
		}
	}
}

func TestCategorize(t *testing.T) {
	cases := []struct {
		content string
		want    string
	}{
		{"commercial product shot of a watch", "Product_Photography"},
		{"a scenic landscape", "Landscape"},
		{"modern building facade", "Architecture"},
		{"STILL LIFE with fruit", "Still_Life"},
		{"abstract blob", ""},
		// First matching rule wins over later ones.
		{"product shot inside a room", "Product_Photography"},
	}
	for _, tc := range cases {
		if got := Categorize(tc.content); got != tc.want {
			t.Errorf("Categorize(%q) = %q, want %q", tc.content, got, tc.want)
		}
	}
}
