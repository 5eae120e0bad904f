package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/easel/internal/gateway"
	"github.com/zulandar/easel/internal/models"
	"github.com/zulandar/easel/internal/ratelimit"
	"github.com/zulandar/easel/internal/tracker"
)

type stubSession struct {
	state gateway.State
	id    string
}

func (s *stubSession) State() gateway.State { return s.state }
func (s *stubSession) SessionID() string    { return s.id }

// stubLimiter replays a script of admission decisions, defaulting to allow.
type stubLimiter struct {
	mu         sync.Mutex
	script     []ratelimit.Decision
	categories []string
}

func (l *stubLimiter) Admit(category string) ratelimit.Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.categories = append(l.categories, category)
	if len(l.script) == 0 {
		return ratelimit.Decision{Allowed: true}
	}
	d := l.script[0]
	l.script = l.script[1:]
	return d
}

type trackedCall struct {
	id, kind, originID string
	payload            tracker.Payload
}

type stubTracker struct {
	mu       sync.Mutex
	tracked  []trackedCall
	statuses map[string]string
}

func (s *stubTracker) Track(id, kind, originID string, p tracker.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked = append(s.tracked, trackedCall{id, kind, originID, p})
}

func (s *stubTracker) UpdateStatus(id, status string, extra map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses == nil {
		s.statuses = map[string]string{}
	}
	s.statuses[id] = status
}

// fakeAPI serves the command-version list and records interaction posts.
type fakeAPI struct {
	mu              sync.Mutex
	versionHits     int
	interactions    []map[string]interface{}
	interactionCode int
	version         string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{interactionCode: http.StatusNoContent, version: "1166847114203123795"}
}

func (a *fakeAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		switch {
		case strings.HasSuffix(r.URL.Path, "/commands"):
			a.versionHits++
			fmt.Fprintf(w, `[{"name":"blend","version":"1"},{"name":"imagine","version":%q}]`, a.version)
		case strings.HasSuffix(r.URL.Path, "/interactions"):
			var payload map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			a.interactions = append(a.interactions, payload)
			w.WriteHeader(a.interactionCode)
		default:
			http.NotFound(w, r)
		}
	})
}

func (a *fakeAPI) interactionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.interactions)
}

func (a *fakeAPI) lastInteraction(t *testing.T) map[string]interface{} {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.interactions) == 0 {
		t.Fatal("no interaction posted")
	}
	return a.interactions[len(a.interactions)-1]
}

type fixture struct {
	dispatcher *Dispatcher
	api        *fakeAPI
	limiter    *stubLimiter
	tracker    *stubTracker
	session    *stubSession
	clock      *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	api := newFakeAPI()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	session := &stubSession{state: gateway.StateReady, id: "sess-1"}
	limiter := &stubLimiter{}
	log := &stubTracker{}
	clock := time.Unix(1000000, 0)

	retry := ratelimit.DefaultRetryPolicy()
	retry.Retriable = retriable
	retry.Sleep = func(context.Context, time.Duration) error { return nil }

	seq := 0
	d, err := New(Opts{
		Session:   session,
		Limiter:   limiter,
		Tracker:   log,
		Token:     "user-token",
		GuildID:   "g-1",
		ChannelID: "c-1",
		APIBase:   srv.URL,
		Retry:     &retry,
		Now:       func() time.Time { return clock },
		NewID: func() string {
			seq++
			return fmt.Sprintf("cmd-%d", seq)
		},
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return &fixture{dispatcher: d, api: api, limiter: limiter, tracker: log, session: session, clock: &clock}
}

func TestImagine_SendsInteraction(t *testing.T) {
	f := newFixture(t)

	id, err := f.dispatcher.Imagine(context.Background(), "a castle at dusk")
	if err != nil {
		t.Fatalf("imagine: %v", err)
	}
	if id != "cmd-1" {
		t.Errorf("id = %q, want cmd-1", id)
	}

	got := f.api.lastInteraction(t)
	if got["type"].(float64) != 2 {
		t.Errorf("interaction type = %v, want 2", got["type"])
	}
	if got["application_id"] != MidjourneyAppID {
		t.Errorf("application_id = %v", got["application_id"])
	}
	if got["session_id"] != "sess-1" {
		t.Errorf("session_id = %v", got["session_id"])
	}
	data := got["data"].(map[string]interface{})
	if data["version"] != "1166847114203123795" {
		t.Errorf("version = %v", data["version"])
	}
	opts := data["options"].([]interface{})
	if opt := opts[0].(map[string]interface{}); opt["value"] != "a castle at dusk" {
		t.Errorf("prompt option = %v", opt)
	}

	if len(f.tracker.tracked) != 1 {
		t.Fatalf("tracked %d commands, want 1", len(f.tracker.tracked))
	}
	tc := f.tracker.tracked[0]
	if tc.kind != models.KindImagine || tc.originID != "" || tc.payload.Prompt != "a castle at dusk" {
		t.Errorf("tracked = %+v", tc)
	}
	if f.limiter.categories[0] != ratelimit.CategoryImagine {
		t.Errorf("admitted category = %q", f.limiter.categories[0])
	}
}

func TestImagine_NotReadyFailsFast(t *testing.T) {
	f := newFixture(t)
	f.session.state = gateway.StateConnecting

	_, err := f.dispatcher.Imagine(context.Background(), "anything")
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if f.api.interactionCount() != 0 {
		t.Error("interaction posted despite session not ready")
	}
	if len(f.tracker.tracked) != 0 {
		t.Error("command tracked despite fast failure")
	}
}

func TestImagine_VersionCachedWithinTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.Imagine(ctx, "first")
	*f.clock = f.clock.Add(30 * time.Minute)
	f.dispatcher.Imagine(ctx, "second")

	if f.api.versionHits != 1 {
		t.Errorf("version fetched %d times, want 1", f.api.versionHits)
	}
}

func TestImagine_VersionRefetchedAfterTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.Imagine(ctx, "first")
	*f.clock = f.clock.Add(versionTTL + time.Minute)
	f.dispatcher.Imagine(ctx, "second")

	if f.api.versionHits != 2 {
		t.Errorf("version fetched %d times, want 2", f.api.versionHits)
	}
}

func TestUpscale_UsesButtonReference(t *testing.T) {
	f := newFixture(t)

	id, err := f.dispatcher.Upscale(context.Background(), "m-42", 2, "MJ::JOB::upsample::2::deadbeef")
	if err != nil {
		t.Fatalf("upscale: %v", err)
	}

	got := f.api.lastInteraction(t)
	if got["type"].(float64) != 3 {
		t.Errorf("interaction type = %v, want 3", got["type"])
	}
	if got["message_id"] != "m-42" {
		t.Errorf("message_id = %v", got["message_id"])
	}
	data := got["data"].(map[string]interface{})
	if data["custom_id"] != "MJ::JOB::upsample::2::deadbeef" {
		t.Errorf("custom_id = %v", data["custom_id"])
	}
	if data["component_type"].(float64) != 2 {
		t.Errorf("component_type = %v", data["component_type"])
	}

	tc := f.tracker.tracked[0]
	if tc.id != id || tc.kind != models.KindUpscale || tc.originID != "m-42" || tc.payload.Slot != 2 {
		t.Errorf("tracked = %+v", tc)
	}
	if f.limiter.categories[0] != ratelimit.CategoryUpscale {
		t.Errorf("admitted category = %q", f.limiter.categories[0])
	}
}

func TestUpscale_RequiresButtonReference(t *testing.T) {
	f := newFixture(t)
	if _, err := f.dispatcher.Upscale(context.Background(), "m-42", 2, ""); err == nil {
		t.Fatal("expected error for missing button reference")
	}
}

func TestVariation_SynthesizesButtonReference(t *testing.T) {
	f := newFixture(t)

	if _, err := f.dispatcher.Variation(context.Background(), "m-42", 3); err != nil {
		t.Fatalf("variation: %v", err)
	}
	data := f.api.lastInteraction(t)["data"].(map[string]interface{})
	if data["custom_id"] != "MJ::JOB::variation::3" {
		t.Errorf("custom_id = %v", data["custom_id"])
	}
	if f.limiter.categories[0] != ratelimit.CategoryVariation {
		t.Errorf("admitted category = %q", f.limiter.categories[0])
	}
}

func TestPressButton_SlotOutOfRange(t *testing.T) {
	f := newFixture(t)
	for _, slot := range []int{0, 5, -1} {
		if _, err := f.dispatcher.Variation(context.Background(), "m-42", slot); err == nil {
			t.Errorf("slot %d: expected range error", slot)
		}
	}
}

func TestSend_RetriesAfterRateLimit(t *testing.T) {
	f := newFixture(t)
	f.limiter.script = []ratelimit.Decision{
		{Allowed: false, Wait: 400 * time.Millisecond},
		{Allowed: true},
	}

	if _, err := f.dispatcher.Variation(context.Background(), "m-42", 1); err != nil {
		t.Fatalf("variation: %v", err)
	}
	if f.api.interactionCount() != 1 {
		t.Errorf("interactions posted = %d, want 1", f.api.interactionCount())
	}
	if len(f.limiter.categories) != 2 {
		t.Errorf("admission checks = %d, want 2", len(f.limiter.categories))
	}
}

func TestSend_RateLimitExhaustedReportsFailure(t *testing.T) {
	f := newFixture(t)
	f.limiter.script = []ratelimit.Decision{
		{Allowed: false, Wait: time.Second},
		{Allowed: false, Wait: time.Second},
		{Allowed: false, Wait: time.Second},
	}

	id, err := f.dispatcher.Variation(context.Background(), "m-42", 1)
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if f.api.interactionCount() != 0 {
		t.Error("interaction posted despite exhausted admission")
	}
	if got := f.tracker.statuses[id]; got != models.StatusFailed {
		t.Errorf("tracked status = %q, want failed", got)
	}
}

func TestSend_RejectedStatusNotRetried(t *testing.T) {
	f := newFixture(t)
	f.api.interactionCode = http.StatusBadRequest

	id, err := f.dispatcher.Variation(context.Background(), "m-42", 1)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusBadRequest {
		t.Fatalf("err = %v, want StatusError 400", err)
	}
	if f.api.interactionCount() != 1 {
		t.Errorf("interactions posted = %d, want exactly 1 (no retry)", f.api.interactionCount())
	}
	if got := f.tracker.statuses[id]; got != models.StatusFailed {
		t.Errorf("tracked status = %q, want failed", got)
	}
}

func TestNew_RequiredOpts(t *testing.T) {
	base := func() Opts {
		return Opts{
			Session:   &stubSession{},
			Limiter:   &stubLimiter{},
			Tracker:   &stubTracker{},
			Token:     "t",
			GuildID:   "g",
			ChannelID: "c",
		}
	}
	if _, err := New(base()); err != nil {
		t.Fatalf("valid opts rejected: %v", err)
	}
	for name, mutate := range map[string]func(*Opts){
		"session": func(o *Opts) { o.Session = nil },
		"limiter": func(o *Opts) { o.Limiter = nil },
		"tracker": func(o *Opts) { o.Tracker = nil },
		"token":   func(o *Opts) { o.Token = "" },
	} {
		opts := base()
		mutate(&opts)
		if _, err := New(opts); err == nil {
			t.Errorf("%s: expected required-option error", name)
		}
	}
}
