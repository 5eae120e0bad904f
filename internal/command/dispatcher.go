// Package command builds and sends the three Midjourney interaction
// commands (imagine, upscale, variation) through the rate limiter, and
// records every send with the correlation tracker.
package command

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/easel/internal/gateway"
	"github.com/zulandar/easel/internal/models"
	"github.com/zulandar/easel/internal/ratelimit"
	"github.com/zulandar/easel/internal/tracker"
)

const (
	// MidjourneyAppID is the Midjourney bot's Discord application id.
	MidjourneyAppID = "936929561302675456"
	// imagineCommandID is the slash-command id of /imagine.
	imagineCommandID = "938956540159881230"
	// versionTTL bounds how long a fetched command version is reused.
	versionTTL = time.Hour
	// minSlot and maxSlot bound the grid position of upscale/variation.
	minSlot = 1
	maxSlot = 4
)

var (
	// ErrNotReady means the gateway session is not in the ready state.
	// Sends fail fast rather than queue.
	ErrNotReady = errors.New("command: session not ready")
)

// StatusError is a non-acceptance response from the interactions endpoint.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command: interaction rejected with http %d", e.Code)
}

// session is the dispatcher's view of the gateway.
type session interface {
	State() gateway.State
	SessionID() string
}

// admitter is the dispatcher's view of the rate limiter.
type admitter interface {
	Admit(category string) ratelimit.Decision
}

// commandLog is the dispatcher's view of the correlation tracker.
type commandLog interface {
	Track(id, kind, originID string, p tracker.Payload)
	UpdateStatus(id, status string, extra map[string]string)
}

// Dispatcher sends interaction commands on behalf of callers. Sends may
// block on rate-limit backoff; they run off the gateway receive loop.
type Dispatcher struct {
	session    session
	limiter    admitter
	commands   commandLog
	retry      ratelimit.RetryPolicy
	httpClient *http.Client
	apiBase    string
	token      string
	guildID    string
	channelID  string

	now   func() time.Time
	newID func() string

	versionMu      sync.Mutex
	version        string
	versionFetched time.Time
}

// Opts holds parameters for creating a Dispatcher.
type Opts struct {
	Session   session
	Limiter   admitter
	Tracker   commandLog
	Token     string
	GuildID   string
	ChannelID string

	APIBase    string                 // defaults to gateway.DefaultAPIBase
	HTTPClient *http.Client           // defaults to a 30s-timeout client
	Retry      *ratelimit.RetryPolicy // defaults to the standard policy
	Now        func() time.Time       // for testing
	NewID      func() string          // for testing
}

// New creates a Dispatcher.
func New(opts Opts) (*Dispatcher, error) {
	if opts.Session == nil {
		return nil, fmt.Errorf("command: session is required")
	}
	if opts.Limiter == nil {
		return nil, fmt.Errorf("command: limiter is required")
	}
	if opts.Tracker == nil {
		return nil, fmt.Errorf("command: tracker is required")
	}
	if opts.Token == "" || opts.GuildID == "" || opts.ChannelID == "" {
		return nil, fmt.Errorf("command: token, guild id and channel id are required")
	}
	apiBase := opts.APIBase
	if apiBase == "" {
		apiBase = gateway.DefaultAPIBase
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	var retry ratelimit.RetryPolicy
	if opts.Retry != nil {
		retry = *opts.Retry
	} else {
		retry = ratelimit.DefaultRetryPolicy()
		retry.Retriable = retriable
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = randomID
	}
	return &Dispatcher{
		session:    opts.Session,
		limiter:    opts.Limiter,
		commands:   opts.Tracker,
		retry:      retry,
		httpClient: client,
		apiBase:    apiBase,
		token:      opts.Token,
		guildID:    opts.GuildID,
		channelID:  opts.ChannelID,
		now:        now,
		newID:      newID,
	}, nil
}

// Imagine sends an /imagine command with the given prompt. It returns the
// dispatcher-assigned command identifier the send was tracked under.
func (d *Dispatcher) Imagine(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("command: prompt is required")
	}
	if err := d.requireReady(); err != nil {
		return "", err
	}
	version, err := d.commandVersion(ctx)
	if err != nil {
		return "", err
	}

	payload := imaginePayload{
		Type:          2,
		ApplicationID: MidjourneyAppID,
		GuildID:       d.guildID,
		ChannelID:     d.channelID,
		SessionID:     d.session.SessionID(),
		Data: imagineData{
			Version:     version,
			ID:          imagineCommandID,
			Name:        "imagine",
			Type:        1,
			Options:     []interactionOption{{Type: 3, Name: "prompt", Value: prompt}},
			Attachments: []interface{}{},
		},
	}

	id := d.newID()
	return id, d.track(ctx, id, models.KindImagine, "",
		tracker.Payload{Prompt: prompt}, ratelimit.CategoryImagine, payload)
}

// Upscale sends an upscale of the given grid slot. The button reference
// comes from the originating message's presented options.
func (d *Dispatcher) Upscale(ctx context.Context, messageID string, slot int, customID string) (string, error) {
	if customID == "" {
		return "", fmt.Errorf("command: upscale needs the message's button reference")
	}
	return d.pressButton(ctx, models.KindUpscale, ratelimit.CategoryUpscale, messageID, slot, customID)
}

// Variation sends a variation of the given grid slot. The button reference
// is synthesized from the slot index.
func (d *Dispatcher) Variation(ctx context.Context, messageID string, slot int) (string, error) {
	customID := fmt.Sprintf("MJ::JOB::variation::%d", slot)
	return d.pressButton(ctx, models.KindVariation, ratelimit.CategoryVariation, messageID, slot, customID)
}

func (d *Dispatcher) pressButton(ctx context.Context, kind, category, messageID string, slot int, customID string) (string, error) {
	if messageID == "" {
		return "", fmt.Errorf("command: message id is required")
	}
	if slot < minSlot || slot > maxSlot {
		return "", fmt.Errorf("command: slot %d out of range [%d, %d]", slot, minSlot, maxSlot)
	}
	if err := d.requireReady(); err != nil {
		return "", err
	}

	payload := componentPayload{
		Type:          3,
		ApplicationID: MidjourneyAppID,
		GuildID:       d.guildID,
		ChannelID:     d.channelID,
		MessageID:     messageID,
		SessionID:     d.session.SessionID(),
		Data: componentData{
			ComponentType: 2,
			CustomID:      customID,
		},
	}

	id := d.newID()
	return id, d.track(ctx, id, kind, messageID,
		tracker.Payload{Slot: slot, CustomID: customID}, category, payload)
}

// track performs the rate-limited send and records the outcome with the
// correlation tracker: pending on acceptance, failed otherwise.
func (d *Dispatcher) track(ctx context.Context, id, kind, originID string, p tracker.Payload, category string, payload interface{}) error {
	err := d.send(ctx, category, payload)
	d.commands.Track(id, kind, originID, p)
	if err != nil {
		d.commands.UpdateStatus(id, models.StatusFailed, map[string]string{"error": err.Error()})
		return err
	}
	return nil
}

// send pushes one payload through admission control and the retry policy.
func (d *Dispatcher) send(ctx context.Context, category string, payload interface{}) error {
	return d.retry.Do(ctx, func() error {
		if decision := d.limiter.Admit(category); !decision.Allowed {
			return fmt.Errorf("command: %s window full, free in %v: %w",
				category, decision.Wait, ratelimit.ErrRateLimited)
		}
		return d.post(ctx, payload)
	})
}

// post delivers one interaction. Acceptance is an empty-body 204; anything
// else is a failure.
func (d *Dispatcher) post(ctx context.Context, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("command: marshal interaction: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.apiBase+"/interactions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("command: interaction request: %w", err)
	}
	req.Header.Set("Authorization", d.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("command: interaction post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("command: interaction throttled: %w", ratelimit.ErrRateLimited)
	default:
		return &StatusError{Code: resp.StatusCode}
	}
}

// commandVersion returns the current /imagine command version, fetching it
// at most once per TTL. The server gives no invalidation signal, so the
// value is treated as TTL-bounded rather than re-fetched per send.
func (d *Dispatcher) commandVersion(ctx context.Context) (string, error) {
	d.versionMu.Lock()
	defer d.versionMu.Unlock()
	if d.version != "" && d.now().Sub(d.versionFetched) < versionTTL {
		return d.version, nil
	}

	url := fmt.Sprintf("%s/applications/%s/commands", d.apiBase, MidjourneyAppID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("command: version request: %w", err)
	}
	req.Header.Set("Authorization", d.token)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("command: fetch command version: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("command: version fetch http %d", resp.StatusCode)
	}

	var listed []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		return "", fmt.Errorf("command: decode command list: %w", err)
	}
	for _, cmd := range listed {
		if cmd.Name == "imagine" {
			d.version = cmd.Version
			d.versionFetched = d.now()
			return d.version, nil
		}
	}
	return "", fmt.Errorf("command: imagine not present in command list")
}

func (d *Dispatcher) requireReady() error {
	if d.session.State() != gateway.StateReady {
		return ErrNotReady
	}
	return nil
}

// retriable marks rate limiting and transient network failures as worth
// retrying. Validation and non-acceptance statuses are not.
func retriable(err error) bool {
	if errors.Is(err, ratelimit.ErrRateLimited) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func randomID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("cmd-%d", time.Now().UnixNano())
	}
	return "cmd-" + hex.EncodeToString(b[:])
}

// interactionOption is a slash-command option value.
type interactionOption struct {
	Type  int    `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// imagineData is the data block of a slash-command interaction.
type imagineData struct {
	Version     string              `json:"version"`
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Type        int                 `json:"type"`
	Options     []interactionOption `json:"options"`
	Attachments []interface{}       `json:"attachments"`
}

// imaginePayload is a type-2 (slash command) interaction.
type imaginePayload struct {
	Type          int         `json:"type"`
	ApplicationID string      `json:"application_id"`
	GuildID       string      `json:"guild_id"`
	ChannelID     string      `json:"channel_id"`
	SessionID     string      `json:"session_id"`
	Data          imagineData `json:"data"`
}

// componentData is the data block of a component interaction.
type componentData struct {
	ComponentType int    `json:"component_type"`
	CustomID      string `json:"custom_id"`
}

// componentPayload is a type-3 (button press) interaction.
type componentPayload struct {
	Type          int           `json:"type"`
	ApplicationID string        `json:"application_id"`
	GuildID       string        `json:"guild_id"`
	ChannelID     string        `json:"channel_id"`
	MessageID     string        `json:"message_id"`
	SessionID     string        `json:"session_id"`
	Data          componentData `json:"data"`
}
