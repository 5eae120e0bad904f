// Package router demultiplexes inbound gateway dispatch events: it
// extracts button references, style-reference tokens and a content
// category from asset-bearing messages, hands attachments to the library,
// and emits one notification per saved image.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/easel/internal/gateway"
	"github.com/zulandar/easel/internal/library"
	"github.com/zulandar/easel/internal/models"
	"github.com/zulandar/easel/internal/notify"
)

// buttonPrefix marks Midjourney job buttons on result messages.
const buttonPrefix = "MJ::JOB::"

// srefPattern matches the embedded style-reference token: the --sref
// marker followed by a numeric id.
var srefPattern = regexp.MustCompile(`--sref\s+(\d+)`)

// imageExtensions lists attachment suffixes treated as library images.
var imageExtensions = []string{".png", ".jpg", ".jpeg"}

// categoryRule maps keywords to a content category. First match wins, so
// order matters.
type categoryRule struct {
	category string
	keywords []string
}

var categoryRules = []categoryRule{
	{"Product_Photography", []string{"product", "commercial"}},
	{"Still_Life", []string{"still life", "arrangement"}},
	{"Interior_Photography", []string{"interior", "room"}},
	{"Landscape", []string{"landscape", "scenic"}},
	{"Architecture", []string{"building", "architecture"}},
	{"Fine_Art", []string{"fine art", "artistic"}},
}

// commands is the router's view of the correlation tracker.
type commands interface {
	UpdateStatus(id, status string, extra map[string]string)
	Chain(id string) ([]models.TrackedCommand, error)
}

// assetStore is the router's view of the library.
type assetStore interface {
	Store(ctx context.Context, a library.Asset) (string, error)
}

// sink receives the structured notifications. Publish must not block.
type sink interface {
	Publish(n notify.Notification)
}

// Router classifies dispatch events and emits notifications.
type Router struct {
	channelID string
	commands  commands
	store     assetStore
	sink      sink
	now       func() time.Time
}

// Opts holds parameters for creating a Router.
type Opts struct {
	ChannelID string // only messages from this channel qualify; empty = all
	Tracker   commands
	Store     assetStore
	Sink      sink
	Now       func() time.Time
}

// New creates a Router.
func New(opts Opts) (*Router, error) {
	if opts.Tracker == nil {
		return nil, fmt.Errorf("router: tracker is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("router: store is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("router: sink is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		channelID: opts.ChannelID,
		commands:  opts.Tracker,
		store:     opts.Store,
		sink:      opts.Sink,
		now:       now,
	}, nil
}

// Run consumes dispatch events until the channel closes or ctx is
// cancelled.
func (r *Router) Run(ctx context.Context, events <-chan gateway.DispatchEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			r.Route(ctx, evt)
		}
	}
}

// Route classifies one dispatch event.
func (r *Router) Route(ctx context.Context, evt gateway.DispatchEvent) {
	switch evt.Type {
	case gateway.EventMessageCreate, gateway.EventMessageUpdate:
		var msg gateway.MessageData
		if err := json.Unmarshal(evt.Raw, &msg); err != nil {
			log.Printf("router: malformed %s payload dropped: %v", evt.Type, err)
			return
		}
		r.handleMessage(ctx, msg)

	case gateway.EventInteractionCreate:
		var interaction struct {
			ID    string `json:"id"`
			Nonce string `json:"nonce"`
		}
		if err := json.Unmarshal(evt.Raw, &interaction); err != nil {
			log.Printf("router: malformed interaction payload dropped: %v", err)
			return
		}
		// An unknown id here means the command predates this process or
		// was already evicted. Tolerated.
		r.commands.UpdateStatus(interaction.Nonce, models.StatusAcknowledged, nil)

	default:
		log.Printf("router: unhandled event %s (seq %d)", evt.Type, evt.Seq)
	}
}

// handleMessage processes an asset-bearing message: saves each image
// attachment and emits one notification per saved file.
func (r *Router) handleMessage(ctx context.Context, msg gateway.MessageData) {
	if r.channelID != "" && msg.ChannelID != r.channelID {
		return
	}
	if len(msg.Attachments) == 0 {
		return
	}

	buttons := ExtractButtons(msg.Components)
	sref := ExtractSref(msg.Content)
	category := Categorize(msg.Content)
	origin := r.resolveOrigin(msg.ID)

	postedAt, err := discordgo.SnowflakeTimestamp(msg.ID)
	if err != nil {
		postedAt = r.now()
	}

	for _, att := range msg.Attachments {
		if !isImage(att.Filename) {
			continue
		}
		path, err := r.store.Store(ctx, library.Asset{
			URL:       att.URL,
			MessageID: msg.ID,
			Sref:      sref,
			Category:  category,
			Buttons:   buttons,
		})
		if err != nil {
			log.Printf("router: store attachment %s: %v", att.Filename, err)
			continue
		}

		r.commands.UpdateStatus(msg.ID, models.StatusAcknowledged, map[string]string{"save_path": path})
		r.sink.Publish(notify.Notification{
			MessageID: msg.ID,
			SavePath:  path,
			Sref:      sref,
			Category:  category,
			Buttons:   buttons,
			Origin:    origin,
			PostedAt:  postedAt,
		})
	}
}

// resolveOrigin walks the correlation chain for the message id and returns
// the root command id. Misses and broken chains yield empty.
func (r *Router) resolveOrigin(messageID string) string {
	chain, err := r.commands.Chain(messageID)
	if err != nil || len(chain) == 0 {
		return ""
	}
	return chain[0].ID
}

// ExtractButtons maps "upscale_1"-style slot keys to the opaque button
// custom ids presented on the message. Action rows nest one level.
func ExtractButtons(components []gateway.Component) map[string]string {
	buttons := map[string]string{}
	for _, row := range components {
		for _, c := range row.Components {
			if !strings.HasPrefix(c.CustomID, buttonPrefix) {
				continue
			}
			parts := strings.Split(c.CustomID, "::")
			if len(parts) < 4 {
				continue
			}
			action := "variation"
			if strings.Contains(c.CustomID, "upsample") {
				action = "upscale"
			}
			index := parts[len(parts)-2]
			buttons[action+"_"+index] = c.CustomID
		}
	}
	return buttons
}

// ExtractSref returns the numeric style-reference id embedded in the
// message text, or empty when absent.
func ExtractSref(content string) string {
	m := srefPattern.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	return m[1]
}

// Categorize classifies message text into a content category by keyword.
// Unmatched content falls back to uncategorized (empty).
func Categorize(content string) string {
	lower := strings.ToLower(content)
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.category
			}
		}
	}
	return ""
}

func isImage(filename string) bool {
	lower := strings.ToLower(filename)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
