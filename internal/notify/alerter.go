package notify

import (
	"fmt"
	"log"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
)

// defaultThrottle is the minimum gap between connectivity alerts, so a
// flapping connection does not flood the channel.
const defaultThrottle = 30 * time.Second

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Alerter posts gateway connectivity changes to a Slack channel.
type Alerter struct {
	client    slackClient
	channelID string
	throttle  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	lastSent time.Time
	lastUp   *bool
}

// AlerterOpts holds parameters for creating an Alerter.
type AlerterOpts struct {
	Token     string // xoxb-... Slack bot token
	ChannelID string
	Throttle  time.Duration // defaults to defaultThrottle
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
	Now    func() time.Time
}

// NewAlerter creates a Slack connectivity Alerter.
func NewAlerter(opts AlerterOpts) (*Alerter, error) {
	if opts.Client == nil && opts.Token == "" {
		return nil, fmt.Errorf("notify: slack token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("notify: slack channel is required")
	}
	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.Token)
	}
	throttle := opts.Throttle
	if throttle <= 0 {
		throttle = defaultThrottle
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Alerter{
		client:    client,
		channelID: opts.ChannelID,
		throttle:  throttle,
		now:       now,
	}, nil
}

// ConnectivityChanged posts an alert when the gateway state flips. Repeats
// of the same state are skipped, and alerts are throttled.
func (a *Alerter) ConnectivityChanged(up bool) {
	a.mu.Lock()
	if a.lastUp != nil && *a.lastUp == up {
		a.mu.Unlock()
		return
	}
	state := up
	a.lastUp = &state
	if a.now().Sub(a.lastSent) < a.throttle {
		a.mu.Unlock()
		return
	}
	a.lastSent = a.now()
	a.mu.Unlock()

	text := "easel: gateway connected"
	if !up {
		text = "easel: gateway disconnected, reconnecting"
	}
	if _, _, err := a.client.PostMessage(a.channelID, slackapi.MsgOptionText(text, false)); err != nil {
		log.Printf("notify: slack alert: %v", err)
	}
}
