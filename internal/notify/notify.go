// Package notify fans out asset notifications to the UI-facing consumers
// (dashboard stream, desktop command, persistence) without ever blocking
// the event router that produces them.
package notify

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/zulandar/easel/internal/models"
	"gorm.io/gorm"
)

// subscriberBuffer is the per-subscriber channel capacity. Slow consumers
// lose notifications rather than stall the producer.
const subscriberBuffer = 64

// Notification is the structured record emitted for each saved attachment.
// This is the sole data handed to UI and persistence collaborators; raw
// protocol detail never appears here.
type Notification struct {
	MessageID string            `json:"message_id"`
	SavePath  string            `json:"save_path"`
	Sref      string            `json:"sref,omitempty"`
	Category  string            `json:"category,omitempty"`
	Buttons   map[string]string `json:"buttons,omitempty"`
	Origin    string            `json:"origin,omitempty"` // root command id when correlated
	PostedAt  time.Time         `json:"posted_at"`
}

// Hub receives notifications from the router and fans them out. Publish
// never blocks: persistence failures are logged, the desktop command runs
// asynchronously, and full subscriber buffers drop.
type Hub struct {
	db      *gorm.DB
	desktop DesktopConfig

	mu     sync.Mutex
	subs   map[int]chan Notification
	nextID int
}

// HubOpts holds parameters for creating a Hub.
type HubOpts struct {
	DB      *gorm.DB      // optional notification persistence
	Desktop DesktopConfig // optional desktop notification command
}

// NewHub creates a Hub.
func NewHub(opts HubOpts) *Hub {
	return &Hub{
		db:      opts.DB,
		desktop: opts.Desktop,
		subs:    map[int]chan Notification{},
	}
}

// Publish delivers one notification to every consumer. Never blocks.
func (h *Hub) Publish(n Notification) {
	h.persist(n)
	go Desktop(n, h.desktop)

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- n:
		default:
			log.Printf("notify: subscriber %d lagging, dropping notification for %s", id, n.MessageID)
		}
	}
}

// Subscribe registers a consumer. The returned id releases it again via
// Unsubscribe.
func (h *Hub) Subscribe() (int, <-chan Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ch := make(chan Notification, subscriberBuffer)
	h.subs[h.nextID] = ch
	return h.nextID, ch
}

// Unsubscribe removes a consumer and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Recent returns the most recently persisted notifications, newest first.
func (h *Hub) Recent(limit int) ([]models.AssetNotification, error) {
	if h.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	var rows []models.AssetNotification
	if err := h.db.Order("created_at desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// persist writes the notification row. Best effort.
func (h *Hub) persist(n Notification) {
	if h.db == nil {
		return
	}
	buttons, err := json.Marshal(n.Buttons)
	if err != nil {
		buttons = []byte("{}")
	}
	row := models.AssetNotification{
		MessageID: n.MessageID,
		SavePath:  n.SavePath,
		Sref:      n.Sref,
		Category:  n.Category,
		Buttons:   string(buttons),
		CreatedAt: n.PostedAt,
	}
	if err := h.db.Create(&row).Error; err != nil {
		log.Printf("notify: persist notification for %s: %v", n.MessageID, err)
	}
}
