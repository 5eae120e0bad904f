// Package tracker records outbound Midjourney commands and reconstructs the
// causal chain from a derived command (upscale, variation) back to the
// imagine command that started it.
package tracker

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/zulandar/easel/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultRetention is how long a command is kept before the sweep
	// purges it, regardless of status. Caps memory growth from commands
	// that never receive a terminal response.
	DefaultRetention = 24 * time.Hour

	// maxChainDepth bounds chain traversal so malformed or cyclic origin
	// pointers cannot loop forever.
	maxChainDepth = 64
)

var (
	// ErrUnknownCommand is returned by Chain for an id that was never
	// tracked or has been swept. Callers treat this as a miss, not a fault.
	ErrUnknownCommand = errors.New("tracker: unknown command")

	// ErrChainDepthExceeded is returned when origin pointers exceed the
	// traversal cap, indicating a broken or cyclic chain.
	ErrChainDepthExceeded = errors.New("tracker: chain depth exceeded")
)

// Payload carries the free-form content of a command at track time.
type Payload struct {
	Prompt   string // imagine prompt text
	CustomID string // button custom_id for derived commands
	Slot     int    // button slot 1-4 for derived commands
}

// Tracker is the in-memory correlation store. Writes are mirrored to the
// persistence store when one is configured, so terminal records survive the
// process. The live map does not; sessions are not resumed across restarts.
type Tracker struct {
	mu        sync.Mutex
	commands  map[string]*models.TrackedCommand
	retention time.Duration
	now       func() time.Time
	db        *gorm.DB // optional
}

// Opts holds parameters for creating a Tracker.
type Opts struct {
	Retention time.Duration
	DB        *gorm.DB         // optional persistence mirror
	Now       func() time.Time // injectable clock for tests
}

// New creates a Tracker.
func New(opts Opts) *Tracker {
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		commands:  make(map[string]*models.TrackedCommand),
		retention: retention,
		now:       now,
		db:        opts.DB,
	}
}

// Track registers a new command with status pending. Tracking an id that
// already exists is a no-op: the first registration wins.
func (t *Tracker) Track(id, kind, originID string, payload Payload) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.commands[id]; exists {
		log.Printf("tracker: %s already tracked, ignoring", id)
		return
	}

	cmd := &models.TrackedCommand{
		ID:        id,
		Kind:      kind,
		OriginID:  originID,
		Status:    models.StatusPending,
		Prompt:    payload.Prompt,
		CustomID:  payload.CustomID,
		Slot:      payload.Slot,
		CreatedAt: t.now(),
	}
	t.commands[id] = cmd
	t.persist(cmd)
}

// UpdateStatus transitions a command's status and merges extra data into its
// record. Unknown ids are tolerated silently: events may reference commands
// created before process start or already swept.
func (t *Tracker) UpdateStatus(id, status string, extra map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cmd, ok := t.commands[id]
	if !ok {
		return
	}
	cmd.Status = status
	if len(extra) > 0 {
		cmd.Data = mergeData(cmd.Data, extra)
	}
	cmd.UpdatedAt = t.now()
	t.persist(cmd)
}

// Get returns a copy of the tracked command, or false if unknown.
func (t *Tracker) Get(id string) (models.TrackedCommand, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd, ok := t.commands[id]
	if !ok {
		return models.TrackedCommand{}, false
	}
	return *cmd, true
}

// Chain walks origin pointers from id back to the root and returns the
// chain root-first. Traversal stops when an origin is absent or unresolved;
// exceeding the depth cap reports ErrChainDepthExceeded instead of looping.
func (t *Tracker) Chain(id string) ([]models.TrackedCommand, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.commands[id]; !ok {
		return nil, ErrUnknownCommand
	}

	var reversed []models.TrackedCommand
	current := id
	for depth := 0; current != ""; depth++ {
		if depth >= maxChainDepth {
			return nil, ErrChainDepthExceeded
		}
		cmd, ok := t.commands[current]
		if !ok {
			break // origin swept or never seen; chain ends here
		}
		reversed = append(reversed, *cmd)
		current = cmd.OriginID
	}

	chain := make([]models.TrackedCommand, len(reversed))
	for i, cmd := range reversed {
		chain[len(reversed)-1-i] = cmd
	}
	return chain, nil
}

// Sweep removes commands whose creation timestamp is older than the
// retention horizon, regardless of status. Returns the number removed.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.retention)
	removed := 0
	for id, cmd := range t.commands {
		if cmd.CreatedAt.Before(cutoff) {
			delete(t.commands, id)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("tracker: swept %d commands older than %v", removed, t.retention)
	}
	return removed
}

// Len returns the number of live tracked commands.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.commands)
}

// persist mirrors a command to the store. Best-effort: errors are logged,
// tracking itself never fails. Caller holds t.mu.
func (t *Tracker) persist(cmd *models.TrackedCommand) {
	if t.db == nil {
		return
	}
	record := *cmd
	err := t.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(
			[]string{"status", "data", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		log.Printf("tracker: persist %s: %v", cmd.ID, err)
	}
}

// mergeData merges extra keys into an existing JSON object string.
func mergeData(data string, extra map[string]string) string {
	merged := make(map[string]string)
	if data != "" {
		if err := json.Unmarshal([]byte(data), &merged); err != nil {
			merged = make(map[string]string)
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return data
	}
	return string(out)
}
