// Package library owns the on-disk image library: save-path resolution,
// attachment downloads, and the metadata store backing tags, ratings and
// analysis records.
package library

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zulandar/easel/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// baseFolder is where images without a style reference land.
const baseFolder = "00_BASE"

// maxDownloadBytes caps a single attachment download.
const maxDownloadBytes = 64 << 20

// Asset describes one attachment to store: where to fetch it from and the
// extracted message metadata to record alongside it.
type Asset struct {
	URL       string
	MessageID string
	Sref      string
	Category  string
	Buttons   map[string]string
}

// Library resolves save destinations, downloads assets, and records their
// metadata. Safe for concurrent use; path numbering is serialized.
type Library struct {
	baseDir     string
	analysisDir string
	db          *gorm.DB
	httpClient  *http.Client
	now         func() time.Time

	// pathMu keeps two concurrent stores from claiming the same number.
	pathMu sync.Mutex
}

// Opts holds parameters for creating a Library.
type Opts struct {
	BaseDir     string // output root; required
	AnalysisDir string // sref folders root; defaults to BaseDir
	DB          *gorm.DB
	HTTPClient  *http.Client
	Now         func() time.Time
}

// New creates a Library.
func New(opts Opts) (*Library, error) {
	if opts.BaseDir == "" {
		return nil, fmt.Errorf("library: base dir is required")
	}
	analysisDir := opts.AnalysisDir
	if analysisDir == "" {
		analysisDir = opts.BaseDir
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Library{
		baseDir:     opts.BaseDir,
		analysisDir: analysisDir,
		db:          opts.DB,
		httpClient:  client,
		now:         now,
	}, nil
}

// Store downloads the asset, writes it to its resolved destination, and
// records its metadata. Returns the path the image landed at.
func (l *Library) Store(ctx context.Context, a Asset) (string, error) {
	data, err := l.download(ctx, a.URL)
	if err != nil {
		return "", err
	}

	path, err := l.resolvePath(a.Sref)
	if err != nil {
		// Fall back to a flat error path rather than drop the image.
		path = filepath.Join(l.baseDir, fmt.Sprintf("error_%d.png", l.now().Unix()))
		log.Printf("library: save path resolution failed (%v), using %s", err, path)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("library: write %s: %w", path, err)
	}

	l.recordMeta(path, a)
	return path, nil
}

// resolvePath computes the next numbered destination: sref images go under
// sref_<id>/ in the analysis root, the rest under the base folder.
func (l *Library) resolvePath(sref string) (string, error) {
	l.pathMu.Lock()
	defer l.pathMu.Unlock()

	var dir, pattern, nameFormat string
	if sref != "" {
		dir = filepath.Join(l.analysisDir, "sref_"+sref)
		pattern = fmt.Sprintf("sref_%s_*.png", sref)
		nameFormat = "sref_" + sref + "_%03d.png"
	} else {
		dir = filepath.Join(l.baseDir, baseFolder)
		pattern = "img_*.png"
		nameFormat = "img_%03d.png"
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("library: create %s: %w", dir, err)
	}
	existing, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", fmt.Errorf("library: scan %s: %w", dir, err)
	}
	return filepath.Join(dir, fmt.Sprintf(nameFormat, len(existing)+1)), nil
}

func (l *Library) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("library: download request: %w", err)
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("library: download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("library: download %s: http %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, fmt.Errorf("library: read download: %w", err)
	}
	return data, nil
}

// recordMeta persists the image's metadata row. Best effort: a store
// failure must not lose the already-saved file.
func (l *Library) recordMeta(path string, a Asset) {
	if l.db == nil {
		return
	}
	buttons, err := json.Marshal(a.Buttons)
	if err != nil {
		buttons = []byte("{}")
	}
	meta := models.ImageMeta{
		Path:      path,
		MessageID: a.MessageID,
		Sref:      a.Sref,
		Category:  a.Category,
		Buttons:   string(buttons),
		CreatedAt: l.now(),
	}
	if err := l.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		UpdateAll: true,
	}).Create(&meta).Error; err != nil {
		log.Printf("library: record metadata for %s: %v", path, err)
	}
}

// Images returns the most recent library entries, newest first.
func (l *Library) Images(limit int) ([]models.ImageMeta, error) {
	if l.db == nil {
		return nil, fmt.Errorf("library: no metadata store configured")
	}
	if limit <= 0 {
		limit = 100
	}
	var images []models.ImageMeta
	if err := l.db.Order("created_at desc").Limit(limit).Find(&images).Error; err != nil {
		return nil, fmt.Errorf("library: list images: %w", err)
	}
	return images, nil
}

// TagImage attaches a tag to the image stored at path.
func (l *Library) TagImage(path, tag string) error {
	if l.db == nil {
		return fmt.Errorf("library: no metadata store configured")
	}
	if tag == "" {
		return fmt.Errorf("library: tag is required")
	}
	var meta models.ImageMeta
	if err := l.db.First(&meta, "path = ?", path).Error; err != nil {
		return fmt.Errorf("library: image %s: %w", path, err)
	}
	err := l.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.ImageTag{ImageID: meta.ID, Tag: tag}).Error
	if err != nil {
		return fmt.Errorf("library: tag %s: %w", path, err)
	}
	return nil
}

// RateFolder sets the 0-5 star rating for a library folder.
func (l *Library) RateFolder(folder string, rating int) error {
	if l.db == nil {
		return fmt.Errorf("library: no metadata store configured")
	}
	if rating < 0 || rating > 5 {
		return fmt.Errorf("library: rating %d out of range [0, 5]", rating)
	}
	err := l.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "folder"}},
		UpdateAll: true,
	}).Create(&models.FolderRating{Folder: folder, Rating: rating, UpdatedAt: l.now()}).Error
	if err != nil {
		return fmt.Errorf("library: rate folder %s: %w", folder, err)
	}
	return nil
}
