package vision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/easel/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sampleResponse = `Here is the analysis.

PATTERN ANALYSIS:
Strong diagonals dominate the frame.
Repeating hexagonal texture.

CREATIVE INTERPRETATION:
A city seen from above at night.

COLOR ANALYSIS:
RGB(12, 40, 80) deep blue, grounding.

TECHNICAL NOTES:
High vantage, long exposure.

PROMPT 1:
aerial night cityscape, long exposure, 35mm

PROMPT 2:
abstract circuit-board metropolis, neon ink`

func TestParseSections(t *testing.T) {
	sections := ParseSections(sampleResponse)

	if len(sections) != 6 {
		t.Fatalf("sections = %d, want 6 (%v)", len(sections), sections)
	}
	if !strings.Contains(sections["pattern_analysis"], "diagonals") {
		t.Errorf("pattern_analysis = %q", sections["pattern_analysis"])
	}
	if sections["prompt_1"] != "aerial night cityscape, long exposure, 35mm" {
		t.Errorf("prompt_1 = %q", sections["prompt_1"])
	}
	if sections["prompt_2"] != "abstract circuit-board metropolis, neon ink" {
		t.Errorf("prompt_2 = %q", sections["prompt_2"])
	}
	// Preamble before the first heading is discarded.
	for key, content := range sections {
		if strings.Contains(content, "Here is the analysis") {
			t.Errorf("preamble leaked into %s", key)
		}
	}
}

func TestParseSections_MultilineContent(t *testing.T) {
	sections := ParseSections(sampleResponse)
	want := "Strong diagonals dominate the frame.\nRepeating hexagonal texture."
	if sections["pattern_analysis"] != want {
		t.Errorf("pattern_analysis = %q, want %q", sections["pattern_analysis"], want)
	}
}

func TestParseSections_Empty(t *testing.T) {
	if got := ParseSections("no headings here at all"); len(got) != 0 {
		t.Errorf("sections = %v, want none", got)
	}
}

// anthropicStub serves a canned messages-API response and records requests.
func anthropicStub(t *testing.T, status int) (*httptest.Server, *[]map[string]interface{}) {
	t.Helper()
	var requests []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		requests = append(requests, body)
		if status != http.StatusOK {
			http.Error(w, "upstream unhappy", status)
			return
		}
		resp := map[string]interface{}{
			"content": []map[string]string{{"type": "text", "text": sampleResponse}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func openVisionTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.AnalysisRecord{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func TestAnalyze_SendsImageAndParses(t *testing.T) {
	srv, requests := anthropicStub(t, http.StatusOK)
	a, err := New(Opts{APIKey: "sk-test", APIURL: srv.URL})
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	sections, err := a.Analyze(context.Background(), []byte("png-bytes"))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(sections) != 6 {
		t.Errorf("sections = %d, want 6", len(sections))
	}

	req := (*requests)[0]
	if req["model"] != DefaultModel {
		t.Errorf("model = %v", req["model"])
	}
	msgs := req["messages"].([]interface{})
	content := msgs[0].(map[string]interface{})["content"].([]interface{})
	if len(content) != 2 {
		t.Fatalf("content blocks = %d, want 2", len(content))
	}
	imageBlock := content[1].(map[string]interface{})
	source := imageBlock["source"].(map[string]interface{})
	if source["type"] != "base64" || source["data"] == "" {
		t.Errorf("image source = %v", source)
	}
}

func TestAnalyze_UpstreamFailureNotRetried(t *testing.T) {
	srv, requests := anthropicStub(t, http.StatusInternalServerError)
	a, err := New(Opts{APIKey: "sk-test", APIURL: srv.URL})
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	if _, err := a.Analyze(context.Background(), []byte("png-bytes")); err == nil {
		t.Fatal("expected analysis error")
	}
	if len(*requests) != 1 {
		t.Errorf("requests = %d, want exactly 1 (no retry)", len(*requests))
	}
}

func TestAnalyzeFile_PersistsAndWritesSidecar(t *testing.T) {
	srv, _ := anthropicStub(t, http.StatusOK)
	db := openVisionTestDB(t)
	a, err := New(Opts{APIKey: "sk-test", APIURL: srv.URL, DB: db})
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	dir := t.TempDir()
	imagePath := filepath.Join(dir, "img_001.png")
	if err := os.WriteFile(imagePath, []byte("png-bytes"), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	sections, err := a.AnalyzeFile(context.Background(), imagePath)
	if err != nil {
		t.Fatalf("analyze file: %v", err)
	}
	if len(sections) != 6 {
		t.Errorf("sections = %d, want 6", len(sections))
	}

	var count int64
	db.Model(&models.AnalysisRecord{}).Where("image_path = ?", imagePath).Count(&count)
	if count != 6 {
		t.Errorf("persisted rows = %d, want 6", count)
	}

	sidecar := filepath.Join(dir, "img_001_analysis.txt")
	data, err := os.ReadFile(sidecar)
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	if !strings.Contains(string(data), "PATTERN_ANALYSIS") {
		t.Errorf("sidecar missing section heading:\n%s", data)
	}
}

func TestAnalyzeFile_MissingImage(t *testing.T) {
	srv, requests := anthropicStub(t, http.StatusOK)
	a, err := New(Opts{APIKey: "sk-test", APIURL: srv.URL})
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	if _, err := a.AnalyzeFile(context.Background(), "/no/such/image.png"); err == nil {
		t.Fatal("expected error for missing image")
	}
	if len(*requests) != 0 {
		t.Error("api called despite missing image")
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Fatal("expected error for missing api key")
	}
}

func TestNew_Defaults(t *testing.T) {
	a, err := New(Opts{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}
	if a.model != DefaultModel || a.maxTokens != DefaultMaxTokens {
		t.Errorf("defaults not applied: %s %d", a.model, a.maxTokens)
	}
}
