// Package vision analyzes library images with the Anthropic messages API
// and stores the structured multi-section result. The call is plain
// request/response keyed by an image path; failures are surfaced to the
// caller without internal retries.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/zulandar/easel/internal/models"
	"gorm.io/gorm"
)

const (
	// DefaultModel is the vision model used when none is configured.
	DefaultModel = "claude-3-sonnet-20240229"
	// DefaultMaxTokens bounds the analysis response length.
	DefaultMaxTokens = 1500
	// DefaultAPIURL is the Anthropic messages endpoint.
	DefaultAPIURL = "https://api.anthropic.com/v1/messages"
	// apiVersion is the Anthropic API version header value.
	apiVersion = "2023-06-01"
)

// sectionNames are the headings the analysis prompt asks the model to
// emit, in response order.
var sectionNames = []string{
	"PATTERN ANALYSIS",
	"CREATIVE INTERPRETATION",
	"COLOR ANALYSIS",
	"TECHNICAL NOTES",
	"PROMPT 1",
	"PROMPT 2",
}

// analysisPrompt asks for a structured interpretation of the image plus
// two regeneration prompts.
const analysisPrompt = `You are an expert in interpreting complex images.
Your main role is to give a real subject and surrounding environment to the figures present in the analyzed image.
The main subjects of the two prompts are not abstract shapes.

1. PATTERN AND FORM ANALYSIS:
- Dominant shapes and lines
- Texture patterns
- Color relationships and harmonies
- Depth and dimensionality
- Light/shadow interactions

2. CREATIVE INTERPRETATION:
- Concrete subjects/scenes that emerge
- Mood and emotional qualities

3. COLOR ANALYSIS:
[5 predominant colors in RGB format]
- Role in composition

4. TECHNICAL SPECIFICATIONS:
- Camera perspective
- Lighting setup

5. GENERATED PROMPTS:
Create TWO distinct prompts:
1. Photography-focused prompt
2. Creative/artistic variation

Response Format:
---
PATTERN ANALYSIS:
[Detailed analysis]

CREATIVE INTERPRETATION:
[Your interpretation]

COLOR ANALYSIS:
[5 colors with roles]

TECHNICAL NOTES:
[Key specifications]

PROMPT 1:
[Photography prompt]

PROMPT 2:
[Creative variation]`

// Analyzer calls the Anthropic messages API for one image at a time.
type Analyzer struct {
	apiKey     string
	model      string
	maxTokens  int
	apiURL     string
	httpClient *http.Client
	db         *gorm.DB
}

// Opts holds parameters for creating an Analyzer.
type Opts struct {
	APIKey     string // required
	Model      string // defaults to DefaultModel
	MaxTokens  int    // defaults to DefaultMaxTokens
	APIURL     string // defaults to DefaultAPIURL
	HTTPClient *http.Client
	DB         *gorm.DB // optional analysis persistence
}

// New creates an Analyzer.
func New(opts Opts) (*Analyzer, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("vision: api key is required")
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	apiURL := opts.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &Analyzer{
		apiKey:     opts.APIKey,
		model:      model,
		maxTokens:  maxTokens,
		apiURL:     apiURL,
		httpClient: client,
		db:         opts.DB,
	}, nil
}

// AnalyzeFile reads the image at path and analyzes it. The structured
// result is persisted per section and written as a sidecar text file next
// to the image.
func (a *Analyzer) AnalyzeFile(ctx context.Context, imagePath string) (map[string]string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("vision: read %s: %w", imagePath, err)
	}
	sections, err := a.Analyze(ctx, data)
	if err != nil {
		return nil, err
	}
	a.record(imagePath, sections)
	writeSidecar(imagePath, sections)
	return sections, nil
}

// Analyze sends the image bytes for analysis and parses the sectioned
// response.
func (a *Analyzer) Analyze(ctx context.Context, image []byte) (map[string]string, error) {
	reqBody := messagesRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		Temperature: 0.7,
		Messages: []message{{
			Role: "user",
			Content: []contentBlock{
				{Type: "text", Text: analysisPrompt},
				{Type: "image", Source: &imageSource{
					Type:      "base64",
					MediaType: "image/png",
					Data:      base64.StdEncoding.EncodeToString(image),
				}},
			},
		}},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("vision: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vision: analysis request: %w", err)
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vision: analysis call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("vision: analysis http %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var decoded messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("vision: decode analysis response: %w", err)
	}
	if len(decoded.Content) == 0 {
		return nil, fmt.Errorf("vision: empty analysis response")
	}
	return ParseSections(decoded.Content[0].Text), nil
}

// ParseSections splits the model's text into the known headed sections.
// Keys are lowercased with underscores ("pattern_analysis"). Text before
// the first heading is discarded.
func ParseSections(text string) map[string]string {
	result := map[string]string{}
	var currentSection string
	var currentContent []string

	flush := func() {
		if currentSection != "" && len(currentContent) > 0 {
			result[currentSection] = strings.Join(currentContent, "\n")
		}
		currentContent = nil
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		matched := false
		for _, section := range sectionNames {
			if strings.HasPrefix(line, section) {
				flush()
				currentSection = strings.ReplaceAll(strings.ToLower(section), " ", "_")
				matched = true
				break
			}
		}
		if !matched && currentSection != "" {
			currentContent = append(currentContent, line)
		}
	}
	flush()
	return result
}

// record persists one AnalysisRecord row per section. Best effort.
func (a *Analyzer) record(imagePath string, sections map[string]string) {
	if a.db == nil {
		return
	}
	for section, content := range sections {
		row := models.AnalysisRecord{
			ImagePath: imagePath,
			Section:   section,
			Content:   content,
			CreatedAt: time.Now(),
		}
		if err := a.db.Create(&row).Error; err != nil {
			log.Printf("vision: persist %s section for %s: %v", section, imagePath, err)
		}
	}
}

// writeSidecar mirrors the analysis into a text file next to the image.
// Best effort.
func writeSidecar(imagePath string, sections map[string]string) {
	base := strings.TrimSuffix(imagePath, ".png")
	base = strings.TrimSuffix(base, ".jpg")
	base = strings.TrimSuffix(base, ".jpeg")
	var b strings.Builder
	for _, section := range sectionNames {
		key := strings.ReplaceAll(strings.ToLower(section), " ", "_")
		content, ok := sections[key]
		if !ok {
			continue
		}
		b.WriteString(strings.ToUpper(key) + "\n")
		b.WriteString(strings.Repeat("=", len(key)) + "\n\n")
		b.WriteString(content + "\n\n")
	}
	if err := os.WriteFile(base+"_analysis.txt", []byte(b.String()), 0o644); err != nil {
		log.Printf("vision: write sidecar for %s: %v", imagePath, err)
	}
}

// messagesRequest is the Anthropic messages API request body.
type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Messages    []message `json:"messages"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// messagesResponse is the subset of the API response we consume.
type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}
