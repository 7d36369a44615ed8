package pipeline

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/inkbound/bindery/internal/job"
)

const defaultSceneChars = 2000

// StoryboardTool turns a manuscript into a storyboard: it segments the text
// into scenes, derives an illustration prompt per scene, renders a panel for
// each prompt, and assembles the panels into a single storyboard document.
// Rendering calls an external image model when modelURL is set; otherwise a
// deterministic local renderer stands in, which keeps the tool usable in
// development and in tests.
func StoryboardTool(client *http.Client, modelURL string) Tool {
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	return Tool{
		ID:    "storyboard",
		Title: "Manuscript storyboard",
		Stages: []job.Stage{
			{Name: "segment", Run: storySegment},
			{Name: "prompt", Run: storyPrompt},
			{Name: "generate", Run: storyGenerate(client, modelURL)},
			{Name: "assemble", Run: storyAssemble},
		},
	}
}

type scene struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type panelPrompt struct {
	Scene   int    `json:"scene"`
	Prompt  string `json:"prompt"`
	Excerpt string `json:"excerpt"`
}

type panel struct {
	Scene  int    `json:"scene"`
	Prompt string `json:"prompt"`
	Image  string `json:"image"`
	Source string `json:"source"`
}

func storySegment(_ context.Context, workDir string, opts map[string]string, prior string) (string, error) {
	raw, err := os.ReadFile(prior)
	if err != nil {
		return "", fmt.Errorf("read manuscript: %w", err)
	}
	maxChars := defaultSceneChars
	if v, ok := opts["scene_chars"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return "", fmt.Errorf("invalid scene_chars %q", v)
		}
		maxChars = n
	}

	scenes := segmentText(string(raw), maxChars)
	if len(scenes) == 0 {
		return "", fmt.Errorf("manuscript contains no text")
	}
	return writeStageJSON(workDir, "scenes.json", scenes)
}

// segmentText splits on blank lines, then merges paragraphs greedily until a
// scene would exceed maxChars. A single oversized paragraph becomes its own
// scene rather than being split mid-sentence.
func segmentText(text string, maxChars int) []scene {
	var paragraphs []string
	for _, block := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		block = strings.TrimSpace(block)
		if block != "" {
			paragraphs = append(paragraphs, block)
		}
	}

	var scenes []scene
	var buf strings.Builder
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		scenes = append(scenes, scene{Index: len(scenes), Text: buf.String()})
		buf.Reset()
	}
	for _, p := range paragraphs {
		if buf.Len() > 0 && buf.Len()+len(p)+2 > maxChars {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(p)
		if buf.Len() >= maxChars {
			flush()
		}
	}
	flush()
	return scenes
}

func storyPrompt(_ context.Context, workDir string, _ map[string]string, prior string) (string, error) {
	var scenes []scene
	if err := readStageJSON(prior, &scenes); err != nil {
		return "", err
	}
	prompts := make([]panelPrompt, 0, len(scenes))
	for _, sc := range scenes {
		prompts = append(prompts, panelPrompt{
			Scene:   sc.Index,
			Prompt:  "Illustrate this scene in a single storyboard panel: " + excerpt(sc.Text, 280),
			Excerpt: excerpt(sc.Text, 400),
		})
	}
	return writeStageJSON(workDir, "prompts.json", prompts)
}

func excerpt(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= limit {
		return text
	}
	return text[:limit]
}

func storyGenerate(client *http.Client, modelURL string) func(context.Context, string, map[string]string, string) (string, error) {
	return func(ctx context.Context, workDir string, opts map[string]string, prior string) (string, error) {
		var prompts []panelPrompt
		if err := readStageJSON(prior, &prompts); err != nil {
			return "", err
		}
		style := opts["style"]
		panels := make([]panel, 0, len(prompts))
		for _, p := range prompts {
			prompt := p.Prompt
			if style != "" {
				prompt = prompt + " Style: " + style
			}
			img, source, err := renderPanel(ctx, client, modelURL, prompt)
			if err != nil {
				return "", fmt.Errorf("scene %d: %w", p.Scene, err)
			}
			panels = append(panels, panel{Scene: p.Scene, Prompt: prompt, Image: img, Source: source})
		}
		return writeStageJSON(workDir, "panels.json", panels)
	}
}

// renderPanel asks the configured image model for a panel. With no model URL
// it falls back to a deterministic placeholder derived from the prompt.
func renderPanel(ctx context.Context, client *http.Client, modelURL, prompt string) (string, string, error) {
	if modelURL == "" {
		sum := sha1.Sum([]byte(prompt))
		return "placeholder:" + hex.EncodeToString(sum[:8]), "local", nil
	}

	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return "", "", fmt.Errorf("encode model request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, modelURL, bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("build model request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("call image model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("image model returned status %d", resp.StatusCode)
	}
	var out struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode model response: %w", err)
	}
	if out.Image == "" {
		return "", "", fmt.Errorf("image model returned an empty panel")
	}
	return out.Image, "model", nil
}

func storyAssemble(_ context.Context, workDir string, _ map[string]string, prior string) (string, error) {
	var panels []panel
	if err := readStageJSON(prior, &panels); err != nil {
		return "", err
	}
	doc := struct {
		GeneratedAt time.Time `json:"generated_at"`
		PanelCount  int       `json:"panel_count"`
		Panels      []panel   `json:"panels"`
	}{
		GeneratedAt: time.Now().UTC(),
		PanelCount:  len(panels),
		Panels:      panels,
	}
	return writeStageJSON(workDir, "storyboard.json", doc)
}

func writeStageJSON(workDir, name string, v any) (string, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", name, err)
	}
	p := filepath.Join(workDir, name)
	if err := os.WriteFile(p, payload, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return p, nil
}

func readStageJSON(p string, v any) error {
	payload, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(p), err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(p), err)
	}
	return nil
}
