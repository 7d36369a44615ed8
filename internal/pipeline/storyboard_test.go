package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManuscript(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "manuscript.txt")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestSegmentTextSplitsOnBlankLines(t *testing.T) {
	scenes := segmentText("one\n\ntwo\n\nthree", 1000)
	require.Len(t, scenes, 1)
	assert.Equal(t, "one\n\ntwo\n\nthree", scenes[0].Text)

	scenes = segmentText("one\n\ntwo\n\nthree", 5)
	require.Len(t, scenes, 3)
	assert.Equal(t, 0, scenes[0].Index)
	assert.Equal(t, "one", scenes[0].Text)
	assert.Equal(t, "three", scenes[2].Text)
}

func TestSegmentTextKeepsOversizedParagraphWhole(t *testing.T) {
	big := strings.Repeat("word ", 100)
	scenes := segmentText("small\n\n"+big, 50)
	require.Len(t, scenes, 2)
	assert.Equal(t, "small", scenes[0].Text)
	assert.Equal(t, strings.TrimSpace(big), strings.TrimSpace(scenes[1].Text))
}

func TestStoryboardToolLocalRenderer(t *testing.T) {
	tool := StoryboardTool(nil, "")
	input := writeManuscript(t, "The ship left port at dawn.\n\nA storm rolled in by noon.\n\nThey never saw land again.")

	workDir := t.TempDir()
	out := runStages(t, tool.Stages, workDir, map[string]string{"scene_chars": "20"}, input)

	payload, err := os.ReadFile(out)
	require.NoError(t, err)
	var doc struct {
		PanelCount int     `json:"panel_count"`
		Panels     []panel `json:"panels"`
	}
	require.NoError(t, json.Unmarshal(payload, &doc))
	assert.Equal(t, 3, doc.PanelCount)
	for i, p := range doc.Panels {
		assert.Equal(t, i, p.Scene)
		assert.Equal(t, "local", p.Source)
		assert.True(t, strings.HasPrefix(p.Image, "placeholder:"), "got %q", p.Image)
	}
}

func TestStoryboardLocalRendererIsDeterministic(t *testing.T) {
	a, srcA, err := renderPanel(context.Background(), nil, "", "a lighthouse at night")
	require.NoError(t, err)
	b, srcB, err := renderPanel(context.Background(), nil, "", "a lighthouse at night")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, "local", srcA)
	assert.Equal(t, srcA, srcB)

	c, _, err := renderPanel(context.Background(), nil, "", "a different prompt")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestStoryboardToolCallsModel(t *testing.T) {
	var prompts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		prompts = append(prompts, req.Prompt)
		_ = json.NewEncoder(w).Encode(map[string]string{"image": "data:image/png;base64,xyz"})
	}))
	defer srv.Close()

	tool := StoryboardTool(srv.Client(), srv.URL)
	input := writeManuscript(t, "Scene one.\n\nScene two.")

	out := runStages(t, tool.Stages, t.TempDir(), map[string]string{"scene_chars": "10", "style": "ink wash"}, input)

	payload, err := os.ReadFile(out)
	require.NoError(t, err)
	var doc struct {
		Panels []panel `json:"panels"`
	}
	require.NoError(t, json.Unmarshal(payload, &doc))
	require.Len(t, doc.Panels, 2)
	for _, p := range doc.Panels {
		assert.Equal(t, "model", p.Source)
		assert.Equal(t, "data:image/png;base64,xyz", p.Image)
		assert.Contains(t, p.Prompt, "Style: ink wash")
	}
	assert.Len(t, prompts, 2)
}

func TestStoryboardModelFailureSurfacesSceneIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tool := StoryboardTool(srv.Client(), srv.URL)
	input := writeManuscript(t, "Only scene.")

	prior := input
	var err error
	for _, stage := range tool.Stages {
		prior, err = stage.Run(context.Background(), t.TempDir(), nil, prior)
		if err != nil {
			break
		}
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scene 0")
	assert.Contains(t, err.Error(), "status 502")
}

func TestStoryboardRejectsEmptyManuscript(t *testing.T) {
	input := writeManuscript(t, "   \n\n  ")
	_, err := storySegment(context.Background(), t.TempDir(), nil, input)
	assert.Error(t, err)
}
