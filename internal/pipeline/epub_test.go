package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkbound/bindery/internal/job"
)

const testContainerXML = `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

const testOPF = `<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="bookid">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:identifier id="bookid">urn:uuid:9a0ca9ab-9e33-4181-b2a3-e1f2c7b0566d</dc:identifier>
    <dc:title>Test Book</dc:title>
  </metadata>
  <manifest>
    <item id="font1" href="fonts/body.otf" media-type="application/vnd.ms-opentype"/>
    <item id="chap1" href="chapter1.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
</package>`

var testFontBytes = bytes.Repeat([]byte{0x4f, 0x54, 0x54, 0x4f}, 500)

func buildTestEPUB(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	mt, err := w.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	require.NoError(t, err)
	_, err = mt.Write([]byte(epubMimeType))
	require.NoError(t, err)

	entries := map[string][]byte{
		"META-INF/container.xml": []byte(testContainerXML),
		"OEBPS/content.opf":      []byte(testOPF),
		"OEBPS/chapter1.xhtml":   []byte("<html><body>hi</body></html>"),
		"OEBPS/fonts/body.otf":   testFontBytes,
	}
	for name, data := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	p := filepath.Join(t.TempDir(), "test.epub")
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))
	return p
}

func runStages(t *testing.T, stages []job.Stage, workDir string, opts map[string]string, input string) string {
	t.Helper()
	prior := input
	for _, stage := range stages {
		out, err := stage.Run(context.Background(), workDir, opts, prior)
		require.NoError(t, err, "stage %s", stage.Name)
		prior = out
	}
	return prior
}

func TestEPUBFontToolRoundTrip(t *testing.T) {
	tool := EPUBFontTool()
	input := buildTestEPUB(t)

	workDir := filepath.Join(t.TempDir(), "work")
	require.NoError(t, os.MkdirAll(workDir, 0o755))
	out := runStages(t, tool.Stages, workDir, nil, input)

	r, err := zip.OpenReader(out)
	require.NoError(t, err)
	defer r.Close()

	require.NotEmpty(t, r.File)
	assert.Equal(t, "mimetype", r.File[0].Name)
	assert.Equal(t, zip.Store, r.File[0].Method)

	got := readZipEntry(t, out, "OEBPS/fonts/body.otf")
	require.Len(t, got, len(testFontBytes))

	// The leading span is XORed and the tail is untouched.
	assert.NotEqual(t, testFontBytes[:fontObfuscationSpan], got[:fontObfuscationSpan])
	assert.Equal(t, testFontBytes[fontObfuscationSpan:], got[fontObfuscationSpan:])

	key := obfuscationKey("urn:uuid:9a0ca9ab-9e33-4181-b2a3-e1f2c7b0566d")
	restored := append([]byte(nil), got...)
	for i := 0; i < fontObfuscationSpan; i++ {
		restored[i] ^= key[i%len(key)]
	}
	assert.Equal(t, testFontBytes, restored)
}

func TestEPUBFontToolIsSymmetric(t *testing.T) {
	tool := EPUBFontTool()
	input := buildTestEPUB(t)

	work1 := filepath.Join(t.TempDir(), "work")
	require.NoError(t, os.MkdirAll(work1, 0o755))
	once := runStages(t, tool.Stages, work1, nil, input)

	work2 := filepath.Join(t.TempDir(), "work")
	require.NoError(t, os.MkdirAll(work2, 0o755))
	twice := runStages(t, tool.Stages, work2, nil, once)

	got := readZipEntry(t, twice, "OEBPS/fonts/body.otf")
	assert.Equal(t, testFontBytes, got)
}

func TestEPUBFontToolSkipsWhenActionNone(t *testing.T) {
	tool := EPUBFontTool()
	input := buildTestEPUB(t)

	workDir := filepath.Join(t.TempDir(), "work")
	require.NoError(t, os.MkdirAll(workDir, 0o755))
	out := runStages(t, tool.Stages, workDir, map[string]string{"font_action": "none"}, input)

	got := readZipEntry(t, out, "OEBPS/fonts/body.otf")
	assert.Equal(t, testFontBytes, got)
}

func TestEPUBExtractRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("../escape.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("nope"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	p := filepath.Join(t.TempDir(), "evil.zip")
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))

	workDir := filepath.Join(t.TempDir(), "work")
	require.NoError(t, os.MkdirAll(workDir, 0o755))
	_, err = epubExtract(context.Background(), workDir, nil, p)
	assert.Error(t, err)
}

func TestEPUBParseWritesFontPlan(t *testing.T) {
	input := buildTestEPUB(t)
	workDir := filepath.Join(t.TempDir(), "work")
	require.NoError(t, os.MkdirAll(workDir, 0o755))

	src, err := epubExtract(context.Background(), workDir, nil, input)
	require.NoError(t, err)
	planPath, err := epubParse(context.Background(), workDir, nil, src)
	require.NoError(t, err)

	payload, err := os.ReadFile(planPath)
	require.NoError(t, err)
	var plan fontPlan
	require.NoError(t, json.Unmarshal(payload, &plan))
	assert.Equal(t, "urn:uuid:9a0ca9ab-9e33-4181-b2a3-e1f2c7b0566d", plan.UniqueID)
	assert.Equal(t, "OEBPS/content.opf", plan.OPFPath)
	assert.Equal(t, []string{"OEBPS/fonts/body.otf"}, plan.Fonts)
}

func readZipEntry(t *testing.T, archive, name string) []byte {
	t.Helper()
	r, err := zip.OpenReader(archive)
	require.NoError(t, err)
	defer r.Close()
	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		buf := new(bytes.Buffer)
		_, err = buf.ReadFrom(rc)
		require.NoError(t, err)
		return buf.Bytes()
	}
	t.Fatalf("entry %s not found in %s", name, archive)
	return nil
}
