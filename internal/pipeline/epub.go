package pipeline

import (
	"archive/zip"
	"context"
	"crypto/sha1"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/inkbound/bindery/internal/job"
)

const (
	epubMimeType = "application/epub+zip"
	// Number of leading bytes covered by IDPF font obfuscation.
	fontObfuscationSpan = 1040
)

// EPUBFontTool rewrites the embedded fonts of an EPUB: it applies or removes
// the IDPF obfuscation scheme, which XORs the leading bytes of each font with
// a key derived from the publication's unique identifier. The operation is
// symmetric, so the same transform serves both directions.
func EPUBFontTool() Tool {
	return Tool{
		ID:    "epub-fonts",
		Title: "EPUB font rewriter",
		Stages: []job.Stage{
			{Name: "extract", Run: epubExtract},
			{Name: "parse", Run: epubParse},
			{Name: "transform", Run: epubTransform},
			{Name: "repack", Run: epubRepack},
			{Name: "validate", Run: epubValidate},
		},
	}
}

// fontPlan is the parse stage's output: everything transform and repack need.
type fontPlan struct {
	UniqueID string   `json:"unique_id"`
	OPFPath  string   `json:"opf_path"`
	Fonts    []string `json:"fonts"`
}

func epubSrcDir(workDir string) string {
	return filepath.Join(workDir, "src")
}

func epubExtract(_ context.Context, workDir string, _ map[string]string, prior string) (string, error) {
	src := epubSrcDir(workDir)
	if err := os.MkdirAll(src, 0o755); err != nil {
		return "", fmt.Errorf("create extract dir: %w", err)
	}
	r, err := zip.OpenReader(prior)
	if err != nil {
		return "", fmt.Errorf("open epub archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		target, err := safeJoin(src, f.Name)
		if err != nil {
			return "", err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", fmt.Errorf("create dir %s: %w", f.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("create dir for %s: %w", f.Name, err)
		}
		if err := extractEntry(f, target); err != nil {
			return "", err
		}
	}
	return src, nil
}

func extractEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return out.Close()
}

// safeJoin resolves an archive entry name under root, rejecting traversal.
func safeJoin(root, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("archive entry %q escapes extraction root", name)
	}
	return filepath.Join(root, cleaned), nil
}

type containerXML struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type opfPackage struct {
	UniqueIdentifier string `xml:"unique-identifier,attr"`
	Metadata         struct {
		Identifiers []struct {
			ID    string `xml:"id,attr"`
			Value string `xml:",chardata"`
		} `xml:"identifier"`
	} `xml:"metadata"`
	Manifest struct {
		Items []struct {
			Href      string `xml:"href,attr"`
			MediaType string `xml:"media-type,attr"`
		} `xml:"item"`
	} `xml:"manifest"`
}

func epubParse(_ context.Context, workDir string, _ map[string]string, prior string) (string, error) {
	src := prior
	payload, err := os.ReadFile(filepath.Join(src, "META-INF", "container.xml"))
	if err != nil {
		return "", fmt.Errorf("read container.xml: %w", err)
	}
	var c containerXML
	if err := xml.Unmarshal(payload, &c); err != nil {
		return "", fmt.Errorf("parse container.xml: %w", err)
	}
	if len(c.Rootfiles) == 0 || c.Rootfiles[0].FullPath == "" {
		return "", fmt.Errorf("container.xml declares no rootfile")
	}
	opfRel := c.Rootfiles[0].FullPath

	opfPath, err := safeJoin(src, opfRel)
	if err != nil {
		return "", err
	}
	payload, err = os.ReadFile(opfPath)
	if err != nil {
		return "", fmt.Errorf("read package document: %w", err)
	}
	var pkg opfPackage
	if err := xml.Unmarshal(payload, &pkg); err != nil {
		return "", fmt.Errorf("parse package document: %w", err)
	}

	uid := ""
	for _, ident := range pkg.Metadata.Identifiers {
		if ident.ID == pkg.UniqueIdentifier || uid == "" {
			uid = strings.TrimSpace(ident.Value)
		}
	}
	if uid == "" {
		return "", fmt.Errorf("package document has no identifier")
	}

	opfDir := path.Dir(opfRel)
	var fonts []string
	for _, item := range pkg.Manifest.Items {
		if !isFontItem(item.Href, item.MediaType) {
			continue
		}
		fonts = append(fonts, path.Join(opfDir, item.Href))
	}

	plan := fontPlan{UniqueID: uid, OPFPath: opfRel, Fonts: fonts}
	planPath := filepath.Join(workDir, "fontplan.json")
	payload, err = json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal font plan: %w", err)
	}
	if err := os.WriteFile(planPath, payload, 0o644); err != nil {
		return "", fmt.Errorf("write font plan: %w", err)
	}
	return planPath, nil
}

func isFontItem(href, mediaType string) bool {
	mt := strings.ToLower(mediaType)
	if strings.HasPrefix(mt, "font/") ||
		strings.HasPrefix(mt, "application/font") ||
		strings.HasPrefix(mt, "application/x-font") ||
		mt == "application/vnd.ms-opentype" {
		return true
	}
	switch strings.ToLower(path.Ext(href)) {
	case ".ttf", ".otf", ".woff", ".woff2":
		return true
	}
	return false
}

// obfuscationKey implements the IDPF scheme: SHA-1 of the unique identifier
// with all whitespace removed.
func obfuscationKey(uid string) []byte {
	stripped := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, uid)
	sum := sha1.Sum([]byte(stripped))
	return sum[:]
}

func epubTransform(_ context.Context, workDir string, opts map[string]string, prior string) (string, error) {
	payload, err := os.ReadFile(prior)
	if err != nil {
		return "", fmt.Errorf("read font plan: %w", err)
	}
	var plan fontPlan
	if err := json.Unmarshal(payload, &plan); err != nil {
		return "", fmt.Errorf("parse font plan: %w", err)
	}
	src := epubSrcDir(workDir)
	if opts["font_action"] == "none" || len(plan.Fonts) == 0 {
		return src, nil
	}

	key := obfuscationKey(plan.UniqueID)
	for _, rel := range plan.Fonts {
		fontPath, err := safeJoin(src, rel)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(fontPath)
		if err != nil {
			return "", fmt.Errorf("read font %s: %w", rel, err)
		}
		span := fontObfuscationSpan
		if len(data) < span {
			span = len(data)
		}
		for i := 0; i < span; i++ {
			data[i] ^= key[i%len(key)]
		}
		if err := os.WriteFile(fontPath, data, 0o644); err != nil {
			return "", fmt.Errorf("write font %s: %w", rel, err)
		}
	}
	return src, nil
}

func epubRepack(_ context.Context, workDir string, _ map[string]string, prior string) (string, error) {
	src := prior
	outPath := filepath.Join(workDir, "book.epub")
	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("create repacked epub: %w", err)
	}
	w := zip.NewWriter(out)

	// The mimetype entry must come first and be stored uncompressed.
	mt, err := w.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		return "", fmt.Errorf("write mimetype entry: %w", err)
	}
	if _, err := mt.Write([]byte(epubMimeType)); err != nil {
		return "", fmt.Errorf("write mimetype entry: %w", err)
	}

	err = filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "mimetype" {
			return nil
		}
		entry, err := w.Create(rel)
		if err != nil {
			return fmt.Errorf("create entry %s: %w", rel, err)
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(entry, f)
		return err
	})
	if err != nil {
		_ = w.Close()
		_ = out.Close()
		return "", fmt.Errorf("repack epub: %w", err)
	}
	if err := w.Close(); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("finalize epub: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close epub: %w", err)
	}
	return outPath, nil
}

func epubValidate(_ context.Context, _ string, _ map[string]string, prior string) (string, error) {
	r, err := zip.OpenReader(prior)
	if err != nil {
		return "", fmt.Errorf("reopen repacked epub: %w", err)
	}
	defer r.Close()
	if len(r.File) == 0 {
		return "", fmt.Errorf("repacked epub is empty")
	}
	first := r.File[0]
	if first.Name != "mimetype" || first.Method != zip.Store {
		return "", fmt.Errorf("mimetype must be the first, stored entry")
	}
	rc, err := first.Open()
	if err != nil {
		return "", fmt.Errorf("open mimetype entry: %w", err)
	}
	content, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return "", fmt.Errorf("read mimetype entry: %w", err)
	}
	if string(content) != epubMimeType {
		return "", fmt.Errorf("unexpected mimetype %q", content)
	}
	var hasContainer bool
	for _, f := range r.File {
		if f.Name == "META-INF/container.xml" {
			hasContainer = true
			break
		}
	}
	if !hasContainer {
		return "", fmt.Errorf("repacked epub is missing META-INF/container.xml")
	}
	return prior, nil
}
