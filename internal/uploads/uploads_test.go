// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package uploads

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var testAllowed = []string{
	"image/jpeg", "image/png", "image/gif", "image/webp",
	"application/zip", "application/json", "text/plain",
	"text/html", "text/css", "application/javascript",
}

type testFile struct {
	name string
	mime string
	data []byte
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), 1024*1024, 5, testAllowed)
	require.NoError(t, err)
	return s
}

// multipartFiles builds a request body and parses it the way the HTTP handler does.
func multipartFiles(t *testing.T, files ...testFile) []*multipart.FileHeader {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, f.name))
		h.Set("Content-Type", f.mime)
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest("POST", "/api/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(32<<20))
	return req.MultipartForm.File["files"]
}

func zipBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// =============================================================================
// SAVE TESTS
// =============================================================================

func TestSaveAll_StoresFileAndSidecar(t *testing.T) {
	s := newTestStore(t)
	data := bytes.Repeat([]byte("a"), 3000)

	atts, err := s.SaveAll(multipartFiles(t, testFile{"notes.txt", "text/plain; charset=utf-8", data}))
	require.NoError(t, err)
	require.Len(t, atts, 1)

	att := atts[0]
	require.True(t, strings.HasSuffix(att.ID, ".txt"))
	require.Equal(t, "Code (3 KB)", att.Name)
	require.Equal(t, "notes.txt", att.OriginalName)
	require.Equal(t, "text/plain", att.Type)
	require.EqualValues(t, 3000, att.Size)
	require.Equal(t, "/uploads/"+att.ID, att.URL)
	require.Equal(t, filepath.Join(s.Root, att.ID), att.Path)

	stored, err := os.ReadFile(att.Path)
	require.NoError(t, err)
	require.Equal(t, data, stored)

	meta, err := s.ReadMetadata(att.ID)
	require.NoError(t, err)
	require.Equal(t, "notes.txt", meta.OriginalName)
	require.Equal(t, "text/plain", meta.MIMEType)
	require.EqualValues(t, 3000, meta.Size)
	require.False(t, meta.UploadedAt.IsZero())

	raw, err := os.ReadFile(filepath.Join(s.Root, strings.TrimSuffix(att.ID, ".txt")+".meta.json"))
	require.NoError(t, err)
	var sidecar map[string]any
	require.NoError(t, json.Unmarshal(raw, &sidecar))
	require.Contains(t, sidecar, "originalName")
	require.Contains(t, sidecar, "uploadedAt")
}

func TestSaveAll_DisplayNames(t *testing.T) {
	tests := []struct {
		mime string
		size int64
		want string
	}{
		{"image/png", 2048, "Image (2 KB)"},
		{"application/zip", 10 * 1024, "Archive (10 KB)"},
		{"application/javascript", 100, "Code (0 KB)"},
		{"text/css", 1536, "Code (2 KB)"},
		{"application/json", 5000, "File (5 KB)"},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			require.Equal(t, tt.want, DisplayName(tt.mime, tt.size))
		})
	}
}

func TestSaveAll_NormalizesNames(t *testing.T) {
	s := newTestStore(t)
	// "e" followed by a combining acute accent
	decomposed := "cafe\u0301.txt"

	atts, err := s.SaveAll(multipartFiles(t, testFile{decomposed, "text/plain", []byte("x")}))
	require.NoError(t, err)
	require.Equal(t, "caf\u00e9.txt", atts[0].OriginalName)
}

func TestSaveAll_Rejections(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SaveAll(nil)
	require.ErrorIs(t, err, ErrNoFiles)

	_, err = s.SaveAll(multipartFiles(t, testFile{"run.exe", "application/x-msdownload", []byte("MZ")}))
	require.ErrorIs(t, err, ErrUnsupportedType)

	big := bytes.Repeat([]byte("b"), int(s.MaxFileSize)+1)
	_, err = s.SaveAll(multipartFiles(t, testFile{"big.txt", "text/plain", big}))
	require.ErrorIs(t, err, ErrTooLarge)

	var many []testFile
	for i := 0; i < 6; i++ {
		many = append(many, testFile{fmt.Sprintf("f%d.txt", i), "text/plain", []byte("x")})
	}
	_, err = s.SaveAll(multipartFiles(t, many...))
	require.ErrorIs(t, err, ErrTooManyFiles)

	// Nothing was written by the rejected batches
	entries, err := os.ReadDir(s.Root)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSaveAll_ExpandsZip(t *testing.T) {
	s := newTestStore(t)
	archive := zipBytes(t, map[string]string{
		"src/main.py":   "print('hi')",
		"README.md":     "# readme",
		"../escape.txt": "nope",
		"/abs.txt":      "nope",
		"logo.bin":      "\x00\x01",
	})

	atts, err := s.SaveAll(multipartFiles(t, testFile{"project.zip", "application/zip", archive}))
	require.NoError(t, err)
	require.Len(t, atts, 1)

	zipAtt := atts[0]
	require.Equal(t, "application/zip", zipAtt.Type)
	require.Len(t, zipAtt.ExtractedFiles, 3)

	base := strings.TrimSuffix(zipAtt.ID, ".zip")
	byName := map[string]int{}
	for i, e := range zipAtt.ExtractedFiles {
		byName[e.Name] = i
		require.True(t, strings.HasPrefix(e.Path, filepath.Join(s.Root, base)+string(filepath.Separator)))
		require.True(t, strings.HasPrefix(e.URL, "/uploads/"+base+"/"))
	}

	py := zipAtt.ExtractedFiles[byName["main.py"]]
	require.Equal(t, "text/x-python", py.Type)
	require.Equal(t, "print('hi')", py.Content)
	require.Equal(t, "/uploads/"+base+"/src/main.py", py.URL)

	bin := zipAtt.ExtractedFiles[byName["logo.bin"]]
	require.Equal(t, "text/plain", bin.Type)
	require.Empty(t, bin.Content, "non-text entries are not inlined")

	require.NoFileExists(t, filepath.Join(filepath.Dir(s.Root), "escape.txt"))
	require.NoFileExists(t, filepath.Join(s.Root, "escape.txt"))
}

func TestSaveAll_CorruptZipStillStored(t *testing.T) {
	s := newTestStore(t)
	atts, err := s.SaveAll(multipartFiles(t, testFile{"broken.zip", "application/zip", []byte("not a zip")}))
	require.NoError(t, err)
	require.Len(t, atts, 1)
	require.Empty(t, atts[0].ExtractedFiles)
	require.FileExists(t, atts[0].Path)
}

// =============================================================================
// PATH SAFETY TESTS
// =============================================================================

func TestResolve_RejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	for _, p := range []string{
		"../secret.txt",
		"a/../../secret.txt",
		`..\secret.txt`,
		"sub/..",
		"",
	} {
		t.Run(p, func(t *testing.T) {
			_, err := s.Resolve(p)
			require.ErrorIs(t, err, ErrPathTraversal)

			_, err = s.ReadText(p)
			require.ErrorIs(t, err, ErrPathTraversal)
		})
	}
}

func TestResolve_AbsolutePaths(t *testing.T) {
	s := newTestStore(t)

	inside := filepath.Join(s.Root, "x.txt")
	got, err := s.Resolve(inside)
	require.NoError(t, err)
	require.Equal(t, inside, got)

	// Absolute paths outside the root are re-rooted, never read in place
	got, err = s.Resolve("/etc/passwd")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(s.Root, "etc", "passwd"), got)
}

func TestReadText(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root, "hello.py"), []byte("print(1)"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root, "pic.png"), []byte("\x89PNG"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(s.Root, "dir.txt"), 0755))

	content, err := s.ReadText("hello.py")
	require.NoError(t, err)
	require.Equal(t, "print(1)", content)

	_, err = s.ReadText("missing.txt")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.ReadText("pic.png")
	require.ErrorIs(t, err, ErrNotTextFile)

	_, err = s.ReadText("dir.txt")
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Exists("hello.py")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Exists("nope.py")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Exists("../hello.py")
	require.ErrorIs(t, err, ErrPathTraversal)
}

func TestReadFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root, "img.png"), []byte{1, 2, 3}, 0644))

	data, err := s.ReadFile(filepath.Join(s.Root, "img.png"))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, data)

	_, err = s.ReadFile("gone.png")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEntryType(t *testing.T) {
	require.Equal(t, "application/javascript", EntryType("a/b.JS"))
	require.Equal(t, "text/x-c", EntryType("x.cpp"))
	require.Equal(t, "text/x-csharp", EntryType("x.cs"))
	require.Equal(t, "text/plain", EntryType("Makefile"))
}
