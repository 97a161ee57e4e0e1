// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package uploads

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/kot-relay/internal/model"
	"github.com/jeranaias/kot-relay/internal/util"
)

// Error variables for upload and file access failures.
var (
	ErrPathTraversal   = errors.New("invalid file path")
	ErrNotFound        = errors.New("file not found")
	ErrNotTextFile     = errors.New("file is not a text file")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
	ErrTooManyFiles    = errors.New("too many files")
	ErrNoFiles         = errors.New("no files uploaded")
)

// URLPrefix is where the upload directory is served.
const URLPrefix = "/uploads/"

// Metadata is the sidecar written next to each stored file.
type Metadata struct {
	OriginalName string    `json:"originalName"`
	MIMEType     string    `json:"mimeType"`
	Size         int64     `json:"size"`
	UploadedAt   time.Time `json:"uploadedAt"`
}

// Store manages the upload directory.
type Store struct {
	// Root is the absolute upload directory
	Root string

	MaxFileSize int64
	MaxFiles    int

	allowed map[string]bool
}

// NewStore creates the upload directory if needed.
func NewStore(root string, maxFileSize int64, maxFiles int, allowedMIMETypes []string) (*Store, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve upload directory: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	allowed := make(map[string]bool, len(allowedMIMETypes))
	for _, t := range allowedMIMETypes {
		allowed[normalizeMIME(t)] = true
	}
	return &Store{
		Root:        absRoot,
		MaxFileSize: maxFileSize,
		MaxFiles:    maxFiles,
		allowed:     allowed,
	}, nil
}

// Allowed reports whether a MIME type may be uploaded.
func (s *Store) Allowed(mimeType string) bool {
	return s.allowed[normalizeMIME(mimeType)]
}

// =============================================================================
// SAVE
// =============================================================================

// SaveAll validates every file before storing any of them, then stores each
// one and expands ZIP archives. A ZIP that fails to expand is still returned,
// without extracted entries.
func (s *Store) SaveAll(files []*multipart.FileHeader) ([]model.Attachment, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	if s.MaxFiles > 0 && len(files) > s.MaxFiles {
		return nil, fmt.Errorf("%w: %d files, limit is %d", ErrTooManyFiles, len(files), s.MaxFiles)
	}
	for _, fh := range files {
		if s.MaxFileSize > 0 && fh.Size > s.MaxFileSize {
			return nil, fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrTooLarge, fh.Filename, fh.Size, s.MaxFileSize)
		}
		if ct := fh.Header.Get("Content-Type"); !s.Allowed(ct) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, normalizeMIME(ct))
		}
	}

	out := make([]model.Attachment, 0, len(files))
	for _, fh := range files {
		att, err := s.Save(fh)
		if err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, nil
}

// Save stores one multipart file and its sidecar and returns its descriptor.
func (s *Store) Save(fh *multipart.FileHeader) (model.Attachment, error) {
	src, err := fh.Open()
	if err != nil {
		return model.Attachment{}, fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	originalName := sanitizeName(fh.Filename)
	mimeType := normalizeMIME(fh.Header.Get("Content-Type"))
	base := uuid.NewString()
	id := base + strings.ToLower(filepath.Ext(originalName))
	dest := filepath.Join(s.Root, id)

	size, err := writeFile(dest, src, s.MaxFileSize)
	if err != nil {
		return model.Attachment{}, err
	}

	meta := Metadata{
		OriginalName: originalName,
		MIMEType:     mimeType,
		Size:         size,
		UploadedAt:   time.Now().UTC(),
	}
	if err := s.writeMetadata(base, meta); err != nil {
		log.Printf("UPLOAD_META_FAILED | id=%s error=%v", id, err)
	}

	att := model.Attachment{
		ID:           id,
		Name:         DisplayName(mimeType, size),
		OriginalName: originalName,
		Path:         dest,
		Type:         mimeType,
		Size:         size,
		URL:          URLPrefix + id,
	}

	if mimeType == "application/zip" {
		extractDir := filepath.Join(s.Root, base)
		entries, err := ExtractZip(dest, extractDir, URLPrefix+base)
		if err != nil {
			log.Printf("ZIP_EXTRACT_FAILED | id=%s error=%v", id, err)
		} else {
			att.ExtractedFiles = entries
		}
	}

	log.Printf("UPLOAD_STORED | id=%s type=%s size=%d", id, mimeType, size)
	return att, nil
}

// writeFile streams src to dest, failing with ErrTooLarge past limit bytes.
func writeFile(dest string, src io.Reader, limit int64) (int64, error) {
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create upload file: %w", err)
	}

	var reader io.Reader = src
	if limit > 0 {
		reader = io.LimitReader(src, limit+1)
	}
	n, err := io.Copy(f, reader)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && limit > 0 && n > limit {
		err = fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, limit)
	}
	if err != nil {
		os.Remove(dest)
		return 0, err
	}
	return n, nil
}

func (s *Store) writeMetadata(base string, meta Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(filepath.Join(s.Root, base+".meta.json"), data, 0644)
}

// ReadMetadata loads the sidecar for a stored file id such as "<uuid>.png".
func (s *Store) ReadMetadata(id string) (*Metadata, error) {
	base := strings.TrimSuffix(id, filepath.Ext(id))
	p, err := s.Resolve(base + ".meta.json")
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &meta, nil
}

// sanitizeName normalizes an uploaded filename to NFC and drops any
// directory components the client sent.
func sanitizeName(name string) string {
	name = norm.NFC.String(name)
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return "upload"
	}
	return name
}

// =============================================================================
// PATH RESOLUTION
// =============================================================================

// Resolve maps a client-supplied path to a location under Root. Relative
// paths are joined to Root; absolute paths are accepted only when they
// already lie inside Root.
func (s *Store) Resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathTraversal)
	}
	if util.HasTraversal(p) {
		return "", ErrPathTraversal
	}
	if filepath.IsAbs(p) && util.Within(s.Root, p) {
		return filepath.Clean(p), nil
	}
	full, err := util.SafeJoin(s.Root, p)
	if err != nil {
		return "", ErrPathTraversal
	}
	return full, nil
}

// Exists reports whether p names a regular file under Root.
func (s *Store) Exists(p string) (bool, error) {
	full, err := s.Resolve(p)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return false, nil
	}
	return info.Mode().IsRegular(), nil
}

// ReadText returns the UTF-8 content of a text file under Root.
func (s *Store) ReadText(p string) (string, error) {
	full, err := s.Resolve(p)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		return "", ErrNotFound
	}
	if !IsTextFile(full) {
		return "", ErrNotTextFile
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return string(data), nil
}

// ReadFile returns the bytes of a stored file under Root.
func (s *Store) ReadFile(p string) ([]byte, error) {
	full, err := s.Resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}
