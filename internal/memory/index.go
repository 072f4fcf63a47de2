// Package memory indexes a project directory and renders it as a context
// block for the system prompt.
package memory

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

const MaxFiles = 200

var (
	excludedDirs = []string{"node_modules", ".git", ".agent", ".system_generated", "Grok-Api-main", "dist", "build"}
	allowedExts  = []string{"js", "css", "html", "py", "md", "txt", "json", "bat", "sh", "sql"}
)

var ErrNoFiles = errors.New("memory: no indexable files found")

type File struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type Index struct {
	IndexedAt time.Time `json:"indexedAt"`
	Root      string    `json:"root"`
	Files     []File    `json:"files"`
}

func excluded(name string) bool {
	return slices.Contains(excludedDirs, name)
}

func indexable(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	return slices.Contains(allowedExts, ext)
}

// IndexProject walks root and records up to MaxFiles indexable files.
// Unreadable directories are skipped.
func IndexProject(root string) (*Index, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	idx := &Index{IndexedAt: time.Now().UTC(), Root: abs}

	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == abs {
				return err
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != abs && excluded(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if !indexable(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		idx.Files = append(idx.Files, File{Name: d.Name(), Path: path, Size: info.Size()})
		if len(idx.Files) >= MaxFiles {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", root, err)
	}
	if len(idx.Files) == 0 {
		return nil, ErrNoFiles
	}
	return idx, nil
}

// Context renders the index as the project block appended to the system
// prompt. A nil or empty index renders as "".
func (idx *Index) Context() string {
	if idx == nil || len(idx.Files) == 0 {
		return ""
	}
	names := make([]string, 0, len(idx.Files))
	for _, f := range idx.Files {
		rel := strings.TrimPrefix(f.Path, idx.Root)
		names = append(names, filepath.ToSlash(rel))
	}
	return fmt.Sprintf("[NEURAL MEMORY]\nThe user's project is at: %s\nIndexed Files: %s\n(End of Project Context)",
		idx.Root, strings.Join(names, ", "))
}
