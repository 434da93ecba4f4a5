// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package sources manages the local collection of reference documents that
// ground the bot's answers.
//
// The collection lives in a directory that can optionally track a remote Git
// repository. [Syncer.Sync] refreshes the directory from the remote and never
// fails the startup: when the remote is unreachable, whatever is on disk is
// used. [List] returns the files of the collection, skipping service files
// like README.md and dotfiles.
package sources

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.astrophena.name/sage/internal/logger"
)

// File is a reference document found in the sources directory.
type File struct {
	// Name is the path of the file relative to the sources directory.
	Name string
	// Path is the location of the file on disk.
	Path string
	// MIMEType is the media type guessed from the file extension.
	MIMEType string
}

// Syncer keeps a sources directory up to date with a remote Git repository.
type Syncer struct {
	// Dir is the directory holding the sources.
	Dir string
	// RepoURL is the remote repository to clone or pull from. If empty, the
	// directory is used as is.
	RepoURL string
	// Logf specifies a logger to use. If nil, log.Printf is used.
	Logf logger.Logf

	// runGit is overridden in tests.
	runGit func(ctx context.Context, dir string, args ...string) error
}

// Sync brings the sources directory in line with the remote repository.
//
// Sync never reports an error: any failure is logged and the local copy, if
// present, keeps serving. A fresh clone replaces the directory only after it
// has succeeded.
func (s *Syncer) Sync(ctx context.Context) {
	if s.Logf == nil {
		s.Logf = log.Printf
	}
	if s.runGit == nil {
		s.runGit = runGit
	}
	if s.RepoURL == "" {
		return
	}

	if !s.isRepo() {
		s.Logf("Cloning %s into %s...", s.RepoURL, s.Dir)
		if err := s.runGit(ctx, "", "clone", s.RepoURL, s.Dir); err != nil {
			s.Logf("Cloning failed: %v; using the local copy if present.", err)
		}
		return
	}

	err := s.runGit(ctx, s.Dir, "pull", "--ff-only")
	if err == nil {
		return
	}
	s.Logf("Pulling failed: %v; trying a fresh clone.", err)

	tmp := s.Dir + ".fresh"
	os.RemoveAll(tmp)
	if err := s.runGit(ctx, "", "clone", s.RepoURL, tmp); err != nil {
		s.Logf("Fresh clone failed: %v; keeping the local copy.", err)
		os.RemoveAll(tmp)
		return
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		s.Logf("Replacing %s failed: %v", s.Dir, err)
		return
	}
	if err := os.Rename(tmp, s.Dir); err != nil {
		s.Logf("Replacing %s failed: %v", s.Dir, err)
	}
}

func (s *Syncer) isRepo() bool {
	fi, err := os.Stat(filepath.Join(s.Dir, ".git"))
	return err == nil && fi.IsDir()
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, bytes.TrimSpace(out))
	}
	return nil
}

// List returns the reference documents present in dir, in lexical order.
// Dotfiles, anything inside dot-directories and README.md are skipped. A
// missing directory is not an error, it yields an empty list.
func List(dir string) ([]File, error) {
	var files []File
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") || d.Name() == "README.md" {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, File{
			Name:     rel,
			Path:     path,
			MIMEType: detectMIME(path),
		})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return files, nil
}

// detectMIME guesses the media type of a reference document from its file
// extension. Unknown extensions are treated as Markdown, which is what a
// sources repository mostly consists of.
func detectMIME(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt":
		return "text/plain"
	case ".html", ".htm":
		return "text/html"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	case ".pdf":
		return "application/pdf"
	}
	return "text/markdown"
}
