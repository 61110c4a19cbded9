package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DirectoryFetcher serves a local directory. The commit hash is a digest of the directory
// content, so any file change yields a new revision.
type DirectoryFetcher struct {
}

func NewDirectoryFetcher() *DirectoryFetcher {
	return &DirectoryFetcher{}
}

func (f *DirectoryFetcher) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	dir := strings.TrimPrefix(req.URL, "file://")
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NewPermanentError(fmt.Errorf("directory %s not found", dir))
		}
		return nil, NewTransientError(err)
	}
	if !info.IsDir() {
		return nil, NewPermanentError(fmt.Errorf("%s is not a directory", dir))
	}
	hash, err := hashDir(ctx, dir)
	if err != nil {
		return nil, NewTransientError(err)
	}
	if hash == req.KnownRevision {
		return &FetchResult{CommitHash: hash}, nil
	}
	return &FetchResult{CommitHash: hash, Content: dir}, nil
}

func hashDir(ctx context.Context, dir string) (string, error) {
	hasher := sha256.New()
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		_, _ = io.WriteString(hasher, filepath.ToSlash(rel)+"\x00")
		file, err := os.Open(p)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(hasher, file)
		return err
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil))[:40], nil
}

// IsLocal reports whether url names a local directory rather than a remote repository
func IsLocal(url string) bool {
	return strings.HasPrefix(url, "file://") || filepath.IsAbs(url) || strings.HasPrefix(url, ".")
}

// RoutingFetcher serves local directories with one fetcher and remote repositories with another
type RoutingFetcher struct {
	Local  Fetcher
	Remote Fetcher
}

func (f *RoutingFetcher) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	if IsLocal(req.URL) {
		return f.Local.Fetch(ctx, req)
	}
	return f.Remote.Fetch(ctx, req)
}
