// Package hub resolves model files out of a local HuggingFace cache
// ($HF_HOME/hub/models--{owner}--{repo}/snapshots/{sha}/{filename}) and
// auto-discovers Model aliases from it, the local half of the gateway's two
// alias-backing stores (the other being user-authored alias files).
package hub

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	gateway "github.com/bodhi-local/bodhigate/internal"
	"github.com/bodhi-local/bodhigate/internal/bgerrors"
)

// CacheLocator resolves and scans a local HuggingFace cache directory.
type CacheLocator struct {
	home string
}

// New builds a CacheLocator rooted at home ($HF_HOME).
func New(home string) *CacheLocator {
	return &CacheLocator{home: home}
}

// repoDirName maps "owner/repo" to the cache's "models--owner--repo" layout.
func repoDirName(repo string) string {
	return "models--" + strings.ReplaceAll(repo, "/", "--")
}

// FindLocalFile resolves repo/filename/snapshot to an absolute path under
// the cache, erroring if the snapshot doesn't carry that file.
func (c *CacheLocator) FindLocalFile(repo, filename, snapshot string) (string, error) {
	path := filepath.Join(c.home, "hub", repoDirName(repo), "snapshots", snapshot, filename)
	if _, err := os.Stat(path); err != nil {
		return "", bgerrors.EntityNotFound("model_file", repo+"/"+filename+"@"+snapshot)
	}
	return path, nil
}

// FindLocalModel implements alias.ModelScanner: it looks for name as
// "owner/repo" resolved against the cache's "refs/main" pointer, returning
// a Model alias naming the first GGUF file listed in that snapshot
// directory (in the order os.ReadDir returns, i.e. by filename). The
// original find_alias logic tolerates a cache with no matching model by
// returning (nil, nil) rather than an error.
func (c *CacheLocator) FindLocalModel(ctx context.Context, name string) (*gateway.Alias, error) {
	repoDir := filepath.Join(c.home, "hub", repoDirName(name))
	refMain := filepath.Join(repoDir, "refs", "main")
	shaBytes, err := os.ReadFile(refMain)
	if err != nil {
		return nil, nil
	}
	sha := strings.TrimSpace(string(shaBytes))

	snapshotDir := filepath.Join(repoDir, "snapshots", sha)
	entries, err := os.ReadDir(snapshotDir)
	if err != nil {
		return nil, nil
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".gguf") {
			continue
		}
		return &gateway.Alias{
			Kind:     gateway.AliasKindModel,
			Name:     name,
			Repo:     name,
			Filename: e.Name(),
			Snapshot: sha,
		}, nil
	}
	return nil, nil
}

// ListLocalModels scans every "models--{owner}--{repo}" directory in the
// cache and returns a Model alias for each that resolves cleanly via the
// same refs/main -> snapshot -> single-gguf-file path FindLocalModel walks.
// Entries that don't resolve (missing ref, empty snapshot, no gguf) are
// skipped rather than erroring, matching FindLocalModel's own tolerance.
func (c *CacheLocator) ListLocalModels(ctx context.Context) ([]*gateway.Alias, error) {
	hubDir := filepath.Join(c.home, "hub")
	entries, err := os.ReadDir(hubDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, bgerrors.Unreachable("scanning hub cache: " + err.Error())
	}

	var models []*gateway.Alias
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "models--") {
			continue
		}
		name := strings.Replace(strings.TrimPrefix(e.Name(), "models--"), "--", "/", 1)
		a, err := c.FindLocalModel(ctx, name)
		if err == nil && a != nil {
			models = append(models, a)
		}
	}
	return models, nil
}
