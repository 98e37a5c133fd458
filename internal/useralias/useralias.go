// Package useralias loads user-defined aliases from
// $BODHI_HOME/aliases/*.yaml: hand-authored pointers at a local GGUF file
// plus llama-server context args and default request params. It backs
// alias.Resolver's UserAliasStore side.
package useralias

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.yaml.in/yaml/v3"

	gateway "github.com/bodhi-local/bodhigate/internal"
)

// aliasFile is the on-disk shape of one $BODHI_HOME/aliases/{name}.yaml file.
type aliasFile struct {
	Repo          string                `yaml:"repo"`
	Filename      string                `yaml:"filename"`
	Snapshot      string                `yaml:"snapshot"`
	ContextParams []string              `yaml:"context_params"`
	RequestParams gateway.RequestParams `yaml:"request_params"`
}

// Store holds user aliases loaded from dir, keyed by alias name (the file's
// base name without extension).
type Store struct {
	dir string

	mu      sync.RWMutex
	aliases map[string]*gateway.Alias
}

// New builds a Store rooted at dir and performs an initial load. A missing
// directory is not an error: it simply means no user aliases exist yet.
func New(dir string) (*Store, error) {
	s := &Store{dir: dir, aliases: map[string]*gateway.Alias{}}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-scans dir and atomically replaces the in-memory alias set.
func (s *Store) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.aliases = map[string]*gateway.Alias{}
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}

	loaded := make(map[string]*gateway.Alias, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		alias, err := loadOne(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		alias.Name = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		loaded[alias.Name] = alias
	}

	s.mu.Lock()
	s.aliases = loaded
	s.mu.Unlock()
	return nil
}

func loadOne(path string) (*gateway.Alias, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f aliasFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &gateway.Alias{
		Kind:          gateway.AliasKindUser,
		Repo:          f.Repo,
		Filename:      f.Filename,
		Snapshot:      f.Snapshot,
		ContextParams: f.ContextParams,
		RequestParams: f.RequestParams,
	}, nil
}

// GetUserAlias implements alias.UserAliasStore.
func (s *Store) GetUserAlias(name string) (*gateway.Alias, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.aliases[name]
	return a, ok
}

// List returns every loaded user alias, for /v1/models aggregation.
func (s *Store) List() []*gateway.Alias {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.Alias, 0, len(s.aliases))
	for _, a := range s.aliases {
		out = append(out, a)
	}
	return out
}
