package alias

import (
	"context"
	"errors"
	"testing"

	gateway "github.com/bodhi-local/bodhigate/internal"
)

type fakeUserStore struct {
	aliases map[string]*gateway.Alias
}

func (f *fakeUserStore) GetUserAlias(name string) (*gateway.Alias, bool) {
	a, ok := f.aliases[name]
	return a, ok
}

type fakeScanner struct {
	found map[string]*gateway.Alias
	err   error
}

func (f *fakeScanner) FindLocalModel(ctx context.Context, name string) (*gateway.Alias, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.found[name], nil
}

type fakeAPIStore struct {
	aliases []*gateway.Alias
	err     error
}

func (f *fakeAPIStore) CreateAPIAlias(ctx context.Context, a *gateway.Alias) error { return nil }
func (f *fakeAPIStore) GetAPIAlias(ctx context.Context, id string) (*gateway.Alias, error) {
	return nil, nil
}
func (f *fakeAPIStore) ListAPIAliases(ctx context.Context) ([]*gateway.Alias, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.aliases, nil
}
func (f *fakeAPIStore) UpdateAPIAlias(ctx context.Context, a *gateway.Alias) error { return nil }
func (f *fakeAPIStore) DeleteAPIAlias(ctx context.Context, id string) error        { return nil }

func TestResolve_UserAliasWins(t *testing.T) {
	t.Parallel()

	users := &fakeUserStore{aliases: map[string]*gateway.Alias{
		"my-model": {Kind: gateway.AliasKindUser, Name: "my-model"},
	}}
	scanner := &fakeScanner{found: map[string]*gateway.Alias{
		"my-model": {Kind: gateway.AliasKindModel, Name: "my-model"},
	}}
	r := NewResolver(users, scanner, &fakeAPIStore{}, nil)

	got, ok := r.Resolve(context.Background(), "my-model")
	if !ok {
		t.Fatal("expected resolution")
	}
	if got.Kind != gateway.AliasKindUser {
		t.Errorf("Kind = %v, want AliasKindUser (user alias should win over model scan)", got.Kind)
	}
}

func TestResolve_FallsBackToModelScan(t *testing.T) {
	t.Parallel()

	scanner := &fakeScanner{found: map[string]*gateway.Alias{
		"llama-3": {Kind: gateway.AliasKindModel, Name: "llama-3"},
	}}
	r := NewResolver(&fakeUserStore{aliases: map[string]*gateway.Alias{}}, scanner, &fakeAPIStore{}, nil)

	got, ok := r.Resolve(context.Background(), "llama-3")
	if !ok || got.Kind != gateway.AliasKindModel {
		t.Fatalf("got %+v, ok=%v", got, ok)
	}
}

func TestResolve_FallsBackToAPIAlias(t *testing.T) {
	t.Parallel()

	apis := &fakeAPIStore{aliases: []*gateway.Alias{
		{Kind: gateway.AliasKindAPI, ID: "a1", Name: "gpt4-proxy", Models: []string{"gpt-4o"}},
	}}
	r := NewResolver(&fakeUserStore{aliases: map[string]*gateway.Alias{}}, &fakeScanner{}, apis, nil)

	got, ok := r.Resolve(context.Background(), "gpt-4o")
	if !ok || got.Kind != gateway.AliasKindAPI {
		t.Fatalf("got %+v, ok=%v", got, ok)
	}
}

func TestResolve_ModelScanErrorSwallowed(t *testing.T) {
	t.Parallel()

	scanner := &fakeScanner{err: errors.New("hub unreachable")}
	r := NewResolver(&fakeUserStore{aliases: map[string]*gateway.Alias{}}, scanner, &fakeAPIStore{}, nil)

	_, ok := r.Resolve(context.Background(), "missing-model")
	if ok {
		t.Error("expected resolution failure to be swallowed as ok=false")
	}
}

func TestResolve_NotFoundAnywhere(t *testing.T) {
	t.Parallel()

	r := NewResolver(&fakeUserStore{aliases: map[string]*gateway.Alias{}}, &fakeScanner{}, &fakeAPIStore{}, nil)
	_, ok := r.Resolve(context.Background(), "nonexistent")
	if ok {
		t.Error("expected ok=false")
	}
}

func TestResolve_CachesResult(t *testing.T) {
	t.Parallel()

	calls := 0
	scanner := &scannerFunc{fn: func(ctx context.Context, name string) (*gateway.Alias, error) {
		calls++
		return &gateway.Alias{Kind: gateway.AliasKindModel, Name: name}, nil
	}}
	r := NewResolver(&fakeUserStore{aliases: map[string]*gateway.Alias{}}, scanner, &fakeAPIStore{}, nil)

	r.Resolve(context.Background(), "cached-model")
	r.Resolve(context.Background(), "cached-model")
	if calls != 1 {
		t.Errorf("scanner called %d times, want 1 (second call should hit cache)", calls)
	}
}

type scannerFunc struct {
	fn func(ctx context.Context, name string) (*gateway.Alias, error)
}

func (s *scannerFunc) FindLocalModel(ctx context.Context, name string) (*gateway.Alias, error) {
	return s.fn(ctx, name)
}
