// Package app wires the alias resolver to the two places a request can be
// served from: the local llama.cpp child (SharedContext) or a remote
// API-backed alias (aiapi.Service). It is the single decision point the
// OpenAI-compatible and Ollama-compatible HTTP handlers both call through.
package app

import (
	"context"
	"net/http"

	gateway "github.com/bodhi-local/bodhigate/internal"
	"github.com/bodhi-local/bodhigate/internal/bgerrors"
	"github.com/bodhi-local/bodhigate/internal/inference"
)

// AliasResolver resolves a model name to the alias that should serve it.
type AliasResolver interface {
	Resolve(ctx context.Context, name string) (*gateway.Alias, bool)
}

// LocalForwarder forwards a request to the local llama.cpp child.
type LocalForwarder interface {
	ForwardRequest(ctx context.Context, endpoint inference.Endpoint, requestJSON []byte, alias *gateway.Alias) (*http.Response, error)
}

// RemoteForwarder forwards a request to a remote API-backed alias.
type RemoteForwarder interface {
	ForwardRequest(ctx context.Context, apiPath, id string, requestJSON []byte) (*http.Response, error)
}

// Router picks local-vs-remote per request based on alias resolution, then
// delegates to whichever forwarder owns that alias kind. Both forwarders
// return the raw upstream *http.Response; Router never reads or rewrites
// the body, so streaming responses pass through untouched.
type Router struct {
	aliases AliasResolver
	local   LocalForwarder
	remote  RemoteForwarder
}

// New builds a Router over the given alias resolver and the two forwarders.
func New(aliases AliasResolver, local LocalForwarder, remote RemoteForwarder) *Router {
	return &Router{aliases: aliases, local: local, remote: remote}
}

// Resolve exposes the underlying alias lookup, for handlers (e.g. /v1/models)
// that need the alias itself rather than a forwarded response.
func (r *Router) Resolve(ctx context.Context, name string) (*gateway.Alias, bool) {
	return r.aliases.Resolve(ctx, name)
}

// ChatPath and EmbeddingsPath are the remote wire paths forwarded to an API
// alias's base_url, mirroring the local child's own OpenAI-compatible routes.
const (
	ChatPath       = "/chat/completions"
	EmbeddingsPath = "/embeddings"
)

// Dispatch resolves model by name and forwards requestJSON to whichever
// backend owns it: a remote API alias via RemoteForwarder, anything else via
// LocalForwarder. The caller copies the returned response's status, headers,
// and body to the client and closes the body.
func (r *Router) Dispatch(ctx context.Context, endpoint inference.Endpoint, model string, requestJSON []byte) (*http.Response, error) {
	a, ok := r.aliases.Resolve(ctx, model)
	if !ok {
		return nil, bgerrors.RemoteModelNotFound(model)
	}

	if a.Kind == gateway.AliasKindAPI {
		path := ChatPath
		if endpoint == inference.EndpointEmbeddings {
			path = EmbeddingsPath
		}
		return r.remote.ForwardRequest(ctx, path, a.ID, requestJSON)
	}

	return r.local.ForwardRequest(ctx, endpoint, requestJSON, a)
}
