// Package aiapi forwards requests to a user-configured remote API-backed
// alias: a caller picks the base URL and wire path, the Service resolves the
// alias's stored key and prefix, and the upstream's response streams back
// unmodified.
package aiapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/bodhi-local/bodhigate/internal"
	"github.com/bodhi-local/bodhigate/internal/bgerrors"
	"github.com/bodhi-local/bodhigate/internal/storage"
)

const testPromptMaxLength = 30

// SecretResolver decrypts a stored API key by reference. Aliases with no
// APIKeyRef never call it; requests to such aliases go out unauthenticated.
type SecretResolver interface {
	Get(key string) (string, error)
}

// Service loads API-backed aliases and forwards chat, embeddings, and
// model-listing requests to whatever base_url they name.
type Service struct {
	aliases storage.APIModelAliasStore
	secrets SecretResolver
	http    *http.Client
}

// New builds a Service with a tuned http.Client, matching the DNS-caching
// transport every provider adapter in this gateway uses.
func New(aliases storage.APIModelAliasStore, secrets SecretResolver, resolver *dnscache.Resolver) *Service {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return &Service{
		aliases: aliases,
		secrets: secrets,
		http:    &http.Client{Transport: t, Timeout: 30 * time.Second},
	}
}

// resolveKey dereferences alias.APIKeyRef through the secret store. A nil
// ref or a nil SecretResolver both mean "send unauthenticated".
func (s *Service) resolveKey(alias *gateway.Alias) (string, error) {
	if alias.APIKeyRef == nil || s.secrets == nil {
		return "", nil
	}
	return s.secrets.Get(*alias.APIKeyRef)
}

func setAuth(req *http.Request, key string) {
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
}

// ForwardRequest loads the API alias by id, strips its configured prefix
// from requestJSON's "model" field if present, and POSTs the (possibly
// rewritten) body to base_url+apiPath. The returned response is the raw
// upstream response: status and headers are the caller's to copy through
// unmodified, and the body must be closed by the caller.
func (s *Service) ForwardRequest(ctx context.Context, apiPath, id string, requestJSON []byte) (*http.Response, error) {
	alias, err := s.aliases.GetAPIAlias(ctx, id)
	if err != nil {
		return nil, err
	}
	if alias == nil {
		return nil, bgerrors.EntityNotFound("api_alias", id)
	}

	body := stripModelPrefix(requestJSON, alias.Prefix)

	url := strings.TrimRight(alias.BaseURL, "/") + apiPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, bgerrors.SerializationError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	key, err := s.resolveKey(alias)
	if err != nil {
		return nil, err
	}
	setAuth(req, key)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, bgerrors.Unreachable(err.Error())
	}
	return resp, nil
}

// stripModelPrefix rewrites requestJSON's "model" field to drop prefix, if
// prefix is set and the field starts with it. Any decode failure leaves the
// body untouched; forward_request is best-effort rewriting, not validation.
func stripModelPrefix(requestJSON []byte, prefix *string) []byte {
	if prefix == nil || *prefix == "" {
		return requestJSON
	}
	var body map[string]any
	if err := json.Unmarshal(requestJSON, &body); err != nil {
		return requestJSON
	}
	model, ok := body["model"].(string)
	if !ok || !strings.HasPrefix(model, *prefix) {
		return requestJSON
	}
	body["model"] = strings.TrimPrefix(model, *prefix)
	rewritten, err := json.Marshal(body)
	if err != nil {
		return requestJSON
	}
	return rewritten
}

// TestPrompt sends a short chat-completion prompt directly to baseURL,
// bypassing the alias store entirely, so a caller can validate API
// credentials before saving them as an alias. prompt is capped at
// testPromptMaxLength to bound the cost of a connectivity check.
func (s *Service) TestPrompt(ctx context.Context, apiKey *string, baseURL, model, prompt string) (string, error) {
	if len(prompt) > testPromptMaxLength {
		return "", bgerrors.PromptTooLong(testPromptMaxLength, len(prompt))
	}

	reqBody, err := json.Marshal(map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"max_tokens":  50,
		"temperature": 0.7,
	})
	if err != nil {
		return "", bgerrors.SerializationError(err)
	}

	url := strings.TrimRight(baseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", bgerrors.SerializationError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != nil {
		setAuth(req, *apiKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return "", bgerrors.Unreachable(err.Error())
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusToError(resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", bgerrors.SerializationError(err)
	}
	if len(parsed.Choices) == 0 {
		return "No response", nil
	}
	return parsed.Choices[0].Message.Content, nil
}

// FetchModels lists the model ids a provider's /models endpoint advertises.
func (s *Service) FetchModels(ctx context.Context, apiKey *string, baseURL string) ([]string, error) {
	url := strings.TrimRight(baseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, bgerrors.SerializationError(err)
	}
	if apiKey != nil {
		setAuth(req, *apiKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, bgerrors.Unreachable(err.Error())
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusToError(resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, bgerrors.SerializationError(err)
	}
	models := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

func statusToError(status int, body string) error {
	switch status {
	case http.StatusUnauthorized:
		return bgerrors.InvalidToken("remote API rejected the configured key")
	case http.StatusNotFound:
		return bgerrors.EntityNotFound("remote_api", body)
	default:
		return bgerrors.AuthServiceAPIError(status, body)
	}
}
