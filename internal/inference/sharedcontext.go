// Package inference owns the single llama.cpp subprocess ("the child") the
// gateway serves local models through: starting it with a three-way load
// strategy, merging its command-line arguments, and forwarding chat and
// embeddings requests to it over loopback HTTP.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	gateway "github.com/bodhi-local/bodhigate/internal"
	"github.com/bodhi-local/bodhigate/internal/bgerrors"
)

// Endpoint is the inference operation a forwarded request targets.
type Endpoint int

const (
	EndpointChatCompletions Endpoint = iota
	EndpointEmbeddings
)

// ServerState is the event SharedContext notifies its listeners of.
type ServerState struct {
	Kind    string // "start" | "stop" | "variant" | "chat_completions"
	Alias   string
	Variant string
}

// StateListener observes SharedContext transitions. Handlers run detached
// (fire-and-forget); a slow or blocking listener never holds up a request.
type StateListener interface {
	OnStateChange(state ServerState)
}

// ModelFileLocator resolves an alias's (repo, filename, snapshot) triple to
// an absolute path in the local HuggingFace cache.
type ModelFileLocator interface {
	FindLocalFile(repo, filename, snapshot string) (string, error)
}

// SettingsSource supplies the common and per-variant llama-server flag
// strings, and the executable lookup path layout.
type SettingsSource interface {
	ServerArgsCommon() string
	ServerArgsVariant(variant string) string
	ExecLookupPath() string
	ExecTarget() string
	ExecName() string
}

// ServerArgs describes one child-process launch: the alias it serves, the
// resolved model file, and the merged llama-server flags.
type ServerArgs struct {
	Alias string
	Model string
	Args  []string
}

// child wraps a running llama-server subprocess and the port it listens on.
type child struct {
	cmd  *exec.Cmd
	args ServerArgs
	port int
}

func (c *child) baseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.port)
}

func (c *child) stop(ctx context.Context) error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	if err := c.cmd.Process.Kill(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
	}
	return nil
}

// SharedContext owns at most one llama.cpp subprocess, swapping it in and
// out as requests address different models (ModelLoadStrategy), and
// forwards chat/embeddings calls to whichever child is currently loaded.
//
// server is guarded by an RWMutex: readers forward requests against the
// running child; a DropAndLoad/Load reload drops the read lock, takes the
// write lock to swap the child, then reacquires a read lock to forward.
type SharedContext struct {
	hub      ModelFileLocator
	settings SettingsSource
	http     *http.Client

	mu          sync.RWMutex
	server      *child
	execVariant string

	listenersMu sync.Mutex
	listeners   []StateListener

	logger *slog.Logger
}

// New builds a SharedContext. execVariant is the initially active build
// variant (e.g. "cpu", "cuda").
func New(hub ModelFileLocator, settings SettingsSource, execVariant string, logger *slog.Logger) *SharedContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &SharedContext{
		hub:         hub,
		settings:    settings,
		http:        &http.Client{Timeout: 5 * time.Minute},
		execVariant: execVariant,
		logger:      logger,
	}
}

// AddStateListener registers listener, skipping re-registration of the same
// pointer (no listener ever needs to appear twice).
func (s *SharedContext) AddStateListener(listener StateListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for _, existing := range s.listeners {
		if existing == listener {
			return
		}
	}
	s.listeners = append(s.listeners, listener)
}

func (s *SharedContext) notify(state ServerState) {
	s.listenersMu.Lock()
	listeners := append([]StateListener(nil), s.listeners...)
	s.listenersMu.Unlock()
	for _, l := range listeners {
		go l.OnStateChange(state)
	}
}

// IsLoaded reports whether a child process is currently running.
func (s *SharedContext) IsLoaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.server != nil
}

// SetExecVariant switches the active build variant and reloads the current
// child (if any) from the new variant's executable, reusing the running
// child's existing arguments; the merged flags are not recomputed.
func (s *SharedContext) SetExecVariant(ctx context.Context, variant string) error {
	s.mu.Lock()
	s.execVariant = variant
	var args *ServerArgs
	if s.server != nil {
		a := s.server.args
		args = &a
	}
	s.mu.Unlock()

	s.notify(ServerState{Kind: "variant", Variant: variant})
	return s.Reload(ctx, args)
}

// Reload stops the current child, then starts a new one from args (if
// non-nil) and waits for it to become ready.
func (s *SharedContext) Reload(ctx context.Context, args *ServerArgs) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	if args == nil {
		return nil
	}

	execPath, err := s.execPath()
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(execPath); statErr != nil {
		return bgerrors.ExecNotExists(execPath)
	}

	port, err := freePort()
	if err != nil {
		return bgerrors.Unreachable("no free port for llama-server: " + err.Error())
	}

	cmdArgs := append([]string{"--model", args.Model, "--port", strconv.Itoa(port)}, flattenArgs(args.Args)...)
	cmd := exec.CommandContext(context.Background(), execPath, cmdArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return bgerrors.Unreachable("starting llama-server: " + err.Error())
	}

	c := &child{cmd: cmd, args: *args, port: port}
	if err := s.waitReady(ctx, c); err != nil {
		_ = c.stop(ctx)
		return err
	}

	s.mu.Lock()
	s.server = c
	s.mu.Unlock()

	s.logger.LogAttrs(ctx, slog.LevelInfo, "llama-server started",
		slog.String("exec_path", execPath), slog.String("alias", args.Alias), slog.Int("port", port))
	s.notify(ServerState{Kind: "start", Alias: args.Alias})
	return nil
}

func (s *SharedContext) waitReady(ctx context.Context, c *child) error {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/health", nil)
		if err == nil {
			resp, err := s.http.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return bgerrors.Unreachable("llama-server did not become ready in time")
}

// Stop terminates the running child, if any.
func (s *SharedContext) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.server
	s.server = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	if err := c.stop(ctx); err != nil {
		return err
	}
	s.notify(ServerState{Kind: "stop"})
	return nil
}

// modelLoadStrategy mirrors ModelLoadStrategy::choose: Continue when the
// running child already serves requestAlias, Load when nothing is running,
// DropAndLoad otherwise.
type modelLoadStrategy int

const (
	strategyContinue modelLoadStrategy = iota
	strategyDropAndLoad
	strategyLoad
)

func chooseStrategy(loadedAlias *string, requestAlias string) modelLoadStrategy {
	if loadedAlias == nil {
		return strategyLoad
	}
	if *loadedAlias == requestAlias {
		return strategyContinue
	}
	return strategyDropAndLoad
}

// ForwardRequest dispatches a chat-completions or embeddings request to the
// local child, swapping the loaded model if alias names a different one.
// alias.Kind must not be AliasKindAPI; callers route those to the remote
// forwarder instead.
func (s *SharedContext) ForwardRequest(ctx context.Context, endpoint Endpoint, requestJSON []byte, alias *gateway.Alias) (*http.Response, error) {
	if alias.Kind == gateway.AliasKindAPI {
		return nil, bgerrors.Unreachable("API aliases cannot be processed by SharedContext")
	}

	if alias.Kind == gateway.AliasKindUser {
		var req gateway.ChatRequest
		if json.Unmarshal(requestJSON, &req) == nil {
			alias.RequestParams.Update(&req)
			if updated, err := json.Marshal(req); err == nil {
				requestJSON = updated
			}
		}
	}

	s.mu.RLock()
	var loadedAlias *string
	if s.server != nil {
		a := s.server.args.Alias
		loadedAlias = &a
	}
	s.mu.RUnlock()

	modelFile, err := s.hub.FindLocalFile(alias.Repo, alias.Filename, alias.Snapshot)
	if err != nil {
		return nil, err
	}

	strategy := chooseStrategy(loadedAlias, alias.Name)
	if strategy != strategyContinue {
		settingArgs := splitFields(s.settings.ServerArgsCommon())
		s.mu.RLock()
		variant := s.execVariant
		s.mu.RUnlock()
		variantArgs := splitFields(s.settings.ServerArgsVariant(variant))
		merged := MergeServerArgs(settingArgs, variantArgs, alias.ContextParams)
		if err := s.Reload(ctx, &ServerArgs{Alias: alias.Name, Model: modelFile, Args: merged}); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	c := s.server
	s.mu.RUnlock()
	if c == nil {
		return nil, bgerrors.Unreachable("context should not be nil")
	}

	path := "/v1/chat/completions"
	if endpoint == EndpointEmbeddings {
		path = "/v1/embeddings"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+path, bytes.NewReader(requestJSON))
	if err != nil {
		return nil, bgerrors.SerializationError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, bgerrors.Unreachable(err.Error())
	}

	s.notify(ServerState{Kind: "chat_completions", Alias: alias.Name})
	return resp, nil
}

func (s *SharedContext) execPath() (string, error) {
	s.mu.RLock()
	variant := s.execVariant
	s.mu.RUnlock()
	return filepath.Join(s.settings.ExecLookupPath(), s.settings.ExecTarget(), variant, s.settings.ExecName()), nil
}

func splitFields(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

func flattenArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		out = append(out, strings.Fields(a)...)
	}
	return out
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
