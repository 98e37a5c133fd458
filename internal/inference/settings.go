package inference

import "strings"

// SettingsStore is the subset of settingsstore.Store SettingsAdapter reads
// from.
type SettingsStore interface {
	GetOr(key, fallback string) string
}

// SettingsAdapter implements SettingsSource over the gateway's generic
// key/value settings store, reading the BODHI_LLAMACPP_ARGS* and
// BODHI_EXEC_* keys documented for llama.cpp subprocess configuration.
type SettingsAdapter struct {
	store SettingsStore
}

// NewSettingsAdapter wraps store as a SettingsSource.
func NewSettingsAdapter(store SettingsStore) *SettingsAdapter {
	return &SettingsAdapter{store: store}
}

func (a *SettingsAdapter) ServerArgsCommon() string {
	return a.store.GetOr("BODHI_LLAMACPP_ARGS", "")
}

func (a *SettingsAdapter) ServerArgsVariant(variant string) string {
	key := "BODHI_LLAMACPP_ARGS_" + strings.ToUpper(variant)
	return a.store.GetOr(key, "")
}

func (a *SettingsAdapter) ExecLookupPath() string {
	return a.store.GetOr("BODHI_EXEC_LOOKUP_PATH", "")
}

func (a *SettingsAdapter) ExecTarget() string {
	return a.store.GetOr("BODHI_EXEC_TARGET", "")
}

func (a *SettingsAdapter) ExecName() string {
	return a.store.GetOr("BODHI_EXEC_NAME", "")
}
