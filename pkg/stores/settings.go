package stores

import (
	"github.com/arcuru/eidetica/pkg/crdt"
	"github.com/arcuru/eidetica/pkg/eerr"
)

// Settings wraps the reserved "_settings" store, a document CRDT with
// specific well-known keys (name, auth, height_strategy, policy) and
// setters that refuse to corrupt or delete auth.
type Settings struct {
	doc *Document
}

const settingsStoreName = "_settings"

// NewSettings wraps the _settings store over tx. _settings is a system
// store and is never auto-registered in _index.
func NewSettings(tx Stager) *Settings {
	return &Settings{doc: &Document{stager: tx, name: settingsStoreName}}
}

// Name returns the configured database name, if set.
func (s *Settings) Name() (string, error) {
	var name string
	if err := s.doc.GetJSON([]string{"name"}, &name); err != nil {
		return "", err
	}
	return name, nil
}

// SetName stages the database name.
func (s *Settings) SetName(name string) error {
	return s.doc.SetJSON([]string{"name"}, name)
}

// Auth returns the raw _settings.auth node, without interpretation —
// pkg/auth is responsible for decoding it into its AuthKey/DelegationRef
// shapes and for rejecting a malformed value as AuthCorrupted.
func (s *Settings) Auth() (crdt.Node, bool, error) {
	return s.doc.Get([]string{"auth"})
}

// SetAuth stages a full replacement of _settings.auth. value must be a Map
// node; any other kind (in particular a scalar "garbage" write) is
// rejected here rather than allowed to reach storage, covering scenario
// S7.
func (s *Settings) SetAuth(value crdt.Node) error {
	if value.Kind != crdt.KindMap {
		return eerr.New(eerr.KindAuthCorrupted, "_settings.auth must be a map")
	}
	return s.doc.Set([]string{"auth"}, value)
}

// SetAuthEntry stages one named record inside _settings.auth without
// touching its siblings, the granular write the bootstrap approval flow
// and key management use.
func (s *Settings) SetAuthEntry(name string, record any) error {
	if name == "" {
		return eerr.New(eerr.KindAuthCorrupted, "auth entry name must not be empty")
	}
	return s.doc.SetJSON([]string{"auth", name}, record)
}

// Policy returns the value of a boolean policy flag under
// _settings.policy, defaulting to false when unset.
func (s *Settings) Policy(flag string) (bool, error) {
	var value bool
	err := s.doc.GetJSON([]string{"policy", flag}, &value)
	if eerr.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value, nil
}

// SetPolicy stages a boolean policy flag under _settings.policy.
func (s *Settings) SetPolicy(flag string, value bool) error {
	return s.doc.SetJSON([]string{"policy", flag}, value)
}

// HeightStrategy returns the configured database-level height strategy
// ("incremental" or "timestamp"), defaulting to "incremental" if unset.
func (s *Settings) HeightStrategy() (string, error) {
	var strategy string
	err := s.doc.GetJSON([]string{"height_strategy"}, &strategy)
	if eerr.IsNotFound(err) {
		return "incremental", nil
	}
	if err != nil {
		return "", err
	}
	return strategy, nil
}

// SetHeightStrategy stages the database-level height strategy.
func (s *Settings) SetHeightStrategy(strategy string) error {
	return s.doc.SetJSON([]string{"height_strategy"}, strategy)
}
