package settings

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ValentinKolb/dNomad/lib/nomad"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("settings")

const (
	// ChangeType is the nomad change type handled by this package
	ChangeType = "settings"
	// RestartPrefix marks settings that need a restart to take effect
	RestartPrefix = "restart."
)

var validKey = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

type OpType string

const (
	OpSet   OpType = "set"
	OpUnset OpType = "unset"
)

// Operation sets or removes a single setting
type Operation struct {
	Op    OpType `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

func (o Operation) String() string {
	if o.Op == OpSet {
		return fmt.Sprintf("set %s=%s", o.Key, o.Value)
	}
	return fmt.Sprintf("%s %s", o.Op, o.Key)
}

// Set creates a set operation
func Set(key, value string) Operation {
	return Operation{Op: OpSet, Key: key, Value: value}
}

// Unset creates an unset operation
func Unset(key string) Operation {
	return Operation{Op: OpUnset, Key: key}
}

// ParseAssignment parses "key=value" into a set operation
func ParseAssignment(s string) (Operation, error) {
	key, value, ok := strings.Cut(s, "=")
	if !ok {
		return Operation{}, fmt.Errorf("invalid assignment %q, expected key=value", s)
	}
	return Set(strings.TrimSpace(key), value), nil
}

// NewChange encodes operations as a nomad change
func NewChange(ops ...Operation) (nomad.Change, error) {
	if len(ops) == 0 {
		return nomad.Change{}, fmt.Errorf("a change needs at least one operation")
	}
	payload, err := json.Marshal(ops)
	if err != nil {
		return nomad.Change{}, err
	}

	summary := make([]string, len(ops))
	for i, op := range ops {
		summary[i] = op.String()
	}
	return nomad.Change{Type: ChangeType, Summary: strings.Join(summary, ", "), Payload: payload}, nil
}

// DecodeChange returns the operations of a settings change
func DecodeChange(change nomad.Change) ([]Operation, error) {
	if change.Type != ChangeType {
		return nil, fmt.Errorf("%w: unsupported change type %q", nomad.ErrInvalidChange, change.Type)
	}
	var ops []Operation
	if err := json.Unmarshal(change.Payload, &ops); err != nil {
		return nil, fmt.Errorf("%w: malformed payload: %v", nomad.ErrInvalidChange, err)
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: empty change", nomad.ErrInvalidChange)
	}
	return ops, nil
}

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// ParseConfig decodes a committed configuration, "" is the empty configuration
func ParseConfig(config string) (map[string]string, error) {
	settings := make(map[string]string)
	if config == "" {
		return settings, nil
	}
	if err := json.Unmarshal([]byte(config), &settings); err != nil {
		return nil, fmt.Errorf("invalid settings configuration: %w", err)
	}
	return settings, nil
}

// FormatConfig renders settings as sorted "key=value" lines
func FormatConfig(settings map[string]string) string {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, settings[k])
	}
	return b.String()
}

// --------------------------------------------------------------------------
// Applicator
// --------------------------------------------------------------------------

// Applicator implements nomad.IChangeApplicator for settings. Committed
// settings are kept in memory and exposed through Effective.
type Applicator struct {
	effective *xsync.MapOf[string, string]
}

// NewApplicator creates an applicator whose effective settings are initialised
// from the committed configuration (may be "")
func NewApplicator(committedConfig string) (*Applicator, error) {
	settings, err := ParseConfig(committedConfig)
	if err != nil {
		return nil, err
	}
	a := &Applicator{effective: xsync.NewMapOf[string, string]()}
	for k, v := range settings {
		a.effective.Store(k, v)
	}
	return a, nil
}

func (a *Applicator) TryApply(baseConfig string, change nomad.Change) (string, error) {
	ops, err := DecodeChange(change)
	if err != nil {
		return "", err
	}
	settings, err := ParseConfig(baseConfig)
	if err != nil {
		return "", err
	}

	for _, op := range ops {
		if !validKey.MatchString(op.Key) {
			return "", fmt.Errorf("%w: invalid setting key %q", nomad.ErrInvalidChange, op.Key)
		}
		switch op.Op {
		case OpSet:
			settings[op.Key] = op.Value
		case OpUnset:
			if _, ok := settings[op.Key]; !ok {
				return "", fmt.Errorf("%w: setting %q is not set", nomad.ErrInvalidChange, op.Key)
			}
			delete(settings, op.Key)
		default:
			return "", fmt.Errorf("%w: unknown operation %q", nomad.ErrInvalidChange, op.Op)
		}
	}

	// map keys are marshalled in sorted order, equal settings give equal configs
	b, err := json.Marshal(settings)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (a *Applicator) Apply(change nomad.Change) (bool, error) {
	ops, err := DecodeChange(change)
	if err != nil {
		return false, err
	}

	requiresRestart := false
	for _, op := range ops {
		switch op.Op {
		case OpSet:
			a.effective.Store(op.Key, op.Value)
		case OpUnset:
			a.effective.Delete(op.Key)
		}
		if strings.HasPrefix(op.Key, RestartPrefix) {
			requiresRestart = true
		}
		Logger.Infof("applied %s", op)
	}
	return requiresRestart, nil
}

// Effective returns a copy of the settings applied so far
func (a *Applicator) Effective() map[string]string {
	result := make(map[string]string, a.effective.Size())
	a.effective.Range(func(k, v string) bool {
		result[k] = v
		return true
	})
	return result
}

var _ nomad.IResettableApplicator = (*Applicator)(nil)

// Load replaces the effective settings with the committed configuration,
// used once the server state has been read on startup
func (a *Applicator) Load(committedConfig string) error {
	settings, err := ParseConfig(committedConfig)
	if err != nil {
		return err
	}
	a.effective.Clear()
	for k, v := range settings {
		a.effective.Store(k, v)
	}
	return nil
}

// Reset drops all effective settings
func (a *Applicator) Reset() error {
	return a.Load("")
}
