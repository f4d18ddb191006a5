package server

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ValentinKolb/dNomad/lib/configstore"
	"github.com/ValentinKolb/dNomad/lib/nomad"
	"github.com/ValentinKolb/dNomad/lib/sanskrit"
)

// Sanskrit keys of the server state
const (
	keyMode                  = "mode"
	keyMutativeMessageCount  = "mutativeMessageCount"
	keyLastMutationHost      = "lastMutationHost"
	keyLastMutationUser      = "lastMutationUser"
	keyLastMutationTimestamp = "lastMutationTimestamp"
	keyCurrentVersion        = "currentVersion"
	keyHighestVersion        = "highestVersion"
	keyLatestChangeUUID      = "latestChangeUuid"
	changeKeyPrefix          = "change:"
)

// Keys of a persisted change request object
const (
	keyChangeState          = "state"
	keyChangeVersion        = "version"
	keyChangePrevUUID       = "prevChangeUuid"
	keyChangeType           = "changeType"
	keyChangeSummary        = "changeSummary"
	keyChangePayload        = "changePayload"
	keyChangeResultHash     = "changeResultHash"
	keyChangeCreationHost   = "creationHost"
	keyChangeCreationUser   = "creationUser"
	keyChangeCreationTime   = "creationTimestamp"
	keyChangeFormatVersion  = "formatVersion"
	changeFormatVersion     = 1
	timestampFormat         = time.RFC3339Nano
	noLatestChangeUUIDValue = ""
)

// snapshot holds the scalar part of the server state
type snapshot struct {
	mode             nomad.ServerMode
	count            int64
	lastHost         string
	lastUser         string
	lastTimestamp    time.Time
	currentVersion   int64
	highestVersion   int64
	latestChangeUUID string
}

// serverState maps the nomad server state onto a sanskrit store and keeps
// change results in a config store
type serverState struct {
	store   sanskrit.ISanskrit
	configs configstore.IConfigStore
}

// initialized reports whether the store already holds a server state
func (s *serverState) initialized() bool {
	_, ok, _ := s.store.GetString(keyMode)
	return ok
}

// initialize writes the state of a fresh, unversioned server
func (s *serverState) initialize() error {
	return s.store.ApplyChange(sanskrit.Change{
		sanskrit.SetString(keyMode, string(nomad.ModeAccepting)),
		sanskrit.SetLong(keyMutativeMessageCount, 0),
		sanskrit.SetLong(keyCurrentVersion, 0),
		sanskrit.SetLong(keyHighestVersion, 0),
		sanskrit.SetString(keyLatestChangeUUID, noLatestChangeUUIDValue),
	})
}

// read loads the scalar state. The server mutex keeps it consistent, the
// store has no other writer.
func (s *serverState) read() (snapshot, error) {
	r := objectReader{obj: s.store}

	snap := snapshot{
		mode:             nomad.ServerMode(r.str(keyMode)),
		count:            r.long(keyMutativeMessageCount),
		lastHost:         r.str(keyLastMutationHost),
		lastUser:         r.str(keyLastMutationUser),
		lastTimestamp:    r.timestamp(keyLastMutationTimestamp),
		currentVersion:   r.long(keyCurrentVersion),
		highestVersion:   r.long(keyHighestVersion),
		latestChangeUUID: r.str(keyLatestChangeUUID),
	}
	if r.err != nil {
		return snapshot{}, r.err
	}
	if !snap.mode.Valid() {
		return snapshot{}, fmt.Errorf("invalid persisted mode %q", snap.mode)
	}
	return snap, nil
}

// changeRequest loads a persisted change and its cached result
func (s *serverState) changeRequest(uuid string) (*nomad.ChangeDetails, bool, error) {
	if uuid == "" {
		return nil, false, nil
	}
	obj, ok, err := s.store.GetObject(changeKeyPrefix + uuid)
	if err != nil || !ok {
		return nil, false, err
	}

	r := objectReader{obj: obj}
	var payload []byte
	if encoded := r.str(keyChangePayload); encoded != "" {
		if payload, err = base64.StdEncoding.DecodeString(encoded); err != nil {
			return nil, false, fmt.Errorf("change %s: invalid payload encoding: %w", uuid, err)
		}
	}
	details := &nomad.ChangeDetails{
		UUID:    uuid,
		State:   nomad.ChangeRequestState(r.str(keyChangeState)),
		Version: r.long(keyChangeVersion),
		Change: nomad.Change{
			Type:    r.str(keyChangeType),
			Summary: r.str(keyChangeSummary),
			Payload: payload,
		},
		CreationHost:      r.str(keyChangeCreationHost),
		CreationUser:      r.str(keyChangeCreationUser),
		CreationTimestamp: r.timestamp(keyChangeCreationTime),
		PrevChangeUUID:    r.str(keyChangePrevUUID),
	}
	resultHash := r.str(keyChangeResultHash)
	if r.err != nil {
		return nil, false, fmt.Errorf("change %s: %w", uuid, r.err)
	}
	if !details.State.Valid() {
		return nil, false, fmt.Errorf("change %s: invalid state %q", uuid, details.State)
	}

	entry, found, err := s.configs.GetConfig(uuid)
	if err != nil {
		return nil, false, fmt.Errorf("change %s: failed to load result: %w", uuid, err)
	}
	if !found {
		return nil, false, fmt.Errorf("change %s: result missing from config store", uuid)
	}
	if hashResult(entry.Config) != resultHash {
		return nil, false, fmt.Errorf("change %s: result hash mismatch", uuid)
	}
	details.ChangeResult = entry.Config
	return details, true, nil
}

// latestCommitted walks the change chain back from uuid to the newest committed change
func (s *serverState) latestCommitted(uuid string) (*nomad.ChangeDetails, error) {
	seen := make(map[string]struct{})
	for uuid != "" {
		if _, loop := seen[uuid]; loop {
			return nil, fmt.Errorf("change chain loops at %s", uuid)
		}
		seen[uuid] = struct{}{}

		details, ok, err := s.changeRequest(uuid)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("change chain references unknown change %s", uuid)
		}
		if details.State == nomad.StateCommitted {
			return details, nil
		}
		uuid = details.PrevChangeUUID
	}
	return nil, nil
}

// --------------------------------------------------------------------------
// Operations building sanskrit changes
// --------------------------------------------------------------------------

// mutationOps records a successful mutative message
func mutationOps(count int64, msg nomad.MutativeMessage) sanskrit.Change {
	return sanskrit.Change{
		sanskrit.SetLong(keyMutativeMessageCount, count+1),
		sanskrit.SetString(keyLastMutationHost, msg.MutationHost),
		sanskrit.SetString(keyLastMutationUser, msg.MutationUser),
		sanskrit.SetString(keyLastMutationTimestamp, msg.MutationTimestamp.UTC().Format(timestampFormat)),
	}
}

// newChangeRequestOp stores a freshly prepared change request
func newChangeRequestOp(msg nomad.PrepareMessage, prevUUID, result string) (sanskrit.Operation, error) {
	obj, err := sanskrit.NewObjectFrom(
		sanskrit.SetString(keyChangeState, string(nomad.StatePrepared)),
		sanskrit.SetLong(keyChangeVersion, msg.VersionNumber),
		sanskrit.SetString(keyChangePrevUUID, prevUUID),
		sanskrit.SetString(keyChangeType, msg.Change.Type),
		sanskrit.SetString(keyChangeSummary, msg.Change.Summary),
		sanskrit.SetString(keyChangePayload, base64.StdEncoding.EncodeToString(msg.Change.Payload)),
		sanskrit.SetString(keyChangeResultHash, hashResult(result)),
		sanskrit.SetString(keyChangeCreationHost, msg.MutationHost),
		sanskrit.SetString(keyChangeCreationUser, msg.MutationUser),
		sanskrit.SetString(keyChangeCreationTime, msg.MutationTimestamp.UTC().Format(timestampFormat)),
		sanskrit.SetLong(keyChangeFormatVersion, changeFormatVersion),
	)
	if err != nil {
		return sanskrit.Operation{}, err
	}
	return sanskrit.SetObject(changeKeyPrefix+msg.ChangeUUID, obj), nil
}

// changeStateOp rewrites the state of a stored change request
func (s *serverState) changeStateOp(uuid string, state nomad.ChangeRequestState) (sanskrit.Operation, error) {
	obj, ok, err := s.store.GetObject(changeKeyPrefix + uuid)
	if err != nil {
		return sanskrit.Operation{}, err
	}
	if !ok {
		return sanskrit.Operation{}, fmt.Errorf("change %s not found", uuid)
	}
	if err := obj.Apply(sanskrit.SetString(keyChangeState, string(state))); err != nil {
		return sanskrit.Operation{}, err
	}
	return sanskrit.SetObject(changeKeyPrefix+uuid, obj), nil
}

func (s *serverState) hasChange(uuid string) bool {
	_, ok, _ := s.store.GetObject(changeKeyPrefix + uuid)
	return ok
}

func hashResult(result string) string {
	sum := sha256.Sum256([]byte(result))
	return hex.EncodeToString(sum[:])
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// fieldGetter is implemented by sanskrit stores and objects
type fieldGetter interface {
	GetString(key string) (string, bool, error)
	GetLong(key string) (int64, bool, error)
}

// objectReader reads typed fields and remembers the first error
type objectReader struct {
	obj fieldGetter
	err error
}

func (r *objectReader) str(key string) string {
	v, _, err := r.obj.GetString(key)
	if err != nil && r.err == nil {
		r.err = err
	}
	return v
}

func (r *objectReader) long(key string) int64 {
	v, _, err := r.obj.GetLong(key)
	if err != nil && r.err == nil {
		r.err = err
	}
	return v
}

func (r *objectReader) timestamp(key string) time.Time {
	s := r.str(key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timestampFormat, s)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("invalid timestamp in %s: %w", key, err)
	}
	return t
}
