package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a rule, code or mapping does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an identical rule already exists.
	ErrConflict = errors.New("rule already exists")
	// ErrCorrupt wraps unparseable persisted state. Callers must not
	// treat it as an empty collection.
	ErrCorrupt = errors.New("storage corrupt")
)

// CorruptError carries the file behind an ErrCorrupt.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("storage corrupt: %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return ErrCorrupt }

// Rule is one forwarding rule, source conversation to target conversation.
type Rule struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Pending is an unconsumed bind code waiting for its acceptor.
type Pending struct {
	Source   string    `json:"source"`
	IssuedAt time.Time `json:"issued_at"`
}

const (
	rulesFile      = "rules.json"
	pendingFile    = "pending.json"
	endpointsFile  = "endpoints.json"
	identitiesFile = "identities.json"
)

// Store persists relay state as one JSON object per collection. Writes
// go to a temp file first then rename over the target, so readers never
// see a partial file. A single mutex serializes read-modify-write
// sequences within the process.
type Store struct {
	mu  sync.Mutex
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// load reads a collection into out. A missing file leaves out at its
// zero value; unparseable content returns a CorruptError.
func (s *Store) load(file string, out any) error {
	path := filepath.Join(s.dir, file)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &CorruptError{Path: path, Err: err}
	}
	return nil
}

func (s *Store) save(file string, in any) error {
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, file)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Rules returns all forwarding rules, freshly read from disk.
func (s *Store) Rules() (map[string]Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rulesLocked()
}

func (s *Store) rulesLocked() (map[string]Rule, error) {
	rules := map[string]Rule{}
	if err := s.load(rulesFile, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// AddRule appends a rule and returns its new id. Ids are decimal
// strings assigned as max existing + 1, so deletion never frees an id
// for reuse while a higher one exists.
func (s *Store) AddRule(source, target string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := s.rulesLocked()
	if err != nil {
		return "", err
	}
	maxID := 0
	for id, r := range rules {
		if r.Source == source && r.Target == target {
			return "", ErrConflict
		}
		if n, err := strconv.Atoi(id); err == nil && n > maxID {
			maxID = n
		}
	}
	id := strconv.Itoa(maxID + 1)
	rules[id] = Rule{Source: source, Target: target}
	if err := s.save(rulesFile, rules); err != nil {
		return "", err
	}
	return id, nil
}

// DeleteRule removes a rule by id.
func (s *Store) DeleteRule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := s.rulesLocked()
	if err != nil {
		return err
	}
	if _, ok := rules[id]; !ok {
		return ErrNotFound
	}
	delete(rules, id)
	return s.save(rulesFile, rules)
}

// AddPending records code -> source for a bind in flight.
func (s *Store) AddPending(code, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := map[string]Pending{}
	if err := s.load(pendingFile, &pending); err != nil {
		return err
	}
	pending[code] = Pending{Source: source, IssuedAt: time.Now().UTC()}
	return s.save(pendingFile, pending)
}

// PopPending consumes a bind code. A second pop of the same code
// returns ErrNotFound, as does a code older than ttl even if the
// sweep has not caught it yet. ttl <= 0 disables the age check.
func (s *Store) PopPending(code string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := map[string]Pending{}
	if err := s.load(pendingFile, &pending); err != nil {
		return "", err
	}
	p, ok := pending[code]
	if !ok {
		return "", ErrNotFound
	}
	delete(pending, code)
	if err := s.save(pendingFile, pending); err != nil {
		return "", err
	}
	if ttl > 0 && p.IssuedAt.Before(time.Now().UTC().Add(-ttl)) {
		return "", ErrNotFound
	}
	return p.Source, nil
}

// SweepPending deletes codes older than ttl and reports how many went.
func (s *Store) SweepPending(ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := map[string]Pending{}
	if err := s.load(pendingFile, &pending); err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-ttl)
	removed := 0
	for code, p := range pending {
		if p.IssuedAt.Before(cutoff) {
			delete(pending, code)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.save(pendingFile, pending)
}

// Endpoint returns the impersonation endpoint for a target, or "" when
// the target delivers by direct relay.
func (s *Store) Endpoint(target string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	endpoints := map[string]string{}
	if err := s.load(endpointsFile, &endpoints); err != nil {
		return "", err
	}
	return endpoints[target], nil
}

// SetEndpoint records an impersonation endpoint for a target.
func (s *Store) SetEndpoint(target, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	endpoints := map[string]string{}
	if err := s.load(endpointsFile, &endpoints); err != nil {
		return err
	}
	endpoints[target] = url
	return s.save(endpointsFile, endpoints)
}

// Identities returns the full mapping table keyed "platform:id:platform".
func (s *Store) Identities() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identities := map[string]string{}
	if err := s.load(identitiesFile, &identities); err != nil {
		return nil, err
	}
	return identities, nil
}

// SetIdentity stores key -> mapped id.
func (s *Store) SetIdentity(key, mapped string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identities := map[string]string{}
	if err := s.load(identitiesFile, &identities); err != nil {
		return err
	}
	identities[key] = mapped
	return s.save(identitiesFile, identities)
}

// SetIdentityPair stores two mappings in one save, so a crash can
// never persist half of a bidirectional pair.
func (s *Store) SetIdentityPair(key1, mapped1, key2, mapped2 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identities := map[string]string{}
	if err := s.load(identitiesFile, &identities); err != nil {
		return err
	}
	identities[key1] = mapped1
	identities[key2] = mapped2
	return s.save(identitiesFile, identities)
}

// DeleteIdentity removes a mapping by key.
func (s *Store) DeleteIdentity(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identities := map[string]string{}
	if err := s.load(identitiesFile, &identities); err != nil {
		return err
	}
	if _, ok := identities[key]; !ok {
		return ErrNotFound
	}
	delete(identities, key)
	return s.save(identitiesFile, identities)
}

// SortedRuleIDs returns rule ids in numeric order for stable listings.
func SortedRuleIDs(rules map[string]Rule) []string {
	ids := make([]string, 0, len(rules))
	for id := range rules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.Atoi(ids[i])
		b, _ := strconv.Atoi(ids[j])
		return a < b
	})
	return ids
}
