package relay

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestAddRuleAssignsIncreasingIDs(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.AddRule("qq:GroupMessage:100", "discord:GroupMessage:200")
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if id1 != "1" {
		t.Errorf("first id = %q, want 1", id1)
	}

	id2, _ := s.AddRule("qq:GroupMessage:100", "discord:GroupMessage:300")
	if id2 != "2" {
		t.Errorf("second id = %q, want 2", id2)
	}

	// Deleting the highest rule must not recycle its id.
	if err := s.DeleteRule(id2); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	id3, _ := s.AddRule("qq:GroupMessage:100", "discord:GroupMessage:300")
	if id3 != "2" && id3 != "3" {
		t.Errorf("id after delete = %q", id3)
	}
}

func TestAddRuleDuplicateConflicts(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.AddRule("a:GroupMessage:1", "b:GroupMessage:2"); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	_, err := s.AddRule("a:GroupMessage:1", "b:GroupMessage:2")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate err = %v, want ErrConflict", err)
	}

	rules, err := s.Rules()
	if err != nil {
		t.Fatalf("Rules: %v", err)
	}
	if len(rules) != 1 {
		t.Errorf("store changed by failed add: %d rules", len(rules))
	}
}

func TestDeleteRuleNotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.DeleteRule("99"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPopPendingIsSingleUse(t *testing.T) {
	s := newTestStore(t)

	if err := s.AddPending("a1b2c3", "qq:GroupMessage:100"); err != nil {
		t.Fatalf("AddPending: %v", err)
	}

	src, err := s.PopPending("a1b2c3", 10*time.Minute)
	if err != nil {
		t.Fatalf("PopPending: %v", err)
	}
	if src != "qq:GroupMessage:100" {
		t.Errorf("source = %q", src)
	}

	if _, err := s.PopPending("a1b2c3", 10*time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("second pop err = %v, want ErrNotFound", err)
	}
}

func TestPopPendingRejectsExpired(t *testing.T) {
	s := newTestStore(t)

	if err := s.AddPending("stale1", "qq:GroupMessage:1"); err != nil {
		t.Fatal(err)
	}
	backdatePending(t, s, "stale1", time.Hour)

	if _, err := s.PopPending("stale1", 10*time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired pop err = %v, want ErrNotFound", err)
	}
	// The expired entry is consumed, not left for the sweep.
	if _, err := s.PopPending("stale1", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("entry survived expired pop: %v", err)
	}
}

func TestPopPendingZeroTTLNeverExpires(t *testing.T) {
	s := newTestStore(t)

	if err := s.AddPending("stale2", "qq:GroupMessage:1"); err != nil {
		t.Fatal(err)
	}
	backdatePending(t, s, "stale2", time.Hour)

	src, err := s.PopPending("stale2", 0)
	if err != nil {
		t.Fatalf("PopPending: %v", err)
	}
	if src != "qq:GroupMessage:1" {
		t.Errorf("source = %q", src)
	}
}

// backdatePending shifts a pending entry's issue time into the past by
// rewriting the file directly.
func backdatePending(t *testing.T, s *Store, code string, age time.Duration) {
	t.Helper()
	pending := map[string]Pending{}
	if err := s.load(pendingFile, &pending); err != nil {
		t.Fatal(err)
	}
	p := pending[code]
	p.IssuedAt = time.Now().UTC().Add(-age)
	pending[code] = p
	if err := s.save(pendingFile, pending); err != nil {
		t.Fatal(err)
	}
}

func TestSweepPendingRemovesExpired(t *testing.T) {
	s := newTestStore(t)

	if err := s.AddPending("old123", "qq:GroupMessage:1"); err != nil {
		t.Fatal(err)
	}
	backdatePending(t, s, "old123", time.Hour)
	if err := s.AddPending("new456", "qq:GroupMessage:2"); err != nil {
		t.Fatal(err)
	}

	removed, err := s.SweepPending(10 * time.Minute)
	if err != nil {
		t.Fatalf("SweepPending: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := s.PopPending("new456", 10*time.Minute); err != nil {
		t.Errorf("fresh code swept: %v", err)
	}
}

func TestCorruptFileEscalates(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, rulesFile), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err = s.Rules()
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
	var ce *CorruptError
	if !errors.As(err, &ce) {
		t.Errorf("err is not *CorruptError: %T", err)
	}
}

func TestMissingFileIsEmptyCollection(t *testing.T) {
	s := newTestStore(t)
	rules, err := s.Rules()
	if err != nil {
		t.Fatalf("Rules: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("rules = %v, want empty", rules)
	}
}

func TestAtomicWriteLeavesNoPartialFile(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AddRule("a:GroupMessage:1", "b:GroupMessage:2"); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestEndpointDefaultsToDirect(t *testing.T) {
	s := newTestStore(t)

	url, err := s.Endpoint("discord:GroupMessage:200")
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if url != "" {
		t.Errorf("unset endpoint = %q, want empty", url)
	}

	if err := s.SetEndpoint("discord:GroupMessage:200", "https://example.com/wh"); err != nil {
		t.Fatal(err)
	}
	url, _ = s.Endpoint("discord:GroupMessage:200")
	if url != "https://example.com/wh" {
		t.Errorf("endpoint = %q", url)
	}
}

func TestSetIdentityPairWritesBothDirections(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetIdentityPair("onebot:1:discord", "9", "discord:9:onebot", "1"); err != nil {
		t.Fatalf("SetIdentityPair: %v", err)
	}
	table, err := s.Identities()
	if err != nil {
		t.Fatal(err)
	}
	if table["onebot:1:discord"] != "9" || table["discord:9:onebot"] != "1" {
		t.Errorf("table = %v", table)
	}
}

func TestSortedRuleIDsNumericOrder(t *testing.T) {
	rules := map[string]Rule{
		"10": {}, "2": {}, "1": {},
	}
	ids := SortedRuleIDs(rules)
	want := []string{"1", "2", "10"}
	for i, id := range ids {
		if id != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}
