package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sddworks/changeflow/internal/errors"
)

func TestLoadMissingFileYieldsFreshState(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), ".changeflow"))

	st, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", st.SchemaVersion, SchemaVersion)
	}
	if st.Version != 0 {
		t.Errorf("Version = %d, want 0", st.Version)
	}
	if len(st.Sessions) != 0 {
		t.Errorf("fresh state should have no sessions")
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), ".changeflow"))

	st, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	st.Sessions["fix-login"] = &ChangeSession{
		ID:          "fix-login",
		Name:        "Fix login",
		Phase:       PhaseIndexed,
		ShardHashes: map[int]string{0: "aa", 1: "bb"},
		ShardCount:  2,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	st.ActiveSessionID = "fix-login"

	if err := store.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if st.Version != 1 {
		t.Errorf("Version after save = %d, want 1", st.Version)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	sess := loaded.ActiveSession()
	if sess == nil {
		t.Fatal("active session lost in roundtrip")
	}
	if sess.Phase != PhaseIndexed {
		t.Errorf("Phase = %s, want %s", sess.Phase, PhaseIndexed)
	}
	if sess.ShardHashes[1] != "bb" {
		t.Errorf("ShardHashes[1] = %q, want bb", sess.ShardHashes[1])
	}
}

func TestSaveDetectsConcurrentWriter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".changeflow")
	store := NewStore(dir)

	first, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	second, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := store.Save(first); err != nil {
		t.Fatalf("first save: %v", err)
	}

	err = store.Save(second)
	if err == nil {
		t.Fatal("second save with stale version should fail")
	}
	if !errors.IsConflict(err) {
		t.Errorf("want StateConflictError, got %v", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("state conflicts should be retryable")
	}

	// After reloading, the save goes through.
	fresh, err := store.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := store.Save(fresh); err != nil {
		t.Errorf("save after reload: %v", err)
	}
}

func TestLoadRejectsUnknownSchemaVersion(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".changeflow")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	content := `{"schema_version": 99, "version": 1, "sessions": {}}`
	if err := os.WriteFile(filepath.Join(dir, StateFileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := NewStore(dir).Load()
	if !errors.Is(err, errors.ErrSchemaVersion) {
		t.Errorf("want ErrSchemaVersion, got %v", err)
	}
}

func TestLoadRejectsCorruptedState(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".changeflow")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, StateFileName), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := NewStore(dir).Load()
	if !errors.Is(err, errors.ErrSessionCorrupted) {
		t.Errorf("want ErrSessionCorrupted, got %v", err)
	}
}

func TestPhaseOrdering(t *testing.T) {
	if !PhaseSelected.AtLeast(PhaseIndexed) {
		t.Error("selected should be at least indexed")
	}
	if PhaseIndexed.AtLeast(PhaseSelected) {
		t.Error("indexed should not be at least selected")
	}
	if got := PhaseTasksGenerated.Next(); got != PhaseWorktreesCreated {
		t.Errorf("Next() = %s, want %s", got, PhaseWorktreesCreated)
	}
	if got := PhaseFinalized.Next(); got != PhaseFinalized {
		t.Errorf("terminal Next() = %s, want %s", got, PhaseFinalized)
	}
	if Phase("bogus").Valid() {
		t.Error("unknown phase should not be valid")
	}
	if len(Phases()) != 9 {
		t.Errorf("Phases() = %d entries, want 9", len(Phases()))
	}
}

func TestSelectedVariants(t *testing.T) {
	sess := &ChangeSession{
		Variants: map[string]*Variant{
			"agent-2": {AgentID: "agent-2", Selected: true},
			"agent-1": {AgentID: "agent-1", Selected: true},
			"agent-3": {AgentID: "agent-3"},
		},
	}

	got := sess.SelectedVariants()
	if len(got) != 2 || got[0] != "agent-1" || got[1] != "agent-2" {
		t.Errorf("SelectedVariants() = %v, want [agent-1 agent-2]", got)
	}
}
