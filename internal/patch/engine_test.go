package patch

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/larsks/hvpatch/internal/backup"
	"github.com/larsks/hvpatch/internal/fileutil"
	"github.com/larsks/hvpatch/internal/plist"
)

func writeConfig(t *testing.T, root *plist.Node) string {
	t.Helper()
	data, err := plist.Marshal(root)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.plist")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	return data
}

func backupsOf(t *testing.T, path string) []backup.Backup {
	t.Helper()
	list, err := backup.NewManager(nil).List(path)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return list
}

func newTestEngine(dryRun bool) *Engine {
	return NewEngine(Options{Spec: DefaultSpec(), LockTimeout: 200 * time.Millisecond, DryRun: dryRun})
}

func TestEnginePatchesMissingKey(t *testing.T) {
	path := writeConfig(t, kern())
	before := readFile(t, path)

	out, err := newTestEngine(false).Run(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.State != StateCommitted || !out.Changed {
		t.Errorf("Run() state = %v changed = %v, want committed/true", out.State, out.Changed)
	}

	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := kern(plist.Entry{Key: "hv_vmm_present", Value: plist.Integer(0)})
	if !doc.Root.Equal(want) {
		t.Errorf("patched document does not equal {kern: {hv_vmm_present: 0}}")
	}

	if out.Backup == nil {
		t.Fatal("Run() did not report a backup")
	}
	if got := readFile(t, out.Backup.Path); !bytes.Equal(got, before) {
		t.Error("backup does not match the pre-patch bytes")
	}
	if _, err := os.Stat(backup.JournalPath(path)); !os.IsNotExist(err) {
		t.Error("journal left behind after commit")
	}
	if _, err := os.Stat(path + ".lock"); !os.IsNotExist(err) {
		t.Error("lock file left behind after commit")
	}

	wantTrace := []State{StateLoaded, StateInspected, StateNeedsPatch, StateBackedUp, StateWritten, StateVerified, StateCommitted}
	if !equalStates(out.Trace, wantTrace) {
		t.Errorf("Trace = %v, want %v", out.Trace, wantTrace)
	}
}

func TestEngineAlreadyPatched(t *testing.T) {
	path := writeConfig(t, kern(plist.Entry{Key: "hv_vmm_present", Value: plist.Integer(0)}))
	before := readFile(t, path)

	out, err := newTestEngine(false).Run(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Inspection.Verdict != VerdictAlreadyPatched || out.Changed {
		t.Errorf("Run() verdict = %v changed = %v, want already-patched/false", out.Inspection.Verdict, out.Changed)
	}
	if out.State != StateCommitted {
		t.Errorf("Run() state = %v, want committed", out.State)
	}
	if got := readFile(t, path); !bytes.Equal(got, before) {
		t.Error("already-patched config was rewritten")
	}
	if n := len(backupsOf(t, path)); n != 0 {
		t.Errorf("found %d backups, want none", n)
	}
}

func TestEngineIdempotent(t *testing.T) {
	path := writeConfig(t, plist.Dict(
		plist.Entry{Key: "Misc", Value: plist.Dict(plist.Entry{Key: "Timeout", Value: plist.Integer(5)})},
	))
	engine := newTestEngine(false)

	if _, err := engine.Run(context.Background(), path, nil); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	after := readFile(t, path)

	out, err := engine.Run(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if out.Changed || out.Inspection.Verdict != VerdictAlreadyPatched {
		t.Errorf("second Run() changed = %v verdict = %v", out.Changed, out.Inspection.Verdict)
	}
	if got := readFile(t, path); !bytes.Equal(got, after) {
		t.Error("second run changed the file")
	}
	if n := len(backupsOf(t, path)); n != 1 {
		t.Errorf("found %d backups, want 1", n)
	}
}

func TestEngineConflict(t *testing.T) {
	path := writeConfig(t, kern(plist.Entry{Key: "hv_vmm_present", Value: plist.String("1")}))
	before := readFile(t, path)

	out, err := newTestEngine(false).Run(context.Background(), path, nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Run() error = %v, want ErrConflict", err)
	}
	if out.State != StateFailed {
		t.Errorf("Run() state = %v, want failed", out.State)
	}
	if got := readFile(t, path); !bytes.Equal(got, before) {
		t.Error("conflicting config was modified")
	}
	if n := len(backupsOf(t, path)); n != 0 {
		t.Errorf("found %d backups, want none", n)
	}
}

func TestEngineParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.plist")
	if err := os.WriteFile(path, []byte("<plist><dict><key>kern"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := newTestEngine(false).Run(context.Background(), path, nil)
	if !errors.Is(err, ErrParse) {
		t.Fatalf("Run() error = %v, want ErrParse", err)
	}
	if !equalStates(out.Trace, []State{StateFailed}) {
		t.Errorf("Trace = %v, want [failed]", out.Trace)
	}
	if n := len(backupsOf(t, path)); n != 0 {
		t.Errorf("found %d backups, want none", n)
	}
}

func TestEngineMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.plist")
	_, err := newTestEngine(false).Run(context.Background(), path, nil)
	if !errors.Is(err, ErrRead) {
		t.Errorf("Run() error = %v, want ErrRead", err)
	}
}

func TestEngineRollback(t *testing.T) {
	path := writeConfig(t, kern())
	before := readFile(t, path)

	engine := newTestEngine(false)
	engine.afterWrite = func(p string) error {
		return os.WriteFile(p, []byte("<plist><dict>"), 0o644)
	}

	out, err := engine.Run(context.Background(), path, nil)
	if !errors.Is(err, ErrVerification) {
		t.Fatalf("Run() error = %v, want ErrVerification", err)
	}
	if errors.Is(err, ErrRestore) {
		t.Errorf("Run() error = %v, restore should have succeeded", err)
	}
	if got := readFile(t, path); !bytes.Equal(got, before) {
		t.Errorf("file after rollback differs from the original:\n%s", got)
	}
	wantTrace := []State{StateLoaded, StateInspected, StateNeedsPatch, StateBackedUp, StateWritten, StateLoaded, StateFailed}
	if !equalStates(out.Trace, wantTrace) {
		t.Errorf("Trace = %v, want %v", out.Trace, wantTrace)
	}
	if _, err := os.Stat(backup.JournalPath(path)); !os.IsNotExist(err) {
		t.Error("journal left behind after a successful rollback")
	}
}

func TestEngineRollbackOnPredicateMismatch(t *testing.T) {
	path := writeConfig(t, kern())
	before := readFile(t, path)

	engine := newTestEngine(false)
	engine.afterWrite = func(p string) error {
		data, _ := plist.Marshal(kern(plist.Entry{Key: "hv_vmm_present", Value: plist.Integer(7)}))
		return os.WriteFile(p, data, 0o644)
	}

	if _, err := engine.Run(context.Background(), path, nil); !errors.Is(err, ErrVerification) {
		t.Fatalf("Run() error = %v, want ErrVerification", err)
	}
	if got := readFile(t, path); !bytes.Equal(got, before) {
		t.Error("file after rollback differs from the original")
	}
}

func TestEngineRestoreFailure(t *testing.T) {
	path := writeConfig(t, kern())

	engine := newTestEngine(false)
	engine.afterWrite = func(p string) error {
		matches, _ := filepath.Glob(p + ".backup-*")
		for _, m := range matches {
			os.Remove(m)
		}
		return os.WriteFile(p, []byte("garbage"), 0o644)
	}

	_, err := engine.Run(context.Background(), path, nil)
	if !errors.Is(err, ErrRestore) || !errors.Is(err, ErrVerification) {
		t.Fatalf("Run() error = %v, want ErrRestore and ErrVerification", err)
	}
	if _, err := os.Stat(backup.JournalPath(path)); err != nil {
		t.Error("journal must remain when the restore fails")
	}
}

func TestEngineWriteFailure(t *testing.T) {
	noSpace := errors.New("no space left on device")
	tests := []struct {
		name  string
		write func(path string, data []byte, perm os.FileMode) error
	}{
		{
			// Removing the backups makes any restore attempt fail.
			name: "file untouched",
			write: func(p string, _ []byte, _ os.FileMode) error {
				matches, _ := filepath.Glob(p + ".backup-*")
				for _, m := range matches {
					os.Remove(m)
				}
				return noSpace
			},
		},
		{
			name: "file truncated",
			write: func(p string, data []byte, _ os.FileMode) error {
				if err := os.WriteFile(p, data[:len(data)/2], 0o644); err != nil {
					return err
				}
				return noSpace
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, kern())
			before := readFile(t, path)

			engine := newTestEngine(false)
			engine.write = tt.write

			out, err := engine.Run(context.Background(), path, nil)
			if !errors.Is(err, ErrWrite) || !errors.Is(err, noSpace) {
				t.Fatalf("Run() error = %v, want ErrWrite", err)
			}
			if errors.Is(err, ErrRestore) {
				t.Errorf("Run() error = %v, want no restore failure", err)
			}
			if got := readFile(t, path); !bytes.Equal(got, before) {
				t.Errorf("file after failed write differs from the original:\n%s", got)
			}
			wantTrace := []State{StateLoaded, StateInspected, StateNeedsPatch, StateBackedUp, StateLoaded, StateFailed}
			if !equalStates(out.Trace, wantTrace) {
				t.Errorf("Trace = %v, want %v", out.Trace, wantTrace)
			}
			if _, err := os.Stat(backup.JournalPath(path)); !os.IsNotExist(err) {
				t.Error("journal left behind although the config is intact")
			}
		})
	}
}

func TestEngineDryRun(t *testing.T) {
	path := writeConfig(t, kern())
	before := readFile(t, path)

	out, err := newTestEngine(true).Run(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.State != StateNeedsPatch || out.Changed {
		t.Errorf("Run() state = %v changed = %v, want needs-patch/false", out.State, out.Changed)
	}
	if got := readFile(t, path); !bytes.Equal(got, before) {
		t.Error("dry run modified the file")
	}
}

func TestEngineApprover(t *testing.T) {
	tests := []struct {
		name     string
		decision Decision
		changed  bool
	}{
		{"apply", DecisionApply, true},
		{"skip", DecisionSkip, false},
		{"abort", DecisionAbort, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, kern())
			asked := ""
			approve := func(p string, in Inspection) (Decision, error) {
				asked = p
				return tt.decision, nil
			}

			out, err := newTestEngine(false).Run(context.Background(), path, approve)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if asked != path {
				t.Errorf("approver called with %q, want %q", asked, path)
			}
			if out.Changed != tt.changed || out.Decision != tt.decision {
				t.Errorf("Run() changed = %v decision = %v, want %v/%v", out.Changed, out.Decision, tt.changed, tt.decision)
			}
			if !tt.changed && len(backupsOf(t, path)) != 0 {
				t.Error("declined patch created a backup")
			}
		})
	}
}

func TestEngineCancelledBeforeBackup(t *testing.T) {
	path := writeConfig(t, kern())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestEngine(false).Run(ctx, path, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if n := len(backupsOf(t, path)); n != 0 {
		t.Errorf("found %d backups, want none", n)
	}
}

func TestEngineRecoversInterruptedRun(t *testing.T) {
	path := writeConfig(t, kern())
	before := readFile(t, path)

	m := backup.NewManager(nil)
	b, err := m.Create(path)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := m.Begin(b); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := os.WriteFile(path, []byte("<plist><di"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := newTestEngine(false).Run(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !out.Recovered || !out.Changed {
		t.Errorf("Run() recovered = %v changed = %v, want true/true", out.Recovered, out.Changed)
	}
	if got := readFile(t, b.Path); !bytes.Equal(got, before) {
		t.Error("recovery backup was altered")
	}
}

func TestEngineLocked(t *testing.T) {
	path := writeConfig(t, kern())
	lock, err := fileutil.Acquire(path, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer lock.Release()

	_, err = newTestEngine(false).Run(context.Background(), path, nil)
	if !errors.Is(err, ErrLock) {
		t.Errorf("Run() error = %v, want ErrLock", err)
	}
}

func TestEnginePreservesUnrelatedContent(t *testing.T) {
	root := plist.Dict(
		plist.Entry{Key: "ACPI", Value: plist.Dict(plist.Entry{Key: "Add", Value: plist.Array(plist.String("SSDT-EC.aml"))})},
		plist.Entry{Key: "kern", Value: plist.Dict(plist.Entry{Key: "other", Value: plist.Data([]byte{0xde, 0xad})})},
		plist.Entry{Key: "NVRAM", Value: plist.Dict()},
	)
	path := writeConfig(t, root)

	if _, err := newTestEngine(false).Run(context.Background(), path, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	data := string(readFile(t, path))
	acpi := strings.Index(data, "<key>ACPI</key>")
	nvram := strings.Index(data, "<key>NVRAM</key>")
	if acpi < 0 || nvram < 0 || acpi > nvram {
		t.Errorf("top-level key order changed:\n%s", data)
	}
	if !strings.Contains(data, "<data>3q0=</data>") {
		t.Errorf("unrelated data value lost:\n%s", data)
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEnginePrunesBackups(t *testing.T) {
	path := writeConfig(t, kern())
	engine := NewEngine(Options{Spec: DefaultSpec(), KeepBackups: 1})

	// Reset the value between runs so every run writes a new backup.
	for i := 0; i < 3; i++ {
		if _, err := engine.Run(context.Background(), path, nil); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		data, _ := plist.Marshal(kern(plist.Entry{Key: "hv_vmm_present", Value: plist.Integer(int64(i + 1))}))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if n := len(backupsOf(t, path)); n != 1 {
		t.Errorf("found %d backups, want 1", n)
	}
}
