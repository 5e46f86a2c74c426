package patch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/larsks/hvpatch/internal/backup"
	"github.com/larsks/hvpatch/internal/fileutil"
	"github.com/larsks/hvpatch/internal/plist"
)

type State int

const (
	StateLoaded State = iota + 1
	StateInspected
	StateAlreadyPatched
	StateNeedsPatch
	StateConflict
	StateBackedUp
	StateWritten
	StateVerified
	StateCommitted
	StateFailed
)

var stateNames = map[State]string{
	StateLoaded:         "loaded",
	StateInspected:      "inspected",
	StateAlreadyPatched: "already-patched",
	StateNeedsPatch:     "needs-patch",
	StateConflict:       "conflict",
	StateBackedUp:       "backed-up",
	StateWritten:        "written",
	StateVerified:       "verified",
	StateCommitted:      "committed",
	StateFailed:         "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Decision is the operator's answer before a config is modified.
type Decision int

const (
	DecisionApply Decision = iota
	DecisionSkip
	DecisionAbort
)

// Approver is consulted once a config is known to need the patch, before
// a backup is taken. A nil Approver applies without asking.
type Approver func(path string, in Inspection) (Decision, error)

// Outcome records how far a config got through the state machine.
type Outcome struct {
	Path       string
	Inspection Inspection
	// State is the last state reached: StateCommitted, StateFailed, or
	// StateNeedsPatch for dry runs and declined patches.
	State     State
	Trace     []State
	Decision  Decision
	Changed   bool
	Recovered bool
	Backup    *backup.Backup
}

func (o *Outcome) advance(s State) {
	o.State = s
	o.Trace = append(o.Trace, s)
}

type Options struct {
	Spec        Spec
	Backups     *backup.Manager
	Logger      *log.Logger
	LockTimeout time.Duration
	// DryRun stops after inspection and never touches the file.
	DryRun bool
	// KeepBackups, when positive, prunes older backups of a config after
	// it is patched.
	KeepBackups int
}

// Engine runs one config file at a time through
// load, inspect, backup, write, verify and commit, rolling back to the
// backup when a write or verification fails.
type Engine struct {
	spec        Spec
	backups     *backup.Manager
	logger      *log.Logger
	lockTimeout time.Duration
	dryRun      bool
	keepBackups int

	// write replaces the config file.
	write func(path string, data []byte, perm os.FileMode) error
	// afterWrite runs between the write and the verification read.
	afterWrite func(path string) error
}

const defaultLockTimeout = 10 * time.Second

func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	backups := opts.Backups
	if backups == nil {
		backups = backup.NewManager(logger)
	}
	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	return &Engine{
		spec:        opts.Spec,
		backups:     backups,
		logger:      logger,
		lockTimeout: timeout,
		dryRun:      opts.DryRun,
		keepBackups: opts.KeepBackups,
		write:       fileutil.WriteAtomic,
	}
}

func (e *Engine) Spec() Spec { return e.spec }

// Run drives the config at path through the state machine. The context is
// honoured only up to the point a backup is taken; after that the run
// completes or rolls back regardless of cancellation.
func (e *Engine) Run(ctx context.Context, path string, approve Approver) (Outcome, error) {
	out := Outcome{Path: path}
	fail := func(err error) (Outcome, error) {
		out.advance(StateFailed)
		e.logger.Printf("failed to patch %s: %v", path, err)
		return out, err
	}

	if e.dryRun {
		if j, err := e.backups.Pending(path); err == nil && j != nil {
			e.logger.Printf("warning: %s has an interrupted patch from %s; run without --dry-run to restore it", path, j.Started.Format(time.RFC3339))
		}
	} else {
		lock, err := fileutil.Acquire(path, e.lockTimeout)
		if err != nil {
			return fail(fmt.Errorf("%w: %w", ErrLock, err))
		}
		defer func() {
			if err := lock.Release(); err != nil {
				e.logger.Printf("warning: failed to release lock on %s: %v", path, err)
			}
		}()

		recovered, err := e.backups.Recover(path)
		if err != nil {
			return fail(err)
		}
		out.Recovered = recovered
	}

	doc, err := Load(path)
	if err != nil {
		return fail(err)
	}
	out.advance(StateLoaded)

	in := e.spec.Inspect(doc.Root)
	out.Inspection = in
	out.advance(StateInspected)
	e.logger.Printf("inspected %s: %s", path, in.Detail)

	switch in.Verdict {
	case VerdictAlreadyPatched:
		out.advance(StateAlreadyPatched)
		out.advance(StateCommitted)
		return out, nil
	case VerdictConflict:
		out.advance(StateConflict)
		return fail(fmt.Errorf("%w: %s", ErrConflict, in.Detail))
	}
	out.advance(StateNeedsPatch)

	if e.dryRun {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if approve != nil {
		decision, err := approve(path, in)
		if err != nil {
			return fail(fmt.Errorf("confirmation failed: %w", err))
		}
		out.Decision = decision
		if decision != DecisionApply {
			e.logger.Printf("leaving %s unchanged", path)
			return out, nil
		}
	}

	return e.commit(doc, out)
}

func (e *Engine) commit(doc *Document, out Outcome) (Outcome, error) {
	path := doc.Path
	fail := func(err error) (Outcome, error) {
		out.advance(StateFailed)
		e.logger.Printf("failed to patch %s: %v", path, err)
		return out, err
	}

	b, err := e.backups.Create(path)
	if err != nil {
		return fail(err)
	}
	if b.Sum != backup.Fingerprint(doc.Raw) {
		return fail(fmt.Errorf("%w: %s changed after it was loaded", ErrBackup, path))
	}
	if _, err := e.backups.Begin(b); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrBackup, err))
	}
	out.Backup = b
	out.advance(StateBackedUp)

	rollback := func(cause error) (Outcome, error) {
		e.logger.Printf("rolling back %s: %v", path, cause)
		if err := e.restore(doc, b); err != nil {
			return fail(errors.Join(cause, err))
		}
		out.advance(StateLoaded)
		return fail(cause)
	}

	// abandon handles failures before the replacement is in place. A file
	// still equal to the loaded bytes is left as is, without a restore.
	abandon := func(cause error) (Outcome, error) {
		if got, err := os.ReadFile(path); err != nil || !bytes.Equal(got, doc.Raw) {
			return rollback(cause)
		}
		if err := e.backups.End(path); err != nil {
			e.logger.Printf("warning: %v", err)
		}
		e.logger.Printf("%s was not modified", path)
		out.advance(StateLoaded)
		return fail(cause)
	}

	mutated := doc.Root.Clone()
	if err := e.spec.Apply(mutated); err != nil {
		return abandon(fmt.Errorf("%w: %w", ErrWrite, err))
	}
	data, err := plist.Marshal(mutated)
	if err != nil {
		return abandon(fmt.Errorf("%w: %w", ErrWrite, err))
	}
	if err := e.write(path, data, 0o644); err != nil {
		return abandon(fmt.Errorf("%w: %w", ErrWrite, err))
	}
	out.advance(StateWritten)

	if e.afterWrite != nil {
		if err := e.afterWrite(path); err != nil {
			return rollback(fmt.Errorf("%w: %w", ErrVerification, err))
		}
	}
	if err := e.verify(path); err != nil {
		return rollback(err)
	}
	out.advance(StateVerified)

	if err := e.backups.End(path); err != nil {
		e.logger.Printf("warning: %v", err)
	}
	out.Changed = true
	out.advance(StateCommitted)
	e.logger.Printf("patched %s: %s (backup %s)", path, e.spec, b.Path)
	e.prune(path)
	return out, nil
}

func (e *Engine) prune(path string) {
	if e.keepBackups <= 0 {
		return
	}
	if _, err := e.backups.Prune(path, e.keepBackups); err != nil {
		e.logger.Printf("warning: failed to prune backups of %s: %v", path, err)
	}
}

func (e *Engine) verify(path string) error {
	doc, err := Load(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerification, err)
	}
	if in := e.spec.Inspect(doc.Root); in.Verdict != VerdictAlreadyPatched {
		return fmt.Errorf("%w: %s", ErrVerification, in.Detail)
	}
	return nil
}

// restore puts the backup back and checks the result against the bytes
// originally loaded. The journal is closed only on success.
func (e *Engine) restore(doc *Document, b *backup.Backup) error {
	if err := e.backups.Restore(b); err != nil {
		return err
	}
	got, err := os.ReadFile(doc.Path)
	if err != nil {
		return fmt.Errorf("%w: failed to re-read %s: %w", ErrRestore, doc.Path, err)
	}
	if !bytes.Equal(got, doc.Raw) {
		return fmt.Errorf("%w: %s does not match the original after restore", ErrRestore, doc.Path)
	}
	if err := e.backups.End(doc.Path); err != nil {
		e.logger.Printf("warning: %v", err)
	}
	return nil
}
