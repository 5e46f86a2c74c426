// Package orchestrator runs the discover, mount, locate and patch sequence
// across every candidate EFI partition.
package orchestrator

import (
	"context"
	"io"
	"log"

	"github.com/larsks/hvpatch/internal/mountmanager"
	"github.com/larsks/hvpatch/internal/partition"
	"github.com/larsks/hvpatch/internal/patch"
)

type Locator interface {
	Candidates(ctx context.Context) ([]partition.Partition, error)
}

type Mounter interface {
	Mount(ctx context.Context, p partition.Partition) (*mountmanager.MountHandle, error)
	Unmount(ctx context.Context, h *mountmanager.MountHandle) error
	Detach(h *mountmanager.MountHandle)
	ReleaseAll(ctx context.Context) error
}

type ConfigLocator interface {
	Locate(mountpoint string) (string, bool)
}

type Patcher interface {
	Run(ctx context.Context, path string, approve patch.Approver) (patch.Outcome, error)
}

type Options struct {
	Partitions Locator
	Mounter    Mounter
	Configs    ConfigLocator
	Engine     Patcher
	// Approve is passed to the engine for every config that needs the
	// patch. Nil applies without asking.
	Approve patch.Approver
	Logger  *log.Logger
}

type Orchestrator struct {
	partitions Locator
	mounter    Mounter
	configs    ConfigLocator
	engine     Patcher
	approve    patch.Approver
	logger     *log.Logger
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Orchestrator{
		partitions: opts.Partitions,
		mounter:    opts.Mounter,
		configs:    opts.Configs,
		engine:     opts.Engine,
		approve:    opts.Approve,
		logger:     logger,
	}
}

// Run processes every candidate partition in turn. A failure on one
// partition does not stop the others; only an operator abort or a
// cancelled context does. Every mount created here is released before Run
// returns.
func (o *Orchestrator) Run(ctx context.Context) Report {
	var rep Report
	defer o.release(ctx)

	candidates, err := o.partitions.Candidates(ctx)
	if err != nil {
		o.logger.Printf("failed to list partitions: %v", err)
		rep.DiscoveryErr = err
		return rep
	}
	if len(candidates) == 0 {
		o.logger.Printf("no EFI partitions found")
		return rep
	}
	o.logger.Printf("found %d candidate partitions", len(candidates))

	for _, p := range candidates {
		if ctx.Err() != nil {
			o.logger.Printf("interrupted, skipping remaining partitions")
			rep.Interrupted = true
			break
		}
		res, stop := o.process(ctx, p)
		rep.Results = append(rep.Results, res)
		if stop {
			o.logger.Printf("patch declined, skipping remaining partitions")
			rep.Aborted = true
			break
		}
	}
	return rep
}

// RunConfig patches a single config file named by the operator, without
// discovery or mounting.
func (o *Orchestrator) RunConfig(ctx context.Context, path string) Report {
	res := Result{Config: path}
	stop := o.patchConfig(ctx, &res)
	return Report{Results: []Result{res}, Aborted: stop}
}

// MountOnly mounts every candidate and leaves it mounted.
func (o *Orchestrator) MountOnly(ctx context.Context) Report {
	var rep Report
	candidates, err := o.partitions.Candidates(ctx)
	if err != nil {
		rep.DiscoveryErr = err
		return rep
	}
	for _, p := range candidates {
		res := Result{Device: p.Device}
		h, err := o.mounter.Mount(ctx, p)
		if err != nil {
			res.Status, res.Reason, res.Err = StatusFailed, ReasonMount, err
			rep.Results = append(rep.Results, res)
			continue
		}
		o.mounter.Detach(h)
		res.Status = StatusMounted
		res.Mountpoint = h.Mountpoint
		if path, ok := o.configs.Locate(h.Mountpoint); ok {
			res.Config = path
		}
		rep.Results = append(rep.Results, res)
	}
	return rep
}

func (o *Orchestrator) process(ctx context.Context, p partition.Partition) (res Result, stop bool) {
	res.Device = p.Device

	h, err := o.mounter.Mount(ctx, p)
	if err != nil {
		o.logger.Printf("failed to mount %s: %v", p.Device, err)
		res.Status, res.Reason, res.Err = StatusFailed, ReasonMount, err
		return res, false
	}
	res.Mountpoint = h.Mountpoint
	defer func() {
		if err := o.mounter.Unmount(context.WithoutCancel(ctx), h); err != nil {
			o.logger.Printf("warning: %v", err)
			res.UnmountErr = err
		}
	}()

	path, ok := o.configs.Locate(h.Mountpoint)
	if !ok {
		res.Status, res.Reason = StatusSkipped, ReasonConfigNotFound
		return res, false
	}
	res.Config = path
	return res, o.patchConfig(ctx, &res)
}

// patchConfig fills in res from an engine run and reports whether the
// operator asked to stop.
func (o *Orchestrator) patchConfig(ctx context.Context, res *Result) bool {
	out, err := o.engine.Run(ctx, res.Config, o.approve)
	res.Recovered = out.Recovered
	if out.Backup != nil {
		res.Backup = out.Backup.Path
	}
	if err != nil {
		res.Status, res.Reason, res.Err = StatusFailed, reasonFor(err), err
		if res.Fatal() {
			o.logger.Printf("%s needs manual repair: %v", res.Config, err)
		}
		return false
	}

	switch {
	case out.Changed:
		res.Status = StatusPatched
	case out.Inspection.Verdict == patch.VerdictAlreadyPatched:
		res.Status = StatusAlreadyPatched
	case out.Decision == patch.DecisionAbort:
		res.Status, res.Reason = StatusSkipped, ReasonDeclined
		return true
	case out.Decision == patch.DecisionSkip:
		res.Status, res.Reason = StatusSkipped, ReasonSkipped
	default:
		// Needs the patch, was approved and nothing was written: the
		// engine is in dry-run mode.
		res.Status, res.Reason = StatusSkipped, ReasonDryRun
	}
	return false
}

func (o *Orchestrator) release(ctx context.Context) {
	if err := o.mounter.ReleaseAll(context.WithoutCancel(ctx)); err != nil {
		o.logger.Printf("warning: failed to release mounts: %v", err)
	}
}
