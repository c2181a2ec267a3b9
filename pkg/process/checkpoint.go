package process

import (
	"context"

	"github.com/eventflow/eventflow/pkg/telemetry"
)

func (p *Process) startCheckpoint(ctx context.Context) {
	p.cp = nil
	if p.checkpoints == nil {
		return
	}
	cp, err := p.checkpoints.Create(ctx, p.cfg.InputFiles, p.output(), p.cfg.PassName)
	if err != nil {
		telemetry.LogCheckpointError(p.logger, "create", err)
		return
	}
	p.cp = cp
	telemetry.LogCheckpoint(p.logger, cp.ID, -1)
}

func (p *Process) output() string {
	if len(p.cfg.OutputFiles) == 0 {
		return ""
	}
	return p.cfg.OutputFiles[0]
}

// saveCheckpoint records progress every checkpointEvery events.
func (p *Process) saveCheckpoint(ctx context.Context, entry int64, run int) {
	if p.cp == nil || p.checkpointEvery <= 0 || p.events%p.checkpointEvery != 0 {
		return
	}
	s := p.metrics.Summary()
	p.cp.Update(p.input, entry, run, s.EventsTried, s.EventsStored)
	if err := p.checkpoints.Save(ctx, p.cp); err != nil {
		telemetry.LogCheckpointError(p.logger, "save", err)
		return
	}
	telemetry.LogCheckpoint(p.logger, p.cp.ID, entry)
}

func (p *Process) finishCheckpoint(ctx context.Context, runErr error) {
	if p.cp == nil {
		return
	}
	s := p.metrics.Summary()
	run := p.cfg.Run
	if p.runHeader != nil {
		run = p.runHeader.RunNumber
	}
	p.cp.Update(p.input, p.cp.Entry, run, s.EventsTried, s.EventsStored)

	// The run context may already be cancelled; the final state still goes out.
	ctx = context.WithoutCancel(ctx)
	var err error
	if runErr != nil {
		err = p.checkpoints.Fail(ctx, p.cp, runErr)
	} else {
		err = p.checkpoints.Complete(ctx, p.cp)
	}
	if err != nil {
		telemetry.LogCheckpointError(p.logger, "finish", err)
	}
}
