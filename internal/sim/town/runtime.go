package town

import (
	"context"
	"time"

	"hearthwake.ai/internal/persistence/snapshot"
)

type commandReq struct {
	cmd  Command
	resp chan CommandResult
}

type CommandResult struct {
	Events []Event
	Err    error
}

// Run drives the town from a ticker until ctx is done or Stop is called.
// Commands and snapshot requests are applied at tick boundaries, so no reader
// ever observes a partial step. Run must be the only goroutine touching t.
func (t *Town) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.tickDur)
	defer ticker.Stop()

	t.publish()

	var pendingCmds []commandReq
	var pendingSnaps []chan snapshot.SnapshotV1

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.stop:
			return nil
		case req := <-t.cmds:
			pendingCmds = append(pendingCmds, req)
		case resp := <-t.snapReq:
			pendingSnaps = append(pendingSnaps, resp)
		case <-ticker.C:
			t.runTick(pendingCmds)
			for _, resp := range pendingSnaps {
				resp <- t.Snapshot(time.Now().UTC())
			}
			pendingCmds = pendingCmds[:0]
			pendingSnaps = pendingSnaps[:0]
		}
	}
}

func (t *Town) runTick(cmds []commandReq) {
	for _, req := range cmds {
		evs, err := t.ApplyCommand(req.cmd)
		req.resp <- CommandResult{Events: evs, Err: err}
	}
	if _, err := t.StepOnce(); err != nil {
		t.logger.Printf("tick %d: %v", t.clock.Tick, err)
	}
	t.publish()

	tick := t.clock.Tick
	every := uint64(t.tu.SnapshotEveryTicks)
	if t.snapshotSink != nil && tick != 0 && every > 0 && tick%every == 0 {
		select {
		case t.snapshotSink <- t.Snapshot(time.Now().UTC()):
		default:
			t.logger.Printf("snapshot sink full; dropped tick %d", tick)
		}
	}
}

func (t *Town) Stop() { t.stopOnce.Do(func() { close(t.stop) }) }

// Submit queues cmd for the next tick boundary and waits for its result.
func (t *Town) Submit(ctx context.Context, cmd Command) ([]Event, error) {
	req := commandReq{cmd: cmd, resp: make(chan CommandResult, 1)}
	select {
	case t.cmds <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.resp:
		return res.Events, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestSnapshot asks the running loop for a snapshot taken at the next
// tick boundary.
func (t *Town) RequestSnapshot(ctx context.Context) (snapshot.SnapshotV1, error) {
	resp := make(chan snapshot.SnapshotV1, 1)
	select {
	case t.snapReq <- resp:
	case <-ctx.Done():
		return snapshot.SnapshotV1{}, ctx.Err()
	}
	select {
	case snap := <-resp:
		return snap, nil
	case <-ctx.Done():
		return snapshot.SnapshotV1{}, ctx.Err()
	}
}

// Latest returns the most recent published observation. It is safe to call
// from any goroutine.
func (t *Town) Latest() *Observation { return t.obs.Load() }

func (t *Town) publish() { t.obs.Store(t.Observe()) }
