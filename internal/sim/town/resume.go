package town

import (
	"fmt"
	"time"

	"hearthwake.ai/internal/sim/ledger"
)

type ResumeMode string

const (
	ResumeNone    ResumeMode = "none"
	ResumeReplay  ResumeMode = "replay"
	ResumeCatchUp ResumeMode = "catch_up"
)

type ResumeReport struct {
	Mode           ResumeMode       `json:"mode"`
	Requested      time.Duration    `json:"requested"`
	Applied        time.Duration    `json:"applied"`
	Clamped        bool             `json:"clamped,omitempty"`
	Ticks          int              `json:"ticks,omitempty"`
	Gain           float64          `json:"gain,omitempty"`
	Distributed    ledger.Resources `json:"distributed"`
	PressureGrowth float64          `json:"pressure_growth,omitempty"`
	Events         []Event          `json:"events,omitempty"`
}

// Resume reconstructs the effect of elapsed wall time spent away.
//
// Gaps shorter than one tick do nothing. Gaps beyond the offline cap are
// clamped to it. Short gaps are replayed tick by tick; anything longer is
// credited as a single log-scaled gain from the last observed output, after
// which milestones are evaluated once against the new state.
func (t *Town) Resume(elapsed time.Duration) (ResumeReport, error) {
	rep := ResumeReport{Mode: ResumeNone, Requested: elapsed}
	if elapsed < 0 {
		return rep, fmt.Errorf("resume %v: %w", elapsed, ErrInvalidState)
	}
	if elapsed < t.tickDur {
		return rep, nil
	}

	var pre []Event
	if limit := t.tu.OfflineCap(); elapsed > limit {
		t.logger.Printf("offline gap %s clamped to %s", elapsed, limit)
		pre = append(pre, Event{
			Tick:    t.clock.Tick,
			Kind:    EventOfflineGapClamped,
			Amount:  elapsed.Hours(),
			Message: fmt.Sprintf("away %.1fh, credited %.1fh", elapsed.Hours(), limit.Hours()),
		})
		elapsed = limit
		rep.Clamped = true
	}
	rep.Applied = elapsed

	ticks := int64(elapsed / t.tickDur)
	if elapsed < t.tu.LongGap() && ticks <= int64(t.tu.Offline.MaxReplayTicks) {
		rep.Mode = ResumeReplay
		rep.Events = t.emit(pre)
		before := t.clock.Tick
		evs, err := t.Step(elapsed)
		rep.Ticks = int(t.clock.Tick - before)
		rep.Events = append(rep.Events, evs...)
		return rep, err
	}
	return t.catchUp(elapsed, pre, rep)
}

func (t *Town) catchUp(elapsed time.Duration, pre []Event, rep ResumeReport) (ResumeReport, error) {
	rep.Mode = ResumeCatchUp
	off, err := ledger.ApplyOfflineGain(t.ledger, elapsed.Hours())
	if err != nil {
		return rep, err
	}
	rep.Gain = off.Gain
	rep.Distributed = off.Distributed
	rep.PressureGrowth = off.PressureGrowth

	tick := t.clock.Tick
	simulated := t.clock.Simulated + elapsed
	st := t.newPending(off.Ledger, cloneZones(t.zones))

	events := append(pre, Event{
		Tick:    tick,
		Kind:    EventOfflineCatchUp,
		Amount:  off.Gain,
		Message: fmt.Sprintf("the town kept busy for %.1fh while you were away", elapsed.Hours()),
	})
	events = append(events, t.evaluateMilestones(st, tick, simulated)...)

	t.commit(st)
	t.clock.Simulated = simulated
	rep.Events = t.emit(events)
	t.logger.Printf("offline catch-up: %s away, gain %.3f, pressure +%.3f", elapsed, off.Gain, off.PressureGrowth)
	return rep, nil
}
