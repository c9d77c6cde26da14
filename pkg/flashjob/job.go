package flashjob

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openpod/flashd/pkg/devices"
	"github.com/openpod/flashd/pkg/dfu"
	"github.com/openpod/flashd/pkg/firmware"
)

// SessionHandle is what a job needs from a DFU session. Satisfied by
// *dfu.Session; faked in tests.
type SessionHandle interface {
	Events() <-chan dfu.Event
	Protected() (bool, error)
	Unprotect(ctx context.Context) error
	Erase(ctx context.Context) error
	Write(ctx context.Context, image []byte, verify bool) error
	Close() error
}

// Deps are the external collaborators a job drives.
type Deps struct {
	Enumerator  devices.Enumerator
	Resolver    *firmware.Resolver
	OpenSession func(ctx context.Context, info devices.Info) (SessionHandle, error)
}

// Job is one flash request: a state machine advancing through
// connect -> [build] -> [download] -> erase -> flash.
//
// All stage-field mutations for a job happen under its lock and publish a
// snapshot before releasing it, so the update feed observes mutations in
// order and no two writers interleave.
type Job struct {
	mu sync.Mutex

	id       string
	deviceID string
	desc     firmware.Descriptor

	stages    Stages
	state     State
	cancelled bool
	finished  time.Time

	publish func(Snapshot)
}

func newJob(id, deviceID string, desc firmware.Descriptor, publish func(Snapshot)) *Job {
	j := &Job{
		id:       id,
		deviceID: deviceID,
		desc:     desc,
		state:    StateRunning,
		publish:  publish,
	}
	j.stages.Connect = &StageStatus{}
	j.stages.Erase = &StageStatus{}
	j.stages.Flash = &StageStatus{}
	// No network fetch happens for locally registered files, and only
	// cloudbuild involves a remote compile.
	if desc.Source != firmware.SourceFile {
		j.stages.Download = &StageStatus{}
	}
	if desc.Source == firmware.SourceCloudBuild {
		j.stages.Build = &StageStatus{}
	}
	return j
}

func (j *Job) ID() string {
	return j.id
}

func (j *Job) snapshotLocked() Snapshot {
	return Snapshot{
		ID:        j.id,
		State:     j.state,
		Cancelled: j.cancelled,
		Meta: Meta{
			DeviceID: j.deviceID,
			Firmware: FirmwareMeta{Target: j.desc.Target, Version: j.desc.Version},
		},
		Stages: j.stages.clone(),
	}
}

// Snapshot returns a consistent copy of the job's current state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

// mutate applies f under the job lock and publishes the resulting snapshot
// before releasing it, keeping the feed totally ordered.
func (j *Job) mutate(f func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	f()
	if j.publish != nil {
		j.publish(j.snapshotLocked())
	}
}

func (j *Job) stageStarted(stage Stage) {
	j.mutate(func() {
		if st := j.stages.get(stage); st != nil && !st.Started {
			st.Started = true
		}
	})
}

func (j *Job) stageProgress(stage Stage, progress int) {
	j.mutate(func() {
		st := j.stages.get(stage)
		if st == nil || st.Completed {
			return
		}
		if progress > 100 {
			progress = 100
		}
		// Progress is monotonic within a stage.
		if progress > st.Progress {
			st.Progress = progress
		}
	})
}

func (j *Job) stageCompleted(stage Stage) {
	j.mutate(func() {
		if st := j.stages.get(stage); st != nil && st.Error == nil {
			st.Started = true
			st.Completed = true
			st.Progress = 100
		}
	})
}

// fail attaches err to the given stage and terminates the job.
func (j *Job) fail(stage Stage, err error) {
	slog.Error("Flash job failed", "job", j.id, "stage", stage, "err", err)
	j.mutate(func() {
		if st := j.stages.get(stage); st != nil {
			st.Started = true
			st.Error = classify(err)
		}
		j.state = StateFailed
		j.finished = time.Now()
	})
}

func (j *Job) terminate(state State) {
	j.mutate(func() {
		j.state = state
		j.finished = time.Now()
	})
}

// Cancel marks the job cancelled. Idempotent; a no-op on terminal jobs. The
// flag is set synchronously, but the running stage is allowed to settle on
// its own: no further stage starts afterwards.
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled || j.state.Terminal() {
		return
	}
	j.cancelled = true
	if j.publish != nil {
		j.publish(j.snapshotLocked())
	}
}

func (j *Job) cancelRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// activeStage returns the stage to attach an acquisition failure to: the
// stage currently in progress, or else the next applicable one (a file
// source has no download stage, so a registry miss lands on erase).
func (j *Job) activeStage() Stage {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(stageOrder) - 1; i >= 0; i-- {
		if st := j.stages.get(stageOrder[i]); st != nil && st.Started && !st.Completed {
			return stageOrder[i]
		}
	}
	for _, stage := range stageOrder {
		if st := j.stages.get(stage); st != nil && !st.Completed {
			return stage
		}
	}
	return StageConnect
}

// pump translates the session's driver events into stage mutations: erase
// events drive the erase stage, write events drive the flash stage, 1:1.
func (j *Job) pump(events <-chan dfu.Event, done chan<- struct{}) {
	defer close(done)
	for ev := range events {
		var stage Stage
		switch ev.Op {
		case dfu.OpErase:
			stage = StageErase
		case dfu.OpWrite:
			stage = StageFlash
		default:
			// Unprotect and end-of-session events carry no stage progress.
			continue
		}
		switch ev.Phase {
		case dfu.PhaseStart:
			j.stageStarted(stage)
		case dfu.PhaseProcess:
			if ev.Total > 0 {
				j.stageProgress(stage, int(ev.Current*100/ev.Total))
			}
		case dfu.PhaseEnd:
			j.stageCompleted(stage)
		}
	}
}

// acquire runs firmware resolution, mapping resolver callbacks onto the
// build/download stages.
func (j *Job) acquire(ctx context.Context, deps Deps) ([]byte, error) {
	switch j.desc.Source {
	case firmware.SourceFile:
		// Registry read: no download stage at all.
		return deps.Resolver.Resolve(ctx, j.desc, firmware.Events{})
	case firmware.SourceCloudBuild:
		data, err := deps.Resolver.Resolve(ctx, j.desc, firmware.Events{
			BuildStarted: func() { j.stageStarted(StageBuild) },
			BuildDone: func() {
				j.stageCompleted(StageBuild)
				j.stageStarted(StageDownload)
			},
			Progress: func(current, total int64) {
				if total > 0 {
					j.stageProgress(StageDownload, int(current*100/total))
				}
			},
		})
		if err == nil {
			j.stageCompleted(StageDownload)
		}
		return data, err
	default:
		j.stageStarted(StageDownload)
		data, err := deps.Resolver.Resolve(ctx, j.desc, firmware.Events{})
		if err == nil {
			j.stageCompleted(StageDownload)
		}
		return data, err
	}
}

func findDevice(ctx context.Context, enum devices.Enumerator, id string) (devices.Info, error) {
	infos, err := enum.List(ctx)
	if err != nil {
		return devices.Info{}, err
	}
	for _, info := range infos {
		if info.ID() == id {
			return info, nil
		}
	}
	return devices.Info{}, devices.ErrDeviceNotFound
}

// run executes the stage sequence. One goroutine per job; the only other
// writer to job state is Cancel.
func (j *Job) run(ctx context.Context, deps Deps) {
	if j.cancelRequested() {
		j.terminate(StateCancelled)
		return
	}

	j.stageStarted(StageConnect)
	info, err := findDevice(ctx, deps.Enumerator, j.deviceID)
	if err != nil {
		j.fail(StageConnect, err)
		return
	}
	sess, err := deps.OpenSession(ctx, info)
	if err != nil {
		j.fail(StageConnect, err)
		return
	}
	j.stageCompleted(StageConnect)

	pumpDone := make(chan struct{})
	go j.pump(sess.Events(), pumpDone)

	// settle closes the session and waits for the event pump to drain, so
	// every driver event is reflected before the job goes terminal.
	settle := func() {
		if err := sess.Close(); err != nil {
			slog.Error("Session close failed", "job", j.id, "err", err)
		}
		<-pumpDone
	}

	if j.cancelRequested() {
		settle()
		j.terminate(StateCancelled)
		return
	}

	image, err := j.acquire(ctx, deps)
	if err != nil {
		stage := j.activeStage()
		settle()
		j.fail(stage, err)
		return
	}

	if j.cancelRequested() {
		settle()
		j.terminate(StateCancelled)
		return
	}

	needUnprotect := j.desc.FlagValue("unprotect") == "true"
	if !needUnprotect {
		if protected, perr := sess.Protected(); perr == nil && protected {
			needUnprotect = true
		}
	}
	if needUnprotect {
		slog.Info("Unprotecting device", "job", j.id, "device", j.deviceID)
		if err := sess.Unprotect(ctx); err != nil {
			settle()
			j.fail(StageErase, err)
			return
		}
	}
	if err := sess.Erase(ctx); err != nil {
		settle()
		j.fail(StageErase, err)
		return
	}

	if j.cancelRequested() {
		settle()
		j.terminate(StateCancelled)
		return
	}

	verify := j.desc.FlagValue("verify") == "true"
	if err := sess.Write(ctx, image, verify); err != nil {
		settle()
		j.fail(StageFlash, err)
		return
	}

	// Close failures past a successful write are logged inside settle and
	// never override the outcome.
	settle()
	j.terminate(StateSucceeded)
}
