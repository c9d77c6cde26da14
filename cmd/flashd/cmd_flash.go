package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/openpod/flashd/pkg/firmware"
	"github.com/openpod/flashd/pkg/flashjob"
)

var (
	flashVersion string
	flashFlags   []string
	flashDevice  string
)

var flashCmd = &cobra.Command{
	Use:   "flash [source] [target]",
	Short: "Flash a firmware binary onto a connected device",
	Long: `Resolves a firmware binary and flashes it onto a DFU-mode device.
Source is one of releases, pr-build, cloudbuild or file; for 'file' the
target is a path to a local image.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		desc, err := parseDescriptor(args[0], args[1], flashVersion, flashFlags)
		if err != nil {
			return err
		}
		// Local files are uploaded into the registry first; jobs only know
		// registry ids.
		if desc.Source == firmware.SourceFile {
			data, err := os.ReadFile(desc.Target)
			if err != nil {
				return err
			}
			desc.Target = app.registry.Register(data)
		}

		deviceID := flashDevice
		if deviceID == "" {
			infos, err := app.enum.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(infos) != 1 {
				return fmt.Errorf("found %d devices, pick one with --device", len(infos))
			}
			deviceID = infos[0].ID()
			fmt.Printf("Using %s (%s)\n", infos[0].Kind.String(), deviceID)
		}

		manager := flashjob.NewManager(app.jobDeps())
		defer manager.Close()
		id, err := manager.Create(deviceID, desc)
		if err != nil {
			return err
		}
		ch, cancel, ok := manager.Subscribe(id)
		if !ok {
			return fmt.Errorf("job vanished")
		}
		defer cancel()

		// Ctrl-C requests cooperative cancellation; the in-flight stage is
		// allowed to settle.
		sigC := make(chan os.Signal, 1)
		signal.Notify(sigC, os.Interrupt)
		defer signal.Stop(sigC)

		printer := newStagePrinter()
		finish := func(snap flashjob.Snapshot) error {
			switch snap.State {
			case flashjob.StateSucceeded:
				fmt.Println("Flash complete.")
				return nil
			case flashjob.StateCancelled:
				return fmt.Errorf("flash cancelled")
			default:
				return fmt.Errorf("flash failed: %s", printer.failure(snap))
			}
		}
		for {
			select {
			case <-sigC:
				fmt.Println("Cancelling...")
				manager.Cancel(id)
			case snap, ok := <-ch:
				if !ok {
					return fmt.Errorf("update feed closed")
				}
				printer.update(snap)
				if snap.State.Terminal() {
					return finish(snap)
				}
			case <-time.After(time.Second):
				// The feed starts with the next update; a job that went
				// terminal before we subscribed only shows up here.
				if snap, ok := manager.Get(id); ok && snap.State.Terminal() {
					printer.update(snap)
					return finish(snap)
				}
			}
		}
	},
}

// stagePrinter renders snapshot deltas as one line per stage transition.
type stagePrinter struct {
	started   map[flashjob.Stage]bool
	completed map[flashjob.Stage]bool
	progress  map[flashjob.Stage]int
}

func newStagePrinter() *stagePrinter {
	return &stagePrinter{
		started:   make(map[flashjob.Stage]bool),
		completed: make(map[flashjob.Stage]bool),
		progress:  make(map[flashjob.Stage]int),
	}
}

func (p *stagePrinter) update(snap flashjob.Snapshot) {
	for _, stage := range []flashjob.Stage{
		flashjob.StageConnect, flashjob.StageBuild, flashjob.StageDownload,
		flashjob.StageErase, flashjob.StageFlash,
	} {
		st := stageOf(snap, stage)
		if st == nil {
			continue
		}
		if st.Started && !p.started[stage] {
			p.started[stage] = true
			fmt.Printf("%s...\n", stage)
		}
		if st.Started && !st.Completed && st.Progress > p.progress[stage] {
			p.progress[stage] = st.Progress
			fmt.Printf("%s: %d%%\n", stage, st.Progress)
		}
		if st.Completed && !p.completed[stage] {
			p.completed[stage] = true
			fmt.Printf("%s: done\n", stage)
		}
	}
}

func (p *stagePrinter) failure(snap flashjob.Snapshot) string {
	for _, stage := range []flashjob.Stage{
		flashjob.StageConnect, flashjob.StageBuild, flashjob.StageDownload,
		flashjob.StageErase, flashjob.StageFlash,
	} {
		if st := stageOf(snap, stage); st != nil && st.Error != nil {
			return fmt.Sprintf("%s: %s (%s)", stage, st.Error.Message, st.Error.Code)
		}
	}
	return "unknown failure"
}

func stageOf(snap flashjob.Snapshot, stage flashjob.Stage) *flashjob.StageStatus {
	switch stage {
	case flashjob.StageConnect:
		return snap.Stages.Connect
	case flashjob.StageBuild:
		return snap.Stages.Build
	case flashjob.StageDownload:
		return snap.Stages.Download
	case flashjob.StageErase:
		return snap.Stages.Erase
	case flashjob.StageFlash:
		return snap.Stages.Flash
	}
	return nil
}
