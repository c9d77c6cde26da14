// Package flashjob orchestrates supervised, cancellable firmware flash jobs:
// acquire a binary, drive the device-firmware-update sequence, and report
// fine-grained stage progress to any number of subscribers.
package flashjob

import (
	"errors"

	"github.com/openpod/flashd/pkg/devices"
	"github.com/openpod/flashd/pkg/dfu"
	"github.com/openpod/flashd/pkg/fetch"
	"github.com/openpod/flashd/pkg/firmware"
	"github.com/openpod/flashd/pkg/remotezip"
)

// Stage names one phase of a flash job.
type Stage string

const (
	StageConnect  Stage = "connect"
	StageBuild    Stage = "build"
	StageDownload Stage = "download"
	StageErase    Stage = "erase"
	StageFlash    Stage = "flash"
)

// stageOrder is the total order of stages; a later stage never starts while
// an earlier applicable stage is incomplete.
var stageOrder = []Stage{StageConnect, StageBuild, StageDownload, StageErase, StageFlash}

// StageStatus tracks one stage. Started and Completed are monotonic;
// Progress is a non-decreasing percentage while the stage runs; Error, once
// set, is terminal for the whole job.
type StageStatus struct {
	Started   bool        `json:"started"`
	Completed bool        `json:"completed"`
	Progress  int         `json:"progress"`
	Error     *StageError `json:"error"`
}

// Stages holds the per-stage status of one job. Nil entries are stages not
// applicable to the job's firmware source; they serialize as null.
type Stages struct {
	Connect  *StageStatus `json:"connect"`
	Build    *StageStatus `json:"build"`
	Download *StageStatus `json:"download"`
	Erase    *StageStatus `json:"erase"`
	Flash    *StageStatus `json:"flash"`
}

func (s *Stages) get(stage Stage) *StageStatus {
	switch stage {
	case StageConnect:
		return s.Connect
	case StageBuild:
		return s.Build
	case StageDownload:
		return s.Download
	case StageErase:
		return s.Erase
	case StageFlash:
		return s.Flash
	}
	return nil
}

func (s *Stages) clone() Stages {
	cp := Stages{}
	for _, st := range []struct {
		src *StageStatus
		dst **StageStatus
	}{
		{s.Connect, &cp.Connect},
		{s.Build, &cp.Build},
		{s.Download, &cp.Download},
		{s.Erase, &cp.Erase},
		{s.Flash, &cp.Flash},
	} {
		if st.src != nil {
			c := *st.src
			*st.dst = &c
		}
	}
	return cp
}

// State is the job's overall lifecycle state.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// StageError is the serializable error descriptor attached to a stage.
type StageError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error taxonomy codes.
const (
	CodeDeviceNotFound        = "device-not-found"
	CodeSourceUnavailable     = "source-unavailable"
	CodeEntryNotFound         = "entry-not-found"
	CodeFirmwareNotRegistered = "firmware-not-registered"
	CodeUnprotectTimeout      = "unprotect-timeout"
	CodeTransferError         = "transfer-error"
	CodeInternal              = "internal"
)

// classify maps a failure from a collaborator into its taxonomy code.
func classify(err error) *StageError {
	code := CodeInternal
	var te *dfu.TransferError
	switch {
	case errors.Is(err, devices.ErrDeviceNotFound):
		code = CodeDeviceNotFound
	case errors.Is(err, remotezip.ErrEntryNotFound):
		code = CodeEntryNotFound
	case errors.Is(err, firmware.ErrFirmwareNotRegistered):
		code = CodeFirmwareNotRegistered
	case errors.Is(err, fetch.ErrSourceUnavailable):
		code = CodeSourceUnavailable
	case errors.Is(err, dfu.ErrUnprotectTimeout):
		code = CodeUnprotectTimeout
	case errors.As(err, &te):
		code = CodeTransferError
	}
	return &StageError{Code: code, Message: err.Error()}
}

// FirmwareMeta is the descriptor subset echoed in snapshots.
type FirmwareMeta struct {
	Target  string `json:"target"`
	Version string `json:"version"`
}

// Meta is the immutable part of a job snapshot.
type Meta struct {
	Firmware FirmwareMeta `json:"firmware"`
	DeviceID string       `json:"deviceId"`
}

// Snapshot is the full, consistent view of one job, delivered after every
// stage-field mutation.
type Snapshot struct {
	ID        string `json:"id"`
	State     State  `json:"state"`
	Cancelled bool   `json:"cancelled"`
	Meta      Meta   `json:"meta"`
	Stages    Stages `json:"stages"`
}

// InProgress returns the stage currently started but not completed, if any.
func (s *Snapshot) InProgress() (Stage, bool) {
	for _, stage := range stageOrder {
		if st := s.Stages.get(stage); st != nil && st.Started && !st.Completed && st.Error == nil {
			return stage, true
		}
	}
	return "", false
}
