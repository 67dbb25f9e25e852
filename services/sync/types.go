package sync

import (
	"context"
	"time"
)

// Course describes one remote collection of files to mirror. it is
// immutable, supplied once per run by the surrounding config.
type Course struct {
	CourseId string `json:"course_id"`
	SaveAs   string `json:"save_as"`
	// optional sub folder id restricting the download scope
	SyncOnly string `json:"sync_only"`
}

type Status string

const (
	StatusStaged           Status = "staged"
	StatusDownloadFailed   Status = "download_failed"
	StatusExtractionFailed Status = "extraction_failed"
)

type CourseOutcome struct {
	CourseId string
	SaveAs   string
	Status   Status
}

// Report collects the per-course outcomes of one sync run.
type Report struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []CourseOutcome
}

// Session is the capability an authenticated remote session provides:
// fetching the bulk archive of a course into a local file, and tearing
// the session down. fetch calls are sequential, the remote login state
// is not safe for concurrent requests.
type Session interface {
	Fetch(ctx context.Context, course Course, dest string) error
	Close()
}

// SessionProvider turns credentials into a live Session. exactly one
// session is opened per run; an open failure is fatal to the run.
type SessionProvider interface {
	Open(ctx context.Context, username, password string) (Session, error)
}
