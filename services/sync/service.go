package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"studipsync-backend/lib/archive"
	"studipsync-backend/lib/treemerge"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/sync")

var ErrMergeFailed = errors.New("merge into destination failed")

// Service mirrors the configured courses into a destination tree. it
// owns the scratch workspace for a run and drives the download, extract
// and merge phases.
type Service struct {
	provider SessionProvider
	history  *sql.DB
}

// NewService wires a session provider and an optional history database.
// a nil history database disables run recording.
func NewService(provider SessionProvider, history *sql.DB) Service {
	return Service{
		provider: provider,
		history:  history,
	}
}

type RunOptions struct {
	Username    string
	Password    string
	Destination string
	Courses     []Course
	// parent directory for the scratch workspace,
	// defaults to the system temp dir
	WorkDir string
}

// Run performs one full sync: open a session, download and extract each
// course in turn, merge everything staged into the destination, tear
// down the session and remove the workspace. a download or extraction
// failure marks that course failed and the run continues; a login
// failure aborts the run. the workspace is removed on every exit path.
func (s Service) Run(ctx context.Context, opts RunOptions) (Report, error) {
	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()
	span.SetAttributes(attribute.Int("courses", len(opts.Courses)))

	report := Report{StartedAt: time.Now()}

	workdir, err := os.MkdirTemp(opts.WorkDir, "studip-sync")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create workspace")
		return report, err
	}
	defer os.RemoveAll(workdir)

	downloadDir := filepath.Join(workdir, "downloads")
	stagingDir := filepath.Join(workdir, "staging")
	for _, dir := range []string{downloadDir, stagingDir} {
		err := os.Mkdir(dir, 0755)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to create workspace subdirectory")
			return report, err
		}
	}

	slog.InfoContext(ctx, "logging in...")
	session, err := s.provider.Open(ctx, opts.Username, opts.Password)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "login failed")
		report.FinishedAt = time.Now()
		s.recordRun(ctx, report, nil)
		return report, fmt.Errorf("login failed: %w", err)
	}

	err = func() error {
		// the session is torn down before the merge phase, whatever
		// happened in the course loop
		defer session.Close()

		for _, course := range opts.Courses {
			if err := ctx.Err(); err != nil {
				return err
			}
			report.Outcomes = append(
				report.Outcomes,
				s.syncCourse(ctx, session, course, downloadDir, stagingDir),
			)
		}
		return nil
	}()
	if err != nil {
		report.FinishedAt = time.Now()
		s.recordRun(ctx, report, err)
		return report, err
	}

	slog.InfoContext(ctx, "synchronizing with existing files...")
	mergeErr := treemerge.Merge(
		ctx,
		stagingDir,
		opts.Destination,
		treemerge.BackupSuffix(report.StartedAt),
	)

	report.FinishedAt = time.Now()
	s.recordRun(ctx, report, mergeErr)

	if mergeErr != nil {
		span.RecordError(mergeErr)
		span.SetStatus(codes.Error, "merge failed")
		return report, fmt.Errorf("%w: %v", ErrMergeFailed, mergeErr)
	}
	return report, nil
}

func (s Service) syncCourse(ctx context.Context, session Session, course Course, downloadDir, stagingDir string) CourseOutcome {
	ctx, span := tracer.Start(ctx, "syncCourse")
	defer span.End()
	span.SetAttributes(
		attribute.String("course_id", course.CourseId),
		attribute.String("save_as", course.SaveAs),
	)

	outcome := CourseOutcome{
		CourseId: course.CourseId,
		SaveAs:   course.SaveAs,
	}

	slog.InfoContext(ctx, "downloading course", "course", course.SaveAs)
	archivePath := filepath.Join(downloadDir, course.CourseId)
	err := session.Fetch(ctx, course, archivePath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "download failed")
		slog.ErrorContext(
			ctx, "download failed",
			"course", course.SaveAs,
			"err", err,
			"hint", "the folder may be bigger than 100MB (Stud.IP does not allow larger downloads), or the account is not subscribed to the course",
		)
		outcome.Status = StatusDownloadFailed
		return outcome
	}

	slog.InfoContext(ctx, "extracting course", "course", course.SaveAs)
	err = archive.Extract(ctx, archivePath, filepath.Join(stagingDir, course.SaveAs))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction failed")
		slog.ErrorContext(ctx, "extraction failed", "course", course.SaveAs, "err", err)
		outcome.Status = StatusExtractionFailed
		return outcome
	}

	outcome.Status = StatusStaged
	return outcome
}
