package sync

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"studipsync-backend/lib/sqliteutil"
	"studipsync-backend/lib/telemetry"
	syncdb "studipsync-backend/services/sync/db"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// fakeSession implements Session backed by per-course scripted fetch
// behavior, standing in for a live portal session.
type fakeSession struct {
	fetch  map[string]func(dest string) error
	closed *bool
}

func (s fakeSession) Fetch(ctx context.Context, course Course, dest string) error {
	handler, ok := s.fetch[course.CourseId]
	if !ok {
		return fmt.Errorf("unexpected course: %s", course.CourseId)
	}
	return handler(dest)
}

func (s fakeSession) Close() {
	*s.closed = true
}

type fakeProvider struct {
	session fakeSession
	openErr error
}

func (p fakeProvider) Open(ctx context.Context, username, password string) (Session, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	return p.session, nil
}

func writeZipArchive(dest string, entries map[string]string) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for name, content := range entries {
		entry, err := w.Create(name)
		if err != nil {
			return err
		}
		_, err = entry.Write([]byte(content))
		if err != nil {
			return err
		}
	}
	return w.Close()
}

func requireEmptyDir(t testing.TB, dir string) {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "scratch workspace must not survive the run")
}

func TestRunTwoCoursesFirstFails(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:services/sync")
	defer cleanup()

	workdir := t.TempDir()
	destination := t.TempDir()

	// prior destination content for the failing course must stay
	// untouched
	priorPath := filepath.Join(destination, "Big Course", "old.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(priorPath), 0755))
	require.NoError(t, os.WriteFile(priorPath, []byte("prior"), 0644))

	closed := false
	provider := fakeProvider{session: fakeSession{
		closed: &closed,
		fetch: map[string]func(dest string) error{
			"course-1": func(dest string) error {
				return fmt.Errorf("download failed with status 413 for course course-1")
			},
			"course-2": func(dest string) error {
				return writeZipArchive(dest, map[string]string{
					"Wrapper Dir/notes.txt": "lecture notes",
				})
			},
		},
	}}

	service := NewService(provider, nil)
	report, err := service.Run(context.Background(), RunOptions{
		Username:    "user",
		Password:    "pass",
		Destination: destination,
		WorkDir:     workdir,
		Courses: []Course{
			{CourseId: "course-1", SaveAs: "Big Course"},
			{CourseId: "course-2", SaveAs: "Algorithms"},
		},
	})
	require.NoError(t, err)

	want := []CourseOutcome{
		{CourseId: "course-1", SaveAs: "Big Course", Status: StatusDownloadFailed},
		{CourseId: "course-2", SaveAs: "Algorithms", Status: StatusStaged},
	}
	if diff := cmp.Diff(want, report.Outcomes); diff != "" {
		t.Fatalf("unexpected outcomes (-want +got):\n%s", diff)
	}

	// course-2 landed flattened, course-1's prior files are untouched
	content, err := os.ReadFile(filepath.Join(destination, "Algorithms", "notes.txt"))
	require.NoError(t, err)
	require.Equal(t, "lecture notes", string(content))

	prior, err := os.ReadFile(priorPath)
	require.NoError(t, err)
	require.Equal(t, "prior", string(prior))

	require.True(t, closed)
	requireEmptyDir(t, workdir)
}

func TestRunExtractionFailureIsIsolated(t *testing.T) {
	workdir := t.TempDir()
	destination := t.TempDir()

	closed := false
	provider := fakeProvider{session: fakeSession{
		closed: &closed,
		fetch: map[string]func(dest string) error{
			"broken": func(dest string) error {
				return os.WriteFile(dest, []byte("not an archive"), 0644)
			},
			"good": func(dest string) error {
				return writeZipArchive(dest, map[string]string{"a.txt": "a"})
			},
		},
	}}

	service := NewService(provider, nil)
	report, err := service.Run(context.Background(), RunOptions{
		Username:    "user",
		Password:    "pass",
		Destination: destination,
		WorkDir:     workdir,
		Courses: []Course{
			{CourseId: "broken", SaveAs: "Broken"},
			{CourseId: "good", SaveAs: "Good"},
		},
	})
	require.NoError(t, err)

	require.Equal(t, StatusExtractionFailed, report.Outcomes[0].Status)
	require.Equal(t, StatusStaged, report.Outcomes[1].Status)

	// the failed course produced no destination subtree
	_, err = os.Stat(filepath.Join(destination, "Broken"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(destination, "Good", "a.txt"))
	require.NoError(t, err)

	requireEmptyDir(t, workdir)
}

func TestRunLoginFailure(t *testing.T) {
	workdir := t.TempDir()
	destination := t.TempDir()

	provider := fakeProvider{openErr: errors.New("Failed to login to your account.")}
	service := NewService(provider, nil)

	report, err := service.Run(context.Background(), RunOptions{
		Username:    "user",
		Password:    "wrong",
		Destination: destination,
		WorkDir:     workdir,
		Courses:     []Course{{CourseId: "c", SaveAs: "C"}},
	})
	require.Error(t, err)
	require.Empty(t, report.Outcomes)

	// cleanup holds on the failure path too
	requireEmptyDir(t, workdir)
}

func TestRunBacksUpConflictingDestinationFiles(t *testing.T) {
	workdir := t.TempDir()
	destination := t.TempDir()

	conflictPath := filepath.Join(destination, "Course", "notes.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(conflictPath), 0755))
	require.NoError(t, os.WriteFile(conflictPath, []byte("user edits"), 0644))

	closed := false
	provider := fakeProvider{session: fakeSession{
		closed: &closed,
		fetch: map[string]func(dest string) error{
			"c": func(dest string) error {
				return writeZipArchive(dest, map[string]string{"notes.txt": "remote version"})
			},
		},
	}}

	service := NewService(provider, nil)
	_, err := service.Run(context.Background(), RunOptions{
		Username:    "user",
		Password:    "pass",
		Destination: destination,
		WorkDir:     workdir,
		Courses:     []Course{{CourseId: "c", SaveAs: "Course"}},
	})
	require.NoError(t, err)

	content, err := os.ReadFile(conflictPath)
	require.NoError(t, err)
	require.Equal(t, "remote version", string(content))

	backups, err := filepath.Glob(conflictPath + "_*.old")
	require.NoError(t, err)
	require.Len(t, backups, 1)

	backup, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	require.Equal(t, "user edits", string(backup))
}

func TestRunMergeFailureSurfaced(t *testing.T) {
	db, err := sqliteutil.OpenDB(syncdb.Schema, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	workdir := t.TempDir()

	// a regular file where the destination directory should be makes
	// the merge phase fail after staging succeeded
	destination := filepath.Join(t.TempDir(), "dest")
	require.NoError(t, os.WriteFile(destination, []byte("in the way"), 0644))

	closed := false
	provider := fakeProvider{session: fakeSession{
		closed: &closed,
		fetch: map[string]func(dest string) error{
			"c": func(dest string) error {
				return writeZipArchive(dest, map[string]string{"a.txt": "a"})
			},
		},
	}}

	service := NewService(provider, db)
	report, err := service.Run(context.Background(), RunOptions{
		Username:    "user",
		Password:    "pass",
		Destination: destination,
		WorkDir:     workdir,
		Courses:     []Course{{CourseId: "c", SaveAs: "Course"}},
	})
	require.ErrorIs(t, err, ErrMergeFailed)

	// the course itself staged fine, only the merge phase failed
	require.Equal(t, []CourseOutcome{
		{CourseId: "c", SaveAs: "Course", Status: StatusStaged},
	}, report.Outcomes)

	records, err := RecentRuns(context.Background(), db, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotEmpty(t, records[0].MergeError)

	require.True(t, closed)
	requireEmptyDir(t, workdir)
}

func TestRunCancelledBetweenCourses(t *testing.T) {
	workdir := t.TempDir()
	destination := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())

	closed := false
	provider := fakeProvider{session: fakeSession{
		closed: &closed,
		fetch: map[string]func(dest string) error{
			"first": func(dest string) error {
				cancel()
				return writeZipArchive(dest, map[string]string{"a.txt": "a"})
			},
			"second": func(dest string) error {
				return writeZipArchive(dest, map[string]string{"b.txt": "b"})
			},
		},
	}}

	service := NewService(provider, nil)
	_, err := service.Run(ctx, RunOptions{
		Username:    "user",
		Password:    "pass",
		Destination: destination,
		WorkDir:     workdir,
		Courses: []Course{
			{CourseId: "first", SaveAs: "First"},
			{CourseId: "second", SaveAs: "Second"},
		},
	})
	require.True(t, errors.Is(err, context.Canceled))

	require.True(t, closed)
	requireEmptyDir(t, workdir)
}
