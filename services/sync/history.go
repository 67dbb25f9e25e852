package sync

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// RunRecord is one persisted sync run, as read back from the history
// database.
type RunRecord struct {
	Id         int64
	StartedAt  time.Time
	FinishedAt time.Time
	MergeError string
	Outcomes   []CourseOutcome
}

// recordRun persists a finished run and its per-course outcomes. the
// history store is best effort: a write failure is logged, never
// propagated into the run result.
func (s Service) recordRun(ctx context.Context, report Report, mergeErr error) {
	if s.history == nil {
		return
	}

	mergeMessage := ""
	if mergeErr != nil {
		mergeMessage = mergeErr.Error()
	}

	tx, err := s.history.BeginTx(ctx, nil)
	if err != nil {
		slog.WarnContext(ctx, "failed to record sync run", "err", err)
		return
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO sync_run (started_at, finished_at, merge_error) VALUES (?, ?, ?)`,
		report.StartedAt.Unix(),
		report.FinishedAt.Unix(),
		mergeMessage,
	)
	if err != nil {
		slog.WarnContext(ctx, "failed to record sync run", "err", err)
		return
	}
	runId, err := res.LastInsertId()
	if err != nil {
		slog.WarnContext(ctx, "failed to record sync run", "err", err)
		return
	}

	for _, outcome := range report.Outcomes {
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO course_outcome (run_id, course_id, save_as, status) VALUES (?, ?, ?, ?)`,
			runId,
			outcome.CourseId,
			outcome.SaveAs,
			string(outcome.Status),
		)
		if err != nil {
			slog.WarnContext(ctx, "failed to record course outcome", "err", err)
			return
		}
	}

	err = tx.Commit()
	if err != nil {
		slog.WarnContext(ctx, "failed to record sync run", "err", err)
	}
}

// LastSync returns the finish time of the most recent recorded run, or
// the zero time when no run has been recorded yet.
func LastSync(ctx context.Context, db *sql.DB) (time.Time, error) {
	row := db.QueryRowContext(ctx, `SELECT finished_at FROM sync_run ORDER BY finished_at DESC LIMIT 1`)

	var finishedAt int64
	err := row.Scan(&finishedAt)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(finishedAt, 0), nil
}

// RecentRuns reads back the most recent runs, newest first, with their
// course outcomes attached.
func RecentRuns(ctx context.Context, db *sql.DB, limit int) ([]RunRecord, error) {
	rows, err := db.QueryContext(
		ctx,
		`SELECT id, started_at, finished_at, merge_error FROM sync_run ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var record RunRecord
		var startedAt, finishedAt int64
		err := rows.Scan(&record.Id, &startedAt, &finishedAt, &record.MergeError)
		if err != nil {
			return nil, err
		}
		record.StartedAt = time.Unix(startedAt, 0)
		record.FinishedAt = time.Unix(finishedAt, 0)
		records = append(records, record)
	}
	err = rows.Err()
	if err != nil {
		return nil, err
	}

	for i := range records {
		outcomes, err := runOutcomes(ctx, db, records[i].Id)
		if err != nil {
			return nil, err
		}
		records[i].Outcomes = outcomes
	}
	return records, nil
}

func runOutcomes(ctx context.Context, db *sql.DB, runId int64) ([]CourseOutcome, error) {
	rows, err := db.QueryContext(
		ctx,
		`SELECT course_id, save_as, status FROM course_outcome WHERE run_id = ?`,
		runId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []CourseOutcome
	for rows.Next() {
		var outcome CourseOutcome
		var status string
		err := rows.Scan(&outcome.CourseId, &outcome.SaveAs, &status)
		if err != nil {
			return nil, err
		}
		outcome.Status = Status(status)
		outcomes = append(outcomes, outcome)
	}
	return outcomes, rows.Err()
}
