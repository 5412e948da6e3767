package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Job status constants.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Job is one row of the durable scheduler queue.
type Job struct {
	ID          string
	Kind        string
	RefID       string
	RunAt       time.Time
	Attempts    int
	MaxAttempts int
	Status      string
	LastError   string
}

// EnqueueJob inserts a pending job due at runAt.
func (s *Store) EnqueueJob(kind, refID string, runAt time.Time, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	id := uuid.NewString()
	_, err := s.DB.Exec(`INSERT INTO jobs (id,kind,ref_id,run_at,max_attempts,status) VALUES (?,?,?,?,?,?)`,
		id, kind, refID, runAt.UnixMilli(), maxAttempts, JobPending)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ClaimDueJobs atomically moves up to limit due pending jobs to running and counts the attempt.
func (s *Store) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	tx, err := s.DB.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rows, err := tx.Query(`SELECT id,kind,ref_id,run_at,attempts,max_attempts,status,COALESCE(last_error,'')
		FROM jobs WHERE status=? AND run_at<=? ORDER BY run_at, rowid LIMIT ?`, JobPending, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	var jobs []Job
	for rows.Next() {
		var (
			j     Job
			runAt int64
		)
		if err := rows.Scan(&j.ID, &j.Kind, &j.RefID, &runAt, &j.Attempts, &j.MaxAttempts, &j.Status, &j.LastError); err != nil {
			rows.Close()
			return nil, err
		}
		j.RunAt = time.UnixMilli(runAt)
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range jobs {
		if _, err := tx.Exec(`UPDATE jobs SET status=?, attempts=attempts+1, updated_at=CURRENT_TIMESTAMP WHERE id=?`, JobRunning, jobs[i].ID); err != nil {
			return nil, err
		}
		jobs[i].Status = JobRunning
		jobs[i].Attempts++
	}
	return jobs, tx.Commit()
}

// CompleteJob marks a job done.
func (s *Store) CompleteJob(id string) error {
	_, err := s.DB.Exec(`UPDATE jobs SET status=?, last_error=NULL, updated_at=CURRENT_TIMESTAMP WHERE id=?`, JobDone, id)
	return err
}

// RetryJob puts a job back to pending for another attempt at runAt.
func (s *Store) RetryJob(id string, runAt time.Time, errMsg string) error {
	_, err := s.DB.Exec(`UPDATE jobs SET status=?, run_at=?, last_error=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		JobPending, runAt.UnixMilli(), errMsg, id)
	return err
}

// FailJob marks a job permanently failed.
func (s *Store) FailJob(id, errMsg string) error {
	_, err := s.DB.Exec(`UPDATE jobs SET status=?, last_error=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, JobFailed, errMsg, id)
	return err
}

// ResetRunningJobs returns jobs left running by a previous process to pending.
func (s *Store) ResetRunningJobs() (int64, error) {
	res, err := s.DB.Exec(`UPDATE jobs SET status=?, updated_at=CURRENT_TIMESTAMP WHERE status=?`, JobPending, JobRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetJob loads a job by id.
func (s *Store) GetJob(id string) (Job, error) {
	var (
		j     Job
		runAt int64
	)
	err := s.DB.QueryRow(`SELECT id,kind,ref_id,run_at,attempts,max_attempts,status,COALESCE(last_error,'') FROM jobs WHERE id=?`, id).
		Scan(&j.ID, &j.Kind, &j.RefID, &runAt, &j.Attempts, &j.MaxAttempts, &j.Status, &j.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	j.RunAt = time.UnixMilli(runAt)
	return j, err
}

// ListJobsByRef returns jobs for a referenced entity, oldest first.
func (s *Store) ListJobsByRef(kind, refID string) ([]Job, error) {
	rows, err := s.DB.Query(`SELECT id,kind,ref_id,run_at,attempts,max_attempts,status,COALESCE(last_error,'')
		FROM jobs WHERE kind=? AND ref_id=? ORDER BY created_at, rowid`, kind, refID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var (
			j     Job
			runAt int64
		)
		if err := rows.Scan(&j.ID, &j.Kind, &j.RefID, &runAt, &j.Attempts, &j.MaxAttempts, &j.Status, &j.LastError); err != nil {
			return nil, err
		}
		j.RunAt = time.UnixMilli(runAt)
		out = append(out, j)
	}
	return out, rows.Err()
}
