package store

import (
	"errors"
	"fmt"
	"time"
)

// GetJob loads a job by id.
func (tx *Tx) GetJob(id string) (Job, error) {
	var job Job
	if err := tx.getJSON(jobKey(id), &job); err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// PutJob writes a job and keeps its status indexes in step.
func (tx *Tx) PutJob(job Job) error {
	if job.ID == "" {
		return errors.New("put job: id is required")
	}

	prev, err := tx.GetJob(job.ID)
	switch {
	case err == nil:
		if err := tx.dropJobIndexes(prev); err != nil {
			return err
		}
	case !errors.Is(err, ErrNotFound):
		return err
	}

	if err := tx.putJSON(jobKey(job.ID), job); err != nil {
		return err
	}

	switch job.Status {
	case JobQueued:
		return tx.set(jobReadyKey(job.RunAfter, job.ID), nil)
	case JobRunning:
		lockedAt := job.UpdatedAt
		if job.LockedAt != nil {
			lockedAt = *job.LockedAt
		}
		if err := tx.set(jobRunningKey(lockedAt, job.ID), nil); err != nil {
			return err
		}
		if job.ConversationKey != "" {
			return tx.set(jobConvKey(job.ConversationKey), []byte(job.ID))
		}
	}

	return nil
}

func (tx *Tx) dropJobIndexes(job Job) error {
	switch job.Status {
	case JobQueued:
		return tx.del(jobReadyKey(job.RunAfter, job.ID))
	case JobRunning:
		lockedAt := job.UpdatedAt
		if job.LockedAt != nil {
			lockedAt = *job.LockedAt
		}
		if err := tx.del(jobRunningKey(lockedAt, job.ID)); err != nil {
			return err
		}
		if job.ConversationKey == "" {
			return nil
		}
		owner, err := tx.getRaw(jobConvKey(job.ConversationKey))
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if string(owner) == job.ID {
			return tx.del(jobConvKey(job.ConversationKey))
		}
	}
	return nil
}

// ReadyJobs returns queued jobs with run_after <= now, oldest first.
func (tx *Tx) ReadyJobs(now time.Time) ([]Job, error) {
	prefix := []byte(prefixJobReady)
	upper := orderedKey(prefix, millis(now)+1, "")
	return tx.jobsInRange(prefix, upper)
}

// RunningJobsLockedBefore returns running jobs whose lock was taken before cutoff.
func (tx *Tx) RunningJobsLockedBefore(cutoff time.Time) ([]Job, error) {
	prefix := []byte(prefixJobRunning)
	upper := orderedKey(prefix, millis(cutoff), "")
	return tx.jobsInRange(prefix, upper)
}

func (tx *Tx) jobsInRange(prefix, upper []byte) ([]Job, error) {
	keys, _, err := tx.scanKeys(prefix, upper, 0, false)
	if err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}

	jobs := make([]Job, 0, len(keys))
	for _, key := range keys {
		job, err := tx.GetJob(orderedID(prefix, key))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ConversationInFlight reports the running job holding a conversation key, if any.
func (tx *Tx) ConversationInFlight(conversationKey string) (string, bool, error) {
	owner, err := tx.getRaw(jobConvKey(conversationKey))
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(owner), true, nil
}
