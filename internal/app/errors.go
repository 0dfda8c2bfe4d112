package app

import (
	"github.com/specialistvlad/promptgrid/internal/job"
)

// JobError reports a job that was tracked to a terminal state other than
// succeeded.
type JobError struct {
	Report job.Report
}

func (e *JobError) Error() string {
	return e.Report.Err().Error()
}

func (e *JobError) Unwrap() error {
	return e.Report.Err()
}

// LostTrack reports whether the job's outcome is unknown, as opposed to a
// job the server ran and failed.
func (e *JobError) LostTrack() bool {
	return e.Report.Reason == job.ReasonLostTrack
}
