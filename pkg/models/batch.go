package models

const (
	BatchStatusProcessing = "processing"
	BatchStatusCompleted  = "completed"
	BatchStatusFailed     = "failed"
)

// A batch is purely a shared batch_id across jobs, not its own table.
// DeriveBatchStatus computes batch status from member jobs: failed if any
// member failed, completed only when every member completed, otherwise
// processing.
func DeriveBatchStatus(jobs []*Job) string {
	if len(jobs) == 0 {
		return BatchStatusProcessing
	}
	allCompleted := true
	for _, j := range jobs {
		if j.Status == JobStatusFailed {
			return BatchStatusFailed
		}
		if j.Status != JobStatusCompleted {
			allCompleted = false
		}
	}
	if allCompleted {
		return BatchStatusCompleted
	}
	return BatchStatusProcessing
}
