package model

import "time"

// BackupStatus tracks a snapshot from creation to upload.
type BackupStatus string

const (
	BackupPending   BackupStatus = "pending"
	BackupUploading BackupStatus = "uploading"
	BackupCompleted BackupStatus = "completed"
	BackupFailed    BackupStatus = "failed"
)

// Backup records one encrypted snapshot of the license database pushed to
// object storage.
type Backup struct {
	ID           int64        `json:"id"`
	Filename     string       `json:"filename"`
	ObjectKey    string       `json:"object_key"`
	SizeBytes    int64        `json:"size_bytes"`
	Status       BackupStatus `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// Restorable reports whether the snapshot finished uploading.
func (b *Backup) Restorable() bool {
	return b != nil && b.Status == BackupCompleted && b.CompletedAt != nil
}

// Duration is how long the upload took, or zero if it never finished.
func (b *Backup) Duration() time.Duration {
	if b.CompletedAt == nil {
		return 0
	}
	return b.CompletedAt.Sub(b.CreatedAt)
}
