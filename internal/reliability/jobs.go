package reliability

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/chiehlin/factortuner/internal/database"
	"github.com/chiehlin/factortuner/internal/modules/session"
)

// RetentionJob removes finished sessions older than the retention window
type RetentionJob struct {
	repo          *session.Repository
	retentionDays int
	log           zerolog.Logger
}

// NewRetentionJob creates the retention cleanup job
func NewRetentionJob(repo *session.Repository, retentionDays int, log zerolog.Logger) *RetentionJob {
	return &RetentionJob{
		repo:          repo,
		retentionDays: retentionDays,
		log:           log.With().Str("job", "results_retention").Logger(),
	}
}

// Run executes the retention cleanup
func (j *RetentionJob) Run() error {
	if j.retentionDays <= 0 {
		j.log.Debug().Msg("Retention disabled, nothing to clean")
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -j.retentionDays)
	j.log.Info().Time("cutoff", cutoff).Msg("Starting retention cleanup")

	cleaned, err := j.repo.CleanBefore(cutoff)
	if err != nil {
		return err
	}

	j.log.Info().Int("sessions_cleaned", cleaned).Msg("Retention cleanup completed")
	return nil
}

// Name returns the job name for scheduler
func (j *RetentionJob) Name() string {
	return "results_retention"
}

// CheckpointJob truncates the WAL to keep the database file compact
type CheckpointJob struct {
	db  *database.DB
	log zerolog.Logger
}

// NewCheckpointJob creates the WAL checkpoint job
func NewCheckpointJob(db *database.DB, log zerolog.Logger) *CheckpointJob {
	return &CheckpointJob{
		db:  db,
		log: log.With().Str("job", "wal_checkpoint").Logger(),
	}
}

// Run executes the WAL checkpoint
func (j *CheckpointJob) Run() error {
	start := time.Now()

	if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
		return err
	}

	j.log.Debug().
		Dur("duration_ms", time.Since(start)).
		Msg("WAL checkpoint completed")
	return nil
}

// Name returns the job name for scheduler
func (j *CheckpointJob) Name() string {
	return "wal_checkpoint"
}

// ArchiveJob uploads a fresh archive and rotates old ones
type ArchiveJob struct {
	service       *ArchiveService
	retentionDays int
	timeout       time.Duration
	log           zerolog.Logger
}

// NewArchiveJob creates the cloud archive job
func NewArchiveJob(service *ArchiveService, retentionDays int, log zerolog.Logger) *ArchiveJob {
	return &ArchiveJob{
		service:       service,
		retentionDays: retentionDays,
		timeout:       30 * time.Minute,
		log:           log.With().Str("job", "cloud_archive").Logger(),
	}
}

// Run creates and uploads an archive, then applies retention
func (j *ArchiveJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if err := j.service.CreateAndUploadArchive(ctx); err != nil {
		return err
	}

	if err := j.service.RotateOldArchives(ctx, j.retentionDays); err != nil {
		// The upload succeeded; rotation can retry next run
		j.log.Warn().Err(err).Msg("Archive rotation failed")
	}

	return nil
}

// Name returns the job name for scheduler
func (j *ArchiveJob) Name() string {
	return "cloud_archive"
}
