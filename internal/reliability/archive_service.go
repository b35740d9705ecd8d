// Package reliability holds background maintenance: retention cleanup,
// WAL checkpointing, and cloud archiving of the tuning database and
// result exports.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chiehlin/factortuner/internal/database"
)

const (
	archivePrefix    = "factortuner-backup-"
	archiveTimestamp = "2006-01-02-150405"
)

// ArchiveService snapshots the tuning database and result exports into a
// tar.gz archive and ships it to an object store.
type ArchiveService struct {
	store   ObjectStore
	db      *database.DB
	dataDir string
	log     zerolog.Logger
}

// ArchiveMetadata describes the contents of one archive
type ArchiveMetadata struct {
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
	Files     []FileMetadata `json:"files"`
}

// FileMetadata describes a single file in the archive
type FileMetadata struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// ArchiveInfo represents an archive stored in the bucket
type ArchiveInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// NewArchiveService creates the archive service
func NewArchiveService(store ObjectStore, db *database.DB, dataDir string, log zerolog.Logger) *ArchiveService {
	return &ArchiveService{
		store:   store,
		db:      db,
		dataDir: dataDir,
		log:     log.With().Str("service", "archive").Logger(),
	}
}

// CreateAndUploadArchive snapshots the database, bundles it with any
// result exports, and uploads the archive.
func (s *ArchiveService) CreateAndUploadArchive(ctx context.Context) error {
	s.log.Info().Msg("Starting archive upload")
	startTime := time.Now()

	stagingDir := filepath.Join(s.dataDir, "archive-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	var files []string

	// Consistent database snapshot via VACUUM INTO
	snapshotName := s.db.Name() + ".db"
	if err := s.snapshotDatabase(filepath.Join(stagingDir, snapshotName)); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}
	files = append(files, snapshotName)

	// Result exports, if any exist
	exports, err := s.stageExports(stagingDir)
	if err != nil {
		return fmt.Errorf("failed to stage exports: %w", err)
	}
	files = append(files, exports...)

	metadata := ArchiveMetadata{
		Timestamp: time.Now().UTC(),
		Version:   "1.0.0",
		Files:     make([]FileMetadata, 0, len(files)),
	}
	for _, name := range files {
		path := filepath.Join(stagingDir, name)

		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", name, err)
		}
		checksum, err := calculateChecksum(path)
		if err != nil {
			return fmt.Errorf("failed to calculate checksum for %s: %w", name, err)
		}

		metadata.Files = append(metadata.Files, FileMetadata{
			Name:      name,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
	}

	metadataName := "archive-metadata.json"
	if err := writeMetadata(filepath.Join(stagingDir, metadataName), metadata); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	files = append(files, metadataName)

	archiveName := archivePrefix + time.Now().Format(archiveTimestamp) + ".tar.gz"
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := createArchive(archivePath, stagingDir, files); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.store.Upload(ctx, archiveName, archiveFile, archiveInfo.Size()); err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}

	s.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Str("archive", archiveName).
		Int("files", len(files)).
		Int64("size_bytes", archiveInfo.Size()).
		Msg("Archive upload completed")

	return nil
}

// ListArchives lists all archives stored in the bucket, newest first
func (s *ArchiveService) ListArchives(ctx context.Context) ([]ArchiveInfo, error) {
	objects, err := s.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	archives := make([]ArchiveInfo, 0, len(objects))
	now := time.Now()

	for _, obj := range objects {
		// factortuner-backup-2026-08-23-143022.tar.gz
		if !strings.HasPrefix(obj.Key, archivePrefix) || !strings.HasSuffix(obj.Key, ".tar.gz") {
			continue
		}

		timestampStr := strings.TrimPrefix(obj.Key, archivePrefix)
		timestampStr = strings.TrimSuffix(timestampStr, ".tar.gz")

		timestamp, err := time.Parse(archiveTimestamp, timestampStr)
		if err != nil {
			s.log.Warn().Str("filename", obj.Key).Msg("Failed to parse timestamp from filename")
			continue
		}

		archives = append(archives, ArchiveInfo{
			Filename:  obj.Key,
			Timestamp: timestamp,
			SizeBytes: obj.SizeBytes,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Timestamp.After(archives[j].Timestamp)
	})

	return archives, nil
}

// RotateOldArchives deletes archives older than the retention period.
// Keeps a minimum of 3 archives regardless of age; retentionDays 0 keeps
// everything.
func (s *ArchiveService) RotateOldArchives(ctx context.Context, retentionDays int) error {
	s.log.Info().Int("retention_days", retentionDays).Msg("Starting archive rotation")

	archives, err := s.ListArchives(ctx)
	if err != nil {
		return fmt.Errorf("failed to list archives: %w", err)
	}

	const minArchivesToKeep = 3
	if len(archives) <= minArchivesToKeep {
		s.log.Info().Int("count", len(archives)).Msg("Too few archives to rotate")
		return nil
	}

	var cutoffTime time.Time
	if retentionDays > 0 {
		cutoffTime = time.Now().AddDate(0, 0, -retentionDays)
	}

	deletedCount := 0
	for i, archive := range archives {
		if i < minArchivesToKeep {
			continue
		}
		if retentionDays == 0 {
			continue
		}
		if archive.Timestamp.Before(cutoffTime) {
			if err := s.store.Delete(ctx, archive.Filename); err != nil {
				s.log.Error().
					Err(err).
					Str("filename", archive.Filename).
					Msg("Failed to delete old archive")
				continue
			}

			s.log.Info().
				Str("filename", archive.Filename).
				Time("timestamp", archive.Timestamp).
				Msg("Deleted old archive")

			deletedCount++
		}
	}

	s.log.Info().
		Int("deleted", deletedCount).
		Int("remaining", len(archives)-deletedCount).
		Msg("Archive rotation completed")

	return nil
}

// snapshotDatabase writes a consistent copy of the live database
func (s *ArchiveService) snapshotDatabase(destPath string) error {
	// VACUUM INTO refuses to overwrite
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	_, err := s.db.Conn().Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("VACUUM INTO failed: %w", err)
	}
	return nil
}

// stageExports copies result export files into the staging directory.
// A missing exports directory is not an error.
func (s *ArchiveService) stageExports(stagingDir string) ([]string, error) {
	exportsDir := filepath.Join(s.dataDir, "exports")

	entries, err := os.ReadDir(exportsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var staged []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if err := copyFile(filepath.Join(exportsDir, name), filepath.Join(stagingDir, name)); err != nil {
			return nil, fmt.Errorf("failed to copy export %s: %w", name, err)
		}
		staged = append(staged, name)
	}

	return staged, nil
}

// calculateChecksum calculates SHA256 checksum of a file
func calculateChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

// writeMetadata writes archive metadata to a JSON file
func writeMetadata(path string, metadata ArchiveMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

// createArchive creates a tar.gz archive of the named staging files
func createArchive(archivePath, sourceDir string, filenames []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, filename := range filenames {
		if err := addFileToArchive(tarWriter, filepath.Join(sourceDir, filename), filename); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filename, err)
		}
	}

	return nil
}

// addFileToArchive adds a single file to a tar archive
func addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}

	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}

	if _, err := io.Copy(tarWriter, file); err != nil {
		return err
	}

	return nil
}

// copyFile copies src to dst
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
