package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiehlin/factortuner/internal/database"
)

// fakeStore is an in-memory ObjectStore
type fakeStore struct {
	objects map[string][]byte
	deleted []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (f *fakeStore) Upload(ctx context.Context, key string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeStore) List(ctx context.Context, prefix string) ([]StoredObject, error) {
	var out []StoredObject
	for key, data := range f.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, StoredObject{Key: key, SizeBytes: int64(len(data))})
		}
	}
	return out, nil
}

func (f *fakeStore) Delete(ctx context.Context, key string) error {
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func newTestArchiveService(t *testing.T) (*ArchiveService, *fakeStore, string) {
	t.Helper()

	dir := t.TempDir()
	nop := zerolog.New(nil).Level(zerolog.Disabled)

	db, err := database.New(database.Config{
		Path:    filepath.Join(dir, "tuning.db"),
		Profile: database.ProfileStandard,
		Name:    "tuning",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	store := newFakeStore()
	return NewArchiveService(store, db, dir, nop), store, dir
}

// unpackArchive extracts the uploaded tar.gz into name -> contents
func unpackArchive(t *testing.T, data []byte) map[string][]byte {
	t.Helper()

	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		contents, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = contents
	}
	return files
}

func TestCreateAndUploadArchive(t *testing.T) {
	svc, store, dir := newTestArchiveService(t)

	exportsDir := filepath.Join(dir, "exports")
	require.NoError(t, os.MkdirAll(exportsDir, 0755))
	exportBody := []byte("session_id,strategy_id\nsession_x,SR_W20\n")
	require.NoError(t, os.WriteFile(filepath.Join(exportsDir, "results.csv"), exportBody, 0644))

	require.NoError(t, svc.CreateAndUploadArchive(context.Background()))

	require.Len(t, store.objects, 1)
	var key string
	for k := range store.objects {
		key = k
	}
	assert.True(t, strings.HasPrefix(key, "factortuner-backup-"))
	assert.True(t, strings.HasSuffix(key, ".tar.gz"))

	files := unpackArchive(t, store.objects[key])
	assert.Contains(t, files, "tuning.db")
	assert.Contains(t, files, "results.csv")
	assert.Contains(t, files, "archive-metadata.json")
	assert.Equal(t, exportBody, files["results.csv"])

	var meta ArchiveMetadata
	require.NoError(t, json.Unmarshal(files["archive-metadata.json"], &meta))
	assert.Equal(t, "1.0.0", meta.Version)
	require.Len(t, meta.Files, 2)

	// Checksums in metadata must match the archived contents
	for _, fm := range meta.Files {
		sum := fmt.Sprintf("sha256:%x", sha256.Sum256(files[fm.Name]))
		assert.Equal(t, sum, fm.Checksum, fm.Name)
		assert.EqualValues(t, len(files[fm.Name]), fm.SizeBytes)
	}

	// Staging directory is cleaned up
	_, err := os.Stat(filepath.Join(dir, "archive-staging"))
	assert.True(t, os.IsNotExist(err))
}

func TestCreateAndUploadArchive_NoExports(t *testing.T) {
	svc, store, _ := newTestArchiveService(t)

	require.NoError(t, svc.CreateAndUploadArchive(context.Background()))

	require.Len(t, store.objects, 1)
	for key := range store.objects {
		files := unpackArchive(t, store.objects[key])
		assert.Contains(t, files, "tuning.db")
		assert.Contains(t, files, "archive-metadata.json")
		assert.Len(t, files, 2)
	}
}

func TestListArchives_SortsAndSkipsMalformed(t *testing.T) {
	svc, store, _ := newTestArchiveService(t)

	store.objects["factortuner-backup-2026-08-01-120000.tar.gz"] = []byte("old")
	store.objects["factortuner-backup-2026-08-20-120000.tar.gz"] = []byte("newer")
	store.objects["factortuner-backup-not-a-timestamp.tar.gz"] = []byte("junk")
	store.objects["unrelated.txt"] = []byte("junk")

	archives, err := svc.ListArchives(context.Background())
	require.NoError(t, err)
	require.Len(t, archives, 2)
	assert.Equal(t, "factortuner-backup-2026-08-20-120000.tar.gz", archives[0].Filename)
	assert.Equal(t, "factortuner-backup-2026-08-01-120000.tar.gz", archives[1].Filename)
	assert.EqualValues(t, 5, archives[0].SizeBytes)
}

func seedArchives(store *fakeStore, ages ...time.Duration) []string {
	keys := make([]string, 0, len(ages))
	for _, age := range ages {
		key := archivePrefix + time.Now().Add(-age).Format(archiveTimestamp) + ".tar.gz"
		store.objects[key] = []byte("archive")
		keys = append(keys, key)
	}
	return keys
}

func TestRotateOldArchives_KeepsMinimumThree(t *testing.T) {
	svc, store, _ := newTestArchiveService(t)

	day := 24 * time.Hour
	seedArchives(store, 1*day, 2*day, 100*day, 200*day, 300*day)

	require.NoError(t, svc.RotateOldArchives(context.Background(), 30))

	// Newest three survive even though the third is past retention
	archives, err := svc.ListArchives(context.Background())
	require.NoError(t, err)
	assert.Len(t, archives, 3)
	assert.Len(t, store.deleted, 2)
}

func TestRotateOldArchives_ZeroRetentionKeepsAll(t *testing.T) {
	svc, store, _ := newTestArchiveService(t)

	day := 24 * time.Hour
	seedArchives(store, 1*day, 100*day, 200*day, 300*day, 400*day)

	require.NoError(t, svc.RotateOldArchives(context.Background(), 0))
	assert.Empty(t, store.deleted)
	assert.Len(t, store.objects, 5)
}

func TestRotateOldArchives_TooFewToRotate(t *testing.T) {
	svc, store, _ := newTestArchiveService(t)

	seedArchives(store, 2400*time.Hour, 4800*time.Hour)

	require.NoError(t, svc.RotateOldArchives(context.Background(), 1))
	assert.Empty(t, store.deleted)
}
