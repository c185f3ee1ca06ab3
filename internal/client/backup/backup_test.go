package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/posync/internal/client/api/apitest"
	"github.com/iudanet/posync/internal/client/session"
	"github.com/iudanet/posync/internal/client/storage/boltdb"
	"github.com/iudanet/posync/internal/config"
	"github.com/iudanet/posync/internal/crypto"
	"github.com/iudanet/posync/internal/models"
)

var testNow = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSession() *session.Session {
	return &session.Session{OwnerID: "team-1", AccessToken: "tok", DeviceID: "till-1"}
}

func createTestStore(t *testing.T, name string) *boltdb.Storage {
	t.Helper()
	store, err := boltdb.New(context.Background(), filepath.Join(t.TempDir(), name), models.DefaultSchema())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedStore(t *testing.T, store *boltdb.Storage) {
	t.Helper()
	ctx := context.Background()

	b := &models.Brand{Name: "Gazprom", Active: true}
	b.SetKey("srv-b1")
	b.SetOwner("team-1")
	b.Touch(testNow)
	require.NoError(t, store.Put(ctx, b))

	c := &models.Customer{Name: "Ann"}
	c.SetKey("srv-c1")
	c.SetOwner("team-1")
	c.Touch(testNow)
	require.NoError(t, store.Put(ctx, c))

	o := &models.Order{CustomerID: "srv-c1", Status: "paid", TotalCents: 2500}
	o.SetKey("srv-o1")
	o.SetOwner("team-1")
	o.Touch(testNow)
	require.NoError(t, store.Put(ctx, o))

	// еще не доставлена на сервер
	pending := &models.Order{CustomerID: "srv-c1", Status: "new"}
	pending.SetKey("local-o2")
	pending.SetOwner("team-1")
	pending.Touch(testNow)
	require.NoError(t, store.Put(ctx, pending))
}

func TestExportWriteRead(t *testing.T) {
	store := createTestStore(t, "src.db")
	seedStore(t, store)

	a, err := Export(context.Background(), store, testSession(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 4, a.Count())
	assert.Equal(t, "team-1", a.OwnerID)
	assert.Equal(t, "till-1", a.DeviceID)
	assert.Len(t, a.Tables[models.TableOrders], 2)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, a))

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, a.Count(), got.Count())
	assert.True(t, a.CreatedAt.Equal(got.CreatedAt))
}

func TestRead_RejectsUnknownVersion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, &Archive{Version: 99, CreatedAt: testNow}))

	_, err := Read(&buf)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Read(bytes.NewReader([]byte("not gzip")))
	assert.Error(t, err)
}

func TestExport_RequiresSession(t *testing.T) {
	store := createTestStore(t, "src.db")
	_, err := Export(context.Background(), store, &session.Session{}, testNow)
	assert.ErrorIs(t, err, session.ErrNoOwner)
}

func TestWriteFileImport(t *testing.T) {
	ctx := context.Background()
	src := createTestStore(t, "src.db")
	seedStore(t, src)

	a, err := Export(ctx, src, testSession(), testNow)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nested", FileName(testNow))
	require.NoError(t, WriteFile(path, a, ""))
	assert.Equal(t, "posync-20260402T093000Z.json.gz", filepath.Base(path))

	loaded, err := ReadFile(path, "")
	require.NoError(t, err)

	dst := createTestStore(t, "dst.db")
	n, err := Import(ctx, dst, testSession(), loaded)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	rec, err := dst.Get(ctx, models.TableOrders, "srv-o1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(2500), rec.(*models.Order).TotalCents)

	byCustomer, err := dst.GetByIndex(ctx, models.TableOrders, "customer_id", "srv-c1")
	require.NoError(t, err)
	assert.Len(t, byCustomer, 2)

	_, err = Import(ctx, dst, &session.Session{OwnerID: "team-2"}, loaded)
	assert.Error(t, err)
}

func TestSealedArchive(t *testing.T) {
	ctx := context.Background()
	src := createTestStore(t, "src.db")
	seedStore(t, src)

	a, err := Export(ctx, src, testSession(), testNow)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), FileName(testNow))
	require.NoError(t, WriteFile(path, a, "open sesame"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, sealedMagic))
	assert.NotContains(t, string(raw), "srv-o1")

	_, err = ReadFile(path, "")
	assert.ErrorIs(t, err, ErrPassphraseRequired)

	_, err = ReadFile(path, "wrong")
	assert.ErrorIs(t, err, crypto.ErrAuthFailed)

	loaded, err := ReadFile(path, "open sesame")
	require.NoError(t, err)
	assert.Equal(t, a.Count(), loaded.Count())
	assert.Equal(t, testSession().OwnerID, loaded.OwnerID)

	// фраза не мешает читать открытый архив
	plain := filepath.Join(t.TempDir(), "plain.json.gz")
	require.NoError(t, WriteFile(plain, a, ""))
	loaded, err = ReadFile(plain, "unused")
	require.NoError(t, err)
	assert.Equal(t, a.Count(), loaded.Count())
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	store := createTestStore(t, "src.db")
	seedStore(t, store)

	a, err := Export(ctx, store, testSession(), testNow)
	require.NoError(t, err)

	t.Run("overwrite by default", func(t *testing.T) {
		remote := apitest.New()
		stale := &models.Brand{Name: "Old name"}
		stale.SetKey("srv-b1")
		stale.SetOwner("team-1")
		remote.Seed(stale)

		result, err := Restore(ctx, remote, models.DefaultSchema(), a, RestoreOptions{}, testLogger())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Local)
		assert.Equal(t, 1, result.Written[models.TableBrands])
		assert.Equal(t, 1, result.Written[models.TableOrders])

		brands := remote.Records(models.TableBrands)
		require.Len(t, brands, 1)
		assert.Equal(t, "Gazprom", brands[0].(*models.Brand).Name)
		assert.Len(t, remote.Records(models.TableOrders), 1)
	})

	t.Run("skip existing", func(t *testing.T) {
		remote := apitest.New()
		kept := &models.Brand{Name: "Server copy"}
		kept.SetKey("srv-b1")
		kept.SetOwner("team-1")
		remote.Seed(kept)

		result, err := Restore(ctx, remote, models.DefaultSchema(), a, RestoreOptions{SkipExisting: true, BatchSize: 1}, testLogger())
		require.NoError(t, err)
		assert.Equal(t, 0, result.Written[models.TableBrands])
		assert.Equal(t, "Server copy", remote.Records(models.TableBrands)[0].(*models.Brand).Name)
		assert.Equal(t, 1, result.Written[models.TableCustomers])
	})

	t.Run("failed table does not stop others", func(t *testing.T) {
		remote := apitest.New()
		remote.FailTable(models.TableCustomers, errors.New("boom"))

		result, err := Restore(ctx, remote, models.DefaultSchema(), a, RestoreOptions{}, testLogger())
		require.Error(t, err)
		assert.Contains(t, result.Failed, models.TableCustomers)
		assert.Equal(t, 1, result.Written[models.TableOrders])
	})
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) FPutObject(_ context.Context, bucket, objectName, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	f.objects[bucket+"/"+objectName] = data
	return nil
}

func (f *fakeS3) FGetObject(_ context.Context, bucket, objectName, filePath string) error {
	data, ok := f.objects[bucket+"/"+objectName]
	if !ok {
		return errors.New("NoSuchKey")
	}
	return os.WriteFile(filePath, data, 0o600)
}

func TestS3Store_UploadDownload(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: make(map[string][]byte)}
	s := &S3Store{client: fake, bucket: "backups"}

	src := filepath.Join(t.TempDir(), "a.json.gz")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))

	require.NoError(t, s.Upload(ctx, "team-1", "a.json.gz", src))
	assert.Contains(t, fake.objects, "backups/team-1/backups/a.json.gz")

	dst := filepath.Join(t.TempDir(), "b.json.gz")
	require.NoError(t, s.Download(ctx, "team-1", "a.json.gz", dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	assert.Error(t, s.Download(ctx, "team-2", "a.json.gz", dst))
}

func TestNewObjectStore(t *testing.T) {
	s, err := NewObjectStore(config.BackupConfig{})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Upload(context.Background(), "team-1", "x", "y"), ErrNotConfigured)

	s, err = NewObjectStore(config.BackupConfig{
		S3Endpoint:  "localhost:9000",
		S3Bucket:    "posync",
		S3AccessKey: "minioadmin",
		S3SecretKey: "minioadmin",
	})
	require.NoError(t, err)
	_, ok := s.(*S3Store)
	assert.True(t, ok)
}
