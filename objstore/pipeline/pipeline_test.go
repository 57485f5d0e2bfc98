package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"objectmail.dev/email/manifest"
	"objectmail.dev/objstore/db"
	"objectmail.dev/objstore/pipeline"
)

// fakeMailer keeps drafts in memory and counts the IMAP traffic the
// pipeline generates.
type fakeMailer struct {
	mu       sync.Mutex
	nextUID  uint32
	drafts   map[uint32][]byte
	appends  int
	expunges int
}

func newFakeMailer() *fakeMailer {
	return &fakeMailer{drafts: make(map[uint32][]byte)}
}

func (f *fakeMailer) CreateDraft(ctx context.Context, subject string, payload []byte) (uint32, error) {
	if _, err := manifest.DecodeSubject(subject); err != nil {
		return 0, fmt.Errorf("fakeMailer: bad subject: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextUID++
	f.drafts[f.nextUID] = append([]byte(nil), payload...)
	f.appends++
	return f.nextUID, nil
}

func (f *fakeMailer) GetDraft(ctx context.Context, uid uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.drafts[uid]
	if !ok {
		return nil, fmt.Errorf("fakeMailer: no draft uid %d", uid)
	}
	return payload, nil
}

func (f *fakeMailer) DeleteDraft(ctx context.Context, uid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.drafts[uid]; !ok {
		return fmt.Errorf("fakeMailer: no draft uid %d", uid)
	}
	delete(f.drafts, uid)
	f.expunges++
	return nil
}

func (f *fakeMailer) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeMailer) draftCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drafts)
}

type fixture struct {
	pool   *sqlitex.Pool
	mail   *fakeMailer
	p      *pipeline.Pipeline
	bucket string // bucket id
}

func mkfixture(t *testing.T, chunkSize int64) *fixture {
	t.Helper()

	flags := sqlite.SQLITE_OPEN_READWRITE | sqlite.SQLITE_OPEN_CREATE | sqlite.SQLITE_OPEN_SHAREDCACHE | sqlite.SQLITE_OPEN_URI
	uri := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	pool, err := sqlitex.Open(uri, flags, 4)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })

	conn := pool.Get(context.Background())
	if err := db.Init(conn); err != nil {
		pool.Put(conn)
		t.Fatal(err)
	}
	accountID, err := db.EnsureAccount(conn, &db.MailAccount{
		ID: "acct-1", Provider: "gmail", Address: "store@example.com",
		IMAPHost: "imap.example.com", IMAPPort: 993,
		Password: "pw", DraftsFolder: "[Gmail]/Drafts", Created: time.Now(),
	})
	if err != nil {
		pool.Put(conn)
		t.Fatal(err)
	}
	bucket := &db.Bucket{ID: "bucket-1", Name: "mybucket", Owner: "key", Region: "us-east-1", Created: time.Now()}
	if err := db.AddBucket(conn, bucket); err != nil {
		pool.Put(conn)
		t.Fatal(err)
	}
	pool.Put(conn)

	filer := iox.NewFiler(0)
	filer.Logf = t.Logf
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		filer.Shutdown(ctx)
	})

	mail := newFakeMailer()
	p := pipeline.New(pool, mail, filer, accountID, chunkSize)
	p.Logf = t.Logf

	return &fixture{pool: pool, mail: mail, p: p, bucket: bucket.ID}
}

func (f *fixture) download(t *testing.T, objectID string) []byte {
	t.Helper()
	buf, err := f.p.Download(context.Background(), objectID)
	if err != nil {
		t.Fatal(err)
	}
	defer buf.Close()
	data, err := io.ReadAll(buf)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func (f *fixture) chunks(t *testing.T, objectID string) []db.Chunk {
	t.Helper()
	conn := f.pool.Get(context.Background())
	defer f.pool.Put(conn)
	chunks, err := db.ChunksByObject(conn, objectID)
	if err != nil {
		t.Fatal(err)
	}
	return chunks
}

func TestRoundtrip(t *testing.T) {
	f := mkfixture(t, 30)
	ctx := context.Background()

	data := bytes.Repeat([]byte("objectmail"), 10) // 100 bytes, 4 chunks
	obj, err := f.p.Upload(ctx, f.bucket, "a/file.bin", data, "application/octet-stream", map[string]string{"origin": "test"})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := obj.ChunkCount, int64(4); got != want {
		t.Errorf("ChunkCount=%d, want %d", got, want)
	}
	if got, want := obj.Size, int64(100); got != want {
		t.Errorf("Size=%d, want %d", got, want)
	}
	// Chunks 0..2 are the same 30 bytes, the 10-byte tail differs: two
	// distinct hashes, so dedup holds appends to two.
	if got, want := f.mail.appends, 2; got != want {
		t.Errorf("appends=%d, want %d", got, want)
	}

	if got := f.download(t, obj.ID); !bytes.Equal(got, data) {
		t.Errorf("download mismatch: %d bytes", len(got))
	}

	chunks := f.chunks(t, obj.ID)
	if len(chunks) != 4 {
		t.Fatalf("len(chunks)=%d, want 4", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != int64(i) {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		if c.Status != db.StatusActive {
			t.Errorf("chunk %d status %q", i, c.Status)
		}
	}
	if chunks[3].Size != 10 {
		t.Errorf("tail chunk size=%d, want 10", chunks[3].Size)
	}
}

func TestETag(t *testing.T) {
	f := mkfixture(t, 1<<20)
	obj, err := f.p.Upload(context.Background(), f.bucket, "hello.txt", []byte("hi"), "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := obj.ETag, `"49f68a5c8493ec2c0bf489821c21fc3b"`; got != want {
		t.Errorf("ETag=%s, want %s", got, want)
	}
}

func TestDedup(t *testing.T) {
	f := mkfixture(t, 16)
	ctx := context.Background()

	data := []byte("0123456789abcdef0123456789ABCDEFtail")
	first, err := f.p.Upload(ctx, f.bucket, "one", data, "application/octet-stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	appends := f.mail.appends

	second, err := f.p.Upload(ctx, f.bucket, "two", data, "application/octet-stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	if f.mail.appends != appends {
		t.Errorf("second upload appended %d new drafts, want 0", f.mail.appends-appends)
	}

	a, b := f.chunks(t, first.ID), f.chunks(t, second.ID)
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d, %d", len(a), len(b))
	}
	for i := range a {
		if a[i].DraftUID != b[i].DraftUID {
			t.Errorf("chunk %d: uids differ: %d, %d", i, a[i].DraftUID, b[i].DraftUID)
		}
	}

	if got := f.download(t, second.ID); !bytes.Equal(got, data) {
		t.Error("dedup upload does not download intact")
	}
}

func TestRecyclingConservation(t *testing.T) {
	f := mkfixture(t, 16)
	ctx := context.Background()

	data := bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 6) // 48 bytes, 3 chunks
	first, err := f.p.Upload(ctx, f.bucket, "one", data, "application/octet-stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.p.Upload(ctx, f.bucket, "two", data, "application/octet-stream", nil)
	if err != nil {
		t.Fatal(err)
	}

	distinctHashes := make(map[string]bool)
	for _, c := range f.chunks(t, first.ID) {
		distinctHashes[c.Hash] = true
	}
	wantDrafts := len(distinctHashes)
	if got := f.mail.draftCount(); got != wantDrafts {
		t.Fatalf("draft count=%d, want %d", got, wantDrafts)
	}

	// First delete: the second object still references every hash, so
	// nothing is expunged and nothing goes free.
	if err := f.p.Delete(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	if f.mail.expunges != 0 {
		t.Errorf("expunges=%d after shared delete, want 0", f.mail.expunges)
	}
	conn := f.pool.Get(ctx)
	free, err := db.AnyFreeChunk(conn)
	f.pool.Put(conn)
	if err != nil {
		t.Fatal(err)
	}
	if free != nil {
		t.Errorf("free chunk after shared delete: %+v", free)
	}

	// Second delete drops the last references: rows go free, drafts stay.
	if err := f.p.Delete(ctx, second.ID); err != nil {
		t.Fatal(err)
	}
	if f.mail.expunges != 0 {
		t.Errorf("expunges=%d after last delete, want 0", f.mail.expunges)
	}
	if got := f.mail.draftCount(); got != wantDrafts {
		t.Errorf("draft count=%d after deletes, want %d", got, wantDrafts)
	}

	// A fresh upload consumes one free slot per new chunk: append+expunge,
	// so the mailbox stays the same size until the free pool drains.
	fresh := []byte("FRESHFRESHFRESH!")
	if _, err := f.p.Upload(ctx, f.bucket, "three", fresh, "application/octet-stream", nil); err != nil {
		t.Fatal(err)
	}
	if f.mail.expunges != 1 {
		t.Errorf("expunges=%d after recycling upload, want 1", f.mail.expunges)
	}
	if got := f.mail.draftCount(); got != wantDrafts {
		t.Errorf("draft count=%d after recycling upload, want %d", got, wantDrafts)
	}
}

func TestOverwrite(t *testing.T) {
	f := mkfixture(t, 1<<20)
	ctx := context.Background()

	if _, err := f.p.Upload(ctx, f.bucket, "k", []byte("old-contents"), "text/plain", nil); err != nil {
		t.Fatal(err)
	}
	obj, err := f.p.Upload(ctx, f.bucket, "k", []byte("new-contents"), "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.download(t, obj.ID); string(got) != "new-contents" {
		t.Errorf("download=%q", got)
	}

	conn := f.pool.Get(ctx)
	defer f.pool.Put(conn)
	live, err := db.ObjectByKey(conn, f.bucket, "k")
	if err != nil {
		t.Fatal(err)
	}
	if live == nil || live.ID != obj.ID {
		t.Errorf("live object=%+v, want %s", live, obj.ID)
	}
}

func TestZeroByteObject(t *testing.T) {
	f := mkfixture(t, 1<<20)
	ctx := context.Background()

	obj, err := f.p.Upload(ctx, f.bucket, "empty", nil, "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	if obj.ChunkCount != 0 {
		t.Errorf("ChunkCount=%d, want 0", obj.ChunkCount)
	}
	if f.mail.appends != 0 {
		t.Errorf("appends=%d, want 0", f.mail.appends)
	}
	if got := f.download(t, obj.ID); len(got) != 0 {
		t.Errorf("download=%d bytes, want 0", len(got))
	}
}

func TestCorruptChunk(t *testing.T) {
	f := mkfixture(t, 1<<20)
	ctx := context.Background()

	obj, err := f.p.Upload(ctx, f.bucket, "k", []byte("payload"), "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	chunks := f.chunks(t, obj.ID)
	f.mail.mu.Lock()
	f.mail.drafts[chunks[0].DraftUID] = []byte("tampered")
	f.mail.mu.Unlock()

	if _, err := f.p.Download(ctx, obj.ID); !errors.Is(err, pipeline.ErrCorruptChunk) {
		t.Errorf("err=%v, want ErrCorruptChunk", err)
	}
}

func TestDownloadMissing(t *testing.T) {
	f := mkfixture(t, 1<<20)
	if _, err := f.p.Download(context.Background(), "no-such-id"); !errors.Is(err, pipeline.ErrNotFound) {
		t.Errorf("err=%v, want ErrNotFound", err)
	}
}

func TestDeleteByKeyMissing(t *testing.T) {
	f := mkfixture(t, 1<<20)
	if err := f.p.DeleteByKey(context.Background(), f.bucket, "missing"); err != nil {
		t.Errorf("DeleteByKey(missing)=%v, want nil", err)
	}
}

func TestCopy(t *testing.T) {
	f := mkfixture(t, 8)
	ctx := context.Background()

	data := []byte("copy me around please")
	src, err := f.p.Upload(ctx, f.bucket, "src", data, "text/csv", map[string]string{"a": "b"})
	if err != nil {
		t.Fatal(err)
	}
	appends := f.mail.appends

	dst, err := f.p.Copy(ctx, src, f.bucket, "dst")
	if err != nil {
		t.Fatal(err)
	}
	if f.mail.appends != appends {
		t.Errorf("copy appended %d drafts, want 0", f.mail.appends-appends)
	}
	if dst.ContentType != "text/csv" || dst.Metadata["a"] != "b" {
		t.Errorf("copy lost attributes: %+v", dst)
	}
	if got := f.download(t, dst.ID); !bytes.Equal(got, data) {
		t.Error("copy does not download intact")
	}

	a, b := f.chunks(t, src.ID), f.chunks(t, dst.ID)
	for i := range a {
		if a[i].DraftUID != b[i].DraftUID {
			t.Errorf("chunk %d: copy bound to uid %d, want %d", i, b[i].DraftUID, a[i].DraftUID)
		}
	}
}
