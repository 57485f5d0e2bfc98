package db_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"objectmail.dev/objstore/db"
)

func mkdb(t *testing.T) (*sqlitex.Pool, *sqlite.Conn) {
	t.Helper()

	flags := sqlite.SQLITE_OPEN_READWRITE | sqlite.SQLITE_OPEN_CREATE | sqlite.SQLITE_OPEN_SHAREDCACHE | sqlite.SQLITE_OPEN_URI
	uri := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	pool, err := sqlitex.Open(uri, flags, 4)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Error(err)
		}
	})

	conn := pool.Get(context.Background())
	if err := db.Init(conn); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Put(conn) })
	return pool, conn
}

func addAccount(t *testing.T, conn *sqlite.Conn) string {
	t.Helper()
	id, err := db.EnsureAccount(conn, &db.MailAccount{
		ID:           "acct-1",
		Provider:     "gmail",
		Address:      "store@example.com",
		IMAPHost:     "imap.example.com",
		IMAPPort:     993,
		Password:     "secret",
		DraftsFolder: "[Gmail]/Drafts",
		Created:      time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestBuckets(t *testing.T) {
	_, conn := mkdb(t)

	b := &db.Bucket{ID: "b-1", Name: "photos", Owner: "key", Region: "us-east-1", Created: time.Now()}
	if err := db.AddBucket(conn, b); err != nil {
		t.Fatal(err)
	}
	if err := db.AddBucket(conn, &db.Bucket{ID: "b-2", Name: "photos", Owner: "key", Region: "r", Created: time.Now()}); err != db.ErrBucketExists {
		t.Errorf("duplicate name err=%v, want ErrBucketExists", err)
	}

	got, err := db.BucketByName(conn, "photos")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "b-1" {
		t.Fatalf("BucketByName=%+v, want b-1", got)
	}
	if got, err := db.BucketByName(conn, "missing"); err != nil || got != nil {
		t.Errorf("missing bucket: %v, %v", got, err)
	}

	buckets, err := db.Buckets(conn)
	if err != nil {
		t.Fatal(err)
	}
	if len(buckets) != 1 {
		t.Errorf("len(Buckets)=%d, want 1", len(buckets))
	}

	if err := db.DeleteBucket(conn, "b-1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.BucketByName(conn, "photos"); got != nil {
		t.Errorf("bucket survived delete: %+v", got)
	}
}

func TestObjects(t *testing.T) {
	_, conn := mkdb(t)

	if err := db.AddBucket(conn, &db.Bucket{ID: "b-1", Name: "docs", Owner: "k", Region: "r", Created: time.Now()}); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	o := &db.Object{
		ID: "o-1", BucketID: "b-1", Key: "a/b", Size: 2, ETag: `"x"`,
		ContentType: "text/plain", Metadata: map[string]string{"tag": "v"},
		ChunkCount: 1, Created: now, Updated: now,
	}
	if err := db.AddObject(conn, o); err != nil {
		t.Fatal(err)
	}
	if err := db.AddObject(conn, &db.Object{ID: "o-2", BucketID: "b-1", Key: "a/b", Created: now, Updated: now}); err != db.ErrObjectExists {
		t.Errorf("duplicate key err=%v, want ErrObjectExists", err)
	}

	got, err := db.ObjectByKey(conn, "b-1", "a/b")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "o-1" {
		t.Fatalf("ObjectByKey=%+v", got)
	}
	if got.Metadata["tag"] != "v" {
		t.Errorf("metadata roundtrip: %+v", got.Metadata)
	}

	for _, extra := range []string{"a/c", "d"} {
		err := db.AddObject(conn, &db.Object{
			ID: "o-" + extra, BucketID: "b-1", Key: extra, Created: now, Updated: now,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	objects, err := db.ObjectsByPrefix(conn, "b-1", "a/")
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 2 || objects[0].Key != "a/b" || objects[1].Key != "a/c" {
		t.Errorf("ObjectsByPrefix(a/)=%+v", objects)
	}
	all, err := db.ObjectsByPrefix(conn, "b-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("len(all)=%d, want 3", len(all))
	}

	if n, _ := db.CountObjects(conn, "b-1"); n != 3 {
		t.Errorf("CountObjects=%d, want 3", n)
	}

	if err := db.DeleteObject(conn, "o-1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.ObjectByKey(conn, "b-1", "a/b"); got != nil {
		t.Errorf("object survived delete")
	}
}

func TestChunks(t *testing.T) {
	_, conn := mkdb(t)
	account := addAccount(t, conn)

	now := time.Now()
	if err := db.AddBucket(conn, &db.Bucket{ID: "b-1", Name: "docs", Owner: "k", Region: "r", Created: now}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"o-1", "o-2", "recycle"} {
		err := db.AddObject(conn, &db.Object{ID: id, BucketID: "b-1", Key: id, Created: now, Updated: now})
		if err != nil {
			t.Fatal(err)
		}
	}

	add := func(id, objectID string, index int64, hash string, uid uint32) {
		t.Helper()
		err := db.AddChunk(conn, &db.Chunk{
			ID: id, ObjectID: objectID, Index: index, Size: 10, Hash: hash,
			DraftUID: uid, Account: account, Status: db.StatusActive,
			Created: now, Updated: now,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	add("c-1", "o-1", 0, "h1", 101)
	add("c-2", "o-1", 1, "h2", 102)
	add("c-3", "o-2", 0, "h1", 101)

	chunks, err := db.ChunksByObject(conn, "o-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 || chunks[0].Index != 0 || chunks[1].Index != 1 {
		t.Fatalf("ChunksByObject=%+v", chunks)
	}

	hit, err := db.ActiveChunkByHash(conn, "h2")
	if err != nil {
		t.Fatal(err)
	}
	if hit == nil || hit.DraftUID != 102 {
		t.Errorf("ActiveChunkByHash(h2)=%+v", hit)
	}
	if miss, _ := db.ActiveChunkByHash(conn, "nope"); miss != nil {
		t.Errorf("hash miss returned %+v", miss)
	}

	if n, _ := db.CountOtherActiveByHash(conn, "h1", "o-1"); n != 1 {
		t.Errorf("CountOtherActiveByHash(h1, o-1)=%d, want 1", n)
	}
	if n, _ := db.CountOtherActiveByHash(conn, "h2", "o-1"); n != 0 {
		t.Errorf("CountOtherActiveByHash(h2, o-1)=%d, want 0", n)
	}

	if free, _ := db.AnyFreeChunk(conn); free != nil {
		t.Errorf("unexpected free chunk %+v", free)
	}
	if err := db.MarkChunkFree(conn, "c-2", "recycle", 424242, now); err != nil {
		t.Fatal(err)
	}
	free, err := db.AnyFreeChunk(conn)
	if err != nil {
		t.Fatal(err)
	}
	if free == nil || free.ID != "c-2" || free.ObjectID != "recycle" || free.Index != 424242 {
		t.Fatalf("AnyFreeChunk=%+v", free)
	}
	// A freed chunk no longer answers dedup probes.
	if hit, _ := db.ActiveChunkByHash(conn, "h2"); hit != nil {
		t.Errorf("free chunk still active: %+v", hit)
	}

	if err := db.DeleteChunksByObject(conn, "o-1"); err != nil {
		t.Fatal(err)
	}
	// The freed row was re-parented and must survive the mass delete.
	if free, _ := db.AnyFreeChunk(conn); free == nil {
		t.Error("free chunk deleted with its old object")
	}
}

func TestUploads(t *testing.T) {
	_, conn := mkdb(t)

	now := time.Now()
	if err := db.AddBucket(conn, &db.Bucket{ID: "b-1", Name: "docs", Owner: "k", Region: "r", Created: now}); err != nil {
		t.Fatal(err)
	}
	u := &db.Upload{ID: "u-1", BucketID: "b-1", Key: "big.bin", ContentType: "application/zip", Created: now}
	if err := db.AddUpload(conn, u); err != nil {
		t.Fatal(err)
	}
	got, err := db.UploadByID(conn, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Key != "big.bin" {
		t.Fatalf("UploadByID=%+v", got)
	}

	for _, n := range []int{2, 1} {
		err := db.PutPart(conn, &db.UploadPart{
			ID: fmt.Sprintf("p-%d", n), UploadID: "u-1", PartNumber: n,
			Size: 5, ETag: `"e"`, TempPath: "/tmp/x", Created: now,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	// Overwriting a part number replaces the old row.
	err = db.PutPart(conn, &db.UploadPart{
		ID: "p-1b", UploadID: "u-1", PartNumber: 1,
		Size: 7, ETag: `"e2"`, TempPath: "/tmp/y", Created: now,
	})
	if err != nil {
		t.Fatal(err)
	}

	parts, err := db.PartsByUpload(conn, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 2 || parts[0].PartNumber != 1 || parts[1].PartNumber != 2 {
		t.Fatalf("PartsByUpload=%+v", parts)
	}
	if parts[0].Size != 7 {
		t.Errorf("part 1 not replaced: %+v", parts[0])
	}

	if err := db.DeletePartsByUpload(conn, "u-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteUpload(conn, "u-1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.UploadByID(conn, "u-1"); got != nil {
		t.Errorf("upload survived delete")
	}
}

func TestEnsureAccount(t *testing.T) {
	_, conn := mkdb(t)

	id := addAccount(t, conn)
	again, err := db.EnsureAccount(conn, &db.MailAccount{
		ID: "acct-other", Address: "store@example.com", Created: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if again != id {
		t.Errorf("EnsureAccount minted a second id: %s != %s", again, id)
	}

	if err := db.AddStorageUsed(conn, id, 100); err != nil {
		t.Fatal(err)
	}
	if err := db.AddStorageUsed(conn, id, -40); err != nil {
		t.Fatal(err)
	}
	stmt := conn.Prep(`SELECT StorageUsed FROM MailAccounts WHERE AccountID = $accountID;`)
	stmt.SetText("$accountID", id)
	var used int64
	for {
		if hasRow, err := stmt.Step(); err != nil {
			t.Fatal(err)
		} else if !hasRow {
			break
		}
		used = stmt.GetInt64("StorageUsed")
	}
	if used != 60 {
		t.Errorf("StorageUsed=%d, want 60", used)
	}
}
