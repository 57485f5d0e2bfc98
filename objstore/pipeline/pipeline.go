// Package pipeline orchestrates object upload, download, delete, and copy
// across the metadata database and the mail draft store.
//
// Chunks are content-addressed: an upload whose chunk hash already exists
// as an active row reuses that row's draft instead of appending a new one.
// Deleting the last reference to a hash parks the draft in a free pool
// (owned by a synthetic recycling object) rather than expunging it; the
// next upload that needs a new draft consumes a free slot by appending its
// own draft and expunging the parked one. The steady-state draft count in
// the mailbox therefore tracks the set of unique live chunks.
//
// The whole pipeline is serialized behind one lock: draft UIDs are
// recovered by subject search after APPEND, which only one writer at a
// time can do unambiguously.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/google/uuid"

	"objectmail.dev/chunker"
	"objectmail.dev/email/manifest"
	"objectmail.dev/hasher"
	"objectmail.dev/objstore/db"
)

var (
	ErrNotFound     = errors.New("pipeline: not found")
	ErrCorruptChunk = errors.New("pipeline: chunk payload does not match recorded hash")
)

// The recycling object owns chunk rows in the free pool so the usual
// foreign-key and uniqueness invariants hold without special cases.
const (
	recyclingBucket = "recycling-bin"
	recyclingOwner  = "system"
	recyclingRegion = "local"
)

// A Mailer persists chunk payloads as mail drafts.
type Mailer interface {
	CreateDraft(ctx context.Context, subject string, payload []byte) (uint32, error)
	GetDraft(ctx context.Context, uid uint32) ([]byte, error)
	DeleteDraft(ctx context.Context, uid uint32) error
	HealthCheck(ctx context.Context) error
}

// Pipeline is the storage orchestrator. One Pipeline serves one mailbox.
type Pipeline struct {
	DB        *sqlitex.Pool
	Mail      Mailer
	Filer     *iox.Filer
	AccountID string
	ChunkSize int64
	Logf      func(format string, v ...interface{})

	mu sync.Mutex // one mailbox, one writer
}

func New(dbpool *sqlitex.Pool, mail Mailer, filer *iox.Filer, accountID string, chunkSize int64) *Pipeline {
	return &Pipeline{
		DB:        dbpool,
		Mail:      mail,
		Filer:     filer,
		AccountID: accountID,
		ChunkSize: chunkSize,
		Logf:      log.Printf,
	}
}

// Upload stores data under (bucketID, key), replacing any existing object
// at that key. Chunks whose hash is already live are deduplicated; free
// pool slots are consumed before the mailbox grows.
func (p *Pipeline) Upload(ctx context.Context, bucketID, key string, data []byte, contentType string, meta map[string]string) (*db.Object, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn := p.DB.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer p.DB.Put(conn)

	bucket, err := db.BucketByID(conn, bucketID)
	if err != nil {
		return nil, err
	}
	if bucket == nil {
		return nil, fmt.Errorf("pipeline.Upload: %w: bucket %s", ErrNotFound, bucketID)
	}

	digest := hasher.Sum(data)
	etag := `"` + digest.MD5 + `"`
	chunks := chunker.Split(data, p.ChunkSize)

	// Overwrite semantics: route any prior object at this key through the
	// delete path so its chunks re-enter dedup and recycling.
	if prior, err := db.ObjectByKey(conn, bucketID, key); err != nil {
		return nil, err
	} else if prior != nil {
		if err := p.delete(conn, prior.ID); err != nil {
			return nil, fmt.Errorf("pipeline.Upload: replace %q: %v", key, err)
		}
	}

	now := time.Now()
	obj := &db.Object{
		ID:          uuid.NewString(),
		BucketID:    bucketID,
		Key:         key,
		Size:        int64(len(data)),
		ETag:        etag,
		ContentType: contentType,
		Metadata:    meta,
		ChunkCount:  int64(len(chunks)),
		Created:     now,
		Updated:     now,
	}
	if err := db.AddObject(conn, obj); err != nil {
		return nil, fmt.Errorf("pipeline.Upload: %v", err)
	}

	for _, c := range chunks {
		uid, account, err := p.placeChunk(ctx, conn, bucket.Name, key, obj.ID, contentType, uint32(len(chunks)), uint64(len(data)), c)
		if err != nil {
			return nil, fmt.Errorf("pipeline.Upload: chunk %d: %v", c.Index, err)
		}
		err = db.AddChunk(conn, &db.Chunk{
			ID:       uuid.NewString(),
			ObjectID: obj.ID,
			Index:    int64(c.Index),
			Size:     c.Size,
			Hash:     c.Hash,
			DraftUID: uid,
			Account:  account,
			Status:   db.StatusActive,
			Created:  now,
			Updated:  now,
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline.Upload: chunk %d: %v", c.Index, err)
		}
	}

	p.Logf("pipeline: uploaded %q: %d bytes, %d chunks, etag %s", key, len(data), len(chunks), etag)
	return obj, nil
}

// placeChunk finds or creates a draft for one chunk and returns the
// (uid, account) the chunk row should reference.
func (p *Pipeline) placeChunk(ctx context.Context, conn *sqlite.Conn, bucketName, key, objectID, contentType string, totalChunks uint32, totalSize uint64, c chunker.Chunk) (uint32, string, error) {
	// Dedup probe: an active chunk with this hash already names a draft
	// with these exact bytes.
	existing, err := db.ActiveChunkByHash(conn, c.Hash)
	if err != nil {
		return 0, "", err
	}
	if existing != nil {
		p.Logf("pipeline: dedup hit for hash %s (uid %d)", c.Hash, existing.DraftUID)
		return existing.DraftUID, existing.Account, nil
	}

	m := &manifest.Manifest{
		V:           manifest.Version,
		Bucket:      bucketName,
		Key:         key,
		ChunkIndex:  c.Index,
		TotalChunks: totalChunks,
		ObjectID:    objectID,
		ChunkHash:   c.Hash,
		TotalSize:   totalSize,
		ContentType: contentType,
	}
	subject, err := m.EncodeSubject()
	if err != nil {
		return 0, "", err
	}

	// Recycling probe: consuming a free slot keeps the mailbox draft
	// count constant. Append the new draft first, then expunge the old.
	free, err := db.AnyFreeChunk(conn)
	if err != nil {
		return 0, "", err
	}

	uid, err := p.Mail.CreateDraft(ctx, subject, c.Payload)
	if err != nil {
		return 0, "", err
	}
	if err := db.AddStorageUsed(conn, p.AccountID, c.Size); err != nil {
		return 0, "", err
	}

	if free != nil {
		p.Logf("pipeline: recycling free slot (old uid %d)", free.DraftUID)
		// The parked draft may already be gone from the server.
		if err := p.Mail.DeleteDraft(ctx, free.DraftUID); err != nil {
			p.Logf("pipeline: delete recycled draft uid %d: %v", free.DraftUID, err)
		}
		if err := db.DeleteChunk(conn, free.ID); err != nil {
			return 0, "", err
		}
		if err := db.AddStorageUsed(conn, free.Account, -free.Size); err != nil {
			return 0, "", err
		}
	}

	return uid, p.AccountID, nil
}

// Download reassembles an object's payload from its drafts, verifying each
// chunk against its recorded hash. The caller owns the returned buffer.
func (p *Pipeline) Download(ctx context.Context, objectID string) (*iox.BufferFile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn := p.DB.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer p.DB.Put(conn)

	obj, err := db.ObjectByID(conn, objectID)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("pipeline.Download: %w: object %s", ErrNotFound, objectID)
	}
	chunks, err := db.ChunksByObject(conn, objectID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 && obj.ChunkCount != 0 {
		return nil, fmt.Errorf("pipeline.Download: %w: no chunks for object %s", ErrNotFound, objectID)
	}

	buf := p.Filer.BufferFile(0)
	for _, c := range chunks {
		payload, err := p.Mail.GetDraft(ctx, c.DraftUID)
		if err != nil {
			buf.Close()
			return nil, fmt.Errorf("pipeline.Download: chunk %d: %v", c.Index, err)
		}
		if got := hasher.SHA256Hex(payload); got != c.Hash {
			buf.Close()
			return nil, fmt.Errorf("%w: chunk %d of object %s: have %s, want %s",
				ErrCorruptChunk, c.Index, objectID, got, c.Hash)
		}
		if _, err := buf.Write(payload); err != nil {
			buf.Close()
			return nil, fmt.Errorf("pipeline.Download: %v", err)
		}
	}
	if _, err := buf.Seek(0, io.SeekStart); err != nil {
		buf.Close()
		return nil, fmt.Errorf("pipeline.Download: %v", err)
	}
	return buf, nil
}

// Delete removes an object. Chunks whose hash is still referenced by
// another live object are simply dropped; last references are re-parented
// into the free pool so their drafts can be recycled.
func (p *Pipeline) Delete(ctx context.Context, objectID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn := p.DB.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer p.DB.Put(conn)

	return p.delete(conn, objectID)
}

// DeleteByKey removes the object at (bucketID, key) if one exists.
func (p *Pipeline) DeleteByKey(ctx context.Context, bucketID, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn := p.DB.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer p.DB.Put(conn)

	obj, err := db.ObjectByKey(conn, bucketID, key)
	if err != nil {
		return err
	}
	if obj == nil {
		return nil
	}
	return p.delete(conn, obj.ID)
}

// delete runs the deletion inside one transaction. It touches only the
// database: recycling deliberately leaves every draft on the server.
// Callers must hold p.mu.
func (p *Pipeline) delete(conn *sqlite.Conn, objectID string) (err error) {
	defer sqlitex.Save(conn)(&err)

	chunks, err := db.ChunksByObject(conn, objectID)
	if err != nil {
		return err
	}

	for _, c := range chunks {
		others, err := db.CountOtherActiveByHash(conn, c.Hash, objectID)
		if err != nil {
			return err
		}
		if others > 0 {
			// Another object still references this draft; the row goes
			// away with the mass delete below.
			p.Logf("pipeline: hash %s still used by %d other objects, keeping uid %d", c.Hash, others, c.DraftUID)
			continue
		}
		rec, err := p.recyclingObject(conn)
		if err != nil {
			return err
		}
		if err := p.parkChunk(conn, &c, rec.ID); err != nil {
			return err
		}
		p.Logf("pipeline: uid %d moved to free pool", c.DraftUID)
	}

	if err := db.DeleteChunksByObject(conn, objectID); err != nil {
		return err
	}
	if err := db.DeleteObject(conn, objectID); err != nil {
		return err
	}
	p.Logf("pipeline: object %s deleted", objectID)
	return nil
}

// parkChunk re-parents a chunk to the recycling object under a synthetic
// index, retrying on the rare index collision.
func (p *Pipeline) parkChunk(conn *sqlite.Conn, c *db.Chunk, recyclingID string) error {
	now := time.Now()
	for attempt := 0; ; attempt++ {
		idx := (now.UnixNano() + int64(attempt)) ^ int64(c.DraftUID)
		idx &= math.MaxInt64
		err := db.MarkChunkFree(conn, c.ID, recyclingID, idx, now)
		if err == nil {
			return nil
		}
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_UNIQUE && attempt < 8 {
			continue
		}
		return fmt.Errorf("pipeline: park chunk %s: %v", c.ID, err)
	}
}

// recyclingObject returns the synthetic object owning the free pool,
// creating the recycling bucket and object on first use.
func (p *Pipeline) recyclingObject(conn *sqlite.Conn) (*db.Object, error) {
	bucket, err := db.BucketByName(conn, recyclingBucket)
	if err != nil {
		return nil, err
	}
	if bucket == nil {
		bucket = &db.Bucket{
			ID:      uuid.NewString(),
			Name:    recyclingBucket,
			Owner:   recyclingOwner,
			Region:  recyclingRegion,
			Created: time.Now(),
		}
		if err := db.AddBucket(conn, bucket); err != nil {
			return nil, err
		}
	}

	key := "free-chunks-" + p.AccountID
	obj, err := db.ObjectByKey(conn, bucket.ID, key)
	if err != nil {
		return nil, err
	}
	if obj != nil {
		return obj, nil
	}
	now := time.Now()
	obj = &db.Object{
		ID:          uuid.NewString(),
		BucketID:    bucket.ID,
		Key:         key,
		ContentType: "application/octet-stream",
		Created:     now,
		Updated:     now,
	}
	if err := db.AddObject(conn, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Copy duplicates a source object under a new key. Dedup binds the new
// chunk rows to the source's draft UIDs, so no drafts are appended.
func (p *Pipeline) Copy(ctx context.Context, src *db.Object, destBucketID, destKey string) (*db.Object, error) {
	buf, err := p.Download(ctx, src.ID)
	if err != nil {
		return nil, fmt.Errorf("pipeline.Copy: %v", err)
	}
	data, err := io.ReadAll(buf)
	buf.Close()
	if err != nil {
		return nil, fmt.Errorf("pipeline.Copy: %v", err)
	}
	return p.Upload(ctx, destBucketID, destKey, data, src.ContentType, src.Metadata)
}

// Health probes the mail session.
func (p *Pipeline) Health(ctx context.Context) error {
	return p.Mail.HealthCheck(ctx)
}
