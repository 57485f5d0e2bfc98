// Package db is the relational metadata store of the object mail service.
//
// The database holds only what is needed to reconstruct objects from mail
// drafts: buckets, objects, chunk placements, the mail account registry,
// and in-flight multipart uploads. The mail server owns all payload bytes.
package db

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

var (
	ErrBucketExists = fmt.Errorf("db: bucket name already exists")
	ErrObjectExists = fmt.Errorf("db: object key already exists")
)

// Chunk row states.
const (
	StatusActive = "active"
	StatusFree   = "free"
)

type Bucket struct {
	ID      string
	Name    string
	Owner   string
	Region  string
	Created time.Time
}

type Object struct {
	ID          string
	BucketID    string
	Key         string
	Size        int64
	ETag        string
	ContentType string
	Metadata    map[string]string
	ChunkCount  int64
	Created     time.Time
	Updated     time.Time
}

type Chunk struct {
	ID       string
	ObjectID string
	Index    int64
	Size     int64
	Hash     string
	DraftUID uint32
	Account  string
	Status   string
	Created  time.Time
	Updated  time.Time
}

type MailAccount struct {
	ID           string
	Provider     string
	Address      string
	IMAPHost     string
	IMAPPort     int
	Password     string
	DraftsFolder string
	StorageUsed  int64
	Created      time.Time
}

type Upload struct {
	ID          string
	BucketID    string
	Key         string
	ContentType string
	Metadata    map[string]string
	Created     time.Time
}

type UploadPart struct {
	ID         string
	UploadID   string
	PartNumber int
	Size       int64
	ETag       string
	TempPath   string
	Created    time.Time
}

// Open initializes the schema on dbfile and returns a connection pool.
func Open(dbfile string) (*sqlitex.Pool, error) {
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("db.Open: init open: %v", err)
	}
	if err := Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db.Open: init: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("db.Open: init close: %v", err)
	}
	pool, err := sqlitex.Open(dbfile, 0, 16)
	if err != nil {
		return nil, fmt.Errorf("db.Open: pool: %v", err)
	}
	return pool, nil
}

// Init applies pragmas and creates the schema.
func Init(conn *sqlite.Conn) error {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	return sqlitex.ExecScript(conn, createSQL)
}

func marshalMeta(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMeta(s string) map[string]string {
	if s == "" {
		return nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(s), &meta); err != nil {
		return nil
	}
	return meta
}

func AddBucket(conn *sqlite.Conn, b *Bucket) error {
	stmt := conn.Prep(`INSERT INTO Buckets (BucketID, Name, Owner, Region, Created)
		VALUES ($bucketID, $name, $owner, $region, $created);`)
	stmt.SetText("$bucketID", b.ID)
	stmt.SetText("$name", b.Name)
	stmt.SetText("$owner", b.Owner)
	stmt.SetText("$region", b.Region)
	stmt.SetInt64("$created", b.Created.Unix())
	if _, err := stmt.Step(); err != nil {
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_UNIQUE {
			return ErrBucketExists
		}
		return fmt.Errorf("db.AddBucket: %v", err)
	}
	return nil
}

func bucketFromStmt(stmt *sqlite.Stmt) *Bucket {
	return &Bucket{
		ID:      stmt.GetText("BucketID"),
		Name:    stmt.GetText("Name"),
		Owner:   stmt.GetText("Owner"),
		Region:  stmt.GetText("Region"),
		Created: time.Unix(stmt.GetInt64("Created"), 0),
	}
}

// BucketByName returns the named bucket, or nil if it does not exist.
func BucketByName(conn *sqlite.Conn, name string) (*Bucket, error) {
	stmt := conn.Prep(`SELECT BucketID, Name, Owner, Region, Created
		FROM Buckets WHERE Name = $name;`)
	stmt.SetText("$name", name)
	var b *Bucket
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return nil, fmt.Errorf("db.BucketByName: %v", err)
		} else if !hasRow {
			break
		}
		b = bucketFromStmt(stmt)
	}
	return b, nil
}

// BucketByID returns the bucket with the given id, or nil.
func BucketByID(conn *sqlite.Conn, id string) (*Bucket, error) {
	stmt := conn.Prep(`SELECT BucketID, Name, Owner, Region, Created
		FROM Buckets WHERE BucketID = $bucketID;`)
	stmt.SetText("$bucketID", id)
	var b *Bucket
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return nil, fmt.Errorf("db.BucketByID: %v", err)
		} else if !hasRow {
			break
		}
		b = bucketFromStmt(stmt)
	}
	return b, nil
}

// Buckets returns all buckets ordered by name.
func Buckets(conn *sqlite.Conn) ([]Bucket, error) {
	stmt := conn.Prep(`SELECT BucketID, Name, Owner, Region, Created
		FROM Buckets ORDER BY Name;`)
	var buckets []Bucket
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return nil, fmt.Errorf("db.Buckets: %v", err)
		} else if !hasRow {
			break
		}
		buckets = append(buckets, *bucketFromStmt(stmt))
	}
	return buckets, nil
}

func DeleteBucket(conn *sqlite.Conn, id string) error {
	stmt := conn.Prep(`DELETE FROM Buckets WHERE BucketID = $bucketID;`)
	stmt.SetText("$bucketID", id)
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("db.DeleteBucket: %v", err)
	}
	return nil
}

// CountObjects reports the number of objects in a bucket.
func CountObjects(conn *sqlite.Conn, bucketID string) (int64, error) {
	stmt := conn.Prep(`SELECT COUNT(*) AS N FROM Objects WHERE BucketID = $bucketID;`)
	stmt.SetText("$bucketID", bucketID)
	var n int64
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return 0, fmt.Errorf("db.CountObjects: %v", err)
		} else if !hasRow {
			break
		}
		n = stmt.GetInt64("N")
	}
	return n, nil
}

func AddObject(conn *sqlite.Conn, o *Object) error {
	meta, err := marshalMeta(o.Metadata)
	if err != nil {
		return fmt.Errorf("db.AddObject: %v", err)
	}
	stmt := conn.Prep(`INSERT INTO Objects (
			ObjectID, BucketID, Key, Size, ETag, ContentType, Metadata, ChunkCount, Created, Updated
		) VALUES (
			$objectID, $bucketID, $key, $size, $etag, $contentType, $metadata, $chunkCount, $created, $updated
		);`)
	stmt.SetText("$objectID", o.ID)
	stmt.SetText("$bucketID", o.BucketID)
	stmt.SetText("$key", o.Key)
	stmt.SetInt64("$size", o.Size)
	stmt.SetText("$etag", o.ETag)
	stmt.SetText("$contentType", o.ContentType)
	stmt.SetText("$metadata", meta)
	stmt.SetInt64("$chunkCount", o.ChunkCount)
	stmt.SetInt64("$created", o.Created.Unix())
	stmt.SetInt64("$updated", o.Updated.Unix())
	if _, err := stmt.Step(); err != nil {
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_UNIQUE {
			return ErrObjectExists
		}
		return fmt.Errorf("db.AddObject: %v", err)
	}
	return nil
}

func objectFromStmt(stmt *sqlite.Stmt) *Object {
	return &Object{
		ID:          stmt.GetText("ObjectID"),
		BucketID:    stmt.GetText("BucketID"),
		Key:         stmt.GetText("Key"),
		Size:        stmt.GetInt64("Size"),
		ETag:        stmt.GetText("ETag"),
		ContentType: stmt.GetText("ContentType"),
		Metadata:    unmarshalMeta(stmt.GetText("Metadata")),
		ChunkCount:  stmt.GetInt64("ChunkCount"),
		Created:     time.Unix(stmt.GetInt64("Created"), 0),
		Updated:     time.Unix(stmt.GetInt64("Updated"), 0),
	}
}

const objectCols = `ObjectID, BucketID, Key, Size, ETag, ContentType, Metadata, ChunkCount, Created, Updated`

// ObjectByKey returns the live object at (bucketID, key), or nil.
func ObjectByKey(conn *sqlite.Conn, bucketID, key string) (*Object, error) {
	stmt := conn.Prep(`SELECT ` + objectCols + ` FROM Objects
		WHERE BucketID = $bucketID AND Key = $key;`)
	stmt.SetText("$bucketID", bucketID)
	stmt.SetText("$key", key)
	var o *Object
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return nil, fmt.Errorf("db.ObjectByKey: %v", err)
		} else if !hasRow {
			break
		}
		o = objectFromStmt(stmt)
	}
	return o, nil
}

// ObjectByID returns the object with the given id, or nil.
func ObjectByID(conn *sqlite.Conn, id string) (*Object, error) {
	stmt := conn.Prep(`SELECT ` + objectCols + ` FROM Objects WHERE ObjectID = $objectID;`)
	stmt.SetText("$objectID", id)
	var o *Object
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return nil, fmt.Errorf("db.ObjectByID: %v", err)
		} else if !hasRow {
			break
		}
		o = objectFromStmt(stmt)
	}
	return o, nil
}

// ObjectsByPrefix returns the bucket's objects whose keys start with
// prefix, ordered by key. An empty prefix matches everything.
func ObjectsByPrefix(conn *sqlite.Conn, bucketID, prefix string) ([]Object, error) {
	stmt := conn.Prep(`SELECT ` + objectCols + ` FROM Objects
		WHERE BucketID = $bucketID ORDER BY Key;`)
	stmt.SetText("$bucketID", bucketID)
	var objects []Object
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return nil, fmt.Errorf("db.ObjectsByPrefix: %v", err)
		} else if !hasRow {
			break
		}
		o := objectFromStmt(stmt)
		if prefix != "" && !strings.HasPrefix(o.Key, prefix) {
			continue
		}
		objects = append(objects, *o)
	}
	return objects, nil
}

func DeleteObject(conn *sqlite.Conn, id string) error {
	stmt := conn.Prep(`DELETE FROM Objects WHERE ObjectID = $objectID;`)
	stmt.SetText("$objectID", id)
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("db.DeleteObject: %v", err)
	}
	return nil
}

func AddChunk(conn *sqlite.Conn, c *Chunk) error {
	stmt := conn.Prep(`INSERT INTO Chunks (
			ChunkID, ObjectID, ChunkIndex, Size, Hash, DraftUID, AccountID, Status, Created, Updated
		) VALUES (
			$chunkID, $objectID, $chunkIndex, $size, $hash, $draftUID, $accountID, $status, $created, $updated
		);`)
	stmt.SetText("$chunkID", c.ID)
	stmt.SetText("$objectID", c.ObjectID)
	stmt.SetInt64("$chunkIndex", c.Index)
	stmt.SetInt64("$size", c.Size)
	stmt.SetText("$hash", c.Hash)
	stmt.SetInt64("$draftUID", int64(c.DraftUID))
	stmt.SetText("$accountID", c.Account)
	stmt.SetText("$status", c.Status)
	stmt.SetInt64("$created", c.Created.Unix())
	stmt.SetInt64("$updated", c.Updated.Unix())
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("db.AddChunk: %v", err)
	}
	return nil
}

func chunkFromStmt(stmt *sqlite.Stmt) *Chunk {
	return &Chunk{
		ID:       stmt.GetText("ChunkID"),
		ObjectID: stmt.GetText("ObjectID"),
		Index:    stmt.GetInt64("ChunkIndex"),
		Size:     stmt.GetInt64("Size"),
		Hash:     stmt.GetText("Hash"),
		DraftUID: uint32(stmt.GetInt64("DraftUID")),
		Account:  stmt.GetText("AccountID"),
		Status:   stmt.GetText("Status"),
		Created:  time.Unix(stmt.GetInt64("Created"), 0),
		Updated:  time.Unix(stmt.GetInt64("Updated"), 0),
	}
}

const chunkCols = `ChunkID, ObjectID, ChunkIndex, Size, Hash, DraftUID, AccountID, Status, Created, Updated`

// ChunksByObject returns the object's chunks ordered by index.
func ChunksByObject(conn *sqlite.Conn, objectID string) ([]Chunk, error) {
	stmt := conn.Prep(`SELECT ` + chunkCols + ` FROM Chunks
		WHERE ObjectID = $objectID ORDER BY ChunkIndex;`)
	stmt.SetText("$objectID", objectID)
	var chunks []Chunk
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return nil, fmt.Errorf("db.ChunksByObject: %v", err)
		} else if !hasRow {
			break
		}
		chunks = append(chunks, *chunkFromStmt(stmt))
	}
	return chunks, nil
}

// ActiveChunkByHash returns any active chunk with the given payload hash,
// or nil. This is the dedup probe.
func ActiveChunkByHash(conn *sqlite.Conn, hash string) (*Chunk, error) {
	stmt := conn.Prep(`SELECT ` + chunkCols + ` FROM Chunks
		WHERE Hash = $hash AND Status = $status LIMIT 1;`)
	stmt.SetText("$hash", hash)
	stmt.SetText("$status", StatusActive)
	var c *Chunk
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return nil, fmt.Errorf("db.ActiveChunkByHash: %v", err)
		} else if !hasRow {
			break
		}
		c = chunkFromStmt(stmt)
	}
	return c, nil
}

// CountOtherActiveByHash reports how many active chunks share hash but
// belong to a different object.
func CountOtherActiveByHash(conn *sqlite.Conn, hash, objectID string) (int64, error) {
	stmt := conn.Prep(`SELECT COUNT(*) AS N FROM Chunks
		WHERE Hash = $hash AND Status = $status AND ObjectID <> $objectID;`)
	stmt.SetText("$hash", hash)
	stmt.SetText("$status", StatusActive)
	stmt.SetText("$objectID", objectID)
	var n int64
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return 0, fmt.Errorf("db.CountOtherActiveByHash: %v", err)
		} else if !hasRow {
			break
		}
		n = stmt.GetInt64("N")
	}
	return n, nil
}

// AnyFreeChunk returns an arbitrary chunk from the free pool, or nil.
func AnyFreeChunk(conn *sqlite.Conn) (*Chunk, error) {
	stmt := conn.Prep(`SELECT ` + chunkCols + ` FROM Chunks
		WHERE Status = $status LIMIT 1;`)
	stmt.SetText("$status", StatusFree)
	var c *Chunk
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return nil, fmt.Errorf("db.AnyFreeChunk: %v", err)
		} else if !hasRow {
			break
		}
		c = chunkFromStmt(stmt)
	}
	return c, nil
}

// MarkChunkFree re-parents a chunk to the recycling object under a
// synthetic index and flips its status to free. A colliding index
// surfaces as SQLITE_CONSTRAINT_UNIQUE for the caller to retry.
func MarkChunkFree(conn *sqlite.Conn, chunkID, recyclingObjectID string, index int64, now time.Time) error {
	stmt := conn.Prep(`UPDATE Chunks
		SET ObjectID = $objectID, ChunkIndex = $chunkIndex, Status = $status, Updated = $updated
		WHERE ChunkID = $chunkID;`)
	stmt.SetText("$objectID", recyclingObjectID)
	stmt.SetInt64("$chunkIndex", index)
	stmt.SetText("$status", StatusFree)
	stmt.SetInt64("$updated", now.Unix())
	stmt.SetText("$chunkID", chunkID)
	if _, err := stmt.Step(); err != nil {
		return err
	}
	return nil
}

func DeleteChunk(conn *sqlite.Conn, chunkID string) error {
	stmt := conn.Prep(`DELETE FROM Chunks WHERE ChunkID = $chunkID;`)
	stmt.SetText("$chunkID", chunkID)
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("db.DeleteChunk: %v", err)
	}
	return nil
}

func DeleteChunksByObject(conn *sqlite.Conn, objectID string) error {
	stmt := conn.Prep(`DELETE FROM Chunks WHERE ObjectID = $objectID;`)
	stmt.SetText("$objectID", objectID)
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("db.DeleteChunksByObject: %v", err)
	}
	return nil
}

// EnsureAccount returns the id of the account registered for a.Address,
// inserting a if no such account exists yet.
func EnsureAccount(conn *sqlite.Conn, a *MailAccount) (string, error) {
	stmt := conn.Prep(`SELECT AccountID FROM MailAccounts WHERE Address = $address;`)
	stmt.SetText("$address", a.Address)
	id := ""
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return "", fmt.Errorf("db.EnsureAccount: %v", err)
		} else if !hasRow {
			break
		}
		id = stmt.GetText("AccountID")
	}
	if id != "" {
		return id, nil
	}

	stmt = conn.Prep(`INSERT INTO MailAccounts (
			AccountID, Provider, Address, IMAPHost, IMAPPort, Password, DraftsFolder, StorageUsed, Created
		) VALUES (
			$accountID, $provider, $address, $imapHost, $imapPort, $password, $draftsFolder, 0, $created
		);`)
	stmt.SetText("$accountID", a.ID)
	stmt.SetText("$provider", a.Provider)
	stmt.SetText("$address", a.Address)
	stmt.SetText("$imapHost", a.IMAPHost)
	stmt.SetInt64("$imapPort", int64(a.IMAPPort))
	stmt.SetText("$password", a.Password)
	stmt.SetText("$draftsFolder", a.DraftsFolder)
	stmt.SetInt64("$created", a.Created.Unix())
	if _, err := stmt.Step(); err != nil {
		return "", fmt.Errorf("db.EnsureAccount: %v", err)
	}
	return a.ID, nil
}

// AddStorageUsed adjusts the account's byte accounting by delta, which may
// be negative.
func AddStorageUsed(conn *sqlite.Conn, accountID string, delta int64) error {
	stmt := conn.Prep(`UPDATE MailAccounts SET StorageUsed = StorageUsed + $delta
		WHERE AccountID = $accountID;`)
	stmt.SetInt64("$delta", delta)
	stmt.SetText("$accountID", accountID)
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("db.AddStorageUsed: %v", err)
	}
	return nil
}

func AddUpload(conn *sqlite.Conn, u *Upload) error {
	meta, err := marshalMeta(u.Metadata)
	if err != nil {
		return fmt.Errorf("db.AddUpload: %v", err)
	}
	stmt := conn.Prep(`INSERT INTO Uploads (UploadID, BucketID, Key, ContentType, Metadata, Created)
		VALUES ($uploadID, $bucketID, $key, $contentType, $metadata, $created);`)
	stmt.SetText("$uploadID", u.ID)
	stmt.SetText("$bucketID", u.BucketID)
	stmt.SetText("$key", u.Key)
	stmt.SetText("$contentType", u.ContentType)
	stmt.SetText("$metadata", meta)
	stmt.SetInt64("$created", u.Created.Unix())
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("db.AddUpload: %v", err)
	}
	return nil
}

// UploadByID returns the multipart upload with the given id, or nil.
func UploadByID(conn *sqlite.Conn, id string) (*Upload, error) {
	stmt := conn.Prep(`SELECT UploadID, BucketID, Key, ContentType, Metadata, Created
		FROM Uploads WHERE UploadID = $uploadID;`)
	stmt.SetText("$uploadID", id)
	var u *Upload
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return nil, fmt.Errorf("db.UploadByID: %v", err)
		} else if !hasRow {
			break
		}
		u = &Upload{
			ID:          stmt.GetText("UploadID"),
			BucketID:    stmt.GetText("BucketID"),
			Key:         stmt.GetText("Key"),
			ContentType: stmt.GetText("ContentType"),
			Metadata:    unmarshalMeta(stmt.GetText("Metadata")),
			Created:     time.Unix(stmt.GetInt64("Created"), 0),
		}
	}
	return u, nil
}

func DeleteUpload(conn *sqlite.Conn, id string) error {
	stmt := conn.Prep(`DELETE FROM Uploads WHERE UploadID = $uploadID;`)
	stmt.SetText("$uploadID", id)
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("db.DeleteUpload: %v", err)
	}
	return nil
}

// PutPart records an uploaded part, replacing any previous part with the
// same number (overwrite semantics).
func PutPart(conn *sqlite.Conn, p *UploadPart) error {
	stmt := conn.Prep(`DELETE FROM UploadParts
		WHERE UploadID = $uploadID AND PartNumber = $partNumber;`)
	stmt.SetText("$uploadID", p.UploadID)
	stmt.SetInt64("$partNumber", int64(p.PartNumber))
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("db.PutPart: %v", err)
	}

	stmt = conn.Prep(`INSERT INTO UploadParts (PartID, UploadID, PartNumber, Size, ETag, TempPath, Created)
		VALUES ($partID, $uploadID, $partNumber, $size, $etag, $tempPath, $created);`)
	stmt.SetText("$partID", p.ID)
	stmt.SetText("$uploadID", p.UploadID)
	stmt.SetInt64("$partNumber", int64(p.PartNumber))
	stmt.SetInt64("$size", p.Size)
	stmt.SetText("$etag", p.ETag)
	stmt.SetText("$tempPath", p.TempPath)
	stmt.SetInt64("$created", p.Created.Unix())
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("db.PutPart: %v", err)
	}
	return nil
}

// PartsByUpload returns the upload's parts ordered by part number.
func PartsByUpload(conn *sqlite.Conn, uploadID string) ([]UploadPart, error) {
	stmt := conn.Prep(`SELECT PartID, UploadID, PartNumber, Size, ETag, TempPath, Created
		FROM UploadParts WHERE UploadID = $uploadID ORDER BY PartNumber;`)
	stmt.SetText("$uploadID", uploadID)
	var parts []UploadPart
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return nil, fmt.Errorf("db.PartsByUpload: %v", err)
		} else if !hasRow {
			break
		}
		parts = append(parts, UploadPart{
			ID:         stmt.GetText("PartID"),
			UploadID:   stmt.GetText("UploadID"),
			PartNumber: int(stmt.GetInt64("PartNumber")),
			Size:       stmt.GetInt64("Size"),
			ETag:       stmt.GetText("ETag"),
			TempPath:   stmt.GetText("TempPath"),
			Created:    time.Unix(stmt.GetInt64("Created"), 0),
		})
	}
	return parts, nil
}

func DeletePartsByUpload(conn *sqlite.Conn, uploadID string) error {
	stmt := conn.Prep(`DELETE FROM UploadParts WHERE UploadID = $uploadID;`)
	stmt.SetText("$uploadID", uploadID)
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("db.DeletePartsByUpload: %v", err)
	}
	return nil
}
