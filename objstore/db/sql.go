package db

const createSQL = `
PRAGMA auto_vacuum = INCREMENTAL;

CREATE TABLE IF NOT EXISTS Buckets (
	BucketID TEXT PRIMARY KEY, -- UUID
	Name     TEXT NOT NULL UNIQUE,
	Owner    TEXT NOT NULL,
	Region   TEXT NOT NULL,
	Created  INTEGER NOT NULL -- time.Unix
);

CREATE TABLE IF NOT EXISTS Objects (
	ObjectID    TEXT PRIMARY KEY, -- UUID
	BucketID    TEXT NOT NULL,
	Key         TEXT NOT NULL,
	Size        INTEGER NOT NULL,
	ETag        TEXT NOT NULL,
	ContentType TEXT NOT NULL,
	Metadata    TEXT,             -- JSON object of x-amz-meta-* pairs
	ChunkCount  INTEGER NOT NULL,
	Created     INTEGER NOT NULL, -- time.Unix
	Updated     INTEGER NOT NULL, -- time.Unix

	UNIQUE(BucketID, Key),
	FOREIGN KEY(BucketID) REFERENCES Buckets(BucketID)
);

-- Chunks map object slices onto mail drafts. A row is a weak reference:
-- the mail server owns the bytes, DraftUID names them.
CREATE TABLE IF NOT EXISTS Chunks (
	ChunkID    TEXT PRIMARY KEY, -- UUID
	ObjectID   TEXT NOT NULL,
	ChunkIndex INTEGER NOT NULL,
	Size       INTEGER NOT NULL,
	Hash       TEXT NOT NULL,    -- hex SHA-256 of the draft attachment
	DraftUID   INTEGER NOT NULL, -- IMAP UID in the account drafts folder
	AccountID  TEXT NOT NULL,
	Status     TEXT NOT NULL,    -- "active" or "free"
	Created    INTEGER NOT NULL, -- time.Unix
	Updated    INTEGER NOT NULL, -- time.Unix

	UNIQUE(ObjectID, ChunkIndex),
	FOREIGN KEY(ObjectID) REFERENCES Objects(ObjectID),
	FOREIGN KEY(AccountID) REFERENCES MailAccounts(AccountID)
);

-- Dedup probes by hash and recycling probes by status are hot.
CREATE INDEX IF NOT EXISTS ChunksHash ON Chunks (Hash);
CREATE INDEX IF NOT EXISTS ChunksStatus ON Chunks (Status);

CREATE TABLE IF NOT EXISTS MailAccounts (
	AccountID    TEXT PRIMARY KEY, -- UUID
	Provider     TEXT NOT NULL,
	Address      TEXT NOT NULL UNIQUE,
	IMAPHost     TEXT NOT NULL,
	IMAPPort     INTEGER NOT NULL,
	Password     TEXT NOT NULL,
	DraftsFolder TEXT NOT NULL,
	StorageUsed  INTEGER NOT NULL,
	Created      INTEGER NOT NULL -- time.Unix
);

CREATE TABLE IF NOT EXISTS Uploads (
	UploadID    TEXT PRIMARY KEY, -- UUID
	BucketID    TEXT NOT NULL,
	Key         TEXT NOT NULL,
	ContentType TEXT,
	Metadata    TEXT,             -- JSON object of x-amz-meta-* pairs
	Created     INTEGER NOT NULL, -- time.Unix

	FOREIGN KEY(BucketID) REFERENCES Buckets(BucketID)
);

-- UploadParts spool to the temp dir between UploadPart and Complete.
CREATE TABLE IF NOT EXISTS UploadParts (
	PartID     TEXT PRIMARY KEY, -- UUID
	UploadID   TEXT NOT NULL,
	PartNumber INTEGER NOT NULL,
	Size       INTEGER NOT NULL,
	ETag       TEXT NOT NULL,
	TempPath   TEXT,
	Created    INTEGER NOT NULL, -- time.Unix

	UNIQUE(UploadID, PartNumber),
	FOREIGN KEY(UploadID) REFERENCES Uploads(UploadID)
);
`
