// Package manifest encodes chunk placement metadata into a mail Subject
// header, making every stored draft self-describing. A mailbox full of
// drafts can be resolved back into buckets and objects from the subjects
// alone, so the manifest is the recovery ground truth if the metadata
// database is lost.
//
// Wire format: the literal prefix "OBJMAIL:" followed by the unpadded
// URL-safe base64 of a JSON object.
package manifest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Prefix marks a subject as carrying an encoded manifest.
const Prefix = "OBJMAIL:"

// Version is the current manifest schema version.
const Version = 1

var (
	ErrMalformedSubject   = errors.New("manifest: malformed subject")
	ErrUnsupportedVersion = errors.New("manifest: unsupported schema version")
)

// A Manifest describes where one chunk belongs.
type Manifest struct {
	V           int    `json:"v"`
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	ChunkIndex  uint32 `json:"chunk_idx"`
	TotalChunks uint32 `json:"total_chunks"`
	ObjectID    string `json:"object_id"`
	ChunkHash   string `json:"chunk_hash"`
	TotalSize   uint64 `json:"total_size"`
	ContentType string `json:"content_type"`
}

// EncodeSubject renders m as a Subject header value.
func (m *Manifest) EncodeSubject() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("manifest.EncodeSubject: %v", err)
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeSubject parses a Subject header value produced by EncodeSubject.
// It returns ErrMalformedSubject if the prefix is absent, the base64 is
// invalid, or the JSON lacks any field, and ErrUnsupportedVersion for a
// schema version other than Version.
func DecodeSubject(subject string) (*Manifest, error) {
	encoded, ok := strings.CutPrefix(subject, Prefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrMalformedSubject, Prefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSubject, err)
	}

	// Decode through pointer fields so absent keys are distinguishable
	// from zero values.
	var aux struct {
		V           *int    `json:"v"`
		Bucket      *string `json:"bucket"`
		Key         *string `json:"key"`
		ChunkIndex  *uint32 `json:"chunk_idx"`
		TotalChunks *uint32 `json:"total_chunks"`
		ObjectID    *string `json:"object_id"`
		ChunkHash   *string `json:"chunk_hash"`
		TotalSize   *uint64 `json:"total_size"`
		ContentType *string `json:"content_type"`
	}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSubject, err)
	}
	if aux.V == nil || aux.Bucket == nil || aux.Key == nil ||
		aux.ChunkIndex == nil || aux.TotalChunks == nil || aux.ObjectID == nil ||
		aux.ChunkHash == nil || aux.TotalSize == nil || aux.ContentType == nil {
		return nil, fmt.Errorf("%w: incomplete manifest", ErrMalformedSubject)
	}
	if *aux.V != Version {
		return nil, fmt.Errorf("%w: v=%d", ErrUnsupportedVersion, *aux.V)
	}
	return &Manifest{
		V:           *aux.V,
		Bucket:      *aux.Bucket,
		Key:         *aux.Key,
		ChunkIndex:  *aux.ChunkIndex,
		TotalChunks: *aux.TotalChunks,
		ObjectID:    *aux.ObjectID,
		ChunkHash:   *aux.ChunkHash,
		TotalSize:   *aux.TotalSize,
		ContentType: *aux.ContentType,
	}, nil
}
