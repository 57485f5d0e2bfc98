package s3server

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"objectmail.dev/hasher"
	"objectmail.dev/objstore/db"
)

// handlePostObject dispatches POST /{bucket}/{key} between
// CreateMultipartUpload (?uploads) and CompleteMultipartUpload (?uploadId).
func (s *Server) handlePostObject(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Has("uploads"):
		s.handleCreateMultipartUpload(w, r)
	case q.Get("uploadId") != "":
		s.handleCompleteMultipartUpload(w, r)
	default:
		s.writeError(w, r, errInvalidRequest("Invalid POST request"))
	}
}

// handleCreateMultipartUpload implements POST /{bucket}/{key}?uploads.
func (s *Server) handleCreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucketName := chi.URLParam(r, "bucket")
	key := objectKey(r)

	conn := s.DB.Get(r.Context())
	if conn == nil {
		s.writeError(w, r, context.Canceled)
		return
	}
	defer s.DB.Put(conn)

	bucket, err := s.bucketByName(conn, bucketName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	upload := &db.Upload{
		ID:          uuid.NewString(),
		BucketID:    bucket.ID,
		Key:         key,
		ContentType: contentType,
		Metadata:    userMetadata(r.Header),
		Created:     time.Now(),
	}
	if err := db.AddUpload(conn, upload); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeXML(w, &initiateMultipartUploadResult{
		Bucket:   bucketName,
		Key:      key,
		UploadID: upload.ID,
	})
}

// handleUploadPart implements PUT /{bucket}/{key}?partNumber=&uploadId=.
// The part payload is spooled to the temp dir until Complete or Abort.
func (s *Server) handleUploadPart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	uploadID := q.Get("uploadId")
	partNumber, err := parsePartNumber(q.Get("partNumber"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn := s.DB.Get(r.Context())
	if conn == nil {
		s.writeError(w, r, context.Canceled)
		return
	}
	defer s.DB.Put(conn)

	upload, err := db.UploadByID(conn, uploadID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if upload == nil {
		s.writeError(w, r, errNoSuchUpload(uploadID))
		return
	}

	if err := os.MkdirAll(s.TempDir, 0770); err != nil {
		s.writeError(w, r, err)
		return
	}
	tempPath := filepath.Join(s.TempDir, fmt.Sprintf("%s-%d", uploadID, partNumber))
	if err := os.WriteFile(tempPath, body, 0660); err != nil {
		s.writeError(w, r, err)
		return
	}

	etag := hasher.ETag(body)
	err = db.PutPart(conn, &db.UploadPart{
		ID:         uuid.NewString(),
		UploadID:   uploadID,
		PartNumber: partNumber,
		Size:       int64(len(body)),
		ETag:       etag,
		TempPath:   tempPath,
		Created:    time.Now(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.Logf("s3server: part %d of upload %s received (%d bytes)", partNumber, uploadID, len(body))
	w.Header().Set("ETag", etag)
	w.Header().Set("x-amz-request-id", requestID())
	w.WriteHeader(http.StatusOK)
}

func parsePartNumber(v string) (int, error) {
	if v == "" {
		return 0, errInvalidArgument("Missing partNumber")
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n < 1 {
		return 0, errInvalidArgument("invalid partNumber %q", v)
	}
	return n, nil
}

// handleCompleteMultipartUpload implements POST /{bucket}/{key}?uploadId=.
// Requested parts must be strictly ascending by part number.
func (s *Server) handleCompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucketName := chi.URLParam(r, "bucket")
	key := objectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req completeMultipartUpload
	if err := xml.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, errMalformedXML("cannot parse CompleteMultipartUpload: %v", err))
		return
	}
	for i := 1; i < len(req.Parts); i++ {
		if req.Parts[i-1].PartNumber >= req.Parts[i].PartNumber {
			s.writeError(w, r, errInvalidPartOrder())
			return
		}
	}

	conn := s.DB.Get(r.Context())
	if conn == nil {
		s.writeError(w, r, context.Canceled)
		return
	}

	upload, err := db.UploadByID(conn, uploadID)
	if err != nil {
		s.DB.Put(conn)
		s.writeError(w, r, err)
		return
	}
	if upload == nil {
		s.DB.Put(conn)
		s.writeError(w, r, errNoSuchUpload(uploadID))
		return
	}
	stored, err := db.PartsByUpload(conn, uploadID)
	s.DB.Put(conn)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	byNumber := make(map[int]*db.UploadPart, len(stored))
	for i := range stored {
		byNumber[stored[i].PartNumber] = &stored[i]
	}

	// Reassemble the full payload from the spooled parts.
	buf := s.Filer.BufferFile(0)
	defer buf.Close()
	for _, part := range req.Parts {
		p := byNumber[part.PartNumber]
		if p == nil {
			s.writeError(w, r, errInvalidPart("Part %d not found", part.PartNumber))
			return
		}
		data, err := os.ReadFile(p.TempPath)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("s3server: read part %d: %v", part.PartNumber, err))
			return
		}
		if _, err := buf.Write(data); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if _, err := buf.Seek(0, io.SeekStart); err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := io.ReadAll(buf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	obj, err := s.Pipeline.Upload(r.Context(), upload.BucketID, upload.Key, data, upload.ContentType, upload.Metadata)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.cleanupUpload(r.Context(), uploadID, stored)

	s.writeXML(w, &completeMultipartUploadResult{
		Location: "/" + bucketName + "/" + key,
		Bucket:   bucketName,
		Key:      key,
		ETag:     obj.ETag,
	})
}

// handleAbortMultipartUpload implements DELETE /{bucket}/{key}?uploadId=.
func (s *Server) handleAbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := r.URL.Query().Get("uploadId")

	conn := s.DB.Get(r.Context())
	if conn == nil {
		s.writeError(w, r, context.Canceled)
		return
	}
	parts, err := db.PartsByUpload(conn, uploadID)
	s.DB.Put(conn)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.cleanupUpload(r.Context(), uploadID, parts)
	w.WriteHeader(http.StatusNoContent)
}

// cleanupUpload removes spooled part files and the upload's rows.
func (s *Server) cleanupUpload(ctx context.Context, uploadID string, parts []db.UploadPart) {
	for _, p := range parts {
		if p.TempPath != "" {
			if err := os.Remove(p.TempPath); err != nil && !os.IsNotExist(err) {
				s.Logf("s3server: remove part spool %s: %v", p.TempPath, err)
			}
		}
	}
	conn := s.DB.Get(ctx)
	if conn == nil {
		return
	}
	defer s.DB.Put(conn)
	if err := db.DeletePartsByUpload(conn, uploadID); err != nil {
		s.Logf("s3server: %v", err)
	}
	if err := db.DeleteUpload(conn, uploadID); err != nil {
		s.Logf("s3server: %v", err)
	}
}
