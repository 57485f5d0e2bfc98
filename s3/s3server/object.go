package s3server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"crawshaw.io/sqlite"
	"github.com/go-chi/chi/v5"

	"objectmail.dev/objstore/db"
)

// userMetadata collects x-amz-meta-* request headers.
func userMetadata(h http.Header) map[string]string {
	var meta map[string]string
	for name, values := range h {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, "x-amz-meta-") || len(values) == 0 {
			continue
		}
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[strings.TrimPrefix(lower, "x-amz-meta-")] = values[0]
	}
	return meta
}

func setUserMetadata(w http.ResponseWriter, meta map[string]string) {
	for k, v := range meta {
		w.Header().Set("x-amz-meta-"+k, v)
	}
}

// bucketByName is the common lookup used by the object handlers.
func (s *Server) bucketByName(conn *sqlite.Conn, name string) (*db.Bucket, error) {
	bucket, err := db.BucketByName(conn, name)
	if err != nil {
		return nil, err
	}
	if bucket == nil {
		return nil, errNoSuchBucket(name)
	}
	return bucket, nil
}

// handlePutObject implements PUT /{bucket}/{key}, dispatching to
// UploadPart (uploadId+partNumber) and CopyObject (x-amz-copy-source).
func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("uploadId") != "" && q.Get("partNumber") != "" {
		s.handleUploadPart(w, r)
		return
	}
	if src := r.Header.Get("x-amz-copy-source"); src != "" {
		s.handleCopyObject(w, r, src)
		return
	}

	if r.ContentLength < 0 {
		s.writeError(w, r, errMissingContentLength())
		return
	}

	bucketName := chi.URLParam(r, "bucket")
	key := objectKey(r)

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
	bucket, err := s.bucketByName(conn, bucketName)
	s.DB.Put(conn)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	obj, err := s.Pipeline.Upload(r.Context(), bucket.ID, key, body, contentType, userMetadata(r.Header))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("ETag", obj.ETag)
	w.Header().Set("x-amz-request-id", requestID())
	w.WriteHeader(http.StatusOK)
}

// handleGetObject implements GET /{bucket}/{key}.
func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	bucketName := chi.URLParam(r, "bucket")
	key := objectKey(r)

	conn := s.DB.Get(r.Context())
	if conn == nil {
		s.writeError(w, r, context.Canceled)
		return
	}
	bucket, err := s.bucketByName(conn, bucketName)
	if err != nil {
		s.DB.Put(conn)
		s.writeError(w, r, err)
		return
	}
	obj, err := db.ObjectByKey(conn, bucket.ID, key)
	s.DB.Put(conn)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if obj == nil {
		s.writeError(w, r, errNoSuchKey(key))
		return
	}

	buf, err := s.Pipeline.Download(r.Context(), obj.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer buf.Close()

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.Header().Set("ETag", obj.ETag)
	w.Header().Set("Last-Modified", obj.Updated.UTC().Format(http.TimeFormat))
	w.Header().Set("x-amz-request-id", requestID())
	setUserMetadata(w, obj.Metadata)
	if _, err := io.Copy(w, buf); err != nil {
		s.Logf("s3server: get %s/%s: %v", bucketName, key, err)
	}
}

// handleHeadObject implements HEAD /{bucket}/{key}.
func (s *Server) handleHeadObject(w http.ResponseWriter, r *http.Request) {
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
	obj, err := db.ObjectByKey(conn, bucket.ID, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if obj == nil {
		s.writeError(w, r, errNoSuchKey(key))
		return
	}

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.Header().Set("ETag", obj.ETag)
	w.Header().Set("Last-Modified", obj.Updated.UTC().Format(http.TimeFormat))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("x-amz-request-id", requestID())
	setUserMetadata(w, obj.Metadata)
	w.WriteHeader(http.StatusOK)
}

// handleDeleteObject implements DELETE /{bucket}/{key}, dispatching to
// AbortMultipartUpload when uploadId is present.
func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("uploadId") != "" {
		s.handleAbortMultipartUpload(w, r)
		return
	}

	bucketName := chi.URLParam(r, "bucket")
	key := objectKey(r)

	conn := s.DB.Get(r.Context())
	if conn == nil {
		s.writeError(w, r, context.Canceled)
		return
	}
	bucket, err := s.bucketByName(conn, bucketName)
	s.DB.Put(conn)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.Pipeline.DeleteByKey(r.Context(), bucket.ID, key); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCopyObject implements PUT with x-amz-copy-source: /bucket/key.
func (s *Server) handleCopyObject(w http.ResponseWriter, r *http.Request, copySource string) {
	destBucketName := chi.URLParam(r, "bucket")
	destKey := objectKey(r)

	src := strings.TrimPrefix(copySource, "/")
	srcBucketName, srcKey, ok := strings.Cut(src, "/")
	if !ok {
		s.writeError(w, r, errInvalidArgument("invalid x-amz-copy-source %q", copySource))
		return
	}

	conn := s.DB.Get(r.Context())
	if conn == nil {
		s.writeError(w, r, context.Canceled)
		return
	}
	srcBucket, err := s.bucketByName(conn, srcBucketName)
	if err != nil {
		s.DB.Put(conn)
		s.writeError(w, r, err)
		return
	}
	srcObj, err := db.ObjectByKey(conn, srcBucket.ID, srcKey)
	if err != nil {
		s.DB.Put(conn)
		s.writeError(w, r, err)
		return
	}
	if srcObj == nil {
		s.DB.Put(conn)
		s.writeError(w, r, errNoSuchKey(srcKey))
		return
	}
	destBucket, err := s.bucketByName(conn, destBucketName)
	s.DB.Put(conn)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	obj, err := s.Pipeline.Copy(r.Context(), srcObj, destBucket.ID, destKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeXML(w, &copyObjectResult{
		LastModified: amzTime(obj.Updated),
		ETag:         obj.ETag,
	})
}
