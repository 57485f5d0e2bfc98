package s3server

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"objectmail.dev/objstore/db"
)

// handleCreateBucket implements PUT /{bucket}. An optional
// CreateBucketConfiguration body can override the configured region.
func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bucket")
	if len(name) < 3 || len(name) > 63 {
		s.writeError(w, r, errInvalidBucketName("Bucket name must be between 3 and 63 characters"))
		return
	}

	region := s.Region
	if body, err := io.ReadAll(r.Body); err == nil && len(body) > 0 {
		var cfg createBucketConfiguration
		if err := xml.Unmarshal(body, &cfg); err == nil && cfg.LocationConstraint != "" {
			region = cfg.LocationConstraint
		}
	}

	conn := s.DB.Get(r.Context())
	if conn == nil {
		s.writeError(w, r, context.Canceled)
		return
	}
	defer s.DB.Put(conn)

	err := db.AddBucket(conn, &db.Bucket{
		ID:      uuid.NewString(),
		Name:    name,
		Owner:   s.AccessKeyID,
		Region:  region,
		Created: time.Now(),
	})
	if err == db.ErrBucketExists {
		s.writeError(w, r, errBucketAlreadyOwnedByYou(name))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.Logf("s3server: bucket %q created", name)
	w.Header().Set("Location", "/"+name)
	w.Header().Set("x-amz-request-id", requestID())
	w.WriteHeader(http.StatusOK)
}

// handleDeleteBucket implements DELETE /{bucket}. Only empty buckets can
// be deleted.
func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bucket")

	conn := s.DB.Get(r.Context())
	if conn == nil {
		s.writeError(w, r, context.Canceled)
		return
	}
	defer s.DB.Put(conn)

	bucket, err := db.BucketByName(conn, name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if bucket == nil {
		s.writeError(w, r, errNoSuchBucket(name))
		return
	}
	n, err := db.CountObjects(conn, bucket.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if n > 0 {
		s.writeError(w, r, errBucketNotEmpty(name))
		return
	}
	if err := db.DeleteBucket(conn, bucket.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Logf("s3server: bucket %q deleted", name)
	w.WriteHeader(http.StatusNoContent)
}

// handleHeadBucket implements HEAD /{bucket}.
func (s *Server) handleHeadBucket(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bucket")

	conn := s.DB.Get(r.Context())
	if conn == nil {
		s.writeError(w, r, context.Canceled)
		return
	}
	defer s.DB.Put(conn)

	bucket, err := db.BucketByName(conn, name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if bucket == nil {
		s.writeError(w, r, errNoSuchBucket(name))
		return
	}
	w.Header().Set("x-amz-bucket-region", bucket.Region)
	w.WriteHeader(http.StatusOK)
}

// handleListBuckets implements GET /.
func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	conn := s.DB.Get(r.Context())
	if conn == nil {
		s.writeError(w, r, context.Canceled)
		return
	}
	defer s.DB.Put(conn)

	buckets, err := db.Buckets(conn)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result := listAllMyBucketsResult{
		Owner: owner{ID: s.AccessKeyID, DisplayName: s.AccessKeyID},
	}
	for _, b := range buckets {
		result.Buckets.Bucket = append(result.Buckets.Bucket, bucketInfo{
			Name:         b.Name,
			CreationDate: amzTime(b.Created),
		})
	}
	s.writeXML(w, &result)
}

// handleListObjects implements GET /{bucket}?list-type=2 with prefix,
// delimiter, and max-keys. The delimiter is searched in the full key, the
// prefix included: a key containing it rolls up into the CommonPrefix that
// ends at its first occurrence.
func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bucket")
	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	maxKeys := 1000
	if v := q.Get("max-keys"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, errInvalidArgument("invalid max-keys %q", v))
			return
		}
		maxKeys = n
	}

	conn := s.DB.Get(r.Context())
	if conn == nil {
		s.writeError(w, r, context.Canceled)
		return
	}
	defer s.DB.Put(conn)

	bucket, err := db.BucketByName(conn, name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if bucket == nil {
		s.writeError(w, r, errNoSuchBucket(name))
		return
	}

	objects, err := db.ObjectsByPrefix(conn, bucket.ID, prefix)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var contents []objectInfo
	prefixSeen := make(map[string]bool)
	var prefixes []string
	for _, o := range objects {
		if delimiter != "" {
			// Keys carrying the delimiter roll up into a common prefix.
			if i := strings.Index(o.Key, delimiter); i >= 0 {
				cp := o.Key[:i+len(delimiter)]
				if !prefixSeen[cp] {
					prefixSeen[cp] = true
					prefixes = append(prefixes, cp)
				}
				continue
			}
		}
		contents = append(contents, objectInfo{
			Key:          o.Key,
			LastModified: amzTime(o.Updated),
			ETag:         o.ETag,
			Size:         o.Size,
			StorageClass: "STANDARD",
		})
	}

	truncated := len(contents) > maxKeys
	if truncated {
		contents = contents[:maxKeys]
	}

	result := listBucketResult{
		Name:        name,
		Prefix:      prefix,
		Delimiter:   delimiter,
		MaxKeys:     maxKeys,
		KeyCount:    len(contents),
		IsTruncated: truncated,
		Contents:    contents,
	}
	for _, p := range prefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix{Prefix: p})
	}
	s.writeXML(w, &result)
}
