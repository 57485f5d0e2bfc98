// Package s3server exposes the object store through the S3 REST API.
//
// Requests carrying an Authorization header are verified with SigV4;
// component errors are lifted into S3 XML error bodies here and nowhere
// else.
package s3server

import (
	"log"
	"net/http"
	"net/url"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"objectmail.dev/objstore/pipeline"
	"objectmail.dev/s3/sigv4"
)

// Server handles the S3 wire surface. Metadata reads go straight to the
// database; anything touching payload bytes goes through the Pipeline.
type Server struct {
	DB       *sqlitex.Pool
	Pipeline *pipeline.Pipeline
	Filer    *iox.Filer

	AccessKeyID     string
	SecretAccessKey string
	Region          string
	TempDir         string // multipart part spool

	Logf func(format string, v ...interface{})
}

func New(dbpool *sqlitex.Pool, p *pipeline.Pipeline, filer *iox.Filer) *Server {
	return &Server{
		DB:       dbpool,
		Pipeline: p,
		Filer:    filer,
		Logf:     log.Printf,
	}
}

// Handler builds the router. The STS endpoint (POST /) stays outside the
// SigV4 filter: clients use it to obtain the credentials they later sign
// with.
func (s *Server) Handler() http.Handler {
	verifier := &sigv4.Verifier{
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
	}

	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.Post("/", s.handleSTS)

	r.Group(func(r chi.Router) {
		r.Use(verifier.Middleware(s.writeError))

		r.Get("/", s.handleListBuckets)

		r.Put("/{bucket}", s.handleCreateBucket)
		r.Put("/{bucket}/", s.handleCreateBucket)
		r.Delete("/{bucket}", s.handleDeleteBucket)
		r.Delete("/{bucket}/", s.handleDeleteBucket)
		r.Head("/{bucket}", s.handleHeadBucket)
		r.Head("/{bucket}/", s.handleHeadBucket)
		r.Get("/{bucket}", s.handleListObjects)
		r.Get("/{bucket}/", s.handleListObjects)

		r.Put("/{bucket}/*", s.handlePutObject)
		r.Get("/{bucket}/*", s.handleGetObject)
		r.Head("/{bucket}/*", s.handleHeadObject)
		r.Delete("/{bucket}/*", s.handleDeleteObject)
		r.Post("/{bucket}/*", s.handlePostObject)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Logf("s3server: %s %s", r.Method, r.URL.RequestURI())
		next.ServeHTTP(w, r)
	})
}

// objectKey extracts the object key from the wildcard route segment.
func objectKey(r *http.Request) string {
	raw := chi.URLParam(r, "*")
	if key, err := url.PathUnescape(raw); err == nil {
		return key
	}
	return raw
}

func requestID() string {
	return uuid.NewString()
}
