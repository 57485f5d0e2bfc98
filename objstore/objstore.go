// Package objstore assembles the object mail service: the metadata
// database, the IMAP draft store, the storage pipeline, and the S3 HTTP
// surface.
package objstore

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/google/uuid"

	"objectmail.dev/imap/imapdrafts"
	"objectmail.dev/objstore/db"
	"objectmail.dev/objstore/pipeline"
	"objectmail.dev/s3/s3server"
)

type Config struct {
	DBFile    string // sqlite database path or URI
	ChunkSize int64  // bytes per chunk
	TempDir   string // multipart part spool

	AccessKeyID     string
	SecretAccessKey string
	Region          string

	Provider     string // mail provider tag, e.g. "gmail"
	Address      string
	Password     string
	IMAPHost     string
	IMAPPort     int
	DraftsFolder string
}

type Server struct {
	Filer    *iox.Filer
	DB       *sqlitex.Pool
	Mail     *imapdrafts.Client
	Pipeline *pipeline.Pipeline
	S3       *s3server.Server
	Logf     func(format string, v ...interface{})

	httpServer *http.Server
}

// New opens the database, registers the configured mail account, and
// wires the pipeline and S3 surface together.
func New(filer *iox.Filer, cfg Config) (*Server, error) {
	if filer == nil {
		filer = iox.NewFiler(0)
	}
	s := &Server{
		Filer: filer,
		Logf:  log.Printf,
	}

	var err error
	s.DB, err = db.Open(cfg.DBFile)
	if err != nil {
		return nil, fmt.Errorf("objstore: %v", err)
	}

	conn := s.DB.Get(context.Background())
	accountID, err := db.EnsureAccount(conn, &db.MailAccount{
		ID:           uuid.NewString(),
		Provider:     cfg.Provider,
		Address:      cfg.Address,
		IMAPHost:     cfg.IMAPHost,
		IMAPPort:     cfg.IMAPPort,
		Password:     cfg.Password,
		DraftsFolder: cfg.DraftsFolder,
		Created:      time.Now(),
	})
	s.DB.Put(conn)
	if err != nil {
		s.DB.Close()
		return nil, fmt.Errorf("objstore: register account: %v", err)
	}

	s.Mail = imapdrafts.New(cfg.IMAPHost, cfg.IMAPPort, cfg.Address, cfg.Password, cfg.DraftsFolder)
	s.Mail.Logf = func(format string, v ...interface{}) { s.Logf(format, v...) }

	s.Pipeline = pipeline.New(s.DB, s.Mail, filer, accountID, cfg.ChunkSize)
	s.Pipeline.Logf = func(format string, v ...interface{}) { s.Logf(format, v...) }

	s.S3 = s3server.New(s.DB, s.Pipeline, filer)
	s.S3.AccessKeyID = cfg.AccessKeyID
	s.S3.SecretAccessKey = cfg.SecretAccessKey
	s.S3.Region = cfg.Region
	s.S3.TempDir = cfg.TempDir
	s.S3.Logf = func(format string, v ...interface{}) { s.Logf(format, v...) }

	return s, nil
}

// Serve runs the S3 API on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.S3.Handler()}
	s.Logf("objstore: S3 API serving on %s", ln.Addr())
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("objstore: %v", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.Logf("objstore: shutdown started")
	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.Mail.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.DB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.Logf("objstore: shutdown complete")
	return firstErr
}
