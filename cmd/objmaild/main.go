// Command objmaild serves an S3-compatible object store backed by an IMAP
// mailbox. Flags default from the environment, so it can be configured
// either way.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"crawshaw.io/iox"

	"objectmail.dev/objstore"
)

var version = "unknown" // filled in by "-ldflags=-X main.version=<val>"

func envOr(name, value string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return value
}

func main() {
	log.SetFlags(0)

	flagHost := flag.String("host", envOr("SERVER_HOST", "0.0.0.0"), "S3 API listen host")
	flagPort := flag.String("port", envOr("SERVER_PORT", "3000"), "S3 API listen port")
	flagDB := flag.String("db", os.Getenv("DATABASE_URL"), "sqlite database path (required)")
	flagChunkMB := flag.String("chunk_size_mb", envOr("STORAGE_CHUNK_SIZE_MB", "18"), "chunk size in MiB")
	flagTempDir := flag.String("temp_dir", envOr("STORAGE_TEMP_DIR", "./tmp"), "multipart spool directory")
	flagAccessKey := flag.String("access_key_id", envOr("S3_ACCESS_KEY_ID", "objectmail"), "S3 access key id")
	flagSecretKey := flag.String("secret_access_key", envOr("S3_SECRET_ACCESS_KEY", "objectmail-secret-key"), "S3 secret access key")
	flagRegion := flag.String("region", envOr("S3_REGION", "us-east-1"), "S3 region")
	flagProvider := flag.String("email_provider", envOr("EMAIL_PROVIDER", "gmail"), "mail provider tag")
	flagAddress := flag.String("email_address", envOr("EMAIL_ADDRESS", "user@gmail.com"), "mail account address")
	flagPassword := flag.String("email_password", os.Getenv("EMAIL_PASSWORD"), "mail account password")
	flagIMAPHost := flag.String("imap_host", envOr("EMAIL_IMAP_HOST", "imap.gmail.com"), "IMAP host")
	flagIMAPPort := flag.String("imap_port", envOr("EMAIL_IMAP_PORT", "993"), "IMAP port")
	flagDrafts := flag.String("drafts_folder", envOr("EMAIL_DRAFTS_FOLDER", "[Gmail]/Drafts"), "IMAP drafts folder")
	flag.Parse()

	if *flagDB == "" {
		log.Fatal("objmaild: no database configured (set DATABASE_URL or -db)")
	}
	chunkMB, err := strconv.ParseInt(*flagChunkMB, 10, 64)
	if err != nil || chunkMB <= 0 {
		log.Fatalf("objmaild: invalid chunk size %q", *flagChunkMB)
	}
	imapPort, err := strconv.Atoi(*flagIMAPPort)
	if err != nil {
		log.Fatalf("objmaild: invalid IMAP port %q", *flagIMAPPort)
	}

	log.Printf("objmaild, version %s, starting at %s", version, time.Now())
	log.Printf("objmaild: account %s (%s), chunk size %d MiB", *flagAddress, *flagProvider, chunkMB)

	if err := os.MkdirAll(*flagTempDir, 0770); err != nil {
		log.Fatal(err)
	}

	filer := iox.NewFiler(0)
	filer.SetTempdir(*flagTempDir)

	s, err := objstore.New(filer, objstore.Config{
		DBFile:          *flagDB,
		ChunkSize:       chunkMB << 20,
		TempDir:         *flagTempDir,
		AccessKeyID:     *flagAccessKey,
		SecretAccessKey: *flagSecretKey,
		Region:          *flagRegion,
		Provider:        *flagProvider,
		Address:         *flagAddress,
		Password:        *flagPassword,
		IMAPHost:        *flagIMAPHost,
		IMAPPort:        imapPort,
		DraftsFolder:    *flagDrafts,
	})
	if err != nil {
		log.Fatal(err)
	}
	s.Logf = log.Printf

	addr := net.JoinHostPort(*flagHost, *flagPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("objmaild: use with aws-cli: aws --endpoint-url http://%s s3 ...", addr)

	go func() {
		if err := s.Serve(ln); err != nil {
			s.Logf("objmaild: serve error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		<-interrupt
		cancel()
	}()
	<-ctx.Done()

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		log.Printf("objmaild: shutdown error: %v", err)
	}
	if err := filer.Shutdown(ctx); err != nil {
		log.Printf("objmaild: filer shutdown error: %v", err)
	}
	fmt.Println("objmaild: shut down")
}
