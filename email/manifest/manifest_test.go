package manifest

import (
	"errors"
	"strings"
	"testing"
)

func TestRoundtrip(t *testing.T) {
	m := &Manifest{
		V:           1,
		Bucket:      "test-bucket",
		Key:         "path/to/file.dat",
		ChunkIndex:  0,
		TotalChunks: 5,
		ObjectID:    "550e8400-e29b-41d4-a716-446655440000",
		ChunkHash:   "abcdef1234567890",
		TotalSize:   104857600,
		ContentType: "application/octet-stream",
	}
	subject, err := m.EncodeSubject()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(subject, "OBJMAIL:") {
		t.Fatalf("subject %q missing prefix", subject)
	}
	got, err := DecodeSubject(subject)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *m {
		t.Errorf("decoded %+v, want %+v", got, m)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    error
	}{
		{"no prefix", "hello", ErrMalformedSubject},
		{"empty", "", ErrMalformedSubject},
		{"bad base64", "OBJMAIL:!!!!", ErrMalformedSubject},
		{"not json", "OBJMAIL:aGVsbG8", ErrMalformedSubject},
		{"missing fields", "OBJMAIL:eyJ2IjoxfQ", ErrMalformedSubject}, // {"v":1}
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := DecodeSubject(test.subject); !errors.Is(err, test.want) {
				t.Errorf("DecodeSubject(%q) err=%v, want %v", test.subject, err, test.want)
			}
		})
	}
}

func TestUnsupportedVersion(t *testing.T) {
	m := &Manifest{
		V:           2,
		Bucket:      "b",
		Key:         "k",
		TotalChunks: 1,
		ObjectID:    "id",
		ChunkHash:   "h",
		ContentType: "text/plain",
	}
	subject, err := m.EncodeSubject()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeSubject(subject); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("err=%v, want ErrUnsupportedVersion", err)
	}
}
