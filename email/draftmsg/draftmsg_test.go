package draftmsg

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestBuildAttachmentRoundtrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x00, 0x01, 0xfe, 0xff}, 4096)

	buf := new(bytes.Buffer)
	if err := Build(buf, "store@example.com", "OBJMAIL:abc123", payload); err != nil {
		t.Fatal(err)
	}

	raw := buf.String()
	for _, want := range []string{
		"From: <store@example.com>",
		"To: <store@example.com>",
		"Subject: OBJMAIL:abc123",
		`name="chunk.bin"`,
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("message missing %q", want)
		}
	}

	got, err := Attachment(strings.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("attachment roundtrip: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestAttachmentSinglePart(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"To: a@example.com\r\n" +
		"Subject: plain\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"raw chunk bytes"
	got, err := Attachment(strings.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "raw chunk bytes" {
		t.Errorf("body=%q", got)
	}
}

func TestAttachmentMissing(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"Subject: nothing\r\n" +
		"Content-Type: multipart/mixed; boundary=xyz\r\n" +
		"\r\n" +
		"--xyz\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"just text\r\n" +
		"--xyz--\r\n"
	if _, err := Attachment(strings.NewReader(raw)); !errors.Is(err, ErrMissingAttachment) {
		t.Errorf("err=%v, want ErrMissingAttachment", err)
	}
}
