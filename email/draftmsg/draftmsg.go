// Package draftmsg builds and parses the mail messages used as chunk
// containers. A draft is addressed from and to the storing account, carries
// the manifest in its Subject, a short text part, and a single
// application/octet-stream attachment named chunk.bin holding the chunk
// payload.
package draftmsg

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// AttachmentName is the filename of the payload attachment.
const AttachmentName = "chunk.bin"

const textBody = "ObjectMail chunk data. Do not edit or send this draft."

var ErrMissingAttachment = errors.New("draftmsg: no chunk attachment in message")

// Build writes an RFC 5322 message carrying payload as an attachment.
func Build(w io.Writer, address, subject string, payload []byte) error {
	if err := build(w, address, subject, payload); err != nil {
		return fmt.Errorf("draftmsg.Build: %v", err)
	}
	return nil
}

func build(w io.Writer, address, subject string, payload []byte) error {
	addrs := []*mail.Address{{Address: address}}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", addrs)
	h.SetAddressList("To", addrs)
	h.SetSubject(subject)

	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return err
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return err
	}
	var th mail.InlineHeader
	th.Set("Content-Type", "text/plain; charset=utf-8")
	pw, err := tw.CreatePart(th)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, textBody); err != nil {
		return err
	}
	pw.Close()
	tw.Close()

	var ah mail.AttachmentHeader
	ah.Set("Content-Type", `application/octet-stream; name="`+AttachmentName+`"`)
	ah.SetFilename(AttachmentName)
	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return err
	}
	if _, err := aw.Write(payload); err != nil {
		return err
	}
	aw.Close()

	return mw.Close()
}

// Attachment extracts the chunk payload from a raw message: the body of the
// first application/octet-stream part, or the whole body of a single-part
// message. Returns ErrMissingAttachment if a multipart message carries no
// octet-stream part.
func Attachment(r io.Reader) ([]byte, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("draftmsg.Attachment: %v", err)
	}

	ct, _, _ := mr.Header.ContentType()
	multipart := strings.HasPrefix(ct, "multipart/")

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("draftmsg.Attachment: %v", err)
		}
		pct := ""
		switch h := p.Header.(type) {
		case *mail.AttachmentHeader:
			pct, _, _ = h.ContentType()
		case *mail.InlineHeader:
			pct, _, _ = h.ContentType()
		}
		if pct == "application/octet-stream" || !multipart {
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("draftmsg.Attachment: %v", err)
			}
			return b, nil
		}
	}
	return nil, ErrMissingAttachment
}
