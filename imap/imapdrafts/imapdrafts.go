// Package imapdrafts persists chunk payloads as draft messages in an IMAP
// mailbox. The drafts folder is the byte store; this package only ever
// holds a weak reference to it through per-folder UIDs.
//
// A single authenticated session is cached and guarded by a mutex, so one
// command sequence is in flight at a time. Any IMAP-level failure discards
// the session; the next call reconnects. The provider itself never retries.
package imapdrafts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"objectmail.dev/email/draftmsg"
)

var ErrDraftNotFound = errors.New("imapdrafts: draft not found")

// searchPrefixLen bounds the subject prefix handed to UID SEARCH. In an
// encoded manifest the first 100 characters cover the leading fields
// (version, bucket, key, ...); the object UUID lies beyond them, so drafts
// of the same bucket, key and chunk index can match the same search. Taking
// the maximum UID picks the newest append, as long as appends are
// serialized by the caller.
const searchPrefixLen = 100

// Client stores and retrieves chunk drafts in one IMAP account.
type Client struct {
	Host     string
	Port     int
	Address  string // account address, used as From and To
	Password string
	Folder   string // drafts folder, created lazily on connect

	Timeout time.Duration
	Logf    func(format string, v ...interface{})

	mu   sync.Mutex // serializes command sequences on sess
	sess *client.Client
}

// New returns an unconnected Client. The first operation dials the server.
func New(host string, port int, address, password, folder string) *Client {
	return &Client{
		Host:     host,
		Port:     port,
		Address:  address,
		Password: password,
		Folder:   folder,
		Timeout:  2 * time.Minute,
		Logf:     log.Printf,
	}
}

// connect dials, authenticates, and lazily creates the drafts folder.
// Ports 993 and 3993 imply implicit TLS; anything else is cleartext.
func (p *Client) connect() (*client.Client, error) {
	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))

	var c *client.Client
	var err error
	if p.Port == 993 || p.Port == 3993 {
		c, err = client.DialTLS(addr, nil)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("imapdrafts: dial %s: %v", addr, err)
	}
	c.Timeout = p.Timeout

	if err := c.Login(p.Address, p.Password); err != nil {
		c.Close()
		return nil, fmt.Errorf("imapdrafts: login %s: %v", p.Address, err)
	}

	// An "already exists" failure is expected after the first connect.
	if err := c.Create(p.Folder); err != nil {
		p.Logf("imapdrafts: create folder %q: %v", p.Folder, err)
	}

	p.Logf("imapdrafts: connected to %s as %s", addr, p.Address)
	return c, nil
}

// session returns the cached session, probing it with NOOP and
// reconnecting if the probe fails. Callers must hold p.mu.
func (p *Client) session() (*client.Client, error) {
	if p.sess != nil {
		if err := p.sess.Noop(); err == nil {
			return p.sess, nil
		}
		p.Logf("imapdrafts: session stale, reconnecting")
		p.sess.Close()
		p.sess = nil
	}
	c, err := p.connect()
	if err != nil {
		return nil, err
	}
	p.sess = c
	return c, nil
}

// reset discards the cached session after a command failure.
// Callers must hold p.mu.
func (p *Client) reset() {
	if p.sess != nil {
		p.sess.Close()
		p.sess = nil
	}
}

// CreateDraft appends a draft carrying payload and returns its UID.
//
// APPEND responses do not reliably carry the assigned UID across servers,
// so the UID is recovered with UID SEARCH on the subject prefix and taking
// the maximum. Subjects must carry enough entropy to make that search
// unambiguous, and appends must be serialized by the caller.
func (p *Client) CreateDraft(ctx context.Context, subject string, payload []byte) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.session()
	if err != nil {
		return 0, err
	}

	msg := new(bytes.Buffer)
	if err := draftmsg.Build(msg, p.Address, subject, payload); err != nil {
		return 0, err
	}

	if err := c.Append(p.Folder, nil, time.Now(), msg); err != nil {
		p.reset()
		return 0, fmt.Errorf("imapdrafts.CreateDraft: append: %v", err)
	}

	if _, err := c.Select(p.Folder, false); err != nil {
		p.reset()
		return 0, fmt.Errorf("imapdrafts.CreateDraft: select: %v", err)
	}

	q := subject
	if len(q) > searchPrefixLen {
		q = q[:searchPrefixLen]
	}
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Subject", q)
	uids, err := c.UidSearch(criteria)
	if err != nil {
		p.reset()
		return 0, fmt.Errorf("imapdrafts.CreateDraft: search: %v", err)
	}
	var uid uint32
	for _, u := range uids {
		if u > uid {
			uid = u
		}
	}
	if uid == 0 {
		return 0, fmt.Errorf("imapdrafts.CreateDraft: appended draft not found by subject %q", q)
	}
	return uid, nil
}

// GetDraft fetches the draft with the given UID and returns its chunk
// payload.
func (p *Client) GetDraft(ctx context.Context, uid uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.session()
	if err != nil {
		return nil, err
	}

	if _, err := c.Select(p.Folder, true); err != nil {
		p.reset()
		return nil, fmt.Errorf("imapdrafts.GetDraft: select: %v", err)
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	section := new(imap.BodySectionName)
	items := []imap.FetchItem{section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	var raw []byte
	var readErr error
	for msg := range messages {
		r := msg.GetBody(section)
		if r == nil || raw != nil {
			continue
		}
		raw, readErr = io.ReadAll(r)
	}
	if err := <-done; err != nil {
		p.reset()
		return nil, fmt.Errorf("imapdrafts.GetDraft: fetch uid %d: %v", uid, err)
	}
	if readErr != nil {
		return nil, fmt.Errorf("imapdrafts.GetDraft: read uid %d: %v", uid, readErr)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: uid %d", ErrDraftNotFound, uid)
	}

	payload, err := draftmsg.Attachment(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("imapdrafts.GetDraft: uid %d: %v", uid, err)
	}
	return payload, nil
}

// DeleteDraft flags the draft \Deleted and expunges the folder. The
// expunge stream is drained before returning.
func (p *Client) DeleteDraft(ctx context.Context, uid uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.session()
	if err != nil {
		return err
	}

	if _, err := c.Select(p.Folder, false); err != nil {
		p.reset()
		return fmt.Errorf("imapdrafts.DeleteDraft: select: %v", err)
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(seqset, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		p.reset()
		return fmt.Errorf("imapdrafts.DeleteDraft: store uid %d: %v", uid, err)
	}

	expunged := make(chan uint32)
	done := make(chan error, 1)
	go func() {
		done <- c.Expunge(expunged)
	}()
	for range expunged {
	}
	if err := <-done; err != nil {
		p.reset()
		return fmt.Errorf("imapdrafts.DeleteDraft: expunge: %v", err)
	}
	p.Logf("imapdrafts: draft uid %d expunged", uid)
	return nil
}

// HealthCheck verifies the session with a NOOP, reconnecting first if the
// cached session has gone stale.
func (p *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.session()
	if err != nil {
		return err
	}
	if err := c.Noop(); err != nil {
		p.reset()
		return fmt.Errorf("imapdrafts.HealthCheck: %v", err)
	}
	return nil
}

// Close logs out and drops the cached session.
func (p *Client) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return nil
	}
	err := p.sess.Logout()
	p.sess = nil
	return err
}
