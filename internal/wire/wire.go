// Package wire implements the external wire protocol (spec.md §6): the
// pre-auth JSON-line handshake, the length-prefixed BSON revision stream,
// and export/import hook application.
//
// The revision frame itself — uint32(len) || bson-encoded dag.Revision —
// uses github.com/vinllen/mgo/bson for the payload, the same library the
// teacher uses for every wire/storage payload (SPEC_FULL.md §6). Only the
// one pre-auth line is encoding/json, because spec.md fixes that single
// line as literal JSON regardless of the teacher's usual choice.
package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/Netsend/PerspectiveDB-sub000/internal/auth"
	"github.com/Netsend/PerspectiveDB-sub000/internal/dag"
	"github.com/Netsend/PerspectiveDB-sub000/internal/merge"
	"github.com/vinllen/mgo/bson"
)

// maxAuthLineBytes is the total line length ceiling from spec.md §6 step 2.
const maxAuthLineBytes = 254

// AuthLine is the single JSON line a client opens a session with.
type AuthLine struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	DB         string `json:"db"`
	Collection string `json:"collection"`
	Offset     int64  `json:"offset,omitempty"`
}

// ErrLineTooLong is returned when the client's auth line exceeds the wire
// limit.
var ErrLineTooLong = errors.New("wire: auth line exceeds 254 bytes")

// ErrInvalidAuth is written back to the client verbatim (spec.md §6 step 3)
// and returned to the caller so it can close the connection.
var ErrInvalidAuth = errors.New("invalid auth request")

// ErrNotExported is written back to the client verbatim (spec.md §6 step
// 4) when no export rule matches the authenticated collection.
var ErrNotExported = errors.New("requested collection not exported")

// ExportLookup resolves the export rule, as a hook chain, for a
// username+db+collection triple once authenticated. A nil chain with ok=true means "export with no
// transform".
type ExportLookup func(ctx context.Context, username, db, collection string) (chain merge.Chain, ok bool)

// Session is the result of a successful pre-auth handshake: who connected,
// what they're allowed to stream, and from where.
type Session struct {
	Auth  AuthLine
	Hooks merge.Chain
}

// Handshake performs steps 2-4 of spec.md §6 over r/w: read one JSON line,
// verify it, resolve the export rule. On a malformed line, rejected
// credentials or an unexported collection it writes the exact wire error
// string to w before returning the error, matching "writes '...' and
// closes" in the spec. A read error, an over-long line or a verifier error
// is returned without writing anything to w.
func Handshake(ctx context.Context, r *bufio.Reader, w io.Writer, verifier auth.Verifier, lookup ExportLookup) (Session, error) {
	line, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return Session{}, err
	}
	if len(line) > maxAuthLineBytes {
		return Session{}, ErrLineTooLong
	}

	var al AuthLine
	if jerr := json.Unmarshal([]byte(trimNewline(line)), &al); jerr != nil {
		writeLine(w, ErrInvalidAuth.Error())
		return Session{}, ErrInvalidAuth
	}

	ok, verr := verifier.Verify(ctx, al.Username, al.Password, al.DB)
	if verr != nil {
		return Session{}, verr
	}
	if !ok {
		writeLine(w, ErrInvalidAuth.Error())
		return Session{}, ErrInvalidAuth
	}

	chain, found := lookup(ctx, al.Username, al.DB, al.Collection)
	if !found {
		writeLine(w, ErrNotExported.Error())
		return Session{}, ErrNotExported
	}

	return Session{Auth: al, Hooks: chain}, nil
}

func trimNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}
	if n := len(s); n > 0 && s[n-1] == '\r' {
		s = s[:n-1]
	}
	return s
}

func writeLine(w io.Writer, s string) {
	io.WriteString(w, s+"\n")
}

// WriteRevision encodes rev as uint32(len) || bson(rev) onto w (spec.md
// §6 step 5).
func WriteRevision(w io.Writer, rev *dag.Revision) error {
	b, err := bson.Marshal(rev)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// maxFrameBytes bounds a single revision frame, guarding against a
// corrupt length prefix turning into an unbounded allocation.
const maxFrameBytes = 16 << 20

// ErrFrameTooLarge is returned by ReadRevision when a frame's declared
// length exceeds maxFrameBytes.
var ErrFrameTooLarge = errors.New("wire: revision frame exceeds size limit")

// ReadRevision decodes one length-prefixed BSON revision frame from r.
func ReadRevision(r io.Reader) (*dag.Revision, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	var rev dag.Revision
	if err := bson.Unmarshal(buf, &rev); err != nil {
		return nil, err
	}
	return &rev, nil
}

// StreamExport writes every revision in revs to w through hooks in order,
// applying the export hook chain to each body and skipping revisions a
// hook drops. StreamExport returns once revs is exhausted and does not close
// w. Its one caller, the supervisor's serveExport, calls it once with the
// revisions present at handoff and then closes the connection, so a session
// does not receive revisions committed after that point.
func StreamExport(w io.Writer, revs []*dag.Revision, hooks merge.Chain) error {
	for _, rev := range revs {
		body := merge.Doc(rev.Body)
		out, ok, err := hooks.Apply(body, merge.HookOpts{Direction: "export"})
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		cp := *rev
		cp.Body = out
		if err := WriteRevision(w, &cp); err != nil {
			return err
		}
	}
	return nil
}
