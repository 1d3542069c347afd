// Package supervisor implements the versioned system (C10, spec.md
// §4.10): it owns the set of versioned collections, the pre-auth network
// front door, and pull-request dispatch.
//
// Per-VC worker isolation is implemented with goroutines and channels —
// one VC per goroutine, communicating only over its config/push/pull
// channels — rather than OS processes: Go's cooperative-goroutine model
// is the idiomatic stand-in for the spec's "isolated process or task",
// and it is exactly what the teacher does for its own worker pool
// (Worker/OplogSyncer goroutines coordinated over channels, never OS
// processes — collector/replication.go startOplogReplication spawns one
// goroutine per syncer and per worker). The "spawn workers, wire them to
// syncers, wait" shape below mirrors that function directly.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/Netsend/PerspectiveDB-sub000/internal/auth"
	"github.com/Netsend/PerspectiveDB-sub000/internal/dag"
	"github.com/Netsend/PerspectiveDB-sub000/internal/merge"
	"github.com/Netsend/PerspectiveDB-sub000/internal/oplog"
	"github.com/Netsend/PerspectiveDB-sub000/internal/replconf"
	"github.com/Netsend/PerspectiveDB-sub000/internal/store"
	"github.com/Netsend/PerspectiveDB-sub000/internal/vcollection"
	"github.com/Netsend/PerspectiveDB-sub000/internal/wire"
	"github.com/google/uuid"
	nimo "github.com/gugemichael/nimo4go"
	LOG "github.com/vinllen/log4go"
	"golang.org/x/sync/errgroup"
)

// VCConfig is one {size, log, snapshot options} initial configuration
// (spec.md §4.10 init_vcs).
type VCConfig struct {
	DB            string
	Collection    string
	SizeBytes     int64
	Policy        merge.Policy
	Batch         int
	OplogNS       store.NS // the capped collection this VC tails
	ExportHookFor func(username string) (merge.Chain, bool)
	// MaxTPS caps how many oplog entries this VC will apply per second;
	// 0 means unlimited. Mirrors the teacher's global replicate-tps
	// throttle (OplogSyncer.poll's rateController.Control loop), scoped
	// per VC instead of process-wide.
	MaxTPS int
}

func (c VCConfig) key() string { return c.DB + "." + c.Collection }

// PullRequest is the supervisor -> VC internal message (spec.md §6): dial
// the remote using these credentials and begin streaming missing
// revisions inbound.
type PullRequest struct {
	Username, Password string
	Path               string // UNIX socket, mutually exclusive with Host
	Host               string
	Port               int
	Database           string
	Collection         string
	Offset             int64
}

func (pr PullRequest) network() (string, string) {
	if pr.Path != "" {
		return "unix", pr.Path
	}
	return "tcp", fmt.Sprintf("%s:%d", pr.Host, pr.Port)
}

// PushRequest is the pre-auth -> VC internal message (spec.md §6): the
// export rule plus the attached connection, handed off after a
// successful handshake.
type PushRequest struct {
	Conn   net.Conn
	Hooks  merge.Chain
	Offset int64
}

// vcWorker is one isolated VC: its own goroutine, reachable only via
// channels.
type vcWorker struct {
	cfg    VCConfig
	coll   *vcollection.VC
	reader *oplog.Reader

	pullCh  chan PullRequest
	pushCh  chan PushRequest
	entryCh chan oplog.Tagged
	initCh  chan struct{}

	rate *nimo.SimpleRateController // nil when cfg.MaxTPS == 0

	pull pullDialer // overridable in tests
}

// pullDialer dials a remote and streams inbound revisions into coll,
// abstracted so tests can substitute a fake peer.
type pullDialer func(ctx context.Context, pr PullRequest, coll *vcollection.VC) error

// System supervises the set of VCs and the network surface (spec.md
// §4.10).
type System struct {
	st       store.Store
	verifier auth.Verifier
	replCfg  replconf.Config

	mu  sync.Mutex
	vcs map[string]*vcWorker

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs an idle System.
func New(st store.Store, verifier auth.Verifier, replCfg replconf.Config) *System {
	return &System{
		st:       st,
		verifier: verifier,
		replCfg:  replCfg,
		vcs:      make(map[string]*vcWorker),
		stopCh:   make(chan struct{}),
	}
}

// InitVCs spawns one isolated worker per configured VC, waits for each to
// reach its init+listen signal, wires a tailing oplog.Reader into it, and
// returns the map of readers keyed by "db.collection" so the caller can
// observe activity (spec.md §4.10 init_vcs).
func (s *System) InitVCs(ctx context.Context, configs []VCConfig) (map[string]*oplog.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	readers := make(map[string]*oplog.Reader, len(configs))
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	for _, cfg := range configs {
		cfg := cfg
		g.Go(func() error {
			w, reader, err := s.startVC(gctx, cfg)
			if err != nil {
				return fmt.Errorf("supervisor: init vc %s: %w", cfg.key(), err)
			}
			mu.Lock()
			s.vcs[cfg.key()] = w
			readers[cfg.key()] = reader
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return readers, nil
}

func (s *System) startVC(ctx context.Context, cfg VCConfig) (*vcWorker, *oplog.Reader, error) {
	snapshotNS := dag.CollectionName(cfg.DB, cfg.Collection)
	userNS := store.NS{DB: cfg.DB, Collection: cfg.Collection}
	coll, err := vcollection.Open(ctx, s.st, snapshotNS, userNS, cfg.Policy, cfg.Batch)
	if err != nil {
		return nil, nil, err
	}

	h, err := s.st.OpenCapped(ctx, cfg.OplogNS, cfg.SizeBytes)
	if err != nil {
		return nil, nil, err
	}
	reader := oplog.Open(s.st, h, userNS.String(), 0, false)

	w := &vcWorker{
		cfg:     cfg,
		coll:    coll,
		reader:  reader,
		pullCh:  make(chan PullRequest, 8),
		pushCh:  make(chan PushRequest, 8),
		entryCh: make(chan oplog.Tagged, 64),
		initCh:  make(chan struct{}),
		pull:    dialAndPull,
	}
	if cfg.MaxTPS != 0 {
		w.rate = nimo.NewSimpleRateController()
	}

	nimo.GoRoutine(func() { s.runVC(ctx, w) })
	<-w.initCh // wait for init then listen, per spec.md §4.10 init_vcs
	return w, reader, nil
}

// runVC is the single-threaded-cooperative worker loop (spec.md §5): it
// drains oplog entries into the versioned collection, handles pull
// requests, and hands inbound connections their export stream. All three
// sources are serialized into one select loop over channels only — the
// oplog itself is read by a separate fetcher goroutine feeding w.entryCh,
// exactly the split the teacher uses (a dedicated fetcher goroutine
// filling a pending queue, consumed by the syncer's own transfer loop in
// collector/syncer.go) so a blocking tail Next never starves pull/push
// handling.
func (s *System) runVC(ctx context.Context, w *vcWorker) {
	nimo.GoRoutine(func() { s.fetchOplog(ctx, w) })
	close(w.initCh)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case pr := <-w.pullCh:
			if err := w.pull(ctx, pr, w.coll); err != nil {
				LOG.Warn("supervisor: pull request for %s failed: %v", w.cfg.key(), err)
			}
			if err := w.coll.ProcessQueues(ctx); err != nil {
				LOG.Warn("supervisor: process queues after pull for %s failed: %v", w.cfg.key(), err)
			}
		case push := <-w.pushCh:
			nimo.GoRoutine(func() { s.serveExport(w, push) })
		case e := <-w.entryCh:
			if err := w.coll.SaveOplogEntry(ctx, e); err != nil {
				LOG.Warn("supervisor: save oplog entry for %s failed: %v", w.cfg.key(), err)
				continue
			}
			if err := w.coll.ProcessQueues(ctx); err != nil {
				LOG.Warn("supervisor: process queues for %s failed: %v", w.cfg.key(), err)
			}
		}
	}
}

// fetchOplog is the dedicated fetcher goroutine: it blocks on the tailing
// reader and forwards decoded entries, never touching w.coll directly. The
// optional per-VC rate throttle lives here, not in runVC's select loop,
// so a delay never stalls pull/push handling — only the fetch side waits.
func (s *System) fetchOplog(ctx context.Context, w *vcWorker) {
	for {
		for w.rate != nil && w.rate.Control(w.cfg.MaxTPS, 1) {
			select {
			case <-time.After(100 * time.Millisecond):
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
		e, ok, err := w.reader.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, oplog.ErrClosed) {
				return
			}
			LOG.Warn("supervisor: oplog read for %s failed: %v", w.cfg.key(), err)
			continue
		}
		if !ok {
			return
		}
		select {
		case w.entryCh <- e:
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *System) serveExport(w *vcWorker, push PushRequest) {
	defer push.Conn.Close()
	revs := exportCandidates(w.coll, push.Offset)
	if err := wire.StreamExport(push.Conn, revs, push.Hooks); err != nil {
		LOG.Warn("supervisor: export stream for %s failed: %v", w.cfg.key(), err)
	}
}

// exportCandidates returns every local-perspective revision with Seq >
// offset, across every id's full ancestry (not just current heads),
// ordered parents-before-children so a peer's SaveRemoteRevision never
// sees a dangling parent (spec.md §6 step 5: stream what the peer is
// missing "from offset, or from the beginning if absent"). Walking each
// head's AncestorsDesc back to its roots and deduping by revision key
// covers every intermediate and merge revision a heads-only scan would
// silently drop; sorting the result by Seq ascending is a valid global
// topological order because a revision's Seq is only ever assigned after
// all of its parents already have one (invariant 3).
func exportCandidates(coll *vcollection.VC, offset int64) []*dag.Revision {
	seen := make(map[dag.Key]struct{})
	var out []*dag.Revision
	for _, id := range coll.Index().IDs(dag.Local) {
		for _, h := range coll.Index().Heads([]byte(id), dag.Local) {
			anc, err := coll.Index().AncestorsDesc([]byte(id), h.V, dag.Local)
			if err != nil {
				LOG.Warn("supervisor: export ancestry walk for id=%x failed: %v", []byte(id), err)
				continue
			}
			for _, rev := range anc {
				if rev.Seq <= offset {
					continue
				}
				if _, dup := seen[rev.Key()]; dup {
					continue
				}
				seen[rev.Key()] = struct{}{}
				out = append(out, rev)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// ErrUnknownVC is returned when a caller names a (db, collection) pair
// with no running VC.
var ErrUnknownVC = errors.New("supervisor: unknown versioned collection")

// SendPR forwards a pull request to the named VC's worker (spec.md §4.10
// send_pr); the VC dials the remote and begins streaming missing
// revisions inbound.
func (s *System) SendPR(ctx context.Context, ns string, pr PullRequest) error {
	s.mu.Lock()
	w, ok := s.vcs[ns]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVC, ns)
	}
	select {
	case w.pullCh <- pr:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dialAndPull is the default pullDialer: it opens a client connection,
// performs the client side of the §6 handshake, and feeds every inbound
// revision frame to SaveRemoteRevision until the peer closes the stream.
func dialAndPull(ctx context.Context, pr PullRequest, coll *vcollection.VC) error {
	network, addr := pr.network()
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	line, err := json.Marshal(wire.AuthLine{
		Username: pr.Username, Password: pr.Password,
		DB: pr.Database, Collection: pr.Collection, Offset: pr.Offset,
	})
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return err
	}

	r := bufio.NewReader(conn)
	for {
		rev, err := wire.ReadRevision(r)
		if err != nil {
			return err
		}
		if err := coll.SaveRemoteRevision(ctx, rev); err != nil {
			LOG.Warn("supervisor: pull from %s: save remote revision failed: %v", addr, err)
		}
	}
}

// Info aggregates per-VC statistics (spec.md §4.10 info).
type Info struct {
	Name         string
	Heads        int
	Ids          int
	PendingPulls int
}

// Info reports, per VC, the number of local-perspective ids and heads, and
// with extended set the number of queued pull requests. It does not report
// collection or snapshot byte/doc counts, nor ack counts.
func (s *System) Info(extended bool) []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.vcs))
	for name, w := range s.vcs {
		ids := w.coll.Index().IDs(dag.Local)
		heads := 0
		for _, id := range ids {
			heads += len(w.coll.Index().Heads([]byte(id), dag.Local))
		}
		info := Info{Name: name, Heads: heads, Ids: len(ids)}
		if extended {
			info.PendingPulls = len(w.pullCh)
		}
		out = append(out, info)
	}
	return out
}

// Listen forks a pre-auth server on network/addr, dropping privileges to
// user and chrooting to chrootPath before accepting any connection
// (spec.md §4.10 listen). Inbound connections are authenticated
// line-by-line (§6) and handed off to the owning VC along with the
// synthesized push request.
func (s *System) Listen(ctx context.Context, user, chrootPath, network, addr string) error {
	if chrootPath != "" {
		if err := Chroot(user, chrootPath); err != nil {
			return err
		}
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	nimo.GoRoutine(func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, ln)
	})
	return nil
}

func (s *System) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			LOG.Warn("supervisor: accept failed: %v", err)
			return
		}
		sessionID := uuid.New().String()
		nimo.GoRoutine(func() { s.handlePreAuth(ctx, conn, sessionID) })
	}
}

func (s *System) handlePreAuth(ctx context.Context, conn net.Conn, sessionID string) {
	r := bufio.NewReader(conn)
	sess, err := wire.Handshake(ctx, r, conn, s.verifier, s.lookupExport)
	if err != nil {
		LOG.Info("session %s: handshake failed: %v", sessionID, err)
		conn.Close()
		return
	}

	key := sess.Auth.DB + "." + sess.Auth.Collection
	s.mu.Lock()
	w, ok := s.vcs[key]
	s.mu.Unlock()
	if !ok {
		LOG.Warn("session %s: authenticated for unknown vc %s", sessionID, key)
		conn.Close()
		return
	}

	LOG.Info("session %s: handed off to vc %s", sessionID, key)
	select {
	case w.pushCh <- PushRequest{Conn: conn, Hooks: sess.Hooks, Offset: sess.Auth.Offset}:
	case <-ctx.Done():
		conn.Close()
	}
}

// lookupExport resolves the export rule for (username, db, collection) per
// spec.md §6 step 4. The chain is the first matching export rule's filter
// hook, then its hide hook, then the per-username hooks the owning VC
// registered via VCConfig.ExportHookFor, if any. A collection with a running VC but no explicit
// export rule is still exported with no transform, matching a deployment
// that replicates everything it serves by default.
func (s *System) lookupExport(ctx context.Context, username, db, collection string) (merge.Chain, bool) {
	key := db + "." + collection
	s.mu.Lock()
	w, ok := s.vcs[key]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	var chain merge.Chain
	for _, r := range s.replCfg.Rules {
		if r.Direction == replconf.Export && r.SourceDB == db && r.SourceColl == collection {
			if r.Filter != nil {
				chain = append(chain, filterHook(r.Filter))
			}
			if len(r.Hide) > 0 {
				chain = append(chain, hideFieldsHook(r.Hide))
			}
			break
		}
	}
	if w.cfg.ExportHookFor != nil {
		if h, ok := w.cfg.ExportHookFor(username); ok {
			chain = append(chain, h...)
		}
	}
	return chain, true
}

// filterHook drops a document entirely (returns nil) unless it matches
// every key in filter, mirroring replconf's own filter-hook construction.
func filterHook(filter store.Doc) merge.Hook {
	return func(doc merge.Doc, _ merge.HookOpts) (merge.Doc, error) {
		for k, v := range filter {
			if doc[k] != v {
				return nil, nil
			}
		}
		return doc, nil
	}
}

// hideFieldsHook drops named fields from an exported document, mirroring
// replconf's own hide-hook construction.
func hideFieldsHook(fields []string) merge.Hook {
	return func(doc merge.Doc, _ merge.HookOpts) (merge.Doc, error) {
		out := make(merge.Doc, len(doc))
		for k, v := range doc {
			out[k] = v
		}
		for _, f := range fields {
			delete(out, f)
		}
		return out, nil
	}
}

// Stop shuts down the listener and every VC worker gracefully, invoking
// cb once drained (spec.md §4.10 stop).
func (s *System) Stop(cb func()) error {
	close(s.stopCh)
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	if cb != nil {
		cb()
	}
	return nil
}

// StopTerm behaves like Stop but is safe to call a second time to force
// an immediate exit (spec.md §4.10 stop_term): the second call observes
// stopCh already closed and simply invokes cb without waiting.
func (s *System) StopTerm(cb func()) error {
	select {
	case <-s.stopCh:
		if cb != nil {
			cb()
		}
		return nil
	default:
		return s.Stop(cb)
	}
}
