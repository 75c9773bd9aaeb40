// Package lbsync is the radio bundle synchroniser: a single event loop that
// reads frames from a low-bandwidth broadcast link, reassembles bundles from
// neighbours, inserts them into the local bundle store and announces the
// store's own bundles back onto the channel at a congestion-adaptive rate.
package lbsync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/mroth/weightedrand"

	"github.com/unkn0wn-root/lbsync/bar"
	"github.com/unkn0wn-root/lbsync/congestion"
	"github.com/unkn0wn-root/lbsync/frame"
	"github.com/unkn0wn-root/lbsync/internal/log"
	"github.com/unkn0wn-root/lbsync/peers"
	"github.com/unkn0wn-root/lbsync/radio"
	"github.com/unkn0wn-root/lbsync/store"
	"github.com/unkn0wn-root/lbsync/timesync"
	"github.com/unkn0wn-root/lbsync/txqueue"
)

const (
	rxBufSize       = 1024
	maxReadsPerStep = 8
	maxPendingIns   = 16
	maxNodesOut     = 8
	barsPerFrame    = 2
	resumeRepeat    = 5 * time.Second
)

// Options are the collaborators of an Engine.
type Options struct {
	// Store may be nil only in monitor mode.
	Store     store.Store
	Transport radio.Transport
	// Clock defaults to one built from Config.Time.Mode.
	Clock   *timesync.Clock
	Logger  log.Logger
	Metrics *Metrics
	Rand    *rand.Rand
	// Instance defaults to a random non-zero value.
	Instance uint32
}

// Counters are the engine's cumulative event counts.
type Counters struct {
	FramesIn       uint64 `json:"frames_in"`
	FramesOut      uint64 `json:"frames_out"`
	Truncated      uint64 `json:"truncated"`
	Own            uint64 `json:"own"`
	PiecesIn       uint64 `json:"pieces_in"`
	PiecesIgnored  uint64 `json:"pieces_ignored"`
	FragmentErrors uint64 `json:"fragment_errors"`
	Assembled      uint64 `json:"assembled"`
	Inserted       uint64 `json:"inserted"`
	InsertFailed   uint64 `json:"insert_failed"`
	AlreadyHeld    uint64 `json:"already_held"`
	ResumesSent    uint64 `json:"resumes_sent"`
	ResumesHonored uint64 `json:"resumes_honored"`
	CacheErrors    uint64 `json:"cache_errors"`
	Loads          uint64 `json:"loads"`
}

type pendingInsert struct {
	a       *peers.Assembled
	from    bar.PeerPrefix
	checked bool
}

type fetchTag struct {
	index   int
	version uint64
}

type resumeKey struct {
	target bar.PeerPrefix
	bid    bar.BundlePrefix
}

type resumeSent struct {
	offset uint32
	at     time.Time
}

type advance struct {
	index      int
	isManifest bool
	end        uint64
}

// contentCache holds the one bundle whose pieces are being announced.
type contentCache struct {
	index    int
	version  uint64
	manifest []byte
	body     []byte

	wantIndex   int
	wantVersion uint64
	wantID      string
	errors      int
}

func (c *contentCache) holds(i int, version uint64) bool {
	return c.index == i && c.version == version && c.manifest != nil
}

func (c *contentCache) want(i int, version uint64, id string) {
	if c.wantIndex == i && c.wantVersion == version {
		return
	}
	c.wantIndex, c.wantVersion, c.wantID = i, version, id
	c.errors = 0
}

// Engine owns every piece of protocol state. Step is driven by one
// goroutine; Status may be called from others.
type Engine struct {
	mu sync.Mutex

	cfg      Config
	self     bar.PeerPrefix
	sid      string
	instance uint32
	seq      uint16

	logger  log.Logger
	metrics *Metrics
	debug   map[string]bool
	rnd     *rand.Rand

	link  *radio.Link
	codec *frame.Codec
	sched *congestion.Scheduler
	peers *peers.Registry
	sel   *txqueue.Selector
	clock *timesync.Clock

	async  *store.Async
	cancel context.CancelFunc
	closed bool

	rx        []byte
	salt      [bar.SaltLen]byte
	recent    map[uint64]time.Time
	onChannel map[bar.PeerPrefix]bool

	tree      *bar.Tree
	treeDirty bool
	nodesOut  []frame.TreeNode

	resumesOut []frame.Resume
	resumeLast map[resumeKey]resumeSent

	inserts  []*pendingInsert
	token    string
	loadedAt time.Time
	loadSoon bool
	cache    contentCache

	counters     Counters
	lastDropped  int
	lastProgress time.Time
	lastStatus   time.Time
	lastStep     time.Time
}

// New builds an engine. It does not start any goroutine; the caller drives
// it with Run or Step.
func New(cfg Config, opts Options) (*Engine, error) {
	cfg.FillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: no transport", ErrInvalidConfig)
	}
	if opts.Store == nil && !cfg.Monitor {
		return nil, ErrNoStore
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}
	now := time.Now()
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(now.UnixNano()))
	}
	for opts.Instance == 0 {
		opts.Instance = opts.Rand.Uint32()
	}
	if opts.Clock == nil {
		opts.Clock = timesync.NewClock(clockMode(cfg.Time.Mode), nil)
	}

	framing, ok := frame.ByName(cfg.Framing)
	if !ok {
		return nil, fmt.Errorf("%w: unknown framing %q", ErrInvalidConfig, cfg.Framing)
	}
	codec, err := frame.NewCodec(framing, cfg.FEC)
	if err != nil {
		return nil, wrapError("codec", err)
	}

	e := &Engine{
		cfg:        cfg,
		instance:   opts.Instance,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		debug:      make(map[string]bool),
		rnd:        opts.Rand,
		link:       radio.NewLink(opts.Transport, cfg.Link, opts.Logger.With("module", "radio")),
		codec:      codec,
		sched:      congestion.New(cfg.Congestion, now, opts.Rand),
		peers:      peers.NewRegistry(cfg.MaxPeers, cfg.Keepalive),
		clock:      opts.Clock,
		rx:         make([]byte, rxBufSize),
		recent:     make(map[uint64]time.Time),
		onChannel:  make(map[bar.PeerPrefix]bool),
		resumeLast: make(map[resumeKey]resumeSent),
		treeDirty:  true,
		cache:      contentCache{index: -1, wantIndex: -1},
	}
	for _, d := range cfg.Debug {
		e.debug[d] = true
	}
	opts.Rand.Read(e.salt[:])
	if !cfg.Monitor {
		e.sid, _ = ParseSID(cfg.SID)
		e.self, _ = bar.ParsePeerPrefix(e.sid)
	}
	e.sel = txqueue.NewSelector(txqueue.Context{
		OnChannel: func(p bar.PeerPrefix) bool { return e.onChannel[p] },
		Flat:      cfg.NoPriority,
	}, cfg.Reannounce, cfg.QueueLen)

	if opts.Store != nil {
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		e.async = store.NewAsync(ctx, opts.Store, cfg.Store.Timeout)
	}
	e.logger.Info("engine started",
		"sid", e.sid, "instance", fmt.Sprintf("%08x", e.instance),
		"transport", opts.Transport.Name(), "framing", cfg.Framing, "fec", cfg.FEC,
		"monitor", cfg.Monitor)
	return e, nil
}

func clockMode(mode string) timesync.Mode {
	switch mode {
	case TimeMaster:
		return timesync.ModeMaster
	case TimeSlave:
		return timesync.ModeSlave
	}
	return timesync.ModeNormal
}

// Clock is the engine's time-sync clock.
func (e *Engine) Clock() *timesync.Clock { return e.clock }

// Run steps the engine every LoopSleep until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(e.cfg.LoopSleep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			if err := e.Step(now); err != nil {
				return err
			}
		}
	}
}

// Close stops outstanding store work and closes the transport.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.cancel != nil {
		e.cancel()
		e.async.Wait()
	}
	return e.link.Close()
}

// Step runs one iteration of the event loop at now. Errors met on the way
// are logged and counted; only a closed engine is reported.
func (e *Engine) Step(now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	e.lastStep = now
	e.receive(now)
	e.pumpStore(now)
	e.tick(now)
	e.transmit(now)
	e.periodic(now)
	return nil
}

func (e *Engine) trace(subsystem, msg string, keyVals ...interface{}) {
	if e.debug[subsystem] {
		e.logger.Info(msg, append(keyVals, "module", subsystem)...)
	}
}

func (e *Engine) receive(now time.Time) {
	for i := 0; i < maxReadsPerStep; i++ {
		n := e.link.Read(e.rx, now)
		if n == 0 {
			break
		}
		e.trace(DebugRadio, "read", "bytes", n)
		recs, heard := e.codec.Feed(e.rx[:n])
		// frames that did not decode have no sender to check; they are
		// somebody else's.
		for j := len(recs); j < heard; j++ {
			e.sched.NoteSeen()
		}
		for _, r := range recs {
			e.handleFrame(r, now)
		}
	}
	if d := e.codec.Stats().Dropped; d > e.lastDropped {
		e.metrics.FramesDropped.With("reason", "decode").Add(float64(d - e.lastDropped))
		e.lastDropped = d
	}
}

func (e *Engine) handleFrame(r frame.Record, now time.Time) {
	msg, err := frame.Parse(r.Payload)
	if err != nil {
		if errors.Is(err, frame.ErrShortHeader) {
			e.sched.NoteSeen()
			e.metrics.FramesDropped.With("reason", "header").Add(1)
			return
		}
		// records before the damage are still good.
		e.counters.Truncated++
		e.metrics.FramesDropped.With("reason", "truncated").Add(1)
	}
	if !e.cfg.Monitor && msg.Sender == e.self {
		e.counters.Own++
		return
	}
	e.sched.NoteSeen()
	h, restarted := e.peers.NoteHeard(msg.Sender, msg.Instance, msg.Seq, now)
	p := e.peers.Get(h)
	if restarted {
		e.logger.Info("peer restarted", "peer", msg.Sender, "instance", fmt.Sprintf("%08x", msg.Instance))
		e.sel.Forget(msg.Sender)
	}
	if r.HasSignal {
		p.NoteSignal(r.RSSI, r.SNR)
	}
	e.counters.FramesIn++
	e.metrics.FramesReceived.Add(1)
	e.trace(DebugRadioRX, "frame", "peer", msg.Sender, "seq", msg.Seq, "bytes", len(r.Payload))
	if e.cfg.Monitor {
		e.logFrame(msg, r)
	}

	for _, s := range msg.Stamps {
		if e.clock.Observe(s, 0) {
			e.logger.Info("adopted time", "peer", msg.Sender, "stratum", s.Stratum, "offset", e.clock.Offset())
		}
	}
	for _, d := range msg.BARs {
		e.handleBAR(p, d)
	}
	if e.async != nil {
		for _, pc := range msg.Pieces {
			e.handlePiece(p, pc, now)
		}
		for _, l := range msg.Lengths {
			a, err := p.ReceiveLength(l.BID, l.Version, l.Kind, uint64(l.Length), now)
			if err != nil {
				e.counters.FragmentErrors++
				e.trace(DebugPieces, "length rejected", "peer", p.Prefix, "bid", l.BID, "err", err)
				continue
			}
			if a != nil {
				e.queueInsert(a, p.Prefix)
			}
		}
	}
	for _, rs := range msg.Resumes {
		e.handleResume(p, rs)
	}
	for _, n := range msg.Nodes {
		e.handleNode(p, n)
	}
}

func (e *Engine) logFrame(msg frame.Message, r frame.Record) {
	kv := []interface{}{
		"peer", msg.Sender, "instance", fmt.Sprintf("%08x", msg.Instance), "seq", msg.Seq,
		"bars", len(msg.BARs), "pieces", len(msg.Pieces), "bytes", len(r.Payload),
	}
	if r.HasSignal {
		kv = append(kv, "rssi", r.RSSI, "snr", r.SNR)
	}
	e.logger.Info("heard", kv...)
	for _, d := range msg.BARs {
		e.logger.Info("bar", "peer", msg.Sender, "bid", d.BundlePrefix(), "version", d.Version(),
			"recipient", d.Recipient(), "meshms", d.MeshMS(), "max_len", d.MaxLength())
	}
	for _, pc := range msg.Pieces {
		e.logger.Info("piece", "peer", msg.Sender, "bid", pc.BID, "version", pc.Version,
			"kind", pc.Kind, "offset", pc.Offset, "len", len(pc.Data), "final", pc.Final)
	}
}

func (e *Engine) handleBAR(p *peers.Peer, d bar.Descriptor) {
	bid := d.BundlePrefix()
	p.NoteHas(bid, d.Version())
	if e.cfg.Monitor {
		return
	}
	i, ok := e.sel.Find(bid)
	switch {
	case !ok:
		e.trace(DebugSync, "peer has bundle we lack", "peer", p.Prefix, "bid", bid, "version", d.Version())
	case e.mustBundle(i).Version < d.Version():
		e.trace(DebugSync, "peer has newer version", "peer", p.Prefix, "bid", bid, "version", d.Version())
	case e.mustBundle(i).Version > d.Version():
		e.trace(DebugSync, "peer has older version", "peer", p.Prefix, "bid", bid, "version", d.Version())
	}
}

func (e *Engine) mustBundle(i int) txqueue.Bundle {
	b, _ := e.sel.Bundle(i)
	return b
}

func (e *Engine) recentKey(bid bar.BundlePrefix, version uint64) uint64 {
	return bar.SyncKey(e.salt, bid, version)
}

func (e *Engine) recentlyReceived(bid bar.BundlePrefix, version uint64, now time.Time) bool {
	until, ok := e.recent[e.recentKey(bid, version)]
	return ok && now.Before(until)
}

func (e *Engine) handlePiece(p *peers.Peer, pc frame.Piece, now time.Time) {
	e.counters.PiecesIn++
	if i, ok := e.sel.Find(pc.BID); ok && e.mustBundle(i).Version >= pc.Version {
		// tell the sender we already have it.
		e.sel.AnnounceNow(i)
		e.counters.PiecesIgnored++
		return
	}
	if e.recentlyReceived(pc.BID, pc.Version, now) {
		e.counters.PiecesIgnored++
		return
	}
	e.trace(DebugPieces, "piece", "peer", p.Prefix, "bid", pc.BID, "version", pc.Version,
		"kind", pc.Kind, "offset", pc.Offset, "len", len(pc.Data), "final", pc.Final)

	a, err := p.ReceiveFragment(peers.Fragment{
		BID:     pc.BID,
		Version: pc.Version,
		Kind:    pc.Kind,
		Offset:  uint64(pc.Offset),
		Data:    pc.Data,
		Final:   pc.Final,
	}, now)
	if err != nil {
		e.counters.FragmentErrors++
		if !errors.Is(err, peers.ErrStale) {
			e.logger.Debug("fragment rejected", "err", newPeerError("reassemble", p.Prefix.String(), err))
		}
		return
	}
	if a != nil {
		e.queueInsert(a, p.Prefix)
		return
	}
	e.noteGap(p, pc, now)
}

// noteGap asks the sender to resume from our first missing byte when a piece
// lands beyond it.
func (e *Engine) noteGap(p *peers.Peer, pc frame.Piece, now time.Time) {
	pt, ok := p.Partial(pc.BID)
	if !ok || pt.Version != pc.Version {
		return
	}
	kind := pc.Kind
	first := pt.Buffer(kind).FirstMissing()
	if kind == frame.KindBody && !pt.Manifest.Complete() {
		kind, first = frame.KindManifest, pt.Manifest.FirstMissing()
	} else if first >= uint64(pc.Offset) {
		return
	}
	key := resumeKey{p.Prefix, pc.BID}
	if last, ok := e.resumeLast[key]; ok && last.offset == uint32(first) && now.Sub(last.at) < resumeRepeat {
		return
	}
	r := frame.Resume{Target: p.Prefix, BID: pc.BID, Version: pc.Version, Kind: kind, Offset: uint32(first)}
	for i, old := range e.resumesOut {
		if old.Target == r.Target && old.BID == r.BID {
			e.resumesOut[i] = r
			return
		}
	}
	e.resumesOut = append(e.resumesOut, r)
}

func (e *Engine) handleResume(p *peers.Peer, r frame.Resume) {
	if e.cfg.Monitor || r.Target != e.self {
		return
	}
	i, ok := e.sel.Find(r.BID)
	if !ok || e.mustBundle(i).Version != r.Version {
		return
	}
	e.sel.Resume(i, r.Kind == frame.KindManifest, uint64(r.Offset))
	e.counters.ResumesHonored++
	e.trace(DebugAnnounce, "resume requested", "peer", p.Prefix, "bid", r.BID, "kind", r.Kind, "offset", r.Offset)
}

func (e *Engine) syncTree() *bar.Tree {
	if e.treeDirty || e.tree == nil {
		bs := e.sel.Bundles()
		ds := make([]bar.Descriptor, len(bs))
		for i, b := range bs {
			ds[i] = b.Descriptor()
		}
		e.tree = bar.NewTree(e.cfg.TreeDepth, ds)
		e.treeDirty = false
	}
	return e.tree
}

// handleNode compares a peer's subtree summary with ours. A differing leaf
// re-announces its bundles; a differing inner node answers with our
// children so both sides can narrow the difference down.
func (e *Engine) handleNode(p *peers.Peer, n frame.TreeNode) {
	if e.cfg.Monitor || !e.cfg.TreeNodes {
		return
	}
	t := e.syncTree()
	level, index := int(n.Level), int(n.Index)
	if !t.Diverged(level, index, n.XOR) {
		return
	}
	e.trace(DebugSyncKeys, "subtree differs", "peer", p.Prefix, "level", level, "index", index)
	if level >= t.Depth() {
		for _, d := range t.Descriptors(level, index) {
			if i, ok := e.sel.Find(d.BundlePrefix()); ok {
				e.sel.AnnounceNow(i)
			}
		}
		return
	}
	for _, c := range t.Children(level, index) {
		x, _ := t.Node(c[0], c[1])
		e.queueNode(frame.TreeNode{Level: uint8(c[0]), Index: uint16(c[1]), XOR: x})
	}
}

func (e *Engine) queueNode(n frame.TreeNode) {
	for _, old := range e.nodesOut {
		if old.Level == n.Level && old.Index == n.Index {
			return
		}
	}
	if len(e.nodesOut) >= maxNodesOut {
		return
	}
	e.nodesOut = append(e.nodesOut, n)
}

func (e *Engine) queueInsert(a *peers.Assembled, from bar.PeerPrefix) {
	e.counters.Assembled++
	e.trace(DebugInsert, "bundle assembled", "peer", from, "bid", a.BID, "version", a.Version,
		"manifest", len(a.Manifest), "body", len(a.Body))
	if len(e.inserts) >= maxPendingIns {
		dropped := e.inserts[0]
		e.inserts = e.inserts[1:]
		e.logger.Error("insert backlog full, dropping bundle", "bid", dropped.a.BID, "version", dropped.a.Version)
	}
	e.inserts = append(e.inserts, &pendingInsert{a: a, from: from})
}

// pumpStore collects the finished store request and starts the next one:
// inserts first, then content for the announcer, then the periodic listing.
func (e *Engine) pumpStore(now time.Time) {
	if e.async == nil {
		return
	}
	if r, ok := e.async.Poll(); ok {
		e.handleResult(r, now)
	}
	if e.async.Busy() {
		return
	}
	switch {
	case len(e.inserts) > 0:
		ins := e.inserts[0]
		if ins.checked {
			e.async.Update(ins.a.Manifest, ins.a.Body, ins)
		} else {
			e.async.Lookup(ins.a.BID, ins.a.Version, store.MatchOrNewer, ins)
		}
	case e.cache.wantIndex >= 0 && !e.cache.holds(e.cache.wantIndex, e.cache.wantVersion):
		e.async.Fetch(e.cache.wantID, fetchTag{e.cache.wantIndex, e.cache.wantVersion})
	case e.loadSoon || e.loadedAt.IsZero() || now.Sub(e.loadedAt) >= e.cfg.Store.LoadInterval:
		e.async.Load(e.token)
		e.loadedAt, e.loadSoon = now, false
	}
}

func (e *Engine) handleResult(r store.Result, now time.Time) {
	switch r.Op {
	case store.OpLoad:
		e.counters.Loads++
		if r.Err != nil {
			e.logger.Error("store load failed", "err", wrapError("load", r.Err))
			return
		}
		e.applyPage(r.Page)
	case store.OpLookup:
		ins, _ := r.Tag.(*pendingInsert)
		if ins == nil {
			return
		}
		if r.Err == nil {
			e.counters.AlreadyHeld++
			e.finishInsert(ins, now)
			e.trace(DebugInsert, "already held", "bid", ins.a.BID, "version", r.Bundle.Version)
			return
		}
		ins.checked = true
	case store.OpUpdate:
		ins, _ := r.Tag.(*pendingInsert)
		if ins == nil {
			return
		}
		e.handleInserted(ins, r, now)
	case store.OpFetch:
		tag, _ := r.Tag.(fetchTag)
		e.handleFetched(tag, r, now)
	}
}

func (e *Engine) finishInsert(ins *pendingInsert, now time.Time) {
	if len(e.inserts) > 0 && e.inserts[0] == ins {
		e.inserts = e.inserts[1:]
	}
	e.recent[e.recentKey(ins.a.BID, ins.a.Version)] = now.Add(e.cfg.RecentTimeout)
}

func (e *Engine) handleInserted(ins *pendingInsert, r store.Result, now time.Time) {
	if len(e.inserts) > 0 && e.inserts[0] == ins {
		e.inserts = e.inserts[1:]
	}
	if r.Err == nil {
		e.finishInsert(ins, now)
		e.counters.Inserted++
		e.metrics.BundlesReceived.Add(1)
		e.loadSoon = true
		e.logger.Info("bundle received", "peer", ins.from, "bid", ins.a.BID, "version", ins.a.Version,
			"bytes", len(ins.a.Body), "took", r.Took)
		return
	}
	e.counters.InsertFailed++
	reason := "store"
	if errors.Is(r.Err, store.ErrRejected) {
		reason = "rejected"
		if p, ok := e.peers.Lookup(ins.from); ok {
			p.Reject(ins.a)
		}
		if i, ok := e.sel.Find(ins.a.BID); ok {
			e.sel.NoteInsertFailure(i)
		}
	}
	e.metrics.InsertFailures.With("reason", reason).Add(1)
	err := newPeerError("insert", ins.from.String(), r.Err)
	if reason == "rejected" && !e.debug[DebugLogRejects] {
		e.logger.Debug("bundle rejected", "bid", ins.a.BID, "version", ins.a.Version, "err", err)
		return
	}
	e.logger.Error("bundle insert failed", "bid", ins.a.BID, "version", ins.a.Version, "err", err)
}

func (e *Engine) handleFetched(tag fetchTag, r store.Result, now time.Time) {
	if tag.index != e.cache.wantIndex || tag.version != e.cache.wantVersion {
		return
	}
	if r.Err != nil {
		e.cache.errors++
		e.counters.CacheErrors++
		e.logger.Error("content fetch failed", "id", e.cache.wantID, "attempt", e.cache.errors, "err", wrapError("fetch", r.Err))
		if e.cache.errors >= e.cfg.MaxCacheErrors {
			// rest the bundle for a full reannounce period.
			b := e.mustBundle(tag.index)
			e.sel.Advance(tag.index, true, b.ManifestLength, now)
			e.sel.Advance(tag.index, false, b.Length, now)
			e.cache.wantIndex = -1
		}
		return
	}
	e.cache.index, e.cache.version = tag.index, tag.version
	e.cache.manifest, e.cache.body = r.Manifest, r.Body
	e.cache.errors = 0
	if b := e.mustBundle(tag.index); b.ManifestLength != uint64(len(r.Manifest)) || b.Length != uint64(len(r.Body)) {
		b.ManifestLength, b.Length = uint64(len(r.Manifest)), uint64(len(r.Body))
		e.sel.Upsert(b)
		e.treeDirty = true
	}
	e.trace(DebugAnnounce, "content cached", "bid", e.mustBundle(tag.index).BID, "version", tag.version,
		"manifest", len(r.Manifest), "body", len(r.Body))
}

func (e *Engine) applyPage(pg store.Page) {
	if pg.Token != "" {
		e.token = pg.Token
	}
	added := 0
	for _, sb := range pg.Bundles {
		b := e.toTxBundle(sb)
		if e.cfg.MeshMSOnly && !b.MeshMS() {
			continue
		}
		if b.Version < e.cfg.MinVersion {
			continue
		}
		if _, changed := e.sel.Upsert(b); changed {
			added++
			e.treeDirty = true
			e.trace(DebugBundleLog, "bundle", "bid", b.BID, "version", b.Version, "service", b.Service, "len", b.Length)
		}
		// transfers of what we now hold are pointless.
		e.peers.Each(func(_ peers.Handle, p *peers.Peer) {
			if pt, ok := p.Partial(b.BID); ok && pt.Version <= b.Version {
				p.Drop(b.BID)
			}
		})
	}
	if added > 0 {
		e.logger.Debug("store listing applied", "changed", added, "held", e.sel.Len(), "token", e.token)
	}
	e.metrics.BundlesHeld.Set(float64(e.sel.Len()))
}

func (e *Engine) toTxBundle(sb store.Bundle) txqueue.Bundle {
	b := txqueue.Bundle{
		BID:            sb.Prefix(),
		ID:             sb.ID,
		Version:        sb.Version,
		Service:        sb.Service,
		Length:         sb.Length,
		ManifestLength: sb.ManifestLength,
		Originated:     sb.FromHere || (e.sid != "" && sb.Author == e.sid),
	}
	b.Sender, _ = bar.ParsePeerPrefix(sb.Sender)
	b.Recipient, _ = bar.ParsePeerPrefix(sb.Recipient)
	return b
}

func (e *Engine) tick(now time.Time) {
	ep, ok := e.sched.Tick(now, e.peers.ActiveCount(now))
	if !ok {
		return
	}
	e.metrics.TxInterval.Set(ep.Interval.Seconds())
	e.metrics.CongestionRatio.Set(ep.Ratio)
	e.trace(DebugRadio, "epoch", "ratio", ep.Ratio, "seen", ep.Seen, "by_us", ep.ByUs,
		"interval", ep.Interval, "jitter", ep.Jitter)
	if ep.ResetRequested {
		e.metrics.TransportResets.With("reason", "silence").Add(1)
		if err := e.link.Reset(now, "channel silent"); err != nil {
			e.logger.Debug("silence reset skipped", "err", err)
		}
	}

	active := e.peers.Active(now)
	e.refreshChannel(active)
	e.metrics.ActivePeers.Set(float64(len(active)))
	e.metrics.PartialsInFlight.Set(float64(e.peers.InFlight()))
	e.metrics.QueueOverflow.Set(float64(e.sel.Overflow()))
	for k, until := range e.recent {
		if !now.Before(until) {
			delete(e.recent, k)
		}
	}
	for k, s := range e.resumeLast {
		if now.Sub(s.at) >= resumeRepeat {
			delete(e.resumeLast, k)
		}
	}
}

// refreshChannel keeps the on-channel set used by priority in step with the
// active peers.
func (e *Engine) refreshChannel(active []*peers.Peer) {
	next := make(map[bar.PeerPrefix]bool, len(active))
	for _, p := range active {
		next[p.Prefix] = true
	}
	changed := len(next) != len(e.onChannel)
	for p := range e.onChannel {
		if !next[p] {
			changed = true
			e.sel.Forget(p)
		}
	}
	if !changed {
		return
	}
	e.onChannel = next
	e.sel.Reprioritise()
}

func (e *Engine) transmit(now time.Time) {
	if e.cfg.Monitor || !e.sched.ReadyToSend(now) {
		return
	}
	w := frame.NewWriter(frame.Header{Sender: e.self, Instance: e.instance, Seq: e.seq}, e.codec.MTU())

	if int(e.seq)%e.cfg.Time.StampEvery == 0 && e.clock.Stratum() != 0xff {
		w.AddStamp(e.clock.Announce())
	}
	e.writeResumes(w, now)
	e.writeNodes(w)
	bars := e.writeBARs(w, barsPerFrame)
	adv, sentPiece := e.writePiece(w, now)
	if !sentPiece {
		e.writeBARs(w, w.Room()/(1+bar.DescriptorLen))
	}
	if w.Empty() {
		return
	}

	payload := w.Bytes()
	enc, err := e.codec.Encode(payload)
	if err != nil {
		e.logger.Error("frame encode failed", "err", wrapError("encode", err))
		return
	}
	if err := e.link.Write(enc, now); err != nil {
		e.logger.Debug("transmit failed", "err", wrapError("write", err))
		e.sched.Defer(now)
		e.sel.Unsend(bars)
		return
	}
	e.sched.MarkSent(now)
	e.seq++
	e.counters.FramesOut++
	e.metrics.FramesSent.Add(1)
	e.metrics.FrameSizeBytes.Observe(float64(len(payload)))
	if adv != nil {
		e.sel.Advance(adv.index, adv.isManifest, adv.end, now)
	}
	e.trace(DebugRadio, "sent", "seq", e.seq-1, "bytes", len(payload), "piece", sentPiece)
}

func (e *Engine) writeResumes(w *frame.Writer, now time.Time) {
	for len(e.resumesOut) > 0 {
		r := e.resumesOut[0]
		if !w.AddResume(r) {
			return
		}
		e.resumesOut = e.resumesOut[1:]
		e.resumeLast[resumeKey{r.Target, r.BID}] = resumeSent{offset: r.Offset, at: now}
		e.counters.ResumesSent++
		e.trace(DebugPull, "resume sent", "peer", r.Target, "bid", r.BID, "kind", r.Kind, "offset", r.Offset)
	}
}

func (e *Engine) writeNodes(w *frame.Writer) {
	if !e.cfg.TreeNodes {
		return
	}
	for len(e.nodesOut) > 0 && w.AddNode(e.nodesOut[0]) {
		e.nodesOut = e.nodesOut[1:]
	}
	if e.seq%4 == 0 && e.sel.Len() > 0 {
		w.AddNode(frame.TreeNode{XOR: e.syncTree().Root()})
	}
}

// writeBARs adds up to n announcement records and returns the indexes that
// went in.
func (e *Engine) writeBARs(w *frame.Writer, n int) []int {
	if n <= 0 {
		return nil
	}
	idx := e.sel.NextBARs(n)
	var sent, unsent []int
	for _, i := range idx {
		b, ok := e.sel.Bundle(i)
		if ok && w.AddBAR(b.Descriptor()) {
			sent = append(sent, i)
			continue
		}
		unsent = append(unsent, i)
	}
	if len(unsent) > 0 {
		e.sel.Unsend(unsent)
	}
	if len(sent) > 0 {
		e.trace(DebugAnnounce, "bars", "count", len(sent))
	}
	return sent
}

// pickTarget chooses whom the next piece is aimed at, favouring peers that
// hear us well. The zero prefix means nobody in particular.
func (e *Engine) pickTarget(now time.Time) (bar.PeerPrefix, txqueue.Peer) {
	active := e.peers.Active(now)
	if len(active) == 0 {
		return bar.PeerPrefix{}, nil
	}
	choices := make([]weightedrand.Choice, len(active))
	for i, p := range active {
		choices[i] = weightedrand.Choice{Item: p, Weight: uint(p.Quality()*100) + 1}
	}
	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		return active[0].Prefix, active[0]
	}
	p := chooser.PickSource(e.rnd).(*peers.Peer)
	return p.Prefix, p
}

func (e *Engine) writePiece(w *frame.Writer, now time.Time) (*advance, bool) {
	if e.sel.Len() == 0 {
		return nil, false
	}
	target, peer := e.pickTarget(now)
	ann, ok := e.sel.Next(target, peer, now)
	if !ok {
		return nil, false
	}
	b := ann.Bundle
	if !e.cache.holds(ann.Index, b.Version) {
		e.cache.want(ann.Index, b.Version, b.ID)
		return nil, false
	}
	kind, data := frame.KindBody, e.cache.body
	if ann.IsManifest {
		kind, data = frame.KindManifest, e.cache.manifest
	}
	off := ann.Offset
	if off > uint64(len(data)) {
		off = uint64(len(data))
	}
	before := w.Len()
	n := w.AddPiece(frame.Piece{
		Kind:    kind,
		BID:     b.BID,
		Version: b.Version,
		Offset:  uint32(off),
		Data:    data[off:],
		Final:   true,
	})
	if w.Len() == before {
		return nil, false
	}
	if kind == frame.KindBody && off == 0 {
		w.AddLength(frame.Length{BID: b.BID, Version: b.Version, Kind: frame.KindBody, Length: uint32(len(data))})
	}
	e.trace(DebugMessagePieces, "piece out", "bid", b.BID, "version", b.Version, "kind", kind,
		"offset", off, "len", n, "target", target)
	return &advance{index: ann.Index, isManifest: ann.IsManifest, end: off + uint64(n)}, true
}

func (e *Engine) periodic(now time.Time) {
	if now.Sub(e.lastProgress) >= e.cfg.ProgressInterval {
		e.lastProgress = now
		e.logProgress()
	}
	if e.cfg.Status.File != "" && now.Sub(e.lastStatus) >= e.cfg.Status.Interval {
		e.lastStatus = now
		if err := WriteStatusFile(e.cfg.Status.File, e.snapshot(now)); err != nil {
			e.logger.Error("status file write failed", "path", e.cfg.Status.File, "err", err)
		}
	}
}

func (e *Engine) logProgress() {
	e.peers.Each(func(_ peers.Handle, p *peers.Peer) {
		for _, pt := range p.Partials() {
			have, total := pt.Progress()
			pct := 0
			if total > 0 {
				pct = int(have * 100 / total)
			}
			e.logger.Info("receiving", "peer", p.Prefix, "bid", pt.BID, "version", pt.Version,
				"have", have, "total", total, "percent", pct)
		}
	})
}
