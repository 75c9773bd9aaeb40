package lbsync

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/creachadair/atomicfile"
	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unkn0wn-root/lbsync/bar"
	"github.com/unkn0wn-root/lbsync/frame"
	"github.com/unkn0wn-root/lbsync/peers"
	"github.com/unkn0wn-root/lbsync/radio"
)

type PartialStatus struct {
	BID     string `json:"bid"`
	Version uint64 `json:"version"`
	Have    uint64 `json:"have"`
	Total   uint64 `json:"total"`
	Errors  int    `json:"errors"`
}

type PeerStatus struct {
	Prefix    string          `json:"prefix"`
	Instance  uint32          `json:"instance"`
	LastHeard time.Time       `json:"last_heard"`
	Active    bool            `json:"active"`
	Frames    uint64          `json:"frames"`
	Missed    uint64          `json:"missed"`
	Quality   float64         `json:"quality"`
	RSSI      *int            `json:"rssi,omitempty"`
	SNR       *int            `json:"snr,omitempty"`
	Partials  []PartialStatus `json:"partials,omitempty"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	Time     time.Time `json:"time"`
	SID      string    `json:"sid,omitempty"`
	Instance uint32    `json:"instance"`
	Monitor  bool      `json:"monitor"`

	Interval time.Duration `json:"interval"`
	Jitter   time.Duration `json:"jitter"`
	Ratio    float64       `json:"ratio"`
	Seen     int           `json:"seen"`
	ByUs     int           `json:"by_us"`

	Bundles  int    `json:"bundles"`
	Overflow uint64 `json:"queue_overflow"`
	Token    string `json:"token,omitempty"`
	Pending  int    `json:"pending_inserts"`
	Stratum  uint8  `json:"stratum"`

	Counters Counters        `json:"counters"`
	Link     radio.LinkStats `json:"link"`
	Codec    frame.Stats     `json:"codec"`
	Peers    []PeerStatus    `json:"peers"`
}

// Status returns a snapshot safe to use from any goroutine. Liveness is
// judged at the time of the last loop iteration.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.lastStep
	if now.IsZero() {
		now = time.Now()
	}
	return e.snapshot(now)
}

func (e *Engine) snapshot(now time.Time) Status {
	last := e.sched.Last()
	seen, byUs := e.sched.Counters()
	s := Status{
		Time:     now,
		SID:      e.sid,
		Instance: e.instance,
		Monitor:  e.cfg.Monitor,
		Interval: e.sched.Interval(),
		Jitter:   e.sched.Jitter(),
		Ratio:    last.Ratio,
		Seen:     seen,
		ByUs:     byUs,
		Bundles:  e.sel.Len(),
		Overflow: e.sel.Overflow(),
		Token:    e.token,
		Pending:  len(e.inserts),
		Stratum:  e.clock.Stratum(),
		Counters: e.counters,
		Link:     e.link.Stats(),
		Codec:    e.codec.Stats(),
	}
	keepalive := e.peers.Keepalive()
	e.peers.Each(func(_ peers.Handle, p *peers.Peer) {
		s.Peers = append(s.Peers, peerStatus(p, p.Active(now, keepalive)))
	})
	return s
}

func peerStatus(p *peers.Peer, active bool) PeerStatus {
	ps := PeerStatus{
		Prefix:    p.Prefix.String(),
		Instance:  p.Instance,
		LastHeard: p.LastHeard,
		Active:    active,
		Frames:    p.Frames,
		Missed:    p.Missed,
		Quality:   p.Quality(),
	}
	if p.HasSignal {
		rssi, snr := p.RSSI, p.SNR
		ps.RSSI, ps.SNR = &rssi, &snr
	}
	for _, pt := range p.Partials() {
		have, total := pt.Progress()
		ps.Partials = append(ps.Partials, PartialStatus{
			BID:     pt.BID.String(),
			Version: pt.Version,
			Have:    have,
			Total:   total,
			Errors:  pt.Errors,
		})
	}
	return ps
}

// WriteStatusFile replaces path with the JSON form of s.
func WriteStatusFile(path string, s Status) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return wrapError("status", err)
	}
	data = append(data, '\n')
	if _, err := atomicfile.WriteAll(path, bytes.NewReader(data), 0o644); err != nil {
		return wrapError("status", err)
	}
	return nil
}

// StatusHandler serves the engine's status, its peers and the Prometheus
// registry.
func StatusHandler(e *Engine) http.Handler {
	r := chi.NewRouter()
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, e.Status())
	})
	r.Get("/peers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, e.Status().Peers)
	})
	r.Get("/peers/{prefix}", func(w http.ResponseWriter, req *http.Request) {
		prefix, err := bar.ParsePeerPrefix(chi.URLParam(req, "prefix"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		for _, p := range e.Status().Peers {
			if p.Prefix == prefix.String() {
				writeJSON(w, http.StatusOK, p)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown peer"})
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
