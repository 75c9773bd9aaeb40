package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/google/orderedcode"
	"go.etcd.io/bbolt"

	"github.com/unkn0wn-root/lbsync/bar"
)

var (
	bucketManifests = []byte("manifests") // orderedcode(prefix, version) -> record
	bucketBodies    = []byte("bodies")    // id -> payload
	bucketLog       = []byte("log")       // seq -> manifests key
)

// BoltStore keeps bundles in a local bbolt file. Only the newest version of
// each bundle is retained.
type BoltStore struct {
	db    *bbolt.DB
	codec Codec[record]
	now   func() time.Time
	// Author marks bundles inserted through this store as originated here.
	Author string
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketManifests, bucketBodies, bucketLog} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db, codec: CBORCodec[record]{}, now: time.Now}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func manifestKey(prefix bar.BundlePrefix, version uint64) []byte {
	k, err := orderedcode.Append(nil, string(prefix[:]), version)
	if err != nil {
		panic(err) // only fails on unsupported item types
	}
	return k
}

func prefixOfKey(k []byte) (bar.BundlePrefix, uint64, bool) {
	var p string
	var v uint64
	var out bar.BundlePrefix
	if _, err := orderedcode.Parse(string(k), &p, &v); err != nil || len(p) != bar.BundlePrefixLen {
		return out, 0, false
	}
	copy(out[:], p)
	return out, v, true
}

func seqKey(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

// Update validates and stores a bundle, replacing older versions.
func (s *BoltStore) Update(_ context.Context, manifest, body []byte) error {
	m, err := ParseManifest(manifest)
	if err != nil {
		return err
	}
	if err := m.Verify(body); err != nil {
		return err
	}
	b := m.Bundle()
	prefix := b.Prefix()

	return s.db.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(bucketManifests)
		// drop older versions; refuse if we already hold this one or newer.
		c := mb.Cursor()
		lo := manifestKey(prefix, 0)
		var stale [][]byte
		for k, _ := c.Seek(lo); k != nil; k, _ = c.Next() {
			p, v, ok := prefixOfKey(k)
			if !ok || p != prefix {
				break
			}
			if v >= b.Version {
				return fmt.Errorf("%w: have version %d", ErrRejected, v)
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := mb.Delete(k); err != nil {
				return err
			}
		}

		lb := tx.Bucket(bucketLog)
		seq, err := lb.NextSequence()
		if err != nil {
			return err
		}
		rec := record{
			ID:        b.ID,
			Version:   b.Version,
			Service:   b.Service,
			Author:    b.Author,
			Sender:    b.Sender,
			Recipient: b.Recipient,
			Length:    b.Length,
			FileHash:  b.FileHash,
			FromHere:  s.Author != "" && (b.Author == s.Author || b.Sender == s.Author),
			Manifest:  append([]byte(nil), manifest...),
			Seq:       seq,
			Inserted:  s.now().UnixNano(),
		}
		enc, err := s.codec.Encode(rec)
		if err != nil {
			return err
		}
		key := manifestKey(prefix, b.Version)
		if err := mb.Put(key, enc); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBodies).Put([]byte(b.ID), append([]byte(nil), body...)); err != nil {
			return err
		}
		return lb.Put(seqKey(seq), key)
	})
}

// Load lists bundles inserted after token, which is a log sequence number.
func (s *BoltStore) Load(_ context.Context, token string) (Page, error) {
	var after uint64
	if token != "" {
		v, err := strconv.ParseUint(token, 10, 64)
		if err != nil {
			return Page{}, fmt.Errorf("store: bad token %q: %w", token, err)
		}
		after = v
	}
	page := Page{Token: token}
	err := s.db.View(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(bucketManifests)
		c := tx.Bucket(bucketLog).Cursor()
		for k, key := c.Seek(seqKey(after + 1)); k != nil; k, key = c.Next() {
			page.Token = strconv.FormatUint(binary.BigEndian.Uint64(k), 10)
			raw := mb.Get(key)
			if raw == nil {
				continue // superseded
			}
			rec, err := s.codec.Decode(raw)
			if err != nil {
				return err
			}
			page.Bundles = append(page.Bundles, rec.bundle())
		}
		return nil
	})
	return page, err
}

// Lookup finds the held version of prefix and checks it against m.
func (s *BoltStore) Lookup(_ context.Context, prefix bar.BundlePrefix, version uint64, m Match) (Bundle, error) {
	var out Bundle
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketManifests).Cursor()
		k, raw := c.Seek(manifestKey(prefix, 0))
		if k == nil {
			return ErrNotFound
		}
		p, v, ok := prefixOfKey(k)
		if !ok || p != prefix || !m.Accepts(v, version) {
			return ErrNotFound
		}
		rec, err := s.codec.Decode(raw)
		if err != nil {
			return err
		}
		out = rec.bundle()
		return nil
	})
	return out, err
}

// Fetch returns a bundle's manifest and payload by full id.
func (s *BoltStore) Fetch(_ context.Context, id string) ([]byte, []byte, error) {
	id = normID(id)
	prefix, err := bar.ParseBundlePrefix(id)
	if err != nil {
		return nil, nil, fmt.Errorf("store: %w", err)
	}
	var manifest, body []byte
	err = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketManifests).Cursor()
		k, raw := c.Seek(manifestKey(prefix, 0))
		if k == nil {
			return ErrNotFound
		}
		if p, _, ok := prefixOfKey(k); !ok || p != prefix {
			return ErrNotFound
		}
		rec, err := s.codec.Decode(raw)
		if err != nil {
			return err
		}
		if rec.ID != id {
			return ErrNotFound
		}
		manifest = append([]byte(nil), rec.Manifest...)
		body = append([]byte(nil), tx.Bucket(bucketBodies).Get([]byte(id))...)
		return nil
	})
	return manifest, body, err
}
