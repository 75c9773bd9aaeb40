// Package store is the engine's view of the bundle store: a narrow
// interface, two implementations (a servald REST client and an embedded
// bbolt database) and an asynchronous wrapper that keeps at most one request
// outstanding.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/unkn0wn-root/lbsync/bar"
)

var (
	ErrNotFound = errors.New("store: bundle not found")
	ErrRejected = errors.New("store: bundle rejected")
	ErrBusy     = errors.New("store: request already outstanding")
)

// Match selects which versions Lookup accepts.
type Match int

const (
	MatchExact Match = iota
	MatchOrOlder
	MatchOrNewer
)

func (m Match) String() string {
	switch m {
	case MatchOrOlder:
		return "or-older"
	case MatchOrNewer:
		return "or-newer"
	}
	return "exact"
}

// Bundle is the store's metadata for one bundle.
type Bundle struct {
	ID             string // 64 hex digits
	Version        uint64
	Service        string
	Author         string
	Sender         string
	Recipient      string
	Length         uint64
	FileHash       string
	ManifestLength uint64
	FromHere       bool
}

// Prefix is the BAR prefix of the bundle id.
func (b Bundle) Prefix() bar.BundlePrefix {
	p, _ := bar.ParseBundlePrefix(b.ID)
	return p
}

// Accepts reports whether version v satisfies m against b.
func (m Match) Accepts(have, want uint64) bool {
	switch m {
	case MatchOrOlder:
		return have <= want
	case MatchOrNewer:
		return have >= want
	}
	return have == want
}

// Page is the result of one Load.
type Page struct {
	Bundles []Bundle
	// Token resumes the listing after the bundles in this page.
	Token string
}

// Store is the bundle store collaborator.
type Store interface {
	// Load lists bundles changed since token; an empty token lists all.
	Load(ctx context.Context, token string) (Page, error)
	// Update validates and inserts a bundle. Validation failures wrap
	// ErrRejected.
	Update(ctx context.Context, manifest, body []byte) error
	// Lookup finds a bundle by id prefix and version.
	Lookup(ctx context.Context, prefix bar.BundlePrefix, version uint64, m Match) (Bundle, error)
	// Fetch returns the manifest and payload of a bundle.
	Fetch(ctx context.Context, id string) (manifest, body []byte, err error)
}

func normID(id string) string { return strings.ToUpper(id) }
