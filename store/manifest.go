package store

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Manifest is the text part of a bundle manifest: key=value lines, optionally
// followed by a NUL and a binary signature block.
type Manifest struct {
	Fields map[string]string
	// Raw is the complete manifest including any signature.
	Raw []byte
}

// ParseManifest reads the fields the store and the engine care about.
func ParseManifest(raw []byte) (Manifest, error) {
	text := raw
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		text = raw[:i]
	}
	m := Manifest{Fields: make(map[string]string), Raw: raw}
	for _, line := range strings.Split(string(text), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok || k == "" {
			return Manifest{}, fmt.Errorf("%w: malformed manifest line %q", ErrRejected, line)
		}
		m.Fields[k] = v
	}
	id := m.Fields["id"]
	if len(id) != 64 {
		return Manifest{}, fmt.Errorf("%w: manifest id %q", ErrRejected, id)
	}
	if _, err := hex.DecodeString(id); err != nil {
		return Manifest{}, fmt.Errorf("%w: manifest id %q", ErrRejected, id)
	}
	if _, err := strconv.ParseUint(m.Fields["version"], 10, 64); err != nil {
		return Manifest{}, fmt.Errorf("%w: manifest version: %v", ErrRejected, err)
	}
	if _, err := strconv.ParseUint(m.Fields["filesize"], 10, 64); err != nil {
		return Manifest{}, fmt.Errorf("%w: manifest filesize: %v", ErrRejected, err)
	}
	return m, nil
}

func (m Manifest) ID() string { return normID(m.Fields["id"]) }

func (m Manifest) Version() uint64 {
	v, _ := strconv.ParseUint(m.Fields["version"], 10, 64)
	return v
}

func (m Manifest) FileSize() uint64 {
	v, _ := strconv.ParseUint(m.Fields["filesize"], 10, 64)
	return v
}

// Bundle projects the manifest into store metadata.
func (m Manifest) Bundle() Bundle {
	return Bundle{
		ID:             m.ID(),
		Version:        m.Version(),
		Service:        m.Fields["service"],
		Author:         m.Fields["author"],
		Sender:         m.Fields["sender"],
		Recipient:      m.Fields["recipient"],
		Length:         m.FileSize(),
		FileHash:       strings.ToUpper(m.Fields["filehash"]),
		ManifestLength: uint64(len(m.Raw)),
	}
}

// Verify checks the payload against the manifest's size and hash.
func (m Manifest) Verify(body []byte) error {
	if uint64(len(body)) != m.FileSize() {
		return fmt.Errorf("%w: payload is %d bytes, manifest says %d", ErrRejected, len(body), m.FileSize())
	}
	if len(body) == 0 {
		return nil
	}
	want := m.Fields["filehash"]
	if !strings.EqualFold(want, FileHash(body)) {
		return fmt.Errorf("%w: payload hash mismatch", ErrRejected)
	}
	return nil
}

// FileHash is the content hash manifests carry for a payload.
func FileHash(body []byte) string {
	sum := sha512.Sum512(body)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// BuildManifest renders fields in key order, deriving filesize and filehash
// from body.
func BuildManifest(fields map[string]string, body []byte) []byte {
	f := make(map[string]string, len(fields)+2)
	for k, v := range fields {
		f[k] = v
	}
	f["filesize"] = strconv.Itoa(len(body))
	if len(body) > 0 {
		f["filehash"] = FileHash(body)
	} else {
		delete(f, "filehash")
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b bytes.Buffer
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(f[k])
		b.WriteByte('\n')
	}
	return b.Bytes()
}
