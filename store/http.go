package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync"

	"github.com/unkn0wn-root/lbsync/bar"
)

const maxFetch = 16 << 20

// HTTPStore talks to a servald-style REST bundle store. Lookups are answered
// from the metadata collected by Load.
type HTTPStore struct {
	base   string
	user   string
	pass   string
	client *http.Client

	mu    sync.Mutex
	known map[bar.BundlePrefix]Bundle
}

// NewHTTPStore returns a client for host:port (or a full base URL).
// credential is "user:password".
func NewHTTPStore(addr, credential string, client *http.Client) *HTTPStore {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	user, pass, _ := strings.Cut(credential, ":")
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPStore{
		base:   strings.TrimRight(base, "/"),
		user:   user,
		pass:   pass,
		client: client,
		known:  make(map[bar.BundlePrefix]Bundle),
	}
}

func (s *HTTPStore) request(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, body)
	if err != nil {
		return nil, err
	}
	if s.user != "" {
		req.SetBasicAuth(s.user, s.pass)
	}
	return req, nil
}

// Load lists bundles. With a token it uses the newsince listing, which the
// server holds open; whatever arrived before ctx expires is returned.
func (s *HTTPStore) Load(ctx context.Context, token string) (Page, error) {
	path := "/restful/rhizome/bundlelist.json"
	if token != "" {
		path = "/restful/rhizome/newsince/" + token + "/bundlelist.json"
	}
	req, err := s.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return Page{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("store: load: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("store: load: %s", resp.Status)
	}

	page := Page{Token: token}
	err = decodeBundleList(resp.Body, func(b Bundle, tok string) {
		page.Bundles = append(page.Bundles, b)
		if tok != "" {
			page.Token = tok
		}
	})
	if err != nil && !(len(page.Bundles) > 0 && ctx.Err() != nil) {
		return Page{}, fmt.Errorf("store: load: %w", err)
	}

	s.mu.Lock()
	for _, b := range page.Bundles {
		p := b.Prefix()
		if old, ok := s.known[p]; !ok || b.Version >= old.Version {
			s.known[p] = b
		}
	}
	s.mu.Unlock()
	return page, nil
}

// decodeBundleList streams {"header":[...],"rows":[[...],...]}.
func decodeBundleList(r io.Reader, emit func(Bundle, string)) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	var header []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch tok {
		case "header":
			if err := dec.Decode(&header); err != nil {
				return err
			}
		case "rows":
			if err := expectDelim(dec, '['); err != nil {
				return err
			}
			for dec.More() {
				var row []interface{}
				if err := dec.Decode(&row); err != nil {
					return err
				}
				b, tok, err := rowToBundle(header, row)
				if err != nil {
					return err
				}
				emit(b, tok)
			}
			if err := expectDelim(dec, ']'); err != nil {
				return err
			}
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return err
			}
		}
	}
	return expectDelim(dec, '}')
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("unexpected %v, want %v", tok, want)
	}
	return nil
}

func rowToBundle(header []string, row []interface{}) (Bundle, string, error) {
	if len(header) == 0 {
		return Bundle{}, "", errors.New("rows before header")
	}
	var b Bundle
	var token string
	for i, col := range header {
		if i >= len(row) || row[i] == nil {
			continue
		}
		str := fmt.Sprint(row[i])
		switch col {
		case ".token":
			token = str
		case "id":
			b.ID = normID(str)
		case "version":
			v, err := strconv.ParseUint(str, 10, 64)
			if err != nil {
				return Bundle{}, "", fmt.Errorf("row version %q: %w", str, err)
			}
			b.Version = v
		case "service":
			b.Service = str
		case ".author":
			b.Author = str
		case ".fromhere":
			b.FromHere = str == "1" || str == "true"
		case "filesize":
			n, err := strconv.ParseUint(str, 10, 64)
			if err != nil {
				return Bundle{}, "", fmt.Errorf("row filesize %q: %w", str, err)
			}
			b.Length = n
		case "filehash":
			b.FileHash = strings.ToUpper(str)
		case "sender":
			b.Sender = str
		case "recipient":
			b.Recipient = str
		}
	}
	if len(b.ID) != 64 {
		return Bundle{}, "", fmt.Errorf("row id %q", b.ID)
	}
	return b, token, nil
}

// Update posts a bundle to the insert endpoint. 4xx answers are rejections.
func (s *HTTPStore) Update(ctx context.Context, manifest, body []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	parts := []struct {
		name, ctype string
		data        []byte
	}{
		{"manifest", "rhizome/manifest; format=text+binarysig", manifest},
		{"payload", "application/octet-stream", body},
	}
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, p.name, p.name))
		h.Set("Content-Type", p.ctype)
		w, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		if _, err := w.Write(p.data); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := s.request(ctx, http.MethodPost, "/restful/rhizome/insert", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("store: insert: %w", err)
	}
	defer resp.Body.Close()
	reason, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: %s: %s", ErrRejected, resp.Status, strings.TrimSpace(string(reason)))
	}
	return fmt.Errorf("store: insert: %s", resp.Status)
}

// Lookup answers from metadata seen by Load.
func (s *HTTPStore) Lookup(_ context.Context, prefix bar.BundlePrefix, version uint64, m Match) (Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.known[prefix]
	if !ok || !m.Accepts(b.Version, version) {
		return Bundle{}, ErrNotFound
	}
	return b, nil
}

// Fetch downloads the manifest and raw payload.
func (s *HTTPStore) Fetch(ctx context.Context, id string) ([]byte, []byte, error) {
	id = normID(id)
	manifest, err := s.get(ctx, "/restful/rhizome/"+id+".rhm")
	if err != nil {
		return nil, nil, err
	}
	body, err := s.get(ctx, "/restful/rhizome/"+id+"/raw.bin")
	if err != nil {
		return nil, nil, err
	}
	return manifest, body, nil
}

func (s *HTTPStore) get(ctx context.Context, path string) ([]byte, error) {
	req, err := s.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", path, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("store: get %s: %s", path, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFetch))
}
