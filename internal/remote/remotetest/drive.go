// Package remotetest provides an in-process fake of the Drive app-data
// endpoints used by remote.Client, for tests.
package remotetest

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

var nameQuery = regexp.MustCompile(`name = '((?:[^'\\]|\\.)*)'`)

type file struct {
	id       string
	name     string
	content  []byte
	modified time.Time
}

// Drive is a fake Drive server. The zero token accepts any bearer.
type Drive struct {
	*httptest.Server

	mu      sync.Mutex
	token   string
	files   map[string]*file
	nextID  int
	clock   time.Time
	failing map[string][]int
	calls   map[string]int
}

// NewDrive starts a fake Drive server that requires the given bearer
// token. The server is closed when the test ends.
func NewDrive(t testing.TB, token string) *Drive {
	t.Helper()

	d := &Drive{
		token:   token,
		files:   make(map[string]*file),
		clock:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		failing: make(map[string][]int),
		calls:   make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /drive/v3/files", d.wrap("find", d.handleList))
	mux.HandleFunc("GET /drive/v3/files/{id}", d.wrap("download", d.handleDownload))
	mux.HandleFunc("POST /upload/drive/v3/files", d.wrap("upload", d.handleCreate))
	mux.HandleFunc("PATCH /upload/drive/v3/files/{id}", d.wrap("upload", d.handleReplace))
	mux.HandleFunc("DELETE /drive/v3/files/{id}", d.wrap("delete", d.handleDelete))

	d.Server = httptest.NewServer(mux)
	t.Cleanup(d.Close)

	return d
}

// SetToken changes the accepted bearer token, e.g. to simulate expiry.
func (d *Drive) SetToken(token string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.token = token
}

// FailNext queues status codes returned by the next calls of op
// ("find", "download", "upload", "delete") before normal handling resumes.
func (d *Drive) FailNext(op string, statuses ...int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing[op] = append(d.failing[op], statuses...)
}

// Calls returns how many requests reached op, including failed ones.
func (d *Drive) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// Content returns the content of the named file and whether it exists.
func (d *Drive) Content(name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, f := range d.files {
		if f.name == name {
			return append([]byte{}, f.content...), true
		}
	}

	return nil, false
}

// Put seeds a file directly, bypassing the API.
func (d *Drive) Put(name string, content []byte) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	f := d.newFile(name)
	f.content = append([]byte{}, content...)

	return f.id
}

func (d *Drive) newFile(name string) *file {
	d.nextID++
	d.clock = d.clock.Add(time.Second)

	f := &file{id: fmt.Sprintf("file-%d", d.nextID), name: name, modified: d.clock}
	d.files[f.id] = f

	return f
}

func (d *Drive) wrap(op string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		d.calls[op]++

		if q := d.failing[op]; len(q) > 0 {
			status := q[0]
			d.failing[op] = q[1:]
			d.mu.Unlock()
			writeError(w, status, "injected failure")

			return
		}

		token := d.token
		d.mu.Unlock()

		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeError(w, http.StatusUnauthorized, "Invalid Credentials")
			return
		}

		h(w, r)
	}
}

func (d *Drive) handleList(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("spaces") != "appDataFolder" {
		writeError(w, http.StatusBadRequest, "only appDataFolder is supported")
		return
	}

	m := nameQuery.FindStringSubmatch(r.URL.Query().Get("q"))
	if m == nil {
		writeError(w, http.StatusBadRequest, "query must filter by name")
		return
	}

	name := strings.NewReplacer(`\'`, `'`, `\\`, `\`).Replace(m[1])

	d.mu.Lock()
	var latest *file
	for _, f := range d.files {
		if f.name == name && (latest == nil || f.modified.After(latest.modified)) {
			latest = f
		}
	}

	files := []map[string]string{}
	if latest != nil {
		files = append(files, metadata(latest))
	}
	d.mu.Unlock()

	writeJSON(w, map[string]interface{}{"files": files})
}

func (d *Drive) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("alt") != "media" {
		writeError(w, http.StatusBadRequest, "alt=media required")
		return
	}

	d.mu.Lock()
	f, ok := d.files[r.PathValue("id")]
	var content []byte
	if ok {
		content = append([]byte{}, f.content...)
	}
	d.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(content)
}

func (d *Drive) handleCreate(w http.ResponseWriter, r *http.Request) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/related" || r.URL.Query().Get("uploadType") != "multipart" {
		writeError(w, http.StatusBadRequest, "multipart/related upload required")
		return
	}

	mr := multipart.NewReader(r.Body, params["boundary"])

	metaPart, err := mr.NextPart()
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing metadata part")
		return
	}

	var meta struct {
		Name    string   `json:"name"`
		Parents []string `json:"parents"`
	}
	if err := json.NewDecoder(metaPart).Decode(&meta); err != nil || meta.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid metadata")
		return
	}

	dataPart, err := mr.NextPart()
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing media part")
		return
	}

	content, err := io.ReadAll(dataPart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading media part")
		return
	}

	d.mu.Lock()
	f := d.newFile(meta.Name)
	f.content = content
	md := metadata(f)
	d.mu.Unlock()

	writeJSON(w, md)
}

func (d *Drive) handleReplace(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}

	d.mu.Lock()
	f, ok := d.files[r.PathValue("id")]
	var md map[string]string
	if ok {
		d.clock = d.clock.Add(time.Second)
		f.content = content
		f.modified = d.clock
		md = metadata(f)
	}
	d.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}

	writeJSON(w, md)
}

func (d *Drive) handleDelete(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	_, ok := d.files[r.PathValue("id")]
	delete(d.files, r.PathValue("id"))
	d.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func metadata(f *file) map[string]string {
	return map[string]string{
		"id":           f.id,
		"name":         f.name,
		"modifiedTime": f.modified.Format(time.RFC3339Nano),
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{"code": status, "message": msg},
	})
}
