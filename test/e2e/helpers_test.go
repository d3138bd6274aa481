package e2e_test

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alexjbarnes/kb-sync/internal/dify"
	"github.com/alexjbarnes/kb-sync/internal/reconcile"
	"github.com/alexjbarnes/kb-sync/internal/scan"
	"github.com/alexjbarnes/kb-sync/internal/state"
	"github.com/alexjbarnes/kb-sync/internal/syncer"
	"github.com/stretchr/testify/require"
)

const (
	testAPIKey  = "dataset-e2e-key"
	testKB      = "kb-e2e"
	testFieldID = "field-directory"
)

type document struct {
	ID        string
	KB        string
	Name      string
	Content   string
	Status    string
	Directory string
}

// fakeKnowledgeBase is an in-memory stand-in for the knowledge base API,
// serving the document endpoints the client uses.
type fakeKnowledgeBase struct {
	mu        sync.Mutex
	docs      map[string]*document
	nextID    int
	failNext  int
	failCode  int
	creates   int
	badTokens int
}

func newFakeKnowledgeBase() *fakeKnowledgeBase {
	return &fakeKnowledgeBase{docs: make(map[string]*document)}
}

func (f *fakeKnowledgeBase) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /datasets/{kb}/document/create-by-file", f.create)
	mux.HandleFunc("POST /datasets/{kb}/documents/{doc}/update-by-file", f.update)
	mux.HandleFunc("POST /datasets/{kb}/documents/metadata", f.metadata)
	mux.HandleFunc("GET /datasets/{kb}/documents/{doc}", f.status)
	mux.HandleFunc("DELETE /datasets/{kb}/documents/{doc}", f.remove)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()

		if r.Header.Get("Authorization") != "Bearer "+testAPIKey {
			f.badTokens++
			f.mu.Unlock()
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid token"})

			return
		}

		if f.failNext > 0 {
			f.failNext--
			f.mu.Unlock()
			writeJSON(w, f.failCode, map[string]string{"message": "busy"})

			return
		}
		f.mu.Unlock()

		mux.ServeHTTP(w, r)
	})
}

func (f *fakeKnowledgeBase) create(w http.ResponseWriter, r *http.Request) {
	name, content, ok := readUpload(w, r)
	if !ok {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	f.creates++

	doc := &document{
		ID:      fmt.Sprintf("doc-%d", f.nextID),
		KB:      r.PathValue("kb"),
		Name:    name,
		Content: content,
		Status:  "indexing",
	}
	f.docs[doc.ID] = doc

	writeJSON(w, http.StatusOK, map[string]any{"document": map[string]string{"id": doc.ID, "name": doc.Name}})
}

func (f *fakeKnowledgeBase) update(w http.ResponseWriter, r *http.Request) {
	name, content, ok := readUpload(w, r)
	if !ok {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	doc, found := f.docs[r.PathValue("doc")]
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "document not found"})
		return
	}

	doc.Name = name
	doc.Content = content
	doc.Status = "indexing"

	writeJSON(w, http.StatusOK, map[string]any{"document": map[string]string{"id": doc.ID}})
}

func (f *fakeKnowledgeBase) metadata(w http.ResponseWriter, r *http.Request) {
	var req dify.MetadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, op := range req.OperationData {
		doc, found := f.docs[op.DocumentID]
		if !found {
			continue
		}

		for _, item := range op.MetadataList {
			if item.ID == testFieldID {
				doc.Directory = item.Value
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

func (f *fakeKnowledgeBase) status(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, found := f.docs[r.PathValue("doc")]
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "document not found"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": doc.ID, "name": doc.Name, "display_status": doc.Status})
}

func (f *fakeKnowledgeBase) remove(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := r.PathValue("doc")
	if _, found := f.docs[id]; !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "document not found"})
		return
	}

	delete(f.docs, id)
	w.WriteHeader(http.StatusNoContent)
}

// byName returns the single document named name, or nil.
func (f *fakeKnowledgeBase) byName(name string) *document {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, d := range f.docs {
		if d.Name == name {
			cp := *d
			return &cp
		}
	}

	return nil
}

func (f *fakeKnowledgeBase) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.docs)
}

func (f *fakeKnowledgeBase) setStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.docs[id].Status = status
}

func (f *fakeKnowledgeBase) drop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.docs, id)
}

func (f *fakeKnowledgeBase) failRequests(n int) {
	f.failRequestsWith(n, http.StatusServiceUnavailable)
}

func (f *fakeKnowledgeBase) failRequestsWith(n, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failNext = n
	f.failCode = code
}

func readUpload(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return "", "", false
	}

	if r.FormValue("data") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "missing data"})
		return "", "", false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return "", "", false
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return "", "", false
	}

	return header.Filename, string(content), true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// harness holds the full e2e stack: a temp tree to sync, a sqlite state
// database and a fake knowledge base behind a real HTTP server.
type harness struct {
	Root string
	DSN  string
	KB   *fakeKnowledgeBase
	URL  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	kb := newFakeKnowledgeBase()
	srv := httptest.NewServer(kb.handler())
	t.Cleanup(srv.Close)

	return &harness{
		Root: t.TempDir(),
		DSN:  "sqlite://" + filepath.Join(t.TempDir(), "state.db"),
		KB:   kb,
		URL:  srv.URL + "/v1",
	}
}

// newSyncer wires a syncer over the harness. Each call opens its own
// store connection, as a restarted process would.
func (h *harness) newSyncer(t *testing.T) (*syncer.Syncer, state.Store) {
	t.Helper()

	logger := testLogger()

	store, err := state.Open(h.DSN)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	filter, err := scan.NewFilter(scan.Rules{
		Extensions:     []string{".md"},
		Blacklist:      []string{filepath.Join(h.Root, "tmp")},
		IgnorePatterns: []string{"/drafts/"},
		Roots:          []string{h.Root},
	})
	require.NoError(t, err)

	router, err := reconcile.NewRouter(map[string]string{h.Root: testKB})
	require.NoError(t, err)

	client := dify.NewClient(h.URL, testAPIKey, logger, dify.WithRetry(3, 0))

	s := syncer.New(
		syncer.Config{Roots: []string{h.Root}, Workers: 2, MetadataFieldID: testFieldID},
		scan.NewScanner(filter, 2, logger),
		reconcile.New(router, logger),
		store,
		client,
		logger,
	)

	return s, store
}

func (h *harness) write(t *testing.T, rel, content string) string {
	t.Helper()

	path := filepath.Join(h.Root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

// recordFor returns the persisted record for path, or nil.
func recordFor(t *testing.T, store state.Store, path string) *recordView {
	t.Helper()

	all, err := store.All()
	require.NoError(t, err)

	for _, rec := range all {
		if rec.Path == path {
			return &recordView{DocumentID: rec.DocumentID, KnowledgeBaseID: rec.KnowledgeBaseID, Digest: rec.ContentDigest}
		}
	}

	return nil
}

type recordView struct {
	DocumentID      string
	KnowledgeBaseID string
	Digest          string
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
