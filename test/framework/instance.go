package framework

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// FakeInstance is an in-process vector-store instance. Collection-level
// calls accept either name or identifier; document-level calls resolve
// strictly by identifier, the contract the engine's path projection has
// to satisfy, so a name leaking through to a document route 404s here.
//
// Suspend makes every endpoint answer 503, the probe included, which is
// how tests take an instance down without tearing its listener away.
type FakeInstance struct {
	name string

	mu     sync.Mutex
	byID   map[string]*fakeCollection
	byName map[string]string

	suspended atomic.Bool
	server    *httptest.Server
}

type fakeCollection struct {
	id   string
	name string
	docs map[string]fakeDocument
}

type fakeDocument struct {
	text     string
	metadata map[string]interface{}
}

// NewFakeInstance starts an instance listening on a local port
func NewFakeInstance(name string) *FakeInstance {
	f := &FakeInstance{
		name:   name,
		byID:   make(map[string]*fakeCollection),
		byName: make(map[string]string),
	}

	r := chi.NewRouter()
	r.Use(f.gate)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/version", f.handleVersion)
		r.Route("/collections", func(r chi.Router) {
			r.Get("/", f.handleListCollections)
			r.Post("/", f.handleCreateCollection)
			r.Get("/{ref}", f.handleGetCollection)
			r.Delete("/{ref}", f.handleDeleteCollection)
			r.Post("/{ref}/add", f.handleAdd)
			r.Post("/{ref}/upsert", f.handleAdd)
			r.Post("/{ref}/update", f.handleUpdate)
			r.Post("/{ref}/delete", f.handleDeleteDocs)
			r.Post("/{ref}/get", f.handleGetDocs)
			r.Post("/{ref}/query", f.handleGetDocs)
			r.Get("/{ref}/count", f.handleCount)
			r.Post("/{ref}/count", f.handleCount)
		})
	})

	f.server = httptest.NewServer(r)
	return f
}

// URL returns the instance's base URL
func (f *FakeInstance) URL() string {
	return f.server.URL
}

// Name returns the label the instance was created with
func (f *FakeInstance) Name() string {
	return f.name
}

// Close tears the listener down
func (f *FakeInstance) Close() {
	f.server.Close()
}

// Suspend makes every endpoint answer 503 until Resume
func (f *FakeInstance) Suspend() {
	f.suspended.Store(true)
}

// Resume restores normal service
func (f *FakeInstance) Resume() {
	f.suspended.Store(false)
}

// --- test inspection ---

// HasCollection reports whether a collection with this name exists
func (f *FakeInstance) HasCollection(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.byName[name]
	return ok
}

// CollectionID returns the identifier this instance assigned to the name,
// or "" when the collection does not exist
func (f *FakeInstance) CollectionID(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byName[name]
}

// Collections lists collection names, sorted
func (f *FakeInstance) Collections() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.byName))
	for name := range f.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DocCount returns the number of documents in the named collection
func (f *FakeInstance) DocCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.byID[f.byName[name]]; c != nil {
		return len(c.docs)
	}
	return 0
}

// Document returns a document's text by collection name and document id
func (f *FakeInstance) Document(collection, docID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.byID[f.byName[collection]]; c != nil {
		if d, ok := c.docs[docID]; ok {
			return d.text, true
		}
	}
	return "", false
}

// DocIDs lists document ids in the named collection, sorted
func (f *FakeInstance) DocIDs(collection string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.byID[f.byName[collection]]
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// --- handlers ---

func (f *FakeInstance) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.suspended.Load() {
			writeInstanceJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "instance suspended"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *FakeInstance) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeInstanceJSON(w, http.StatusOK, map[string]string{"version": "0.9.0", "instance": f.name})
}

func (f *FakeInstance) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string                 `json:"name"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeInstanceJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.byName[req.Name]; exists {
		writeInstanceJSON(w, http.StatusConflict, map[string]string{"error": "collection " + req.Name + " already exists"})
		return
	}

	c := &fakeCollection{
		id:   uuid.NewString(),
		name: req.Name,
		docs: make(map[string]fakeDocument),
	}
	f.byID[c.id] = c
	f.byName[c.name] = c.id

	writeInstanceJSON(w, http.StatusOK, map[string]interface{}{
		"id":       c.id,
		"name":     c.name,
		"metadata": req.Metadata,
	})
}

func (f *FakeInstance) handleListCollections(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]map[string]string, 0, len(f.byID))
	for _, name := range f.sortedNames() {
		out = append(out, map[string]string{"id": f.byName[name], "name": name})
	}
	writeInstanceJSON(w, http.StatusOK, out)
}

func (f *FakeInstance) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.resolve(chi.URLParam(r, "ref"))
	if c == nil {
		writeInstanceJSON(w, http.StatusNotFound, map[string]string{"error": "collection not found"})
		return
	}
	writeInstanceJSON(w, http.StatusOK, map[string]string{"id": c.id, "name": c.name})
}

func (f *FakeInstance) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.resolve(chi.URLParam(r, "ref"))
	if c == nil {
		writeInstanceJSON(w, http.StatusNotFound, map[string]string{"error": "collection not found"})
		return
	}
	delete(f.byID, c.id)
	delete(f.byName, c.name)
	writeInstanceJSON(w, http.StatusOK, map[string]string{"deleted": c.name})
}

type docPayload struct {
	IDs       []string                 `json:"ids"`
	Documents []string                 `json:"documents"`
	Metadatas []map[string]interface{} `json:"metadatas"`
	Where     map[string]interface{}   `json:"where"`
}

func (f *FakeInstance) handleAdd(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, req, ok := f.docRequest(w, r)
	if !ok {
		return
	}
	if len(req.IDs) == 0 ||
		(len(req.Documents) > 0 && len(req.Documents) != len(req.IDs)) ||
		(len(req.Metadatas) > 0 && len(req.Metadatas) != len(req.IDs)) {
		writeInstanceJSON(w, http.StatusBadRequest, map[string]string{"error": "ids, documents and metadatas must align"})
		return
	}

	for i, id := range req.IDs {
		doc := fakeDocument{}
		if i < len(req.Documents) {
			doc.text = req.Documents[i]
		}
		if i < len(req.Metadatas) {
			doc.metadata = req.Metadatas[i]
		}
		c.docs[id] = doc
	}
	writeInstanceJSON(w, http.StatusCreated, map[string]interface{}{"added": len(req.IDs)})
}

func (f *FakeInstance) handleUpdate(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, req, ok := f.docRequest(w, r)
	if !ok {
		return
	}

	updated := 0
	for i, id := range req.IDs {
		doc, exists := c.docs[id]
		if !exists {
			continue
		}
		if i < len(req.Documents) {
			doc.text = req.Documents[i]
		}
		if i < len(req.Metadatas) {
			doc.metadata = req.Metadatas[i]
		}
		c.docs[id] = doc
		updated++
	}
	writeInstanceJSON(w, http.StatusOK, map[string]interface{}{"updated": updated})
}

func (f *FakeInstance) handleDeleteDocs(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, req, ok := f.docRequest(w, r)
	if !ok {
		return
	}

	var deleted []string
	for _, id := range req.IDs {
		if _, exists := c.docs[id]; exists {
			delete(c.docs, id)
			deleted = append(deleted, id)
		}
	}
	if len(req.Where) > 0 {
		for id, doc := range c.docs {
			if metadataMatches(doc.metadata, req.Where) {
				delete(c.docs, id)
				deleted = append(deleted, id)
			}
		}
	}
	sort.Strings(deleted)
	writeInstanceJSON(w, http.StatusOK, map[string]interface{}{"ids": deleted})
}

func (f *FakeInstance) handleGetDocs(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, req, ok := f.docRequest(w, r)
	if !ok {
		return
	}

	ids := req.IDs
	if len(ids) == 0 {
		for id := range c.docs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	out := struct {
		IDs       []string                 `json:"ids"`
		Documents []string                 `json:"documents"`
		Metadatas []map[string]interface{} `json:"metadatas"`
	}{IDs: []string{}, Documents: []string{}, Metadatas: []map[string]interface{}{}}

	for _, id := range ids {
		doc, exists := c.docs[id]
		if !exists {
			continue
		}
		out.IDs = append(out.IDs, id)
		out.Documents = append(out.Documents, doc.text)
		out.Metadatas = append(out.Metadatas, doc.metadata)
	}
	writeInstanceJSON(w, http.StatusOK, out)
}

func (f *FakeInstance) handleCount(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.byID[chi.URLParam(r, "ref")]
	if c == nil {
		writeInstanceJSON(w, http.StatusNotFound, map[string]string{"error": "collection not found"})
		return
	}
	writeInstanceJSON(w, http.StatusOK, map[string]int{"count": len(c.docs)})
}

// docRequest looks the collection up by identifier only and decodes the
// body. Callers must hold the lock.
func (f *FakeInstance) docRequest(w http.ResponseWriter, r *http.Request) (*fakeCollection, *docPayload, bool) {
	c := f.byID[chi.URLParam(r, "ref")]
	if c == nil {
		writeInstanceJSON(w, http.StatusNotFound, map[string]string{"error": "collection not found"})
		return nil, nil, false
	}

	var req docPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeInstanceJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return nil, nil, false
	}
	return c, &req, true
}

// resolve finds a collection by name first, then by identifier.
// Callers must hold the lock.
func (f *FakeInstance) resolve(ref string) *fakeCollection {
	if id, ok := f.byName[ref]; ok {
		return f.byID[id]
	}
	return f.byID[ref]
}

func (f *FakeInstance) sortedNames() []string {
	names := make([]string, 0, len(f.byName))
	for name := range f.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func metadataMatches(metadata, where map[string]interface{}) bool {
	for k, want := range where {
		got, ok := metadata[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func writeInstanceJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
