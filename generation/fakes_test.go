package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/richinsley/charimage/client"
	"github.com/richinsley/charimage/graphapi"
	"github.com/richinsley/charimage/indexalloc"
	"github.com/richinsley/charimage/safety"
	"github.com/richinsley/charimage/storage"
	"go.uber.org/zap"
)

var testPNG = []byte{137, 80, 78, 71, 13, 10, 26, 10, 0, 0, 0, 0}

// fakeComfy mimics the ComfyUI endpoints generation uses. Every accepted
// prompt immediately "renders" the next suffix for its SaveImage prefix.
type fakeComfy struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	files    map[string][]byte
	counters map[string]int
	submits  int
	heads    int
	gets     int
	prompts  []graphapi.Prompt
	// failSubmit decides, by 1-based submission number, which submissions
	// get an answer without a prompt id
	failSubmit func(n int) bool
	// noRender accepts prompts without producing files
	noRender bool
	// pendingPolls keeps every prompt pending for that many queue polls
	pendingPolls int
	queuePolls   int
}

func newFakeComfy(t *testing.T) *fakeComfy {
	f := &fakeComfy{
		t:        t,
		files:    make(map[string][]byte),
		counters: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", f.handlePrompt)
	mux.HandleFunc("/queue", f.handleQueue)
	mux.HandleFunc("/view", f.handleView)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeComfy) client() *client.ComfyClient {
	return client.NewComfyClient(f.srv.URL, zap.NewNop())
}

// put places a file as if the backend had rendered it
func (f *fakeComfy) put(prefix string, suffix int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[BackendFilename(prefix, suffix)] = testPNG
	if suffix > f.counters[prefix] {
		f.counters[prefix] = suffix
	}
}

func (f *fakeComfy) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *fakeComfy) submitted() []graphapi.Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]graphapi.Prompt{}, f.prompts...)
}

func (f *fakeComfy) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var p graphapi.Prompt
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	n := f.submits
	f.prompts = append(f.prompts, p)
	if f.failSubmit != nil && f.failSubmit(n) {
		w.Write([]byte(`{"number":0,"node_errors":{}}`))
		return
	}

	for _, id := range p.NodesWithClass("SaveImage") {
		if f.noRender {
			break
		}
		prefix, _ := p.Nodes[id].Inputs["filename_prefix"].(string)
		f.counters[prefix]++
		f.files[BackendFilename(prefix, f.counters[prefix])] = testPNG
	}
	fmt.Fprintf(w, `{"prompt_id":"prompt-%d","number":%d,"node_errors":{}}`, n, n)
}

func (f *fakeComfy) handleQueue(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queuePolls++
	pending := [][]interface{}{}
	if f.queuePolls <= f.pendingPolls {
		for i := 1; i <= f.submits; i++ {
			pending = append(pending, []interface{}{i, fmt.Sprintf("prompt-%d", i), map[string]interface{}{}})
		}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"queue_running": [][]interface{}{},
		"queue_pending": pending,
	})
}

func (f *fakeComfy) handleView(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")
	f.mu.Lock()
	data, ok := f.files[name]
	if r.Method == http.MethodHead {
		f.heads++
	} else {
		f.gets++
	}
	f.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if r.Method != http.MethodHead {
		w.Write(data)
	}
}

// recordingStorage keeps uploads in memory. When gate is set every upload
// waits for it to be closed.
type recordingStorage struct {
	mu       sync.Mutex
	uploads  []upload
	failures int
	gate     chan struct{}
	uploaded chan string
}

type upload struct {
	path     string
	filename string
	at       time.Time
}

func newRecordingStorage() *recordingStorage {
	return &recordingStorage{uploaded: make(chan string, 32)}
}

func (s *recordingStorage) Upload(ctx context.Context, path, filename string, data []byte, contentType string) (string, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return "", fmt.Errorf("%w: injected failure", storage.ErrUploadFailed)
	}
	s.uploads = append(s.uploads, upload{path: path, filename: filename, at: time.Now()})
	s.mu.Unlock()

	url := s.PublicURL(path, filename)
	s.uploaded <- url
	return url, nil
}

func (s *recordingStorage) List(ctx context.Context, path string) ([]storage.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	retv := []storage.Object{}
	for _, u := range s.uploads {
		if u.path == path {
			retv = append(retv, storage.Object{Name: u.filename, Path: path, URL: s.PublicURL(path, u.filename)})
		}
	}
	return retv, nil
}

func (s *recordingStorage) PublicURL(path, filename string) string {
	return "https://cdn.test/" + path + "/" + filename
}

func (s *recordingStorage) uploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

func (s *recordingStorage) filenames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	retv := make([]string, 0, len(s.uploads))
	for _, u := range s.uploads {
		retv = append(retv, u.filename)
	}
	sort.Strings(retv)
	return retv
}

// waitUploads waits until n uploads arrived
func (s *recordingStorage) waitUploads(t *testing.T, n int) []string {
	t.Helper()
	urls := make([]string, 0, n)
	for len(urls) < n {
		select {
		case u := <-s.uploaded:
			urls = append(urls, u)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for uploads, got %d of %d", len(urls), n)
		}
	}
	return urls
}

type memCharacters map[string]*CharacterProfile

func (m memCharacters) GetCharacter(ctx context.Context, id string) (*CharacterProfile, error) {
	p, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCharacterNotFound, id)
	}
	cp := *p
	return &cp, nil
}

type memUsers map[string]*User

func (m memUsers) GetUser(ctx context.Context, id string) (*User, error) {
	u, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return u, nil
}

type recordingTrainer struct {
	triggered chan string
}

func (r *recordingTrainer) TriggerTraining(ctx context.Context, profile *CharacterProfile) error {
	r.triggered <- profile.ID
	return nil
}

func testPollPolicy() PollPolicy {
	return PollPolicy{MaxAttempts: 3, Delay: 5 * time.Millisecond}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.FullModeRoundDelay = 5 * time.Millisecond
	opts.BatchSettleDelay = 0
	opts.InterItemDelay = time.Millisecond
	return opts
}

type harness struct {
	comfy     *fakeComfy
	storage   *recordingStorage
	allocator *indexalloc.Memory
	trainer   *recordingTrainer
	persister *Persister
	coord     *Coordinator
}

func lunaProfile() *CharacterProfile {
	return &CharacterProfile{
		ID:          "42",
		Name:        "Luna Star",
		CreatorID:   "creator-1",
		Description: "a silver haired sorceress",
		MainTrait:   "mysterious",
		ArtStyle:    "anime",
	}
}

func newHarness(t *testing.T, profiles ...*CharacterProfile) *harness {
	t.Helper()
	logger := zap.NewNop()
	h := &harness{
		comfy:     newFakeComfy(t),
		storage:   newRecordingStorage(),
		allocator: indexalloc.NewMemory(),
		trainer:   &recordingTrainer{triggered: make(chan string, 4)},
	}

	chars := memCharacters{}
	for _, p := range profiles {
		chars[p.ID] = p
	}
	users := memUsers{
		"creator-1": {ID: "creator-1", Username: "creator"},
		"user-7":    {ID: "user-7", Username: "alice"},
	}

	h.persister = NewPersister(h.storage, RetryPolicy{Attempts: 2, Backoff: time.Millisecond, DownloadTimeout: time.Second}, 2, 16, logger, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.persister.Close(ctx)
	})

	backend := h.comfy.client()
	coord, err := NewCoordinator(Deps{
		Characters: chars,
		Users:      users,
		Safety:     safety.NewKeywordChecker(logger),
		Allocator:  h.allocator,
		Backends:   NewBackendRouter(backend, nil, logger, nil),
		Poller:     NewPoller(testPollPolicy(), logger, nil),
		Locator:    NewLocator(DefaultLocatePolicy(), logger, nil),
		Persister:  h.persister,
		Storage:    h.storage,
		Trainer:    h.trainer,
		Logger:     logger,
	}, testOptions())
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}
	h.coord = coord
	return h
}
