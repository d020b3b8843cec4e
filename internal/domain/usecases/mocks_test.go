package usecases

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

// fakeDB backs the in-memory repositories so cascades behave like the SQL store.
type fakeDB struct {
	mu         sync.Mutex
	convs      map[string]*entities.Conversation
	groups     map[string]*entities.Group
	msgs       []*entities.Message
	files      map[string]*entities.File
	fileOrder  []string
	convLinks  map[[2]string]bool // {fileID, conversationID}
	msgLinks   map[[2]string]bool // {fileID, messageID}
	embeddings *memEmbeddings

	insertErr error
	// convLinkErr and msgLinkErr fail LinkConversation and LinkMessage.
	convLinkErr error
	msgLinkErr  error
}

func newFakeDB() *fakeDB {
	db := &fakeDB{
		convs:      make(map[string]*entities.Conversation),
		groups:     make(map[string]*entities.Group),
		files:      make(map[string]*entities.File),
		convLinks:  make(map[[2]string]bool),
		msgLinks:   make(map[[2]string]bool),
		embeddings: newMemEmbeddings(),
	}
	db.embeddings.exists = db.sourceExists
	return db
}

func (db *fakeDB) sourceExists(st entities.SourceType, id string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	if st == entities.SourceFileChunk {
		_, ok := db.files[id]
		return ok
	}
	for _, m := range db.msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

func (db *fakeDB) messages() []entities.Message {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]entities.Message, len(db.msgs))
	for i, m := range db.msgs {
		out[i] = *m
	}
	return out
}

func (db *fakeDB) assistantMessages() []entities.Message {
	var out []entities.Message
	for _, m := range db.messages() {
		if m.Role == entities.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

func (db *fakeDB) refCount(fileID string) int {
	n := 0
	for k := range db.convLinks {
		if k[0] == fileID {
			n++
		}
	}
	for k := range db.msgLinks {
		if k[0] == fileID {
			n++
		}
	}
	return n
}

// releaseLocked drops the file when nothing references it. Caller holds mu.
func (db *fakeDB) releaseLocked(fileID string) ports.Release {
	f, ok := db.files[fileID]
	if !ok || db.refCount(fileID) > 0 {
		return ports.Release{}
	}
	delete(db.files, fileID)
	db.embeddings.deleteBySource(entities.SourceFileChunk, fileID)
	cp := *f
	return ports.Release{File: &cp, Orphaned: true}
}

type convRepo struct{ db *fakeDB }

func (r convRepo) Create(ctx context.Context, c *entities.Conversation) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cp := *c
	r.db.convs[c.ID] = &cp
	return nil
}

func (r convRepo) Get(ctx context.Context, id string) (*entities.Conversation, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.convs[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r convRepo) UpdateTitle(ctx context.Context, id, title string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.convs[id]
	if !ok {
		return ports.ErrNotFound
	}
	c.Title = title
	return nil
}

func (r convRepo) PinModel(ctx context.Context, id, modelID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.convs[id]
	if !ok {
		return ports.ErrNotFound
	}
	c.PinnedModelID = modelID
	return nil
}

func (r convRepo) SetArchived(ctx context.Context, id string, archived bool) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.convs[id]
	if !ok {
		return ports.ErrNotFound
	}
	c.Archived = archived
	return nil
}

func (r convRepo) SetSafeMode(ctx context.Context, id string, enabled bool, safetyText string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.convs[id]
	if !ok {
		return ports.ErrNotFound
	}
	c.SafeMode, c.SafetyText = enabled, safetyText
	return nil
}

func (r convRepo) ListByOwner(ctx context.Context, ownerID string) ([]entities.Conversation, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []entities.Conversation
	for _, id := range sortedKeys(r.db.convs) {
		if c := r.db.convs[id]; c.OwnerID == ownerID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r convRepo) Delete(ctx context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.convs[id]; !ok {
		return ports.ErrNotFound
	}
	delete(r.db.convs, id)
	kept := r.db.msgs[:0]
	for _, m := range r.db.msgs {
		if m.ConversationID != id {
			kept = append(kept, m)
			continue
		}
		r.db.embeddings.deleteBySource(entities.SourceMessage, m.ID)
		for k := range r.db.msgLinks {
			if k[1] == m.ID {
				delete(r.db.msgLinks, k)
			}
		}
	}
	r.db.msgs = kept
	for k := range r.db.convLinks {
		if k[1] == id {
			delete(r.db.convLinks, k)
		}
	}
	return nil
}

func (r convRepo) CreateGroup(ctx context.Context, g *entities.Group) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cp := *g
	r.db.groups[g.ID] = &cp
	return nil
}

func (r convRepo) GetGroup(ctx context.Context, id string) (*entities.Group, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	g, ok := r.db.groups[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

type msgRepo struct{ db *fakeDB }

func (r msgRepo) Insert(ctx context.Context, m *entities.Message) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.insertErr != nil {
		return r.db.insertErr
	}
	cp := *m
	r.db.msgs = append(r.db.msgs, &cp)
	return nil
}

func (r msgRepo) Get(ctx context.Context, id string) (*entities.Message, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, m := range r.db.msgs {
		if m.ID == id {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ports.ErrNotFound
}

func (r msgRepo) ListByConversation(ctx context.Context, conversationID string) ([]entities.Message, error) {
	var out []entities.Message
	for _, m := range r.db.messages() {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r msgRepo) Next(ctx context.Context, m *entities.Message) (*entities.Message, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	found := false
	for _, x := range r.db.msgs {
		if x.ConversationID != m.ConversationID {
			continue
		}
		if found {
			cp := *x
			return &cp, nil
		}
		found = x.ID == m.ID
	}
	return nil, ports.ErrNotFound
}

func (r msgRepo) PromoteToGroup(ctx context.Context, groupID string, ids []string) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for _, m := range r.db.msgs {
		for _, id := range ids {
			if m.ID == id && m.VersionGroupID == "" {
				m.VersionGroupID = groupID
				m.VersionNumber = 1
				n++
			}
		}
	}
	return n, nil
}

func (r msgRepo) MaxVersion(ctx context.Context, groupID string) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	max := 0
	for _, m := range r.db.msgs {
		if m.VersionGroupID == groupID && m.VersionNumber > max {
			max = m.VersionNumber
		}
	}
	return max, nil
}

type fileRepo struct{ db *fakeDB }

func (r fileRepo) Create(ctx context.Context, f *entities.File) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, x := range r.db.files {
		if x.OwnerID == f.OwnerID && x.ContentHash == f.ContentHash {
			return ports.ErrDuplicate
		}
	}
	cp := *f
	r.db.files[f.ID] = &cp
	r.db.fileOrder = append(r.db.fileOrder, f.ID)
	return nil
}

func (r fileRepo) Get(ctx context.Context, id string) (*entities.File, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	f, ok := r.db.files[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (r fileRepo) FindByHash(ctx context.Context, ownerID, hash string) (*entities.File, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, f := range r.db.files {
		if f.OwnerID == ownerID && f.ContentHash == hash {
			cp := *f
			return &cp, nil
		}
	}
	return nil, ports.ErrNotFound
}

func (r fileRepo) UpdateExtraction(ctx context.Context, id string, status entities.ExtractionStatus, textKey, preview string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	f, ok := r.db.files[id]
	if !ok {
		return ports.ErrNotFound
	}
	f.ExtractionStatus = status
	f.TextObjectKey = textKey
	f.TextPreview = preview
	return nil
}

func (r fileRepo) LinkConversation(ctx context.Context, fileID, conversationID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.convLinkErr != nil {
		return r.db.convLinkErr
	}
	r.db.convLinks[[2]string{fileID, conversationID}] = true
	return nil
}

func (r fileRepo) LinkMessage(ctx context.Context, fileID, messageID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.msgLinkErr != nil {
		return r.db.msgLinkErr
	}
	r.db.msgLinks[[2]string{fileID, messageID}] = true
	return nil
}

func (r fileRepo) UnlinkConversation(ctx context.Context, fileID, conversationID string) (ports.Release, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.convLinks, [2]string{fileID, conversationID})
	for _, m := range r.db.msgs {
		if m.ConversationID == conversationID {
			delete(r.db.msgLinks, [2]string{fileID, m.ID})
		}
	}
	return r.db.releaseLocked(fileID), nil
}

func (r fileRepo) UnlinkMessage(ctx context.Context, fileID, messageID string) (ports.Release, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.msgLinks, [2]string{fileID, messageID})
	return r.db.releaseLocked(fileID), nil
}

func (r fileRepo) ReleaseIfOrphaned(ctx context.Context, fileID string) (ports.Release, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.db.releaseLocked(fileID), nil
}

func (r fileRepo) ListByConversation(ctx context.Context, conversationID string) ([]entities.File, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	msgIDs := make(map[string]bool)
	for _, m := range r.db.msgs {
		if m.ConversationID == conversationID {
			msgIDs[m.ID] = true
		}
	}
	var out []entities.File
	for _, id := range r.db.fileOrder {
		f, ok := r.db.files[id]
		if !ok {
			continue
		}
		linked := r.db.convLinks[[2]string{id, conversationID}]
		for k := range r.db.msgLinks {
			if k[0] == id && msgIDs[k[1]] {
				linked = true
			}
		}
		if linked {
			out = append(out, *f)
		}
	}
	return out, nil
}

// memEmbeddings implements ports.EmbeddingRepository.
type memEmbeddings struct {
	mu     sync.Mutex
	chunks []entities.EmbeddingChunk
	// exists, when set, rejects chunks whose source is gone.
	exists func(st entities.SourceType, id string) bool
}

func newMemEmbeddings() *memEmbeddings { return &memEmbeddings{} }

func (m *memEmbeddings) Store(ctx context.Context, chunks []entities.EmbeddingChunk) error {
	if m.exists != nil {
		for _, c := range chunks {
			if !m.exists(c.SourceType, c.SourceID) {
				return ports.ErrNotFound
			}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = append(m.chunks, chunks...)
	return nil
}

func (m *memEmbeddings) DeleteBySource(ctx context.Context, st entities.SourceType, id string) error {
	m.deleteBySource(st, id)
	return nil
}

func (m *memEmbeddings) deleteBySource(st entities.SourceType, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.chunks[:0]
	for _, c := range m.chunks {
		if c.SourceType != st || c.SourceID != id {
			kept = append(kept, c)
		}
	}
	m.chunks = kept
}

func (m *memEmbeddings) count(st entities.SourceType, id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.chunks {
		if c.SourceType == st && c.SourceID == id {
			n++
		}
	}
	return n
}

// mockEmbedder implements ports.EmbeddingService for testing
type mockEmbedder struct {
	embedFn func(text string) ([]float32, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.embedFn != nil {
		return m.embedFn(text)
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	result := make([][]float32, len(texts))
	for i := range texts {
		emb, err := m.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		result[i] = emb
	}
	return result, nil
}

// mockSearch implements ports.VectorSearch.
type mockSearch struct {
	results   []entities.ScoredChunk
	err       error
	lastScope entities.SearchScope
}

func (m *mockSearch) Search(ctx context.Context, emb []float32, scope entities.SearchScope, topK int) ([]entities.ScoredChunk, error) {
	m.lastScope = scope
	if m.err != nil {
		return nil, m.err
	}
	if len(m.results) > topK {
		return m.results[:topK], nil
	}
	return m.results, nil
}

// mockRegistry implements ports.ModelRegistry.
type mockRegistry struct {
	models []entities.ModelInfo
	active string
}

func (m *mockRegistry) Lookup(ctx context.Context, name, host string) (*entities.ModelInfo, error) {
	return m.ByID(ctx, entities.ModelID(name, host))
}

func (m *mockRegistry) ByID(ctx context.Context, id string) (*entities.ModelInfo, error) {
	for i := range m.models {
		if m.models[i].ID == id {
			cp := m.models[i]
			return &cp, nil
		}
	}
	return nil, ports.ErrNotFound
}

func (m *mockRegistry) Active(ctx context.Context) (*entities.ModelInfo, error) {
	if m.active == "" {
		return nil, ports.ErrNotFound
	}
	return m.ByID(ctx, m.active)
}

// mockLLM implements ports.CompletionService. It sends tokens, then either
// finishes, fails with err, or blocks until the context ends.
type mockLLM struct {
	mu       sync.Mutex
	tokens   []string
	usage    *entities.UsageStats
	err      error
	block    bool
	sent     chan struct{} // closed once all tokens are sent when block is set
	title    string
	titleErr error
	requests []ports.CompletionRequest
}

func (m *mockLLM) Stream(ctx context.Context, req ports.CompletionRequest) (<-chan ports.StreamToken, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	ch := make(chan ports.StreamToken)
	go func() {
		defer close(ch)
		for _, t := range m.tokens {
			select {
			case ch <- ports.StreamToken{Content: t}:
			case <-ctx.Done():
				return
			}
		}
		if m.block {
			if m.sent != nil {
				close(m.sent)
			}
			<-ctx.Done()
			return
		}
		final := ports.StreamToken{Done: true, Usage: m.usage}
		if m.err != nil {
			final = ports.StreamToken{Error: m.err}
		}
		select {
		case ch <- final:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (m *mockLLM) Complete(ctx context.Context, req ports.CompletionRequest) (string, error) {
	if m.titleErr != nil {
		return "", m.titleErr
	}
	return m.title, nil
}

func (m *mockLLM) lastRequest() ports.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

// memObjects implements ports.ObjectStore.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemObjects() *memObjects { return &memObjects{objects: make(map[string][]byte)} }

func (m *memObjects) Put(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memObjects) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.objects[key]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return d, nil
}

func (m *memObjects) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memObjects) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

// mockExtractor implements ports.TextExtractor for plain text files only.
type mockExtractor struct {
	err error
}

func (m *mockExtractor) Supports(mimeType, filename string) bool {
	return mimeType == "text/plain"
}

func (m *mockExtractor) Extract(ctx context.Context, data []byte, mimeType, filename string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return string(data), nil
}

// recordingSink implements ports.EventSink.
type recordingSink struct {
	mu         sync.Mutex
	events     []entities.StreamEvent
	heartbeats int
}

func (s *recordingSink) Emit(ev entities.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *recordingSink) ofType(t entities.EventType) []entities.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entities.StreamEvent
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordingSink) heartbeatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

// testEnv wires the usecases over in-memory collaborators.
type testEnv struct {
	db        *fakeDB
	objects   *memObjects
	search    *mockSearch
	registry  *mockRegistry
	llm       *mockLLM
	tasks     *TaskPool
	versions  *VersionGroupManager
	files     *FileLifecycle
	assembler *ContextAssembler
	streamer  *ExchangeStreamer
}

func quietLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newFakeDB()
	env := &testEnv{
		db:      db,
		objects: newMemObjects(),
		search:  &mockSearch{},
		registry: &mockRegistry{
			models: []entities.ModelInfo{{ID: "m1@local", Name: "m1", Host: "local", Installed: true, Active: true}},
			active: "m1@local",
		},
		llm:   &mockLLM{tokens: []string{"Hello", " there"}, title: "Greeting"},
		tasks: NewTaskPool(4, quietLogger()),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.tasks.Shutdown(ctx)
	})

	embedder := &mockEmbedder{}
	ingest := NewIngestUseCase(embedder, db.embeddings, 0, 0, quietLogger())
	env.versions = NewVersionGroupManager(msgRepo{db})
	env.files = NewFileLifecycle(convRepo{db}, fileRepo{db}, env.objects, &mockExtractor{}, ingest, env.tasks, FileOptions{}, quietLogger())
	env.assembler = NewContextAssembler(convRepo{db}, env.versions, env.files, embedder, env.search, 0, quietLogger())
	env.streamer = NewExchangeStreamer(ExchangeDeps{
		Conversations: convRepo{db},
		Messages:      msgRepo{db},
		Registry:      env.registry,
		Versions:      env.versions,
		Files:         env.files,
		Assembler:     env.assembler,
		LLM:           env.llm,
		Titles:        NewTitleGenerator(env.llm),
		Ingest:        ingest,
		Tasks:         env.tasks,
	}, ExchangeOptions{
		HeartbeatInterval: 5 * time.Millisecond,
		Timeout:           2 * time.Second,
		ExtractionWait:    200 * time.Millisecond,
		ExtractionPoll:    10 * time.Millisecond,
		TitleWait:         time.Second,
	}, quietLogger())
	return env
}

func (env *testEnv) conversation(t *testing.T, c entities.Conversation) *entities.Conversation {
	t.Helper()
	if c.ID == "" {
		c.ID = "c1"
	}
	if c.OwnerID == "" {
		c.OwnerID = "u1"
	}
	if c.Title == "" {
		c.Title = entities.DefaultTitle
	}
	if err := (convRepo{env.db}).Create(context.Background(), &c); err != nil {
		t.Fatal(err)
	}
	return &c
}

func (env *testEnv) insert(t *testing.T, msgs ...entities.Message) {
	t.Helper()
	for i := range msgs {
		if msgs[i].VersionNumber == 0 {
			msgs[i].VersionNumber = 1
		}
		if err := (msgRepo{env.db}).Insert(context.Background(), &msgs[i]); err != nil {
			t.Fatal(err)
		}
	}
}

func (env *testEnv) addFile(t *testing.T, f entities.File, conversationID string) {
	t.Helper()
	if f.OwnerID == "" {
		f.OwnerID = "u1"
	}
	if f.ContentHash == "" {
		f.ContentHash = f.ID
	}
	ctx := context.Background()
	if err := (fileRepo{env.db}).Create(ctx, &f); err != nil {
		t.Fatal(err)
	}
	if conversationID != "" {
		if err := (fileRepo{env.db}).LinkConversation(ctx, f.ID, conversationID); err != nil {
			t.Fatal(err)
		}
	}
}

var errBoom = errors.New("boom")

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
