package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/m2tx/portfolio_lab/internal/gateway"
	"github.com/m2tx/portfolio_lab/internal/knowledge"
	"github.com/m2tx/portfolio_lab/internal/model"
	"github.com/m2tx/portfolio_lab/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeGateway struct {
	chunks    []string
	streamErr error
	callErr   error
	resp      *model.Response

	calls         int
	gotHistory    model.ConversationHistory
	gotMessage    string
	gotAttachment *model.Attachment
	gotLocation   *model.LatLng
	gotSize       model.ImageSize
	gotImage      []byte
	gotMIMEType   string
}

func (f *fakeGateway) seq() iter.Seq2[*genai.GenerateContentResponse, error] {
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, text := range f.chunks {
			resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
				Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: text}}},
			}}}
			if !yield(resp, nil) {
				return
			}
		}
		if f.streamErr != nil {
			yield(nil, f.streamErr)
		}
	}
}

func (f *fakeGateway) SendChatMessage(ctx context.Context, history model.ConversationHistory, message string, attachment *model.Attachment) (*gateway.Stream, error) {
	f.calls++
	f.gotHistory = history
	f.gotMessage = message
	f.gotAttachment = attachment
	if attachment != nil {
		if err := attachment.Validate(); err != nil {
			return nil, err
		}
	}
	if f.callErr != nil {
		return nil, f.callErr
	}
	return gateway.NewStream(f.seq()), nil
}

func (f *fakeGateway) AskArchitect(ctx context.Context, prompt string) (*gateway.Stream, error) {
	f.calls++
	f.gotMessage = prompt
	return gateway.NewStream(f.seq()), nil
}

func (f *fakeGateway) SearchMarketTrends(ctx context.Context, query string) (*model.Response, error) {
	f.calls++
	f.gotMessage = query
	return f.resp, f.callErr
}

func (f *fakeGateway) QueryLocationServices(ctx context.Context, query string, loc *model.LatLng) (*model.Response, error) {
	f.calls++
	f.gotMessage = query
	f.gotLocation = loc
	return f.resp, f.callErr
}

func (f *fakeGateway) GenerateHighFidelityImage(ctx context.Context, prompt string, size model.ImageSize) (*model.Response, error) {
	f.calls++
	f.gotMessage = prompt
	f.gotSize = size
	return f.resp, f.callErr
}

func (f *fakeGateway) EditImage(ctx context.Context, original []byte, prompt string, mimeType string) (*model.Response, error) {
	f.calls++
	f.gotMessage = prompt
	f.gotImage = original
	f.gotMIMEType = mimeType
	if err := (model.Attachment{Data: original, MIMEType: mimeType}).Validate(); err != nil {
		return nil, err
	}
	return f.resp, f.callErr
}

type fakeKnowledge struct {
	docs     []knowledge.Document
	gotQuery string
	gotTopK  int
}

func (f *fakeKnowledge) Search(query string, topK int) ([]knowledge.Document, error) {
	f.gotQuery = query
	f.gotTopK = topK
	return f.docs, nil
}

type sseEvent struct {
	name string
	data string
}

func parseEvents(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()

	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			current.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			current.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && current.name != "":
			events = append(events, current)
			current = sseEvent{}
		}
	}
	require.NoError(t, scanner.Err())
	if current.name != "" {
		events = append(events, current)
	}
	return events
}

func newTestServer(t *testing.T, gw *fakeGateway, kb KnowledgeSearcher) (*Server, *repository.MemoryConversationRepository) {
	t.Helper()

	repo := repository.NewMemoryConversationRepository()
	srv, err := NewServer(Config{
		Gateway:       gw,
		Conversations: repo,
		Knowledge:     kb,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return srv, repo
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer_RequiresGateway(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

func TestNewServer_LeavesGinModeAlone(t *testing.T) {
	newTestServer(t, &fakeGateway{}, nil)
	assert.Equal(t, gin.TestMode, gin.Mode())
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGateway{}, nil)

	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestChat_StreamsAndStoresHistory(t *testing.T) {
	gw := &fakeGateway{chunks: []string{"Hel", "lo"}}
	srv, repo := newTestServer(t, gw, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/chat", map[string]any{
		"session_id": "s1",
		"message":    "hi",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s1", rec.Header().Get(sessionHeader))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	events := parseEvents(t, rec.Body)
	require.Len(t, events, 3)
	assert.Equal(t, "chunk", events[0].name)
	assert.Equal(t, "chunk", events[1].name)
	assert.Equal(t, "done", events[2].name)

	var first chunkEvent
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &first))
	assert.Equal(t, "Hel", first.Text)

	stored, err := repo.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, model.NewTextContent(model.RoleUser, "hi"), stored[0])
	assert.Equal(t, model.NewTextContent(model.RoleModel, "Hello"), stored[1])

	// The next turn replays the stored conversation.
	doJSON(t, srv, http.MethodPost, "/api/chat", map[string]any{"session_id": "s1", "message": "again"})
	assert.Len(t, gw.gotHistory, 2)
	stored, err = repo.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, stored, 4)
}

// rendezvousGateway holds every chat call until all expected callers have
// loaded their history, so their exchanges overlap.
type rendezvousGateway struct {
	*fakeGateway
	arrived sync.WaitGroup
}

func (g *rendezvousGateway) SendChatMessage(ctx context.Context, history model.ConversationHistory, message string, attachment *model.Attachment) (*gateway.Stream, error) {
	g.arrived.Done()
	g.arrived.Wait()

	reply := "re: " + message
	return gateway.NewStream(func(yield func(*genai.GenerateContentResponse, error) bool) {
		yield(&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: reply}}},
		}}}, nil)
	}), nil
}

func TestChat_ConcurrentRequestsKeepEveryTurn(t *testing.T) {
	gw := &rendezvousGateway{fakeGateway: &fakeGateway{}}
	gw.arrived.Add(2)

	repo := repository.NewMemoryConversationRepository()
	srv, err := NewServer(Config{
		Gateway:       gw,
		Conversations: repo,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, msg := range []string{"first", "second"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := doJSON(t, srv, http.MethodPost, "/api/chat", map[string]any{"session_id": "shared", "message": msg})
			assert.Equal(t, http.StatusOK, rec.Code)
		}()
	}
	wg.Wait()

	stored, err := repo.Load(context.Background(), "shared")
	require.NoError(t, err)
	require.Len(t, stored, 4)

	var texts []string
	for i := 0; i < len(stored); i += 2 {
		assert.Equal(t, model.RoleUser, stored[i].Role)
		assert.Equal(t, model.RoleModel, stored[i+1].Role)
		question := stored[i].Parts[0].(model.TextPart).Text
		assert.Equal(t, model.NewTextContent(model.RoleModel, "re: "+question), stored[i+1])
		texts = append(texts, question)
	}
	assert.ElementsMatch(t, []string{"first", "second"}, texts)
}

func TestChat_GeneratesSessionID(t *testing.T) {
	srv, repo := newTestServer(t, &fakeGateway{chunks: []string{"ok"}}, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/chat", map[string]any{"message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	sessionID := rec.Header().Get(sessionHeader)
	require.NotEmpty(t, sessionID)
	stored, err := repo.Load(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestChat_ExplicitHistoryIsStateless(t *testing.T) {
	gw := &fakeGateway{chunks: []string{"ok"}}
	srv, repo := newTestServer(t, gw, nil)

	history := []model.Content{
		model.NewTextContent(model.RoleUser, "first"),
		model.NewTextContent(model.RoleModel, "second"),
	}
	rec := doJSON(t, srv, http.MethodPost, "/api/chat", map[string]any{
		"session_id": "s2",
		"history":    history,
		"message":    "third",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, model.ConversationHistory(history), gw.gotHistory)
	stored, err := repo.Load(context.Background(), "s2")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestChat_AttachmentStoredBeforeText(t *testing.T) {
	gw := &fakeGateway{chunks: []string{"a cat"}}
	srv, repo := newTestServer(t, gw, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/chat", map[string]any{
		"session_id": "s3",
		"message":    "what is this?",
		"attachment": map[string]any{"data": []byte("jpeg"), "mime_type": "image/jpeg"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, gw.gotAttachment)
	assert.Equal(t, []byte("jpeg"), gw.gotAttachment.Data)

	stored, err := repo.Load(context.Background(), "s3")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, []model.Part{
		model.InlineDataPart{Data: []byte("jpeg"), MIMEType: "image/jpeg"},
		model.TextPart{Text: "what is this?"},
	}, stored[0].Parts)
}

func TestChat_Validation(t *testing.T) {
	gw := &fakeGateway{}
	srv, _ := newTestServer(t, gw, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/chat", map[string]any{"message": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, gw.calls)

	rec = doJSON(t, srv, http.MethodPost, "/api/chat", map[string]any{
		"message":    "hi",
		"attachment": map[string]any{"data": []byte("x")},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "media type")
}

func TestChat_ProviderErrorBeforeStream(t *testing.T) {
	gw := &fakeGateway{callErr: genai.APIError{Code: 429, Message: "quota exceeded", Status: "RESOURCE_EXHAUSTED"}}
	srv, _ := newTestServer(t, gw, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/chat", map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "quota exceeded")
	assert.EqualValues(t, 429, body["provider_status"])
}

func TestChat_MidStreamFailureEmitsErrorEvent(t *testing.T) {
	gw := &fakeGateway{chunks: []string{"partial"}, streamErr: errors.New("connection reset")}
	srv, repo := newTestServer(t, gw, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/chat", map[string]any{"session_id": "s4", "message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	events := parseEvents(t, rec.Body)
	require.Len(t, events, 2)
	assert.Equal(t, "chunk", events[0].name)
	assert.Equal(t, "error", events[1].name)
	assert.Contains(t, events[1].data, "connection reset")

	stored, err := repo.Load(context.Background(), "s4")
	require.NoError(t, err)
	assert.Nil(t, stored, "failed turns are not persisted")
}

func TestChatHistory_GetAndDelete(t *testing.T) {
	srv, repo := newTestServer(t, &fakeGateway{}, nil)
	require.NoError(t, repo.Save(context.Background(), "s5", []model.Content{model.NewTextContent(model.RoleUser, "hi")}))

	rec := doJSON(t, srv, http.MethodGet, "/api/chat/history?session_id=s5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"session_id":"s5","history":[{"role":"user","parts":[{"text":"hi"}]}]}`, rec.Body.String())

	rec = doJSON(t, srv, http.MethodDelete, "/api/chat/history?session_id=s5", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/chat/history?session_id=s5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"session_id":"s5","history":[]}`, rec.Body.String())

	rec = doJSON(t, srv, http.MethodGet, "/api/chat/history", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArchitect_Streams(t *testing.T) {
	gw := &fakeGateway{chunks: []string{"Use ", "a queue."}}
	srv, _ := newTestServer(t, gw, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/architect", map[string]any{"prompt": "design ingest"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "design ingest", gw.gotMessage)

	events := parseEvents(t, rec.Body)
	require.Len(t, events, 3)
	assert.Equal(t, "done", events[2].name)
}

func TestSearch_ReturnsTextAndSources(t *testing.T) {
	gw := &fakeGateway{resp: &model.Response{Candidates: []model.Candidate{{
		Content:          model.NewTextContent(model.RoleModel, "Go is growing."),
		GroundingSources: []model.GroundingSource{{URI: "https://a.example", Title: "A"}},
	}}}}
	srv, _ := newTestServer(t, gw, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/search", map[string]any{"query": "go trends"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Text    string                  `json:"text"`
		Sources []model.GroundingSource `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Go is growing.", body.Text)
	assert.Equal(t, []model.GroundingSource{{URI: "https://a.example", Title: "A"}}, body.Sources)
}

func TestSearch_ProviderError(t *testing.T) {
	gw := &fakeGateway{callErr: errors.New("unavailable")}
	srv, _ := newTestServer(t, gw, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/search", map[string]any{"query": "q"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestLocation_ForwardsOptionalBias(t *testing.T) {
	gw := &fakeGateway{resp: &model.Response{}}
	srv, _ := newTestServer(t, gw, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/location", map[string]any{"query": "coffee"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, gw.gotLocation)
	assert.JSONEq(t, `[]`, mustField(t, rec.Body.Bytes(), "sources"))

	rec = doJSON(t, srv, http.MethodPost, "/api/location", map[string]any{
		"query":    "coffee",
		"location": map[string]any{"lat": 10, "lng": 20},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gw.gotLocation)
	assert.Equal(t, model.LatLng{Latitude: 10, Longitude: 20}, *gw.gotLocation)
}

func TestImages_InvalidSizeNeverReachesGateway(t *testing.T) {
	gw := &fakeGateway{}
	srv, _ := newTestServer(t, gw, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/images", map[string]any{"prompt": "lighthouse", "size": "8K"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, gw.calls)
}

func TestImages_ReturnsDataURI(t *testing.T) {
	gw := &fakeGateway{resp: &model.Response{Candidates: []model.Candidate{{
		Content: model.Content{Role: model.RoleModel, Parts: []model.Part{
			model.TextPart{Text: "Here you go"},
			model.InlineDataPart{Data: []byte("A"), MIMEType: "image/png"},
		}},
	}}}}
	srv, _ := newTestServer(t, gw, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/images", map[string]any{"prompt": "lighthouse", "size": "2k"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.ImageSize2K, gw.gotSize)
	assert.JSONEq(t, `"data:image/png;base64,QQ=="`, mustField(t, rec.Body.Bytes(), "image"))
	assert.JSONEq(t, `"Here you go"`, mustField(t, rec.Body.Bytes(), "text"))
}

func TestImages_DefaultSizeAndMissingImage(t *testing.T) {
	gw := &fakeGateway{resp: &model.Response{Candidates: []model.Candidate{{
		Content: model.NewTextContent(model.RoleModel, "I cannot draw that."),
	}}}}
	srv, _ := newTestServer(t, gw, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/images", map[string]any{"prompt": "x"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.ImageSize1K, gw.gotSize)
	assert.JSONEq(t, `null`, mustField(t, rec.Body.Bytes(), "image"))
	assert.JSONEq(t, `[]`, mustField(t, rec.Body.Bytes(), "images"))
}

func TestEditImage(t *testing.T) {
	gw := &fakeGateway{resp: &model.Response{Candidates: []model.Candidate{{
		Content: model.Content{Parts: []model.Part{model.InlineDataPart{Data: []byte("B"), MIMEType: "image/webp"}}},
	}}}}
	srv, _ := newTestServer(t, gw, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/images/edit", map[string]any{
		"image":     []byte("orig"),
		"mime_type": "image/jpeg",
		"prompt":    "sepia",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []byte("orig"), gw.gotImage)
	assert.Equal(t, "image/jpeg", gw.gotMIMEType)
	assert.JSONEq(t, `"data:image/webp;base64,Qg=="`, mustField(t, rec.Body.Bytes(), "image"))

	rec = doJSON(t, srv, http.MethodPost, "/api/images/edit", map[string]any{
		"image":  []byte("orig"),
		"prompt": "sepia",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestKnowledgeSearch(t *testing.T) {
	kb := &fakeKnowledge{docs: []knowledge.Document{{Filename: "cv.md", Text: "Go since 2015."}}}
	srv, _ := newTestServer(t, &fakeGateway{}, kb)

	rec := doJSON(t, srv, http.MethodGet, "/api/knowledge/search?q=go&k=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "go", kb.gotQuery)
	assert.Equal(t, 2, kb.gotTopK)
	assert.JSONEq(t, `{"results":[{"filename":"cv.md","text":"Go since 2015."}]}`, rec.Body.String())

	rec = doJSON(t, srv, http.MethodGet, "/api/knowledge/search?q=go&k=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/knowledge/search", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestKnowledgeSearch_NotMountedWithoutIndex(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGateway{}, nil)

	rec := doJSON(t, srv, http.MethodGet, "/api/knowledge/search?q=go", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(model.ErrInvalidImageSize))
	assert.Equal(t, http.StatusBadRequest, statusFor(model.ErrEmptyAttachment))
	assert.Equal(t, http.StatusBadGateway, statusFor(errors.New("boom")))
	assert.Equal(t, http.StatusBadGateway, statusFor(genai.APIError{Code: 400, Message: "bad prompt"}))
}

func mustField(t *testing.T, body []byte, key string) string {
	t.Helper()

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &fields))
	raw, ok := fields[key]
	require.True(t, ok, "missing field %q", key)
	return string(raw)
}
