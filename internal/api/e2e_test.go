// Package api provides E2E/functional tests for the API endpoints
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"rag-tutor/internal/chunker"
	"rag-tutor/internal/config"
	"rag-tutor/internal/embeddings"
	"rag-tutor/internal/events"
	"rag-tutor/internal/extract"
	"rag-tutor/internal/llm"
	"rag-tutor/internal/models"
	"rag-tutor/internal/rag"
	"rag-tutor/internal/realtime"
	"rag-tutor/internal/retriever"
	"rag-tutor/internal/session"
	"rag-tutor/internal/storage"
)

// E2E/Functional Tests - Test the full API flow over real components

const photosynthesis = "Photosynthesis converts light energy into chemical energy. " +
	"Chlorophyll in the chloroplasts absorbs sunlight, and the plant uses it to turn " +
	"carbon dioxide and water into glucose and oxygen. "

func createE2EServer(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	bus := events.NewBus(events.WithQueueSize(4096))

	factory, err := storage.NewFactory("memory")
	if err != nil {
		t.Fatal(err)
	}
	embedder := embeddings.NewHashEmbedder(256)
	sessions := session.NewManager(chunker.New(chunker.WithTarget(30), chunker.WithOverlap(5)), embedder, factory, bus)
	svc, err := rag.NewService(sessions,
		extract.New(time.Second),
		retriever.New(sessions, embedder, bus, nil),
		llm.NewExtractive(),
		bus)
	if err != nil {
		t.Fatal(err)
	}
	ws := realtime.NewServer(bus, sessions, realtime.Timings{PingInterval: time.Hour, PongTimeout: time.Hour})

	hs := httptest.NewServer(NewServer(cfg, svc, ws, nil).Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ws.Shutdown(ctx)
		hs.Close()
		_ = svc.Close()
		_ = sessions.Close()
	})
	return hs.URL
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp.StatusCode
}

func ingestDoc(t *testing.T, base, title, content string) models.IngestResponse {
	t.Helper()
	var resp models.IngestResponse
	code := postJSON(t, base+"/ingest", models.IngestRequest{
		Documents: []models.IngestDocumentInput{{Title: title, SourceURI: "https://example.com/" + title, Content: content}},
	}, &resp)
	if code != http.StatusOK {
		t.Fatalf("Ingest failed with status %d", code)
	}
	return resp
}

func TestE2E_IngestAskWorkflow(t *testing.T) {
	base := createE2EServer(t)

	resp := ingestDoc(t, base, "plants", strings.Repeat(photosynthesis, 5))
	if !resp.Success || resp.DocumentCount != 1 {
		t.Fatalf("Unexpected ingest response: %+v", resp)
	}

	var sources models.SourcesResponse
	getJSON(t, base+"/sources", &sources)
	info, ok := sources.Sources["https://example.com/plants"]
	if !ok || info.ChunkCount < 2 || info.Title != "plants" {
		t.Fatalf("Unexpected sources: %+v", sources)
	}

	var answer models.AskResponse
	if code := postJSON(t, base+"/ask", models.AskRequest{Question: "What does chlorophyll absorb?", NumChunks: 2}, &answer); code != http.StatusOK {
		t.Fatalf("Ask failed with status %d", code)
	}
	if !strings.Contains(answer.Answer, "[CHUNK 1]") {
		t.Errorf("Expected a cited answer, got %q", answer.Answer)
	}
	if len(answer.Sources) != 2 || answer.Sources[0].SourceURI != "https://example.com/plants" {
		t.Errorf("Unexpected sources: %+v", answer.Sources)
	}

	var sess models.SessionResponse
	getJSON(t, base+"/session", &sess)
	if sess.SessionID != sources.SessionID || sess.DocumentCount != 1 || sess.ModelID != "hash-256" {
		t.Errorf("Unexpected session: %+v", sess)
	}
}

func TestE2E_NewSessionDropsPreviousContent(t *testing.T) {
	base := createE2EServer(t)
	ingestDoc(t, base, "plants", strings.Repeat(photosynthesis, 3))

	var created models.SessionResponse
	if code := postJSON(t, base+"/session", nil, &created); code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", code)
	}

	var answer models.AskResponse
	postJSON(t, base+"/ask", models.AskRequest{Question: "What does chlorophyll absorb?"}, &answer)
	if answer.Answer != "I don't have any information to answer that question." || len(answer.Sources) != 0 {
		t.Errorf("Expected no answer from a fresh session, got %+v", answer)
	}

	var sources models.SourcesResponse
	getJSON(t, base+"/sources", &sources)
	if sources.SessionID != created.SessionID || len(sources.Sources) != 0 {
		t.Errorf("Expected empty sources for the new session, got %+v", sources)
	}
}

func TestE2E_PartialFailure(t *testing.T) {
	base := createE2EServer(t)

	var resp models.IngestResponse
	postJSON(t, base+"/ingest", models.IngestRequest{
		URLs:      []string{"ftp://example.com/file"},
		Documents: []models.IngestDocumentInput{{Title: "plants", Content: photosynthesis}},
	}, &resp)

	if !resp.Success || resp.DocumentCount != 1 {
		t.Errorf("Expected one document to succeed, got %+v", resp)
	}
	if len(resp.Failures) != 1 || resp.Failures[0].Item != "ftp://example.com/file" {
		t.Errorf("Expected the ftp url to fail, got %+v", resp.Failures)
	}
}

func TestE2E_ErrorHandling(t *testing.T) {
	base := createE2EServer(t)

	var body map[string]any
	if code := postJSON(t, base+"/ask", models.AskRequest{Question: "  "}, &body); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an empty question, got %d", code)
	}
	if code := postJSON(t, base+"/ask", models.AskRequest{Question: "q", NumChunks: -2}, &body); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative num_chunks, got %d", code)
	}
	if code := getJSON(t, base+"/session", &body); code != http.StatusConflict {
		t.Errorf("Expected 409 before any session exists, got %d", code)
	}
}

func readWSEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var msg realtime.Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Failed to read websocket message: %v", err)
		}
		if msg.Type != realtime.MsgRAGEvent {
			continue
		}
		var e models.Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			t.Fatalf("Failed to decode event: %v", err)
		}
		return e
	}
}

func TestE2E_RealtimeSessionEventPrecedesIngestion(t *testing.T) {
	base := createE2EServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+realtime.Path, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(realtime.Message{Type: realtime.MsgNewSession}); err != nil {
		t.Fatal(err)
	}

	var sessionID string
	for sessionID == "" {
		e := readWSEvent(t, conn)
		if e.Phase == models.PhaseSession {
			sessionID = e.SessionID
		}
		if e.Phase == models.PhaseChunking || e.Phase == models.PhaseEmbedding {
			t.Fatalf("Saw %s event before the session event", e.Phase)
		}
	}

	ingestDoc(t, base, "plants", strings.Repeat(photosynthesis, 3))

	seen := map[models.Phase]bool{}
	for {
		e := readWSEvent(t, conn)
		if e.SessionID != "" && e.SessionID != sessionID {
			t.Fatalf("Event from another session: %+v", e)
		}
		seen[e.Phase] = true
		if e.Phase == models.PhaseComplete {
			break
		}
	}
	for _, p := range []models.Phase{models.PhaseIngestion, models.PhaseExtraction, models.PhaseChunking, models.PhaseEmbedding, models.PhaseStorage} {
		if !seen[p] {
			t.Errorf("Expected a %s event", p)
		}
	}
}

func TestE2E_StatusEndpoint(t *testing.T) {
	base := createE2EServer(t)

	var status models.StatusResponse
	if code := getJSON(t, base+"/status", &status); code != http.StatusOK || status.Status != "ok" {
		t.Errorf("Unexpected status response %d %+v", code, status)
	}
}
