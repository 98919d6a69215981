package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/editor"
	"inkwell/api/internal/realtime"
	"inkwell/api/internal/source"
	"inkwell/api/internal/store"
)

func testToken(t *testing.T, ownerID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), ownerID, "Ada", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func serve(t *testing.T, server *HTTPServer, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return response
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}, &fakeProvider{}), "*")

	rr := serve(t, server, http.MethodPost, "/api/refresh", `{}`, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	rr = serve(t, server, http.MethodPost, "/api/refresh", `{}`, "not-a-jwt")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", rr.Code)
	}
	if code := decodeResponse(t, rr)["code"]; code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %v", code)
	}
}

func TestRefreshEndpointRejectsInvalidBody(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}, &fakeProvider{}), "*")

	rr := serve(t, server, http.MethodPost, "/api/refresh", `{"documentId":`, testToken(t, testOwnerID))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if code := decodeResponse(t, rr)["code"]; code != "INVALID_BODY" {
		t.Fatalf("expected INVALID_BODY, got %v", code)
	}

	rr = serve(t, server, http.MethodPost, "/api/refresh", `{"documentId":"doc-1"}`, testToken(t, testOwnerID))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", response["code"])
	}
	details, _ := response["details"].([]any)
	if len(details) != 1 {
		t.Fatalf("expected one field error, got %v", response["details"])
	}
	if field := details[0].(map[string]any)["field"]; field != "documentId" {
		t.Fatalf("expected documentId field error, got %v", field)
	}
}

func TestRefreshEndpointReturnsPreview(t *testing.T) {
	fs := linkedStore(t, "first\n\nsecond\n", "2024-05-01T10:00:00.000Z")
	fp := remoteProvider("2024-05-03T08:00:00.000Z", "first\n\nsecond\n\nthird\n")
	server := NewHTTPServer(newTestService(fs, fp), "*")

	body := `{"documentId":"` + testDocumentID + `"}`
	rr := serve(t, server, http.MethodPost, "/api/refresh", body, testToken(t, testOwnerID))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	response := decodeResponse(t, rr)
	if response["ok"] != true || response["requiresConfirm"] != true {
		t.Fatalf("expected a confirmation request, got %v", response)
	}
	preview, _ := response["diffPreview"].(map[string]any)
	if preview["added"] != float64(2) || preview["changed"] != float64(0) {
		t.Fatalf("expected two added lines, got %v", preview)
	}
}

func TestRefreshEndpointMissingLink(t *testing.T) {
	fs := linkedStore(t, "Hello\n", "")
	fs.getSourceLinkFn = nil
	server := NewHTTPServer(newTestService(fs, &fakeProvider{}), "*")

	body := `{"documentId":"` + testDocumentID + `","force":true}`
	rr := serve(t, server, http.MethodPost, "/api/refresh", body, testToken(t, testOwnerID))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if code := decodeResponse(t, rr)["code"]; code != "LINK_NOT_FOUND" {
		t.Fatalf("expected LINK_NOT_FOUND, got %v", code)
	}
}

func TestRefreshEndpointHidesOtherOwnersDocuments(t *testing.T) {
	fs := linkedStore(t, "# Secret\n\nowner only text\n", "2024-05-01T10:00:00.000Z")
	applied := false
	fs.applySourceRefreshFn = func(context.Context, store.SourceRefresh) error {
		applied = true
		return nil
	}
	fp := remoteProvider("2024-05-02T10:00:00.000Z", "overwritten\n")
	server := NewHTTPServer(newTestService(fs, fp), "*")

	for _, body := range []string{
		`{"documentId":"` + testDocumentID + `"}`,
		`{"documentId":"` + testDocumentID + `","force":true}`,
	} {
		rr := serve(t, server, http.MethodPost, "/api/refresh", body, testToken(t, "intruder"))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d: %s", rr.Code, rr.Body.String())
		}
		if strings.Contains(rr.Body.String(), "owner only text") {
			t.Fatalf("response leaked document content: %s", rr.Body.String())
		}
	}
	if applied {
		t.Fatal("another owner must not overwrite the document")
	}
}

func TestImportEndpointCreatesDocument(t *testing.T) {
	var owner string
	fs := &fakeStore{createDocumentFn: func(_ context.Context, doc store.Document) (store.Document, error) {
		owner = doc.OwnerID
		return doc, nil
	}}
	fp := importProvider("Spec.markdown", "application/octet-stream", "# Spec\n")
	server := NewHTTPServer(newTestService(fs, fp), "*")

	body := `{"fileUrl":"https://docs.google.com/document/d/` + testFileID + `/edit"}`
	rr := serve(t, server, http.MethodPost, "/api/import", body, testToken(t, "owner-42"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if id, _ := decodeResponse(t, rr)["documentId"].(string); id == "" {
		t.Fatal("expected a document id")
	}
	if owner != "owner-42" {
		t.Fatalf("expected the token subject as owner, got %q", owner)
	}
}

func TestImportEndpointLinkFailure(t *testing.T) {
	fs := &fakeStore{createSourceLinkFn: func(context.Context, store.SourceLink) (store.SourceLink, error) {
		return store.SourceLink{}, context.Canceled
	}}
	server := NewHTTPServer(newTestService(fs, importProvider("a.md", source.MimeMarkdown, "a\n")), "*")

	rr := serve(t, server, http.MethodPost, "/api/import", `{"fileId":"`+testFileID+`"}`, testToken(t, testOwnerID))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if message := decodeResponse(t, rr)["error"]; message != "Failed to store source link" {
		t.Fatalf("unexpected message %v", message)
	}
}

func TestDocumentEndpoints(t *testing.T) {
	fs := linkedStore(t, "Hello\n", "2024-05-01T10:00:00.000Z")
	server := NewHTTPServer(newTestService(fs, &fakeProvider{}), "*")
	token := testToken(t, testOwnerID)

	rr := serve(t, server, http.MethodGet, "/api/documents/"+testDocumentID, "", token)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	document, _ := decodeResponse(t, rr)["document"].(map[string]any)
	if document["id"] != testDocumentID || document["source"] == nil {
		t.Fatalf("unexpected document %v", document)
	}

	rr = serve(t, server, http.MethodGet, "/api/documents/"+testDocumentID+"/history", "", token)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	items, _ := decodeResponse(t, rr)["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one revision, got %v", items)
	}

	rr = serve(t, server, http.MethodGet, "/api/documents/"+testDocumentID, "", testToken(t, "intruder"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another owner, got %d", rr.Code)
	}
}

func TestSearchEndpointValidatesPaging(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}, &fakeProvider{}), "*")
	token := testToken(t, testOwnerID)

	rr := serve(t, server, http.MethodGet, "/api/search?q=plan&limit=abc", "", token)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}

	rr = serve(t, server, http.MethodGet, "/api/search?q=plan", "", token)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	results, ok := decodeResponse(t, rr)["results"].([]any)
	if !ok || len(results) != 0 {
		t.Fatalf("expected empty results, got %v", results)
	}
}

func TestRouteLabelCollapsesDocumentIDs(t *testing.T) {
	cases := map[string]string{
		"/api/documents/" + testDocumentID:             "/api/documents/:id",
		"/api/documents/" + testDocumentID + "/source": "/api/documents/:id/source",
		"/api/refresh":                                 "/api/refresh",
		"/wp-admin":                                    "other",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func readReply(t *testing.T, conn *websocket.Conn) sourceReply {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply sourceReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return reply
}

func TestSourceSessionOverWebsocket(t *testing.T) {
	fs := linkedStore(t, "Hello\n", "2024-05-01T10:00:00.000Z")
	written := make(chan string, 1)
	fs.updateDocumentContentFn = func(_ context.Context, _ string, content string) error {
		written <- content
		return nil
	}
	server := httptest.NewServer(NewHTTPServer(newTestService(fs, &fakeProvider{}), "*").Handler())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/documents/" + testDocumentID +
		"/source?access_token=" + testToken(t, testOwnerID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	initial := readReply(t, conn)
	if initial.Type != string(editor.EventState) || initial.State.Mode != editor.ModeRich {
		t.Fatalf("expected initial rich state, got %+v", initial)
	}

	if err := conn.WriteJSON(sourceRequest{Type: "edit", Text: "too early"}); err != nil {
		t.Fatalf("write edit: %v", err)
	}
	if reply := readReply(t, conn); reply.Type != "error" {
		t.Fatalf("expected an error reply for an edit in rich mode, got %+v", reply)
	}

	if err := conn.WriteJSON(sourceRequest{Type: "toggle", Mode: "source"}); err != nil {
		t.Fatalf("write toggle: %v", err)
	}
	toggled := readReply(t, conn)
	if toggled.State == nil || toggled.State.Mode != editor.ModeSource || toggled.State.Source != "Hello\n" {
		t.Fatalf("expected source state, got %+v", toggled)
	}

	if err := conn.WriteJSON(sourceRequest{Type: "edit", Text: "Hello **there**\n"}); err != nil {
		t.Fatalf("write edit: %v", err)
	}
	select {
	case content := <-written:
		if content != mustRich(t, "Hello **there**\n") {
			t.Fatalf("unexpected canonical write %s", content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("edit was not written to the canonical store")
	}
}

func TestSourceSessionDropsSilentPeer(t *testing.T) {
	svc := newTestService(linkedStore(t, "Hello\n", "2024-05-01T10:00:00.000Z"), &fakeProvider{})
	hub := svc.hub.(*realtime.Hub)
	handler := NewHTTPServer(svc, "*")
	handler.pingPeriod = 20 * time.Millisecond
	handler.pongWait = 100 * time.Millisecond
	server := httptest.NewServer(handler.Handler())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/documents/" + testDocumentID +
		"/source?access_token=" + testToken(t, testOwnerID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	// Never answer pings.
	conn.SetPingHandler(func(string) error { return nil })

	if initial := readReply(t, conn); initial.Type != string(editor.EventState) {
		t.Fatalf("expected initial state, got %+v", initial)
	}
	if n := hub.Subscribers(testDocumentID); n != 1 {
		t.Fatalf("expected one subscriber, got %d", n)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply sourceReply
	if err := conn.ReadJSON(&reply); err == nil {
		t.Fatalf("expected the server to drop the connection, got %+v", reply)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(testDocumentID) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session stayed subscribed after its peer went silent")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
