package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/xuri/excelize/v2"
	_ "modernc.org/sqlite"

	"github.com/Sendient/ai-detector-sub001/auth"
	"github.com/Sendient/ai-detector-sub001/blobstore"
	"github.com/Sendient/ai-detector-sub001/dbopen"
	"github.com/Sendient/ai-detector-sub001/extractor"
	"github.com/Sendient/ai-detector-sub001/jobq"
	"github.com/Sendient/ai-detector-sub001/kit"
	"github.com/Sendient/ai-detector-sub001/pipeline"
	"github.com/Sendient/ai-detector-sub001/quota"
	"github.com/Sendient/ai-detector-sub001/records"
	"github.com/Sendient/ai-detector-sub001/scheduler"
	"github.com/Sendient/ai-detector-sub001/scoring"
	"github.com/Sendient/ai-detector-sub001/shield"
)

type upload struct {
	field, name, mediaType, body string
}

func newTestHandler(t *testing.T, opts ...Option) (*Handler, http.Handler) {
	t.Helper()
	db := dbopen.OpenMemory(t,
		dbopen.WithSchema(records.Schema),
		dbopen.WithSchema(quota.Schema),
		dbopen.WithSchema(jobq.Schema))
	plans, err := quota.NewStaticPlans(quota.DefaultPlans())
	if err != nil {
		t.Fatal(err)
	}
	store := records.New(db)
	ledger := quota.NewLedger(db, plans)
	q := jobq.New(db, jobq.Options{Queue: "assess"})
	blobs := blobstore.NewMemory()
	scorer := scoring.Func(func(_ context.Context, text string) (scoring.Score, error) {
		return scoring.Score{Value: 0.9, Confidence: 0.7}, nil
	})
	sched := scheduler.New(store, ledger, q, blobs, scorer, scheduler.Config{
		Workers: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond, PollInterval: 5 * time.Millisecond,
	})
	svc := pipeline.New(pipeline.Deps{
		Store:     store,
		Ledger:    ledger,
		Plans:     plans,
		Scheduler: sched,
		Blobs:     blobs,
		Extractor: extractor.New(extractor.Config{}),
	}, pipeline.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		svc.Wait()
	})

	h := New(svc, opts...)
	return h, h.Routes()
}

func multipartRequest(t *testing.T, path, tenant string, fields map[string]string, files ...upload) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	for _, f := range files {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.field, f.name))
		if f.mediaType != "" {
			hdr.Set("Content-Type", f.mediaType)
		}
		part, err := mw.CreatePart(hdr)
		if err != nil {
			t.Fatal(err)
		}
		part.Write([]byte(f.body))
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if tenant != "" {
		req.Header.Set(shield.TenantHeader, tenant)
	}
	return req
}

func do(t *testing.T, h http.Handler, method, path, tenant string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if tenant != "" {
		req.Header.Set(shield.TenantHeader, tenant)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func waitStatus(t *testing.T, h http.Handler, tenant, id string, want records.Status) records.Document {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		w := do(t, h, http.MethodGet, "/v1/documents/"+id, tenant)
		if w.Code != http.StatusOK {
			t.Fatalf("GET document: %d %s", w.Code, w.Body)
		}
		d := decode[records.Document](t, w)
		if d.Status == want {
			return d
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s: status %s, want %s", id, d.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitAndPoll(t *testing.T) {
	_, h := newTestHandler(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, multipartRequest(t, "/v1/documents", "acme", nil,
		upload{"file", "essay.html", "", "<p>four words of text</p>"}))
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", w.Code, w.Body)
	}
	d := decode[records.Document](t, w)
	if !strings.HasPrefix(d.MediaType, "text/html") {
		t.Fatalf("media type from extension = %q", d.MediaType)
	}

	done := waitStatus(t, h, "acme", d.ID, records.StatusCompleted)
	if done.Result == nil || done.Result.Score != 0.9 {
		t.Fatalf("result = %+v", done.Result)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		w = do(t, h, http.MethodGet, "/v1/usage", "acme")
		if w.Code != http.StatusOK {
			t.Fatalf("usage: %d", w.Code)
		}
		u := decode[quota.Usage](t, w)
		if u.TenantID != "acme" {
			t.Fatalf("usage tenant = %q", u.TenantID)
		}
		if u.CommittedWords == done.Metrics.Words {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("usage = %+v, metrics = %+v", u, done.Metrics)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTenantRequired(t *testing.T) {
	_, h := newTestHandler(t)
	for _, path := range []string{"/v1/usage", "/v1/documents/doc_x", "/v1/batches/bat_x"} {
		if w := do(t, h, http.MethodGet, path, ""); w.Code != http.StatusUnauthorized {
			t.Errorf("%s without tenant: %d", path, w.Code)
		}
	}
	if w := do(t, h, http.MethodGet, "/v1/health", ""); w.Code != http.StatusOK {
		t.Errorf("health without tenant: %d", w.Code)
	}
}

func TestTenantIsolation(t *testing.T) {
	_, h := newTestHandler(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, multipartRequest(t, "/v1/documents", "t1", nil,
		upload{"file", "a.txt", "text/plain", "alpha beta"}))
	d := decode[records.Document](t, w)

	if w := do(t, h, http.MethodGet, "/v1/documents/"+d.ID, "t2"); w.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant read: %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/v1/documents/"+d.ID+"/cancel", "t2"); w.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant cancel: %d", w.Code)
	}
}

func TestBatchAndReport(t *testing.T) {
	_, h := newTestHandler(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, multipartRequest(t, "/v1/batches", "acme", nil,
		upload{"files", "one.txt", "text/plain", "first document"},
		upload{"files", "two.bin", "application/x-unknown", "???"},
	))
	if w.Code != http.StatusAccepted {
		t.Fatalf("create batch: %d %s", w.Code, w.Body)
	}
	b := decode[records.Batch](t, w)
	if len(b.DocumentIDs) != 2 {
		t.Fatalf("batch = %+v", b)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		b = decode[records.Batch](t, do(t, h, http.MethodGet, "/v1/batches/"+b.ID, "acme"))
		if b.Status != records.BatchPending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch still pending: %v", b.Progress)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if b.Status != records.BatchPartialFailure {
		t.Fatalf("batch status = %s", b.Status)
	}

	w = do(t, h, http.MethodGet, "/v1/batches/"+b.ID+"/report.xlsx", "acme")
	if w.Code != http.StatusOK {
		t.Fatalf("report: %d %s", w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Fatalf("content type = %q", ct)
	}
	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := f.GetRows("Documents")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}

	if w := do(t, h, http.MethodGet, "/v1/batches/"+b.ID+"/report.xlsx", "other"); w.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant report: %d", w.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	_, h := newTestHandler(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, multipartRequest(t, "/v1/batches", "acme", map[string]string{"note": "x"}))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty batch: %d %s", w.Code, w.Body)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, multipartRequest(t, "/v1/documents", "acme", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("no file part: %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, multipartRequest(t, "/v1/documents", "bad tenant!", nil,
		upload{"file", "a.txt", "text/plain", "x"}))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid tenant: %d", w.Code)
	}

	if w := do(t, h, http.MethodGet, "/v1/documents/doc_missing", "acme"); w.Code != http.StatusNotFound {
		t.Fatalf("missing document: %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, multipartRequest(t, "/v1/documents", "acme", nil,
		upload{"file", "a.txt", "text/plain", "short text"}))
	d := decode[records.Document](t, w)
	waitStatus(t, h, "acme", d.ID, records.StatusCompleted)
	if w := do(t, h, http.MethodPost, "/v1/documents/"+d.ID+"/cancel", "acme"); w.Code != http.StatusConflict {
		t.Fatalf("cancel completed: %d %s", w.Code, w.Body)
	}
}

func TestBodyLimit(t *testing.T) {
	_, h := newTestHandler(t, WithMaxBody(512))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, multipartRequest(t, "/v1/documents", "acme", nil,
		upload{"file", "big.txt", "text/plain", string(bytes.Repeat([]byte("word "), 400))}))
	if w.Code != http.StatusRequestEntityTooLarge && w.Code != http.StatusBadRequest {
		t.Fatalf("oversized body: %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	_, h := newTestHandler(t,
		WithVersion("1.2.3"),
		WithCheck("db", func(context.Context) error { return nil }),
		WithGauge("queue_depth", func(context.Context) (int, error) { return 7, nil }))
	w := do(t, h, http.MethodGet, "/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health: %d", w.Code)
	}
	body := decode[map[string]any](t, w)
	if body["status"] != "ok" || body["version"] != "1.2.3" || body["db"] != "ok" || body["queue_depth"] != float64(7) {
		t.Fatalf("health = %v", body)
	}

	_, h = newTestHandler(t, WithCheck("storage", func(context.Context) error { return errors.New("bucket gone") }))
	w = do(t, h, http.MethodGet, "/v1/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded health: %d", w.Code)
	}
	if body := decode[map[string]any](t, w); body["status"] != "degraded" || body["storage"] != "bucket gone" {
		t.Fatalf("degraded health = %v", body)
	}
}

func TestMCPServerPerTenant(t *testing.T) {
	hd, h := newTestHandler(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, multipartRequest(t, "/v1/documents", "t1", nil,
		upload{"file", "a.txt", "text/plain", "alpha beta gamma"}))
	d := decode[records.Document](t, w)

	reqFor := func(tenant string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		return r.WithContext(kit.WithTenantID(r.Context(), tenant))
	}
	s1 := hd.mcpServer(reqFor("t1"))
	if hd.mcpServer(reqFor("t1")) != s1 {
		t.Fatal("server not reused for the same tenant")
	}
	s2 := hd.mcpServer(reqFor("t2"))
	if s2 == s1 {
		t.Fatal("tenants share a server")
	}

	impl := &mcp.Implementation{Name: "test", Version: "0"}
	connect := func(srv *mcp.Server) *mcp.ClientSession {
		serverT, clientT := mcp.NewInMemoryTransports()
		go func() { _ = srv.Run(context.Background(), serverT) }()
		cs, err := mcp.NewClient(impl, nil).Connect(context.Background(), clientT, nil)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { cs.Close() })
		return cs
	}
	args := map[string]any{"document_id": d.ID, "tenant_id": "t1"}

	res, err := connect(s1).CallTool(context.Background(), &mcp.CallToolParams{Name: "assess_get_document", Arguments: args})
	if err != nil || res.IsError {
		t.Fatalf("own tenant: err=%v isError=%v", err, res != nil && res.IsError)
	}
	res, err = connect(s2).CallTool(context.Background(), &mcp.CallToolParams{Name: "assess_get_document", Arguments: args})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("t2 server returned t1's document")
	}
}

func TestSignedTenantAssertions(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	v, err := auth.NewVerifier(secret, "portal")
	if err != nil {
		t.Fatal(err)
	}
	_, h := newTestHandler(t, WithAuth(v))

	// The plain header is not trusted in assertion mode.
	if w := do(t, h, http.MethodGet, "/v1/usage", "acme"); w.Code != http.StatusUnauthorized {
		t.Fatalf("header only: %d", w.Code)
	}

	tok, err := auth.Issue(secret, "portal", "acme", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set(shield.TenantHeader, "someone-else")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("signed: %d %s", w.Code, w.Body)
	}
	if u := decode[quota.Usage](t, w); u.TenantID != "acme" {
		t.Fatalf("usage tenant = %q", u.TenantID)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set("Authorization", "Bearer forged")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("forged: %d", w.Code)
	}
}
