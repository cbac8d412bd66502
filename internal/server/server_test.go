package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"freelanceflow/internal/config"
	"freelanceflow/internal/escrow"
	"freelanceflow/internal/hmacauth"
	"freelanceflow/internal/idempotency"
	"freelanceflow/internal/strkey"
	"freelanceflow/internal/wallet"
)

func testAddr(fill byte) string {
	var raw [32]byte
	for i := range raw {
		raw[i] = fill
	}
	return strkey.Encode(raw)
}

type fakeWallet struct {
	available  bool
	session    *wallet.State
	connectErr error
}

func (f *fakeWallet) IsAvailable(context.Context) bool { return f.available }

func (f *fakeWallet) CheckExistingConnection(context.Context) *wallet.State { return f.session }

func (f *fakeWallet) Connect(context.Context) (*wallet.State, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.session, nil
}

type fakeLedger struct {
	pingErr error
	balance string
}

func (f *fakeLedger) Ping(context.Context) error { return f.pingErr }

func (f *fakeLedger) NativeBalance(context.Context, string) (string, error) {
	return f.balance, nil
}

type fakePayments struct {
	err    error
	hash   string
	calls  int
	source string
	dest   string
	amount string
	memo   string
}

func (f *fakePayments) Release(_ context.Context, source, destination, amount, memo string) (string, error) {
	f.calls++
	f.source, f.dest, f.amount, f.memo = source, destination, amount, memo
	if f.err != nil {
		return "", f.err
	}
	return f.hash, nil
}

type testEnv struct {
	srv      *Server
	store    *escrow.MemoryStore
	wallet   *fakeWallet
	ledger   *fakeLedger
	payments *fakePayments
	dlqDir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dlqDir := t.TempDir()
	cfg := &config.AppConfig{
		Service: config.ServiceConfig{
			HTTPPort:          0,
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
			ReleaseDLQPath:    dlqDir,
		},
	}

	store := escrow.NewMemoryStore(nil)
	store.SettleDelay = 0
	w := &fakeWallet{available: true}
	l := &fakeLedger{balance: "100.0000000"}
	p := &fakePayments{hash: "abc123"}

	srv := NewServer(cfg, Deps{
		Store:    store,
		Replays:  idempotency.NewMemoryStore(),
		Wallet:   w,
		Ledger:   l,
		Payments: p,
	})
	return &testEnv{srv: srv, store: store, wallet: w, ledger: l, payments: p, dlqDir: dlqDir}
}

func (e *testEnv) do(t *testing.T, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(blob)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if caller != "" {
		req.Header.Set(hmacauth.HeaderCaller, caller)
	}
	if method == http.MethodPost && strings.HasSuffix(path, "/jobs") {
		req.Header.Set("X-Idempotency-Key", "key-"+path)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createJob(t *testing.T, client, freelancer string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/jobs", client, map[string]string{
		"client":      client,
		"freelancer":  freelancer,
		"amount":      "100",
		"description": "Build a landing page",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	var job escrow.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("create response: %v", err)
	}
	return job.ID
}

func TestCreateJobIdempotency(t *testing.T) {
	env := newTestEnv(t)
	client, freelancer := testAddr(1), testAddr(2)

	body := map[string]string{
		"client":      client,
		"freelancer":  freelancer,
		"amount":      "250.5",
		"description": "Design a complete brand identity",
	}

	send := func() *httptest.ResponseRecorder {
		blob, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(blob))
		req.Header.Set(hmacauth.HeaderCaller, client)
		req.Header.Set("X-Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	first := send()
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", first.Code, first.Body.String())
	}

	second := send()
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201 got %d", second.Code)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatal("expected identical body on idempotent retry")
	}

	jobs, _ := env.store.GetUserJobs(context.Background(), client)
	if len(jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(jobs))
	}
}

func TestCreateJobRequiresCaller(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/jobs", "", map[string]string{
		"client":      testAddr(1),
		"freelancer":  testAddr(2),
		"amount":      "100",
		"description": "Build a landing page",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestCreateJobReplaysScopedPerCaller(t *testing.T) {
	env := newTestEnv(t)
	clientA, clientB, freelancer := testAddr(1), testAddr(3), testAddr(2)

	send := func(client string) *httptest.ResponseRecorder {
		blob, _ := json.Marshal(map[string]string{
			"client":      client,
			"freelancer":  freelancer,
			"amount":      "100",
			"description": "Build a landing page",
		})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(blob))
		req.Header.Set(hmacauth.HeaderCaller, client)
		req.Header.Set("X-Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	// Two clients reusing the same key must each get their own job.
	first := send(clientA)
	second := send(clientB)
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("status = %d, %d", first.Code, second.Code)
	}
	var jobA, jobB escrow.Job
	if err := json.Unmarshal(first.Body.Bytes(), &jobA); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(second.Body.Bytes(), &jobB); err != nil {
		t.Fatal(err)
	}
	if jobA.ID == jobB.ID {
		t.Fatal("replay cache leaked across callers")
	}
	if jobB.Client != clientB {
		t.Fatalf("second caller got %s's job back", jobA.Client)
	}
}

func TestCreateJobCallerMismatch(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/jobs", testAddr(9), map[string]string{
		"client":      testAddr(1),
		"freelancer":  testAddr(2),
		"amount":      "100",
		"description": "Build a landing page",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rec.Code)
	}
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t)
	client := testAddr(1)
	rec := env.do(t, http.MethodPost, "/api/v1/jobs", client, map[string]string{
		"client":      client,
		"freelancer":  "bogus",
		"amount":      "100",
		"description": "Build a landing page",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t)
	client, freelancer := testAddr(1), testAddr(2)
	id := env.createJob(t, client, freelancer)

	rec := env.do(t, http.MethodGet, "/api/v1/jobs/"+id, client, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var job escrow.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.ID != id || job.Status != escrow.StatusInEscrow {
		t.Fatalf("unexpected job: %+v", job)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/jobs/job_0_missing", client, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestListJobsByAddress(t *testing.T) {
	env := newTestEnv(t)
	client, freelancer, other := testAddr(1), testAddr(2), testAddr(3)
	env.createJob(t, client, freelancer)

	rec := env.do(t, http.MethodGet, "/api/v1/jobs?address="+freelancer, client, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var resp struct {
		Jobs []escrow.Job `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Jobs) != 1 {
		t.Fatalf("expected one job for freelancer, got %d", len(resp.Jobs))
	}

	rec = env.do(t, http.MethodGet, "/api/v1/jobs?address="+other, client, nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Jobs) != 0 {
		t.Fatalf("expected no jobs for stranger, got %d", len(resp.Jobs))
	}
}

func TestApproveReleasesFunds(t *testing.T) {
	env := newTestEnv(t)
	client, freelancer := testAddr(1), testAddr(2)
	id := env.createJob(t, client, freelancer)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/approve", client, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	var resp approveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Job.Status != escrow.StatusCompleted {
		t.Fatalf("job status = %s", resp.Job.Status)
	}
	if resp.Release.Status != "released" || resp.Release.Hash != "abc123" {
		t.Fatalf("unexpected release: %+v", resp.Release)
	}

	if env.payments.calls != 1 {
		t.Fatalf("release calls = %d", env.payments.calls)
	}
	if env.payments.source != client || env.payments.dest != freelancer {
		t.Fatalf("funds flow %s -> %s, want client -> freelancer", env.payments.source, env.payments.dest)
	}
	if env.payments.memo != "FL:"+id {
		t.Fatalf("memo = %q", env.payments.memo)
	}
}

func TestApproveUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	client, freelancer := testAddr(1), testAddr(2)
	id := env.createJob(t, client, freelancer)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/approve", freelancer, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rec.Code)
	}
	if env.payments.calls != 0 {
		t.Fatal("no funds may move on an unauthorized approval")
	}
}

func TestApproveReleaseFailureQueuesDLQ(t *testing.T) {
	env := newTestEnv(t)
	env.payments.err = errors.New("signer bridge unreachable")
	client, freelancer := testAddr(1), testAddr(2)
	id := env.createJob(t, client, freelancer)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/approve", client, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	var resp approveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	// The approval sticks even when the payout fails.
	if resp.Job.Status != escrow.StatusCompleted {
		t.Fatalf("job status = %s", resp.Job.Status)
	}
	if resp.Release.Status != "queued" {
		t.Fatalf("release status = %q", resp.Release.Status)
	}

	entries, err := os.ReadDir(env.dlqDir)
	if err != nil {
		t.Fatalf("dlq dir read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one dlq entry, got %d", len(entries))
	}
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t)
	client, freelancer := testAddr(1), testAddr(2)
	id := env.createJob(t, client, freelancer)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", client, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var job escrow.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.Status != escrow.StatusCancelled {
		t.Fatalf("job status = %s", job.Status)
	}
	if env.payments.calls != 0 {
		t.Fatal("cancellation must not move funds")
	}

	// Terminal jobs reject further transitions.
	if rec := env.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/approve", client, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
}

func TestWalletConnect(t *testing.T) {
	env := newTestEnv(t)
	env.wallet.session = &wallet.State{PublicKey: testAddr(7), Connected: true, Network: "TESTNET"}

	rec := env.do(t, http.MethodPost, "/api/v1/wallet/connect", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var resp walletConnectResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Connected || resp.State.PublicKey != testAddr(7) {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestWalletConnectFailures(t *testing.T) {
	cases := []struct {
		name string
		kind wallet.Kind
		want int
	}{
		{"declined", wallet.KindUserDeclined, http.StatusForbidden},
		{"unreachable", wallet.KindUnreachable, http.StatusServiceUnavailable},
		{"wrong network", wallet.KindWrongNetwork, http.StatusConflict},
		{"invalid key", wallet.KindInvalidKey, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.wallet.connectErr = &wallet.Error{Kind: tc.kind, Op: "connect"}

			rec := env.do(t, http.MethodPost, "/api/v1/wallet/connect", "", nil)
			if rec.Code != tc.want {
				t.Fatalf("expected %d got %d", tc.want, rec.Code)
			}
			var resp walletConnectResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Kind != tc.kind.String() {
				t.Fatalf("kind = %q, want %q", resp.Kind, tc.kind)
			}
		})
	}
}

func TestWalletStatus(t *testing.T) {
	env := newTestEnv(t)
	env.wallet.available = false

	rec := env.do(t, http.MethodGet, "/api/v1/wallet/status", "", nil)
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["available"] != false {
		t.Fatalf("unexpected status: %v", resp)
	}

	env.wallet.available = true
	env.wallet.session = &wallet.State{PublicKey: testAddr(7), Connected: true}
	rec = env.do(t, http.MethodGet, "/api/v1/wallet/status", "", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["available"] != true || resp["connected"] != true {
		t.Fatalf("unexpected status: %v", resp)
	}
}

func TestBalance(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.balance = "42.0000000"

	rec := env.do(t, http.MethodGet, "/api/v1/accounts/"+testAddr(5)+"/balance", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["balance"] != "42.0000000" || resp["asset"] != "native" {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	env.ledger.pingErr = errors.New("horizon timeout")
	rec = env.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "degraded" {
		t.Fatalf("status = %v", resp["status"])
	}
}

func TestSignedRequestsEnforced(t *testing.T) {
	env := newTestEnv(t)
	env.srv.hmac.Secret = "test-secret"
	client := testAddr(1)

	blob, _ := json.Marshal(map[string]string{
		"client":      client,
		"freelancer":  testAddr(2),
		"amount":      "100",
		"description": "Build a landing page",
	})

	// Unsigned request bounces.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(blob))
	req.Header.Set("X-Idempotency-Key", "key-1")
	req.Header.Set(hmacauth.HeaderCaller, client)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}

	// A properly signed one goes through.
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(blob))
	req.Header.Set("X-Idempotency-Key", "key-1")
	req.Header.Set(hmacauth.HeaderCaller, client)
	req.Header.Set(hmacauth.HeaderTimestamp, ts)
	req.Header.Set(hmacauth.HeaderSignature, hmacauth.Sign("test-secret", ts, client, blob))
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
}
