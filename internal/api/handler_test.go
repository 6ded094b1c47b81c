package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dosemind/dosemind/internal/account"
	"github.com/dosemind/dosemind/internal/deliver"
	"github.com/dosemind/dosemind/internal/engine"
	"github.com/dosemind/dosemind/internal/kv"
	"github.com/dosemind/dosemind/internal/medication"
	"github.com/dosemind/dosemind/internal/notify"
	"github.com/dosemind/dosemind/internal/queue"
	"github.com/dosemind/dosemind/internal/reconcile"
	"github.com/dosemind/dosemind/internal/remote"
	"github.com/dosemind/dosemind/internal/sentstate"
	"github.com/dosemind/dosemind/internal/stock"
	"github.com/dosemind/dosemind/internal/syncer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeRemote struct {
	mu      sync.Mutex
	online  bool
	meds    map[uuid.UUID]medication.Medication
	doseSet map[string]bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		online:  true,
		meds:    make(map[uuid.UUID]medication.Medication),
		doseSet: make(map[string]bool),
	}
}

func (f *fakeRemote) setOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = online
}

func (f *fakeRemote) IsConnected(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeRemote) UpsertMedication(ctx context.Context, med medication.Medication) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online {
		return errors.New("remote unreachable")
	}
	f.meds[med.ID] = med
	return nil
}

func (f *fakeRemote) DeleteMedication(ctx context.Context, accountID, medID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online {
		return errors.New("remote unreachable")
	}
	delete(f.meds, medID)
	return nil
}

func (f *fakeRemote) ListMedications(ctx context.Context, accountID uuid.UUID) ([]medication.Medication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online {
		return nil, errors.New("remote unreachable")
	}
	var meds []medication.Medication
	for _, med := range f.meds {
		if med.AccountID == accountID {
			meds = append(meds, med)
		}
	}
	return meds, nil
}

func (f *fakeRemote) InsertDoseLog(ctx context.Context, entry medication.DoseLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online {
		return errors.New("remote unreachable")
	}
	key := fmt.Sprintf("%s|%s|%s", entry.MedicineID, entry.Slot, entry.Day)
	if f.doseSet[key] {
		return remote.ErrIdempotentConflict
	}
	f.doseSet[key] = true
	return nil
}

type testAPI struct {
	router *chi.Mux
	remote *fakeRemote
	queue  *queue.Queue
}

func setupAPI(t *testing.T) (*testAPI, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewRedisWithClient(rdb, zap.NewNop())

	logger := zap.NewNop()
	clock := &fakeClock{now: time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)}
	remoteStore := newFakeRemote()

	cache := medication.NewCache(store)
	notifier := notify.NewStore(store, logger)
	sent := sentstate.New(store, clock, logger)
	reconciler := reconcile.New(notifier, sent, clock, logger)
	monitor := stock.NewMonitor(store, clock, logger)
	q := queue.New(store, clock, remoteStore, 5, logger)
	contacts := account.NewContacts(store)
	sender := deliver.NewLogSender(logger)
	dispatcher := notify.NewDispatcher(notifier, sent, contacts, sender, clock, notify.DispatcherConfig{}, logger)

	eng := engine.New(engine.Config{}, engine.Deps{
		Cache:      cache,
		Remote:     remoteStore,
		Queue:      q,
		Processor:  syncer.New(remoteStore, logger),
		Reconciler: reconciler,
		Stock:      monitor,
		Contacts:   contacts,
		Sender:     sender,
		Dispatcher: dispatcher,
		Clock:      clock,
		Logger:     logger,
	})

	handler := NewHandler(logger, eng, contacts, q, notifier)
	router := chi.NewRouter()
	router.Route("/v1", handler.Routes)

	cleanup := func() {
		rdb.Close()
		mr.Close()
	}
	return &testAPI{router: router, remote: remoteStore, queue: q}, cleanup
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func createMedication(t *testing.T, api *testAPI, accountID uuid.UUID) medication.Medication {
	t.Helper()
	rec := doJSON(t, api.router, http.MethodPost, "/v1/accounts/"+accountID.String()+"/medications", MedicationRequest{
		Name:            "Metformin",
		Times:           []string{"08:00", "20:00"},
		Quantity:        6,
		DoseAmount:      1,
		RefillThreshold: 5,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create medication: status %d, body %s", rec.Code, rec.Body.String())
	}
	var med medication.Medication
	if err := json.Unmarshal(rec.Body.Bytes(), &med); err != nil {
		t.Fatalf("decode created medication: %v", err)
	}
	return med
}

func TestCreateMedication(t *testing.T) {
	api, cleanup := setupAPI(t)
	defer cleanup()
	accountID := uuid.New()

	med := createMedication(t, api, accountID)
	if med.ID == uuid.Nil {
		t.Fatal("expected assigned medication id")
	}
	if len(med.Times) != 2 {
		t.Fatalf("times = %v, want 2 entries", med.Times)
	}
}

func TestCreateMedicationValidation(t *testing.T) {
	api, cleanup := setupAPI(t)
	defer cleanup()
	base := "/v1/accounts/" + uuid.New().String() + "/medications"

	// Malformed JSON
	req := httptest.NewRequest(http.MethodPost, base, bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status %d, want 400", rec.Code)
	}

	// Bad time format
	rec = doJSON(t, api.router, http.MethodPost, base, MedicationRequest{
		Name: "Metformin", Times: []string{"25:00"}, DoseAmount: 1,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad time: status %d, want 400", rec.Code)
	}

	// Missing name
	rec = doJSON(t, api.router, http.MethodPost, base, MedicationRequest{
		Times: []string{"08:00"}, DoseAmount: 1,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing name: status %d, want 400", rec.Code)
	}

	// Bad account id in path
	rec = doJSON(t, api.router, http.MethodPost, "/v1/accounts/not-a-uuid/medications", MedicationRequest{
		Name: "Metformin", Times: []string{"08:00"}, DoseAmount: 1,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad account id: status %d, want 400", rec.Code)
	}
}

func TestGetAndListMedications(t *testing.T) {
	api, cleanup := setupAPI(t)
	defer cleanup()
	accountID := uuid.New()
	med := createMedication(t, api, accountID)

	rec := doJSON(t, api.router, http.MethodGet, "/v1/accounts/"+accountID.String()+"/medications/"+med.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d", rec.Code)
	}

	rec = doJSON(t, api.router, http.MethodGet, "/v1/accounts/"+accountID.String()+"/medications", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	var listResp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listResp.Count != 1 {
		t.Errorf("count = %d, want 1", listResp.Count)
	}

	rec = doJSON(t, api.router, http.MethodGet, "/v1/accounts/"+accountID.String()+"/medications/"+uuid.New().String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get unknown: status %d, want 404", rec.Code)
	}
}

func TestDeleteMedication(t *testing.T) {
	api, cleanup := setupAPI(t)
	defer cleanup()
	accountID := uuid.New()
	med := createMedication(t, api, accountID)
	path := "/v1/accounts/" + accountID.String() + "/medications/" + med.ID.String()

	rec := doJSON(t, api.router, http.MethodDelete, path, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d, want 204", rec.Code)
	}

	rec = doJSON(t, api.router, http.MethodDelete, path, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: status %d, want 404", rec.Code)
	}
}

func TestTakeDose(t *testing.T) {
	api, cleanup := setupAPI(t)
	defer cleanup()
	accountID := uuid.New()
	med := createMedication(t, api, accountID)
	path := "/v1/accounts/" + accountID.String() + "/medications/" + med.ID.String() + "/doses"

	rec := doJSON(t, api.router, http.MethodPost, path, DoseRequest{Slot: "08:00"})
	if rec.Code != http.StatusOK {
		t.Fatalf("take dose: status %d, body %s", rec.Code, rec.Body.String())
	}
	var updated medication.Medication
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if updated.Quantity != 5 {
		t.Errorf("quantity = %d, want 5", updated.Quantity)
	}

	// Same slot, same day: conflict.
	rec = doJSON(t, api.router, http.MethodPost, path, DoseRequest{Slot: "08:00"})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate dose: status %d, want 409", rec.Code)
	}

	// Slot not in the schedule.
	rec = doJSON(t, api.router, http.MethodPost, path, DoseRequest{Slot: "12:30"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown slot: status %d, want 400", rec.Code)
	}

	// Unparseable slot.
	rec = doJSON(t, api.router, http.MethodPost, path, DoseRequest{Slot: "8 o'clock"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad slot format: status %d, want 400", rec.Code)
	}
}

func TestPutContact(t *testing.T) {
	api, cleanup := setupAPI(t)
	defer cleanup()
	path := "/v1/accounts/" + uuid.New().String() + "/contact"

	rec := doJSON(t, api.router, http.MethodPut, path, ContactRequest{
		Channel: deliver.ChannelEmail,
		Email:   "carer@example.com",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put contact: status %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api.router, http.MethodPut, path, ContactRequest{Channel: "pigeon"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid channel: status %d, want 400", rec.Code)
	}
}

func TestListSchedule(t *testing.T) {
	api, cleanup := setupAPI(t)
	defer cleanup()
	accountID := uuid.New()
	createMedication(t, api, accountID)

	rec := doJSON(t, api.router, http.MethodGet, "/v1/accounts/"+accountID.String()+"/schedule", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list schedule: status %d", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Two slots x three kinds plus the summary.
	if resp.Count != 7 {
		t.Errorf("scheduled count = %d, want 7", resp.Count)
	}
}

func TestSyncAndQueueEndpoints(t *testing.T) {
	api, cleanup := setupAPI(t)
	defer cleanup()
	accountID := uuid.New()
	med := createMedication(t, api, accountID)

	// Go offline and record a dose so actions queue up.
	api.remote.setOnline(false)
	dosePath := "/v1/accounts/" + accountID.String() + "/medications/" + med.ID.String() + "/doses"
	if rec := doJSON(t, api.router, http.MethodPost, dosePath, DoseRequest{Slot: "08:00"}); rec.Code != http.StatusOK {
		t.Fatalf("offline dose: status %d", rec.Code)
	}

	rec := doJSON(t, api.router, http.MethodGet, "/v1/accounts/"+accountID.String()+"/queue", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list queue: status %d", rec.Code)
	}
	var queueResp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &queueResp); err != nil {
		t.Fatalf("decode queue: %v", err)
	}
	if queueResp.Count != 2 {
		t.Fatalf("queued count = %d, want 2", queueResp.Count)
	}

	api.remote.setOnline(true)
	rec = doJSON(t, api.router, http.MethodPost, "/v1/accounts/"+accountID.String()+"/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync: status %d", rec.Code)
	}
	var syncResp struct {
		Processed int `json:"processed"`
		Remaining int `json:"remaining"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &syncResp); err != nil {
		t.Fatalf("decode sync: %v", err)
	}
	if syncResp.Processed != 2 || syncResp.Remaining != 0 {
		t.Fatalf("sync result = %+v, want processed=2 remaining=0", syncResp)
	}
}

func TestDeadLetterEndpoints(t *testing.T) {
	api, cleanup := setupAPI(t)
	defer cleanup()
	accountID := uuid.New()

	rec := doJSON(t, api.router, http.MethodGet, "/v1/accounts/"+accountID.String()+"/dlq", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list dlq: status %d", rec.Code)
	}

	missing := uuid.New().String()
	rec = doJSON(t, api.router, http.MethodPost, "/v1/accounts/"+accountID.String()+"/dlq/"+missing+"/retry", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("retry missing: status %d, want 404", rec.Code)
	}
	rec = doJSON(t, api.router, http.MethodPost, "/v1/accounts/"+accountID.String()+"/dlq/"+missing+"/discard", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("discard missing: status %d, want 404", rec.Code)
	}
}

func TestReconcileAndRefreshEndpoints(t *testing.T) {
	api, cleanup := setupAPI(t)
	defer cleanup()
	accountID := uuid.New()
	createMedication(t, api, accountID)

	rec := doJSON(t, api.router, http.MethodPost, "/v1/accounts/"+accountID.String()+"/reconcile", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reconcile: status %d", rec.Code)
	}

	rec = doJSON(t, api.router, http.MethodPost, "/v1/accounts/"+accountID.String()+"/refresh", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: status %d", rec.Code)
	}
}
