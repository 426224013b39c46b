package service

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mealpass/kiosk/internal/config"
	"mealpass/kiosk/internal/flow"
	"mealpass/kiosk/internal/models"
	"mealpass/kiosk/internal/scanner"
	"mealpass/kiosk/internal/ticketstore"
)

// fakeStore scripts the remote ticket store.
type fakeStore struct {
	mu sync.Mutex

	loginStaff    models.StaffRecord
	loginErr      error
	registerErr   error
	redeemErr     error
	unregisterErr error

	redeemGate chan struct{} // when set, LogRedemption blocks until closed

	registerCalls   int
	redeemCalls     int
	unregisterCalls int
	lastSessionID   string
}

func (f *fakeStore) Login(ctx context.Context, staffID, surname string) (models.StaffRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return models.StaffRecord{}, f.loginErr
	}
	return f.loginStaff, nil
}

func (f *fakeStore) RegisterSession(ctx context.Context, staffID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	f.lastSessionID = sessionID
	return f.registerErr
}

func (f *fakeStore) LogRedemption(ctx context.Context, staffID, sessionID string, at time.Time) error {
	f.mu.Lock()
	gate := f.redeemGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redeemCalls++
	return f.redeemErr
}

func (f *fakeStore) UnregisterSession(ctx context.Context, staffID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregisterCalls++
	return f.unregisterErr
}

func (f *fakeStore) counts() (register, redeem, unregister int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerCalls, f.redeemCalls, f.unregisterCalls
}

// fakeScans implements ScanPipeline without timers or goroutines; tests
// drive the payload callback directly through emit.
type fakeScans struct {
	mu        sync.Mutex
	ready     bool
	running   bool
	onPayload func(string) bool
	stops     int
}

func (f *fakeScans) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeScans) Start(ctx context.Context, onPayload func(string) bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return scanner.ErrDecoderUnavailable
	}
	if f.running {
		return scanner.ErrScanActive
	}
	f.running = true
	f.onPayload = onPayload
	return nil
}

func (f *fakeScans) Push(image.Image) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return scanner.ErrScanInactive
	}
	return nil
}

func (f *fakeScans) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops++
}

// emit simulates the scan loop decoding a payload.
func (f *fakeScans) emit(payload string) bool {
	f.mu.Lock()
	cb := f.onPayload
	f.mu.Unlock()
	stop := cb(payload)
	if stop {
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
	}
	return stop
}

func (f *fakeScans) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		Environment: "test",
		Store:       config.StoreConfig{Timeout: time.Second},
		Kiosk: config.KioskConfig{
			KioskID:         "kiosk-test",
			ExpectedPayload: "MEALPASS:CAFETERIA:MAIN",
			ScanInterval:    10 * time.Millisecond,
			NoticeTTL:       40 * time.Millisecond,
		},
	}
}

func newTestService(store *fakeStore, scans *fakeScans) *RedemptionService {
	return NewRedemptionService(context.Background(), store, scans, nil, testConfig(), zerolog.Nop())
}

func okStore() *fakeStore {
	return &fakeStore{
		loginStaff: models.StaffRecord{
			StaffID:    "1042",
			Name:       "Mina Okafor",
			Department: "Radiology",
			Location:   "Main Campus",
			Price:      "4.50",
		},
	}
}

func waitForPage(t *testing.T, svc *RedemptionService, page flow.Page) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc.State().Page == page {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("page never became %q, still %q", page, svc.State().Page)
}

func TestLoginOpensDashboard(t *testing.T) {
	store := okStore()
	svc := newTestService(store, &fakeScans{ready: true})

	session, err := svc.Login(context.Background(), " 1042 ", " Okafor ")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if session.SessionID == "" || session.Name != "Mina Okafor" {
		t.Fatalf("session not built from staff record: %+v", session)
	}

	st := svc.State()
	if st.Page != flow.PageDashboard || st.Session == nil {
		t.Fatalf("state after login: %+v", st)
	}
	if store.lastSessionID != session.SessionID {
		t.Fatalf("registered session id %q != %q", store.lastSessionID, session.SessionID)
	}
}

func TestLoginEmptyCredentials(t *testing.T) {
	svc := newTestService(okStore(), &fakeScans{ready: true})

	if _, err := svc.Login(context.Background(), "  ", "Okafor"); !errors.Is(err, ticketstore.ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if svc.State().Page != flow.PageLogin {
		t.Fatal("state moved off login")
	}
}

func TestLoginConflictShowsAlreadyUsed(t *testing.T) {
	store := okStore()
	store.loginErr = &ticketstore.ConflictError{Used: models.RedemptionInfo{
		StaffID:  "1042",
		UsedDate: "2026-08-23",
		UsedTime: "08:12",
	}}
	svc := newTestService(store, &fakeScans{ready: true})

	_, err := svc.Login(context.Background(), "1042", "Okafor")
	var conflict *ticketstore.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want conflict", err)
	}

	st := svc.State()
	if st.Page != flow.PageAlreadyUsed {
		t.Fatalf("page = %q", st.Page)
	}
	if st.Conflict == nil || st.Conflict.UsedTime != "08:12" {
		t.Fatalf("conflict fields missing: %+v", st.Conflict)
	}
	if st.Session != nil {
		t.Fatal("conflict must not open a session")
	}
}

func TestLoginWhileSessionActive(t *testing.T) {
	svc := newTestService(okStore(), &fakeScans{ready: true})

	if _, err := svc.Login(context.Background(), "1042", "Okafor"); err != nil {
		t.Fatalf("first login: %v", err)
	}
	// A different staff member cannot take over the kiosk.
	if _, err := svc.Login(context.Background(), "2077", "Barnes"); !errors.Is(err, ErrKioskBusy) {
		t.Fatalf("err = %v, want ErrKioskBusy", err)
	}
}

func TestLoginSameStaffReclaimsSession(t *testing.T) {
	store := okStore()
	svc := newTestService(store, &fakeScans{ready: true})

	first, err := svc.Login(context.Background(), "1042", "Okafor")
	if err != nil {
		t.Fatalf("first login: %v", err)
	}

	// The panel lost its token (reload, restart); the same staff member
	// submits their credentials again and gets the live session back.
	second, err := svc.Login(context.Background(), "1042", "Okafor")
	if err != nil {
		t.Fatalf("re-login: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("reclaim opened a new session: %q != %q", second.SessionID, first.SessionID)
	}
	if registers, _, _ := store.counts(); registers != 1 {
		t.Fatalf("register calls = %d, want 1", registers)
	}
	if svc.State().Page != flow.PageDashboard {
		t.Fatal("reclaim must not move the page")
	}
}

func TestLoginReclaimRevalidatesCredentials(t *testing.T) {
	store := okStore()
	svc := newTestService(store, &fakeScans{ready: true})

	if _, err := svc.Login(context.Background(), "1042", "Okafor"); err != nil {
		t.Fatalf("login: %v", err)
	}

	store.mu.Lock()
	store.loginErr = ticketstore.ErrInvalidCredentials
	store.mu.Unlock()

	if _, err := svc.Login(context.Background(), "1042", "wrong"); !errors.Is(err, ticketstore.ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if svc.State().Page != flow.PageDashboard || svc.State().Session == nil {
		t.Fatal("failed reclaim must leave the live session untouched")
	}
}

func TestLoginReclaimAfterRedemption(t *testing.T) {
	store := okStore()
	scans := &fakeScans{ready: true}
	svc := newTestService(store, scans)

	if _, err := svc.Login(context.Background(), "1042", "Okafor"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := svc.StartScan(); err != nil {
		t.Fatalf("start scan: %v", err)
	}
	scans.emit("MEALPASS:CAFETERIA:MAIN")
	waitForPage(t, svc, flow.PageSuccess)

	// The ledger now records today's redemption, so the batched login call
	// reports a conflict. The credentials are still proven by it.
	store.mu.Lock()
	store.loginErr = &ticketstore.ConflictError{Used: models.RedemptionInfo{StaffID: "1042"}}
	store.mu.Unlock()

	session, err := svc.Login(context.Background(), "1042", "Okafor")
	if err != nil {
		t.Fatalf("re-login after redemption: %v", err)
	}
	if session.StaffID != "1042" {
		t.Fatalf("session = %+v", session)
	}
	if svc.State().Page != flow.PageSuccess {
		t.Fatal("reclaim must not move off the success page")
	}
}

func TestLoginStoreUnavailableFailsClosed(t *testing.T) {
	store := okStore()
	store.loginErr = ticketstore.ErrStoreUnavailable
	svc := newTestService(store, &fakeScans{ready: true})

	if _, err := svc.Login(context.Background(), "1042", "Okafor"); !errors.Is(err, ticketstore.ErrStoreUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if svc.State().Page != flow.PageLogin {
		t.Fatal("state moved off login on network failure")
	}
}

func TestLoginSessionActiveElsewhere(t *testing.T) {
	store := okStore()
	store.registerErr = ticketstore.ErrSessionActive
	svc := newTestService(store, &fakeScans{ready: true})

	if _, err := svc.Login(context.Background(), "1042", "Okafor"); !errors.Is(err, ticketstore.ErrSessionActive) {
		t.Fatalf("err = %v, want ErrSessionActive", err)
	}
	if svc.State().Page != flow.PageLogin {
		t.Fatal("register failure must leave the kiosk on login")
	}
}

func TestStartScanNeedsDashboard(t *testing.T) {
	svc := newTestService(okStore(), &fakeScans{ready: true})

	if err := svc.StartScan(); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("err = %v, want ErrNoActiveSession", err)
	}
}

func TestStartScanNeedsDecoder(t *testing.T) {
	svc := newTestService(okStore(), &fakeScans{ready: false})

	if _, err := svc.Login(context.Background(), "1042", "Okafor"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := svc.StartScan(); !errors.Is(err, scanner.ErrDecoderUnavailable) {
		t.Fatalf("err = %v, want ErrDecoderUnavailable", err)
	}
}

func TestMismatchedPayloadSetsTransientNotice(t *testing.T) {
	scans := &fakeScans{ready: true}
	svc := newTestService(okStore(), scans)

	if _, err := svc.Login(context.Background(), "1042", "Okafor"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := svc.StartScan(); err != nil {
		t.Fatalf("start scan: %v", err)
	}

	if stop := scans.emit("SOME-OTHER-CODE"); stop {
		t.Fatal("mismatch must keep the scan running")
	}

	st := svc.State()
	if st.Page != flow.PageDashboard || st.Notice == "" {
		t.Fatalf("expected dashboard with notice, got %+v", st)
	}

	// The notice self-clears after the configured delay.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && svc.State().Notice != "" {
		time.Sleep(5 * time.Millisecond)
	}
	if svc.State().Notice != "" {
		t.Fatal("notice did not self-clear")
	}
	if svc.State().Page != flow.PageDashboard {
		t.Fatal("clearing the notice must not leave the dashboard")
	}
}

func TestMatchedPayloadRecordsRedemption(t *testing.T) {
	store := okStore()
	scans := &fakeScans{ready: true}
	svc := newTestService(store, scans)

	if _, err := svc.Login(context.Background(), "1042", "Okafor"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := svc.StartScan(); err != nil {
		t.Fatalf("start scan: %v", err)
	}

	if stop := scans.emit("MEALPASS:CAFETERIA:MAIN"); !stop {
		t.Fatal("match must end the scan")
	}

	waitForPage(t, svc, flow.PageSuccess)
	if _, redeems, _ := store.counts(); redeems != 1 {
		t.Fatalf("redeem calls = %d, want 1", redeems)
	}
	if svc.State().Session == nil {
		t.Fatal("success page should keep the session")
	}
}

func TestRedemptionFailureStaysOnDashboard(t *testing.T) {
	store := okStore()
	store.redeemErr = ticketstore.ErrStoreUnavailable
	scans := &fakeScans{ready: true}
	svc := newTestService(store, scans)

	if _, err := svc.Login(context.Background(), "1042", "Okafor"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := svc.StartScan(); err != nil {
		t.Fatalf("start scan: %v", err)
	}
	scans.emit("MEALPASS:CAFETERIA:MAIN")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && svc.State().Notice == "" {
		time.Sleep(5 * time.Millisecond)
	}

	st := svc.State()
	if st.Page != flow.PageDashboard {
		t.Fatalf("page = %q, want dashboard after failed log", st.Page)
	}
	if st.Notice == "" {
		t.Fatal("failed redemption must surface an actionable notice")
	}
}

func TestStaleCompletionDroppedAfterLogout(t *testing.T) {
	store := okStore()
	store.redeemGate = make(chan struct{})
	scans := &fakeScans{ready: true}
	svc := newTestService(store, scans)

	if _, err := svc.Login(context.Background(), "1042", "Okafor"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := svc.StartScan(); err != nil {
		t.Fatalf("start scan: %v", err)
	}
	scans.emit("MEALPASS:CAFETERIA:MAIN")

	// The log-redemption call is in flight; the user logs out underneath it.
	svc.Logout(context.Background())
	close(store.redeemGate)

	time.Sleep(100 * time.Millisecond)
	if page := svc.State().Page; page != flow.PageLogin {
		t.Fatalf("stale completion corrupted state: page = %q", page)
	}
}

func TestLogoutTearsDownEverything(t *testing.T) {
	store := okStore()
	scans := &fakeScans{ready: true}
	svc := newTestService(store, scans)

	if _, err := svc.Login(context.Background(), "1042", "Okafor"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := svc.StartScan(); err != nil {
		t.Fatalf("start scan: %v", err)
	}
	scans.emit("SOME-OTHER-CODE") // leave a notice behind

	svc.Logout(context.Background())

	st := svc.State()
	if st.Page != flow.PageLogin || st.Session != nil || st.Conflict != nil || st.Notice != "" {
		t.Fatalf("logout left residue: %+v", st)
	}
	if scans.stopCount() == 0 {
		t.Fatal("logout did not stop the scanner")
	}
	if _, _, unregisters := store.counts(); unregisters != 1 {
		t.Fatalf("unregister calls = %d, want 1", unregisters)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	store := okStore()
	svc := newTestService(store, &fakeScans{ready: true})

	if _, err := svc.Login(context.Background(), "1042", "Okafor"); err != nil {
		t.Fatalf("login: %v", err)
	}

	svc.Logout(context.Background())
	svc.Logout(context.Background())
	svc.Logout(context.Background())

	if _, _, unregisters := store.counts(); unregisters != 1 {
		t.Fatalf("unregister calls = %d, want 1", unregisters)
	}
	if svc.State().Page != flow.PageLogin {
		t.Fatal("not on login after logout")
	}
}

func TestAcknowledgeDismissesConflict(t *testing.T) {
	store := okStore()
	store.loginErr = &ticketstore.ConflictError{Used: models.RedemptionInfo{StaffID: "1042"}}
	svc := newTestService(store, &fakeScans{ready: true})

	_, _ = svc.Login(context.Background(), "1042", "Okafor")
	if svc.State().Page != flow.PageAlreadyUsed {
		t.Fatal("precondition: expected alreadyUsed page")
	}

	svc.Acknowledge()
	st := svc.State()
	if st.Page != flow.PageLogin || st.Conflict != nil {
		t.Fatalf("acknowledge did not reset: %+v", st)
	}
}

func TestSweepExpiredClosesYesterdaysSession(t *testing.T) {
	store := okStore()
	svc := newTestService(store, &fakeScans{ready: true})

	if _, err := svc.Login(context.Background(), "1042", "Okafor"); err != nil {
		t.Fatalf("login: %v", err)
	}

	// Same day: nothing happens.
	svc.SweepExpired(time.Now())
	if svc.State().Page != flow.PageDashboard {
		t.Fatal("sweep closed a current-day session")
	}

	// Next day: the session is gone.
	svc.SweepExpired(time.Now().AddDate(0, 0, 1))
	if svc.State().Page != flow.PageLogin {
		t.Fatal("sweep did not close yesterday's session")
	}
}

func TestCancelScanClearsNotice(t *testing.T) {
	scans := &fakeScans{ready: true}
	svc := newTestService(okStore(), scans)

	if _, err := svc.Login(context.Background(), "1042", "Okafor"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := svc.StartScan(); err != nil {
		t.Fatalf("start scan: %v", err)
	}
	scans.emit("SOME-OTHER-CODE")

	svc.CancelScan()

	st := svc.State()
	if st.Notice != "" {
		t.Fatalf("cancel left notice %q", st.Notice)
	}
	if st.Page != flow.PageDashboard {
		t.Fatal("cancel must stay on the dashboard")
	}
	if scans.stopCount() == 0 {
		t.Fatal("cancel did not stop the scanner")
	}
}
