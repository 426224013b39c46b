package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mealpass/kiosk/internal/config"
	"mealpass/kiosk/internal/flow"
	"mealpass/kiosk/internal/ids"
	"mealpass/kiosk/internal/models"
	"mealpass/kiosk/internal/ticketstore"
)

var (
	ErrKioskBusy       = errors.New("a session is already active on this kiosk")
	ErrNoActiveSession = errors.New("no active session")
	ErrSuperseded      = errors.New("superseded by a newer action")
)

// TicketStore is the remote operation surface the controller drives. The
// production implementation is ticketstore.Client.
type TicketStore interface {
	Login(ctx context.Context, staffID, surname string) (models.StaffRecord, error)
	RegisterSession(ctx context.Context, staffID, sessionID string) error
	LogRedemption(ctx context.Context, staffID, sessionID string, at time.Time) error
	UnregisterSession(ctx context.Context, staffID, sessionID string) error
}

// ScanPipeline is the camera/decoder side, implemented by scanner.Scanner.
type ScanPipeline interface {
	Ready() bool
	Start(ctx context.Context, onPayload func(payload string) bool) error
	Push(frame image.Image) error
	Stop()
}

// RedemptionService owns the kiosk's state machine and orchestrates the
// remote calls around it. All state transitions funnel through flow.Reduce
// under one mutex; remote calls happen outside the lock and re-validate the
// epoch when they come back, so a completion that resolves after logout is
// dropped instead of corrupting the next session.
type RedemptionService struct {
	store TicketStore
	scans ScanPipeline
	cache *redis.Client
	cfg   *config.AppConfig
	log   zerolog.Logger

	// baseCtx outlives panel requests; scan loops and late completions are
	// tied to it, not to the request that started them.
	baseCtx context.Context

	mu          sync.Mutex
	state       flow.State
	epoch       uint64
	noticeTimer *time.Timer
}

func NewRedemptionService(
	baseCtx context.Context,
	store TicketStore,
	scans ScanPipeline,
	cache *redis.Client,
	cfg *config.AppConfig,
	log zerolog.Logger,
) *RedemptionService {
	s := &RedemptionService{
		store:   store,
		scans:   scans,
		cache:   cache,
		cfg:     cfg,
		log:     log,
		baseCtx: baseCtx,
		state:   flow.Initial(),
	}
	s.restoreMirroredSession()
	return s
}

// Login runs the batched authenticate-and-check-ledger call, then claims
// the staff member's session slot. The error is one of the classified
// ticketstore outcomes or ErrKioskBusy.
func (s *RedemptionService) Login(ctx context.Context, staffID, surname string) (models.Session, error) {
	staffID = strings.TrimSpace(staffID)
	surname = strings.TrimSpace(surname)
	if staffID == "" || surname == "" {
		return models.Session{}, ticketstore.ErrInvalidCredentials
	}

	s.mu.Lock()
	if s.state.Page != flow.PageLogin {
		var live models.Session
		haveLive := false
		if s.state.Session != nil {
			live = *s.state.Session
			haveLive = true
		}
		epoch := s.epoch
		s.mu.Unlock()
		if !haveLive || live.StaffID != staffID {
			return models.Session{}, ErrKioskBusy
		}
		return s.reclaim(ctx, live, surname, epoch)
	}
	epoch := s.epoch
	s.mu.Unlock()

	staff, err := s.store.Login(ctx, staffID, surname)
	if err != nil {
		var conflict *ticketstore.ConflictError
		if errors.As(err, &conflict) {
			s.mu.Lock()
			if epoch == s.epoch && s.state.Page == flow.PageLogin {
				s.state = flow.Reduce(s.state, flow.LoginConflicted{Used: conflict.Used})
			}
			s.mu.Unlock()
			s.audit("conflict", map[string]any{"staffId": staffID})
		}
		return models.Session{}, err
	}

	session := models.Session{
		StaffID:    staff.StaffID,
		Name:       staff.Name,
		Department: staff.Department,
		Location:   staff.Location,
		Price:      staff.Price,
		LoginTime:  time.Now(),
		SessionID:  ids.New(),
	}

	if err := s.store.RegisterSession(ctx, session.StaffID, session.SessionID); err != nil {
		return models.Session{}, err
	}

	s.mu.Lock()
	if epoch != s.epoch || s.state.Page != flow.PageLogin {
		s.mu.Unlock()
		// Somebody reset the kiosk while the calls were in flight. Release
		// the slot we just claimed and report the action as superseded.
		s.unregister(session)
		return models.Session{}, ErrSuperseded
	}
	s.state = flow.Reduce(s.state, flow.LoginSucceeded{Session: session})
	s.mu.Unlock()

	s.mirrorSession(session)
	s.audit("login", map[string]any{"staffId": session.StaffID, "sessionId": session.SessionID})

	s.log.Info().Str("staff_id", session.StaffID).Msg("session opened")
	return session, nil
}

// reclaim hands the live session back to a panel that lost its token, the
// common case being a panel reload after a restart restored the mirrored
// session. The credentials are re-validated against the store first; a
// recorded-redemption conflict still proves them, since the live session may
// already be past its scan.
func (s *RedemptionService) reclaim(ctx context.Context, live models.Session, surname string, epoch uint64) (models.Session, error) {
	if _, err := s.store.Login(ctx, live.StaffID, surname); err != nil {
		var conflict *ticketstore.ConflictError
		if !errors.As(err, &conflict) {
			return models.Session{}, err
		}
	}

	s.mu.Lock()
	if epoch != s.epoch || s.state.Session == nil || s.state.Session.SessionID != live.SessionID {
		s.mu.Unlock()
		return models.Session{}, ErrSuperseded
	}
	session := *s.state.Session
	s.mu.Unlock()

	s.audit("reclaim", map[string]any{"staffId": session.StaffID, "sessionId": session.SessionID})
	s.log.Info().Str("staff_id", session.StaffID).Msg("session reclaimed")
	return session, nil
}

// StartScan begins the QR sampling loop. It is only legal on the dashboard
// and only when a decoder is wired.
func (s *RedemptionService) StartScan() error {
	s.mu.Lock()
	if s.state.Page != flow.PageDashboard {
		s.mu.Unlock()
		return ErrNoActiveSession
	}
	epoch := s.epoch
	s.mu.Unlock()

	return s.scans.Start(s.baseCtx, func(payload string) bool {
		return s.handlePayload(payload, epoch)
	})
}

// SubmitFrame feeds one camera frame to the running scan.
func (s *RedemptionService) SubmitFrame(frame image.Image) error {
	s.mu.Lock()
	onDashboard := s.state.Page == flow.PageDashboard
	s.mu.Unlock()
	if !onDashboard {
		return ErrNoActiveSession
	}
	return s.scans.Push(frame)
}

// CancelScan stops the sampling loop and clears any transient notice. Safe
// to call when nothing is running.
func (s *RedemptionService) CancelScan() {
	s.scans.Stop()

	s.mu.Lock()
	s.state = flow.Reduce(s.state, flow.NoticeCleared{})
	s.mu.Unlock()
}

// Acknowledge dismisses the already-used view. A no-op on any other page.
func (s *RedemptionService) Acknowledge() {
	s.mu.Lock()
	s.state = flow.Reduce(s.state, flow.ConflictAcknowledged{})
	s.mu.Unlock()
}

// Logout is the idempotent teardown: stop scanning, drop the session and
// any transient state, release the remote session slot. Every exit path,
// panel logout, maintenance reset, daily sweep, shutdown, lands here.
func (s *RedemptionService) Logout(ctx context.Context) {
	s.mu.Lock()
	s.epoch++
	if s.noticeTimer != nil {
		s.noticeTimer.Stop()
		s.noticeTimer = nil
	}
	var session *models.Session
	if s.state.Session != nil {
		copied := *s.state.Session
		session = &copied
	}
	s.state = flow.Reduce(s.state, flow.LoggedOut{})
	s.mu.Unlock()

	s.scans.Stop()

	if session != nil {
		s.unregister(*session)
		s.dropMirroredSession()
		s.audit("logout", map[string]any{"staffId": session.StaffID, "sessionId": session.SessionID})
		s.log.Info().Str("staff_id", session.StaffID).Msg("session closed")
	}
}

// State returns a copy of the panel-visible state.
func (s *RedemptionService) State() flow.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.state
	if s.state.Session != nil {
		copied := *s.state.Session
		out.Session = &copied
	}
	if s.state.Conflict != nil {
		copied := *s.state.Conflict
		out.Conflict = &copied
	}
	return out
}

// ActiveSession exposes the live session for the auth middleware.
func (s *RedemptionService) ActiveSession() (models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Session == nil {
		return models.Session{}, false
	}
	return *s.state.Session, true
}

// ScannerReady reports whether the decoder capability is available.
func (s *RedemptionService) ScannerReady() bool {
	return s.scans.Ready()
}

// SweepExpired force-closes a session that crossed a calendar-day boundary.
// The janitor calls it just after midnight; the ledger is per-day, so a
// session from yesterday must not be allowed to redeem today.
func (s *RedemptionService) SweepExpired(now time.Time) {
	s.mu.Lock()
	session := s.state.Session
	stale := session != nil && !sameDay(session.LoginTime, now)
	s.mu.Unlock()

	if !stale {
		return
	}
	s.log.Info().Str("staff_id", session.StaffID).Msg("sweeping session from previous day")
	s.Logout(s.baseCtx)
}

// Close tears the controller down on shutdown.
func (s *RedemptionService) Close() {
	s.Logout(s.baseCtx)
}

// handlePayload runs on the scan loop goroutine for every decoded payload.
// Returning true ends the scan.
func (s *RedemptionService) handlePayload(payload string, epoch uint64) bool {
	expected := strings.TrimSpace(s.cfg.Kiosk.ExpectedPayload)

	if payload != expected || expected == "" {
		s.mu.Lock()
		if epoch == s.epoch {
			s.state = flow.Reduce(s.state, flow.ScanRejected{Reason: "Unrecognized code. Point the camera at the cafeteria QR."})
			s.scheduleNoticeClearLocked(epoch)
		}
		s.mu.Unlock()
		s.audit("scan_mismatch", nil)
		return false
	}

	s.mu.Lock()
	if epoch != s.epoch || s.state.Page != flow.PageDashboard || s.state.Session == nil {
		s.mu.Unlock()
		return true
	}
	session := *s.state.Session
	s.mu.Unlock()

	// The store call must not run on the scan loop goroutine; the loop is
	// exiting now that the code matched.
	go s.completeRedemption(session, epoch)
	return true
}

func (s *RedemptionService) completeRedemption(session models.Session, epoch uint64) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.Store.Timeout+5*time.Second)
	defer cancel()

	err := s.store.LogRedemption(ctx, session.StaffID, session.SessionID, time.Now())

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		s.log.Debug().Str("staff_id", session.StaffID).Msg("dropping stale redemption completion")
		return
	}
	if err != nil {
		s.state = flow.Reduce(s.state, flow.ScanRejected{Reason: "Could not record the redemption. Start the scan again."})
		s.scheduleNoticeClearLocked(epoch)
		s.mu.Unlock()
		s.audit("redeem_failed", map[string]any{"staffId": session.StaffID})
		s.log.Warn().Err(err).Str("staff_id", session.StaffID).Msg("redemption log failed")
		return
	}
	s.state = flow.Reduce(s.state, flow.RedemptionLogged{})
	s.mu.Unlock()

	s.audit("redeemed", map[string]any{"staffId": session.StaffID, "sessionId": session.SessionID})
	s.log.Info().Str("staff_id", session.StaffID).Msg("redemption recorded")
}

func (s *RedemptionService) scheduleNoticeClearLocked(epoch uint64) {
	if s.noticeTimer != nil {
		s.noticeTimer.Stop()
	}
	ttl := s.cfg.Kiosk.NoticeTTL
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	s.noticeTimer = time.AfterFunc(ttl, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if epoch != s.epoch {
			return
		}
		s.state = flow.Reduce(s.state, flow.NoticeCleared{})
	})
}

func (s *RedemptionService) unregister(session models.Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.baseCtx), 5*time.Second)
	defer cancel()
	if err := s.store.UnregisterSession(ctx, session.StaffID, session.SessionID); err != nil {
		// Teardown never fails the user action; the registry entry will be
		// reclaimed by the store's own expiry.
		s.log.Warn().Err(err).Str("staff_id", session.StaffID).Msg("unregister session failed")
	}
}

func (s *RedemptionService) sessionKey() string {
	return fmt.Sprintf("kiosk:%s:session", s.cfg.Kiosk.KioskID)
}

func (s *RedemptionService) auditStream() string {
	return fmt.Sprintf("kiosk:%s:audit", s.cfg.Kiosk.KioskID)
}

// mirrorSession keeps a copy of the live session in redis so a kiosk
// restart mid-lunch does not force staff to log in again. The mirror
// expires at midnight with the ledger day.
func (s *RedemptionService) mirrorSession(session models.Session) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.baseCtx), 2*time.Second)
	defer cancel()
	if err := s.cache.Set(ctx, s.sessionKey(), payload, untilMidnight(time.Now())).Err(); err != nil {
		s.log.Warn().Err(err).Msg("session mirror write failed")
	}
}

func (s *RedemptionService) dropMirroredSession() {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.baseCtx), 2*time.Second)
	defer cancel()
	if err := s.cache.Del(ctx, s.sessionKey()).Err(); err != nil {
		s.log.Warn().Err(err).Msg("session mirror delete failed")
	}
}

func (s *RedemptionService) restoreMirroredSession() {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.baseCtx), 2*time.Second)
	defer cancel()

	payload, err := s.cache.Get(ctx, s.sessionKey()).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.log.Warn().Err(err).Msg("session mirror read failed")
		}
		return
	}

	var session models.Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return
	}
	if !sameDay(session.LoginTime, time.Now()) {
		s.dropMirroredSession()
		return
	}

	s.state = flow.Reduce(s.state, flow.LoginSucceeded{Session: session})
	s.log.Info().Str("staff_id", session.StaffID).Msg("restored mirrored session")
}

// audit appends an event to the kiosk's redis stream for back-office
// review. Best effort: a missing or failing redis never blocks the flow.
func (s *RedemptionService) audit(event string, fields map[string]any) {
	if s.cache == nil {
		return
	}
	values := map[string]any{
		"event": event,
		"at":    time.Now().Format(time.RFC3339),
	}
	for k, v := range fields {
		values[k] = v
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.baseCtx), 2*time.Second)
	defer cancel()
	if err := s.cache.XAdd(ctx, &redis.XAddArgs{
		Stream: s.auditStream(),
		Values: values,
	}).Err(); err != nil {
		s.log.Warn().Err(err).Str("event", event).Msg("audit append failed")
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func untilMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return next.Sub(now)
}
