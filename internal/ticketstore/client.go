package ticketstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"mealpass/kiosk/internal/config"
	"mealpass/kiosk/internal/models"
)

// Outcomes the store reports. These are classifications, not transport
// errors; ErrStoreUnavailable covers network and timeout failures and the
// caller must fail closed on it.
var (
	ErrInvalidCredentials = errors.New("invalid staff id or surname")
	ErrOutsideWindow      = errors.New("outside the allowed meal window")
	ErrSessionActive      = errors.New("staff already active on another device")
	ErrStoreUnavailable   = errors.New("ticket store unreachable")
	ErrRejected           = errors.New("ticket store rejected the request")
)

// ConflictError reports that today's redemption already happened, carrying
// the recorded fields so the panel can show them.
type ConflictError struct {
	Used models.RedemptionInfo
}

func (e *ConflictError) Error() string {
	return "redemption already recorded today"
}

// Client talks to the spreadsheet-backed script endpoint. The whole surface
// is query-string GET calls returning a JSON envelope with a success flag
// and an error code. The client never retries; every failure goes back to
// the user action that triggered the call.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(cfg config.StoreConfig, log zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("store base url not configured")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse store base url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}, nil
}

type staffPayload struct {
	StaffID    string `json:"staffId"`
	Name       string `json:"name"`
	Department string `json:"department"`
	Location   string `json:"location"`
	Price      string `json:"price"`
}

type usedPayload struct {
	staffPayload
	UsedDate string `json:"usedDate"`
	UsedTime string `json:"usedTime"`
}

type envelope struct {
	Success bool          `json:"success"`
	Error   string        `json:"error"`
	Staff   *staffPayload `json:"staff"`
	Used    *usedPayload  `json:"used"`
}

// Login validates the credentials and checks today's ledger in one call.
// On an already-used conflict it returns a *ConflictError carrying the
// recorded redemption.
func (c *Client) Login(ctx context.Context, staffID, surname string) (models.StaffRecord, error) {
	params := url.Values{}
	params.Set("staffId", staffID)
	params.Set("surname", surname)

	env, err := c.call(ctx, "login", params)
	if err != nil {
		return models.StaffRecord{}, err
	}

	if !env.Success {
		return models.StaffRecord{}, c.classify(env)
	}
	if env.Staff == nil {
		return models.StaffRecord{}, fmt.Errorf("login response missing staff record: %w", ErrRejected)
	}

	return models.StaffRecord{
		StaffID:    env.Staff.StaffID,
		Name:       env.Staff.Name,
		Department: env.Staff.Department,
		Location:   env.Staff.Location,
		Price:      env.Staff.Price,
	}, nil
}

// RegisterSession claims the single active session slot for the staff id.
func (c *Client) RegisterSession(ctx context.Context, staffID, sessionID string) error {
	params := url.Values{}
	params.Set("staffId", staffID)
	params.Set("sessionId", sessionID)

	env, err := c.call(ctx, "register", params)
	if err != nil {
		return err
	}
	if !env.Success {
		return c.classify(env)
	}
	return nil
}

// LogRedemption appends today's redemption to the ledger. The store is the
// authority for the once-per-day rule.
func (c *Client) LogRedemption(ctx context.Context, staffID, sessionID string, at time.Time) error {
	params := url.Values{}
	params.Set("staffId", staffID)
	params.Set("sessionId", sessionID)
	params.Set("date", at.Format("2006-01-02"))
	params.Set("time", at.Format("15:04:05"))

	env, err := c.call(ctx, "redeem", params)
	if err != nil {
		return err
	}
	if !env.Success {
		return c.classify(env)
	}
	return nil
}

// UnregisterSession releases the active session slot. Callers tearing down
// may ignore its error.
func (c *Client) UnregisterSession(ctx context.Context, staffID, sessionID string) error {
	params := url.Values{}
	params.Set("staffId", staffID)
	params.Set("sessionId", sessionID)

	env, err := c.call(ctx, "unregister", params)
	if err != nil {
		return err
	}
	if !env.Success {
		return c.classify(env)
	}
	return nil
}

func (c *Client) call(ctx context.Context, action string, params url.Values) (envelope, error) {
	params.Set("action", action)
	endpoint := c.baseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return envelope{}, fmt.Errorf("build %s request: %w", action, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("action", action).Msg("ticket store call failed")
		return envelope{}, fmt.Errorf("%s: %w", action, ErrStoreUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warn().Int("status", resp.StatusCode).Str("action", action).Msg("ticket store bad status")
		return envelope{}, fmt.Errorf("%s: status %d: %w", action, resp.StatusCode, ErrStoreUnavailable)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("%s: decode response: %w", action, ErrStoreUnavailable)
	}
	return env, nil
}

func (c *Client) classify(env envelope) error {
	switch env.Error {
	case "invalid_credentials":
		return ErrInvalidCredentials
	case "already_used":
		used := models.RedemptionInfo{}
		if env.Used != nil {
			used = models.RedemptionInfo{
				StaffID:    env.Used.StaffID,
				Name:       env.Used.Name,
				Department: env.Used.Department,
				Location:   env.Used.Location,
				UsedDate:   env.Used.UsedDate,
				UsedTime:   env.Used.UsedTime,
				Price:      env.Used.Price,
			}
		}
		return &ConflictError{Used: used}
	case "outside_window":
		return ErrOutsideWindow
	case "session_active":
		return ErrSessionActive
	default:
		return fmt.Errorf("%s: %w", env.Error, ErrRejected)
	}
}
