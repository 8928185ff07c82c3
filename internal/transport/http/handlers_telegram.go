package httptransport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"haleoracle/internal/notify"
)

// loginMaxAge is how old a Telegram login payload may be before it is
// rejected as a replay.
const loginMaxAge = 24 * time.Hour

// TelegramHandler serves the bot webhook and the login-widget verification.
type TelegramHandler struct {
	directory *notify.Directory
	botToken  string
	logger    *slog.Logger
	now       func() time.Time
}

func NewTelegramHandler(directory *notify.Directory, botToken string, logger *slog.Logger) *TelegramHandler {
	return &TelegramHandler{directory: directory, botToken: botToken, logger: logger, now: time.Now}
}

// Register mounts the telegram endpoints.
func (h *TelegramHandler) Register(r chi.Router) {
	r.Post("/api/telegram/webhook", h.handleWebhook)
	r.Post("/api/telegram/verify_login", h.handleVerifyLogin)
}

// webhookUpdate is the slice of the Bot API Update object the webhook needs.
type webhookUpdate struct {
	Message struct {
		Text string `json:"text"`
		From struct {
			Username string `json:"username"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// handleWebhook records username → chat id mappings when users /start the
// bot. Every other update is acknowledged and dropped; Telegram retries on
// non-2xx, so errors here would only amplify traffic.
func (h *TelegramHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var update webhookUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		badRequest(w, "invalid update payload")
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	username := update.Message.From.Username
	if strings.HasPrefix(text, "/start") && username != "" {
		chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
		if err := h.directory.Register(username, chatID); err != nil {
			h.logger.Error("webhook registration failed", "username", username, "error", err)
		} else {
			h.logger.Info("telegram user registered", "username", username, "chat_id", chatID)
		}
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type verifyLoginResponse struct {
	Verified bool   `json:"verified"`
	Username string `json:"username,omitempty"`
}

// handleVerifyLogin checks a Telegram login-widget payload: the hash field
// must equal HMAC-SHA256 over the sorted key=value lines, keyed with
// SHA256(bot token), and auth_date must be recent.
func (h *TelegramHandler) handleVerifyLogin(w http.ResponseWriter, r *http.Request) {
	if h.botToken == "" {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "telegram login not configured"})
		return
	}

	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	flat := make(map[string]string, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			flat[k] = val
		case float64:
			// Integer-valued fields (id, auth_date) arrive as JSON numbers
			// and must be rendered without an exponent or fraction.
			flat[k] = strconv.FormatInt(int64(val), 10)
		default:
			flat[k] = fmt.Sprint(val)
		}
	}

	if err := h.verifyLoginFields(flat); err != nil {
		h.logger.Info("telegram login rejected", "error", err)
		writeJSON(w, http.StatusUnauthorized, verifyLoginResponse{Verified: false})
		return
	}

	writeJSON(w, http.StatusOK, verifyLoginResponse{Verified: true, Username: flat["username"]})
}

func (h *TelegramHandler) verifyLoginFields(fields map[string]string) error {
	gotHash := fields["hash"]
	if gotHash == "" {
		return fmt.Errorf("missing hash")
	}

	authDate, err := strconv.ParseInt(fields["auth_date"], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid auth_date")
	}
	if h.now().Sub(time.Unix(authDate, 0)) > loginMaxAge {
		return fmt.Errorf("login payload too old")
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + fields[k]
	}
	checkString := strings.Join(lines, "\n")

	secret := sha256.Sum256([]byte(h.botToken))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write([]byte(checkString))
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(want), []byte(strings.ToLower(gotHash))) {
		return fmt.Errorf("hash mismatch")
	}
	return nil
}
