package httptransport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"haleoracle/internal/authtoken"
	"haleoracle/internal/credential"
	"haleoracle/internal/notify"
	"haleoracle/pkg/platform/sentinel"
)

// AdminHandler serves operator endpoints: manual code minting and the
// registered-user listing. When no signing key is configured the endpoints
// are open; that is the local development mode.
type AdminHandler struct {
	store     credential.Store
	tokens    *authtoken.Service
	directory DirectoryView
	sender    notify.Sender
	links     LinkBuilder
	logger    *slog.Logger
	now       func() time.Time
}

// DirectoryView is the read side of the telegram user directory.
type DirectoryView interface {
	Snapshot() map[string]string
}

// LinkBuilder renders the frontend submission URL for a record. The chain
// watcher satisfies it.
type LinkBuilder interface {
	SubmissionLink(rec credential.Record) string
}

func NewAdminHandler(store credential.Store, tokens *authtoken.Service, directory DirectoryView, sender notify.Sender, links LinkBuilder, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		store:     store,
		tokens:    tokens,
		directory: directory,
		sender:    sender,
		links:     links,
		logger:    logger,
		now:       time.Now,
	}
}

// Register mounts the admin endpoints behind the token check.
func (h *AdminHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Post("/api/generate-otp", h.handleGenerateOTP)
		r.Get("/api/telegram/users", h.handleListUsers)
	})
}

func (h *AdminHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.tokens.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" {
			writeError(w, sentinel.ErrUnauthorized)
			return
		}
		if _, err := h.tokens.Validate(raw); err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type generateOTPRequest struct {
	SellerAddress string `json:"seller_address"`
	EscrowAddress string `json:"escrow_address"`
	Requirements  string `json:"requirements"`
	Contact       string `json:"contact"`
}

type generateOTPResponse struct {
	OTP            string `json:"otp"`
	SubmissionLink string `json:"submission_link"`
	ExpiresAt      string `json:"expires_at"`
}

// handleGenerateOTP mints a code directly, bypassing chain discovery. Used by
// operators when an event was missed or for staging environments without a
// live factory contract.
func (h *AdminHandler) handleGenerateOTP(w http.ResponseWriter, r *http.Request) {
	var req generateOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.SellerAddress) {
		badRequest(w, "seller_address must be a hex address")
		return
	}

	code, err := credential.GenerateCode()
	if err != nil {
		writeError(w, err)
		return
	}
	rec := credential.Record{
		Subject:       credential.NormalizeSubject(req.SellerAddress),
		Code:          code,
		EscrowAddress: req.EscrowAddress,
		Requirements:  req.Requirements,
		Contact:       req.Contact,
		IssuedAt:      h.now(),
	}
	if err := h.store.Issue(r.Context(), rec); err != nil {
		writeError(w, err)
		return
	}

	link := h.links.SubmissionLink(rec)
	h.logger.Info("operator issued code", "seller", rec.Subject, "escrow", rec.EscrowAddress)

	if notify.HasContact(rec.Contact) {
		msg := fmt.Sprintf("HALE Oracle delivery request\n\nEscrow: %s\nYour one-time code: %s\n\nSubmit at: %s",
			rec.EscrowAddress, code, link)
		if err := h.sender.Send(r.Context(), rec.Contact, msg); err != nil {
			// Issuance succeeded; the operator still gets the link below.
			h.logger.Error("manual issuance notification failed", "seller", rec.Subject, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, generateOTPResponse{
		OTP:            code,
		SubmissionLink: link,
		ExpiresAt:      rec.ExpiresAt().UTC().Format("2006-01-02T15:04:05Z"),
	})
}

func (h *AdminHandler) handleListUsers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"users": h.directory.Snapshot()})
}
