package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"haleoracle/internal/credential"
	"haleoracle/internal/delivery"
)

// DeliveryService is the slice of the pipeline the transport needs.
type DeliveryService interface {
	Submit(ctx context.Context, req delivery.SubmitRequest) (delivery.Pending, error)
	Status(ctx context.Context, seller string) (delivery.StatusResponse, error)
	EscrowStatus(ctx context.Context, escrow string) (delivery.StatusResponse, error)
}

// CredentialIssuer recovers a credential for a seller on demand; the chain
// watcher satisfies it.
type CredentialIssuer interface {
	EnsureCredential(ctx context.Context, escrow common.Address, seller common.Address, txHash string) (credential.Record, error)
	SubmissionLink(rec credential.Record) string
}

// DeliveryHandler serves the seller-facing endpoints.
type DeliveryHandler struct {
	service DeliveryService
	issuer  CredentialIssuer
	store   credential.Store
	logger  *slog.Logger
	now     func() time.Time
}

func NewDeliveryHandler(service DeliveryService, issuer CredentialIssuer, store credential.Store, logger *slog.Logger) *DeliveryHandler {
	return &DeliveryHandler{service: service, issuer: issuer, store: store, logger: logger, now: time.Now}
}

// Register mounts the delivery endpoints.
func (h *DeliveryHandler) Register(r chi.Router) {
	r.Post("/api/submit-delivery", h.handleSubmit)
	r.Get("/api/delivery-status/{seller}", h.handleStatus)
	r.Get("/api/escrow-status/{escrow}", h.handleEscrowStatus)
	r.Get("/api/get-submission-link/{seller}", h.handleSubmissionLink)
}

type submitRequest struct {
	SellerAddress string `json:"seller_address"`
	OTP           string `json:"otp"`
	Content       string `json:"delivery_content"`
}

type submitResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

func (h *DeliveryHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.SellerAddress) {
		badRequest(w, "seller_address must be a hex address")
		return
	}
	if strings.TrimSpace(req.OTP) == "" || strings.TrimSpace(req.Content) == "" {
		badRequest(w, "otp and delivery_content are required")
		return
	}

	pending, err := h.service.Submit(r.Context(), delivery.SubmitRequest{
		Seller:  req.SellerAddress,
		Code:    req.OTP,
		Content: req.Content,
	})
	if err != nil {
		h.logger.Info("delivery submission rejected", "seller", req.SellerAddress, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		TransactionID: pending.TransactionID,
		Status:        delivery.StatusProcessing,
	})
}

func (h *DeliveryHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	seller := chi.URLParam(r, "seller")
	if !common.IsHexAddress(seller) {
		badRequest(w, "seller must be a hex address")
		return
	}

	status, err := h.service.Status(r.Context(), seller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *DeliveryHandler) handleEscrowStatus(w http.ResponseWriter, r *http.Request) {
	escrow := chi.URLParam(r, "escrow")
	if !common.IsHexAddress(escrow) {
		badRequest(w, "escrow must be a hex address")
		return
	}

	status, err := h.service.EscrowStatus(r.Context(), escrow)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type submissionLinkResponse struct {
	SubmissionLink string `json:"submission_link"`
	EscrowAddress  string `json:"escrow_address"`
	ExpiresAt      string `json:"expires_at"`
}

// handleSubmissionLink returns the seller's current submission link. A live
// stored record is returned as-is; only when none exists does the handler
// recover one from chain history. Query params: escrow (optional when
// tx_hash is given), tx_hash (optional); neither is needed for the stored
// path.
func (h *DeliveryHandler) handleSubmissionLink(w http.ResponseWriter, r *http.Request) {
	seller := chi.URLParam(r, "seller")
	if !common.IsHexAddress(seller) {
		badRequest(w, "seller must be a hex address")
		return
	}

	// Re-issuing while a code is live would silently invalidate the code the
	// seller was already notified with, so the store wins.
	if rec, err := h.store.Get(r.Context(), seller); err == nil && h.now().Before(rec.ExpiresAt()) {
		writeJSON(w, http.StatusOK, submissionLinkResponse{
			SubmissionLink: h.issuer.SubmissionLink(rec),
			EscrowAddress:  rec.EscrowAddress,
			ExpiresAt:      rec.ExpiresAt().UTC().Format("2006-01-02T15:04:05Z"),
		})
		return
	}

	escrowParam := r.URL.Query().Get("escrow")
	txHash := r.URL.Query().Get("tx_hash")
	if escrowParam == "" && txHash == "" {
		badRequest(w, "no code on record; escrow or tx_hash is required to recover one")
		return
	}
	var escrow common.Address
	if escrowParam != "" {
		if !common.IsHexAddress(escrowParam) {
			badRequest(w, "escrow must be a hex address")
			return
		}
		escrow = common.HexToAddress(escrowParam)
	}

	rec, err := h.issuer.EnsureCredential(r.Context(), escrow, common.HexToAddress(seller), txHash)
	if err != nil {
		h.logger.Info("submission link recovery failed", "seller", seller, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, submissionLinkResponse{
		SubmissionLink: h.issuer.SubmissionLink(rec),
		EscrowAddress:  rec.EscrowAddress,
		ExpiresAt:      rec.ExpiresAt().UTC().Format("2006-01-02T15:04:05Z"),
	})
}
