package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/forgemarket/api/internal/platform/auth"
	"github.com/forgemarket/api/internal/platform/httpx"
	"github.com/forgemarket/api/internal/repositories"
)

const (
	defaultWalletPageSize = 20
	maxWalletPageSize     = 100
)

// WalletHandlers exposes the provider wallet ledger created by escrow releases.
type WalletHandlers struct {
	authn   *auth.Authenticator
	wallets repositories.WalletRepository
}

// NewWalletHandlers constructs a new WalletHandlers instance.
func NewWalletHandlers(authn *auth.Authenticator, wallets repositories.WalletRepository) *WalletHandlers {
	return &WalletHandlers{
		authn:   authn,
		wallets: wallets,
	}
}

// Routes registers the /me/wallet endpoints.
func (h *WalletHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Get("/wallet", h.listTransactions)
}

func (h *WalletHandlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if h.wallets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("wallet_unavailable", "wallet service unavailable", http.StatusServiceUnavailable).
			WithDetails(map[string]any{"success": false}))
		return
	}

	limit := defaultWalletPageSize
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be an integer", http.StatusBadRequest).
				WithDetails(map[string]any{"success": false}))
			return
		}
		switch {
		case parsed <= 0:
			limit = defaultWalletPageSize
		case parsed > maxWalletPageSize:
			limit = maxWalletPageSize
		default:
			limit = parsed
		}
	}

	transactions, err := h.wallets.ListByUser(ctx, identity.UID, limit)
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"transactions": walletPayload(transactions)})
}
