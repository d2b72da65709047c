package edge

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/paygate/mcpgate/internal/keystore"
	"github.com/paygate/mcpgate/internal/ledger"
)

type createKeyRequest struct {
	Name             string                    `json:"name"`
	Credits          int64                     `json:"credits"`
	SpendingLimit    int64                     `json:"spendingLimit"`
	AllowedTools     []string                  `json:"allowedTools"`
	DeniedTools      []string                  `json:"deniedTools"`
	IPAllowlist      []string                  `json:"ipAllowlist"`
	AllowedCountries []string                  `json:"allowedCountries"`
	DeniedCountries  []string                  `json:"deniedCountries"`
	Quota            *keystore.QuotaOverride   `json:"quota"`
	AutoTopup        *keystore.AutoTopupConfig `json:"autoTopup"`
	Namespace        string                    `json:"namespace"`
	Group            string                    `json:"group"`
	Tags             []string                  `json:"tags"`
	Alias            string                    `json:"alias"`
	ExpiresInSeconds int64                     `json:"expiresInSeconds"`
}

type createKeyResponse struct {
	KeyID string            `json:"keyId"`
	Key   keystore.Snapshot `json:"key"`
}

func (h *handlers) adminCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	params := keystore.CreateParams{
		Name:             req.Name,
		Credits:          req.Credits,
		SpendingLimit:    req.SpendingLimit,
		AllowedTools:     req.AllowedTools,
		DeniedTools:      req.DeniedTools,
		IPAllowlist:      req.IPAllowlist,
		AllowedCountries: req.AllowedCountries,
		DeniedCountries:  req.DeniedCountries,
		Quota:            req.Quota,
		AutoTopup:        req.AutoTopup,
		Namespace:        req.Namespace,
		Group:            req.Group,
		Tags:             req.Tags,
		Alias:            req.Alias,
	}
	if req.ExpiresInSeconds > 0 {
		expiresAt := time.Now().UTC().Add(time.Duration(req.ExpiresInSeconds) * time.Second)
		params.ExpiresAt = &expiresAt
	}

	keyID, rec, err := h.deps.KeyStore.Create(params)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, keystore.ErrKeyLimitReached) {
			status = http.StatusTooManyRequests
		}
		writeJSONError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, createKeyResponse{KeyID: keyID, Key: rec.Snapshot()})
}

type topupRequest struct {
	Amount int64  `json:"amount"`
	Memo   string `json:"memo"`
}

func (h *handlers) adminTopup(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "id")
	var req topupRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	balance, err := h.deps.KeyStore.AddCredits(keyID, req.Amount, req.Memo)
	if err != nil {
		writeJSONError(w, statusForKeyStoreErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keyId": keyID, "credits": balance})
}

func (h *handlers) adminRevoke(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "id")
	if err := h.deps.KeyStore.Revoke(keyID); err != nil {
		writeJSONError(w, statusForKeyStoreErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keyId": keyID, "active": false})
}

func (h *handlers) adminSuspend(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "id")
	if err := h.deps.KeyStore.Suspend(keyID); err != nil {
		writeJSONError(w, statusForKeyStoreErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keyId": keyID, "suspended": true})
}

func (h *handlers) adminResume(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "id")
	if err := h.deps.KeyStore.Resume(keyID); err != nil {
		writeJSONError(w, statusForKeyStoreErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keyId": keyID, "suspended": false})
}

type ledgerResponse struct {
	Entries  []ledger.Entry  `json:"entries"`
	Velocity ledger.Velocity `json:"velocity"`
}

func (h *handlers) adminLedger(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "id")
	rec, ok := h.deps.KeyStore.Get(keyID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "key not found")
		return
	}
	snap := rec.Snapshot()

	if h.deps.Ledger == nil {
		writeJSON(w, http.StatusOK, ledgerResponse{})
		return
	}

	entries := h.deps.Ledger.GetHistory(keyID, ledger.HistoryFilter{Limit: 200})
	velocity := h.deps.Ledger.GetSpendingVelocity(keyID, snap.Credits, 24)

	if h.deps.Metrics != nil {
		var depletion time.Duration
		if velocity.HoursRemaining != nil {
			depletion = time.Duration(*velocity.HoursRemaining * float64(time.Hour))
		}
		h.deps.Metrics.ObserveLedgerEntry(keyID, "query", snap.Credits, velocity.CreditsPerHour, depletion)
	}

	writeJSON(w, http.StatusOK, ledgerResponse{Entries: entries, Velocity: velocity})
}

func statusForKeyStoreErr(err error) int {
	switch {
	case errors.Is(err, keystore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, keystore.ErrInvalidAmount), errors.Is(err, keystore.ErrSameKey):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
