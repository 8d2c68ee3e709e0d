// Package httpapi exposes the issuance engine over a small REST surface.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/R3E-Network/issuance_layer/internal/app/services/controller"
	"github.com/R3E-Network/issuance_layer/internal/app/services/oracle"
	"github.com/R3E-Network/issuance_layer/internal/app/services/position"
	"github.com/R3E-Network/issuance_layer/internal/app/services/reserve"
	"github.com/R3E-Network/issuance_layer/internal/app/services/vault"
	"github.com/R3E-Network/issuance_layer/internal/errs"
	"github.com/R3E-Network/issuance_layer/internal/middleware"
)

// handler bundles HTTP endpoints for the issuance services.
type handler struct {
	ctrl      *controller.Service
	oracle    *oracle.Service
	reserve   *reserve.Service
	positions *position.Service
	vault     *vault.Service
	audit     *auditLog
}

// Options configures the handler.
type Options struct {
	// AuditFile, when set, receives admin-surface audit entries as JSONL.
	AuditFile string
	// AuditMax bounds the in-memory audit ring.
	AuditMax int
}

// NewHandler returns a mux exposing the core REST API.
func NewHandler(ctrl *controller.Service, ora *oracle.Service, res *reserve.Service,
	pos *position.Service, vlt *vault.Service, opts Options) (http.Handler, error) {
	sink, err := newFileAuditSink(opts.AuditFile)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	h := &handler{
		ctrl:      ctrl,
		oracle:    ora,
		reserve:   res,
		positions: pos,
		vault:     vlt,
		audit:     newAuditLog(opts.AuditMax, sink),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/mint", h.mint)
	mux.HandleFunc("/burn", h.burn)
	mux.HandleFunc("/reserve/", h.reserveViews)
	mux.HandleFunc("/positions/", h.positionOps)
	mux.HandleFunc("/vault/", h.vaultOps)
	mux.HandleFunc("/users/", h.userResources)
	mux.HandleFunc("/events", h.events)
	mux.HandleFunc("/admin/", h.admin)
	return mux, nil
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"paused": h.ctrl.Paused(),
	})
}

// --- fully-collateralized coin ------------------------------------------------

func (h *handler) mint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		To           string `json:"to"`
		Amount       string `json:"amount"`
		Asset        string `json:"asset"`
		CollateralIn string `json:"collateral_in"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseBig(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	collateral, err := parseBig(payload.CollateralIn)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.ctrl.Mint(r.Context(), caller(r), payload.To, amount, payload.Asset, collateral)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) burn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		From   string `json:"from"`
		Amount string `json:"amount"`
		Asset  string `json:"asset"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseBig(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.ctrl.Burn(r.Context(), caller(r), payload.From, amount, payload.Asset)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) reserveViews(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch strings.TrimPrefix(r.URL.Path, "/reserve/") {
	case "ratio":
		assetID := r.URL.Query().Get("asset")
		ratio, err := h.reserve.CollateralRatio(r.Context(), assetID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		resp := map[string]interface{}{"defined": ratio.Defined}
		if ratio.Defined {
			resp["bps"] = ratio.Bps.String()
		}
		writeJSON(w, http.StatusOK, resp)
	case "total":
		total, err := h.reserve.TotalReservesUSD(r.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"total_usd": total.String()})
	case "supply":
		writeJSON(w, http.StatusOK, map[string]string{"supply": h.reserve.Supply().String()})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// --- algorithmic coin ---------------------------------------------------------

func (h *handler) positionOps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		if r.Method == http.MethodGet && strings.TrimPrefix(r.URL.Path, "/positions/") == "tvl" {
			tvl, err := h.positions.TotalValueLocked(r.Context())
			if err != nil {
				writeEngineError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"total_value_locked": tvl.String()})
			return
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch strings.TrimPrefix(r.URL.Path, "/positions/") {
	case "mint":
		var payload struct {
			Amount       string `json:"amount"`
			Kind         string `json:"kind"`
			CollateralIn string `json:"collateral_in"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		amount, err := parseBig(payload.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		collateral, err := parseBig(payload.CollateralIn)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := h.ctrl.MintWithCollateral(r.Context(), caller(r), amount, payload.Kind, collateral)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case "burn":
		var payload struct {
			Amount string `json:"amount"`
			Kind   string `json:"kind"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		amount, err := parseBig(payload.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := h.ctrl.BurnForCollateral(r.Context(), caller(r), amount, payload.Kind)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case "liquidate":
		var payload struct {
			User string `json:"user"`
			Kind string `json:"kind"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := h.ctrl.Liquidate(r.Context(), caller(r), payload.User, payload.Kind)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// --- yield vault --------------------------------------------------------------

func (h *handler) vaultOps(w http.ResponseWriter, r *http.Request) {
	op := strings.TrimPrefix(r.URL.Path, "/vault/")

	if r.Method == http.MethodGet {
		switch op {
		case "state":
			writeJSON(w, http.StatusOK, h.vault.State())
		case "preview":
			h.vaultPreview(w, r)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch op {
	case "deposit", "mint", "withdraw", "redeem":
		var payload struct {
			Amount string `json:"amount"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		amount, err := parseBig(payload.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		var result vault.OpResult
		switch op {
		case "deposit":
			result, err = h.ctrl.VaultDeposit(r.Context(), caller(r), amount)
		case "mint":
			result, err = h.ctrl.VaultMint(r.Context(), caller(r), amount)
		case "withdraw":
			result, err = h.ctrl.VaultWithdraw(r.Context(), caller(r), amount)
		case "redeem":
			result, err = h.ctrl.VaultRedeem(r.Context(), caller(r), amount)
		}
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case "claim":
		var payload struct {
			Receiver string `json:"receiver"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		who := caller(r)
		receiver := payload.Receiver
		if receiver == "" {
			receiver = who
		}
		owed, err := h.ctrl.ClaimYield(r.Context(), who, receiver)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"claimed": owed.String()})

	case "rate":
		rate, err := h.ctrl.UpdateYieldRate(r.Context(), caller(r))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"yield_rate_bps": rate})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) vaultPreview(w http.ResponseWriter, r *http.Request) {
	amount, err := parseBig(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var out *big.Int
	switch r.URL.Query().Get("op") {
	case "deposit":
		out = h.vault.PreviewDeposit(amount)
	case "mint":
		out = h.vault.PreviewMint(amount)
	case "withdraw":
		out = h.vault.PreviewWithdraw(amount)
	case "redeem":
		out = h.vault.PreviewRedeem(amount)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("op must be deposit, mint, withdraw or redeem"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": out.String()})
}

// --- per-user views -----------------------------------------------------------

func (h *handler) userResources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/users"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	userID := parts[0]

	switch parts[1] {
	case "compliance":
		rec, err := h.ctrl.ComplianceRecordOf(r.Context(), userID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case "position":
		if len(parts) < 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		kind := parts[2]
		pos := h.ctrl.PositionOf(userID, kind)
		ratio, err := h.positions.CollateralRatioOf(r.Context(), userID, kind)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		resp := map[string]interface{}{
			"position":      pos,
			"ratio_defined": ratio.Defined,
		}
		if ratio.Defined {
			resp["ratio_bps"] = ratio.Bps.String()
		}
		writeJSON(w, http.StatusOK, resp)
	case "shares":
		writeJSON(w, http.StatusOK, map[string]string{
			"shares": h.vault.SharesOf(userID).String(),
			"earned": h.vault.EarnedOf(userID).String(),
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	records, err := h.ctrl.Events(r.Context(), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// --- helpers ------------------------------------------------------------------

func caller(r *http.Request) string {
	if id := middleware.CallerID(r.Context()); id != "" {
		return id
	}
	return r.Header.Get("X-Caller")
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func parseBig(raw string) (*big.Int, error) {
	if raw == "" {
		return nil, fmt.Errorf("amount is required")
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// writeEngineError maps the engine error taxonomy onto HTTP statuses so
// clients can distinguish input problems from market conditions from
// transient operational state.
func writeEngineError(w http.ResponseWriter, err error) {
	status := engineStatus(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"kind":  errs.KindOf(err).String(),
	})
}

func engineStatus(err error) int {
	switch errs.KindOf(err) {
	case errs.KindAuthorization:
		return http.StatusForbidden
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindEconomic:
		return http.StatusConflict
	case errs.KindOracle:
		return http.StatusBadGateway
	case errs.KindOperational:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
