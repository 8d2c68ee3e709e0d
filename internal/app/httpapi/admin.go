package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/R3E-Network/issuance_layer/internal/app/services/oracle"
)

// admin dispatches the administrative surface. Every call lands in the
// audit log with its outcome; permission checks happen in the controller.
func (h *handler) admin(w http.ResponseWriter, r *http.Request) {
	op := strings.TrimPrefix(r.URL.Path, "/admin/")

	if r.Method == http.MethodGet {
		if op == "audit" {
			writeJSON(w, http.StatusOK, h.audit.listLimit(0))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var err error
	switch op {
	case "kyc":
		err = h.adminKYC(r)
	case "blacklist":
		err = h.adminBlacklist(r)
	case "limits":
		err = h.adminLimits(r)
	case "roles":
		err = h.adminRoles(r)
	case "feeds":
		err = h.adminFeeds(r)
	case "assets":
		err = h.adminAssets(r)
	case "lsd":
		err = h.adminLSD(r)
	case "pause":
		err = h.ctrl.Pause(r.Context(), caller(r))
	case "unpause":
		err = h.ctrl.Unpause(r.Context(), caller(r))
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	status := http.StatusOK
	if err != nil {
		status = engineStatus(err)
	}
	h.audit.add(auditEntry{
		Time:       time.Now().UTC(),
		Caller:     caller(r),
		Operation:  op,
		Path:       r.URL.Path,
		Status:     status,
		RemoteAddr: r.RemoteAddr,
	})

	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) adminKYC(r *http.Request) error {
	var payload struct {
		User     string `json:"user"`
		Verified bool   `json:"verified"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		return err
	}
	return h.ctrl.SetKYC(r.Context(), caller(r), payload.User, payload.Verified)
}

func (h *handler) adminBlacklist(r *http.Request) error {
	var payload struct {
		User        string `json:"user"`
		Blacklisted bool   `json:"blacklisted"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		return err
	}
	if payload.Blacklisted {
		return h.ctrl.Blacklist(r.Context(), caller(r), payload.User)
	}
	return h.ctrl.Unblacklist(r.Context(), caller(r), payload.User)
}

func (h *handler) adminLimits(r *http.Request) error {
	var payload struct {
		User      string `json:"user"`
		MintLimit string `json:"mint_limit"`
		BurnLimit string `json:"burn_limit"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		return err
	}
	mintLimit, err := parseBig(payload.MintLimit)
	if err != nil {
		return fmt.Errorf("mint_limit: %w", err)
	}
	burnLimit, err := parseBig(payload.BurnLimit)
	if err != nil {
		return fmt.Errorf("burn_limit: %w", err)
	}
	return h.ctrl.SetLimits(r.Context(), caller(r), payload.User, mintLimit, burnLimit)
}

func (h *handler) adminRoles(r *http.Request) error {
	var payload struct {
		Action   string `json:"action"`
		Category string `json:"category"`
		User     string `json:"user"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		return err
	}
	switch payload.Action {
	case "grant":
		return h.ctrl.Grant(r.Context(), caller(r), payload.Category, payload.User)
	case "revoke":
		return h.ctrl.Revoke(r.Context(), caller(r), payload.Category, payload.User)
	default:
		return fmt.Errorf("action must be grant or revoke")
	}
}

type feedPayload struct {
	Asset              string `json:"asset"`
	FeedID             string `json:"feed_id"`
	Heartbeat          string `json:"heartbeat,omitempty"`
	MinDeviationBps    int64  `json:"min_deviation_bps,omitempty"`
	MaxDeviationBps    int64  `json:"max_deviation_bps,omitempty"`
	StalenessThreshold string `json:"staleness_threshold,omitempty"`
}

func (p feedPayload) config() (oracle.FeedConfig, error) {
	cfg := oracle.FeedConfig{
		FeedID:          p.FeedID,
		MinDeviationBps: p.MinDeviationBps,
		MaxDeviationBps: p.MaxDeviationBps,
	}
	if p.Heartbeat != "" {
		hb, err := time.ParseDuration(p.Heartbeat)
		if err != nil {
			return oracle.FeedConfig{}, fmt.Errorf("invalid heartbeat: %w", err)
		}
		cfg.Heartbeat = hb
	}
	if p.StalenessThreshold != "" {
		st, err := time.ParseDuration(p.StalenessThreshold)
		if err != nil {
			return oracle.FeedConfig{}, fmt.Errorf("invalid staleness threshold: %w", err)
		}
		cfg.StalenessThreshold = st
	}
	return cfg, nil
}

func (h *handler) adminFeeds(r *http.Request) error {
	var payload struct {
		Feeds []feedPayload `json:"feeds"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		return err
	}
	if len(payload.Feeds) == 0 {
		return fmt.Errorf("feeds is required")
	}

	if len(payload.Feeds) == 1 {
		cfg, err := payload.Feeds[0].config()
		if err != nil {
			return err
		}
		return h.ctrl.RegisterFeed(r.Context(), caller(r), payload.Feeds[0].Asset, cfg)
	}

	assetIDs := make([]string, len(payload.Feeds))
	cfgs := make([]oracle.FeedConfig, len(payload.Feeds))
	for i, f := range payload.Feeds {
		cfg, err := f.config()
		if err != nil {
			return err
		}
		assetIDs[i] = f.Asset
		cfgs[i] = cfg
	}
	return h.ctrl.RegisterFeeds(r.Context(), caller(r), assetIDs, cfgs)
}

func (h *handler) adminAssets(r *http.Request) error {
	var payload struct {
		Asset     string `json:"asset"`
		Supported bool   `json:"supported"`
		FeedID    string `json:"feed_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		return err
	}
	return h.ctrl.SetAssetSupport(r.Context(), caller(r), payload.Asset, payload.Supported, payload.FeedID)
}

func (h *handler) adminLSD(r *http.Request) error {
	var payload struct {
		Kind      string `json:"kind"`
		Supported bool   `json:"supported"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		return err
	}
	return h.ctrl.SetLSDSupport(r.Context(), caller(r), payload.Kind, payload.Supported)
}
