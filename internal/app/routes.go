package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"utag/go-tag-server/internal/export"
	"utag/go-tag-server/internal/history"
	"utag/go-tag-server/internal/location"
	"utag/go-tag-server/internal/model"
	"utag/go-tag-server/internal/pin"
	"utag/go-tag-server/internal/telemetry"
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /readyz", a.handleReadyz)
	mux.HandleFunc("GET /api/config", a.handleConfig)

	mux.HandleFunc("POST /api/telemetry/decode", a.handleDecode)
	mux.HandleFunc("GET /api/telemetry/sightings", a.handleSightings)
	mux.HandleFunc("GET /api/telemetry/sightings/{privacy_id}", a.handleSighting)

	mux.HandleFunc("GET /api/pin", a.handlePinStatus)
	mux.HandleFunc("POST /api/pin", a.handleSetPin)
	mux.HandleFunc("DELETE /api/pin", a.handleClearPin)
	mux.HandleFunc("PUT /api/pin/timeout", a.handlePinTimeout)

	mux.HandleFunc("GET /api/locations", a.handleLocations)
	mux.HandleFunc("GET /api/tags/{id}/location", a.handleLocation)
	mux.HandleFunc("GET /api/tags/{id}/history", a.handleHistory)
	mux.HandleFunc("GET /api/tags/{id}/history/export", a.handleHistoryExport)

	mux.HandleFunc("GET /api/encryption/keys", a.handleEncryptionKey)
	mux.HandleFunc("POST /api/encryption/keys", a.handleGenerateKeys)
	mux.HandleFunc("POST /api/admin/wipe", a.handleWipeDatabase)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.pins == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness: store ping failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"store unavailable"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleConfig(w http.ResponseWriter, r *http.Request) {
	active := map[string]any{
		"http_port":           a.cfg.HTTPPort,
		"mqtt_broker":         a.cfg.MQTTBroker,
		"mqtt_listen":         a.cfg.MQTTListen,
		"database_path":       a.cfg.DatabasePath,
		"log_level":           a.cfg.LogLevel,
		"api_base_url":        a.cfg.APIBaseURL,
		"api_retries":         a.cfg.APIRetries,
		"redis_addr":          a.cfg.RedisAddr,
		"geocoder_url":        a.cfg.GeocoderURL,
		"pin_timeout_minutes": a.pinTimeout.Load(),
		"history_days":        a.cfg.HistoryDays,
		"history_limit":       a.cfg.HistoryLimit,
		"mdns_enabled":        a.cfg.MDNSEnabled,
		"timezone":            a.cfg.Timezone,
		"locations_enabled":   a.locations != nil,
	}
	if a.broker != nil {
		active["mqtt_received"] = a.broker.Received()
	}
	if err := writeJSON(w, http.StatusOK, map[string]any{"active": active}); err != nil {
		a.logger.Error("failed to encode config response", "error", err)
	}
}

func (a *App) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServiceData string `json:"service_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	tel, err := telemetry.DecodeBase64(strings.TrimSpace(req.ServiceData))
	switch {
	case errors.Is(err, telemetry.ErrMalformedTelemetry):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		http.Error(w, "service_data must be base64", http.StatusBadRequest)
		return
	}

	resp := struct {
		telemetry.Telemetry
		ShouldPreventStale   bool `json:"should_prevent_stale"`
		EligibleNetworkRelay bool `json:"eligible_for_network_report"`
	}{
		Telemetry:            tel,
		ShouldPreventStale:   tel.State.ShouldPreventStale(),
		EligibleNetworkRelay: tel.State.EligibleForNetworkReport(),
	}
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		a.logger.Error("failed to encode telemetry response", "error", err)
	}
}

func (a *App) handleSightings(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	limit := queryInt(r, "limit", 25, 1, 250)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	sightings, err := a.store.RecentSightings(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load sightings", "error", err)
		http.Error(w, "failed to load sightings", http.StatusInternalServerError)
		return
	}

	failures, err := a.store.IngestionErrorCount(ctx)
	if err != nil {
		a.logger.Error("failed to count ingestion errors", "error", err)
		http.Error(w, "failed to load sightings", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{"sightings": sightings, "ingestion_errors": failures}
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		a.logger.Error("failed to encode sightings response", "error", err)
	}
}

func (a *App) handleSighting(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	id := strings.ToLower(r.PathValue("privacy_id"))
	sighting, ok, err := a.store.LatestSighting(ctx, id)
	if err != nil {
		a.logger.Error("failed to load sighting", "privacy_id", id, "error", err)
		http.Error(w, "failed to load sighting", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "tag not seen", http.StatusNotFound)
		return
	}

	if err := writeJSON(w, http.StatusOK, sighting); err != nil {
		a.logger.Error("failed to encode sighting response", "error", err)
	}
}

func (a *App) handlePinStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"has_pin":         a.pins.HasPin(),
		"timeout_minutes": a.pinTimeout.Load(),
	}
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		a.logger.Error("failed to encode pin status", "error", err)
	}
}

func (a *App) handleSetPin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pin      string `json:"pin"`
		Remember bool   `json:"remember"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Pin) == "" {
		http.Error(w, "pin required", http.StatusBadRequest)
		return
	}

	if err := a.pins.SetPin(r.Context(), req.Pin, req.Remember); err != nil {
		a.logger.Error("failed to set pin", "error", err)
		http.Error(w, "failed to set pin", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleClearPin(w http.ResponseWriter, r *http.Request) {
	if err := a.pins.ClearPin(r.Context()); err != nil {
		a.logger.Error("failed to clear pin", "error", err)
		http.Error(w, "failed to clear pin", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handlePinTimeout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Minutes *int `json:"minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Minutes == nil {
		http.Error(w, "minutes required", http.StatusBadRequest)
		return
	}
	minutes := *req.Minutes
	if minutes < 0 && minutes != pin.NeverExpires {
		http.Error(w, fmt.Sprintf("minutes must be >= 0 or %d", pin.NeverExpires), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.settings.SetPinTimeout(ctx, minutes); err != nil {
		a.logger.Error("failed to persist pin timeout", "error", err)
		http.Error(w, "failed to persist pin timeout", http.StatusInternalServerError)
		return
	}
	a.pinTimeout.Store(int64(minutes))
	a.logger.Info("pin timeout updated", "minutes", minutes)
	w.WriteHeader(http.StatusNoContent)
}

type locationView struct {
	DeviceID string          `json:"device_id"`
	Status   string          `json:"status"`
	Result   location.Result `json:"result"`
}

func (a *App) handleLocation(w http.ResponseWriter, r *http.Request) {
	if a.locations == nil {
		http.Error(w, "location service not configured", http.StatusServiceUnavailable)
		return
	}

	id := r.PathValue("id")
	res := a.locations.Current(r.Context(), id)
	if err := writeJSON(w, http.StatusOK, locationView{DeviceID: id, Status: location.Status(res), Result: res}); err != nil {
		a.logger.Error("failed to encode location response", "error", err)
	}
}

func (a *App) handleLocations(w http.ResponseWriter, r *http.Request) {
	if a.locations == nil {
		http.Error(w, "location service not configured", http.StatusServiceUnavailable)
		return
	}

	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		http.Error(w, "ids required", http.StatusBadRequest)
		return
	}

	results := a.locations.CurrentMany(r.Context(), ids)
	views := make([]locationView, len(ids))
	for i, res := range results {
		views[i] = locationView{DeviceID: ids[i], Status: location.Status(res), Result: res}
	}
	if err := writeJSON(w, http.StatusOK, map[string]any{"locations": views}); err != nil {
		a.logger.Error("failed to encode locations response", "error", err)
	}
}

func (a *App) loadHistory(w http.ResponseWriter, r *http.Request) (history.State, bool) {
	if a.history == nil {
		http.Error(w, "location service not configured", http.StatusServiceUnavailable)
		return history.State{}, false
	}

	id := r.PathValue("id")
	days := queryInt(r, "days", a.cfg.HistoryDays, 0, 31)
	limit := queryInt(r, "limit", a.cfg.HistoryLimit, 1, location.MaxPageLimit)

	progress := func(p *int) {
		if p == nil {
			a.logger.Debug("history progress", "device", id, "stage", "grouping")
			return
		}
		a.logger.Debug("history progress", "device", id, "percent", *p)
	}

	state, err := a.history.Load(r.Context(), id, days, limit, progress)
	if err != nil {
		a.logger.Error("history load failed", "device", id, "error", err)
		http.Error(w, "failed to load history", http.StatusBadGateway)
		return history.State{}, false
	}
	return state, true
}

func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	var day time.Time
	if v := r.URL.Query().Get("date"); v != "" {
		zone := a.zone
		if zone == nil {
			zone = time.Local
		}
		parsed, err := time.ParseInLocation(time.DateOnly, v, zone)
		if err != nil {
			http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		day = parsed
	}

	state, ok := a.loadHistory(w, r)
	if !ok {
		return
	}

	resp := struct {
		history.State
		LastSeen *time.Time `json:"last_seen,omitempty"`
	}{State: state}
	if last := state.LastSeen(); !last.IsZero() {
		resp.LastSeen = &last
	}
	if !day.IsZero() {
		resp.Items = state.Day(day)
	}
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		a.logger.Error("failed to encode history response", "error", err)
	}
}

func (a *App) handleHistoryExport(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "xlsx" {
		http.Error(w, "format must be csv or xlsx", http.StatusBadRequest)
		return
	}

	state, ok := a.loadHistory(w, r)
	if !ok {
		return
	}

	name := fmt.Sprintf("utag_%s_%s", state.DeviceID, state.LoadedAt.UTC().Format("20060102T150405Z"))
	switch format {
	case "xlsx":
		data, err := export.XLSX(state.Exports)
		if err != nil {
			a.logger.Error("export: failed to build workbook", "error", err)
			http.Error(w, "failed to export", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", "attachment; filename="+name+".xlsx")
		_, _ = w.Write(data)
	default:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename="+name+".csv")
		if err := export.WriteCSV(w, state.Exports); err != nil {
			a.logger.Error("export: failed to write csv", "error", err)
		}
	}
}

type keyRegistration struct {
	Registered   bool       `json:"registered"`
	Complete     bool       `json:"complete"`
	PublicKey    string     `json:"public_key,omitempty"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
}

func (a *App) handleEncryptionKey(w http.ResponseWriter, r *http.Request) {
	if a.remote == nil {
		http.Error(w, "location service not configured", http.StatusServiceUnavailable)
		return
	}

	key, ok, err := a.remote.EncryptionKey(r.Context())
	if err != nil {
		a.logger.Error("failed to fetch encryption key", "error", err)
		http.Error(w, "failed to fetch encryption key", http.StatusBadGateway)
		return
	}

	resp := keyRegistration{Registered: ok}
	if ok {
		record := key.Record("")
		resp.Complete = record.Complete()
		resp.PublicKey = record.PublicKey
		if at, err := record.RegisteredAt(); err == nil {
			resp.RegisteredAt = &at
		} else {
			a.logger.Warn("registered key has unreadable date", "reg_date", record.RegDate, "error", err)
		}
	}
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		a.logger.Error("failed to encode key registration", "error", err)
	}
}

func (a *App) handleGenerateKeys(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pin    string `json:"pin"`
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Pin == "" || req.UserID == "" {
		http.Error(w, "pin and user_id required", http.StatusBadRequest)
		return
	}

	record, err := a.keys.GenerateKeyPair(req.Pin, req.UserID)
	if err != nil {
		a.logger.Error("key generation failed", "error", err)
		http.Error(w, "failed to generate keys", http.StatusInternalServerError)
		return
	}

	uploaded := false
	if a.remote != nil {
		if err := a.remote.PutEncryptionKey(r.Context(), record); err != nil {
			a.logger.Error("key registration failed", "user", req.UserID, "error", err)
			http.Error(w, "failed to register keys", http.StatusBadGateway)
			return
		}
		uploaded = true
	}

	resp := struct {
		Record   model.KeyPairRecord `json:"key_pair"`
		Uploaded bool                `json:"uploaded"`
	}{Record: record, Uploaded: uploaded}
	if err := writeJSON(w, http.StatusCreated, resp); err != nil {
		a.logger.Error("failed to encode key response", "error", err)
	}
}

func (a *App) handleWipeDatabase(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if strings.ToLower(strings.TrimSpace(body.Confirm)) != "wipe" {
		http.Error(w, "confirmation required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.store.WipeData(ctx); err != nil {
		a.logger.Error("wipe: failed", "error", err)
		http.Error(w, "failed to wipe data", http.StatusInternalServerError)
		return
	}

	a.logger.Warn("wipe: cached locations and sightings cleared")
	w.WriteHeader(http.StatusNoContent)
}

// queryInt reads an integer query parameter, falling back to def when it is
// missing, unparsable or outside [lo, hi].
func queryInt(r *http.Request, key string, def, lo, hi int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < lo || parsed > hi {
		return def
	}
	return parsed
}
