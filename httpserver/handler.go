// Package httpserver exposes the trust manager's admin API over HTTP:
// registry queries, claiming, membership and policy management, group
// and identity CRUD, and a log of recent sync errors. The server
// carries the usual liveness, readiness and drain endpoints.
package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/device-trust-manager/interfaces"
	"github.com/ruteri/device-trust-manager/secmgr"
	"github.com/ruteri/device-trust-manager/syncer"
)

// syncLogSize bounds the in-memory sync error log.
const syncLogSize = 100

// Handler processes admin API requests.
type Handler struct {
	log      *slog.Logger
	store    interfaces.CredentialStore
	registry registryView
	mgr      *secmgr.SecurityManager
	engine   *syncer.Engine
	rot      interfaces.RootOfTrust

	mu      sync.Mutex
	syncLog []syncLogEntry
	sub     *syncer.ErrorSubscription
}

// registryView is the read surface the handler needs from the
// application registry.
type registryView interface {
	Get(key interfaces.PublicKeyID) (interfaces.OnlineApplication, bool)
	Query(state interfaces.ClaimState) []interfaces.OnlineApplication
}

// HandlerConfig collects the handler's collaborators.
type HandlerConfig struct {
	Store    interfaces.CredentialStore
	Registry registryView
	Manager  *secmgr.SecurityManager
	Syncer   *syncer.Engine

	// RootOfTrust is the domain authority key, used as the default
	// identity authority for API callers that omit one.
	RootOfTrust interfaces.RootOfTrust

	Log *slog.Logger
}

// NewHandler creates a handler and starts collecting sync errors into
// the sync log. Close releases the error subscription.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		log:      cfg.Log,
		store:    cfg.Store,
		registry: cfg.Registry,
		mgr:      cfg.Manager,
		engine:   cfg.Syncer,
		rot:      cfg.RootOfTrust,
	}

	h.sub = cfg.Syncer.SubscribeErrors()
	go func() {
		for serr := range h.sub.Errors() {
			h.appendSyncLog(serr)
		}
	}()
	return h
}

// Close stops sync error collection.
func (h *Handler) Close() {
	h.sub.Close()
}

type syncLogEntry struct {
	Time   time.Time `json:"time"`
	AppKey string    `json:"app_key"`
	Kind   string    `json:"kind"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
}

func (h *Handler) appendSyncLog(serr syncer.SyncError) {
	entry := syncLogEntry{
		Time:   time.Now().UTC(),
		AppKey: serr.AppKey.String(),
		Kind:   serr.Kind.String(),
		Status: serr.Status.String(),
	}
	if serr.Err != nil {
		entry.Error = serr.Err.Error()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.syncLog = append(h.syncLog, entry)
	if len(h.syncLog) > syncLogSize {
		h.syncLog = h.syncLog[len(h.syncLog)-syncLogSize:]
	}
}

type applicationJSON struct {
	AppKey         string `json:"app_key"`
	Address        string `json:"address,omitempty"`
	DeviceName     string `json:"device_name,omitempty"`
	AppName        string `json:"app_name,omitempty"`
	AppID          string `json:"app_id,omitempty"`
	ClaimState     string `json:"claim_state"`
	RunningState   string `json:"running_state"`
	UpdatesPending bool   `json:"updates_pending"`
	Anomaly        bool   `json:"anomaly,omitempty"`
}

func applicationToJSON(app interfaces.OnlineApplication) applicationJSON {
	out := applicationJSON{
		AppKey:         app.AppKey.String(),
		Address:        app.Address.String(),
		DeviceName:     app.DeviceName,
		AppName:        app.AppName,
		ClaimState:     app.ClaimState.String(),
		RunningState:   app.RunningState.String(),
		UpdatesPending: app.UpdatesPending(),
		Anomaly:        app.Anomaly,
	}
	if app.AppID != uuid.Nil {
		out.AppID = app.AppID.String()
	}
	return out
}

func claimStateFromQuery(s string) (interfaces.ClaimState, bool) {
	switch s {
	case "":
		return interfaces.ClaimStateUnknown, true
	case "claimable":
		return interfaces.ClaimStateClaimable, true
	case "claiming":
		return interfaces.ClaimStateClaiming, true
	case "claimed":
		return interfaces.ClaimStateClaimed, true
	case "claim_failed":
		return interfaces.ClaimStateClaimFailed, true
	default:
		return interfaces.ClaimStateUnknown, false
	}
}

// writeJSON writes a JSON response body.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Debug("Failed to write response", "err", err)
	}
}

// writeError maps domain errors onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, interfaces.ErrInvalidState),
		errors.Is(err, interfaces.ErrAlreadyClaimed),
		errors.Is(err, interfaces.ErrGroupInUse):
		status = http.StatusConflict
	case errors.Is(err, interfaces.ErrManifestRejected):
		status = http.StatusForbidden
	case errors.Is(err, interfaces.ErrRemote):
		status = http.StatusBadGateway
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// appKey parses the {app_id} URL parameter, writing a 400 response on
// failure.
func (h *Handler) appKey(w http.ResponseWriter, r *http.Request) (interfaces.PublicKeyID, bool) {
	key, err := interfaces.NewPublicKeyIDFromHex(chi.URLParam(r, "app_id"))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid application key"})
		return interfaces.PublicKeyID{}, false
	}
	return key, true
}

// groupGUID parses the {group_id} URL parameter.
func (h *Handler) groupGUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	guid, err := uuid.Parse(chi.URLParam(r, "group_id"))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid group id"})
		return uuid.Nil, false
	}
	return guid, true
}

// HandleListApplications serves GET /api/v1/applications.
func (h *Handler) HandleListApplications(w http.ResponseWriter, r *http.Request) {
	state, ok := claimStateFromQuery(r.URL.Query().Get("state"))
	if !ok {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid state filter"})
		return
	}

	apps := h.registry.Query(state)
	out := make([]applicationJSON, 0, len(apps))
	for _, app := range apps {
		out = append(out, applicationToJSON(app))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// HandleGetApplication serves GET /api/v1/applications/{app_id}.
func (h *Handler) HandleGetApplication(w http.ResponseWriter, r *http.Request) {
	key, ok := h.appKey(w, r)
	if !ok {
		return
	}
	app, found := h.registry.Get(key)
	if !found {
		h.writeError(w, interfaces.ErrNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, applicationToJSON(app))
}

type claimRequest struct {
	// Name is the identity name for the device, required.
	Name string `json:"name"`

	// GUID is optional; a fresh one is generated when omitted.
	GUID string `json:"guid,omitempty"`
}

// HandleClaim serves POST /api/v1/applications/{app_id}/claim.
func (h *Handler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	key, ok := h.appKey(w, r)
	if !ok {
		return
	}

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "identity name required"})
		return
	}

	guid := uuid.New()
	if req.GUID != "" {
		parsed, err := uuid.Parse(req.GUID)
		if err != nil {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid identity guid"})
			return
		}
		guid = parsed
	}

	identity := interfaces.IdentityInfo{
		Authority: h.rot,
		GUID:      guid,
		Name:      req.Name,
	}
	if err := h.mgr.Claim(r.Context(), key, identity); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "claimed", "identity_guid": guid.String()})
}

// HandleUnclaim serves POST /api/v1/applications/{app_id}/unclaim.
func (h *Handler) HandleUnclaim(w http.ResponseWriter, r *http.Request) {
	key, ok := h.appKey(w, r)
	if !ok {
		return
	}
	if err := h.mgr.Unclaim(r.Context(), key); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "unclaimed"})
}

// HandleInstallMembership serves
// PUT /api/v1/applications/{app_id}/memberships/{group_id}.
func (h *Handler) HandleInstallMembership(w http.ResponseWriter, r *http.Request) {
	key, ok := h.appKey(w, r)
	if !ok {
		return
	}
	guid, ok := h.groupGUID(w, r)
	if !ok {
		return
	}
	if err := h.mgr.InstallMembership(r.Context(), key, guid); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "membership installed"})
}

// HandleRemoveMembership serves
// DELETE /api/v1/applications/{app_id}/memberships/{group_id}.
func (h *Handler) HandleRemoveMembership(w http.ResponseWriter, r *http.Request) {
	key, ok := h.appKey(w, r)
	if !ok {
		return
	}
	guid, ok := h.groupGUID(w, r)
	if !ok {
		return
	}
	if err := h.mgr.RemoveMembership(r.Context(), key, guid); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "membership removed"})
}

// HandleGetMemberships serves
// GET /api/v1/applications/{app_id}/memberships.
func (h *Handler) HandleGetMemberships(w http.ResponseWriter, r *http.Request) {
	key, ok := h.appKey(w, r)
	if !ok {
		return
	}
	groups, err := h.store.GetMemberships(r.Context(), key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.String())
	}
	h.writeJSON(w, http.StatusOK, out)
}

type policyRequest struct {
	// Groups lists the group GUIDs the generated default policy grants
	// access to, in order.
	Groups []string `json:"groups"`
}

type policyResponse struct {
	Version uint64 `json:"version"`

	// Policy is the canonical serialized policy, base64-encoded.
	Policy string `json:"policy"`
}

// HandleUpdatePolicy serves PUT /api/v1/applications/{app_id}/policy.
func (h *Handler) HandleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	key, ok := h.appKey(w, r)
	if !ok {
		return
	}

	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	groups := make([]uuid.UUID, 0, len(req.Groups))
	for _, raw := range req.Groups {
		guid, err := uuid.Parse(raw)
		if err != nil {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid group id " + raw})
			return
		}
		groups = append(groups, guid)
	}

	version, err := h.mgr.UpdateDefaultPolicy(r.Context(), key, groups)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]uint64{"version": version})
}

// HandleGetPolicy serves GET /api/v1/applications/{app_id}/policy.
func (h *Handler) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	key, ok := h.appKey(w, r)
	if !ok {
		return
	}
	stored, err := h.store.GetPolicy(r.Context(), key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, policyResponse{
		Version: stored.Version,
		Policy:  base64.StdEncoding.EncodeToString(stored.Data),
	})
}

// HandleSync serves POST /api/v1/applications/{app_id}/sync, forcing
// an immediate reconciliation.
func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	key, ok := h.appKey(w, r)
	if !ok {
		return
	}
	if err := h.engine.Sync(r.Context(), key); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

type groupJSON struct {
	GUID        string `json:"guid"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// HandleListGroups serves GET /api/v1/groups.
func (h *Handler) HandleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.store.GetGroups(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]groupJSON, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupJSON{GUID: g.GUID.String(), Name: g.Name, Description: g.Description})
	}
	h.writeJSON(w, http.StatusOK, out)
}

type groupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// HandleStoreGroup serves PUT /api/v1/groups/{group_id}.
func (h *Handler) HandleStoreGroup(w http.ResponseWriter, r *http.Request) {
	guid, ok := h.groupGUID(w, r)
	if !ok {
		return
	}
	var req groupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "group name required"})
		return
	}

	group := interfaces.GroupInfo{
		GUID:        guid,
		Name:        req.Name,
		Description: req.Description,
		Authority:   h.rot,
	}
	if err := h.store.StoreGroup(r.Context(), group); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, groupJSON{GUID: guid.String(), Name: group.Name, Description: group.Description})
}

// HandleRemoveGroup serves DELETE /api/v1/groups/{group_id}.
func (h *Handler) HandleRemoveGroup(w http.ResponseWriter, r *http.Request) {
	guid, ok := h.groupGUID(w, r)
	if !ok {
		return
	}
	if err := h.store.RemoveGroup(r.Context(), guid); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "group removed"})
}

type identityJSON struct {
	GUID string `json:"guid"`
	Name string `json:"name"`
}

// HandleListIdentities serves GET /api/v1/identities.
func (h *Handler) HandleListIdentities(w http.ResponseWriter, r *http.Request) {
	identities, err := h.store.GetIdentities(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]identityJSON, 0, len(identities))
	for _, id := range identities {
		out = append(out, identityJSON{GUID: id.GUID.String(), Name: id.Name})
	}
	h.writeJSON(w, http.StatusOK, out)
}

// HandleSyncLog serves GET /api/v1/synclog: the most recent sync
// errors, oldest first.
func (h *Handler) HandleSyncLog(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	out := make([]syncLogEntry, len(h.syncLog))
	copy(out, h.syncLog)
	h.mu.Unlock()

	h.writeJSON(w, http.StatusOK, out)
}
