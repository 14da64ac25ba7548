package web

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	"github.com/macjediwizard/caldavsync/internal/breaker"
	"github.com/macjediwizard/caldavsync/internal/codec"
	"github.com/macjediwizard/caldavsync/internal/db"
	"github.com/macjediwizard/caldavsync/internal/engine"
	"github.com/macjediwizard/caldavsync/internal/scheduler"
)

const maxEventBody = 1 << 20

// sanitizeError returns a user-safe error message without exposing internal details.
// Internal error details are logged but not returned to the client.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		log.Printf("[API] %s: %v", userMessage, err)
	}
	return userMessage
}

// APIIntegration is an integration with its bindings.
type APIIntegration struct {
	*db.Integration
	Bindings []*db.CollectionBinding `json:"bindings"`
	Breaker  *breaker.Snapshot       `json:"breaker,omitempty"`
}

// APIRunResult is the body of a completed on-demand sync.
type APIRunResult struct {
	*engine.RunResult
	Error string `json:"error,omitempty"`
}

// APIActivity is the body of GET /api/activity.
type APIActivity struct {
	Runs     map[string]interface{} `json:"runs"`
	Jobs     []scheduler.JobStatus  `json:"jobs"`
	Breakers []breaker.Snapshot     `json:"breakers"`
	Failing  []string               `json:"failing_bindings"`
	Dropped  uint64                 `json:"dropped_events"`
}

// bindingOr404 loads the binding named by the :id parameter.
func (h *Handlers) bindingOr404(c *gin.Context) (*db.CollectionBinding, bool) {
	b, err := h.db.GetBinding(c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Binding not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load binding")})
		return nil, false
	}
	return b, true
}

// APIListIntegrations returns all connected integrations.
func (h *Handlers) APIListIntegrations(c *gin.Context) {
	integrations, err := h.db.ListIntegrations()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load integrations")})
		return
	}
	out := make([]*APIIntegration, 0, len(integrations))
	for _, in := range integrations {
		bindings, err := h.db.ListBindings(in.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load bindings")})
			return
		}
		if bindings == nil {
			bindings = []*db.CollectionBinding{}
		}
		out = append(out, &APIIntegration{Integration: in, Bindings: bindings, Breaker: h.breakerOf(in.AccountID)})
	}
	c.JSON(http.StatusOK, out)
}

// APIGetIntegration returns an integration's health, reason code and bindings.
func (h *Handlers) APIGetIntegration(c *gin.Context) {
	in, err := h.db.GetIntegration(c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Integration not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load integration")})
		return
	}

	bindings, err := h.db.ListBindings(in.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load bindings")})
		return
	}
	if bindings == nil {
		bindings = []*db.CollectionBinding{}
	}
	c.JSON(http.StatusOK, &APIIntegration{Integration: in, Bindings: bindings, Breaker: h.breakerOf(in.AccountID)})
}

func (h *Handlers) breakerOf(accountID string) *breaker.Snapshot {
	for _, s := range h.breakers.Snapshots() {
		if s.Name == accountID {
			return &s
		}
	}
	return nil
}

// APIDisconnectIntegration stops every binding of an integration, removes its
// credential and soft-deletes it.
func (h *Handlers) APIDisconnectIntegration(c *gin.Context) {
	in, err := h.db.GetIntegration(c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Integration not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load integration")})
		return
	}

	bindings, err := h.db.ListBindings(in.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load bindings")})
		return
	}
	for _, b := range bindings {
		h.scheduler.RemoveBinding(b.ID)
	}

	if err := h.db.DisconnectIntegration(in.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to disconnect integration")})
		return
	}

	for _, b := range bindings {
		if h.notifier != nil {
			h.notifier.ClearBinding(b.ID)
		}
	}
	if h.accounts != nil {
		h.accounts.Forget(in.AccountID)
	}
	log.Printf("[API] Disconnected integration %s (%d bindings)", in.ID, len(bindings))

	c.JSON(http.StatusOK, gin.H{"message": "Integration disconnected", "bindings": len(bindings)})
}

// ReauthRequest is the body of POST /api/integrations/:id/reauth. Exactly one
// of Password and Token is set. Username defaults to the current credential's.
type ReauthRequest struct {
	Username string        `json:"username"`
	Password string        `json:"password"`
	Token    *oauth2.Token `json:"token"`
}

// APIReauthIntegration replaces the credential of an integration, marks it
// active and resumes polling of its bindings.
func (h *Handlers) APIReauthIntegration(c *gin.Context) {
	if h.accounts == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Credential storage is not configured"})
		return
	}
	in, err := h.db.GetIntegration(c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Integration not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load integration")})
		return
	}

	var req ReauthRequest
	dec := json.NewDecoder(http.MaxBytesReader(c.Writer, c.Request.Body, maxEventBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if (req.Password == "") == (req.Token == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Exactly one of password and token is required"})
		return
	}
	if req.Username == "" {
		if old, err := h.db.GetCredential(in.CredentialRef); err == nil {
			req.Username = old.Username
		}
	}
	if req.Username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username is required"})
		return
	}

	var cred *db.Credential
	if req.Token != nil {
		cred, err = h.accounts.SaveOAuth2(req.Username, req.Token)
	} else {
		cred, err = h.accounts.SaveBasic(req.Username, req.Password)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": sanitizeError(err, "Invalid credential")})
		return
	}

	if err := h.db.ReauthorizeIntegration(in.ID, cred.Ref); err != nil {
		if derr := h.db.DeleteCredential(cred.Ref); derr != nil {
			sanitizeError(derr, "Failed to delete unused credential")
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to update integration")})
		return
	}
	h.accounts.Forget(in.AccountID)

	bindings, err := h.db.ListBindings(in.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load bindings")})
		return
	}
	resumed := 0
	for _, b := range bindings {
		if b.Enabled {
			h.scheduler.AddBinding(b.ID)
			resumed++
		}
	}
	log.Printf("[API] Reauthorized integration %s (%d bindings resumed)", in.ID, resumed)

	c.JSON(http.StatusOK, gin.H{"message": "Integration reauthorized", "bindings": resumed})
}

// APIGetBinding returns a single binding.
func (h *Handlers) APIGetBinding(c *gin.Context) {
	b, ok := h.bindingOr404(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, b)
}

// APITriggerSync requests an on-demand run. With ?wait=true the response
// carries the result of the run that covered the request.
func (h *Handlers) APITriggerSync(c *gin.Context) {
	b, ok := h.bindingOr404(c)
	if !ok {
		return
	}
	if !b.Enabled {
		c.JSON(http.StatusConflict, gin.H{"error": "Binding is disabled"})
		return
	}

	future := h.scheduler.OnDemandRequest(b.ID)
	if wait, _ := strconv.ParseBool(c.Query("wait")); !wait {
		c.JSON(http.StatusAccepted, gin.H{"message": "Sync triggered"})
		return
	}
	h.respondWithResult(c, future)
}

// APINotifyChange records an external change notification for a binding.
func (h *Handlers) APINotifyChange(c *gin.Context) {
	b, ok := h.bindingOr404(c)
	if !ok {
		return
	}
	if !b.Enabled {
		c.JSON(http.StatusConflict, gin.H{"error": "Binding is disabled"})
		return
	}

	h.scheduler.OnExternalChangeNotification(b.ID)
	c.JSON(http.StatusAccepted, gin.H{"message": "Change notification accepted"})
}

// APICancelSync cancels the in-flight run of a binding.
func (h *Handlers) APICancelSync(c *gin.Context) {
	b, ok := h.bindingOr404(c)
	if !ok {
		return
	}
	if !h.scheduler.Cancel(b.ID) {
		c.JSON(http.StatusConflict, gin.H{"error": "No sync in progress"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Sync cancelled"})
}

func (h *Handlers) respondWithResult(c *gin.Context, future *scheduler.Future) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.waitTimeout)
	defer cancel()

	res, err := future.Wait(ctx)
	switch {
	case errors.Is(err, scheduler.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Scheduler is stopped"})
		return
	case err != nil:
		// The run keeps going; only this request gave up.
		c.JSON(http.StatusAccepted, gin.H{"message": "Sync still running"})
		return
	case res == nil:
		c.JSON(http.StatusOK, gin.H{"message": "Sync skipped"})
		return
	}

	out := APIRunResult{RunResult: res}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	c.JSON(http.StatusOK, out)
}

// APIGetRuns returns the SyncRun audit records of a binding, newest first.
func (h *Handlers) APIGetRuns(c *gin.Context) {
	b, ok := h.bindingOr404(c)
	if !ok {
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	runs, err := h.db.ListRuns(b.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load runs")})
		return
	}
	if runs == nil {
		runs = []*db.SyncRun{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// APIGetMalformed returns the remote items of a binding that could not be
// decoded on the last run.
func (h *Handlers) APIGetMalformed(c *gin.Context) {
	b, ok := h.bindingOr404(c)
	if !ok {
		return
	}
	items, err := h.db.ListMalformedItems(b.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load malformed items")})
		return
	}
	if items == nil {
		items = []db.MalformedItem{}
	}
	c.JSON(http.StatusOK, items)
}

// APIListEvents returns the live local events of a binding.
func (h *Handlers) APIListEvents(c *gin.Context) {
	b, ok := h.bindingOr404(c)
	if !ok {
		return
	}
	events, err := h.db.ListLocalEvents(b.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load events")})
		return
	}
	out := make([]codec.Event, 0, len(events))
	for _, le := range events {
		var ev codec.Event
		if err := json.Unmarshal([]byte(le.Payload), &ev); err != nil {
			sanitizeError(err, "Skipping unreadable local event "+le.ID)
			continue
		}
		out = append(out, ev)
	}
	c.JSON(http.StatusOK, out)
}

// APIPutEvent creates or replaces a local event and queues it for the remote.
func (h *Handlers) APIPutEvent(c *gin.Context) {
	b, ok := h.bindingOr404(c)
	if !ok {
		return
	}
	if !b.Enabled {
		c.JSON(http.StatusConflict, gin.H{"error": "Binding is disabled"})
		return
	}

	var ev codec.Event
	dec := json.NewDecoder(http.MaxBytesReader(c.Writer, c.Request.Body, maxEventBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	ev.ID = c.Param("eventID")
	if msg := validateEvent(&ev); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}
	if ev.LastModified.IsZero() {
		ev.LastModified = time.Now().UTC()
	}
	// Reject what could never be written to the remote.
	if _, err := codec.Encode(ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Event cannot be encoded as iCalendar"})
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to encode event")})
		return
	}
	op, err := h.db.PutLocalEvent(&db.LocalEvent{ID: ev.ID, BindingID: b.ID, UID: ev.UID, Payload: string(payload)})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to save event")})
		return
	}

	status := http.StatusOK
	if op == db.OpCreate {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"op": op, "event": ev})
}

// APIDeleteEvent deletes a local event and queues the deletion.
func (h *Handlers) APIDeleteEvent(c *gin.Context) {
	b, ok := h.bindingOr404(c)
	if !ok {
		return
	}
	if !b.Enabled {
		c.JSON(http.StatusConflict, gin.H{"error": "Binding is disabled"})
		return
	}

	err := h.db.DeleteLocalEvent(b.ID, c.Param("eventID"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Event not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to delete event")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"op": db.OpDelete})
}

func validateEvent(ev *codec.Event) string {
	ev.UID = strings.TrimSpace(ev.UID)
	switch {
	case ev.ID == "" || len(ev.ID) > 255:
		return "Invalid event ID"
	case ev.UID == "":
		return "uid is required"
	case ev.Start.IsZero():
		return "start is required"
	case !ev.End.IsZero() && ev.End.Before(ev.Start):
		return "end must not be before start"
	}
	return ""
}

// APIActivity returns active and recent runs, scheduler jobs and breakers.
func (h *Handlers) APIActivity(c *gin.Context) {
	out := APIActivity{
		Runs:     h.tracker.GetAll(),
		Jobs:     h.scheduler.Jobs(),
		Breakers: h.breakers.Snapshots(),
		Failing:  []string{},
		Dropped:  h.events.Dropped(),
	}
	if out.Breakers == nil {
		out.Breakers = []breaker.Snapshot{}
	}
	if h.notifier != nil {
		if failing := h.notifier.FailingBindings(); failing != nil {
			out.Failing = failing
		}
	}
	c.JSON(http.StatusOK, out)
}

// APIBindingStatus streams the lifecycle events of a binding as server-sent
// events until the client goes away.
func (h *Handlers) APIBindingStatus(c *gin.Context) {
	b, ok := h.bindingOr404(c)
	if !ok {
		return
	}

	events, unsubscribe := h.events.Subscribe(b.ID)
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent("binding", gin.H{"binding_id": b.ID, "health": b.Health, "health_reason": b.HealthReason, "syncing": h.tracker.IsSyncing(b.ID)})
	c.Writer.Flush()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			c.SSEvent(string(ev.Type), ev)
			c.Writer.Flush()
		case <-keepAlive.C:
			if _, err := c.Writer.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

// APISendTestAlert sends a test alert through the configured webhook.
func (h *Handlers) APISendTestAlert(c *gin.Context) {
	if h.notifier == nil || !h.notifier.IsEnabled() {
		c.JSON(http.StatusConflict, gin.H{"error": "Alerts are not configured"})
		return
	}
	if err := h.notifier.SendTestWebhook(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": sanitizeError(err, "Test alert failed")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Test alert sent"})
}
