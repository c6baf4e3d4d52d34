package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/focushive/focushive/backend/auth"
	"github.com/focushive/focushive/backend/buddy"
	"github.com/focushive/focushive/backend/config"
	"github.com/focushive/focushive/backend/errs"
	"github.com/focushive/focushive/backend/hive"
	"github.com/focushive/focushive/backend/presence"
	"github.com/focushive/focushive/backend/realtime"
	"github.com/focushive/focushive/backend/timer"
)

// API is the HTTP surface: REST for commands and queries, /ws for the
// realtime stream, /metrics for Prometheus.
type API struct {
	gateway  *auth.Gateway
	hives    *hive.Service
	timers   *timer.Service
	buddies  *buddy.Service
	profiles *buddy.KVProfiles
	tracker  *presence.Tracker
	hub      *realtime.Hub
	log      *zap.Logger

	limits   config.RateLimits
	limiters sync.Map // userID -> *rate.Limiter
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/health", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", a.hub.ServeWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authenticate)
		r.Use(a.rateLimit)

		r.Route("/hives", func(r chi.Router) {
			r.Post("/", a.handleCreateHive)
			r.Get("/{hiveID}", a.handleGetHive)
			r.Post("/{hiveID}/join", a.handleJoinHive)
			r.Post("/{hiveID}/leave", a.handleLeaveHive)
			r.Post("/{hiveID}/transfer", a.handleTransferHive)
			r.Get("/{hiveID}/members", a.handleHiveMembers)
			r.Get("/{hiveID}/presence", a.handleHivePresence)
		})

		r.Route("/timers", func(r chi.Router) {
			r.Post("/", a.handleStartTimer)
			r.Get("/{sessionID}", a.handleGetTimer)
			r.Post("/{sessionID}/pause", a.timerAction((*timer.Service).Pause))
			r.Post("/{sessionID}/resume", a.timerAction((*timer.Service).Resume))
			r.Post("/{sessionID}/cancel", a.timerAction((*timer.Service).Cancel))
			r.Post("/{sessionID}/complete", a.timerAction((*timer.Service).Complete))
			r.Post("/{sessionID}/distractions", a.handleDistraction)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", a.handleListTemplates)
			r.Post("/", a.handleCreateTemplate)
			r.Delete("/{templateID}", a.handleDeleteTemplate)
		})

		r.Put("/profile", a.handleSaveProfile)

		r.Route("/partnerships", func(r chi.Router) {
			r.Post("/", a.handleRequestPartnership)
			r.Get("/matches", a.handleFindMatches)
			r.Get("/{partnershipID}", a.handleGetPartnership)
			r.Post("/{partnershipID}/accept", a.partnershipAction((*buddy.Service).Accept))
			r.Post("/{partnershipID}/reject", a.partnershipAction((*buddy.Service).Reject))
			r.Post("/{partnershipID}/pause", a.partnershipAction((*buddy.Service).Pause))
			r.Post("/{partnershipID}/resume", a.partnershipAction((*buddy.Service).Resume))
			r.Post("/{partnershipID}/end", a.handleEndPartnership)
			r.Post("/{partnershipID}/checkins", a.handleCheckIn)
			r.Get("/{partnershipID}/streaks", a.handleStreaks)
			r.Post("/{partnershipID}/goals", a.handleCreateGoal)
			r.Get("/{partnershipID}/goals", a.handleListGoals)
		})

		r.Route("/goals", func(r chi.Router) {
			r.Post("/{goalID}/progress", a.handleGoalProgress)
			r.Post("/{goalID}/cancel", a.handleCancelGoal)
			r.Delete("/{goalID}", a.handleDeleteGoal)
			r.Post("/{goalID}/milestones", a.handleAddMilestone)
		})
		r.Post("/milestones/{milestoneID}/complete", a.handleCompleteMilestone)

		r.Route("/admin", func(r chi.Router) {
			r.Use(a.requireRole(auth.RoleAdmin))
			r.Post("/revocations", a.handleRevoke)
		})
	})

	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": a.hub.ConnectionCount(),
	})
}

// authenticate verifies the bearer token and stashes the verdict.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := r.Header.Get("Authorization")
		if !strings.HasPrefix(hdr, "Bearer ") {
			writeError(w, errs.Authentication("missing bearer token"))
			return
		}
		verdict, err := a.gateway.Verify(r.Context(), strings.TrimPrefix(hdr, "Bearer "))
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithVerdict(r.Context(), verdict)))
	})
}

// rateLimit enforces the per-hour budget for the caller's class.
func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := auth.VerdictFrom(r.Context())
		budget := a.limits.Authenticated
		if v.User.HasRole(auth.RoleAdmin) {
			budget = a.limits.Admin
		}
		key := v.User.UserID
		lim, _ := a.limiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(float64(budget)/3600), budget/10+1))
		if !lim.(*rate.Limiter).Allow() {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.VerdictFrom(r.Context()).User.HasRole(role) {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "insufficient role"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// --- hives ---

func (a *API) handleCreateHive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Slug       string `json:"slug"`
		Visibility string `json:"visibility"`
		MaxMembers int    `json:"maxMembers"`
	}
	if !decode(w, r, &req) {
		return
	}
	h, err := a.hives.Create(r.Context(), req.Slug, userID(r), hive.Visibility(req.Visibility), req.MaxMembers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (a *API) handleGetHive(w http.ResponseWriter, r *http.Request) {
	h, err := a.hives.Get(r.Context(), chi.URLParam(r, "hiveID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (a *API) handleJoinHive(w http.ResponseWriter, r *http.Request) {
	if err := a.hives.Join(r.Context(), chi.URLParam(r, "hiveID"), userID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLeaveHive(w http.ResponseWriter, r *http.Request) {
	if err := a.hives.Leave(r.Context(), chi.URLParam(r, "hiveID"), userID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTransferHive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToUserID string `json:"toUserId"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := a.hives.TransferOwnership(r.Context(), chi.URLParam(r, "hiveID"), userID(r), req.ToUserID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleHiveMembers(w http.ResponseWriter, r *http.Request) {
	members, err := a.hives.Members(r.Context(), chi.URLParam(r, "hiveID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (a *API) handleHivePresence(w http.ResponseWriter, r *http.Request) {
	roster, err := a.tracker.HiveRoster(r.Context(), chi.URLParam(r, "hiveID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roster)
}

// --- timers ---

func (a *API) handleStartTimer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HiveID      string `json:"hiveId"`
		TemplateID  string `json:"templateId"`
		Type        string `json:"type"`
		DurationSec int    `json:"durationSec"`
	}
	if !decode(w, r, &req) {
		return
	}
	s, err := a.timers.Start(r.Context(), timer.StartInput{
		UserID:      userID(r),
		HiveID:      req.HiveID,
		TemplateID:  req.TemplateID,
		Type:        timer.Type(req.Type),
		DurationSec: req.DurationSec,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (a *API) handleGetTimer(w http.ResponseWriter, r *http.Request) {
	s, err := a.timers.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) timerAction(fn func(*timer.Service, context.Context, string, string) (*timer.Session, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fn(a.timers, r.Context(), chi.URLParam(r, "sessionID"), userID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func (a *API) handleDistraction(w http.ResponseWriter, r *http.Request) {
	if err := a.timers.RecordDistraction(r.Context(), chi.URLParam(r, "sessionID"), userID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- templates ---

func (a *API) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	ts, err := a.timers.ListTemplates(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (a *API) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var t timer.Template
	if !decode(w, r, &t) {
		return
	}
	t.OwnerUserID = userID(r)
	t.IsSystem = false
	if err := a.timers.CreateTemplate(r.Context(), &t); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := a.timers.DeleteTemplate(r.Context(), chi.URLParam(r, "templateID"), userID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	var p buddy.Profile
	if !decode(w, r, &p) {
		return
	}
	p.UserID = userID(r)
	if err := a.profiles.Save(r.Context(), &p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- partnerships ---

func (a *API) handleRequestPartnership(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToUserID string `json:"toUserId"`
	}
	if !decode(w, r, &req) {
		return
	}
	p, err := a.buddies.Request(r.Context(), userID(r), req.ToUserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleFindMatches(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	matches, err := a.buddies.FindMatches(r.Context(), userID(r), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func (a *API) handleGetPartnership(w http.ResponseWriter, r *http.Request) {
	p, err := a.buddies.Get(r.Context(), chi.URLParam(r, "partnershipID"), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) partnershipAction(fn func(*buddy.Service, context.Context, string, string) (*buddy.Partnership, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := fn(a.buddies, r.Context(), chi.URLParam(r, "partnershipID"), userID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func (a *API) handleEndPartnership(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	p, err := a.buddies.End(r.Context(), chi.URLParam(r, "partnershipID"), userID(r), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind               string `json:"kind"`
		Content            string `json:"content"`
		Mood               string `json:"mood"`
		ProductivityRating *int   `json:"productivityRating"`
	}
	if !decode(w, r, &req) {
		return
	}
	c, err := a.buddies.CheckIn(r.Context(), buddy.CheckinInput{
		PartnershipID:      chi.URLParam(r, "partnershipID"),
		UserID:             userID(r),
		Kind:               buddy.CheckinKind(req.Kind),
		Content:            req.Content,
		Mood:               buddy.Mood(req.Mood),
		ProductivityRating: req.ProductivityRating,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleStreaks(w http.ResponseWriter, r *http.Request) {
	report, err := a.buddies.Streaks(r.Context(), chi.URLParam(r, "partnershipID"), userID(r), time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- goals ---

func (a *API) handleCreateGoal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		TargetDate  int64  `json:"targetDate"`
	}
	if !decode(w, r, &req) {
		return
	}
	g, err := a.buddies.CreateGoal(r.Context(), buddy.GoalInput{
		PartnershipID: chi.URLParam(r, "partnershipID"),
		UserID:        userID(r),
		Title:         req.Title,
		Description:   req.Description,
		TargetDate:    req.TargetDate,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) handleListGoals(w http.ResponseWriter, r *http.Request) {
	gs, err := a.buddies.Goals(r.Context(), chi.URLParam(r, "partnershipID"), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gs)
}

func (a *API) handleGoalProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProgressPct     int  `json:"progressPct"`
		AllowRegression bool `json:"allowRegression"`
	}
	if !decode(w, r, &req) {
		return
	}
	g, err := a.buddies.UpdateGoalProgress(r.Context(), chi.URLParam(r, "goalID"), userID(r), req.ProgressPct, req.AllowRegression)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleCancelGoal(w http.ResponseWriter, r *http.Request) {
	g, err := a.buddies.CancelGoal(r.Context(), chi.URLParam(r, "goalID"), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleDeleteGoal(w http.ResponseWriter, r *http.Request) {
	if err := a.buddies.DeleteGoal(r.Context(), chi.URLParam(r, "goalID"), userID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAddMilestone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title      string `json:"title"`
		TargetDate int64  `json:"targetDate"`
	}
	if !decode(w, r, &req) {
		return
	}
	m, err := a.buddies.AddMilestone(r.Context(), chi.URLParam(r, "goalID"), userID(r), req.Title, req.TargetDate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) handleCompleteMilestone(w http.ResponseWriter, r *http.Request) {
	g, err := a.buddies.CompleteMilestone(r.Context(), chi.URLParam(r, "milestoneID"), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// --- admin ---

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TokenID   string `json:"tokenId"`
		ExpiresAt int64  `json:"expiresAt"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.TokenID == "" {
		writeError(w, errs.ValidationFields("invalid revocation", map[string]string{"tokenId": "required"}))
		return
	}
	if err := a.gateway.Revoke(r.Context(), req.TokenID, time.Unix(req.ExpiresAt, 0)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- plumbing ---

func userID(r *http.Request) string {
	return auth.VerdictFrom(r.Context()).User.UserID
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errs.Validation("malformed request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindAuthentication:
		status = http.StatusUnauthorized
	case errs.KindAuthorization:
		status = http.StatusForbidden
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindConflict:
		status = http.StatusConflict
	case errs.KindUnavailable, errs.KindTransient:
		status = http.StatusServiceUnavailable
	}
	body := map[string]any{"error": err.Error()}
	var e *errs.Error
	if errors.As(err, &e) && len(e.Fields) > 0 {
		body["fields"] = e.Fields
	}
	writeJSON(w, status, body)
}
