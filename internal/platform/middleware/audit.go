package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/casenote/internal/platform/auth"
)

// AuditEntry describes one attempted custody mutation at the HTTP boundary.
// The timeline records what changed; this records who tried what, including
// attempts refused by a guard.
type AuditEntry struct {
	ActorID    string
	Roles      []string
	Entity     string // requests, case-notes, handovers, batches, timeline
	EntityID   string
	Action     string // last path segment, e.g. approve, respond
	Method     string
	Path       string
	IPAddress  string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists audit entries elsewhere (a SIEM forwarder, say).
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every mutating /api/v1/ call after it completes. Reads are not
// audited.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method == http.MethodGet || req.Method == http.MethodHead ||
				!strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			entity, id, action := splitAuditPath(req.URL.Path)
			entry := AuditEntry{
				Roles:      auth.RolesFromContext(req.Context()),
				Entity:     entity,
				EntityID:   id,
				Action:     action,
				Method:     req.Method,
				Path:       req.URL.Path,
				IPAddress:  c.RealIP(),
				StatusCode: status,
				Timestamp:  time.Now().UTC(),
			}
			if actor, ok := auth.ActorFromContext(req.Context()); ok {
				entry.ActorID = actor.String()
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "custody_audit").
				Str("request_id", entry.RequestID).
				Str("actor_id", entry.ActorID).
				Strs("roles", entry.Roles).
				Str("entity", entry.Entity).
				Str("entity_id", entry.EntityID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("custody_mutation")

			return err
		}
	}
}

// splitAuditPath maps /api/v1/<entity>[/<id>][/<action>] to its parts.
//
//   - /api/v1/requests                   -> requests, "", create
//   - /api/v1/requests/<id>/approve      -> requests, <id>, approve
//   - /api/v1/returned-case-notes/verify -> returned-case-notes, "", verify
//   - DELETE /api/v1/requests/<id>       -> requests, <id>, "" (caller uses Method)
func splitAuditPath(path string) (entity, id, action string) {
	segs := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	if len(segs) == 0 || segs[0] == "" {
		return "unknown", "", ""
	}
	entity = segs[0]
	rest := segs[1:]
	if len(rest) > 0 {
		if _, err := uuid.Parse(rest[0]); err == nil {
			id = rest[0]
			rest = rest[1:]
		}
	}
	switch {
	case len(rest) > 0:
		action = rest[len(rest)-1]
	case id == "":
		action = "create"
	}
	return entity, id, action
}
