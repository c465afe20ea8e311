package auth

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type revokeTokenRequest struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
}

type revokeActorRequest struct {
	ActorID uuid.UUID `json:"actor_id"`
}

type revocationListResponse struct {
	Count   int              `json:"count"`
	Entries []RevocationInfo `json:"entries"`
}

// RegisterRevocationRoutes mounts the admin revocation endpoints. onActor,
// when set, runs after an actor is revoked so cached roles can be dropped.
func RegisterRevocationRoutes(g *echo.Group, store *TokenRevocationStore, onActor func(uuid.UUID)) {
	authGroup := g.Group("/auth", RequireRole(RoleAdmin))

	authGroup.POST("/revoke", handleRevokeToken(store))
	authGroup.POST("/revoke-actor", handleRevokeActor(store, onActor))
	authGroup.GET("/revocations", handleListRevocations(store))
}

func handleRevokeToken(store *TokenRevocationStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeTokenRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.JTI == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "jti is required")
		}
		if req.ExpiresAt.IsZero() {
			req.ExpiresAt = time.Now().Add(store.maxTokenAge)
		}
		store.Revoke(req.JTI, req.ExpiresAt)
		return c.NoContent(http.StatusNoContent)
	}
}

func handleRevokeActor(store *TokenRevocationStore, onActor func(uuid.UUID)) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeActorRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.ActorID == uuid.Nil {
			return echo.NewHTTPError(http.StatusBadRequest, "actor_id is required")
		}
		store.RevokeActor(req.ActorID, time.Now())
		if onActor != nil {
			onActor(req.ActorID)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func handleListRevocations(store *TokenRevocationStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		entries := store.Entries()
		return c.JSON(http.StatusOK, revocationListResponse{
			Count:   len(entries),
			Entries: entries,
		})
	}
}
