// Package api exposes the statistics engine over HTTP and websocket,
// the way the teacher's cmd/server wires an AppState into a
// gin.Default() router (cmd/server/main.go) with JWT-protected mutating
// routes (cmd/server/handlers_oauth.go's generateJWTToken/jwt.Parse
// pattern) and a gorilla/websocket hub (cmd/server/websocket.go).
package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"homestats/internal/compaction"
	"homestats/internal/config"
	"homestats/internal/device"
	"homestats/internal/eventbus"
	"homestats/internal/importer"
	"homestats/internal/logging"
	"homestats/internal/metadata"
	"homestats/internal/platform"
	"homestats/internal/query"
	"homestats/internal/schema"
	"homestats/internal/storage"
	"homestats/internal/taskqueue"
)

// Server bundles every engine component the HTTP surface dispatches
// to, mirroring the teacher's AppState receiver-method pattern.
type Server struct {
	Store      *storage.Store
	Query      *query.Engine
	Importer   *importer.Engine
	Compaction *compaction.Engine
	Schema     *schema.Validator
	Meta       *metadata.Manager
	Platforms  *platform.Registry
	Tasks      *taskqueue.Runtime
	Bus        *eventbus.Bus
	Devices    *device.Client
	Log        logging.StatsLogger

	Admin     config.AdminConfig
	JWTSecret string

	hub *wsHub
}

func New(admin config.AdminConfig, jwtSecret string) *Server {
	return &Server{Admin: admin, JWTSecret: jwtSecret, hub: newWSHub()}
}

// Router builds the gin engine. Grounded on the teacher's flat
// registration block in cmd/server/main.go: gin.Default() plus a
// sequence of r.GET/r.POST calls, public routes first, JWT-protected
// mutating routes behind authMiddleware().
func (s *Server) Router() *gin.Engine {
	r := gin.Default()

	r.GET("/health", s.handleHealth)
	r.POST("/api/auth/login", s.handleLogin)

	r.GET("/api/statistics", s.handleStatisticsDuringPeriod)
	r.GET("/api/statistics/last", s.handleLastStatistics)
	r.GET("/api/statistics/meta", s.handleGetMetadata)
	r.GET("/api/statistics/issues", s.handleStatisticsIssues)

	auth := r.Group("/api/statistics")
	auth.Use(s.authMiddleware())
	auth.POST("/import", s.handleImport)
	auth.POST("/external", s.handleAddExternal)
	auth.POST("/adjust", s.handleAdjustSum)
	auth.POST("/unit", s.handleChangeUnit)
	auth.DELETE("", s.handleClearStatistics)
	auth.PATCH("/meta", s.handleUpdateStatisticsMetadata)

	r.GET("/ws/events", s.handleEventsWS)

	deviceAuth := r.Group("/api/device")
	deviceAuth.Use(s.authMiddleware())
	deviceAuth.PUT("/:id/light", s.handleDeviceLight)
	deviceAuth.PUT("/:id/lock", s.handleDeviceLock)

	return r
}

// Run starts the websocket fan-out goroutine (forwarding eventbus
// events to connected clients) and blocks serving HTTP on addr.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.hub.pump(ctx, s.Bus)
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin mirrors generateJWTToken in the teacher's
// handlers_oauth.go: HS256 claims with an expiry, signed with the
// server's configured secret.
func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Username != s.Admin.Username || !config.VerifyPassword(s.Admin.PasswordHash, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	expiresAt := time.Now().Add(24 * time.Hour)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": req.Username,
		"exp": expiresAt.Unix(),
	})
	signed, err := token.SignedString([]byte(s.JWTSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": signed, "expires_at": expiresAt.Unix()})
}

// authMiddleware verifies the Bearer token the same way the teacher's
// verifyClouflareAccessJWT parses and validates a jwt.Token, simplified
// to the single HS256 secret this engine signs with.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenString := header[len(prefix):]

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return []byte(s.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// taskError reports either a typed validation error with 422, or an
// internal error with 500, matching spec.md §7's taxonomy split
// between synchronously-reported validation and everything else.
func taskError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	if verr, ok := asValidationError(err); ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": verr.Error(), "field": verr.Field})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func asValidationError(err error) (*taskqueue.ValidationError, bool) {
	verr, ok := err.(*taskqueue.ValidationError)
	return verr, ok
}

// withWriteTx runs fn inside a fresh write transaction on the server's
// store, committing on success. The mutating task handlers in
// statistics.go call this from inside a taskqueue.Task's Run, so the
// transaction opens on the task queue's writer goroutine; the
// clear_statistics handler is the exception and calls
// Importer.ClearStatistics without a transaction.
func withWriteTx(ctx context.Context, s *Server, fn func(tx *sql.Tx) error) error {
	return s.Store.WithTx(ctx, fn)
}
