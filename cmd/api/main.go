package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"presence/internal/auth"
	"presence/internal/checkin"
	"presence/internal/config"
	"presence/internal/httpmiddleware"
	"presence/internal/queue"
	"presence/internal/store"
	"presence/internal/verify"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	var limiter httpmiddleware.Limiter
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
		limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.AuditQueueKey)
		limiter = httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin, time.Minute)
	}

	repo := checkin.NewRepository(db.Client)
	collector := verify.NewCollector(verify.New(cfg.VerifyURL, cfg.VerifyTimeout, cfg.VerifySkip))
	svc := checkin.NewService(repo, repo, collector,
		checkin.Config{GeofenceRadiusM: cfg.GeofenceRadiusM, RiskThreshold: cfg.RiskThreshold},
		cfg.AppealWindow)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.GinMiddleware(limiter))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Dev-only token mint. Real deployments share the signing key with the
	// identity service and never expose this.
	if cfg.Env == "dev" {
		r.POST("/v1/auth/token", func(c *gin.Context) {
			var req struct {
				UserID string `json:"user_id" binding:"required"`
				Role   string `json:"role" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			tokens, err := auth.Issue(req.UserID, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
				return
			}
			c.JSON(http.StatusCreated, gin.H{
				"access_token":  tokens.AccessToken,
				"refresh_token": tokens.RefreshToken,
				"expires_at":    tokens.AccessExp.Unix(),
			})
		})
	}

	authed := r.Group("/v1", auth.UserAuth(cfg.JWTSigningKey, cfg.JWTIssuer))
	staff := authed.Group("", auth.RequireRole(checkin.RoleInstructor, checkin.RoleTA, checkin.RoleAdmin))

	authed.POST("/checkins", func(c *gin.Context) {
		var req struct {
			SessionID         string   `json:"session_id" binding:"required"`
			Latitude          *float64 `json:"latitude"`
			Longitude         *float64 `json:"longitude"`
			AccuracyM         *float64 `json:"location_accuracy_meters"`
			DeviceFingerprint string   `json:"device_fingerprint"`
			Challenge         string   `json:"liveness_challenge_response"`
			QRCode            string   `json:"qr_code"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims := auth.FromContext(c)
		rec, err := svc.CheckIn(c.Request.Context(), claims.Subject, checkin.Attempt{
			SessionID:         req.SessionID,
			Latitude:          req.Latitude,
			Longitude:         req.Longitude,
			AccuracyM:         req.AccuracyM,
			DeviceFingerprint: req.DeviceFingerprint,
			Challenge:         req.Challenge,
			QRCode:            req.QRCode,
		})
		if err != nil {
			httpError(c, err)
			return
		}

		publishAudit(c.Request.Context(), q, "checkin.decided", rec.ID, claims.Subject, string(rec.Status))
		c.JSON(http.StatusCreated, rec)
	})

	staff.GET("/checkins", func(c *gin.Context) {
		filter := checkin.ListFilter{
			SessionID: c.Query("session_id"),
			CourseID:  c.Query("course_id"),
			StudentID: c.Query("student_id"),
			Status:    c.Query("status"),
			Limit:     intQuery(c, "limit", 50),
			Offset:    intQuery(c, "offset", 0),
		}
		if v := c.Query("min_risk_score"); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				filter.MinRisk = &parsed
			}
		}
		if v := c.Query("max_risk_score"); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				filter.MaxRisk = &parsed
			}
		}
		if v := c.Query("start_date"); v != "" {
			if parsed, err := time.Parse(time.RFC3339, v); err == nil {
				filter.Start = &parsed
			}
		}
		if v := c.Query("end_date"); v != "" {
			if parsed, err := time.Parse(time.RFC3339, v); err == nil {
				filter.End = &parsed
			}
		}

		items, total, err := repo.List(c.Request.Context(), filter)
		if err != nil {
			httpError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"items":  items,
			"total":  total,
			"limit":  filter.Limit,
			"offset": filter.Offset,
		})
	})

	authed.GET("/checkins/my-checkins", func(c *gin.Context) {
		claims := auth.FromContext(c)
		items, _, err := repo.List(c.Request.Context(), checkin.ListFilter{
			StudentID: claims.Subject,
			CourseID:  c.Query("course_id"),
			Limit:     intQuery(c, "limit", 50),
		})
		if err != nil {
			httpError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	})

	staff.GET("/checkins/flagged", func(c *gin.Context) {
		items, err := repo.ListForReview(c.Request.Context(), c.Query("session_id"), c.Query("course_id"), intQuery(c, "limit", 50))
		if err != nil {
			httpError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	})

	staff.GET("/checkins/session/:session_id", func(c *gin.Context) {
		sessionID := c.Param("session_id")
		if _, err := repo.Session(c.Request.Context(), sessionID); err != nil {
			httpError(c, err)
			return
		}
		items, _, err := repo.List(c.Request.Context(), checkin.ListFilter{SessionID: sessionID, Limit: 100})
		if err != nil {
			httpError(c, err)
			return
		}

		// Device trust is display enrichment only, never a decision input.
		out := make([]gin.H, 0, len(items))
		for _, item := range items {
			entry := gin.H{"checkin": item}
			if item.DeviceID != nil {
				if trusted, err := repo.DeviceTrusted(c.Request.Context(), *item.DeviceID); err == nil {
					entry["device_trusted"] = trusted
				}
			}
			out = append(out, entry)
		}
		c.JSON(http.StatusOK, gin.H{"items": out})
	})

	authed.GET("/checkins/:checkin_id", func(c *gin.Context) {
		claims := auth.FromContext(c)
		rec, err := svc.Get(c.Request.Context(), checkin.Actor{ID: claims.Subject, Role: claims.Role}, c.Param("checkin_id"))
		if err != nil {
			httpError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	authed.POST("/checkins/:checkin_id/appeal", func(c *gin.Context) {
		var req struct {
			AppealReason string `json:"appeal_reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims := auth.FromContext(c)
		rec, err := svc.Appeal(c.Request.Context(), claims.Subject, c.Param("checkin_id"), req.AppealReason)
		if err != nil {
			httpError(c, err)
			return
		}

		publishAudit(c.Request.Context(), q, "checkin.appealed", rec.ID, claims.Subject, req.AppealReason)
		c.JSON(http.StatusOK, rec)
	})

	staff.POST("/checkins/:checkin_id/review", func(c *gin.Context) {
		var req struct {
			Status      string  `json:"status" binding:"required"`
			ReviewNotes *string `json:"review_notes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims := auth.FromContext(c)
		reviewer := checkin.Actor{ID: claims.Subject, Role: claims.Role}
		rec, err := svc.Review(c.Request.Context(), reviewer, c.Param("checkin_id"), checkin.Status(req.Status), req.ReviewNotes)
		if err != nil {
			httpError(c, err)
			return
		}

		publishAudit(c.Request.Context(), q, "checkin.reviewed", rec.ID, claims.Subject, req.Status)
		c.JSON(http.StatusOK, rec)
	})

	authed.GET("/audit", auth.RequireRole(checkin.RoleAdmin), func(c *gin.Context) {
		entries, err := repo.ListAudit(c.Request.Context(), c.Query("checkin_id"), intQuery(c, "limit", 50))
		if err != nil {
			httpError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": entries})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// httpError maps the lifecycle error taxonomy onto status codes.
func httpError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, checkin.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, checkin.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, checkin.ErrAlreadyCheckedIn):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case checkin.IsInvalidState(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Printf("internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func publishAudit(ctx context.Context, q queue.Queue, kind, checkinID, actorID, detail string) {
	msg, err := queue.NewMessage(kind, checkin.AuditEntry{
		Kind:      kind,
		CheckInID: checkinID,
		ActorID:   actorID,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	if err == nil {
		err = q.Publish(ctx, msg)
	}
	if err != nil {
		log.Printf("audit publish failed: %v", err)
	}
}

func intQuery(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
