package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/presence/internal/api/handlers"
	"github.com/your-org/presence/internal/api/ws"
	"github.com/your-org/presence/internal/auth"
)

type RouterConfig struct {
	APIKey string
	Hub    *ws.Hub

	Enroller   handlers.Enroller
	Recognizer handlers.Recognizer
	Identities handlers.IdentityDeleter
	Images     handlers.ImageDeleter
	Captures   handlers.CaptureStore
	Publisher  handlers.CapturePublisher
	Jobs       handlers.JobTracker
	Cache      handlers.Hydrator
	Marker     handlers.ManualMarker
	Roster     handlers.IdentityReader
	Activity   handlers.ActivityReader
	Settings   handlers.SettingsReader
	SettingsDB handlers.SettingsWriter
	Checks     map[string]handlers.Checker
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.New(corsConfig()))

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.Checks)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	// WebSocket, the tenant comes from the query string since browsers cannot set headers
	if cfg.Hub != nil {
		v1.GET("/ws", cfg.Hub.HandleWS)
	}

	tenant := v1.Group("")
	tenant.Use(auth.TenantMiddleware())

	// Enrollment
	identityH := handlers.NewIdentityHandler(cfg.Enroller, cfg.Identities, cfg.Images)
	tenant.POST("/enroll", identityH.Enroll)
	tenant.PUT("/enroll", identityH.Reenroll)
	tenant.DELETE("/identities/:role/:id", identityH.Delete)

	// Recognition
	recognizeH := handlers.NewRecognizeHandler(cfg.Recognizer, cfg.Captures, cfg.Publisher)
	tenant.POST("/recognize", recognizeH.Recognize)
	tenant.POST("/captures", recognizeH.Capture)

	// Bulk generation jobs
	jobH := handlers.NewJobHandler(cfg.Jobs)
	tenant.POST("/jobs", jobH.Start)
	tenant.GET("/jobs", jobH.List)
	tenant.GET("/jobs/:id", jobH.Get)
	tenant.DELETE("/jobs/:id", jobH.Cancel)

	// Cache
	cacheH := handlers.NewCacheHandler(cfg.Cache)
	tenant.POST("/cache/hydrate", cacheH.Hydrate)
	v1.GET("/cache/stats", cacheH.Stats)

	// Attendance and settings
	attendanceH := handlers.NewAttendanceHandler(cfg.Marker, cfg.Roster, cfg.Activity, cfg.Settings, cfg.SettingsDB)
	tenant.POST("/attendance/students/:id", attendanceH.MarkStudent)
	tenant.GET("/activity", attendanceH.Activity)
	tenant.GET("/settings", attendanceH.GetSettings)
	tenant.PUT("/settings", attendanceH.PutSettings)

	return r
}

func corsConfig() cors.Config {
	c := cors.DefaultConfig()
	c.AllowAllOrigins = true
	c.AllowHeaders = append(c.AllowHeaders, "X-API-Key", "X-Tenant-ID", "Authorization")
	return c
}
