// Package httpapi is the fleet server's HTTP interface: the agent polling
// API and the operator endpoints.
package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/wingetdash/fleet/internal/logging"
	"github.com/wingetdash/fleet/internal/server/bundle"
	"github.com/wingetdash/fleet/internal/server/store"
)

var log = logging.L("httpapi")

type Options struct {
	APIKey      string
	AdminAPIKey string
	Blacklist   []string
	// MaxUploadBytes bounds a bundle upload.
	MaxUploadBytes int64
}

type Server struct {
	store   *store.Store
	bundles *bundle.Service
	opts    Options
}

func New(s *store.Store, b *bundle.Service, opts Options) *Server {
	if opts.AdminAPIKey == "" {
		opts.AdminAPIKey = opts.APIKey
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 256 << 20
	}
	return &Server{store: s, bundles: b, opts: opts}
}

// Router builds the gin engine with all routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), Logger(), Recovery())

	r.GET("/healthz", s.healthz)

	agent := r.Group("/api", RequireKey(s.opts.APIKey))
	{
		agent.GET("/tasks/:hostname", s.fetchTasks)
		agent.POST("/tasks/result", s.taskResult)
		agent.POST("/report", s.report)
		agent.POST("/agent/update_status", s.updateStatus)
		agent.GET("/agent/bundle", s.currentBundle)
		agent.GET("/agent/bundle/:version", s.downloadBundle)
		agent.GET("/settings/blacklist", s.blacklist)
	}

	admin := r.Group("/api/admin", RequireKey(s.opts.AdminAPIKey))
	{
		admin.POST("/tasks", s.createTask)
		admin.GET("/tasks/:id", s.getTask)
		admin.DELETE("/tasks/:id", s.deleteTask)
		admin.GET("/hosts", s.listHosts)
		admin.GET("/hosts/:hostname", s.getHost)
		admin.POST("/hosts/:hostname/self_update", s.queueSelfUpdate)
		admin.POST("/bundles", s.publishBundle)
	}
	return r
}
