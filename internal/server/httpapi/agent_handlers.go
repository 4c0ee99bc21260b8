package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wingetdash/fleet/internal/logging"
	"github.com/wingetdash/fleet/pkg/api"
)

func (s *Server) healthz(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) fetchTasks(c *gin.Context) {
	hostname := strings.TrimSpace(c.Param("hostname"))
	if hostname == "" {
		badRequest(c, "hostname is required")
		return
	}
	tasks, err := s.store.ClaimPending(c.Request.Context(), hostname)
	if err != nil {
		writeError(c, err)
		return
	}
	if tasks == nil {
		tasks = []api.Task{}
	}
	if len(tasks) > 0 {
		log.Info("tasks handed out", logging.KeyHostname, hostname, "count", len(tasks))
	}
	c.JSON(http.StatusOK, tasks)
}

type taskResultRequest struct {
	TaskID  int64  `json:"task_id"`
	Status  string `json:"status"`
	Details string `json:"details"`
}

func (s *Server) taskResult(c *gin.Context) {
	var req taskResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body: "+err.Error())
		return
	}
	status, ok := api.ParseResultStatus(req.Status)
	if req.TaskID <= 0 || !ok {
		badRequest(c, "task_id and a terminal status are required")
		return
	}
	if err := s.store.CompleteTask(c.Request.Context(), req.TaskID, status, req.Details); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) report(c *gin.Context) {
	var r api.InventoryReport
	if err := c.ShouldBindJSON(&r); err != nil {
		badRequest(c, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(r.Hostname) == "" {
		badRequest(c, "hostname is required")
		return
	}
	n, err := s.store.SaveReport(c.Request.Context(), &r)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "reconciled": n})
}

type updateStatusRequest struct {
	Hostname string `json:"hostname"`
	Status   string `json:"status"`
	Details  string `json:"details"`
}

func (s *Server) updateStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body: "+err.Error())
		return
	}
	status, ok := api.ParseUpdateStatus(req.Status)
	if strings.TrimSpace(req.Hostname) == "" || !ok {
		badRequest(c, "hostname and a known status are required")
		return
	}
	if err := s.store.RecordUpdateStatus(c.Request.Context(), req.Hostname, status, req.Details); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) currentBundle(c *gin.Context) {
	info, err := s.bundles.Current(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) downloadBundle(c *gin.Context) {
	rc, info, err := s.bundles.Open(c.Request.Context(), c.Param("version"))
	if err != nil {
		writeError(c, err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, info.Size, "application/zip", rc, map[string]string{
		"Content-Disposition": `attachment; filename="fleet-` + info.Version + `.zip"`,
		"X-Checksum":          info.SHA256,
	})
}

func (s *Server) blacklist(c *gin.Context) {
	keywords := s.opts.Blacklist
	if keywords == nil {
		keywords = []string{}
	}
	c.JSON(http.StatusOK, api.Blacklist{Keywords: keywords})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid task id")
		return 0, false
	}
	return id, true
}
