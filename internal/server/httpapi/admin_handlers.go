package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wingetdash/fleet/internal/server/store"
	"github.com/wingetdash/fleet/pkg/api"
)

// HostSummary is one row of the host list.
type HostSummary struct {
	Hostname       string     `json:"hostname"`
	IPAddress      string     `json:"ip_address"`
	RebootRequired bool       `json:"reboot_required"`
	AgentVersion   string     `json:"agent_version"`
	LastReportAt   *time.Time `json:"last_report_at,omitempty"`
	UpdateStatus   string     `json:"update_status,omitempty"`
	UpdateDetails  string     `json:"update_details,omitempty"`
	UpdateStatusAt *time.Time `json:"update_status_at,omitempty"`
}

// HostDetail is a host with its latest snapshot and tasks.
type HostDetail struct {
	HostSummary
	InstalledApps       []api.InstalledApp `json:"installed_apps"`
	AvailableAppUpdates []api.AppUpdate    `json:"available_app_updates"`
	PendingOSUpdates    []api.OSUpdate     `json:"pending_os_updates"`
	Tasks               []api.Task         `json:"tasks"`
}

func summarize(h store.Host) HostSummary {
	return HostSummary{
		Hostname:       h.Hostname,
		IPAddress:      h.IPAddress,
		RebootRequired: h.RebootRequired,
		AgentVersion:   h.AgentVersion,
		LastReportAt:   h.LastReportAt,
		UpdateStatus:   h.UpdateStatus,
		UpdateDetails:  h.UpdateDetails,
		UpdateStatusAt: h.UpdateStatusAt,
	}
}

func (s *Server) createTask(c *gin.Context) {
	var req api.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body: "+err.Error())
		return
	}
	if !req.Command.Valid() {
		badRequest(c, "unknown command")
		return
	}
	p, err := req.ParsePayload()
	if err != nil {
		writeError(c, err)
		return
	}
	s.respondCreated(c, req.Hostname, req.Command, p)
}

func (s *Server) queueSelfUpdate(c *gin.Context) {
	p, err := s.bundles.SelfUpdatePayload(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	s.respondCreated(c, c.Param("hostname"), api.CommandSelfUpdate, p)
}

func (s *Server) respondCreated(c *gin.Context, hostname string, cmd api.Command, p api.Payload) {
	ctx := c.Request.Context()
	id, err := s.store.CreateTask(ctx, hostname, cmd, p)
	if err != nil {
		writeError(c, err)
		return
	}
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) getTask(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	task, err := s.store.GetTask(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) deleteTask(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.store.DeleteTask(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listHosts(c *gin.Context) {
	hosts, err := s.store.ListHosts(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]HostSummary, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, summarize(h))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getHost(c *gin.Context) {
	d, err := s.store.GetHost(c.Request.Context(), c.Param("hostname"))
	if err != nil {
		writeError(c, err)
		return
	}
	out := HostDetail{
		HostSummary:         summarize(d.Host),
		InstalledApps:       make([]api.InstalledApp, 0, len(d.InstalledApps)),
		AvailableAppUpdates: make([]api.AppUpdate, 0, len(d.AppUpdates)),
		PendingOSUpdates:    d.OSUpdates,
		Tasks:               d.Tasks,
	}
	for _, a := range d.InstalledApps {
		out.InstalledApps = append(out.InstalledApps, api.InstalledApp{Name: a.Name, ID: a.PackageID, Version: a.Version})
	}
	for _, u := range d.AppUpdates {
		out.AvailableAppUpdates = append(out.AvailableAppUpdates, api.AppUpdate{
			Name:             u.Name,
			ID:               u.PackageID,
			CurrentVersion:   u.CurrentVersion,
			AvailableVersion: u.AvailableVersion,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) publishBundle(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes)
	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "multipart field \"file\" is required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		badRequest(c, "cannot read upload")
		return
	}
	defer f.Close()

	info, err := s.bundles.Publish(c.Request.Context(), strings.TrimSpace(c.PostForm("version")), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}
