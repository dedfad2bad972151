package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"homestats/internal/device"
)

// handleDeviceLight implements PUT /api/device/:id/light, toggling a
// named garden light through the out-of-scope device glue
// (spec.md §1's "two disjoint subsystems"; internal/device is not part
// of the statistics engine's contract).
func (s *Server) handleDeviceLight(c *gin.Context) {
	if s.Devices == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device glue not configured"})
		return
	}
	var body struct {
		On bool `json:"on"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state, err := s.Devices.SetLight(c.Param("id"), body.On)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

// handleDeviceLock implements PUT /api/device/:id/lock, requesting the
// front door lock or unlock. The ":id" segment is accepted for
// symmetry with handleDeviceLight but the jarvis lock integration only
// ever exposes one door.
func (s *Server) handleDeviceLock(c *gin.Context) {
	if s.Devices == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device glue not configured"})
		return
	}
	var body struct {
		Locked bool `json:"locked"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var (
		state device.LockState
		err   error
	)
	if body.Locked {
		state, err = s.Devices.Lock()
	} else {
		state, err = s.Devices.Unlock()
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}
