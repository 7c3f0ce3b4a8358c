package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/syncctl/internal/auth"
	"github.com/danmuck/syncctl/internal/protocol/hid"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type modeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

type connectRequest struct {
	Address string `json:"address" binding:"required"`
}

type pathJSON struct {
	Points [][2]float64 `json:"points"`
	Width  float64      `json:"width"`
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"server":  s.ID,
			"version": "0.1.0",
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/", auth.Middleware(s.validator))

	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"state":     s.ctrl.State().String(),
			"device":    s.ctrl.ConnectedDevice(),
			"addresses": s.ctrl.Addresses(),
			"mode":      s.ctrl.Mode().String(),
		})
	})

	api.GET("/paths", func(c *gin.Context) {
		paths := s.ctrl.Paths()
		out := make([]pathJSON, 0, len(paths))
		for _, p := range paths {
			pts := make([][2]float64, len(p.Points))
			for i, pt := range p.Points {
				pts[i] = [2]float64{pt.X, pt.Y}
			}
			out = append(out, pathJSON{Points: pts, Width: p.Width})
		}
		c.JSON(http.StatusOK, gin.H{"paths": out})
	})

	api.POST("/mode", func(c *gin.Context) {
		var req modeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		mode, err := parseMode(req.Mode)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !s.ctrl.SetSyncMode(mode) {
			c.JSON(http.StatusConflict, gin.H{"error": "mode not applied", "mode": s.ctrl.Mode().String()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": mode.String()})
	})

	api.POST("/erase", func(c *gin.Context) {
		if !s.ctrl.EraseSync() {
			c.JSON(http.StatusConflict, gin.H{"error": "not connected"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api.POST("/connect", func(c *gin.Context) {
		var req connectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !s.ctrl.Connect(req.Address) {
			c.JSON(http.StatusConflict, gin.H{"error": "connect rejected"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "connecting", "address": req.Address})
	})

	api.POST("/disconnect", func(c *gin.Context) {
		if !s.ctrl.Disconnect() {
			c.JSON(http.StatusConflict, gin.H{"error": "not connected"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if s.live != nil {
		api.GET("/ws", gin.WrapH(s.live))
	}
}

// parseMode accepts a mode name or its numeric value.
func parseMode(raw string) (hid.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "silent":
		return hid.ModeSilent, nil
	case "capture":
		return hid.ModeCapture, nil
	case "file":
		return hid.ModeFile, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < int(hid.ModeMin) || n > int(hid.ModeMax) {
		return 0, fmt.Errorf("unknown mode %q", raw)
	}
	return hid.Mode(n), nil
}
