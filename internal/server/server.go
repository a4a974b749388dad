// Package server exposes the read-only HTTP surface: health, metrics, and
// fleet inspection endpoints.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/fleetwise/fleetquota/internal/config"
	fleetdomain "github.com/fleetwise/fleetquota/internal/fleet/domain"
	usagedomain "github.com/fleetwise/fleetquota/internal/usage/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const recentSampleLimit = 50

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Devices fleetdomain.Repository
	Usage   usagedomain.Service
}

type Server struct {
	engine  *gin.Engine
	addr    string
	log     *zap.Logger
	devices fleetdomain.Repository
	usage   usagedomain.Service
}

func New(p Params) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:  gin.New(),
		addr:    p.Config.HTTPAddr,
		log:     p.Log.Named("http"),
		devices: p.Devices,
		usage:   p.Usage,
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")
	api.GET("/devices", s.listDevices)
	api.GET("/devices/:sn/usage", s.deviceUsage)
}

func (s *Server) listDevices(c *gin.Context) {
	devices, err := s.devices.All(c.Request.Context())
	if err != nil {
		s.log.Error("listing devices failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (s *Server) deviceUsage(c *gin.Context) {
	device, err := s.devices.FindBySN(c.Request.Context(), c.Param("sn"))
	if err != nil {
		if errors.Is(err, fleetdomain.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		s.log.Error("device lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	samples, err := s.usage.Recent(c.Request.Context(), device.DeviceID, recentSampleLimit)
	if err != nil {
		s.log.Error("listing usage failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"device":  device,
		"samples": samples,
	})
}

func (s *Server) Handler() http.Handler { return s.engine }

var Module = fx.Module("server",
	fx.Provide(New),
	fx.Invoke(registerHooks),
)

func registerHooks(lc fx.Lifecycle, s *Server, log *zap.Logger) {
	srv := &http.Server{Addr: s.addr, Handler: s.engine}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Named("http").Error("server stopped", zap.Error(err))
				}
			}()
			log.Named("http").Info("listening", zap.String("addr", s.addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
