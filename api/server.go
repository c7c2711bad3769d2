package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/custodian/service"
)

const ModeDebug = "debug"

type Server struct {
	port         int64
	mode         string
	transactions service.Transaction
	auth         *service.AuthService
	sdClient     statsd.ClientInterface
	logger       *logrus.Logger
	echo         *echo.Echo
}

// NewServer returns a new server. Debug mode additionally exposes the purge-all route.
// A nil auth leaves the /custodian routes unauthenticated.
func NewServer(port int64, mode string, transactions service.Transaction, auth *service.AuthService, sdClient statsd.ClientInterface, logger *logrus.Logger) *Server {
	if sdClient == nil {
		sdClient = &statsd.NoOpClient{}
	}
	s := &Server{
		port:         port,
		mode:         mode,
		transactions: transactions,
		auth:         auth,
		sdClient:     sdClient,
		logger:       logger,
	}
	s.echo = s.newEcho()
	logger.Infof("Server mode: %s", mode)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Logger.SetLevel(log.INFO)
	if s.mode == ModeDebug {
		e.Logger.SetLevel(log.DEBUG)
	}
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("2M")) // set maximum allowed size for a request body to 2M
	e.Use(s.statsdMiddleware)
	e.Use(middleware.CORS())
	limiterStore := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{Rate: 20, Burst: 60, ExpiresIn: 5 * time.Minute},
	)
	e.Use(middleware.RateLimiter(limiterStore))
	e.GET("/ping", s.Ping)

	grp := e.Group("/custodian")
	if s.auth != nil {
		grp.Use(s.AuthMiddleware)
	}
	grp.POST("/transaction", s.CreateTransaction)
	grp.GET("/transaction", s.ListTransactions)
	grp.GET("/transaction/:id", s.GetTransaction)
	grp.PATCH("/transaction/:id", s.RequestTransition)
	grp.DELETE("/transaction/:id", s.DeleteTransaction)
	if s.mode == ModeDebug {
		grp.DELETE("/transaction", s.DeleteAllTransactions)
	}
	return e
}

func (s *Server) StartServer() error {
	return s.echo.Start(fmt.Sprintf(":%d", s.port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) Ping(c echo.Context) error {
	return c.String(http.StatusOK, "Custodian is running")
}
