// Copyright 2023 Ewout Prangsma
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Author Ewout Prangsma
//
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/charmbracelet/wish/activeterm"
	"github.com/charmbracelet/wish/bubbletea"
	"github.com/charmbracelet/wish/logging"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/binkynet/ServoWorker/pkg/service"
)

// Config for the HTTP & SSH server.
type Config struct {
	// Host interface to listen on
	Host string
	// Port to listen on for HTTP requests (-1 to disable)
	HTTPPort int
	// Port to listen on for SSH requests (-1 to disable)
	SSHPort int
	// Path of the SSH host key
	HostKeyPath string
}

// Server runs the HTTP server for the service.
type Server struct {
	Config
	log     zerolog.Logger
	ui      UI
	service Service
}

// UI provides the console model served to SSH sessions.
type UI interface {
	// Handler creates the model (and program options) for a new session.
	Handler(s ssh.Session) (tea.Model, []tea.ProgramOption)
}

// Service is the part of the servo service exposed over HTTP.
type Service interface {
	ExecuteLine(ctx context.Context, line string) (service.State, error)
	States() service.State
	DetectDevices() ([]byte, error)
}

// New configures a new Server.
func New(cfg Config, log zerolog.Logger, ui UI, svc Service) (*Server, error) {
	if cfg.HostKeyPath == "" {
		cfg.HostKeyPath = ".ssh/id_ed25519"
	}
	return &Server{
		Config:  cfg,
		log:     log.With().Str("component", "server").Logger(),
		ui:      ui,
		service: svc,
	}, nil
}

// Run the server until the given context is canceled.
func (s *Server) Run(ctx context.Context) error {
	log := s.log
	var httpSrv *http.Server
	if s.HTTPPort >= 0 {
		// Prepare HTTP listener
		httpAddr := net.JoinHostPort(s.Host, strconv.Itoa(s.HTTPPort))
		httpLis, err := net.Listen("tcp", httpAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on address %s: %w", httpAddr, err)
		}
		httpSrv = &http.Server{
			Handler: s.Handler(),
		}
		log.Debug().Str("address", httpAddr).Msg("Serving HTTP")
		go func() {
			if err := httpSrv.Serve(httpLis); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("failed to serve HTTP server")
			}
			log.Debug().Str("address", httpAddr).Msg("Done Serving HTTP")
		}()
	}

	var sshServer *ssh.Server
	if s.SSHPort >= 0 && s.ui != nil {
		// Prepare SSH server
		sshAddr := net.JoinHostPort(s.Host, strconv.Itoa(s.SSHPort))
		var err error
		sshServer, err = wish.NewServer(
			// The address the server will listen to.
			wish.WithAddress(sshAddr),

			// The SSH server need its own keys, this will create a keypair in the
			// given path if it doesn't exist yet.
			// By default, it will create an ED25519 key.
			wish.WithHostKeyPath(s.HostKeyPath),

			// Middlewares do something on a ssh.Session, and then call the next
			// middleware in the stack.
			wish.WithMiddleware(
				bubbletea.Middleware(s.ui.Handler),
				// The last item in the chain is the first to be called.
				activeterm.Middleware(),
				logging.Middleware(),
			),
		)
		if err != nil {
			return fmt.Errorf("could not start SSH server: %w", err)
		}
		// Serve UI
		log.Debug().Str("address", sshAddr).Msg("Serving SSH")
		go func() {
			if err := sshServer.ListenAndServe(); err != nil && err != ssh.ErrServerClosed {
				log.Error().Err(err).Msg("failed to serve SSH server")
			}
			log.Debug().Str("address", sshAddr).Msg("Done Serving SSH")
		}()
	}

	// Wait until context closed
	<-ctx.Done()

	log.Info().Msg("Closing servers")
	if httpSrv != nil {
		httpSrv.Shutdown(context.Background())
	}
	if sshServer != nil {
		sshServer.Shutdown(context.Background())
	}
	return nil
}

// Handler returns the HTTP handler serving metrics and the servo API.
func (s *Server) Handler() http.Handler {
	httpRouter := echo.New()
	httpRouter.HideBanner = true
	httpRouter.HTTPErrorHandler = errorHandler
	httpRouter.GET("/health", echo.WrapHandler(http.HandlerFunc(healthHandler)))
	httpRouter.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	httpRouter.GET("/debug/pprof/*", echo.WrapHandler(http.HandlerFunc(pprof.Index)))
	api := httpRouter.Group("/api")
	api.GET("/servos", s.getServos)
	api.POST("/servos/:name", s.setServo)
	api.POST("/commands", s.postCommand)
	api.GET("/i2c/devices", s.getDevices)
	return httpRouter
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "OK")
}
