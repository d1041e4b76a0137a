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
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/binkynet/ServoWorker/pkg/service"
	"github.com/binkynet/ServoWorker/pkg/service/bridge"
	"github.com/binkynet/ServoWorker/pkg/service/devices"
)

type setServoRequest struct {
	// Value for the servo; angle or rate depending on its mode
	Value *float64 `json:"value"`
}

type commandRequest struct {
	Command string `json:"command"`
}

type devicesResponse struct {
	Addresses []string `json:"addresses"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// getServos returns the state of all servos & joints.
func (s *Server) getServos(c echo.Context) error {
	return c.JSON(http.StatusOK, s.service.States())
}

// setServo sets the value of a single servo.
func (s *Server) setServo(c echo.Context) error {
	var req setServoRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Value == nil {
		return devices.InvalidInput("value is required")
	}
	line := fmt.Sprintf("%s %s %s", service.CommandSet, c.Param("name"),
		strconv.FormatFloat(*req.Value, 'f', -1, 64))
	state, err := s.service.ExecuteLine(c.Request().Context(), line)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

// postCommand executes a full command line.
func (s *Server) postCommand(c echo.Context) error {
	var req commandRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Command) == "" {
		return devices.InvalidInput("command is required")
	}
	state, err := s.service.ExecuteLine(c.Request().Context(), req.Command)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

// getDevices returns the addresses of all devices found on the I2C bus.
func (s *Server) getDevices(c echo.Context) error {
	addrs, err := s.service.DetectDevices()
	if err != nil {
		return err
	}
	resp := devicesResponse{Addresses: make([]string, 0, len(addrs))}
	for _, a := range addrs {
		resp.Addresses = append(resp.Addresses, fmt.Sprintf("0x%02x", a))
	}
	return c.JSON(http.StatusOK, resp)
}

// statusForError maps errors of the service onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case devices.IsInvalidInput(err):
		return http.StatusBadRequest
	case service.IsNotFound(err):
		return http.StatusNotFound
	case devices.IsClosed(err), service.IsNotStarted(err), bridge.IsBusClosed(err):
		return http.StatusServiceUnavailable
	case devices.IsBus(err), devices.IsDevice(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := statusForError(err)
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	}
	if c.Request().Method == http.MethodHead {
		c.NoContent(code)
		return
	}
	c.JSON(code, errorResponse{Error: msg})
}
