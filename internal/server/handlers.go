package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/events"
	"github.com/rileyhilliard/fleet/internal/jobs"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/transfer"
)

// listHosts handles GET /api/hosts
func (s *Server) listHosts(c echo.Context) error {
	hosts, err := s.deps.Store.ListHosts(c.Request().Context(), c.QueryParam("active") == "true")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, hosts)
}

// listTransfers handles GET /api/transfers?limit=N
func (s *Server) listTransfers(c echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	records, err := s.deps.Store.ListTransfers(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	now := s.now()
	views := make([]transfer.View, 0, len(records))
	for _, r := range records {
		views = append(views, transfer.Derive(r, now))
	}
	return c.JSON(http.StatusOK, views)
}

// getTransfer handles GET /api/transfers/:key
func (s *Server) getTransfer(c echo.Context) error {
	rec, err := s.deps.Store.GetTransferByKey(c.Request().Context(), c.Param("key"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, transfer.Derive(*rec, s.now()))
}

// getTransferByID handles GET /api/transfers/id/:id
func (s *Server) getTransferByID(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "id must be a number")
	}
	rec, err := s.deps.Store.GetTransferByID(c.Request().Context(), uint(id))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, transfer.Derive(*rec, s.now()))
}

// StartTransferRequest is the body of POST /api/transfers.
type StartTransferRequest struct {
	Direction  model.Direction `json:"direction" validate:"required,oneof=upload download"`
	HostID     uint            `json:"hostId" validate:"required"`
	RemotePath string          `json:"remotePath" validate:"required"`
	LocalPath  string          `json:"localPath" validate:"required"`
}

// startTransfer handles POST /api/transfers. The transfer runs in the
// background; the response carries its key for polling.
func (s *Server) startTransfer(c echo.Context) error {
	if s.deps.Runner == nil || s.deps.Tracker == nil {
		return errors.New(errors.ErrExec, "This server does not run transfers", "")
	}

	var req StartTransferRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	rec, err := s.deps.Tracker.Create(c.Request().Context(), transfer.Request{
		Direction:  req.Direction,
		HostID:     req.HostID,
		RemotePath: req.RemotePath,
		LocalPath:  req.LocalPath,
	})
	if err != nil {
		return err
	}

	key := rec.Key
	err = s.deps.Runner.Submit(jobs.Task{
		Name:   "transfer." + string(rec.Direction),
		HostID: rec.HostID,
		Run:    func(ctx context.Context) error { return s.deps.Tracker.Run(ctx, key) },
	})
	if err != nil {
		// Leave no orphan pending record behind.
		_, _ = s.deps.Tracker.Cancel(c.Request().Context(), key)
		return err
	}

	c.Response().Header().Set(echo.HeaderLocation, fmt.Sprintf("/api/transfers/%s", key))
	return c.JSON(http.StatusAccepted, transfer.Derive(*rec, s.now()))
}

// cancelTransfer handles POST /api/transfers/:key/cancel
func (s *Server) cancelTransfer(c echo.Context) error {
	if s.deps.Tracker == nil {
		return errors.New(errors.ErrExec, "This server does not run transfers", "")
	}
	rec, err := s.deps.Tracker.Cancel(c.Request().Context(), c.Param("key"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, transfer.Derive(*rec, s.now()))
}

// TestEventRequest is the body of POST /api/events/test.
type TestEventRequest struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
}

// TestEventResponse reports where the test event went.
type TestEventResponse struct {
	Channel     string `json:"channel"`
	Subscribers int    `json:"subscribers"`
}

// testEvent handles POST /api/events/test by broadcasting a test.broadcast
// event through the hub.
func (s *Server) testEvent(c echo.Context) error {
	if s.deps.Hub == nil {
		return errors.New(errors.ErrExec, "This server has no event hub", "")
	}

	var req TestEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Channel == "" {
		req.Channel = events.ChannelTest
	}
	if req.Message == "" {
		req.Message = "test broadcast"
	}

	s.deps.Hub.Publish(req.Channel, events.New(events.TestBroadcast, map[string]string{
		"message": req.Message,
		"sentAt":  s.now().UTC().Format(time.RFC3339),
	}))
	return c.JSON(http.StatusAccepted, TestEventResponse{Channel: req.Channel, Subscribers: s.deps.Hub.ClientCount()})
}
