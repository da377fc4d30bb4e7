package web

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-uwb/pkg/geometry"
	"github.com/teslashibe/go-uwb/pkg/protocol"
	"github.com/teslashibe/go-uwb/pkg/ranging"
	"github.com/teslashibe/go-uwb/pkg/stream"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// handlePositions runs a single estimation pass for a room and topic.
// GET /api/rooms/:id/positions?mqtt_topic=1234567
func (s *Server) handlePositions(c *fiber.Ctx) error {
	subject, _ := c.Locals(subjectKey).(string)
	req := protocol.StartRequest{
		RoomID: c.Params("id"),
		Topic:  c.Query("mqtt_topic"),
	}

	sub, err := s.engine.Open(c.UserContext(), subject, req)
	if err != nil {
		return s.errorResponse(c, err)
	}
	update, err := s.engine.Pass(c.UserContext(), sub)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(update)
}

func (s *Server) errorResponse(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(protocol.ErrorData{Msg: stream.ClientMessage(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrMissingField),
		errors.Is(err, ranging.ErrInvalidTopic),
		errors.Is(err, stream.ErrInvalidInterval),
		errors.Is(err, geometry.ErrInvalidGeometry):
		return fiber.StatusBadRequest
	case errors.Is(err, stream.ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, stream.ErrRoomNotFound),
		errors.Is(err, stream.ErrNoData):
		return fiber.StatusNotFound
	default:
		return fiber.StatusInternalServerError
	}
}
