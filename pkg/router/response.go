package router

import (
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/whatsapp-session-bridge/pkg/log"
)

// ErrorResponse is the fixed error body shape of the control surface: the
// underlying message is echoed to the caller without classification.
type ErrorResponse struct {
	Error string `json:"error"`
}

func logSuccess(c *fiber.Ctx, code int) {
	log.Print(c).Info(fmt.Sprintf("%d %v", code, http.StatusText(code)))
}

func logError(c *fiber.Ctx, code int, message string) {
	if message == "" {
		message = http.StatusText(code)
	}
	log.Print(c).Error(fmt.Sprintf("%d %v", code, message))
}

// ResponseOK logs and sends a 200 with the handler-specific body.
func ResponseOK(c *fiber.Ctx, data interface{}) error {
	logSuccess(c, fiber.StatusOK)
	return c.Status(fiber.StatusOK).JSON(data)
}

func ResponseNoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}

func ResponseBadRequest(c *fiber.Ctx, message string) error {
	logError(c, fiber.StatusBadRequest, message)
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: message})
}

func ResponseNotFound(c *fiber.Ctx, message string) error {
	logError(c, fiber.StatusNotFound, message)
	return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: message})
}

func ResponseInternalError(c *fiber.Ctx, message string) error {
	logError(c, fiber.StatusInternalServerError, message)
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: message})
}
