package api

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
)

// adaptHandler bridges a standard net/http.Handler into a fiber.Handler
// using the framework's own adaptor middleware.
func adaptHandler(h http.Handler) fiber.Handler {
	return adaptor.HTTPHandler(h)
}
