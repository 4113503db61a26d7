package controllers

import (
	"crypto/subtle"
	"log"

	"github.com/gofiber/fiber/v2"

	"leadflow/config"
	"leadflow/utils"
)

type AuthController struct {
	Logger *log.Logger
}

func NewAuthController(logger *log.Logger) *AuthController {
	return &AuthController{Logger: logger}
}

type tokenRequest struct {
	Client    string `json:"client" validate:"required,min=2,max=64"`
	MasterKey string `json:"master_key" validate:"required"`
}

// IssueToken exchanges the API master key for a short-lived bearer token.
func (ac *AuthController) IssueToken(c *fiber.Ctx) error {
	var req tokenRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	if subtle.ConstantTimeCompare([]byte(req.MasterKey), []byte(config.AppConfig.APIMasterKey)) != 1 {
		ac.Logger.Printf("Rejected token request for client %q", req.Client)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid master key",
		})
	}

	token, err := utils.GenerateAPIToken(req.Client)
	if err != nil {
		ac.Logger.Printf("Failed to generate token: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate token",
		})
	}

	return c.JSON(fiber.Map{
		"token":      token,
		"token_type": "Bearer",
	})
}
