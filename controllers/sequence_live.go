package controllers

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"

	"leadflow/models"
)

type LiveController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewLiveController(db *gorm.DB, logger *log.Logger) *LiveController {
	return &LiveController{DB: db, Logger: logger}
}

// Upgrade gates the websocket handshake.
func (lc *LiveController) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// StreamEvents pushes the sequence's email events to the client as they are
// appended to the log. The cursor is the last event id seen, so reconnecting
// clients start from the present rather than replaying history.
func (lc *LiveController) StreamEvents() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		sequenceID := conn.Params("id")
		defer conn.Close()

		var lastID uint
		lc.DB.Model(&models.EmailEvent{}).
			Where("sequence_id = ?", sequenceID).
			Select("COALESCE(MAX(id), 0)").
			Scan(&lastID)

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		for range ticker.C {
			var events []models.EmailEvent
			err := lc.DB.
				Where("sequence_id = ? AND id > ?", sequenceID, lastID).
				Order("id").Limit(100).
				Find(&events).Error
			if err != nil {
				lc.Logger.Printf("Live stream query failed: %v", err)
				return
			}

			for _, event := range events {
				if err := conn.WriteJSON(event); err != nil {
					return
				}
				lastID = event.ID
			}
		}
	})
}
