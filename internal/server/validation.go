package server

import (
	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

const roomCodeTag = "roomcode"

func registerValidators() error {
	engine, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return nil
	}
	return engine.RegisterValidation(roomCodeTag, func(field validator.FieldLevel) bool {
		return sessions.ValidRoomCode(field.Field().String())
	})
}
