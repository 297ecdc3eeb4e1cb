package handlers

import (
	"log"

	"github.com/gin-gonic/gin"

	"velora_back_end/internal/apperr"
)

// respondError traduit une erreur métier vers le statut HTTP de sa
// catégorie ; les fautes internes sont loguées et masquées.
func respondError(c *gin.Context, err error) {
	e := apperr.From(err)
	if e.Kind == apperr.KindInternal {
		log.Printf("❌ %s %s: %v", c.Request.Method, c.Request.URL.Path, e)
	}
	c.JSON(e.HTTPStatus(), gin.H{"error": e.PublicMessage()})
}
