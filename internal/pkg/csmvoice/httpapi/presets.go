package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"csmvoice/internal/pkg/csmvoice/preset"
	"csmvoice/internal/pkg/csmvoice/validation"
)

func (s *server) health(c *gin.Context) {
	body := gin.H{
		"status":    "ok",
		"message":   "CSM Speech Generator is running",
		"timestamp": float64(s.now().UnixNano()) / 1e9,
	}
	if s.engine == nil {
		c.JSON(http.StatusOK, body)
		return
	}

	body["engine_loaded"] = s.engine.Loaded()
	if err := s.engine.Check(c.Request.Context()); err != nil {
		s.log.Warn().Err(err).Msg("Health check failed")
		body["status"] = "degraded"
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *server) builtinVoices(c *gin.Context) {
	c.JSON(http.StatusOK, s.catalog.BuiltinVoices())
}

func (s *server) listPresets(c *gin.Context) {
	presets, err := s.catalog.List(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, presets)
}

func (s *server) createPreset(c *gin.Context) {
	var d preset.Draft
	if err := c.ShouldBindJSON(&d); err != nil {
		s.respondError(c, validation.Error("httpapi.create_preset", err))
		return
	}

	p, err := s.catalog.Create(c.Request.Context(), d)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *server) getPreset(c *gin.Context) {
	id, ok := presetID(c)
	if !ok {
		return
	}

	p, err := s.catalog.Get(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *server) updatePreset(c *gin.Context) {
	id, ok := presetID(c)
	if !ok {
		return
	}

	var d preset.Draft
	if err := c.ShouldBindJSON(&d); err != nil {
		s.respondError(c, validation.Error("httpapi.update_preset", err))
		return
	}

	p, err := s.catalog.Update(c.Request.Context(), id, d)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *server) deletePreset(c *gin.Context) {
	id, ok := presetID(c)
	if !ok {
		return
	}

	if err := s.catalog.Delete(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Preset deleted successfully"})
}

func (s *server) presetSamples(c *gin.Context) {
	id, ok := presetID(c)
	if !ok {
		return
	}

	samples, err := s.catalog.Samples(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, samples)
}

func (s *server) similarPresets(c *gin.Context) {
	rawSpeaker := strings.TrimSpace(c.Query("speaker_id"))
	rawTemp := strings.TrimSpace(c.Query("temperature"))
	rawMinP := strings.TrimSpace(c.Query("min_p"))
	if rawSpeaker == "" || rawTemp == "" || rawMinP == "" {
		badRequest(c, "Missing required parameters")
		return
	}

	speaker, err := strconv.Atoi(rawSpeaker)
	if err != nil {
		badRequest(c, "speaker_id must be an integer")
		return
	}
	temp, err := strconv.ParseFloat(rawTemp, 64)
	if err != nil {
		badRequest(c, "temperature must be a number")
		return
	}
	minP, err := strconv.ParseFloat(rawMinP, 64)
	if err != nil {
		badRequest(c, "min_p must be a number")
		return
	}

	presets, err := s.catalog.Similar(c.Request.Context(), preset.SimilarQuery{
		SpeakerID:   speaker,
		Temperature: temp,
		MinP:        minP,
		Seed:        c.Query("seed"),
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, presets)
}

func presetID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "Invalid preset id")
		return 0, false
	}
	return id, true
}
