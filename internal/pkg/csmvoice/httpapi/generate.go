package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"csmvoice/internal/pkg/csmvoice/artifact"
	"csmvoice/internal/pkg/csmvoice/generate"
	"csmvoice/internal/pkg/csmvoice/validation"
)

type generateBody struct {
	Text        *string         `json:"text"`
	Speaker     json.RawMessage `json:"speaker"`
	Temperature *float64        `json:"temperature" binding:"omitempty,gte=0"`
	MinP        *float64        `json:"min_p" binding:"omitempty,gte=0,lte=1"`
	MaxDuration *int            `json:"max_duration" binding:"omitempty,gte=0"`
	Seed        json.RawMessage `json:"seed"`
	AutoSave    bool            `json:"auto_save"`
}

// generateForm is the form-encoded variant. Numeric fields that do not parse
// fail the bind.
type generateForm struct {
	Text        *string  `form:"text" json:"text"`
	Speaker     string   `form:"speaker" json:"speaker"`
	Temperature *float64 `form:"temperature" json:"temperature" binding:"omitempty,finite,gte=0"`
	MinP        *float64 `form:"min_p" json:"min_p" binding:"omitempty,finite,gte=0,lte=1"`
	MaxDuration *int     `form:"max_duration" json:"max_duration" binding:"omitempty,gte=0"`
	Seed        string   `form:"seed" json:"seed"`
	AutoSave    string   `form:"auto_save" json:"auto_save"`
}

func (s *server) generate(c *gin.Context) {
	req, err := s.parseGenerate(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, generate.FailureResult(err))
		return
	}

	res, err := s.generator.Generate(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), generate.FailureResult(err))
		return
	}
	c.JSON(http.StatusOK, res)
}

// parseGenerate reads a form or JSON body. Missing fields take the configured
// defaults; an unparseable speaker falls back to 0.
func (s *server) parseGenerate(c *gin.Context) (generate.Request, error) {
	const op = "httpapi.generate"
	opts := s.generator.Options()

	req := generate.Request{
		Text:          opts.DefaultText,
		Temperature:   opts.DefaultTemperature,
		MinP:          opts.DefaultMinP,
		MaxDurationMs: opts.DefaultMaxDurationMs,
	}

	if c.ContentType() == gin.MIMEJSON {
		var body generateBody
		if err := c.ShouldBindJSON(&body); err != nil {
			return req, validation.Error(op, err)
		}
		overlay(&req, body.Text, body.Temperature, body.MinP, body.MaxDuration)
		req.SpeakerID = parseSpeaker(rawString(body.Speaker))
		req.Seed = rawString(body.Seed)
		req.AutoSave = body.AutoSave
		return req, nil
	}

	var form generateForm
	if err := c.ShouldBindWith(&form, binding.Form); err != nil {
		return req, validation.Error(op, err)
	}
	overlay(&req, form.Text, form.Temperature, form.MinP, form.MaxDuration)
	req.SpeakerID = parseSpeaker(form.Speaker)
	req.Seed = form.Seed
	req.AutoSave = form.AutoSave == "true"

	return req, nil
}

// overlay copies the supplied fields over the defaults in req.
func overlay(req *generate.Request, text *string, temperature, minP *float64, maxDuration *int) {
	if text != nil {
		req.Text = *text
	}
	if temperature != nil {
		req.Temperature = *temperature
	}
	if minP != nil {
		req.MinP = *minP
	}
	if maxDuration != nil {
		req.MaxDurationMs = *maxDuration
	}
}

func parseSpeaker(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}

// rawString accepts a JSON string or number.
func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (s *server) serveAudio(c *gin.Context) {
	path, err := s.files.Resolve(artifact.Web, c.Param("file"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.File(path)
}

func (s *server) downloadAudio(c *gin.Context) {
	name := c.Param("file")
	path, err := s.files.Resolve(artifact.Download, name)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.FileAttachment(path, name)
}
