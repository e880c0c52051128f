// Package httpapi exposes preset management and speech generation over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"csmvoice/internal/pkg/csmvoice/artifact"
	"csmvoice/internal/pkg/csmvoice/generate"
	"csmvoice/internal/pkg/csmvoice/observe"
	"csmvoice/internal/pkg/csmvoice/preset"
	"csmvoice/internal/pkg/csmvoice/validation"
)

type Catalog interface {
	Create(ctx context.Context, d preset.Draft) (preset.Preset, error)
	Update(ctx context.Context, id int64, d preset.Draft) (preset.Preset, error)
	Get(ctx context.Context, id int64) (preset.Preset, error)
	List(ctx context.Context) ([]preset.Preset, error)
	Delete(ctx context.Context, id int64) error
	Samples(ctx context.Context, id int64) ([]preset.Sample, error)
	Similar(ctx context.Context, q preset.SimilarQuery) ([]preset.Preset, error)
	BuiltinVoices() map[string][]preset.BuiltinVoice
}

type Generator interface {
	Generate(ctx context.Context, req generate.Request) (*generate.Result, error)
	Options() generate.Options
}

type Files interface {
	Resolve(tree artifact.Tree, name string) (string, error)
}

// EngineStatus reports on the speech engine for /health.
type EngineStatus interface {
	Loaded() bool
	Check(ctx context.Context) error
}

type Options struct {
	Catalog   Catalog
	Generator Generator
	Files     Files
	Metrics   *observe.Metrics
	Logger    zerolog.Logger
	// MetricsHandler is mounted on /metrics when set.
	MetricsHandler http.Handler
	Debug          bool
	// Engine is optional; without it /health only reports the process.
	Engine EngineStatus
}

type server struct {
	catalog   Catalog
	generator Generator
	files     Files
	engine    EngineStatus
	log       zerolog.Logger
	now       func() time.Time
}

// NewRouter builds the gin engine with logging, recovery, CORS and metrics
// middlewares and every route registered.
func NewRouter(opts Options) *gin.Engine {
	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	configureBinding()

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(loggingMiddleware(opts.Logger))
	if opts.Metrics != nil {
		engine.Use(metricsMiddleware(opts.Metrics))
	}

	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:   []string{"Content-Length", "Content-Disposition"},
		MaxAge:          12 * time.Hour,
	}))

	s := &server{
		catalog:   opts.Catalog,
		generator: opts.Generator,
		files:     opts.Files,
		engine:    opts.Engine,
		log:       opts.Logger,
		now:       time.Now,
	}

	engine.GET("/health", s.health)
	engine.GET("/voice_presets", s.builtinVoices)

	api := engine.Group("/api/presets")
	api.GET("", s.listPresets)
	api.POST("", s.createPreset)
	api.GET("/similar", s.similarPresets)
	api.GET("/:id", s.getPreset)
	api.PUT("/:id", s.updatePreset)
	api.DELETE("/:id", s.deletePreset)
	api.GET("/:id/samples", s.presetSamples)

	engine.POST("/generate", s.generate)
	engine.GET("/static/audio/:file", s.serveAudio)
	engine.GET("/download/:file", s.downloadAudio)

	if opts.MetricsHandler != nil {
		engine.GET("/metrics", gin.WrapH(opts.MetricsHandler))
	}

	return engine
}

var bindingOnce sync.Once

// configureBinding gives gin's validator the custom rules and JSON field
// names used by the validation package.
func configureBinding() {
	bindingOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		if err := validation.Configure(v); err != nil {
			panic("httpapi: " + err.Error())
		}
	})
}

func loggingMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		if status >= http.StatusInternalServerError {
			event = log.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

func metricsMiddleware(m *observe.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Context(), c.Request.Method, route, c.Writer.Status(), time.Since(start).Seconds())
	}
}
