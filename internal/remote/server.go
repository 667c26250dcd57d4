package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	sentryfiber "github.com/getsentry/sentry-go/fiber"
	jwtware "github.com/gofiber/contrib/jwt"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/golang-jwt/jwt/v5"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Remote stores the records. Required.
	Remote Remote

	// JWTSecret signs and verifies bearer tokens. Required.
	JWTSecret string

	// SentryDSN enables error reporting when set.
	SentryDSN string

	// Environment is reported to Sentry.
	Environment string

	// Logger defaults to stderr with a [server] prefix.
	Logger *log.Logger
}

// Server serves save records over HTTP. A token may only access the
// record of its own subject.
type Server struct {
	app    *fiber.App
	remote Remote
	logger *log.Logger
	sentry bool
}

// Pinger is implemented by remotes that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewServer builds the HTTP server and its routes.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("server: remote is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("server: jwt secret is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}

	s := &Server{remote: cfg.Remote, logger: logger}
	s.app = fiber.New(fiber.Config{
		BodyLimit:             8 * 1024 * 1024,
		ErrorHandler:          s.handleError,
		DisableStartupMessage: true,
	})

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      cfg.Environment,
		}); err != nil {
			logger.Printf("Warning: sentry init failed: %v", err)
		} else {
			s.sentry = true
			s.app.Use(sentryfiber.New(sentryfiber.Options{
				Repanic:         true,
				WaitForDelivery: false,
			}))
		}
	}

	s.app.Use(recover.New())
	s.app.Use(requestid.New())
	s.app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} | ${status} | ${latency} | ${method} | ${path}\n",
		Output: logger.Writer(),
	}))

	s.app.Get("/health", s.health)

	v1 := s.app.Group("/v1", jwtware.New(jwtware.Config{
		SigningKey: jwtware.SigningKey{Key: []byte(cfg.JWTSecret)},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusUnauthorized).JSON(errorBody{
				Error:   true,
				Message: "Unauthorized: invalid or expired token",
			})
		},
	}))
	v1.Get("/saves/:user_id", s.authorize, s.getSave)
	v1.Get("/saves/:user_id/meta", s.authorize, s.getMeta)
	v1.Put("/saves/:user_id", s.authorize, s.putSave)
	return s, nil
}

// App returns the fiber application, for tests and embedding.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Printf("listening on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown stops the server and flushes error reports.
func (s *Server) Shutdown() error {
	if s.sentry {
		sentry.Flush(2 * time.Second)
	}
	return s.app.Shutdown()
}

type errorBody struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}
	if code >= 500 {
		s.logger.Printf("%s %s failed: %v", c.Method(), c.Path(), err)
		message = "Internal server error"
	}
	return c.Status(code).JSON(errorBody{Error: true, Message: message})
}

func (s *Server) health(c *fiber.Ctx) error {
	status := "ok"
	if p, ok := s.remote.(Pinger); ok {
		if err := p.Ping(c.UserContext()); err != nil {
			status = "unhealthy: " + err.Error()
		}
	}
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"store":     status,
	})
}

// authorize rejects tokens whose subject is not the requested user.
func (s *Server) authorize(c *fiber.Ctx) error {
	token, ok := c.Locals("user").(*jwt.Token)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing sub claim")
	}
	if sub != c.Params("user_id") {
		return fiber.NewError(fiber.StatusForbidden, "token does not grant access to this user")
	}
	return c.Next()
}

func (s *Server) getSave(c *fiber.Ctx) error {
	rec, err := s.remote.Fetch(c.UserContext(), c.Params("user_id"))
	if errors.Is(err, ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "no save for this user")
	}
	if err != nil {
		return err
	}
	return c.JSON(rec)
}

func (s *Server) getMeta(c *fiber.Ctx) error {
	meta, err := s.remote.FetchMeta(c.UserContext(), c.Params("user_id"))
	if errors.Is(err, ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "no save for this user")
	}
	if err != nil {
		return err
	}
	return c.JSON(meta)
}

func (s *Server) putSave(c *fiber.Ctx) error {
	var rec SaveRecord
	if err := c.BodyParser(&rec); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid save record")
	}
	if rec.SaveData == nil {
		return fiber.NewError(fiber.StatusBadRequest, "save_data is required")
	}
	rec.UserID = c.Params("user_id")

	stored, err := s.remote.Upsert(c.UserContext(), &rec)
	if err != nil {
		return err
	}
	return c.JSON(stored)
}

// IssueToken mints a bearer token for userID, valid for ttl.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	if secret == "" || userID == "" {
		return "", fmt.Errorf("issue token: secret and user id are required")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
