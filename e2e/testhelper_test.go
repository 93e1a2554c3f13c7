package e2e

import (
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hibiken/asynq"

	"github.com/transcritor/api/internal/config"
	"github.com/transcritor/api/internal/handler"
	"github.com/transcritor/api/internal/middleware"
	"github.com/transcritor/api/internal/model"
	"github.com/transcritor/api/internal/service"
	"github.com/transcritor/api/internal/taskstore"
)

const testJWTSecret = "test-secret-for-e2e"

// testApp holds all components needed for testing
type testApp struct {
	app     *fiber.App
	service *service.TranscriptionService
	store   *taskstore.Store
}

// noopEnqueuer accepts every task without needing Redis. The worker
// never runs in these tests; tasks stay queued unless a test advances
// them through the service.
type noopEnqueuer struct{}

func (noopEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return &asynq.TaskInfo{ID: "queued"}, nil
}

// setupApp creates a Fiber app wired like main.go but without the
// asynq worker server or any external backends.
func setupApp(t *testing.T) *testApp {
	return setupAppWithCeiling(t, 10)
}

func setupAppWithCeiling(t *testing.T, maxActive int) *testApp {
	t.Helper()

	dir := t.TempDir()
	store, err := taskstore.New(filepath.Join(dir, "tasks"))
	if err != nil {
		t.Fatalf("taskstore.New: %v", err)
	}

	validate := validator.New()

	svc := service.NewTranscriptionService(store, noopEnqueuer{}, nil, &config.PipelineConfig{
		MaxActiveTasks: maxActive,
		TranscriptsDir: filepath.Join(dir, "transcriptions"),
	})
	transcriptionHandler := handler.NewTranscriptionHandler(svc, validate)

	authMiddleware := middleware.NewAuthMiddleware(testJWTSecret, 1)

	app := fiber.New(fiber.Config{
		BodyLimit: 50 * 1024 * 1024,
	})

	app.Get("/ping", func(c *fiber.Ctx) error {
		return c.SendString("pong")
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(model.HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			Version:     "test",
			ActiveTasks: svc.ActiveCount(),
			Provider:    "none",
		})
	})

	api := app.Group("/api", authMiddleware.Authenticate())

	transcriptions := api.Group("/transcriptions")
	transcriptions.Post("/", transcriptionHandler.Submit)
	transcriptions.Get("/", transcriptionHandler.List)
	transcriptions.Get("/:taskId", transcriptionHandler.Status)
	transcriptions.Get("/:taskId/transcript", transcriptionHandler.Transcript)
	transcriptions.Delete("/:taskId", transcriptionHandler.Delete)

	return &testApp{app: app, service: svc, store: store}
}

// generateToken creates an HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	claims := middleware.UserClaims{
		UserID: "test-user-123",
		Email:  "test@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "transcritor-api",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
