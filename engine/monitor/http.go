// Package monitor предоставляет read-only HTTP поверхность наблюдения
// за движком: счетчики, журнал outbox, dead-letter строки и состояние
// отдельных саг, плюс действие возврата dead-letter строки в очередь.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akriventsev/stepflow/engine/core"
	"github.com/akriventsev/stepflow/engine/observability"
	"github.com/akriventsev/stepflow/engine/store"
)

// Store поверхность хранилища, нужная монитору
type Store interface {
	store.Monitor
	LoadSaga(ctx context.Context, correlationID uuid.UUID) (*store.SagaInstance, error)
	RequeueOutbox(ctx context.Context, id uuid.UUID) error
}

// Config конфигурация HTTP сервера мониторинга
type Config struct {
	Addr            string
	DefaultLimit    int
	ShutdownTimeout time.Duration
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	return nil
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		DefaultLimit:    50,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server HTTP сервер мониторинга
type Server struct {
	config Config
	store  Store
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	srv     *http.Server
}

// NewServer создает сервер мониторинга
func NewServer(config Config, st Store) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "invalid monitor config")
	}
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = DefaultConfig().DefaultLimit
	}
	return &Server{
		config: config,
		store:  st,
		logger: zap.NewNop(),
	}, nil
}

// WithLogger устанавливает логгер
func (s *Server) WithLogger(logger *zap.Logger) *Server {
	s.logger = logger
	return s
}

// Name возвращает имя компонента
func (s *Server) Name() string { return "monitor-http" }

// Type возвращает тип компонента
func (s *Server) Type() core.ComponentType { return core.ComponentTypeAdapter }

// Router возвращает настроенный gin router
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.HTTPTracingMiddleware("stepflow-monitor"))

	router.GET("/health", s.handleHealth)
	router.GET("/stats", s.handleStats)
	router.GET("/outbox/recent", s.handleRecentOutbox)
	router.GET("/outbox/dead-letters", s.handleDeadLetters)
	router.POST("/outbox/:id/requeue", s.handleRequeue)
	router.GET("/sagas/:id", s.handleSaga)
	return router
}

// Start запускает HTTP сервер
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.srv = &http.Server{
		Addr:    s.config.Addr,
		Handler: s.Router(),
	}
	s.running = true

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("monitor server failed", zap.Error(err))
		}
	}()
	s.logger.Info("monitor server started", zap.String("addr", s.config.Addr))
	return nil
}

// Stop останавливает HTTP сервер
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.srv
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// IsRunning проверяет, запущен ли сервер
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()

	records, err := s.store.CountRecords(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	pending, err := s.store.CountUnprocessedOutbox(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	byState, err := s.store.CountSagasByState(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records":            records,
		"unprocessed_outbox": pending,
		"sagas_by_state":     byState,
	})
}

func (s *Server) handleRecentOutbox(c *gin.Context) {
	rows, err := s.store.RecentOutbox(c.Request.Context(), s.limit(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": toOutboxViews(rows)})
}

func (s *Server) handleDeadLetters(c *gin.Context) {
	rows, err := s.store.DeadLetteredOutbox(c.Request.Context(), s.limit(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": toOutboxViews(rows)})
}

func (s *Server) handleRequeue(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid outbox row id"})
		return
	}

	if err := s.store.RequeueOutbox(c.Request.Context(), id); err != nil {
		if errors.Is(err, core.NotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "outbox row not found"})
			return
		}
		s.fail(c, err)
		return
	}
	s.logger.Info("outbox row requeued", zap.String("outbox_id", id.String()))
	c.JSON(http.StatusOK, gin.H{"status": "requeued"})
}

func (s *Server) handleSaga(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid correlation id"})
		return
	}

	instance, err := s.store.LoadSaga(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, core.NotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "saga not found"})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, instance)
}

func (s *Server) limit(c *gin.Context) int {
	raw := c.Query("limit")
	if raw == "" {
		return s.config.DefaultLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return s.config.DefaultLimit
	}
	return limit
}

func (s *Server) fail(c *gin.Context, err error) {
	s.logger.Error("monitor request failed",
		zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// outboxView сериализуемое представление строки outbox
type outboxView struct {
	ID           uuid.UUID  `json:"id"`
	Seq          int64      `json:"seq"`
	EventType    string     `json:"event_type"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Processed    bool       `json:"processed"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	RetryCount   int        `json:"retry_count"`
	LastError    string     `json:"last_error,omitempty"`
	DeadLettered bool       `json:"dead_lettered"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toOutboxViews(rows []store.OutboxRow) []outboxView {
	views := make([]outboxView, 0, len(rows))
	for _, row := range rows {
		views = append(views, outboxView{
			ID:           row.ID,
			Seq:          row.Seq,
			EventType:    row.EventType,
			ScheduledFor: row.ScheduledFor,
			Processed:    row.Processed,
			ProcessedAt:  row.ProcessedAt,
			RetryCount:   row.RetryCount,
			LastError:    row.LastError,
			DeadLettered: row.DeadLettered(),
			CreatedAt:    row.CreatedAt,
		})
	}
	return views
}
