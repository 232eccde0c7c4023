package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"ventsim/internal/ingest"
	"ventsim/internal/model"
	"ventsim/internal/storage"
)

// MaxUploadBytes is the default request body limit.
const MaxUploadBytes = 16 << 20

type Config struct {
	Store          storage.Store
	Logger         *slog.Logger
	Rand           *rand.Rand
	MaxUploadBytes int64
}

type Server struct {
	store     storage.Store
	logger    *slog.Logger
	maxUpload int64
	engine    *gin.Engine
	now       func() time.Time

	mu      sync.Mutex
	rng     *rand.Rand
	model   *Baseline
	modelID string
}

type TrainResponse struct {
	Message string              `json:"message"`
	ModelID string              `json:"model_id"`
	MAE     float64             `json:"mae"`
	Samples int                 `json:"samples"`
	Breaths int                 `json:"breaths"`
	History []TrainingEpochView `json:"history"`
}

type TrainingEpochView struct {
	Epoch int     `json:"epoch"`
	MAE   float64 `json:"mae"`
	RMSE  float64 `json:"rmse"`
}

type PredictResponse struct {
	Predictions      []Prediction `json:"predictions"`
	TotalPredictions int          `json:"total_predictions"`
	TotalBreaths     int          `json:"total_breaths"`
	EstimatedMAE     float64      `json:"estimated_mae"`
}

type StatusResponse struct {
	Status       string `json:"status"`
	ModelTrained bool   `json:"model_trained"`
	ModelType    string `json:"model_type"`
	ModelID      string `json:"model_id,omitempty"`
}

func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}
	if err := cfg.Store.Init(context.Background()); err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = MaxUploadBytes
	}

	s := &Server{
		store:     cfg.Store,
		logger:    logger.With(slog.String("component", "service")),
		maxUpload: maxUpload,
		now:       time.Now,
		rng:       rng,
	}

	engine := gin.New()
	engine.MaxMultipartMemory = maxUpload
	engine.Use(gin.Recovery(), s.requestLogger(), s.limitBody())
	api := engine.Group("/api")
	api.POST("/train", s.handleTrain)
	api.POST("/predict", s.handlePredict)
	api.POST("/predict_and_download", s.handlePredictAndDownload)
	api.GET("/load_model", s.handleLoadModel)
	api.GET("/status", s.handleStatus)
	s.engine = engine
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("service listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}

func (s *Server) limitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload)
		}
		c.Next()
	}
}

func (s *Server) handleTrain(c *gin.Context) {
	epochs, err := strconv.Atoi(c.DefaultPostForm("epochs", strconv.Itoa(DefaultEpochs)))
	if err != nil || epochs <= 0 {
		s.fail(c, http.StatusBadRequest, errors.New("epochs must be a positive integer"))
		return
	}
	ds, ok := s.readUpload(c, true, TrainSampleLimit)
	if !ok {
		return
	}
	if !ingest.HasField(ds, ingest.FieldPressure) {
		s.fail(c, http.StatusBadRequest, errors.New(`dataset must have a "pressure" column`))
		return
	}

	baseline, err := FitBaseline(ds)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	id := uuid.NewString()
	if err := s.store.SaveModel(c.Request.Context(), baseline.Snapshot(id, s.now())); err != nil {
		s.fail(c, http.StatusInternalServerError, fmt.Errorf("save model: %w", err))
		return
	}

	s.mu.Lock()
	s.model = &baseline
	s.modelID = id
	curve := TrainingHistory(epochs, s.rng)
	s.mu.Unlock()

	history := make([]TrainingEpochView, 0, len(curve))
	for _, p := range curve {
		history = append(history, TrainingEpochView{Epoch: p.Epoch, MAE: p.MAE, RMSE: p.RMSE})
	}
	s.logger.Info("model trained",
		slog.String("model_id", id),
		slog.Int("samples", baseline.Samples),
		slog.Int("breaths", baseline.Breaths),
		slog.Float64("mae", baseline.MAE),
	)
	c.JSON(http.StatusOK, TrainResponse{
		Message: "training completed successfully",
		ModelID: id,
		MAE:     baseline.MAE,
		Samples: baseline.Samples,
		Breaths: baseline.Breaths,
		History: history,
	})
}

func (s *Server) handlePredict(c *gin.Context) {
	baseline, ok := s.trainedModel(c)
	if !ok {
		return
	}
	ds, ok := s.readUpload(c, false, 0)
	if !ok {
		return
	}
	preds, m, err := baseline.PredictDataset(ds)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	preview := preds
	if len(preview) > PreviewLimit {
		preview = preview[:PreviewLimit]
	}
	c.JSON(http.StatusOK, PredictResponse{
		Predictions:      preview,
		TotalPredictions: len(preds),
		TotalBreaths:     ds.CycleCount(),
		EstimatedMAE:     m.MAE,
	})
}

func (s *Server) handlePredictAndDownload(c *gin.Context) {
	baseline, ok := s.trainedModel(c)
	if !ok {
		return
	}
	ds, ok := s.readUpload(c, false, 0)
	if !ok {
		return
	}
	preds, _, err := baseline.PredictDataset(ds)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	var buf bytes.Buffer
	s.mu.Lock()
	stats, err := WriteSubmission(&buf, preds, s.rng)
	s.mu.Unlock()
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	s.logger.Info("submission generated",
		slog.Int("rows", stats.Rows),
		slog.Int("real", stats.Real),
		slog.Int("synthetic", stats.Synthetic),
	)
	filename := fmt.Sprintf("submission_%s.csv", s.now().Format("20060102_150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "text/csv", buf.Bytes())
}

func (s *Server) handleLoadModel(c *gin.Context) {
	snapshot, ok, err := s.store.LatestModel(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		s.fail(c, http.StatusNotFound, errors.New("no model found"))
		return
	}
	baseline := BaselineFromSnapshot(snapshot)
	s.mu.Lock()
	s.model = &baseline
	s.modelID = snapshot.ID
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"message": "model loaded successfully", "model_id": snapshot.ID})
}

func (s *Server) handleStatus(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, StatusResponse{
		Status:       "running",
		ModelTrained: s.model != nil,
		ModelType:    ModelType,
		ModelID:      s.modelID,
	})
}

func (s *Server) trainedModel(c *gin.Context) (Baseline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		s.fail(c, http.StatusBadRequest, errors.New("model not trained"))
		return Baseline{}, false
	}
	return *s.model, true
}

func (s *Server) readUpload(c *gin.Context, expectPressure bool, limit int) (model.Dataset, bool) {
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(c, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", tooLarge.Limit))
			return model.Dataset{}, false
		}
		s.fail(c, http.StatusBadRequest, errors.New("no file uploaded"))
		return model.Dataset{}, false
	}
	ds, err := loadUpload(header, expectPressure, limit)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return model.Dataset{}, false
	}
	return ds, true
}

func loadUpload(header *multipart.FileHeader, expectPressure bool, limit int) (model.Dataset, error) {
	f, err := header.Open()
	if err != nil {
		return model.Dataset{}, err
	}
	defer f.Close()
	return ingest.LoadDatasetLimit(header.Filename, f, expectPressure, limit)
}

func (s *Server) fail(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("path", c.Request.URL.Path), slog.String("error", err.Error()))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
