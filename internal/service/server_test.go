package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"ventsim/internal/collab"
	"ventsim/internal/storage"
)

const unlabelled = "id,breath_id,R,C,time_step,u_in,u_out\n" +
	"1,1,20,50,0,0,0\n" +
	"2,1,20,50,0.1,10,0\n" +
	"5,2,50,10,0.1,5,1\n"

func newTestServer(t *testing.T, store storage.Store, maxUpload int64) (*Server, *collab.Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv, err := New(Config{
		Store:          store,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Rand:           rand.New(rand.NewSource(11)),
		MaxUploadBytes: maxUpload,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return srv, collab.NewClient(httpSrv.URL, httpSrv.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestServerTrainPredictAndDownload(t *testing.T) {
	store := storage.NewMemoryStore()
	_, client := newTestServer(t, store, 0)
	ctx := context.Background()

	if _, err := client.Predict(ctx, "test.csv", strings.NewReader(unlabelled)); !errors.Is(err, collab.ErrRemote) {
		t.Fatalf("expected predict before training to fail, got %v", err)
	}

	trained, err := client.Train(ctx, "train.csv", strings.NewReader(labelled), 20)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if trained.Samples != 4 || trained.Breaths != 2 || len(trained.History) != 20 || trained.ModelID == "" {
		t.Fatalf("unexpected train result: %+v", trained)
	}
	if _, ok, _ := store.GetModel(ctx, trained.ModelID); !ok {
		t.Fatal("expected model snapshot persisted")
	}

	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != "running" || !status.ModelTrained || status.ModelType != ModelType {
		t.Fatalf("unexpected status: %+v", status)
	}

	predicted, err := client.Predict(ctx, "test.csv", strings.NewReader(unlabelled))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if predicted.TotalPredictions != 3 || predicted.TotalBreaths != 2 || len(predicted.Predictions) != 3 {
		t.Fatalf("unexpected predict result: %+v", predicted)
	}
	if predicted.Predictions[2].ID.String() != "5" || predicted.EstimatedMAE <= 0 {
		t.Fatalf("unexpected predictions: %+v", predicted)
	}

	var out bytes.Buffer
	if _, err := client.PredictCSV(ctx, "test.csv", strings.NewReader(unlabelled), &out); err != nil {
		t.Fatalf("predict csv: %v", err)
	}
	rows, err := csv.NewReader(&out).ReadAll()
	if err != nil {
		t.Fatalf("read submission: %v", err)
	}
	// ids 1..5 with 3 and 4 filled in.
	if len(rows) != 6 || rows[0][1] != "pressure" || rows[5][0] != "5" {
		t.Fatalf("unexpected submission: %v", rows)
	}
}

func TestServerTrainRequiresPressureColumn(t *testing.T) {
	_, client := newTestServer(t, nil, 0)
	_, err := client.Train(context.Background(), "test.csv", strings.NewReader(unlabelled), 0)
	if !errors.Is(err, collab.ErrRemote) || !strings.Contains(err.Error(), "pressure") {
		t.Fatalf("expected pressure column error, got %v", err)
	}
}

func TestServerLoadModelRestoresLatestSnapshot(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	_, first := newTestServer(t, store, 0)
	if _, err := first.LoadModel(ctx); !errors.Is(err, collab.ErrRemote) {
		t.Fatalf("expected missing model error, got %v", err)
	}
	trained, err := first.Train(ctx, "train.csv", strings.NewReader(labelled), 5)
	if err != nil {
		t.Fatalf("train: %v", err)
	}

	_, second := newTestServer(t, store, 0)
	status, err := second.Status(ctx)
	if err != nil || status.ModelTrained {
		t.Fatalf("expected untrained fresh server: %+v err=%v", status, err)
	}
	loaded, err := second.LoadModel(ctx)
	if err != nil {
		t.Fatalf("load model: %v", err)
	}
	if loaded.ModelID != trained.ModelID {
		t.Fatalf("expected model %s, got %s", trained.ModelID, loaded.ModelID)
	}
	if _, err := second.Predict(ctx, "test.csv", strings.NewReader(unlabelled)); err != nil {
		t.Fatalf("predict after load: %v", err)
	}
}

func TestServerRejectsMissingFileAndBadEpochs(t *testing.T) {
	srv, _ := newTestServer(t, nil, 0)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/train", strings.NewReader(""))
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "no file uploaded") {
		t.Fatalf("expected missing file error, got %d %s", rec.Code, rec.Body.String())
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("file", "train.csv")
	_, _ = io.WriteString(part, labelled)
	_ = mw.WriteField("epochs", "zero")
	_ = mw.Close()
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/train", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "epochs") {
		t.Fatalf("expected epochs error, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestServerRejectsOversizedUpload(t *testing.T) {
	_, client := newTestServer(t, nil, 256)
	big := labelled + strings.Repeat("9,9,20,50,0.1,10,0,2005.02\n", 64)
	if _, err := client.Train(context.Background(), "train.csv", strings.NewReader(big), 1); !errors.Is(err, collab.ErrRemote) {
		t.Fatalf("expected oversized upload to fail, got %v", err)
	}
}
