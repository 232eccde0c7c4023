// Package collab talks to the remote prediction collaborator over HTTP.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ventsim/internal/model"
)

// ErrRemote wraps every failure reported by, or on the way to, the collaborator.
var ErrRemote = errors.New("remote collaborator error")

// DerivedRMSEFactor turns the collaborator's estimated MAE into a displayed RMSE.
const DerivedRMSEFactor = 1.3

const defaultTimeout = 5 * time.Minute

type EpochMetrics struct {
	Epoch int     `json:"epoch"`
	MAE   float64 `json:"mae"`
	RMSE  float64 `json:"rmse"`
}

// Prediction ids decode from either JSON numbers or numeric strings.
type Prediction struct {
	ID       json.Number `json:"id"`
	BreathID json.Number `json:"breath_id"`
	Pressure float64     `json:"pressure"`
}

// Result is the union of the collaborator's JSON replies.
type Result struct {
	Message          string         `json:"message,omitempty"`
	ModelID          string         `json:"model_id,omitempty"`
	MAE              float64        `json:"mae,omitempty"`
	Samples          int            `json:"samples,omitempty"`
	Breaths          int            `json:"breaths,omitempty"`
	History          []EpochMetrics `json:"history,omitempty"`
	Predictions      []Prediction   `json:"predictions,omitempty"`
	TotalPredictions int            `json:"total_predictions,omitempty"`
	TotalBreaths     int            `json:"total_breaths,omitempty"`
	EstimatedMAE     float64        `json:"estimated_mae,omitempty"`
	Error            string         `json:"error,omitempty"`
}

type Status struct {
	Status       string `json:"status"`
	ModelTrained bool   `json:"model_trained"`
	ModelType    string `json:"model_type"`
	ModelID      string `json:"model_id,omitempty"`
}

// TestMetrics derives the testing metrics shown for a predict result.
func TestMetrics(r Result) model.Metrics {
	return model.Metrics{
		MAE:     r.EstimatedMAE,
		RMSE:    r.EstimatedMAE * DerivedRMSEFactor,
		Samples: r.TotalPredictions,
	}
}

type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger.With(slog.String("component", "collab")),
	}
}

// Train uploads a labelled dataset. epochs <= 0 lets the collaborator choose.
func (c *Client) Train(ctx context.Context, name string, body io.Reader, epochs int) (Result, error) {
	fields := map[string]string{}
	if epochs > 0 {
		fields["epochs"] = strconv.Itoa(epochs)
	}
	resp, err := c.upload(ctx, "/api/train", name, body, fields)
	if err != nil {
		return Result{}, err
	}
	return decodeResult(resp)
}

func (c *Client) Predict(ctx context.Context, name string, body io.Reader) (Result, error) {
	resp, err := c.upload(ctx, "/api/predict", name, body, nil)
	if err != nil {
		return Result{}, err
	}
	return decodeResult(resp)
}

// PredictCSV streams the id,pressure submission into w.
func (c *Client) PredictCSV(ctx context.Context, name string, body io.Reader, w io.Writer) (int64, error) {
	resp, err := c.upload(ctx, "/api/predict_and_download", name, body, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, err := decodeResult(resp)
		return 0, err
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("%w: read submission: %v", ErrRemote, err)
	}
	return n, nil
}

func (c *Client) LoadModel(ctx context.Context) (Result, error) {
	resp, err := c.get(ctx, "/api/load_model")
	if err != nil {
		return Result{}, err
	}
	return decodeResult(resp)
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	resp, err := c.get(ctx, "/api/status")
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, err := decodeResult(resp)
		return Status{}, err
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Status{}, fmt.Errorf("%w: decode status: %v", ErrRemote, err)
	}
	return st, nil
}

func (c *Client) upload(ctx context.Context, path, name string, body io.Reader, fields map[string]string) (*http.Response, error) {
	if body == nil {
		return nil, errors.New("upload body is required")
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, body); err != nil {
		return nil, fmt.Errorf("read upload %s: %w", name, err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req)
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("request failed", slog.String("path", req.URL.Path), slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %s %s: %v", ErrRemote, req.Method, req.URL.Path, err)
	}
	c.logger.Debug("request",
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)
	return resp, nil
}

func decodeResult(resp *http.Response) (Result, error) {
	defer resp.Body.Close()
	var result Result
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr == nil && result.Error != "" {
			return Result{}, fmt.Errorf("%w: status %d: %s", ErrRemote, resp.StatusCode, result.Error)
		}
		return Result{}, fmt.Errorf("%w: status %d", ErrRemote, resp.StatusCode)
	}
	if decodeErr != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrRemote, decodeErr)
	}
	if result.Error != "" {
		return Result{}, fmt.Errorf("%w: %s", ErrRemote, result.Error)
	}
	return result, nil
}
