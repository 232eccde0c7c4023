package collab

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClientTrainSendsMultipartUpload(t *testing.T) {
	var gotName, gotBody, gotEpochs string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/train" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		data, _ := io.ReadAll(file)
		gotName, gotBody, gotEpochs = header.Filename, string(data), r.FormValue("epochs")
		_, _ = io.WriteString(w, `{"message":"ok","mae":1.25,"samples":80,"breaths":1,"history":[{"epoch":1,"mae":4.9,"rmse":6.8}]}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", nil, quietLogger())
	result, err := client.Train(context.Background(), "train.csv", strings.NewReader("id,breath_id\n1,1\n"), 30)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if gotName != "train.csv" || gotBody != "id,breath_id\n1,1\n" || gotEpochs != "30" {
		t.Fatalf("unexpected upload: name=%s epochs=%s body=%q", gotName, gotEpochs, gotBody)
	}
	if result.MAE != 1.25 || result.Samples != 80 || len(result.History) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestClientPredictDecodesNumericIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"predictions":[{"id":7,"breath_id":"2","pressure":5.5}],"total_predictions":240,"total_breaths":3,"estimated_mae":2}`)
	}))
	defer srv.Close()

	result, err := NewClient(srv.URL, nil, quietLogger()).Predict(context.Background(), "test.csv", strings.NewReader("x\n"))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(result.Predictions) != 1 || result.Predictions[0].ID.String() != "7" || result.Predictions[0].BreathID.String() != "2" {
		t.Fatalf("unexpected predictions: %+v", result.Predictions)
	}
	m := TestMetrics(result)
	if m.MAE != 2 || m.RMSE != 2.6 || m.Samples != 240 {
		t.Fatalf("unexpected derived metrics: %+v", m)
	}
}

func TestClientWrapsRemoteErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/predict":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"model not trained"}`)
		case "/api/load_model":
			_, _ = io.WriteString(w, `{"error":"no model found"}`)
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `<html>bad gateway</html>`)
		}
	}))
	defer srv.Close()
	client := NewClient(srv.URL, nil, quietLogger())

	_, err := client.Predict(context.Background(), "t.csv", strings.NewReader("x"))
	if !errors.Is(err, ErrRemote) || !strings.Contains(err.Error(), "model not trained") {
		t.Fatalf("expected remote error with message, got %v", err)
	}
	if _, err := client.LoadModel(context.Background()); !errors.Is(err, ErrRemote) {
		t.Fatalf("expected remote error for error payload, got %v", err)
	}
	if _, err := client.Status(context.Background()); !errors.Is(err, ErrRemote) {
		t.Fatalf("expected remote error for 502, got %v", err)
	}
	var sink bytes.Buffer
	if _, err := client.PredictCSV(context.Background(), "t.csv", strings.NewReader("x"), &sink); !errors.Is(err, ErrRemote) {
		t.Fatalf("expected remote error for csv download, got %v", err)
	}
}

func TestClientTransportFailureIsRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewClient(url, &http.Client{Timeout: time.Second}, quietLogger())
	if _, err := client.Status(context.Background()); !errors.Is(err, ErrRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestClientPredictCSVStreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.WriteString(w, "id,pressure\n1,5.5\n2,6\n")
	}))
	defer srv.Close()

	var out bytes.Buffer
	n, err := NewClient(srv.URL, nil, quietLogger()).PredictCSV(context.Background(), "t.csv", strings.NewReader("x"), &out)
	if err != nil {
		t.Fatalf("predict csv: %v", err)
	}
	if n != int64(out.Len()) || out.String() != "id,pressure\n1,5.5\n2,6\n" {
		t.Fatalf("unexpected csv: n=%d %q", n, out.String())
	}
}
