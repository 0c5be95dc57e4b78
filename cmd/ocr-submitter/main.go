package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/voucherflow/internal/config"
	"github.com/Lllllllleong/voucherflow/internal/gcp"
	"github.com/Lllllllleong/voucherflow/internal/models"
	"github.com/Lllllllleong/voucherflow/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	submissionInstance *services.SubmissionFunction
	once               sync.Once
	initErr            error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleSubmitDocuments", handleSubmitDocuments)
	functions.CloudEvent("ScheduledSubmission", scheduledSubmission)
}

// main is required by the Go Functions Framework.
func main() {}

func instance() (*services.SubmissionFunction, error) {
	once.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			initErr = err
			return
		}
		submissionInstance, initErr = services.NewSubmission(context.Background(), cfg)
	})
	return submissionInstance, initErr
}

// handleSubmitDocuments submits the documents selected by the posted SubmitRequest.
// Per-document failures are part of a 200 response.
func handleSubmitDocuments(w http.ResponseWriter, r *http.Request) {
	s, err := instance()
	if err != nil {
		slog.Error("Critical error during function initialization", "error", err)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	res, err := s.Process(r.Context(), &req)
	if err != nil {
		http.Error(w, err.Error(), services.HTTPStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

// scheduledSubmission drains pending documents on a Cloud Scheduler Pub/Sub trigger.
func scheduledSubmission(ctx context.Context, e cloudevents.Event) error {
	s, err := instance()
	if err != nil {
		slog.Error("Critical error during function initialization", "error", err)
		return err
	}

	var req models.SubmitRequest
	messageID, err := gcp.DecodePubSubEvent(e, &req)
	if err != nil {
		slog.Error("Dropping unreadable submission trigger", "error", err, "eventId", e.ID())
		return nil
	}

	res, err := s.Process(ctx, &req)
	if err != nil {
		if services.Permanent(err) {
			slog.Error("Dropping submission trigger that cannot succeed", "error", err, "status", services.HTTPStatus(err), "messageId", messageID)
			return nil
		}
		return err
	}
	slog.Info("Scheduled submission finished.", "messageId", messageID, "runId", res.RunID,
		"submitted", res.Submitted, "failed", res.Failed, "skipped", res.Skipped)
	return nil
}
