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
	discoveryInstance *services.DiscoveryFunction
	once              sync.Once
	initErr           error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleDiscoverDocuments", handleDiscoverDocuments)
	functions.CloudEvent("ScheduledDiscovery", scheduledDiscovery)
}

// main is required by the Go Functions Framework.
func main() {}

func instance() (*services.DiscoveryFunction, error) {
	once.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			initErr = err
			return
		}
		discoveryInstance, initErr = services.NewDiscovery(context.Background(), cfg)
	})
	return discoveryInstance, initErr
}

// handleDiscoverDocuments runs a discovery for the posted DiscoverRequest.
func handleDiscoverDocuments(w http.ResponseWriter, r *http.Request) {
	d, err := instance()
	if err != nil {
		slog.Error("Critical error during function initialization", "error", err)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.DiscoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	res, err := d.Process(r.Context(), &req)
	if err != nil {
		// Already logged with run context inside Process.
		http.Error(w, err.Error(), services.HTTPStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

// scheduledDiscovery runs a discovery from a Cloud Scheduler Pub/Sub message.
func scheduledDiscovery(ctx context.Context, e cloudevents.Event) error {
	d, err := instance()
	if err != nil {
		slog.Error("Critical error during function initialization", "error", err)
		return err
	}

	var req models.DiscoverRequest
	messageID, err := gcp.DecodePubSubEvent(e, &req)
	if err != nil {
		// Redelivering a malformed message cannot succeed.
		slog.Error("Dropping unreadable discovery trigger", "error", err, "eventId", e.ID())
		return nil
	}

	res, err := d.Process(ctx, &req)
	if err != nil {
		if services.Permanent(err) {
			slog.Error("Dropping discovery trigger that cannot succeed", "error", err, "status", services.HTTPStatus(err), "messageId", messageID)
			return nil
		}
		return err
	}
	slog.Info("Scheduled discovery finished.", "messageId", messageID, "runId", res.RunID, "inserted", res.Inserted, "skipped", res.Skipped)
	return nil
}
