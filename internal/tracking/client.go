// Package tracking publishes training runs and metrics to an MLflow
// tracking server.
package tracking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/databricks/databricks-sdk-go"
	"github.com/databricks/databricks-sdk-go/service/ml"

	"github.com/jasonacox/jojo/internal/config"
)

// Databricks domain suffixes for URL detection
var databricksDomains = []string{
	".cloud.databricks.com",
	".azuredatabricks.net",
	".gcp.databricks.com",
}

type Client struct {
	client *databricks.WorkspaceClient
	cfg    config.Tracking
}

func NewClient(cfg config.Tracking) (*Client, error) {
	if cfg.TrackingURI == "" {
		return nil, fmt.Errorf("tracking URI is required")
	}

	var databricksConfig *databricks.Config

	if isDatabricks(cfg.TrackingURI) {
		databricksConfig = &databricks.Config{}
		if profile := databricksProfile(cfg.TrackingURI); profile != "" {
			databricksConfig.Profile = profile
		} else if cfg.TrackingURI != "databricks" {
			databricksConfig.Host = cfg.TrackingURI
		}
	} else {
		// Regular MLflow server: a dummy token bypasses authentication.
		databricksConfig = &databricks.Config{
			Host:  cfg.TrackingURI,
			Token: "dummy-token-for-regular-mlflow",
		}
	}

	client, err := databricks.NewWorkspaceClient(databricksConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create MLflow client: %w", err)
	}

	return &Client{client: client, cfg: cfg}, nil
}

// CreateRun starts a tracking run and returns its ID.
func (c *Client) CreateRun(ctx context.Context, runName string, tags map[string]string) (string, error) {
	if c.cfg.ExperimentID == "" {
		return "", fmt.Errorf("experiment ID must be provided")
	}
	if runName == "" {
		runName = "run-" + time.Now().Format("2006-01-02-15-04-05")
	}

	runTags := make([]ml.RunTag, 0, len(tags)+1)
	for key, value := range tags {
		runTags = append(runTags, ml.RunTag{Key: key, Value: value})
	}
	runTags = append(runTags, ml.RunTag{Key: "mlflow.runName", Value: runName})

	resp, err := c.client.Experiments.CreateRun(ctx, ml.CreateRun{
		ExperimentId: c.cfg.ExperimentID,
		RunName:      runName,
		StartTime:    time.Now().UnixMilli(),
		Tags:         runTags,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return resp.Run.Info.RunId, nil
}

func (c *Client) LogMetric(ctx context.Context, runID, key string, value float64, step int64) error {
	err := c.client.Experiments.LogMetric(ctx, ml.LogMetric{
		RunId:     runID,
		Key:       key,
		Value:     value,
		Timestamp: time.Now().UnixMilli(),
		Step:      step,
	})
	if err != nil {
		return fmt.Errorf("failed to log metric %s: %w", key, err)
	}
	return nil
}

func (c *Client) LogParam(ctx context.Context, runID, key, value string) error {
	err := c.client.Experiments.LogParam(ctx, ml.LogParam{
		RunId: runID,
		Key:   key,
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("failed to log param %s: %w", key, err)
	}
	return nil
}

// EndRun marks the run with a terminal status.
func (c *Client) EndRun(ctx context.Context, runID string, failed bool) error {
	status := ml.UpdateRunStatusFinished
	if failed {
		status = ml.UpdateRunStatusFailed
	}
	_, err := c.client.Experiments.UpdateRun(ctx, ml.UpdateRun{
		RunId:   runID,
		Status:  status,
		EndTime: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// isDatabricks checks if the tracking URI points to Databricks.
func isDatabricks(uri string) bool {
	if uri == "databricks" || strings.HasPrefix(uri, "databricks://") {
		return true
	}
	if strings.HasPrefix(uri, "https://") {
		host := strings.TrimPrefix(uri, "https://")
		if idx := strings.Index(host, "/"); idx != -1 {
			host = host[:idx]
		}
		for _, domain := range databricksDomains {
			if strings.HasSuffix(host, domain) {
				return true
			}
		}
	}
	return false
}

// databricksProfile extracts the profile from databricks://{profile}.
func databricksProfile(uri string) string {
	if !strings.HasPrefix(uri, "databricks://") {
		return ""
	}
	profile := strings.TrimPrefix(uri, "databricks://")
	if idx := strings.Index(profile, "/"); idx != -1 {
		profile = profile[:idx]
	}
	return profile
}
