package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: foundry <command> [flags]

commands:
  workspace create    create a workspace
  workspace list      list workspaces
  compute create      create a compute target
  compute list        list compute targets
  env register        register an environment from a conda spec
  dataset create      create a dataset
  dataset upload      upload a dataset version
  experiment create   create an experiment
  run submit          submit a training run
  run watch           follow a run's status, metrics and events
  run logs            print a run's event log
  run cancel          cancel a run

environment:
  FOUNDRY_GATEWAY_URL    gateway base URL (default http://localhost:8080)
  FOUNDRY_BEARER_TOKEN   bearer token for authenticated gateways
  FOUNDRY_WORKSPACE_ID   workspace scope for workspace-scoped commands
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 3 {
		usage()
	}

	now := time.Now().UTC()
	requestID := envOr("FOUNDRY_REQUEST_ID", "cli-"+now.Format("20060102T150405Z"))
	client := newAPIClient(
		envOr("FOUNDRY_GATEWAY_URL", "http://localhost:8080"),
		envOr("FOUNDRY_BEARER_TOKEN", ""),
		envOr("FOUNDRY_WORKSPACE_ID", ""),
		requestID,
	)

	command := os.Args[1] + " " + os.Args[2]
	args := os.Args[3:]

	var err error
	switch command {
	case "workspace create":
		err = cmdWorkspaceCreate(client, args)
	case "workspace list":
		err = cmdWorkspaceList(client, args)
	case "compute create":
		err = cmdComputeCreate(client, args)
	case "compute list":
		err = cmdComputeList(client, args)
	case "env register":
		err = cmdEnvRegister(client, args)
	case "dataset create":
		err = cmdDatasetCreate(client, args)
	case "dataset upload":
		err = cmdDatasetUpload(client, args)
	case "experiment create":
		err = cmdExperimentCreate(client, args)
	case "run submit":
		err = cmdRunSubmit(client, args)
	case "run watch":
		err = cmdRunWatch(client, args)
	case "run logs":
		err = cmdRunLogs(client, args)
	case "run cancel":
		err = cmdRunCancel(client, args)
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s: %v\n", command, err)
		os.Exit(1)
	}
}

func cmdWorkspaceCreate(client *apiClient, args []string) error {
	fs := flag.NewFlagSet("workspace create", flag.ExitOnError)
	name := fs.String("name", "", "workspace name")
	description := fs.String("description", "", "workspace description")
	region := fs.String("region", "", "workspace region")
	_ = fs.Parse(args)
	if *name == "" {
		return fmt.Errorf("-name is required")
	}

	var out map[string]any
	if err := client.postJSON("/api/workspace-registry/workspaces", map[string]any{
		"name":        *name,
		"description": *description,
		"region":      *region,
	}, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdWorkspaceList(client *apiClient, args []string) error {
	var out map[string]any
	if err := client.getJSON("/api/workspace-registry/workspaces", &out); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdComputeCreate(client *apiClient, args []string) error {
	fs := flag.NewFlagSet("compute create", flag.ExitOnError)
	name := fs.String("name", "", "compute target name")
	kind := fs.String("kind", "kubernetes", "compute kind: kubernetes or docker")
	vmSize := fs.String("vm-size", "", "VM size label")
	minNodes := fs.Int("min-nodes", 0, "minimum node count")
	maxNodes := fs.Int("max-nodes", 1, "maximum node count")
	namespace := fs.String("namespace", "", "kubernetes namespace for job submission")
	_ = fs.Parse(args)
	if *name == "" {
		return fmt.Errorf("-name is required")
	}

	var out map[string]any
	if err := client.postJSON("/api/workspace-registry/compute-targets", map[string]any{
		"name":          *name,
		"kind":          *kind,
		"vm_size":       *vmSize,
		"min_nodes":     *minNodes,
		"max_nodes":     *maxNodes,
		"k8s_namespace": *namespace,
	}, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdComputeList(client *apiClient, args []string) error {
	var out map[string]any
	if err := client.getJSON("/api/workspace-registry/compute-targets", &out); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdEnvRegister(client *apiClient, args []string) error {
	fs := flag.NewFlagSet("env register", flag.ExitOnError)
	name := fs.String("name", "", "environment name")
	baseImage := fs.String("base-image", "", "container image reference")
	specPath := fs.String("f", "", "conda environment spec file (YAML)")
	_ = fs.Parse(args)
	if *name == "" || *baseImage == "" || *specPath == "" {
		return fmt.Errorf("-name, -base-image and -f are required")
	}

	spec, err := os.ReadFile(*specPath)
	if err != nil {
		return err
	}

	var out map[string]any
	if err := client.postJSON("/api/workspace-registry/environments", map[string]any{
		"name":       *name,
		"base_image": *baseImage,
		"conda_spec": string(spec),
	}, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdDatasetCreate(client *apiClient, args []string) error {
	fs := flag.NewFlagSet("dataset create", flag.ExitOnError)
	name := fs.String("name", "", "dataset name")
	description := fs.String("description", "", "dataset description")
	datastoreID := fs.String("datastore", "", "datastore id (defaults to the workspace default datastore)")
	_ = fs.Parse(args)
	if *name == "" {
		return fmt.Errorf("-name is required")
	}

	var out map[string]any
	if err := client.postJSON("/api/dataset-store/datasets", map[string]any{
		"name":         *name,
		"description":  *description,
		"datastore_id": *datastoreID,
	}, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdDatasetUpload(client *apiClient, args []string) error {
	fs := flag.NewFlagSet("dataset upload", flag.ExitOnError)
	datasetID := fs.String("dataset", "", "dataset id")
	filePath := fs.String("file", "", "file to upload")
	_ = fs.Parse(args)
	if *datasetID == "" || *filePath == "" {
		return fmt.Errorf("-dataset and -file are required")
	}

	f, err := os.Open(*filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	meta := map[string]any{"source": "cli"}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := writer.WriteField("metadata", string(metaBytes)); err != nil {
		return err
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filepath.Base(*filePath)))
	header.Set("Content-Type", "application/octet-stream")
	part, err := writer.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	var out map[string]any
	if err := client.postMultipart(
		fmt.Sprintf("/api/dataset-store/datasets/%s/versions/upload", url.PathEscape(*datasetID)),
		&buf,
		writer.FormDataContentType(),
		&out,
	); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdExperimentCreate(client *apiClient, args []string) error {
	fs := flag.NewFlagSet("experiment create", flag.ExitOnError)
	name := fs.String("name", "", "experiment name")
	description := fs.String("description", "", "experiment description")
	_ = fs.Parse(args)
	if *name == "" {
		return fmt.Errorf("-name is required")
	}

	var out map[string]any
	if err := client.postJSON("/api/training/experiments", map[string]any{
		"name":        *name,
		"description": *description,
	}, &out); err != nil {
		return err
	}
	return printJSON(out)
}

type keyValueFlags map[string]string

func (kv keyValueFlags) String() string { return "" }

func (kv keyValueFlags) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	kv[strings.TrimSpace(key)] = val
	return nil
}

func cmdRunSubmit(client *apiClient, args []string) error {
	fs := flag.NewFlagSet("run submit", flag.ExitOnError)
	experiment := fs.String("experiment", "", "experiment name or id")
	environment := fs.String("environment", "", "environment name or id")
	envVersion := fs.Int64("environment-version", 0, "environment version (0 = latest)")
	compute := fs.String("compute", "", "compute target name or id")
	watch := fs.Bool("watch", false, "follow the run after submission")
	envVars := keyValueFlags{}
	bindings := keyValueFlags{}
	fs.Var(envVars, "env", "environment variable key=value (repeatable)")
	fs.Var(bindings, "bind", "dataset binding mount=version_id (repeatable)")
	_ = fs.Parse(args)
	command := fs.Args()
	if *experiment == "" || *environment == "" || *compute == "" {
		return fmt.Errorf("-experiment, -environment and -compute are required")
	}
	if len(command) == 0 {
		return fmt.Errorf("command is required after flags")
	}

	payload := map[string]any{
		"command": command,
	}
	if looksLikeID(*compute) {
		payload["compute_target_id"] = *compute
	} else {
		payload["compute_target_name"] = *compute
	}
	if looksLikeID(*experiment) {
		payload["experiment_id"] = *experiment
	} else {
		payload["experiment_name"] = *experiment
	}
	if looksLikeID(*environment) {
		payload["environment_id"] = *environment
	} else {
		payload["environment_name"] = *environment
		payload["environment_version"] = *envVersion
	}
	if len(envVars) > 0 {
		payload["env"] = map[string]string(envVars)
	}
	if len(bindings) > 0 {
		payload["dataset_bindings"] = map[string]string(bindings)
	}

	var out struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	if err := client.postJSON("/api/training/runs", payload, &out); err != nil {
		return err
	}
	fmt.Printf("run_id=%s status=%s\n", out.RunID, out.Status)
	if *watch {
		return watchRun(client, out.RunID)
	}
	return nil
}

func cmdRunWatch(client *apiClient, args []string) error {
	fs := flag.NewFlagSet("run watch", flag.ExitOnError)
	runID := fs.String("run", "", "run id")
	_ = fs.Parse(args)
	if *runID == "" {
		return fmt.Errorf("-run is required")
	}
	return watchRun(client, *runID)
}

// watchRun follows the stream until the run reaches a terminal status.
// The process exit code mirrors the run outcome.
func watchRun(client *apiClient, runID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	terminal := ""
	err := client.followSSE(ctx, fmt.Sprintf("/api/training/runs/%s/stream", url.PathEscape(runID)), func(ev sseEvent) error {
		switch ev.Event {
		case "ready":
			fmt.Printf("==> watching run %s\n", runID)
		case "status":
			var payload struct {
				Status     string    `json:"status"`
				ObservedAt time.Time `json:"observed_at"`
			}
			if err := json.Unmarshal(ev.Data, &payload); err != nil {
				return err
			}
			fmt.Printf("%s status=%s\n", payload.ObservedAt.Format(time.RFC3339), payload.Status)
			switch payload.Status {
			case "succeeded", "failed", "canceled":
				terminal = payload.Status
				return io.EOF
			}
		case "metric":
			var payload struct {
				Name  string  `json:"name"`
				Step  int64   `json:"step"`
				Value float64 `json:"value"`
			}
			if err := json.Unmarshal(ev.Data, &payload); err != nil {
				return err
			}
			fmt.Printf("metric %s step=%d value=%g\n", payload.Name, payload.Step, payload.Value)
		case "event":
			var payload struct {
				Level   string `json:"level"`
				Message string `json:"message"`
				Actor   string `json:"actor"`
			}
			if err := json.Unmarshal(ev.Data, &payload); err != nil {
				return err
			}
			fmt.Printf("[%s] %s (%s)\n", payload.Level, payload.Message, payload.Actor)
		case "error":
			return fmt.Errorf("stream error: %s", string(ev.Data))
		}
		return nil
	})
	if err != nil {
		return err
	}

	switch terminal {
	case "succeeded":
		return nil
	case "":
		return fmt.Errorf("stream ended before run finished")
	default:
		fmt.Fprintf(os.Stderr, "run %s: %s\n", runID, terminal)
		os.Exit(1)
	}
	return nil
}

func cmdRunLogs(client *apiClient, args []string) error {
	fs := flag.NewFlagSet("run logs", flag.ExitOnError)
	runID := fs.String("run", "", "run id")
	limit := fs.Int("limit", 200, "max events")
	_ = fs.Parse(args)
	if *runID == "" {
		return fmt.Errorf("-run is required")
	}

	var out struct {
		Events []struct {
			OccurredAt time.Time `json:"occurred_at"`
			Level      string    `json:"level"`
			Message    string    `json:"message"`
			Actor      string    `json:"actor"`
		} `json:"events"`
	}
	if err := client.getJSON(fmt.Sprintf("/api/training/runs/%s/events?limit=%d", url.PathEscape(*runID), *limit), &out); err != nil {
		return err
	}
	// Newest first on the wire; print oldest first.
	for i := len(out.Events) - 1; i >= 0; i-- {
		ev := out.Events[i]
		fmt.Printf("%s [%s] %s (%s)\n", ev.OccurredAt.Format(time.RFC3339), ev.Level, ev.Message, ev.Actor)
	}
	return nil
}

func cmdRunCancel(client *apiClient, args []string) error {
	fs := flag.NewFlagSet("run cancel", flag.ExitOnError)
	runID := fs.String("run", "", "run id")
	_ = fs.Parse(args)
	if *runID == "" {
		return fmt.Errorf("-run is required")
	}

	var out map[string]any
	if err := client.postJSON(fmt.Sprintf("/api/training/runs/%s/cancel", url.PathEscape(*runID)), map[string]any{}, &out); err != nil {
		return err
	}
	return printJSON(out)
}

// looksLikeID treats UUID-shaped values as ids and everything else as names.
func looksLikeID(value string) bool {
	value = strings.TrimSpace(value)
	if len(value) != 36 {
		return false
	}
	return strings.Count(value, "-") == 4
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
