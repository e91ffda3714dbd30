package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/mchmarny/mlstep/pkg/net"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const (
	apiPrefix          = "/api/2.0/mlflow/"
	artifactsPrefix    = "/api/2.0/mlflow-artifacts/artifacts/"
	artifactsScheme    = "mlflow-artifacts"
	uploadConcurrency  = 4
	codeNotFound       = "RESOURCE_DOES_NOT_EXIST"
	codeAlreadyExists  = "RESOURCE_ALREADY_EXISTS"
	contentTypeJSON    = "application/json"
	contentTypeOctet   = "application/octet-stream"
	maxErrorBodyLength = 4096
)

// APIError is an error returned by the tracking server.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracking server error (status: %d, code: %s): %s", e.StatusCode, e.Code, e.Message)
}

func isAPIError(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// RESTClient is a tracker backed by an MLflow compatible tracking server.
type RESTClient struct {
	baseURL string
	client  *http.Client
	fs      afero.Fs
}

// NewRESTClient creates a client for the tracking server at baseURL.
// Artifacts are read from fs.
func NewRESTClient(baseURL string, client *http.Client, fs afero.Fs) (*RESTClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, errors.Wrapf(ErrUnsupportedURI, "invalid tracking server url: %s", baseURL)
	}
	if client == nil {
		client = net.GetHTTPClient()
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		fs:      fs,
	}, nil
}

func (c *RESTClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *RESTClient) call(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal %s request", endpoint)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+endpoint, body)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s request", endpoint)
	}
	req.Header.Set("Accept", contentTypeJSON)
	if in != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}

	return c.do(req, out)
}

func (c *RESTClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to send request: %s", req.URL.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode response: %s", req.URL.Path)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	if slog.Default().Enabled(resp.Request.Context(), slog.LevelDebug) {
		net.PrintHTTPResponse(resp)
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(b, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = http.StatusText(resp.StatusCode)
		apiErr.Message = strings.TrimSpace(string(b))
	}
	slog.Debug("tracking request failed", "path", resp.Request.URL.Path, "status", resp.StatusCode, "code", apiErr.Code)
	return apiErr
}

func (c *RESTClient) getOrCreateExperiment(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", errors.New("experiment name required")
	}

	var got struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	q := url.Values{"experiment_name": []string{name}}
	err := c.call(ctx, http.MethodGet, "experiments/get-by-name?"+q.Encode(), nil, &got)
	if err == nil {
		return got.Experiment.ExperimentID, nil
	}
	if !isAPIError(err, codeNotFound) {
		return "", errors.Wrapf(err, "failed to get experiment: %s", name)
	}

	var created struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := c.call(ctx, http.MethodPost, "experiments/create", map[string]string{"name": name}, &created); err != nil {
		return "", errors.Wrapf(err, "failed to create experiment: %s", name)
	}
	slog.Debug("experiment created", "name", name, "id", created.ExperimentID)
	return created.ExperimentID, nil
}

// StartRun creates a run on the server in the named experiment.
func (c *RESTClient) StartRun(ctx context.Context, experiment string) (Run, error) {
	expID, err := c.getOrCreateExperiment(ctx, experiment)
	if err != nil {
		return nil, err
	}

	req := map[string]any{
		"experiment_id": expID,
		"start_time":    nowMillis(),
	}
	var resp struct {
		Run struct {
			Info struct {
				RunID       string `json:"run_id"`
				ArtifactURI string `json:"artifact_uri"`
			} `json:"info"`
		} `json:"run"`
	}
	if err := c.call(ctx, http.MethodPost, "runs/create", req, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to create run")
	}
	if resp.Run.Info.RunID == "" {
		return nil, errors.New("tracking server returned no run id")
	}

	return &restRun{
		client:      c,
		id:          resp.Run.Info.RunID,
		artifactURI: strings.TrimRight(resp.Run.Info.ArtifactURI, "/"),
	}, nil
}

// RegisterModel creates the registered model when missing and adds a version.
func (c *RESTClient) RegisterModel(ctx context.Context, name, source, runID string) (*ModelVersion, error) {
	if name == "" || source == "" {
		return nil, errors.Errorf("name: %q and source: %q are both required", name, source)
	}

	err := c.call(ctx, http.MethodPost, "registered-models/create", map[string]string{"name": name}, nil)
	if err != nil && !isAPIError(err, codeAlreadyExists) {
		return nil, errors.Wrapf(err, "failed to create registered model: %s", name)
	}

	req := map[string]string{
		"name":   name,
		"source": source,
	}
	if runID != "" {
		req["run_id"] = runID
	}
	var resp struct {
		ModelVersion struct {
			Name              string `json:"name"`
			Version           string `json:"version"`
			Source            string `json:"source"`
			RunID             string `json:"run_id"`
			CreationTimestamp int64  `json:"creation_timestamp"`
		} `json:"model_version"`
	}
	if err := c.call(ctx, http.MethodPost, "model-versions/create", req, &resp); err != nil {
		return nil, errors.Wrapf(err, "failed to create model version: %s", name)
	}

	mv := resp.ModelVersion
	if mv.Version == "" {
		return nil, errors.Errorf("tracking server returned no version for model: %s", name)
	}
	return &ModelVersion{
		Name:      mv.Name,
		Version:   mv.Version,
		Source:    mv.Source,
		RunID:     mv.RunID,
		CreatedAt: mv.CreationTimestamp,
	}, nil
}

type restRun struct {
	client      *RESTClient
	id          string
	artifactURI string
	ended       bool
}

func (r *restRun) ID() string {
	return r.id
}

func (r *restRun) ArtifactURI(artifactPath string) string {
	if artifactPath == "" {
		return r.artifactURI
	}
	return r.artifactURI + "/" + strings.Trim(artifactPath, "/")
}

func (r *restRun) LogParam(ctx context.Context, key, value string) error {
	if r.ended {
		return ErrRunEnded
	}
	req := map[string]string{
		"run_id": r.id,
		"key":    key,
		"value":  value,
	}
	err := r.client.call(ctx, http.MethodPost, "runs/log-parameter", req, nil)
	return errors.Wrapf(err, "failed to log param: %s", key)
}

func (r *restRun) LogMetric(ctx context.Context, key string, value float64) error {
	if r.ended {
		return ErrRunEnded
	}
	req := map[string]any{
		"run_id":    r.id,
		"key":       key,
		"value":     value,
		"timestamp": nowMillis(),
		"step":      0,
	}
	err := r.client.call(ctx, http.MethodPost, "runs/log-metric", req, nil)
	return errors.Wrapf(err, "failed to log metric: %s", key)
}

// LogArtifacts uploads the files through the server artifact proxy, which
// requires the run artifact uri to use the mlflow-artifacts scheme.
func (r *restRun) LogArtifacts(ctx context.Context, localPath, artifactPath string) error {
	if r.ended {
		return ErrRunEnded
	}

	u, err := url.Parse(r.artifactURI)
	if err != nil || u.Scheme != artifactsScheme {
		return errors.Wrapf(ErrUnsupportedURI, "artifact uri: %s", r.artifactURI)
	}
	root := path.Join(strings.TrimPrefix(u.Path, "/"), strings.Trim(artifactPath, "/"))

	files, err := listFiles(r.client.fs, localPath)
	if err != nil {
		return errors.Wrapf(err, "failed to list artifacts: %s", localPath)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for _, file := range files {
		g.Go(func() error {
			return r.client.upload(gctx, file.local, path.Join(root, file.rel))
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrapf(err, "failed to log artifacts: %s", localPath)
	}

	slog.Debug("artifacts uploaded", "run_id", r.id, "path", localPath, "files", len(files))
	return nil
}

func (c *RESTClient) upload(ctx context.Context, localPath, remotePath string) error {
	f, err := c.fs.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open artifact: %s", localPath)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "failed to stat artifact: %s", localPath)
	}

	target := c.baseURL + artifactsPrefix + (&url.URL{Path: remotePath}).EscapedPath()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, f)
	if err != nil {
		return errors.Wrapf(err, "failed to create upload request: %s", remotePath)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentTypeOctet)

	return c.do(req, nil)
}

func (r *restRun) End(ctx context.Context, status RunStatus) error {
	if r.ended {
		return ErrRunEnded
	}
	req := map[string]any{
		"run_id":   r.id,
		"status":   string(status),
		"end_time": nowMillis(),
	}
	if err := r.client.call(ctx, http.MethodPost, "runs/update", req, nil); err != nil {
		return errors.Wrapf(err, "failed to end run: %s", r.id)
	}
	r.ended = true
	return nil
}
