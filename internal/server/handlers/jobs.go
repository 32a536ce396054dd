package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/webjobd/internal/errors"
	svcconfig "github.com/3leaps/webjobd/pkg/config"
	"github.com/3leaps/webjobd/pkg/events"
	"github.com/3leaps/webjobd/pkg/jobdb"
	"github.com/3leaps/webjobd/pkg/jobstate"
	"github.com/3leaps/webjobd/pkg/runner"
)

// ParametersFile receives submitted form values that are not job columns.
const ParametersFile = "parameters.json"

// defaultMaxUpload bounds the in-memory part of a multipart submission.
const defaultMaxUpload = 32 << 20

// reservedColumns are managed by the service and never set from a form.
var reservedColumns = map[string]bool{
	"name": true, "directory": true, "url": true, "submit_time": true,
	"preprocess_time": true, "run_time": true, "postprocess_time": true,
	"finalize_time": true, "end_time": true, "archive_time": true,
	"expire_time": true, "runner_id": true, "failure": true, "state": true,
}

// hiddenFiles are service bookkeeping files left out of result listings.
var hiddenFiles = map[string]bool{
	runner.SentinelFile: true,
	runner.ResultsFile:  true,
	"framework.log":     true,
}

// Jobs serves the job submission and results API. Other instances of the
// service use it through the REST runner.
type Jobs struct {
	Config *svcconfig.Config
	DB     *jobdb.DB
	Logger *zap.Logger

	// Now overrides the clock (tests).
	Now func() time.Time

	// MaxUploadBytes is passed to ParseMultipartForm. Zero means 32 MiB.
	MaxUploadBytes int64
}

// JobStatus is the body of GET /jobs/{name}.
type JobStatus struct {
	Name       string     `json:"name"`
	State      string     `json:"state"`
	SubmitTime *time.Time `json:"submit_time,omitempty"`
	RunTime    *time.Time `json:"run_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Failure    string     `json:"failure,omitempty"`
	ResultsURL string     `json:"results_url"`
}

// Routes mounts the job endpoints on r.
func (h *Jobs) Routes(r chi.Router) {
	r.Post("/jobs", h.Submit)
	r.Get("/jobs/{name}", h.Status)
	r.Get("/jobs/{name}/results", h.Results)
	r.Get("/jobs/{name}/files/{file}", h.File)
}

func (h *Jobs) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func (h *Jobs) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// baseURL is where this service is reachable: general.urltop when set,
// otherwise derived from the request.
func (h *Jobs) baseURL(r *http.Request) string {
	if h.Config != nil && h.Config.URLTop != "" {
		return strings.TrimRight(h.Config.URLTop, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}

func (h *Jobs) jobURL(r *http.Request, name string) string {
	return h.baseURL(r) + "/jobs/" + name
}

// Submit creates an INCOMING job from a multipart form. Uploaded files are
// stored in the job directory by base name; form values naming a job column
// are stored on the row and the rest go to parameters.json.
func (h *Jobs) Submit(w http.ResponseWriter, r *http.Request) {
	maxMem := h.MaxUploadBytes
	if maxMem <= 0 {
		maxMem = defaultMaxUpload
	}
	if err := r.ParseMultipartForm(maxMem); err != nil {
		respondWithError(w, r, apperrors.BadRequest("expected a multipart/form-data body"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	name := uuid.NewString()
	md := h.DB.NewMetadata(nil)
	params := map[string]any{}
	kinds := map[string]jobdb.FieldKind{}
	for _, f := range h.DB.Fields() {
		kinds[f.Name] = f.Kind
	}

	keys := make([]string, 0, len(r.MultipartForm.Value))
	for k := range r.MultipartForm.Value {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := r.MultipartForm.Value[k]
		if kind, ok := kinds[k]; ok && !reservedColumns[k] && len(vals) > 0 {
			v, err := formValue(kind, vals[0])
			if err != nil {
				respondWithError(w, r, apperrors.BadRequest(fmt.Sprintf("field %s: %v", k, err)))
				return
			}
			if err := md.Set(k, v); err != nil {
				respondWithError(w, r, apperrors.BadRequest(err.Error()))
				return
			}
			continue
		}
		if len(vals) == 1 {
			params[k] = vals[0]
		} else {
			params[k] = vals
		}
	}

	dir := filepath.Join(h.Config.Directory(jobstate.Incoming), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "create job directory"))
		return
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	for field, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			if err := saveUpload(dir, fh); err != nil {
				cleanup()
				var ae *apperrors.AppError
				if errors.As(err, &ae) {
					respondWithError(w, r, ae)
				} else {
					respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "store upload "+field))
				}
				return
			}
		}
	}
	if len(params) > 0 {
		data, err := json.MarshalIndent(params, "", "  ")
		if err == nil {
			err = os.WriteFile(filepath.Join(dir, ParametersFile), data, 0o644) // #nosec G306 -- read by job scripts
		}
		if err != nil {
			cleanup()
			respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "store parameters"))
			return
		}
	}

	md.MustSet("name", name)
	md.MustSet("directory", dir)
	md.MustSet("url", h.jobURL(r, name))
	md.MustSet("submit_time", h.now())
	if err := h.DB.InsertJob(r.Context(), md, jobstate.Incoming); err != nil {
		cleanup()
		respondWithError(w, r, apperrors.NewExternalServiceError("could not record job").WithDetails(map[string]any{"job": name}))
		h.logger().Error("insert submitted job", zap.String("job", name), zap.Error(err))
		return
	}

	if h.Config.Socket != "" {
		if err := events.Notify(h.Config.Socket, name); err != nil {
			// The periodic sweep still picks the job up.
			h.logger().Debug("notify daemon", zap.String("job", name), zap.Error(err))
		}
	}
	h.logger().Info("job submitted", zap.String("job", name))

	apperrors.WriteJSON(w, http.StatusAccepted, runner.SubmitResponse{
		Name:       name,
		ResultsURL: h.jobURL(r, name) + "/results",
	})
}

func formValue(kind jobdb.FieldKind, s string) (any, error) {
	switch kind {
	case jobdb.KindInt:
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	case jobdb.KindFloat:
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	default:
		return s, nil
	}
}

func safeFileName(name string) (string, bool) {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if base == "/" || base == "." || base == ".." || base == "" {
		return "", false
	}
	return base, true
}

func saveUpload(dir string, fh *multipart.FileHeader) error {
	base, ok := safeFileName(fh.Filename)
	if !ok || hiddenFiles[base] || base == ParametersFile {
		return apperrors.BadRequest(fmt.Sprintf("invalid upload file name %q", fh.Filename))
	}
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(filepath.Join(dir, base), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return apperrors.BadRequest(fmt.Sprintf("duplicate upload file name %q", base))
		}
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

func (h *Jobs) lookup(w http.ResponseWriter, r *http.Request) (jobdb.Record, bool) {
	name := chi.URLParam(r, "name")
	rec, err := h.DB.Get(r.Context(), name)
	if err != nil {
		if jobdb.IsNotFound(err) {
			respondWithError(w, r, apperrors.NotFound("job "+name+" not found"))
		} else {
			h.logger().Error("job lookup", zap.String("job", name), zap.Error(err))
			respondWithError(w, r, apperrors.NewExternalServiceError("could not read job"))
		}
		return jobdb.Record{}, false
	}
	return rec, true
}

// Status reports the state of one job.
func (h *Jobs) Status(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	md := rec.Metadata
	apperrors.WriteJSON(w, http.StatusOK, JobStatus{
		Name:       md.Name(),
		State:      string(rec.State),
		SubmitTime: md.Time("submit_time"),
		RunTime:    md.Time("run_time"),
		EndTime:    md.Time("end_time"),
		Failure:    firstLine(md.String("failure")),
		ResultsURL: h.jobURL(r, md.Name()) + "/results",
	})
}

// Results answers 200 with the output files of a finished job and 503
// while it is still in progress. Failed jobs answer 409; expired jobs 410.
func (h *Jobs) Results(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	name := rec.Metadata.Name()
	switch rec.State {
	case jobstate.Completed, jobstate.Archived:
	case jobstate.Failed:
		respondWithError(w, r, apperrors.Conflict("job "+name+" failed").
			WithDetails(map[string]any{"failure": firstLine(rec.Metadata.String("failure"))}))
		return
	case jobstate.Expired:
		respondWithError(w, r, apperrors.Gone("job "+name+" has expired"))
		return
	default:
		w.Header().Set("Retry-After", "30")
		respondWithError(w, r, apperrors.Unavailable("job "+name+" is "+string(rec.State)))
		return
	}

	dir := rec.Metadata.String("directory")
	results, err := runner.LoadResults(dir)
	if err != nil {
		results, err = h.listResults(r, name, dir)
		if err != nil {
			respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "list results"))
			return
		}
	}
	if results == nil {
		results = []runner.Result{}
	}
	apperrors.WriteJSON(w, http.StatusOK, runner.ResultsResponse{Results: results})
}

func (h *Jobs) listResults(r *http.Request, name, dir string) ([]runner.Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []runner.Result
	for _, e := range entries {
		if !e.Type().IsRegular() || hiddenFiles[e.Name()] {
			continue
		}
		out = append(out, runner.Result{
			Name: e.Name(),
			URL:  h.jobURL(r, name) + "/files/" + e.Name(),
		})
	}
	return out, nil
}

// File downloads one output file of a finished job.
func (h *Jobs) File(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if rec.State != jobstate.Completed && rec.State != jobstate.Archived {
		respondWithError(w, r, apperrors.NotFound("job "+rec.Metadata.Name()+" has no results"))
		return
	}
	file := chi.URLParam(r, "file")
	base, ok := safeFileName(file)
	if !ok || base != file || hiddenFiles[base] {
		respondWithError(w, r, apperrors.NotFound("file not found"))
		return
	}
	f, err := os.Open(filepath.Join(rec.Metadata.String("directory"), base))
	if err != nil {
		respondWithError(w, r, apperrors.NotFound("file not found"))
		return
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil || !st.Mode().IsRegular() {
		respondWithError(w, r, apperrors.NotFound("file not found"))
		return
	}
	http.ServeContent(w, r, base, st.ModTime(), f)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
