// Package httpapi exposes a vfs.Service over HTTP.
//
// Every operation is a route below the prefix, GET for reads and POST for
// writes. Arguments come from the query string or the request body (JSON,
// url-encoded or multipart). Results are JSON, except readfile which
// streams the file.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime/debug"

	"github.com/gobeaver/vfs"
	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("vfs/http")

// Server routes HTTP requests into a vfs.Service.
type Server struct {
	svc         *vfs.Service
	sessions    SessionProvider
	groups      []string
	requireAll  bool
	uploadLimit int64
	fieldsLimit int64
	tempDir     string
	dev         bool
}

// Option configures a Server.
type Option func(*Server)

// WithSessions sets how requests are mapped to users. Defaults to
// HeaderSessions.
func WithSessions(p SessionProvider) Option {
	return func(s *Server) { s.sessions = p }
}

// WithRouteGroups sets the groups a user needs to reach any route.
func WithRouteGroups(all bool, groups ...string) Option {
	return func(s *Server) {
		s.groups = groups
		s.requireAll = all
	}
}

// WithLimits bounds uploads and form fields in bytes. Zero means the
// default for fields and no limit for uploads.
func WithLimits(upload, fields int64) Option {
	return func(s *Server) {
		s.uploadLimit = upload
		s.fieldsLimit = fields
	}
}

// WithTempDir sets where multipart uploads are spooled.
func WithTempDir(dir string) Option {
	return func(s *Server) { s.tempDir = dir }
}

// New creates a Server. Development mode follows the service.
func New(svc *vfs.Service, opts ...Option) *Server {
	s := &Server{
		svc:      svc,
		sessions: HeaderSessions{},
		dev:      svc.Development(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FromConfig creates a Server with the route groups and limits of cfg.
func FromConfig(svc *vfs.Service, cfg *vfs.Config, opts ...Option) (*Server, error) {
	upload, err := cfg.UploadLimit()
	if err != nil {
		return nil, err
	}
	fields, err := cfg.FieldsLimit()
	if err != nil {
		return nil, err
	}
	base := []Option{
		WithRouteGroups(cfg.RequireAllRouteGroups, cfg.RouteGroupList()...),
		WithLimits(upload, fields),
	}
	return New(svc, append(base, opts...)...), nil
}

func routeMethod(op vfs.Op) string {
	switch op {
	case vfs.OpRealpath, vfs.OpExists, vfs.OpStat, vfs.OpReaddir, vfs.OpReadfile:
		return http.MethodGet
	default:
		return http.MethodPost
	}
}

// Register adds one route per operation to r, behind the authentication
// middleware.
func (s *Server) Register(r *mux.Router) {
	r.Use(Authenticate(s.sessions, s.groups, s.requireAll))
	for _, op := range vfs.Ops {
		r.HandleFunc("/"+string(op), s.handle(op)).Methods(routeMethod(op))
	}
}

// Handler returns a router serving every operation below prefix.
func (s *Server) Handler(prefix string) http.Handler {
	r := mux.NewRouter()
	s.Register(r.PathPrefix(prefix).Subrouter())
	return r
}

func (s *Server) handle(op vfs.Op) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.parseRequest(r, op)
		defer p.cleanup()
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		resp, err := s.svc.Handle(r.Context(), &vfs.Request{
			Op:     op,
			Fields: p.fields,
			Upload: p.upload,
			User:   UserFrom(r.Context()),
			Header: r.Header,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		if resp.Body != nil {
			s.writeStream(w, r, resp)
			return
		}
		writeJSON(w, resp.Status, resp.Value)
	}
}

func (s *Server) writeStream(w http.ResponseWriter, r *http.Request, resp *vfs.Response) {
	defer resp.Body.Close()

	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.Status)
	if resp.Status == http.StatusNotModified || r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil && r.Context().Err() == nil {
		log.Debugw("streaming response failed", "path", r.URL.Path, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugw("writing response failed", "error", err)
	}
}

// errorBody is the JSON error document. Stack is only filled in
// development mode.
type errorBody struct {
	Error string `json:"error"`
	Stack string `json:"stack,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := vfs.StatusCode(err)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		status = http.StatusRequestEntityTooLarge
	}

	body := errorBody{Error: err.Error()}
	if s.dev {
		body.Stack = string(debug.Stack())
		log.Errorw("request failed", "path", r.URL.Path, "status", status, "error", err)
	} else if status >= http.StatusInternalServerError {
		log.Warnw("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}
