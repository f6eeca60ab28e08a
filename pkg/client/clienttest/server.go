// Package clienttest provides an in-memory pipeline service for tests.
//
// The server implements the REST surface used by package client on top of a
// tiny SQL subset: CREATE TABLE, CREATE [MATERIALIZED] VIEW v AS SELECT * FROM
// t, SELECT COUNT(*) AS c FROM t, and any view whose contents are computed by
// a ViewFunc registered with SetView. Ingested records are processed on a
// background goroutine so that clients have to wait for quiescence.
package clienttest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/loggo"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/client"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/connector"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/schema"
)

var logger = loggo.GetLogger("feldera.clienttest")

// Server is a fake pipeline service listening on a local port.
type Server struct {
	srv *httptest.Server

	mu              sync.Mutex
	programs        map[string]*program
	connectors      map[string]connector.Config
	pipelines       map[string]*pipeline
	views           map[string]ViewFunc
	urls            map[string]string
	hotAttach       bool
	compileDelay    time.Duration
	processingDelay time.Duration
}

type program struct {
	client.Program
	compiled *compiled
}

// NewServer starts a fake service. Call Close when done.
func NewServer() *Server {
	s := &Server{
		programs:        map[string]*program{},
		connectors:      map[string]connector.Config{},
		pipelines:       map[string]*pipeline{},
		views:           map[string]ViewFunc{},
		urls:            map[string]string{},
		compileDelay:    20 * time.Millisecond,
		processingDelay: 5 * time.Millisecond,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /v0/programs/{name}", s.putProgram)
	mux.HandleFunc("GET /v0/programs/{name}", s.getProgram)
	mux.HandleFunc("DELETE /v0/programs/{name}", s.deleteProgram)
	mux.HandleFunc("POST /v0/programs/{name}/compile", s.compileProgram)
	mux.HandleFunc("PUT /v0/connectors/{name}", s.putConnector)
	mux.HandleFunc("DELETE /v0/connectors/{name}", s.deleteConnector)
	mux.HandleFunc("PUT /v0/pipelines/{name}", s.putPipeline)
	mux.HandleFunc("GET /v0/pipelines/{name}", s.getPipeline)
	mux.HandleFunc("DELETE /v0/pipelines/{name}", s.deletePipeline)
	mux.HandleFunc("POST /v0/pipelines/{name}/start", s.action(client.ActionStart))
	mux.HandleFunc("POST /v0/pipelines/{name}/pause", s.action(client.ActionPause))
	mux.HandleFunc("POST /v0/pipelines/{name}/shutdown", s.action(client.ActionShutdown))
	mux.HandleFunc("GET /v0/pipelines/{name}/stats", s.stats)
	mux.HandleFunc("GET /v0/pipelines/{name}/config", s.pipelineConfig)
	mux.HandleFunc("POST /v0/pipelines/{name}/connectors", s.attachConnector)
	mux.HandleFunc("POST /v0/pipelines/{name}/ingress/{table}", s.ingress)
	mux.HandleFunc("POST /v0/pipelines/{name}/egress/{view}", s.egress)
	s.srv = httptest.NewServer(mux)
	return s
}

// URL returns the base URL of the service.
func (s *Server) URL() string { return s.srv.URL }

// Client returns a client for the service.
func (s *Server) Client(opts ...client.Option) *client.Client {
	opts = append([]client.Option{client.WithRetries(1)}, opts...)
	return client.New(s.URL(), opts...)
}

// Close shuts down every pipeline and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	for _, p := range s.pipelines {
		p.shutdown()
	}
	s.mu.Unlock()
	s.srv.CloseClientConnections()
	s.srv.Close()
}

// SetView registers the evaluator of every view with the given name compiled
// from now on.
func (s *Server) SetView(name string, fn ViewFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[strings.ToLower(name)] = fn
}

// SetURLContent serves content to url_input connectors configured with path.
func (s *Server) SetURLContent(path, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls[path] = content
}

// SetHotAttach controls whether connectors can be attached to running
// pipelines. It is off by default.
func (s *Server) SetHotAttach(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hotAttach = enabled
}

// SetProcessingDelay sets how long each ingested batch waits before it is
// processed.
func (s *Server) SetProcessingDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processingDelay = d
}

// Programs returns the names of stored programs.
func (s *Server) Programs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedNames(s.programs)
}

// Pipelines returns the names of stored pipelines.
func (s *Server) Pipelines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedNames(s.pipelines)
}

// Connectors returns the names of stored connectors.
func (s *Server) Connectors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedNames(s.connectors)
}

// TableRows returns the current contents of a table of a deployed pipeline.
func (s *Server) TableRows(pipelineName, tableName string) Rows {
	s.mu.Lock()
	p, ok := s.pipelines[pipelineName]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rows := p.tables[strings.ToLower(tableName)]
	out := make(Rows, len(rows))
	copy(out, rows)
	return out
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, client.APIError{Message: msg, ErrorCode: code})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", err.Error())
		return false
	}
	return true
}

func (s *Server) putProgram(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
		Code        string `json:"code"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	name := r.PathValue("name")

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.programs[name]
	if !ok {
		p = &program{}
		s.programs[name] = p
	}
	p.Name = name
	p.Description = req.Description
	p.Code = req.Code
	p.Version++
	p.Status = client.ProgramStatus{State: client.ProgramPending}
	p.Schema = nil
	p.compiled = nil
	writeJSON(w, http.StatusOK, p.Program)
}

func (s *Server) getProgram(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.programs[r.PathValue("name")]
	if !ok {
		writeError(w, http.StatusNotFound, "UnknownProgram", "unknown program "+r.PathValue("name"))
		return
	}
	writeJSON(w, http.StatusOK, p.Program)
}

func (s *Server) deleteProgram(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.programs[name]; !ok {
		writeError(w, http.StatusNotFound, "UnknownProgram", "unknown program "+name)
		return
	}
	for _, p := range s.pipelines {
		if p.def.ProgramName == name {
			writeError(w, http.StatusBadRequest, "ProgramInUse", "program "+name+" is used by pipeline "+p.def.Name)
			return
		}
	}
	delete(s.programs, name)
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) compileProgram(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.programs[name]
	if !ok {
		writeError(w, http.StatusNotFound, "UnknownProgram", "unknown program "+name)
		return
	}
	p.Status = client.ProgramStatus{State: client.ProgramCompilingSQL}
	version := p.Version
	custom := make(map[string]ViewFunc, len(s.views))
	for k, v := range s.views {
		custom[k] = v
	}
	code := p.Code
	delay := s.compileDelay

	go func() {
		time.Sleep(delay)
		c, diags := compile(code, custom)

		s.mu.Lock()
		defer s.mu.Unlock()
		p, ok := s.programs[name]
		if !ok || p.Version != version {
			return
		}
		if diags != nil {
			raw, _ := json.Marshal(diags)
			var status client.ProgramStatus
			json.Unmarshal([]byte(`{"SqlError":`+string(raw)+`}`), &status)
			p.Status = status
			logger.Debugf("program %s failed to compile: %s", name, status.Diagnostic)
			return
		}
		p.compiled = c
		p.Schema = c.programSchema()
		p.Status = client.ProgramStatus{State: client.ProgramSuccess}
	}()
	writeJSON(w, http.StatusAccepted, nil)
}

func (c *compiled) programSchema() *schema.ProgramSchema {
	ps := &schema.ProgramSchema{}
	for _, t := range c.tables {
		ps.Inputs = append(ps.Inputs, schema.Relation{Name: t.name, Fields: tableFields(t)})
	}
	for _, v := range c.views {
		ps.Outputs = append(ps.Outputs, schema.Relation{Name: v.name, Fields: v.fields})
	}
	return ps
}

func (s *Server) putConnector(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config connector.Config `json:"config"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Config.Transport.Name == "" || req.Config.Format.Name == "" {
		writeError(w, http.StatusBadRequest, "InvalidConnector", "connector needs a transport and a format")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectors[r.PathValue("name")] = req.Config
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) deleteConnector(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connectors[name]; !ok {
		writeError(w, http.StatusNotFound, "UnknownConnector", "unknown connector "+name)
		return
	}
	for _, p := range s.pipelines {
		for _, a := range p.def.Connectors {
			if a.ConnectorName == name {
				writeError(w, http.StatusBadRequest, "ConnectorInUse", "connector "+name+" is attached to pipeline "+p.def.Name)
				return
			}
		}
	}
	delete(s.connectors, name)
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) putPipeline(w http.ResponseWriter, r *http.Request) {
	var def client.Pipeline
	if !decodeBody(w, r, &def) {
		return
	}
	def.Name = r.PathValue("name")

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.programs[def.ProgramName]; !ok {
		writeError(w, http.StatusNotFound, "UnknownProgram", "unknown program "+def.ProgramName)
		return
	}
	for _, a := range def.Connectors {
		if _, ok := s.connectors[a.ConnectorName]; !ok {
			writeError(w, http.StatusNotFound, "UnknownConnector", "unknown connector "+a.ConnectorName)
			return
		}
	}
	p, ok := s.pipelines[def.Name]
	if ok && p.status() != client.StatusShutdown {
		writeError(w, http.StatusBadRequest, "PipelineNotShutdown", "pipeline "+def.Name+" must be shut down to be modified")
		return
	}
	if !ok {
		p = newPipeline(s)
		s.pipelines[def.Name] = p
	}
	p.mu.Lock()
	p.def = def
	p.mu.Unlock()
	writeJSON(w, http.StatusOK, p.descriptor())
}

func (s *Server) lookupPipeline(w http.ResponseWriter, r *http.Request) (*pipeline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[r.PathValue("name")]
	if !ok {
		writeError(w, http.StatusNotFound, "UnknownPipeline", "unknown pipeline "+r.PathValue("name"))
	}
	return p, ok
}

func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.lookupPipeline(w, r); ok {
		writeJSON(w, http.StatusOK, p.descriptor())
	}
}

func (s *Server) deletePipeline(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPipeline(w, r)
	if !ok {
		return
	}
	if p.status() != client.StatusShutdown {
		writeError(w, http.StatusBadRequest, "PipelineNotShutdown", "pipeline must be shut down before deletion")
		return
	}
	s.mu.Lock()
	delete(s.pipelines, r.PathValue("name"))
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) pipelineConfig(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.lookupPipeline(w, r); ok {
		p.mu.Lock()
		cfg := p.def.Config
		p.mu.Unlock()
		writeJSON(w, http.StatusOK, cfg)
	}
}

func (s *Server) action(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.lookupPipeline(w, r)
		if !ok {
			return
		}
		var err error
		switch action {
		case client.ActionStart:
			err = p.start()
		case client.ActionPause:
			err = p.pause()
		case client.ActionShutdown:
			p.shutdown()
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "IllegalTransition", err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, nil)
	}
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPipeline(w, r)
	if !ok {
		return
	}
	st, err := p.stats()
	if err != nil {
		writeError(w, http.StatusBadRequest, "PipelineNotRunning", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) attachConnector(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPipeline(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	hot := s.hotAttach
	s.mu.Unlock()
	if !hot {
		writeError(w, http.StatusMethodNotAllowed, "NotSupported", "attaching connectors to a deployed pipeline is not supported")
		return
	}
	var a connector.Attachment
	if !decodeBody(w, r, &a) {
		return
	}
	if err := p.attach(a); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidAttachment", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) ingress(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPipeline(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	if q.Get("format") != "json" {
		writeError(w, http.StatusBadRequest, "UnsupportedFormat", "unsupported ingress format "+q.Get("format"))
		return
	}
	status, err := p.ingest(r.PathValue("table"), q.Get("update_format"), q.Get("array") == "true", r.Body)
	if err != nil {
		writeError(w, status, "ParseError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) egress(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPipeline(w, r)
	if !ok {
		return
	}
	p.serveEgress(w, r, r.PathValue("view"), r.URL.Query().Get("mode"))
}
