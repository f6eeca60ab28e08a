package clienttest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/client"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/connector"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/format"
)

type pipeline struct {
	srv *Server

	mu        sync.Mutex
	def       client.Pipeline
	state     string
	lastError string
	gen       int
	prog      *compiled
	delay     time.Duration
	tables    map[string]Rows
	viewRows  map[string]Rows
	subs      map[string]map[*subscriber]struct{}
	endpoints map[string]*endpoint
	queue     []batch
	kick      chan struct{}
	stop      chan struct{}
	seq       int64
	input     uint64
	processed uint64
	buffered  uint64
}

type endpoint struct {
	name      string
	relation  string
	input     bool
	transport connector.TransportConfig
	format    connector.FormatConfig
	records   uint64
	pending   int
	finite    bool
}

type batch struct {
	gen      int
	table    string
	changes  []format.Change
	endpoint *endpoint
}

type subscriber struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

func newPipeline(s *Server) *pipeline {
	return &pipeline{srv: s, state: client.StatusShutdown}
}

func (p *pipeline) status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *pipeline) descriptor() client.Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.def
	d.Status = p.state
	d.Error = p.lastError
	return d
}

type deployment struct {
	prog       *compiled
	connectors map[string]connector.Config
	urls       map[string]string
	delay      time.Duration
}

// snapshotServer copies what a deployment needs from the server. It must not
// be called with p.mu held.
func (p *pipeline) snapshotServer(programName string) (*deployment, error) {
	s := p.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	prog, ok := s.programs[programName]
	if !ok {
		return nil, fmt.Errorf("unknown program %s", programName)
	}
	if prog.compiled == nil {
		return nil, fmt.Errorf("program %s is not compiled (%s)", programName, prog.Status.State)
	}
	d := &deployment{
		prog:       prog.compiled,
		connectors: make(map[string]connector.Config, len(s.connectors)),
		urls:       make(map[string]string, len(s.urls)),
		delay:      s.processingDelay,
	}
	for k, v := range s.connectors {
		d.connectors[k] = v
	}
	for k, v := range s.urls {
		d.urls[k] = v
	}
	return d, nil
}

func (p *pipeline) deploy() error {
	p.mu.Lock()
	programName := p.def.ProgramName
	p.mu.Unlock()

	d, err := p.snapshotServer(programName)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != client.StatusShutdown {
		return nil
	}
	p.gen++
	p.prog = d.prog
	p.delay = d.delay
	p.tables = map[string]Rows{}
	for _, t := range d.prog.tables {
		p.tables[strings.ToLower(t.name)] = Rows{}
	}
	p.viewRows = map[string]Rows{}
	p.subs = map[string]map[*subscriber]struct{}{}
	p.endpoints = map[string]*endpoint{}
	p.queue = nil
	p.seq, p.input, p.processed, p.buffered = 0, 0, 0, 0
	p.lastError = ""
	p.kick = make(chan struct{}, 1)
	p.stop = make(chan struct{})
	p.state = client.StatusPaused

	for _, a := range p.def.Connectors {
		if err := p.attachLocked(a, d); err != nil {
			p.state = client.StatusFailed
			p.lastError = err.Error()
			return nil
		}
	}
	go p.run(p.gen, p.stop, p.kick)
	return nil
}

func (p *pipeline) attach(a connector.Attachment) error {
	p.mu.Lock()
	programName := p.def.ProgramName
	p.mu.Unlock()
	d, err := p.snapshotServer(programName)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != client.StatusRunning && p.state != client.StatusPaused {
		return fmt.Errorf("pipeline is not deployed")
	}
	if err := p.attachLocked(a, d); err != nil {
		return err
	}
	p.def.Connectors = append(p.def.Connectors, a)
	p.wake()
	return nil
}

func (p *pipeline) attachLocked(a connector.Attachment, d *deployment) error {
	cfg, ok := d.connectors[a.ConnectorName]
	if !ok {
		return fmt.Errorf("unknown connector %s", a.ConnectorName)
	}
	rel := strings.ToLower(a.RelationName)
	if a.IsInput {
		if _, ok := p.tables[rel]; !ok {
			return fmt.Errorf("unknown table %s", a.RelationName)
		}
	} else if p.view(rel) == nil {
		return fmt.Errorf("unknown view %s", a.RelationName)
	}

	ep := &endpoint{
		name:      a.RelationName + "." + a.Name,
		relation:  rel,
		input:     a.IsInput,
		transport: cfg.Transport,
		format:    cfg.Format,
	}
	p.endpoints[ep.name] = ep
	if !ep.input {
		return nil
	}

	var content []byte
	path, _ := cfg.Transport.Config["path"].(string)
	switch cfg.Transport.Name {
	case connector.URLInput:
		body, ok := d.urls[path]
		if !ok {
			return fmt.Errorf("url %s: 404 Not Found", path)
		}
		content = []byte(body)
	case connector.FileInput:
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		content = body
	default:
		// Unbounded sources never reach end of input.
		return nil
	}

	changes, err := decodeWith(cfg.Format, content)
	if err != nil {
		return fmt.Errorf("connector %s: %v", a.ConnectorName, err)
	}
	ep.finite = true
	p.enqueueLocked(batch{gen: p.gen, table: rel, changes: changes, endpoint: ep})
	return nil
}

func decodeWith(f connector.FormatConfig, content []byte) ([]format.Change, error) {
	if f.Name != "json" {
		return nil, fmt.Errorf("unsupported input format %s", f.Name)
	}
	codec := format.NewJSON()
	if u, ok := f.Config["update_format"].(string); ok && u != "" {
		codec = codec.WithUpdateFormat(format.UpdateFormat(u))
	}
	if a, ok := f.Config["array"].(bool); ok {
		codec = codec.WithArray(a)
	}
	return codec.Decode(content)
}

func (p *pipeline) view(name string) *view {
	if p.prog == nil {
		return nil
	}
	for i := range p.prog.views {
		if strings.ToLower(p.prog.views[i].name) == name {
			return &p.prog.views[i]
		}
	}
	return nil
}

func (p *pipeline) table(name string) *table {
	if p.prog == nil {
		return nil
	}
	for i := range p.prog.tables {
		if strings.ToLower(p.prog.tables[i].name) == name {
			return &p.prog.tables[i]
		}
	}
	return nil
}

func (p *pipeline) enqueueLocked(b batch) {
	n := uint64(len(b.changes))
	if b.endpoint != nil {
		b.endpoint.pending++
	}
	p.queue = append(p.queue, b)
	p.input += n
	p.buffered += n
	p.wake()
}

func (p *pipeline) wake() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *pipeline) start() error {
	if p.status() == client.StatusShutdown {
		if err := p.deploy(); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case client.StatusPaused, client.StatusRunning:
		p.state = client.StatusRunning
		p.wake()
		return nil
	}
	return fmt.Errorf("cannot start a %s pipeline", p.state)
}

func (p *pipeline) pause() error {
	if p.status() == client.StatusShutdown {
		return p.deploy()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case client.StatusPaused, client.StatusRunning:
		p.state = client.StatusPaused
		return nil
	}
	return fmt.Errorf("cannot pause a %s pipeline", p.state)
}

func (p *pipeline) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == client.StatusShutdown {
		return
	}
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	for _, subs := range p.subs {
		for sub := range subs {
			sub.close()
		}
	}
	p.subs = nil
	p.queue = nil
	p.tables = nil
	p.viewRows = nil
	p.endpoints = nil
	p.state = client.StatusShutdown
}

func (p *pipeline) run(gen int, stop <-chan struct{}, kick <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-kick:
		}
		for {
			p.mu.Lock()
			if p.gen != gen || p.state != client.StatusRunning || len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			b := p.queue[0]
			p.queue = p.queue[1:]
			delay := p.delay
			p.mu.Unlock()

			time.Sleep(delay)
			p.process(b)
		}
	}
}

type delivery struct {
	sub  *subscriber
	line []byte
}

func (p *pipeline) process(b batch) {
	p.mu.Lock()
	if p.gen != b.gen || p.tables == nil {
		p.mu.Unlock()
		return
	}
	rows := p.tables[b.table]
	for _, c := range b.changes {
		for n := c.Weight; n > 0; n-- {
			rows = append(rows, c.Row)
		}
		for n := c.Weight; n < 0; n++ {
			rows = removeRow(rows, c.Row)
		}
	}
	p.tables[b.table] = rows

	var out []delivery
	for _, v := range p.prog.views {
		name := strings.ToLower(v.name)
		next := v.eval(p.tables)
		changes := diff(p.viewRows[name], next)
		p.viewRows[name] = next
		if len(changes) == 0 {
			continue
		}
		p.seq++
		line, _ := json.Marshal(map[string]interface{}{"sequence_number": p.seq, "json_data": changes})
		line = append(line, '\n')
		for sub := range p.subs[name] {
			out = append(out, delivery{sub: sub, line: line})
		}
		p.writeOutputs(name, changes)
	}

	n := uint64(len(b.changes))
	p.processed += n
	p.buffered -= n
	if b.endpoint != nil {
		b.endpoint.records += n
		b.endpoint.pending--
	}
	p.mu.Unlock()

	for _, d := range out {
		select {
		case d.sub.ch <- d.line:
		case <-d.sub.done:
		}
	}
}

func removeRow(rows Rows, row map[string]interface{}) Rows {
	key := rowKey(row)
	for i, r := range rows {
		if rowKey(r) == key {
			return append(rows[:i:i], rows[i+1:]...)
		}
	}
	return rows
}

// writeOutputs appends changes to the file_output connectors of a view.
func (p *pipeline) writeOutputs(view string, changes []map[string]interface{}) {
	for _, ep := range p.endpoints {
		if ep.input || ep.relation != view || ep.transport.Name != connector.FileOutput {
			continue
		}
		path, _ := ep.transport.Config["path"].(string)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Errorf("output %s: %v", ep.name, err)
			continue
		}
		enc := json.NewEncoder(f)
		for _, c := range changes {
			enc.Encode(c)
		}
		f.Close()
		ep.records += uint64(len(changes))
	}
}

func (p *pipeline) stats() (*client.Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != client.StatusRunning && p.state != client.StatusPaused {
		return nil, fmt.Errorf("pipeline is %s", p.state)
	}
	st := &client.Stats{
		Global: client.GlobalMetrics{
			BufferedInputRecords:  p.buffered,
			TotalInputRecords:     p.input,
			TotalProcessedRecords: p.processed,
		},
	}
	complete := p.buffered == 0
	for _, ep := range p.endpoints {
		es := client.EndpointStats{
			Endpoint: ep.name,
			Metrics:  map[string]interface{}{"total_records": ep.records},
		}
		if ep.input {
			eoi := ep.finite && ep.pending == 0
			es.Metrics["end_of_input"] = eoi
			complete = complete && eoi
			st.Inputs = append(st.Inputs, es)
		} else {
			st.Outputs = append(st.Outputs, es)
		}
	}
	st.Global.PipelineComplete = complete
	return st, nil
}

func (p *pipeline) ingest(tableName, update string, array bool, body io.Reader) (int, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	codec := format.NewJSON().WithArray(array)
	if update != "" {
		codec = codec.WithUpdateFormat(format.UpdateFormat(update))
	}
	changes, err := codec.Decode(raw)
	if err != nil {
		return http.StatusBadRequest, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != client.StatusRunning && p.state != client.StatusPaused {
		return http.StatusBadRequest, fmt.Errorf("pipeline is %s", p.state)
	}
	t := p.table(strings.ToLower(tableName))
	if t == nil {
		return http.StatusNotFound, fmt.Errorf("unknown table %s", tableName)
	}
	for i, c := range changes {
		for k := range c.Row {
			if !t.hasColumn(k) {
				return http.StatusBadRequest, fmt.Errorf("record %d: unknown column %s of table %s", i, k, t.name)
			}
		}
	}
	p.enqueueLocked(batch{gen: p.gen, table: strings.ToLower(t.name), changes: changes})
	return http.StatusOK, nil
}

func (t *table) hasColumn(name string) bool {
	for _, c := range t.columns {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

func (p *pipeline) serveEgress(w http.ResponseWriter, r *http.Request, viewName, mode string) {
	name := strings.ToLower(viewName)

	p.mu.Lock()
	if p.state != client.StatusRunning && p.state != client.StatusPaused {
		state := p.state
		p.mu.Unlock()
		writeError(w, http.StatusBadRequest, "PipelineNotRunning", "pipeline is "+state)
		return
	}
	v := p.view(name)
	if v == nil {
		p.mu.Unlock()
		writeError(w, http.StatusNotFound, "UnknownView", "unknown view "+viewName)
		return
	}

	if mode == client.ModeSnapshot {
		if !v.materialized {
			p.mu.Unlock()
			writeError(w, http.StatusBadRequest, "NotMaterialized", "view "+viewName+" is not materialized")
			return
		}
		changes := diff(nil, p.viewRows[name])
		p.seq++
		seq := p.seq
		p.mu.Unlock()

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		if len(changes) > 0 {
			json.NewEncoder(w).Encode(map[string]interface{}{"sequence_number": seq, "json_data": changes})
		}
		return
	}

	sub := &subscriber{ch: make(chan []byte, 1024), done: make(chan struct{})}
	if p.subs[name] == nil {
		p.subs[name] = map[*subscriber]struct{}{}
	}
	p.subs[name][sub] = struct{}{}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.subs != nil {
			delete(p.subs[name], sub)
		}
		p.mu.Unlock()
		sub.close()
	}()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}
	for {
		select {
		case line := <-sub.ch:
			if _, err := io.Copy(w, bytes.NewReader(line)); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-sub.done:
			// drain what was queued before shutdown
			for {
				select {
				case line := <-sub.ch:
					w.Write(line)
				default:
					return
				}
			}
		case <-r.Context().Done():
			return
		}
	}
}
