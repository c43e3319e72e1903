package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"s7link/config"
	"s7link/poller"
	"s7link/s7"
	"s7link/session"
	"s7link/tagio"
)

// Stations gives the API access to sessions and their pollers.
// session.Manager implements it.
type Stations interface {
	Get(name string) (*session.Session, error)
	List() []*session.Session
	Poller(name string) *poller.Poller
}

// StationResponse is the JSON body for one station.
type StationResponse struct {
	session.Status
	Breaker  string     `json:"breaker,omitempty"`
	LastPoll *time.Time `json:"last_poll,omitempty"`
}

// TagResponse is the JSON body for one tag read.
type TagResponse struct {
	Name    string    `json:"name,omitempty"`
	Address string    `json:"address"`
	Type    string    `json:"type"`
	Value   *s7.Value `json:"value"`
	Text    string    `json:"text,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// WriteRequest is the JSON body of POST /stations/{station}/write. Either
// Tag names a registry entry or Address and Type are given.
type WriteRequest struct {
	Tag     string          `json:"tag,omitempty"`
	Address string          `json:"address,omitempty"`
	Type    string          `json:"type,omitempty"`
	Format  string          `json:"format,omitempty"` // dec, hex or bin for string values
	Value   json.RawMessage `json:"value"`
}

// WriteResponse is returned after a successful write.
type WriteResponse struct {
	Address   string `json:"address"`
	Type      string `json:"type"`
	Value     string `json:"value"`
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp"`
}

// BatchWriteResponse reports a batch write.
type BatchWriteResponse struct {
	Written int          `json:"written"`
	Failed  int          `json:"failed"`
	Errors  []BatchError `json:"errors"`
}

// BatchError is one failed entry of a batch write.
type BatchError struct {
	Address string `json:"address,omitempty"`
	Error   string `json:"error"`
}

// maxWriteBody bounds the size of a write request body.
const maxWriteBody = 1 << 20

type handlers struct {
	stations Stations
	hub      *Hub
}

// NewRouter builds the REST API. hub may be nil, which disables /events.
func NewRouter(stations Stations, cfg config.APIConfig, hub *Hub) chi.Router {
	h := &handlers{stations: stations, hub: hub}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(basicAuth(cfg.Users))

	r.Get("/stations", h.handleListStations)
	r.Route("/stations/{station}", func(r chi.Router) {
		r.Get("/", h.handleStation)
		r.Post("/connect", h.handleConnect)
		r.Post("/disconnect", h.handleDisconnect)
		r.Post("/reset", h.handleReset)
		r.Get("/tags", h.handleTags)
		r.Get("/values", h.handleValues)
		r.Get("/read", h.handleRead)
		r.Get("/bits", h.handleBits)
		r.Post("/write", h.handleWrite)
		r.Get("/events", h.handleEvents)
	})
	r.Get("/events", h.handleEvents)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.stations.Get(chi.URLParam(r, "station"))
	if err != nil {
		writeErr(w, err)
		return nil, false
	}
	return s, true
}

func (h *handlers) stationResponse(s *session.Session) StationResponse {
	resp := StationResponse{Status: s.Status()}
	if p := h.stations.Poller(s.Name()); p != nil {
		resp.Breaker = p.BreakerState()
		if last := p.Stats().LastPoll; !last.IsZero() {
			resp.LastPoll = &last
		}
	}
	return resp
}

func (h *handlers) handleListStations(w http.ResponseWriter, r *http.Request) {
	list := h.stations.List()
	out := make([]StationResponse, 0, len(list))
	for _, s := range list {
		out = append(out, h.stationResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) handleStation(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.stationResponse(s))
}

func (h *handlers) lifecycle(op func(*session.Session) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := h.session(w, r)
		if !ok {
			return
		}
		if err := op(s); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.stationResponse(s))
	}
}

func (h *handlers) handleConnect(w http.ResponseWriter, r *http.Request) {
	h.lifecycle((*session.Session).Connect)(w, r)
}

func (h *handlers) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	h.lifecycle((*session.Session).Disconnect)(w, r)
}

func (h *handlers) handleReset(w http.ResponseWriter, r *http.Request) {
	h.lifecycle((*session.Session).Reset)(w, r)
}

// handleTags reads every registry tag live.
func (h *handlers) handleTags(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if !s.Link().Connected() {
		writeErr(w, tagio.ErrNotConnected)
		return
	}

	st := s.Station()
	names := st.TagNames()
	out := make([]TagResponse, len(names))
	var reqs []tagio.Request
	var idx []int
	for i, name := range names {
		tag := st.Tags[name]
		out[i] = TagResponse{Name: name, Address: tag.Address, Type: tag.Type}
		kind, err := tag.Kind()
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		out[i].Type = kind.String()
		reqs = append(reqs, tagio.Request{Address: tag.Address, Kind: kind})
		idx = append(idx, i)
	}

	for j, res := range s.IO().ReadMany(reqs) {
		i := idx[j]
		if res.Err != nil {
			out[i].Error = res.Err.Error()
			continue
		}
		v := res.Value
		out[i].Value = &v
		out[i].Text = s7.FormatValue(v, st.Tags[names[i]].DisplayFormat)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) handleValues(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	p := h.stations.Poller(s.Name())
	if p == nil {
		writeError(w, http.StatusServiceUnavailable, "polling not running")
		return
	}
	writeJSON(w, http.StatusOK, p.Values())
}

func (h *handlers) handleRead(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	address := q.Get("address")
	if address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	kind, err := s7.ParseKind(q.Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	v, err := s.IO().ReadTag(address, kind)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TagResponse{
		Address: address,
		Type:    kind.String(),
		Value:   &v,
		Text:    s7.FormatValue(v, q.Get("format")),
	})
}

// handleBits reads length bytes starting at address and returns every bit.
func (h *handlers) handleBits(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	loc, err := s7.Parse(q.Get("address"))
	if err != nil {
		writeErr(w, err)
		return
	}
	length := 1
	if v := q.Get("length"); v != "" {
		length, err = strconv.Atoi(v)
		if err != nil || length < 1 || length > 64 {
			writeError(w, http.StatusBadRequest, "length must be 1-64")
			return
		}
	}

	bits, err := s.IO().ReadBits(loc.Area, loc.Block, loc.Offset, length)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bits)
}

// handleWrite writes one WriteRequest, or a JSON array of them in order.
func (h *handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWriteBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		h.writeBatch(w, s, body)
		return
	}

	var req WriteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	wr, err := resolveWrite(s.Station(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.IO().WriteTag(wr.Address, wr.Kind, wr.Value); err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, WriteResponse{
		Address:   wr.Address,
		Type:      wr.Kind.String(),
		Value:     fmt.Sprint(wr.Value),
		Success:   true,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// writeBatch writes every resolvable request in order. One failure never
// stops the rest; the response is 207 unless all succeeded.
func (h *handlers) writeBatch(w http.ResponseWriter, s *session.Session, body []byte) {
	var reqs []WriteRequest
	if err := json.Unmarshal(body, &reqs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(reqs) == 0 {
		writeError(w, http.StatusBadRequest, "empty batch")
		return
	}

	resp := BatchWriteResponse{Errors: []BatchError{}}
	batch := make([]tagio.WriteRequest, 0, len(reqs))
	for _, req := range reqs {
		wr, err := resolveWrite(s.Station(), req)
		if err != nil {
			name := req.Tag
			if name == "" {
				name = req.Address
			}
			resp.Errors = append(resp.Errors, BatchError{Address: name, Error: err.Error()})
			continue
		}
		batch = append(batch, wr)
	}

	written, errs := s.IO().WriteMany(batch)
	for _, err := range errs {
		be := BatchError{Error: err.Error()}
		var tagErr *tagio.TagError
		if errors.As(err, &tagErr) {
			be.Address = tagErr.Address
		}
		resp.Errors = append(resp.Errors, be)
	}
	resp.Written = written
	resp.Failed = len(resp.Errors)

	status := http.StatusOK
	if resp.Failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

// resolveWrite turns a request into a typed write. A Tag request takes its
// address, type and default format from the station's table.
func resolveWrite(st config.Station, req WriteRequest) (tagio.WriteRequest, error) {
	if req.Tag != "" {
		tag, found := st.Tags[req.Tag]
		if !found {
			return tagio.WriteRequest{}, fmt.Errorf("%w %q", session.ErrUnknownTag, req.Tag)
		}
		req.Address = tag.Address
		req.Type = tag.Type
		if req.Format == "" {
			req.Format = tag.SendingFormat
		}
	}
	if req.Address == "" || len(req.Value) == 0 {
		return tagio.WriteRequest{}, badRequest("address and value are required")
	}
	kind, err := s7.ParseKind(req.Type)
	if err != nil {
		return tagio.WriteRequest{}, badRequest(err.Error())
	}
	value, err := decodeValue(req.Value, kind, req.Format)
	if err != nil {
		return tagio.WriteRequest{}, err
	}
	return tagio.WriteRequest{Address: req.Address, Kind: kind, Value: value}, nil
}

// decodeValue accepts a JSON bool, number or string. Strings are parsed in
// format.
func decodeValue(raw json.RawMessage, kind s7.Kind, format string) (s7.Value, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return s7.ParseValue(text, kind, format)
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		data, err := s7.Encode(b, kind, -1)
		if err != nil {
			return s7.Value{}, err
		}
		return s7.Decode(data, kind, -1)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return s7.ParseValue(n.String(), kind, s7.FormatDec)
	}
	return s7.Value{}, &s7.CodecError{Kind: kind, Err: s7.ErrTypeMismatch, Detail: "value must be a bool, number or string"}
}

func (h *handlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeError(w, http.StatusNotFound, "events not enabled")
		return
	}
	station := chi.URLParam(r, "station")
	if station != "" {
		if _, err := h.stations.Get(station); err != nil {
			writeErr(w, err)
			return
		}
	}
	h.hub.serve(w, r, station)
}

var _ poller.Sink = (*Hub)(nil)
