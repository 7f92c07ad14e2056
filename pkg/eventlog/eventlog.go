// Package eventlog implements the append-only audit trail of requests and
// responses crossing the verification gateway. Entries are content-hashed
// and never edited; the trail is audit-only and contributes nothing to
// replayable state, which permits retention truncation behind a verified
// checkpoint.
package eventlog

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cypher-asi/zero-os-sub004/pkg/canonical"
	"github.com/cypher-asi/zero-os-sub004/pkg/errcode"
)

// Op names a gateway operation as recorded in a request event.
type Op string

const (
	OpGrant          Op = "grant"
	OpRevoke         Op = "revoke"
	OpDelete         Op = "delete"
	OpDerive         Op = "derive"
	OpUpdate         Op = "update"
	OpEndpointCreate Op = "endpoint_create"
	OpSend           Op = "send"
	OpSendCap        Op = "send_cap"
	OpReceive        Op = "receive"
	OpSpawn          Op = "spawn"
	OpExit           Op = "exit"
	OpYield          Op = "yield"
	OpDebug          Op = "debug"
	OpGetTime        Op = "get_time"
	OpGetPid         Op = "get_pid"
)

// Kind discriminates the event union.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
)

// Request is the request arm of the event union.
type Request struct {
	Op   Op              `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response is the response arm. Exactly one of Data/Code is meaningful:
// Code is zero for Ok responses.
type Response struct {
	RefEvent canonical.ID    `json:"ref_event"`
	Ok       bool            `json:"ok"`
	Data     json.RawMessage `json:"data,omitempty"`
	Code     errcode.Code    `json:"code,omitempty"`
}

// Event is a single audit record. Sender is the process id taken from the
// trusted caller context, never from a request payload. Seq is the
// append position, assigned by the log and stable across retention
// truncation.
type Event struct {
	ID        canonical.ID `json:"id"`
	Seq       uint64       `json:"seq"`
	Timestamp time.Time    `json:"timestamp"`
	Sender    uint64       `json:"sender"`
	Kind      Kind         `json:"kind"`
	Request   *Request     `json:"request,omitempty"`
	Response  *Response    `json:"response,omitempty"`
}

// hashInput is the canonical preimage of an event id: the event minus its
// own id, with the timestamp pinned to UTC RFC3339Nano. Seq is part of
// the preimage so two appends with identical content and equal clamped
// timestamps still mint distinct ids.
type hashInput struct {
	Seq       uint64    `json:"seq"`
	Timestamp string    `json:"timestamp"`
	Sender    uint64    `json:"sender"`
	Kind      Kind      `json:"kind"`
	Request   *Request  `json:"request,omitempty"`
	Response  *Response `json:"response,omitempty"`
}

func eventID(e *Event) (canonical.ID, error) {
	return canonical.Hash(hashInput{
		Seq:       e.Seq,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Sender:    e.Sender,
		Kind:      e.Kind,
		Request:   e.Request,
		Response:  e.Response,
	})
}

// Log is the in-memory audit trail. Appends are serialized; readers only
// ever observe a fully-written prefix.
type Log struct {
	mu      sync.RWMutex
	entries []Event
	byID    map[canonical.ID]int
	lastTS  time.Time
	nextSeq uint64
}

// New returns an empty audit trail.
func New() *Log {
	return &Log{byID: make(map[canonical.ID]int)}
}

// clampTS enforces non-decreasing timestamps within the log.
func (l *Log) clampTS(ts time.Time) time.Time {
	if ts.Before(l.lastTS) {
		return l.lastTS
	}
	return ts
}

// AppendRequest records an incoming request and returns its event id.
func (l *Log) AppendRequest(sender uint64, op Op, args json.RawMessage, ts time.Time) (canonical.ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Event{
		Timestamp: l.clampTS(ts.UTC()),
		Sender:    sender,
		Kind:      KindRequest,
		Request:   &Request{Op: op, Args: args},
	}
	return l.push(e)
}

// AppendOk records a successful response correlated to a request.
func (l *Log) AppendOk(ref canonical.ID, data json.RawMessage, ts time.Time) (canonical.ID, error) {
	return l.appendResponse(ref, &Response{RefEvent: ref, Ok: true, Data: data}, ts)
}

// AppendErr records a failed response correlated to a request.
func (l *Log) AppendErr(ref canonical.ID, code errcode.Code, ts time.Time) (canonical.ID, error) {
	return l.appendResponse(ref, &Response{RefEvent: ref, Ok: false, Code: code}, ts)
}

func (l *Log) appendResponse(ref canonical.ID, resp *Response, ts time.Time) (canonical.ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.lookup(ref)
	if !ok || req.Kind != KindRequest {
		return "", errcode.New(errcode.NotFound, "response references unknown request %s", ref)
	}

	e := Event{
		Timestamp: l.clampTS(ts.UTC()),
		Sender:    req.Sender,
		Kind:      KindResponse,
		Response:  resp,
	}
	return l.push(e)
}

// push assumes l.mu is held.
func (l *Log) push(e Event) (canonical.ID, error) {
	e.Seq = l.nextSeq
	id, err := eventID(&e)
	if err != nil {
		return "", err
	}
	e.ID = id
	l.entries = append(l.entries, e)
	l.byID[id] = len(l.entries) - 1
	l.lastTS = e.Timestamp
	l.nextSeq++
	return id, nil
}

// lookup assumes l.mu is held (read or write).
func (l *Log) lookup(id canonical.ID) (*Event, bool) {
	i, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	return &l.entries[i], true
}

// GetByID returns the event with the given id.
func (l *Log) GetByID(id canonical.ID) (Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.lookup(id)
	if !ok {
		return Event{}, false
	}
	return *e, true
}

// BySender returns all events recorded for a sender, in append order.
func (l *Log) BySender(sender uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Event
	for _, e := range l.entries {
		if e.Sender == sender {
			out = append(out, e)
		}
	}
	return out
}

// ResponseFor returns the response event correlated to a request id.
func (l *Log) ResponseFor(requestID canonical.ID) (Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.Kind == KindResponse && e.Response.RefEvent == requestID {
			return e, true
		}
	}
	return Event{}, false
}

// ByTime returns events with from <= Timestamp < to, in append order.
func (l *Log) ByTime(from, to time.Time) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Event
	for _, e := range l.entries {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			out = append(out, e)
		}
	}
	return out
}

// Range returns a copy of entries [start, end) by position.
func (l *Log) Range(start, end int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if start < 0 {
		start = 0
	}
	if end > len(l.entries) {
		end = len(l.entries)
	}
	if start >= end {
		return nil
	}
	out := make([]Event, end-start)
	copy(out, l.entries[start:end])
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// TruncateBefore drops entries strictly older than anchor. The anchor
// must be the timestamp of a checkpoint commit; the gateway's
// TruncateEvents supplies it from the commit log. Truncation has no
// effect on replayable state because this log is audit-only. Returns the
// number of entries dropped.
func (l *Log) TruncateBefore(anchor time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cut := 0
	for cut < len(l.entries) && l.entries[cut].Timestamp.Before(anchor) {
		cut++
	}
	if cut == 0 {
		return 0
	}
	l.entries = append([]Event(nil), l.entries[cut:]...)
	l.byID = make(map[canonical.ID]int, len(l.entries))
	for i := range l.entries {
		l.byID[l.entries[i].ID] = i
	}
	return cut
}
