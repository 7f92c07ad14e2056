package eventlog_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cypher-asi/zero-os-sub004/pkg/canonical"
	"github.com/cypher-asi/zero-os-sub004/pkg/errcode"
	"github.com/cypher-asi/zero-os-sub004/pkg/eventlog"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestAppendRequest_AssignsContentHashID(t *testing.T) {
	l := eventlog.New()

	id, err := l.AppendRequest(1, eventlog.OpGrant, json.RawMessage(`{"grantee":2}`), t0)
	require.NoError(t, err)
	assert.True(t, canonical.ValidID(id))

	e, ok := l.GetByID(id)
	require.True(t, ok)
	assert.Equal(t, eventlog.KindRequest, e.Kind)
	assert.Equal(t, uint64(1), e.Sender)
	assert.Equal(t, eventlog.OpGrant, e.Request.Op)
}

func TestAppendOk_CorrelatesToRequest(t *testing.T) {
	l := eventlog.New()
	reqID, err := l.AppendRequest(1, eventlog.OpSpawn, nil, t0)
	require.NoError(t, err)

	respID, err := l.AppendOk(reqID, json.RawMessage(`{"pid":2}`), t0.Add(time.Millisecond))
	require.NoError(t, err)
	assert.NotEqual(t, reqID, respID)

	resp, ok := l.ResponseFor(reqID)
	require.True(t, ok)
	assert.Equal(t, respID, resp.ID)
	assert.True(t, resp.Response.Ok)
	assert.Equal(t, errcode.OK, resp.Response.Code)
	// The response is attributed to the request's sender.
	assert.Equal(t, uint64(1), resp.Sender)
}

func TestAppendErr_CarriesCode(t *testing.T) {
	l := eventlog.New()
	reqID, err := l.AppendRequest(1, eventlog.OpGrant, nil, t0)
	require.NoError(t, err)

	_, err = l.AppendErr(reqID, errcode.PermissionDenied, t0)
	require.NoError(t, err)

	resp, ok := l.ResponseFor(reqID)
	require.True(t, ok)
	assert.False(t, resp.Response.Ok)
	assert.Equal(t, errcode.PermissionDenied, resp.Response.Code)
}

func TestAppendResponse_UnknownRefFails(t *testing.T) {
	l := eventlog.New()

	_, err := l.AppendOk(canonical.ZeroID, nil, t0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errcode.ErrNotFound))
	assert.Equal(t, 0, l.Len())
}

func TestAppend_TimestampsNeverDecrease(t *testing.T) {
	l := eventlog.New()

	id1, err := l.AppendRequest(1, eventlog.OpYield, nil, t0)
	require.NoError(t, err)
	// A clock that stepped backwards is clamped to the previous entry.
	id2, err := l.AppendRequest(1, eventlog.OpYield, nil, t0.Add(-time.Hour))
	require.NoError(t, err)

	e1, _ := l.GetByID(id1)
	e2, _ := l.GetByID(id2)
	assert.False(t, e2.Timestamp.Before(e1.Timestamp))
}

func TestAppendRequest_RepeatedContentMintsDistinctIDs(t *testing.T) {
	l := eventlog.New()

	// Same sender, op and args; the second clock steps backwards so the
	// clamp gives both entries an identical timestamp.
	id1, err := l.AppendRequest(1, eventlog.OpYield, nil, t0)
	require.NoError(t, err)
	id2, err := l.AppendRequest(1, eventlog.OpYield, nil, t0.Add(-time.Hour))
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, l.Len())

	e1, ok := l.GetByID(id1)
	require.True(t, ok)
	e2, ok := l.GetByID(id2)
	require.True(t, ok)
	assert.Equal(t, e1.Timestamp, e2.Timestamp)
	assert.Equal(t, e1.Seq+1, e2.Seq)

	// Correlation stays unambiguous: a response for the first request
	// never answers for the second.
	_, err = l.AppendOk(id1, nil, t0)
	require.NoError(t, err)
	resp, ok := l.ResponseFor(id1)
	require.True(t, ok)
	assert.Equal(t, id1, resp.Response.RefEvent)
	_, ok = l.ResponseFor(id2)
	assert.False(t, ok)
}

func TestBySender(t *testing.T) {
	l := eventlog.New()
	_, err := l.AppendRequest(1, eventlog.OpYield, nil, t0)
	require.NoError(t, err)
	_, err = l.AppendRequest(2, eventlog.OpYield, nil, t0)
	require.NoError(t, err)
	_, err = l.AppendRequest(1, eventlog.OpExit, nil, t0)
	require.NoError(t, err)

	got := l.BySender(1)
	require.Len(t, got, 2)
	assert.Equal(t, eventlog.OpYield, got[0].Request.Op)
	assert.Equal(t, eventlog.OpExit, got[1].Request.Op)
}

func TestByTime_HalfOpenWindow(t *testing.T) {
	l := eventlog.New()
	for i := 0; i < 5; i++ {
		_, err := l.AppendRequest(1, eventlog.OpYield, nil, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	got := l.ByTime(t0.Add(time.Second), t0.Add(3*time.Second))
	assert.Len(t, got, 2)
}

func TestTruncateBefore_DropsOldAndReindexes(t *testing.T) {
	l := eventlog.New()
	var ids []canonical.ID
	for i := 0; i < 4; i++ {
		id, err := l.AppendRequest(1, eventlog.OpYield, nil, t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	dropped := l.TruncateBefore(t0.Add(2 * time.Minute))
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 2, l.Len())

	_, ok := l.GetByID(ids[0])
	assert.False(t, ok)
	// Surviving entries stay addressable after the index rebuild.
	_, ok = l.GetByID(ids[2])
	assert.True(t, ok)
	_, ok = l.GetByID(ids[3])
	assert.True(t, ok)

	assert.Equal(t, 0, l.TruncateBefore(t0))
}

func TestExport_JSONLWithChecksum(t *testing.T) {
	l := eventlog.New()
	reqID, err := l.AppendRequest(1, eventlog.OpGrant, json.RawMessage(`{"grantee":2}`), t0)
	require.NoError(t, err)
	_, err = l.AppendOk(reqID, nil, t0.Add(time.Second))
	require.NoError(t, err)

	var buf bytes.Buffer
	manifest, err := l.Export(&buf, t0, t0.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, 2, manifest.Count)
	assert.Len(t, manifest.ExportID, 36)
	assert.Equal(t, canonical.HashBytes(buf.Bytes()), manifest.Checksum)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var first eventlog.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, reqID, first.ID)
}

func TestExport_InvertedWindowFails(t *testing.T) {
	l := eventlog.New()
	var buf bytes.Buffer

	_, err := l.Export(&buf, t0.Add(time.Hour), t0)
	assert.ErrorIs(t, err, eventlog.ErrInvalidTimeRange)
}
