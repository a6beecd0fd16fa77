package internode

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gioppix/uptime-monitor/internal/domain"
	"github.com/Gioppix/uptime-monitor/internal/heartbeat"
	"github.com/Gioppix/uptime-monitor/internal/region"
)

func TestHandlerRejectsBadAuth(t *testing.T) {
	h := NewHandler("secret", make(chan []uuid.UUID, 1))
	req := httptest.NewRequest(http.MethodPost, "/internal", bytes.NewReader([]byte("[]")))
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerForwardsMutations(t *testing.T) {
	mutations := make(chan []uuid.UUID, 1)
	h := NewHandler("secret", mutations)

	id := uuid.New()
	body, err := json.Marshal([]wireMessage{toWire(domain.InterNodeMessage{Kind: domain.MessageServiceCheckMutation, CheckID: id})})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/internal", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	select {
	case got := <-mutations:
		require.Len(t, got, 1)
		assert.Equal(t, id, got[0])
	default:
		t.Fatal("expected a mutation batch to be forwarded")
	}
}

func TestHandlerReturns200OnFullMutationChannel(t *testing.T) {
	mutations := make(chan []uuid.UUID) // unbuffered, no reader
	h := NewHandler("secret", mutations)

	id := uuid.New()
	body, _ := json.Marshal([]wireMessage{toWire(domain.InterNodeMessage{Kind: domain.MessageServiceCheckMutation, CheckID: id})})
	req := httptest.NewRequest(http.MethodPost, "/internal", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerLogsShutdown(t *testing.T) {
	h := NewHandler("secret", make(chan []uuid.UUID, 1))
	body, _ := json.Marshal([]wireMessage{toWire(domain.InterNodeMessage{Kind: domain.MessageShuttingDown, ProcessID: uuid.New()})})
	req := httptest.NewRequest(http.MethodPost, "/internal", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBroadcastFiltersByBucket(t *testing.T) {
	self := uuid.New()
	p1, p2 := uuid.New(), uuid.New()

	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = jsonBody(r)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	alive := heartbeat.AliveNodes{
		{ProcessID: self, Position: 999, Region: region.FSN1, SocketAddress: "unused:0"},
		{ProcessID: p1, Position: 0, Region: region.FSN1, SocketAddress: server.Listener.Addr().String()},
		{ProcessID: p2, Position: 500, Region: region.FSN1, SocketAddress: server.Listener.Addr().String()},
	}

	b := New("secret", 1, 1000, self, time.Second)
	checkID := uuid.New()
	bucket := 300
	msgs := []MessageWithFilter{{Message: domain.InterNodeMessage{Kind: domain.MessageServiceCheckMutation, CheckID: checkID}, FilterBucket: &bucket}}

	acked := b.Broadcast(context.Background(), msgs, alive)
	// only P1 (range [0,500)) matches bucket 300
	assert.Equal(t, []string{server.Listener.Addr().String()}, acked)
	require.NotEmpty(t, gotBody)
}

func jsonBody(r *http.Request) ([]byte, error) {
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(r.Body)
	return buf.Bytes(), err
}
