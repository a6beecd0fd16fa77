// Package internode implements component F: the best-effort authenticated
// broadcast of mutation notices between workers, and the inbound handler
// that receives them.
package internode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Gioppix/uptime-monitor/internal/domain"
	"github.com/Gioppix/uptime-monitor/internal/heartbeat"
	"github.com/Gioppix/uptime-monitor/internal/ring"
	"github.com/Gioppix/uptime-monitor/pkg/log"
)

// MessageWithFilter pairs a message with an optional bucket filter: when
// FilterBucket is set, the message is only delivered to a peer whose
// current RingRange contains that bucket (spec.md §4.F).
type MessageWithFilter struct {
	Message      domain.InterNodeMessage
	FilterBucket *int
}

// wireMessage is the JSON shape exchanged over POST /internal (spec.md §6):
// a discriminated union keyed by the variant name.
type wireMessage struct {
	ServiceCheckMutation *struct {
		CheckID uuid.UUID `json:"check_id"`
	} `json:"ServiceCheckMutation,omitempty"`
	ShuttingDown *struct {
		ProcessID uuid.UUID `json:"process_id"`
	} `json:"ShuttingDown,omitempty"`
}

func toWire(m domain.InterNodeMessage) wireMessage {
	switch m.Kind {
	case domain.MessageServiceCheckMutation:
		return wireMessage{ServiceCheckMutation: &struct {
			CheckID uuid.UUID `json:"check_id"`
		}{CheckID: m.CheckID}}
	case domain.MessageShuttingDown:
		return wireMessage{ShuttingDown: &struct {
			ProcessID uuid.UUID `json:"process_id"`
		}{ProcessID: m.ProcessID}}
	}
	return wireMessage{}
}

func fromWire(w wireMessage) (domain.InterNodeMessage, bool) {
	if w.ServiceCheckMutation != nil {
		return domain.InterNodeMessage{Kind: domain.MessageServiceCheckMutation, CheckID: w.ServiceCheckMutation.CheckID}, true
	}
	if w.ShuttingDown != nil {
		return domain.InterNodeMessage{Kind: domain.MessageShuttingDown, ProcessID: w.ShuttingDown.ProcessID}, true
	}
	return domain.InterNodeMessage{}, false
}

// Broadcaster sends mutation notices to every alive peer, filtered
// per-peer by ring range.
type Broadcaster struct {
	client            *http.Client
	sharedSecret      string
	replicationFactor int
	ringSize          int
	selfProcessID     uuid.UUID
}

// New constructs a Broadcaster. timeout bounds each per-peer HTTP call.
func New(sharedSecret string, replicationFactor, ringSize int, selfProcessID uuid.UUID, timeout time.Duration) *Broadcaster {
	return &Broadcaster{
		client:            &http.Client{Timeout: timeout},
		sharedSecret:      sharedSecret,
		replicationFactor: replicationFactor,
		ringSize:          ringSize,
		selfProcessID:     selfProcessID,
	}
}

// Broadcast sends messages to every alive peer (across all regions) whose
// range contains the relevant filter bucket, running all peer calls
// concurrently. Returns the socket addresses of the peers that responded
// 2xx.
func (b *Broadcaster) Broadcast(ctx context.Context, messages []MessageWithFilter, alive heartbeat.AliveNodes) []string {
	byRegion := map[string][]domain.Heartbeat{}
	for _, hb := range alive {
		byRegion[string(hb.Region)] = append(byRegion[string(hb.Region)], hb)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var acked []string

	for _, hb := range alive {
		if hb.ProcessID == b.selfProcessID {
			continue
		}
		regionPeers := byRegion[string(hb.Region)]
		filtered := b.filterFor(hb, regionPeers, messages)
		if len(filtered) == 0 {
			continue
		}
		if hb.SocketAddress == "" {
			log.Logger.Warn().Str("process_id", hb.ProcessID.String()).Msg("dropping broadcast to peer with no socket address")
			continue
		}

		wg.Add(1)
		go func(hb domain.Heartbeat, msgs []domain.InterNodeMessage) {
			defer wg.Done()
			ok := b.sendTo(ctx, hb.SocketAddress, msgs)
			if ok {
				mu.Lock()
				acked = append(acked, hb.SocketAddress)
				mu.Unlock()
			}
		}(hb, filtered)
	}

	wg.Wait()
	return acked
}

// filterFor computes the subset of messages a given peer should receive:
// unconditional messages always apply; bucket-filtered messages apply only
// if the peer's RingRange (computed from the same AliveNodes snapshot,
// restricted to its own region) contains that bucket.
func (b *Broadcaster) filterFor(peer domain.Heartbeat, regionPeers []domain.Heartbeat, messages []MessageWithFilter) []domain.InterNodeMessage {
	ranked := make([]ring.RankedNode, len(regionPeers))
	for i, hb := range regionPeers {
		ranked[i] = ring.RankedNode{Position: hb.Position, ID: hb.ProcessID.String()}
	}
	peerRange, ok := ring.CalculateNodeRange(peer.ProcessID.String(), b.replicationFactor, ranked)

	var out []domain.InterNodeMessage
	for _, m := range messages {
		if m.FilterBucket == nil {
			out = append(out, m.Message)
			continue
		}
		if ok && peerRange.Contains(*m.FilterBucket, b.ringSize) {
			out = append(out, m.Message)
		}
	}
	return out
}

func (b *Broadcaster) sendTo(ctx context.Context, socketAddress string, messages []domain.InterNodeMessage) bool {
	wire := make([]wireMessage, len(messages))
	for i, m := range messages {
		wire[i] = toWire(m)
	}
	body, err := json.Marshal(wire)
	if err != nil {
		log.Logger.Error().Err(err).Msg("marshal internode broadcast body failed")
		return false
	}

	url := fmt.Sprintf("http://%s/internal", socketAddress)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Logger.Error().Err(err).Str("peer", socketAddress).Msg("build internode request failed")
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.sharedSecret)

	resp, err := b.client.Do(req)
	if err != nil {
		log.Logger.Warn().Err(err).Str("peer", socketAddress).Msg("internode broadcast failed")
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Logger.Warn().Int("status", resp.StatusCode).Str("peer", socketAddress).Msg("internode broadcast rejected")
		return false
	}
	return true
}
