// Package messaging implements the Messaging collaborator:
// send_stream_mutation and send_stream_mutation_done, the two calls
// Database.apply_streaming's peer side uses to push bulk mutations during
// topology changes or repair.
//
// Built as a plain HTTP client, narrowed from a general key/value remote
// to the two streaming-specific calls this engine needs.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cassandane/colfam/pkg/types"
)

// Sender is the outbound half of the streaming-ingest wire protocol.
type Sender interface {
	SendStreamMutation(ctx context.Context, addr string, planID string, fm types.FrozenMutation, dstCPU int, fragmented bool) error
	SendStreamMutationDone(ctx context.Context, addr string, planID string, ranges []types.PartitionRange, cfID types.ColumnFamilyID, dstCPU int) error
}

// HTTPSender implements Sender over plain HTTP POSTs to a peer's admin
// surface.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender returns a Sender using http.DefaultClient.
func NewHTTPSender() *HTTPSender {
	return &HTTPSender{client: http.DefaultClient}
}

// StreamMutationRequest is the wire shape of send_stream_mutation, shared
// between HTTPSender and the admin HTTP surface's receiving handler.
type StreamMutationRequest struct {
	PlanID     string `json:"plan_id"`
	ColumnFam  string `json:"column_family"`
	Payload    []byte `json:"payload"`
	DstCPU     int    `json:"dst_cpu"`
	Fragmented bool   `json:"fragmented"`
}

func (s *HTTPSender) SendStreamMutation(ctx context.Context, addr string, planID string, fm types.FrozenMutation, dstCPU int, fragmented bool) error {
	body, err := json.Marshal(StreamMutationRequest{
		PlanID:     planID,
		ColumnFam:  fm.ColumnFamily.String(),
		Payload:    fm.Payload,
		DstCPU:     dstCPU,
		Fragmented: fragmented,
	})
	if err != nil {
		return fmt.Errorf("encode stream mutation: %w", err)
	}
	return s.post(ctx, addr+"/stream/mutation", body)
}

// StreamDoneRequest is the wire shape of send_stream_mutation_done, shared
// between HTTPSender and the admin HTTP surface's receiving handler.
type StreamDoneRequest struct {
	PlanID       string   `json:"plan_id"`
	ColumnFamily string   `json:"column_family"`
	DstCPU       int      `json:"dst_cpu"`
	StartTokens  []uint64 `json:"start_tokens"`
	EndTokens    []uint64 `json:"end_tokens"`
}

func (s *HTTPSender) SendStreamMutationDone(ctx context.Context, addr string, planID string, ranges []types.PartitionRange, cfID types.ColumnFamilyID, dstCPU int) error {
	req := StreamDoneRequest{PlanID: planID, ColumnFamily: cfID.String(), DstCPU: dstCPU}
	for _, r := range ranges {
		req.StartTokens = append(req.StartTokens, r.StartTok)
		req.EndTokens = append(req.EndTokens, r.EndTok)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode stream done: %w", err)
	}
	return s.post(ctx, addr+"/stream/done", body)
}

func (s *HTTPSender) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post %s: status %d", url, resp.StatusCode)
	}
	return nil
}
