package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	// HeadersProtocol is the protocol ID for header-range requests, used
	// to walk an unknown branch's lineage before deciding whether a reorg
	// onto it is worth fetching full blocks for.
	HeadersProtocol = protocol.ID("/klingnet/headers/1.0.0")

	// headersReadTimeout is the max time to read a headers response.
	headersReadTimeout = 15 * time.Second

	// maxHeadersResponseBytes limits headers response size (1 MB).
	maxHeadersResponseBytes = 1 * 1024 * 1024

	// MaxHeadersPerRequest caps how many headers one request returns.
	MaxHeadersPerRequest = 2000
)

// HeadersRequest asks a peer for headers in the inclusive index range
// [From, To].
type HeadersRequest struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// HeadersResponse contains the requested headers, oldest first.
type HeadersResponse struct {
	Headers []*block.Header `json:"headers"`
}

// RegisterHeadersHandler registers the headers stream handler. The provider
// returns the local active chain's headers for an index range, oldest first.
func (s *Syncer) RegisterHeadersHandler(provider func(from, to uint64) []*block.Header) {
	s.host.SetStreamHandler(HeadersProtocol, func(stream network.Stream) {
		defer stream.Close()

		var req HeadersRequest
		if err := json.NewDecoder(io.LimitReader(stream, maxHeadersResponseBytes)).Decode(&req); err != nil {
			return
		}

		if req.To < req.From {
			return
		}
		if req.To-req.From+1 > MaxHeadersPerRequest {
			req.To = req.From + MaxHeadersPerRequest - 1
		}

		resp := HeadersResponse{Headers: provider(req.From, req.To)}
		json.NewEncoder(stream).Encode(&resp)
	})
}

// RequestHeaders asks a specific peer for headers in [from, to].
func (s *Syncer) RequestHeaders(ctx context.Context, peerID peer.ID, from, to uint64) ([]*block.Header, error) {
	stream, err := s.host.NewStream(ctx, peerID, HeadersProtocol)
	if err != nil {
		return nil, fmt.Errorf("open headers stream: %w", err)
	}
	defer stream.Close()

	req := HeadersRequest{From: from, To: to}
	if err := json.NewEncoder(stream).Encode(&req); err != nil {
		return nil, fmt.Errorf("send headers request: %w", err)
	}

	// Signal we're done writing.
	stream.CloseWrite()

	_ = stream.SetReadDeadline(time.Now().Add(headersReadTimeout))

	var resp HeadersResponse
	if err := json.NewDecoder(io.LimitReader(stream, maxHeadersResponseBytes)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read headers response: %w", err)
	}

	return resp.Headers, nil
}
