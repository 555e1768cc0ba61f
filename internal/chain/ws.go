package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// WebSocket Log Stream — shared eth_subscribe connection for all pools
// One server-side subscription per pool; reconnects resubscribe everything.
// ---------------------------------------------------------------------------

type poolSub struct {
	ch     chan SwapEvent
	closed bool
}

type wsStream struct {
	config Config

	mu      sync.RWMutex
	conn    *websocket.Conn
	pools   map[common.Address][]*poolSub // local subscribers per pool
	subIDs  map[string]common.Address    // server subscription id -> pool
	pending map[int64]common.Address     // request id -> pool awaiting ack

	nextReqID atomic.Int64

	// Stats.
	messagesRecv atomic.Int64
	swapsSeen    atomic.Int64
	reconnects   atomic.Int64
	connected    atomic.Bool
}

func newWSStream(config Config) *wsStream {
	return &wsStream{
		config:  config,
		pools:   make(map[common.Address][]*poolSub),
		subIDs:  make(map[string]common.Address),
		pending: make(map[int64]common.Address),
	}
}

// subscribe registers a local subscriber for a pool and, if this is the first
// one, opens a server-side log subscription.
func (w *wsStream) subscribe(_ context.Context, pool common.Address) (<-chan SwapEvent, func(), error) {
	sub := &poolSub{ch: make(chan SwapEvent, 64)}

	w.mu.Lock()
	first := len(w.pools[pool]) == 0
	w.pools[pool] = append(w.pools[pool], sub)
	conn := w.conn
	w.mu.Unlock()

	if first && conn != nil {
		if err := w.sendSubscribe(pool); err != nil {
			log.Warn().Err(err).Str("pool", pool.Hex()).Msg("ws: subscribe request failed, will retry on reconnect")
		}
	}

	cancel := func() { w.unsubscribe(pool, sub) }
	return sub.ch, cancel, nil
}

func (w *wsStream) unsubscribe(pool common.Address, sub *poolSub) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)

	live := w.pools[pool][:0]
	for _, s := range w.pools[pool] {
		if s != sub {
			live = append(live, s)
		}
	}
	if len(live) == 0 {
		delete(w.pools, pool)
		for id, p := range w.subIDs {
			if p == pool {
				delete(w.subIDs, id)
				if w.conn != nil {
					req := map[string]any{
						"jsonrpc": "2.0",
						"id":      w.nextReqID.Add(1),
						"method":  "eth_unsubscribe",
						"params":  []any{id},
					}
					_ = w.conn.WriteJSON(req)
				}
			}
		}
		log.Debug().Str("pool", pool.Hex()).Msg("ws: pool subscription torn down")
	} else {
		w.pools[pool] = live
	}
}

// run is the connect/read loop. Blocks until ctx is cancelled.
func (w *wsStream) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("ws: run loop panic recovered")
		}
	}()

	reconnectDelay := time.Second
	maxDelay := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			w.close()
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			log.Warn().Err(err).Msg("ws: connection failed")
			w.reconnects.Add(1)
			select {
			case <-time.After(reconnectDelay):
				reconnectDelay *= 2
				if reconnectDelay > maxDelay {
					reconnectDelay = maxDelay
				}
			case <-ctx.Done():
				return
			}
			continue
		}
		reconnectDelay = time.Second

		// Resubscribe every pool with live subscribers.
		w.mu.RLock()
		pools := make([]common.Address, 0, len(w.pools))
		for p := range w.pools {
			pools = append(pools, p)
		}
		w.mu.RUnlock()
		for _, p := range pools {
			if err := w.sendSubscribe(p); err != nil {
				log.Warn().Err(err).Str("pool", p.Hex()).Msg("ws: resubscribe failed")
			}
		}

		w.readLoop(ctx)
	}
}

func (w *wsStream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.config.WSEndpoint, nil)
	if err != nil {
		return fmt.Errorf("ws: dial %s: %w", w.config.WSEndpoint, err)
	}

	w.mu.Lock()
	w.conn = conn
	w.subIDs = make(map[string]common.Address)
	w.pending = make(map[int64]common.Address)
	w.mu.Unlock()
	w.connected.Store(true)

	log.Info().Str("endpoint", w.config.WSEndpoint).Msg("ws: connected")
	return nil
}

func (w *wsStream) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected.Store(false)
}

func (w *wsStream) sendSubscribe(pool common.Address) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("ws: not connected")
	}

	reqID := w.nextReqID.Add(1)
	w.pending[reqID] = pool

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      reqID,
		"method":  "eth_subscribe",
		"params": []any{
			"logs",
			map[string]any{"address": []string{pool.Hex()}},
		},
	}
	if err := w.conn.WriteJSON(req); err != nil {
		delete(w.pending, reqID)
		return fmt.Errorf("ws: write subscribe: %w", err)
	}

	log.Debug().Str("pool", pool.Hex()).Int64("req_id", reqID).Msg("ws: subscribe requested")
	return nil
}

func (w *wsStream) readLoop(ctx context.Context) {
	pingInterval := w.config.PingInterval
	if pingInterval == 0 {
		pingInterval = 30 * time.Second
	}
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()
			if conn != nil {
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					log.Debug().Err(err).Msg("ws: ping failed")
					w.connected.Store(false)
					return
				}
			}
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Info().Msg("ws: connection closed normally")
			} else {
				log.Warn().Err(err).Msg("ws: read error, reconnecting")
			}
			w.connected.Store(false)
			return
		}

		w.messagesRecv.Add(1)
		w.handleMessage(message)
	}
}

func (w *wsStream) handleMessage(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("ws: handleMessage panic recovered")
		}
	}()

	var notification struct {
		Method string `json:"method"`
		Params struct {
			Subscription string `json:"subscription"`
			Result       struct {
				Address         string   `json:"address"`
				Topics          []string `json:"topics"`
				BlockNumber     string   `json:"blockNumber"`
				TransactionHash string   `json:"transactionHash"`
				Removed         bool     `json:"removed"`
			} `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &notification); err != nil {
		return
	}

	if notification.Method != "eth_subscription" {
		w.handleAck(data)
		return
	}

	res := notification.Params.Result
	if res.Removed || len(res.Topics) == 0 {
		return
	}
	topic := common.HexToHash(res.Topics[0])
	if !IsSwapTopic(topic) {
		return
	}

	w.mu.RLock()
	pool, ok := w.subIDs[notification.Params.Subscription]
	if !ok {
		// Log address is authoritative if the sub id is unknown (race with
		// reconnect resubscription acks).
		pool = common.HexToAddress(res.Address)
		_, ok = w.pools[pool]
	}
	if !ok {
		w.mu.RUnlock()
		return
	}

	blockNum, _ := strconv.ParseUint(trimHexPrefix(res.BlockNumber), 16, 64)
	evt := SwapEvent{
		Pool:        pool,
		TxHash:      common.HexToHash(res.TransactionHash),
		BlockNumber: blockNum,
		Topic:       topic,
		ReceivedAt:  time.Now(),
	}

	w.swapsSeen.Add(1)
	for _, sub := range w.pools[pool] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			log.Warn().Str("pool", pool.Hex()).Msg("ws: subscriber channel full, dropping event")
		}
	}
	w.mu.RUnlock()
}

// handleAck maps an eth_subscribe acknowledgement to its pool.
func (w *wsStream) handleAck(data []byte) {
	var ack struct {
		ID     int64  `json:"id"`
		Result string `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &ack); err != nil || ack.ID == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	pool, ok := w.pending[ack.ID]
	if !ok {
		return
	}
	delete(w.pending, ack.ID)

	if ack.Error != nil {
		log.Warn().
			Str("pool", pool.Hex()).
			Int("code", ack.Error.Code).
			Str("message", ack.Error.Message).
			Msg("ws: subscribe rejected")
		return
	}

	w.subIDs[ack.Result] = pool
	log.Debug().Str("pool", pool.Hex()).Str("sub_id", ack.Result).Msg("ws: subscription confirmed")
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// WSStats captures stream statistics.
type WSStats struct {
	Connected    bool  `json:"connected"`
	MessagesRecv int64 `json:"messages_recv"`
	SwapsSeen    int64 `json:"swaps_seen"`
	Reconnects   int64 `json:"reconnects"`
}

func (w *wsStream) stats() WSStats {
	return WSStats{
		Connected:    w.connected.Load(),
		MessagesRecv: w.messagesRecv.Load(),
		SwapsSeen:    w.swapsSeen.Load(),
		Reconnects:   w.reconnects.Load(),
	}
}
