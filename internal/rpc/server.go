// Package rpc provides the JSON-RPC 2.0 API of the swap service and a
// websocket stream of order state changes.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/lnswap/lnswapd/internal/bus"
	"github.com/lnswap/lnswapd/internal/order"
	"github.com/lnswap/lnswapd/internal/quote"
	"github.com/lnswap/lnswapd/internal/storage"
	"github.com/lnswap/lnswapd/pkg/logging"
)

// Config holds the API settings.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	// RateLimit is the sustained number of requests per second allowed
	// from one IP. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// DefaultConfig returns the API defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:9007",
		RateLimit:  5,
		RateBurst:  20,
	}
}

// QuoteService creates and reports swaps.
type QuoteService interface {
	CreateSwap(ctx context.Context, req *quote.CreateRequest) (*quote.Swap, error)
	InvoiceDetails(ctx context.Context, invoice, network string) (*quote.InvoiceDetails, error)
	SwapStatus(invoice, network, redeemScript string) (*quote.Status, error)
	AddressDetails(network, address string) (*quote.AddressInfo, error)
	Rates() (*quote.Rates, error)
}

// OrderStore reads persisted orders.
type OrderStore interface {
	GetOrder(invoice string) (*order.Order, error)
	ListOrders(filter storage.OrderFilter) ([]*order.Order, error)
	CountOrders() (map[order.State]int, error)
}

// PeerCounter reports connected bus peers.
type PeerCounter interface {
	PeerCount() int
}

// Server is a JSON-RPC 2.0 server.
type Server struct {
	cfg     *Config
	quotes  QuoteService
	store   OrderStore
	bus     bus.Bus
	peers   PeerCounter
	log     *logging.Logger
	wsHub   *WSHub
	limiter *ipLimiter
	started time.Time

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// NotFound is returned when the requested swap does not exist.
	NotFound = -32004
)

// NewServer creates a new JSON-RPC server. peers may be nil when the bus
// runs in memory.
func NewServer(cfg *Config, quotes QuoteService, store OrderStore, b bus.Bus, peers PeerCounter) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		cfg:      cfg,
		quotes:   quotes,
		store:    store,
		bus:      b,
		peers:    peers,
		log:      logging.GetDefault().Component("rpc"),
		wsHub:    NewWSHub(),
		started:  time.Now(),
		handlers: make(map[string]Handler),
	}
	if cfg.RateLimit > 0 {
		s.limiter = newIPLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.handlers["swap_create"] = s.swapCreate
	s.handlers["swap_status"] = s.swapStatus
	s.handlers["swap_invoiceDetails"] = s.swapInvoiceDetails
	s.handlers["swap_addressDetails"] = s.swapAddressDetails
	s.handlers["swap_rates"] = s.swapRates

	s.handlers["orders_get"] = s.ordersGet
	s.handlers["orders_list"] = s.ordersList

	s.handlers["node_status"] = s.nodeStatus
}

// Handler returns the HTTP handler serving JSON-RPC and the websocket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.middleware(h)
	}
	return corsMiddleware(h)
}

// Start listens on the configured address and serves until Stop. The
// websocket hub and the order stream run until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.ListenAddr
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run(ctx)
	if err := s.streamOrders(ctx); err != nil {
		listener.Close()
		return err
	}
	if s.limiter != nil {
		go s.limiter.pruneLoop(ctx)
	}

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code, data := errorCode(err)
		if code == InternalError {
			s.log.Warn("RPC call failed", "method", req.Method, "error", err)
		}
		s.writeError(w, req.ID, code, err.Error(), data)
		return
	}

	s.writeResult(w, req.ID, result)
}

// paramsError marks malformed handler params.
type paramsError struct{ err error }

func (e *paramsError) Error() string { return "invalid params: " + e.err.Error() }
func (e *paramsError) Unwrap() error { return e.err }

func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return &paramsError{errors.New("missing params")}
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &paramsError{err}
	}
	return nil
}

// clientErrors are caused by the request and reported as InvalidParams
// with the sentinel text as data.
var clientErrors = []error{
	quote.ErrExpectedInvoice,
	quote.ErrExpectedNetwork,
	quote.ErrExpectedRefundAddress,
	quote.ErrExpectedPayToPublicKeyHashAddress,
	quote.ErrExpectedRedeemScript,
	quote.ErrUnknownNetwork,
	quote.ErrInvoiceExpired,
	quote.ErrInvoiceExpiresTooSoon,
	quote.ErrInvoiceAmountTooSmall,
	quote.ErrInvoiceAmountTooLarge,
	quote.ErrCannotReadRoutes,
	quote.ErrRoutingFeeTooHigh,
	quote.ErrSwapExists,
	quote.ErrRedeemScriptMismatch,
}

// errorCode maps a handler error to a JSON-RPC code and error data.
func errorCode(err error) (int, interface{}) {
	var pe *paramsError
	if errors.As(err, &pe) {
		return InvalidParams, nil
	}
	if errors.Is(err, quote.ErrSwapNotFound) || errors.Is(err, storage.ErrOrderNotFound) {
		return NotFound, quote.ErrSwapNotFound.Error()
	}
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return InvalidParams, target.Error()
		}
	}
	if isValidationError(err) {
		return InvalidParams, nil
	}
	return InternalError, nil
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
