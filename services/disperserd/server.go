package disperserd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"disperse/chain"
	"disperse/session"
	"disperse/txflow"
)

const wsWriteTimeout = 10 * time.Second

// Engine is the session surface exposed over HTTP.
type Engine interface {
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Snapshot, func())
	SetRecipientsText(text string) session.Snapshot
	SelectEther() session.Snapshot
	SelectToken(ctx context.Context, token common.Address) (session.Snapshot, error)
	SetCustomContract(addr *common.Address) (session.Snapshot, error)
	Request(action txflow.Action) (txflow.Request, error)
	DisperseAction() txflow.Action
}

// WalletController connects the sender account and selects the chain.
type WalletController interface {
	State() chain.State
	ConnectKeystore(path, passphrase string) error
	Disconnect()
	SwitchChain(ctx context.Context, chainID uint64) error
}

// Orchestrator runs transactions in the background.
type Orchestrator interface {
	Start(ctx context.Context, req txflow.Request) (txflow.Operation, error)
	Operations() []txflow.Operation
	Operation(id string) (txflow.Operation, bool)
}

// ServerConfig captures the dependencies of the HTTP API.
type ServerConfig struct {
	Engine       Engine
	Wallet       WalletController
	Orchestrator Orchestrator
	KeystorePath string
	Passphrase   func() (string, error)
	// BaseContext bounds background transactions; they outlive the request
	// that started them.
	BaseContext    context.Context
	AllowedOrigins []string
	// Credentials guard every mutating endpoint.
	Credentials Credentials
	Logger      *slog.Logger
}

// Server exposes the session over HTTP and a websocket snapshot stream.
type Server struct {
	engine       Engine
	wallet       WalletController
	orchestrator Orchestrator
	keystorePath string
	passphrase   func() (string, error)
	baseCtx      context.Context
	origins      []string
	auth         *authenticator
	logger       *slog.Logger

	router http.Handler
}

// NewServer constructs the API router.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		engine:       cfg.Engine,
		wallet:       cfg.Wallet,
		orchestrator: cfg.Orchestrator,
		keystorePath: strings.TrimSpace(cfg.KeystorePath),
		passphrase:   cfg.Passphrase,
		baseCtx:      cfg.BaseContext,
		origins:      cfg.AllowedOrigins,
		logger:       cfg.Logger,
	}
	if s.baseCtx == nil {
		s.baseCtx = context.Background()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.auth = newAuthenticator(cfg.Credentials, s.logger)
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/state", s.handleState)
	r.Get("/ws", s.handleStream)

	// Mutating endpoints: browser origin, bearer credentials, then JSON bodies.
	guard := []func(http.Handler) http.Handler{
		s.checkOrigin,
		s.auth.middleware,
		chimw.AllowContentType("application/json"),
	}
	guarded := r.With(guard...)
	guarded.Post("/wallet/connect", s.handleConnect)
	guarded.Post("/wallet/disconnect", s.handleDisconnect)
	guarded.Post("/chain", s.handleSwitchChain)

	guarded.Post("/recipients", s.handleRecipients)
	guarded.Post("/currency", s.handleCurrency)
	guarded.Post("/contract", s.handleContract)

	r.Route("/tx", func(tx chi.Router) {
		tx.Get("/", s.handleOperations)
		tx.Get("/{key}", s.handleOperation)
		tx.With(guard...).Post("/{key}", s.handleExecute)
	})
	return r
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleConnect(w http.ResponseWriter, _ *http.Request) {
	if s.keystorePath == "" {
		writeError(w, http.StatusConflict, errors.New("keystore path not configured"))
		return
	}
	if s.passphrase == nil {
		writeError(w, http.StatusConflict, errors.New("keystore passphrase source not configured"))
		return
	}
	pass, err := s.passphrase()
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err := s.wallet.ConnectKeystore(s.keystorePath, pass); err != nil {
		s.logger.Warn("wallet connect failed", slog.Any("error", err))
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, s.wallet.State())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.wallet.Disconnect()
	writeJSON(w, http.StatusOK, s.wallet.State())
}

type switchChainRequest struct {
	ChainID uint64 `json:"chain_id"`
}

func (s *Server) handleSwitchChain(w http.ResponseWriter, r *http.Request) {
	var req switchChainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChainID == 0 {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.wallet.SwitchChain(r.Context(), req.ChainID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.wallet.State())
}

type recipientsRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleRecipients(w http.ResponseWriter, r *http.Request) {
	var req recipientsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.SetRecipientsText(req.Text))
}

type currencyRequest struct {
	Mode  session.Currency `json:"mode"`
	Token string           `json:"token"`
}

func (s *Server) handleCurrency(w http.ResponseWriter, r *http.Request) {
	var req currencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	switch req.Mode {
	case session.CurrencyEther:
		writeJSON(w, http.StatusOK, s.engine.SelectEther())
	case session.CurrencyToken:
		token := strings.TrimSpace(req.Token)
		if !common.IsHexAddress(token) {
			writeError(w, http.StatusBadRequest, session.ErrInvalidToken)
			return
		}
		snap, err := s.engine.SelectToken(r.Context(), common.HexToAddress(token))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	default:
		http.Error(w, "mode must be ether or token", http.StatusBadRequest)
	}
}

type contractRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	var req contractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	var addr *common.Address
	if raw := strings.TrimSpace(req.Address); raw != "" {
		if !common.IsHexAddress(raw) {
			http.Error(w, "invalid contract address", http.StatusBadRequest)
			return
		}
		parsed := common.HexToAddress(raw)
		addr = &parsed
	}
	snap, err := s.engine.SetCustomContract(addr)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var action txflow.Action
	switch chi.URLParam(r, "key") {
	case "approve":
		action = txflow.ActionApprove
	case "deny":
		action = txflow.ActionDeny
	case "disperse":
		action = s.engine.DisperseAction()
	default:
		writeError(w, http.StatusNotFound, txflow.ErrUnknownAction)
		return
	}
	req, err := s.engine.Request(action)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	op, err := s.orchestrator.Start(s.baseCtx, req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) handleOperations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orchestrator.Operations())
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	op, ok := s.orchestrator.Operation(chi.URLParam(r, "key"))
	if !ok {
		http.Error(w, "operation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	updates, release := s.engine.Subscribe()
	defer release()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := writeSnapshot(ctx, conn, snap); err != nil {
				if websocket.CloseStatus(err) == -1 {
					_ = conn.Close(websocket.StatusInternalError, "stream error")
				}
				return
			}
		}
	}
}

func writeSnapshot(ctx context.Context, conn *websocket.Conn, snap session.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chain.ErrNotConnected),
		errors.Is(err, chain.ErrNoChain),
		errors.Is(err, session.ErrUnsupportedChain),
		errors.Is(err, session.ErrContractNotVerified),
		errors.Is(err, session.ErrNoToken),
		errors.Is(err, session.ErrNotReady),
		errors.Is(err, session.ErrSelectionSuperseded),
		errors.Is(err, txflow.ErrInsufficientAllowance):
		return http.StatusConflict
	case errors.Is(err, chain.ErrUnknownChain),
		errors.Is(err, session.ErrInvalidToken),
		errors.Is(err, session.ErrNotToken),
		errors.Is(err, txflow.ErrUnknownAction),
		errors.Is(err, txflow.ErrNoRecipients),
		errors.Is(err, txflow.ErrNoToken),
		errors.Is(err, txflow.ErrNoContract),
		errors.Is(err, txflow.ErrTotalOverflow):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": txflow.ShortMessage(err)})
}
