package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	xerrors "WAMP-Orchestrator/internal/errors"
	"WAMP-Orchestrator/internal/storage/mysql"
	"WAMP-Orchestrator/pkg/plugin"
	"WAMP-Orchestrator/pkg/wamp"
)

// PluginSource 提供插件的状态快照，通常由 plugin.Manager 实现。
type PluginSource interface {
	Plugins() []plugin.Info
	Info(name string) (plugin.Info, error)
	Session() wamp.Session
}

// RegistrationLister 查询最近的注册结果。
type RegistrationLister interface {
	ListLatest(ctx context.Context, limit int) ([]mysql.RegistrationRecord, error)
}

// RequestObserver 记录 HTTP 请求指标。
type RequestObserver interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
}

// Server 负责暴露插件编排状态的 REST 接口。
type Server struct {
	addr     string
	plugins  PluginSource
	ledger   RegistrationLister
	observer RequestObserver
	metrics  http.Handler
}

// Option 定制 Server。
type Option func(*Server)

// WithLedger 启用 /api/v1/registrations。
func WithLedger(l RegistrationLister) Option {
	return func(s *Server) { s.ledger = l }
}

// WithMetrics 记录请求指标，并在 /metrics 暴露指标处理器。
func WithMetrics(o RequestObserver, handler http.Handler) Option {
	return func(s *Server) {
		s.observer = o
		s.metrics = handler
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, plugins PluginSource, opts ...Option) *Server {
	s := &Server{addr: addr, plugins: plugins}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/plugins", s.handleListPlugins)
	mux.HandleFunc("GET /api/v1/plugins/{name}", s.handlePluginDetail)
	mux.HandleFunc("GET /api/v1/registrations", s.handleListRegistrations)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return s.instrument(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	if s.plugins == nil {
		http.Error(w, "插件管理器未初始化", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.plugins.Plugins())
}

func (s *Server) handlePluginDetail(w http.ResponseWriter, r *http.Request) {
	if s.plugins == nil {
		http.Error(w, "插件管理器未初始化", http.StatusServiceUnavailable)
		return
	}
	name := r.PathValue("name")
	if name == "" {
		http.Error(w, "缺少插件名称", http.StatusBadRequest)
		return
	}
	info, err := s.plugins.Info(name)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeNotFound {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleListRegistrations(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "登记簿未启用", http.StatusServiceUnavailable)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit 必须为正整数", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	records, err := s.ledger.ListLatest(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []mysql.RegistrationRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

type healthResponse struct {
	Status  string               `json:"status"`
	Session uint64               `json:"session,omitempty"`
	States  map[plugin.State]int `json:"states"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", States: map[plugin.State]int{}}
	if s.plugins != nil {
		if session := s.plugins.Session(); session != nil {
			resp.Session = uint64(session.ID())
		} else {
			resp.Status = "detached"
		}
		for _, info := range s.plugins.Plugins() {
			resp.States[info.State]++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 记录每个请求的路由、方法、状态码与耗时。
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.observer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.observer.ObserveHTTPRequest(route, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
