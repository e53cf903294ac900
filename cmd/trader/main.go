package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/copytrade"
	"main/internal/delegator"
	"main/internal/eligible"
	"main/internal/flow"
	"main/internal/ledger"
	"main/internal/mirror"
	"main/internal/monitor"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/schema"
	"main/internal/store"
	"main/pkg/conn"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	listenAddr := flag.String("listen", ":8080", "HTTP listen address (API + metrics)")
	migrate := flag.Bool("migrate", false, "Run schema migration on startup")
	rebuild := flag.String("rebuild", "", "Comma-separated partitions to rebuild on startup, e.g. live:42,provider:7")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if loaded.Profile.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "order-backbone",
			ServerAddress:   loaded.Profile.ServerAddress,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logs.Warnf("pyroscope start: %v", err)
		} else {
			defer func() { _ = profiler.Stop() }()
		}
	}

	pg, err := conn.New(loaded.Postgres)
	if err != nil {
		log.Fatalf("postgres connect failed: %v", err)
	}
	defer pg.Close()

	rds, err := conn.NewRedis(ctx, loaded.Redis)
	if err != nil {
		log.Fatalf("redis connect failed: %v", err)
	}
	defer rds.Close()

	exec := store.NewExecutor(pg.DB(), loaded.Retry)
	trading := store.NewTradingStore(pg.DB(), exec)
	if *migrate {
		if err := trading.Migrate(); err != nil {
			log.Fatalf("migration failed: %v", err)
		}
	}

	lg := ledger.New(store.NewLedgerRepository(pg.DB(), exec))
	mi := mirror.New(mirror.NewRedisCache(rds.RDB()), trading)

	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)

	var boundary delegator.Client = delegator.Disabled{}
	if loaded.Boundary.BaseURL != "" {
		client := &http.Client{Timeout: loaded.Boundary.Timeout}
		boundary, err = delegator.NewProvider(client, loaded.Boundary.BaseURL, loaded.Boundary.AccessID, loaded.Boundary.Secret)
		if err != nil {
			log.Fatalf("boundary client failed: %v", err)
		}
	}

	router := flow.NewRouter(trading, boundary, lg, mi, metrics, loaded.Boundary.Timeout)
	validator := eligible.NewValidator(trading, loaded.Eligible)
	engine := copytrade.NewEngine(trading, router, mi, validator, metrics, loaded.Copy)
	// Masters fan out wherever they settle OPEN: synchronous local
	// opens, confirmed provider opens and triggered limit activations.
	router.SetReplicator(engine)

	for _, tag := range splitTags(*rebuild) {
		accountType, accountID, ok := strings.Cut(tag, ":")
		if !ok {
			log.Fatalf("bad rebuild partition %q", tag)
		}
		if err := mi.Rebuild(ctx, schema.AccountType(accountType), accountID); err != nil {
			log.Fatalf("rebuild %s failed: %v", tag, err)
		}
		metrics.IncRebuild()
		logs.Infof("rebuilt mirror partition %s", tag)
	}

	queue := bus.NewQueue(loaded.Monitor.QueueCapacity)
	defer queue.Close()
	mon := monitor.New(queue, mi, router)
	go mon.Run(ctx)

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           newMux(reg, queue, router, engine, trading, validator),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logs.Infof("listening on %s", *listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Errorf("http server: %+v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logs.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, tag := range strings.Split(raw, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

type api struct {
	queue     *bus.Queue
	router    *flow.Router
	engine    *copytrade.Engine
	store     *store.TradingStore
	validator *eligible.Validator
}

func newMux(reg *prometheus.Registry, queue *bus.Queue, router *flow.Router, engine *copytrade.Engine, trading *store.TradingStore, validator *eligible.Validator) http.Handler {
	a := &api{queue: queue, router: router, engine: engine, store: trading, validator: validator}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /tick", a.handleTick)
	mux.HandleFunc("POST /orders/open", a.handleOpen)
	mux.HandleFunc("POST /orders/close", a.handleClose)
	mux.HandleFunc("POST /orders/cancel", a.handleCancel)
	mux.HandleFunc("POST /orders/stoploss", a.handleStopLoss)
	mux.HandleFunc("POST /orders/takeprofit", a.handleTakeProfit)
	mux.HandleFunc("POST /confirm", a.handleConfirm)
	mux.HandleFunc("POST /eligibility/assignment", a.handleAssignment)
	return mux
}

func decode(r *http.Request, v any) error {
	return sonic.ConfigDefault.NewDecoder(r.Body).Decode(v)
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigDefault.NewEncoder(w).Encode(v)
}

func respondErr(w http.ResponseWriter, err error) {
	respond(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
}

func (a *api) handleTick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string          `json:"symbol"`
		Bid    decimal.Decimal `json:"bid"`
		Ask    decimal.Decimal `json:"ask"`
	}
	if err := decode(r, &req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	err := a.queue.TryPublish(bus.Tick{
		Symbol: req.Symbol,
		Bid:    req.Bid,
		Ask:    req.Ask,
		Ts:     time.Now().UnixNano(),
	})
	if err != nil {
		// Dropped ticks are acceptable; the next one supersedes.
		logs.Warnf("tick dropped: %v", err)
	}
	respond(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (a *api) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string           `json:"accountId"`
		Symbol    string           `json:"symbol"`
		Side      schema.OrderSide `json:"side"`
		Type      schema.OrderType `json:"type"`
		Price     decimal.Decimal  `json:"price"`
		Quantity  decimal.Decimal  `json:"quantity"`
	}
	if err := decode(r, &req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	o, err := a.router.Open(r.Context(), flow.OpenRequest{
		AccountID: req.AccountID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Quantity:  req.Quantity,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, o)
}

func (a *api) handleClose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID    string          `json:"orderId"`
		ClosePrice decimal.Decimal `json:"closePrice"`
		Fee        decimal.Decimal `json:"fee"`
	}
	if err := decode(r, &req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	o, err := a.store.Order(r.Context(), req.OrderID)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := a.router.Close(r.Context(), req.OrderID, req.ClosePrice, req.Fee); err != nil {
		respondErr(w, err)
		return
	}
	if o.AccountType == schema.AccountTypeProvider {
		if err := a.engine.PropagateClose(r.Context(), o.ID, req.ClosePrice); err != nil {
			logs.Errorf("propagate close %s: %+v", o.ID, err)
		}
	}
	respond(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *api) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID string `json:"orderId"`
	}
	if err := decode(r, &req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	o, err := a.store.Order(r.Context(), req.OrderID)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := a.router.Cancel(r.Context(), req.OrderID); err != nil {
		respondErr(w, err)
		return
	}
	if o.AccountType == schema.AccountTypeProvider {
		if err := a.engine.PropagateCancel(r.Context(), o.ID); err != nil {
			logs.Errorf("propagate cancel %s: %+v", o.ID, err)
		}
	}
	respond(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *api) handleStopLoss(w http.ResponseWriter, r *http.Request) {
	a.handleAttach(w, r, a.router.AttachStopLoss)
}

func (a *api) handleTakeProfit(w http.ResponseWriter, r *http.Request) {
	a.handleAttach(w, r, a.router.AttachTakeProfit)
}

func (a *api) handleAttach(w http.ResponseWriter, r *http.Request, attach func(context.Context, string, decimal.Decimal) error) {
	var req struct {
		OrderID string          `json:"orderId"`
		Price   decimal.Decimal `json:"price"`
	}
	if err := decode(r, &req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := attach(r.Context(), req.OrderID, req.Price); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *api) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LifecycleID string          `json:"lifecycleId"`
		Accepted    bool            `json:"accepted"`
		Price       decimal.Decimal `json:"price"`
		Reason      string          `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := a.router.ConfirmProvider(r.Context(), req.LifecycleID, req.Accepted, req.Price, req.Reason); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *api) handleAssignment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceID string `json:"sourceId"`
		TargetID string `json:"targetId"`
	}
	if err := decode(r, &req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	verdict, err := a.validator.ValidateAssignment(r.Context(), req.SourceID, req.TargetID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"allowed": verdict.Allowed,
		"reason":  verdict.Reason.Code(),
	})
}
