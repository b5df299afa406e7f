package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"recoverdesk.org/internal/audit"
	"recoverdesk.org/internal/auth"
	"recoverdesk.org/internal/config"
	"recoverdesk.org/internal/csrf"
	"recoverdesk.org/internal/httpapi"
	"recoverdesk.org/internal/migrate"
	"recoverdesk.org/internal/obs"
	"recoverdesk.org/internal/otp"
	"recoverdesk.org/internal/ratelimit"
	"recoverdesk.org/internal/store/pg"
	"recoverdesk.org/internal/token"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("RECOVERDESK_CONFIG"), "Path to YAML config")
	migrateOnStart := flag.Bool("migrate", false, "Apply pending schema migrations before serving")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	obs.SetLevel(cfg.Logging.Level)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	codec, err := token.NewCodec(cfg.Auth.Secret)
	if err != nil {
		log.Fatalf("token codec: %v", err)
	}

	var (
		credStore  auth.CredentialStore = auth.NewMemoryStore()
		otpStore   otp.Store            = otp.NewMemoryStore()
		auditStore audit.Store          = audit.NewMemoryStore()
		ready      httpapi.ReadyProbe
	)
	if cfg.Database.DSN != "" {
		db, err := pg.Open(cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer db.Close()
		if *migrateOnStart {
			mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := migrate.NewManager(db.DB(), nil, nil).Up(mctx)
			cancel()
			if err != nil {
				log.Fatalf("migrate up: %v", err)
			}
		}
		credStore, otpStore, auditStore = db.Credentials(), db.OTPCodes(), db.AuditLog()
		ready = append(ready, httpapi.Check{Name: "postgres", Fn: db.Ping})
	} else {
		obs.Warn("no database configured; using in-memory stores", nil)
	}

	var limiter ratelimit.Limiter
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		rl := ratelimit.NewRedis(client, cfg.Redis.KeyPrefix)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rl.Ping(pctx)
		cancel()
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		limiter = rl
		ready = append(ready, httpapi.Check{Name: "redis", Fn: rl.Ping})
	} else {
		mem := ratelimit.NewMemory(ratelimit.WithRetention(cfg.RateLimit.Retention))
		go mem.Run(ctx, cfg.RateLimit.SweepInterval)
		limiter = mem
		obs.Warn("no redis configured; rate limits are per process", nil)
	}

	chain := audit.NewChain(auditStore)
	authSvc, err := auth.NewService(credStore, codec,
		auth.WithLimiter(limiter, ratelimit.LoginPolicy()),
		auth.WithAuditChain(chain),
		auth.WithSessionTTL(cfg.Auth.SessionTTL),
		auth.WithOpTimeout(cfg.Database.OpTimeout),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}
	otpSvc, err := otp.NewService(otpStore, otp.LogSender{}, authSvc,
		otp.WithLimiter(limiter, ratelimit.OTPRequestPolicy(), ratelimit.OTPVerifyPolicy()),
		otp.WithTTL(cfg.OTP.TTL),
		otp.WithTokenTTL(cfg.Auth.SignupTokenTTL),
		otp.WithMaxAttempts(cfg.OTP.MaxAttempts),
		otp.WithOpTimeout(cfg.Database.OpTimeout),
	)
	if err != nil {
		log.Fatalf("otp service: %v", err)
	}

	guardOpts := []csrf.Option{csrf.WithRejectHandler(httpapi.CSRFRejected)}
	if cfg.Auth.InsecureCookies {
		guardOpts = append(guardOpts, csrf.WithInsecureCookie())
		obs.Warn("cookies are issued without the Secure attribute", nil)
	}
	guard, err := csrf.New(cfg.Auth.CSRFKey, guardOpts...)
	if err != nil {
		log.Fatalf("csrf guard: %v", err)
	}

	api, err := httpapi.New(httpapi.Deps{
		Auth:           authSvc,
		OTP:            otpSvc,
		CSRF:           guard,
		Audit:          chain,
		Ready:          ready,
		Version:        version,
		SecureCookies:  !cfg.Auth.InsecureCookies,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		TrustedProxies: cfg.Server.TrustedProxies,
		BodyLimit:      cfg.Server.BodyLimitBytes,
		ThrottleRPS:    cfg.Server.ThrottleRPS,
		ThrottleBurst:  cfg.Server.ThrottleBurst,
	})
	if err != nil {
		log.Fatalf("http api: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	health := httpapi.NewGRPCHealth(ready)
	health.Register(grpcSrv)
	go health.Run(ctx, 5*time.Second)

	errCh := make(chan error, 2)
	go func() {
		obs.Info("http listening", map[string]any{"addr": srv.Addr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		go func() {
			obs.Info("grpc listening", map[string]any{"addr": cfg.Server.GRPCAddr})
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		obs.Error("server failed", map[string]any{"error": err})
	}
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	obs.Info("stopped", nil)
}
