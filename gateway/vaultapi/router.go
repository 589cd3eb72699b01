package vaultapi

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"multivault/gateway/middleware"
	"multivault/native/utilization"
	"multivault/native/vault"
	"multivault/native/vault/curve"
)

// Ledger is the read side of the vault ledger served by the API.
type Ledger interface {
	GetVault(termID common.Hash, curveID uint64) (vault.State, error)
	VaultExists(termID common.Hash, curveID uint64) (bool, error)
	GetShares(owner common.Address, termID common.Hash, curveID uint64) (*uint256.Int, error)
	CurrentSharePrice(termID common.Hash, curveID uint64) (*uint256.Int, error)
	Vaults() ([]vault.Key, error)
	Holders(termID common.Hash, curveID uint64) ([]vault.Holding, error)
	PreviewDeposit(termID common.Hash, curveID uint64, assets *uint256.Int) (*uint256.Int, *uint256.Int, error)
	PreviewRedeem(termID common.Hash, curveID uint64, shares *uint256.Int) (*uint256.Int, *uint256.Int, error)
	PendingCredits() ([]vault.FeeCredit, []vault.PayoutCredit, error)
	AccumulatedProtocolFees(epoch uint64) (*uint256.Int, error)
	FeeEpoch() uint64
	CheckInvariants() (*vault.AuditReport, error)
}

// Curves lists registered curves.
type Curves interface {
	List() []curve.Entry
}

// Utilization reads aggregated utilization.
type Utilization interface {
	Summary(ctx context.Context, epoch uint64) (*utilization.EpochSummary, error)
	ActorUtilization(ctx context.Context, epoch uint64, actor common.Address) (*big.Int, error)
	Epochs(ctx context.Context) ([]uint64, error)
}

// Config wires the router. Utilization is optional; its routes answer 503
// without it. Write routes are mounted only when both Writer and Auth are
// set, and wallet routes only when Wallet is set as well.
type Config struct {
	Ledger      Ledger
	Curves      Curves
	Utilization Utilization
	Writer      Writer
	Wallet      Wallet
	Auth        *middleware.Authenticator
	RateLimit   middleware.RateLimit
	LogRequests bool
	Logger      *slog.Logger
}

var errMissingLedger = errors.New("vaultapi: ledger and curves required")

type server struct {
	ledger      Ledger
	curves      Curves
	utilization Utilization
	writer      Writer
	wallet      Wallet
	logger      *slog.Logger
}

// New builds the query router and, when configured, the authenticated write
// routes.
func New(cfg Config) (http.Handler, error) {
	if cfg.Ledger == nil || cfg.Curves == nil {
		return nil, errMissingLedger
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{
		ledger:      cfg.Ledger,
		curves:      cfg.Curves,
		utilization: cfg.Utilization,
		writer:      cfg.Writer,
		wallet:      cfg.Wallet,
		logger:      logger.With("component", "vaultapi"),
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{LogRequests: cfg.LogRequests}, logger)
	var limiter *middleware.RateLimiter
	if cfg.RateLimit.RequestsPerMinute > 0 {
		limiter = middleware.NewRateLimiter(map[string]middleware.RateLimit{"v1": cfg.RateLimit}, logger)
	}

	writable := cfg.Writer != nil && cfg.Auth != nil
	var write, admin func(http.Handler) http.Handler
	if writable {
		write = cfg.Auth.Middleware(middleware.ScopeWrite)
		admin = cfg.Auth.Middleware(middleware.ScopeAdmin)
	}

	r := chi.NewRouter()
	r.With(obs.Middleware("healthz")).Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(v1 chi.Router) {
		if limiter != nil {
			v1.Use(limiter.Middleware("v1"))
		}
		v1.With(obs.Middleware("curves")).Get("/curves", s.listCurves)
		v1.With(obs.Middleware("vaults")).Get("/vaults", s.listVaults)
		v1.Route("/vaults/{termId}/{curveId}", func(vr chi.Router) {
			vr.With(obs.Middleware("vault")).Get("/", s.getVault)
			vr.With(obs.Middleware("vault_price")).Get("/price", s.getPrice)
			vr.With(obs.Middleware("vault_holders")).Get("/holders", s.getHolders)
			vr.With(obs.Middleware("vault_shares")).Get("/shares/{owner}", s.getShares)
			vr.With(obs.Middleware("preview_deposit")).Get("/preview/deposit", s.previewDeposit)
			vr.With(obs.Middleware("preview_redeem")).Get("/preview/redeem", s.previewRedeem)
			if writable {
				vr.With(obs.Middleware("deposit"), write).Post("/deposit", s.deposit)
				vr.With(obs.Middleware("redeem"), write).Post("/redeem", s.redeem)
			}
		})
		v1.With(obs.Middleware("credits")).Get("/credits", s.listCredits)
		v1.With(obs.Middleware("protocol_fees")).Get("/fees/protocol", s.protocolFees)
		v1.With(obs.Middleware("protocol_fees")).Get("/fees/protocol/{epoch}", s.protocolFees)
		v1.With(obs.Middleware("utilization_epochs")).Get("/utilization", s.utilizationEpochs)
		v1.With(obs.Middleware("utilization")).Get("/utilization/{epoch}", s.utilizationSummary)
		v1.With(obs.Middleware("utilization_actor")).Get("/utilization/{epoch}/{actor}", s.actorUtilization)
		v1.With(obs.Middleware("audit")).Get("/audit", s.audit)
		if s.wallet != nil {
			v1.With(obs.Middleware("wallet")).Get("/wallet/{termId}", s.claimable)
		}

		if !writable {
			return
		}
		v1.With(obs.Middleware("batch_deposit"), write).Post("/batch/deposit", s.batchDeposit)
		v1.With(obs.Middleware("batch_redeem"), write).Post("/batch/redeem", s.batchRedeem)
		v1.With(obs.Middleware("sweep"), admin).Post("/fees/protocol/{epoch}/sweep", s.sweepProtocolFees)
		v1.With(obs.Middleware("credit_retry"), admin).Post("/credits/retry", s.retryCredits)
		if s.wallet != nil {
			v1.With(obs.Middleware("wallet_claim"), admin).Post("/wallet/{termId}/claim", s.claim)
		}
	})
	return r, nil
}
