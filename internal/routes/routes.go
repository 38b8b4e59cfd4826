package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"ledger-allocation-backend/internal/config"
	"ledger-allocation-backend/internal/csvimport"
	handler "ledger-allocation-backend/internal/handlers"
	"ledger-allocation-backend/internal/metrics"
	"ledger-allocation-backend/internal/repository"
	"ledger-allocation-backend/internal/services/allocation"
	"ledger-allocation-backend/internal/services/matching"
	"ledger-allocation-backend/internal/services/obligation"
	service "ledger-allocation-backend/internal/services/reconciliation"
)

func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg *config.Config) {
	paymentRepo := repository.NewPaymentRepository(db)
	allocationRepo := repository.NewAllocationRepository(db)
	transferRepo := repository.NewTransferRepository(db)
	receivableRepo := repository.NewReceivableRepository(db)
	payableRepo := repository.NewPayableRepository(db)
	custodyRepo := repository.NewCustodyRepository(db)
	registry := repository.NewObligationRegistry(
		receivableRepo,
		payableRepo,
		custodyRepo,
		repository.NewTransferLegRepository(db),
	)

	ledger := allocation.NewService(db, paymentRepo, allocationRepo, transferRepo, registry)
	obligations := obligation.NewService(receivableRepo, payableRepo, custodyRepo, transferRepo, registry)
	engine := matching.NewEngine(matching.Config{
		Tolerance:     cfg.MatchTolerance,
		MaxCandidates: cfg.MaxSuggestionCandidates,
	})
	reconService := service.NewReconciliationService(
		paymentRepo,
		allocationRepo,
		registry,
		repository.NewRunRepository(db),
		ledger,
		engine,
		service.NewSessionStore(cfg.SuggestionSessionTTL),
	)
	importer := csvimport.NewImporter(paymentRepo, receivableRepo)

	allocationHandler := handler.NewAllocationHandler(ledger)
	paymentHandler := handler.NewPaymentHandler(ledger, importer)
	obligationHandler := handler.NewObligationHandler(obligations, ledger)
	reconHandler := handler.NewReconciliationHandler(reconService)

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")

	// Health check
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	allocations := api.Group("/allocations")
	allocations.POST("", allocationHandler.Create)
	allocations.GET("/:id", allocationHandler.Get)
	allocations.DELETE("/:id", allocationHandler.Delete)

	// Reconciliation runs and suggestion confirmation
	recon := api.Group("/reconciliation")
	recon.POST("/run", reconHandler.Run)
	recon.POST("/confirm", reconHandler.Confirm)
	recon.POST("/confirm/bulk", reconHandler.ConfirmBulk)
	recon.POST("/skip", reconHandler.Skip)
	recon.GET("/runs", reconHandler.ListRuns)
	recon.GET("/runs/:id", reconHandler.GetRun)

	payments := api.Group("/payments")
	payments.POST("", paymentHandler.Create)
	payments.GET("", paymentHandler.List)
	payments.POST("/register", paymentHandler.Register)
	payments.POST("/upload", paymentHandler.Upload)
	payments.GET("/:id", paymentHandler.Get)
	payments.DELETE("/:id", paymentHandler.Delete)
	payments.GET("/:id/allocations", allocationHandler.ListForPayment)
	payments.GET("/:id/audit", allocationHandler.PaymentAudit)

	obligationRoutes := api.Group("/obligations/:kind")
	obligationRoutes.POST("", obligationHandler.Create)
	obligationRoutes.GET("", obligationHandler.List)
	obligationRoutes.GET("/:id", obligationHandler.Get)
	obligationRoutes.DELETE("/:id", obligationHandler.Delete)
	obligationRoutes.GET("/:id/allocations", allocationHandler.ListForObligation)

	receivables := api.Group("/receivables")
	{
		receivables.POST("/upload", paymentHandler.UploadReceivables)
	}
}
