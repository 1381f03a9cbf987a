package main

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	"zapinbox/config"
	"zapinbox/internal/adapters/evolution"
	"zapinbox/internal/db"
	"zapinbox/internal/events"
	"zapinbox/internal/handlers"
	"zapinbox/internal/models"
	"zapinbox/internal/services"
	"zapinbox/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("", "")
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	if err := db.Migrate(conn, models.All()...); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	gateway, err := evolution.NewClient(evolution.Config{
		BaseURL:    cfg.EvolutionBaseURL,
		APIKey:     cfg.EvolutionAPIKey,
		WebhookURL: cfg.WebhookIngressURL(),
		Timeout:    cfg.EvolutionTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure provider client")
	}

	var publisher services.EventPublisher
	if cfg.RabbitURL != "" {
		p, err := events.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue, cfg.RabbitQueuePrefix)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect event publisher")
		}
		defer p.Close()
		publisher = p
	} else {
		log.Info().Msg("RABBITMQ_URL not set, event publishing disabled")
	}

	reconciler := services.NewReconciler(conn, publisher)
	sessions := services.NewSessionController(conn, gateway, cfg.QRTerminal)

	router := mux.NewRouter()
	chain := alice.New(handlers.Recoverer, handlers.RequestLogger)

	evolutionWebhook := handlers.NewEvolutionWebhookHandler(reconciler, sessions)
	inboxWebhook := handlers.NewInboxWebhookHandler(reconciler)
	api := handlers.NewAPIHandler(reconciler, sessions, gateway)

	router.HandleFunc("/webhooks/evolution", evolutionWebhook.Handle).Methods("POST")
	router.HandleFunc("/webhooks/inbox", inboxWebhook.Handle).Methods("POST")
	api.Register(router)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      chain.Then(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Info().Str("port", cfg.Port).Msg("Server starting")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}
