package main

import (
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/attachments"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/capture"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/config"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/database"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/enrichment"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/extraction"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/llm"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/notes"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/search"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/server"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application holds the wired collaborators shared by every subcommand.
type application struct {
	config      config.AppConfig
	logger      *zap.Logger
	db          *gorm.DB
	notes       *notes.Store
	attachments *attachments.Store
	dispatcher  *server.EventDispatcher
	service     *capture.Service
}

func buildApplication(appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	noteStore, err := notes.NewStore(notes.StoreConfig{
		InboxDir:   appConfig.InboxDir,
		ArchiveDir: appConfig.ArchiveDir,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	attachmentStore, err := attachments.NewStore(attachments.Config{
		Dir:     appConfig.AttachmentsDir,
		BaseURL: appConfig.PublicBaseURL,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.IndexPath, logger)
	if err != nil {
		return nil, err
	}

	var client *llm.Client
	if appConfig.LLMConfigured() {
		client = llm.NewClient(llm.Config{
			BaseURL:            appConfig.LLMBaseURL,
			APIKey:             appConfig.LLMAPIKey,
			ChatModel:          appConfig.ChatModel,
			EmbeddingModel:     appConfig.EmbeddingModel,
			TranscriptionModel: appConfig.TranscriptionModel,
			Timeout:            appConfig.LLMTimeout,
			Logger:             logger,
		})
	}

	var embedder search.Embedder = search.NewHashingEmbedder(appConfig.Dimensions)
	if appConfig.Embedder == config.EmbedderAPI && client != nil {
		embedder = search.NewAPIEmbedder(client, appConfig.EmbeddingModel)
	}
	index, err := search.NewSQLiteIndex(search.Config{Database: db, Embedder: embedder, Logger: logger})
	if err != nil {
		closeDatabase(db, logger)
		return nil, err
	}

	var enricher enrichment.Enricher = enrichment.Disabled{}
	extractors := []extraction.Extractor{extraction.PlainText{}, extraction.PDFText{}}
	if client != nil {
		enricher = enrichment.NewLLMEnricher(client, logger)
		if appConfig.TranscriptionModel != "" {
			extractors = append(extractors, extraction.NewAudioTranscriber(client))
		}
	} else {
		logger.Warn("llm.api_key not set, captures use fallback metadata")
	}

	dispatcher := server.NewEventDispatcher()
	service, err := capture.NewService(capture.ServiceConfig{
		Notes:       noteStore,
		Attachments: attachmentStore,
		Index:       index,
		Enricher:    enricher,
		Extractor:   extraction.NewChain(logger, extractors...),
		Publisher:   dispatcher,
		SearchLimit: appConfig.SearchLimit,
		Logger:      logger,
	})
	if err != nil {
		closeDatabase(db, logger)
		return nil, err
	}

	logger.Info("application wired",
		zap.String("inbox_dir", appConfig.InboxDir),
		zap.String("archive_dir", appConfig.ArchiveDir),
		zap.String("attachments_dir", appConfig.AttachmentsDir),
		zap.String("index_path", appConfig.IndexPath),
		zap.String("embedder", embedder.Name()),
		zap.Bool("llm_enabled", client != nil))

	return &application{
		config:      appConfig,
		logger:      logger,
		db:          db,
		notes:       noteStore,
		attachments: attachmentStore,
		dispatcher:  dispatcher,
		service:     service,
	}, nil
}

func (a *application) Close() {
	closeDatabase(a.db, a.logger)
}

func closeDatabase(db *gorm.DB, logger *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		logger.Warn("failed to access index database handle", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.Warn("failed to close index database", zap.Error(err))
	}
}
