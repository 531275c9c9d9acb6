package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dropshop/internal/auth"
	"dropshop/internal/models"
	"dropshop/internal/store"
	"dropshop/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Stock view sources
const (
	StockSourceCache    = "cache"
	StockSourceDatabase = "database"
)

// InventoryService manages products and their credential pools
type InventoryService struct {
	store  *store.Store
	cache  StockCache
	logger *zap.Logger
}

// NewInventoryService creates a new inventory service
func NewInventoryService(store *store.Store, cache StockCache) *InventoryService {
	return &InventoryService{
		store:  store,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// CreateProductRequest represents a request to list a new product
type CreateProductRequest struct {
	Name        string          `json:"name" binding:"required"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Available   *bool           `json:"available,omitempty"`
}

// StockView is the public stock answer for a product
type StockView struct {
	ProductID      int64  `json:"product_id"`
	AvailableStock int    `json:"available_stock"`
	Source         string `json:"source"`
}

// CreateProduct lists a new product with an empty pool
func (s *InventoryService) CreateProduct(ctx context.Context, op auth.Operator, req *CreateProductRequest) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.CreateProduct")
	defer span.End()

	if err := op.Authorize(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: product name is required", models.ErrValidation)
	}
	if req.Price.IsNegative() {
		return nil, fmt.Errorf("%w: price cannot be negative", models.ErrValidation)
	}

	product := &models.Product{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Price:       req.Price.Round(2),
		Available:   req.Available == nil || *req.Available,
	}
	if err := s.store.CreateProduct(ctx, product); err != nil {
		return nil, err
	}

	s.logger.Info("Product created",
		zap.Int64("product_id", product.ID),
		zap.String("operator", op.ID))
	return product, nil
}

// ListCatalog returns the products shown to customers
func (s *InventoryService) ListCatalog(ctx context.Context) ([]models.Product, error) {
	return s.store.ListAvailableProducts(ctx)
}

// ListProducts returns every product, hidden ones included
func (s *InventoryService) ListProducts(ctx context.Context, op auth.Operator) ([]models.Product, error) {
	if err := op.AuthorizeRead(); err != nil {
		return nil, err
	}
	return s.store.ListProducts(ctx)
}

// SetProductAvailability shows or hides a product. Stock is unaffected.
func (s *InventoryService) SetProductAvailability(ctx context.Context, op auth.Operator, productID int64, available bool) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.SetProductAvailability")
	defer span.End()

	if err := op.Authorize(); err != nil {
		return err
	}
	if err := s.store.SetProductAvailable(ctx, productID, available); err != nil {
		return err
	}

	s.logger.Info("Product availability changed",
		zap.Int64("product_id", productID),
		zap.Bool("available", available),
		zap.String("operator", op.ID))
	return nil
}

// AddCredential inserts a credential into the pool and bumps the stock
// counter in the same transaction.
func (s *InventoryService) AddCredential(ctx context.Context, op auth.Operator, productID int64, fields models.SecretFields) (*models.Credential, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.AddCredential",
		attribute.Int64("product_id", productID))
	var err error
	defer func() { util.EndSpan(span, err) }()

	if err = op.Authorize(); err != nil {
		return nil, err
	}
	if err = fields.Validate(); err != nil {
		return nil, err
	}

	var (
		cred  *models.Credential
		level *models.StockLevel
	)
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		var txErr error
		cred, level, txErr = s.addCredentialTx(ctx, tx, op, productID, fields)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	mirrorStock(ctx, s.cache, s.logger, level)
	util.CredentialsAddedTotal.WithLabelValues("operator").Inc()

	s.logger.Info("Credential added",
		zap.Int64("product_id", productID),
		zap.Int64("credential_id", cred.ID),
		zap.Int("available_stock", level.AvailableStock),
		zap.String("operator", op.ID))
	return cred, nil
}

// addCredentialTx locks the product by incrementing its counter first, then inserts
func (s *InventoryService) addCredentialTx(ctx context.Context, tx *store.Tx, op auth.Operator, productID int64, fields models.SecretFields) (*models.Credential, *models.StockLevel, error) {
	level, err := tx.IncrementStock(ctx, productID)
	if err != nil {
		return nil, nil, err
	}

	cred := &models.Credential{
		ProductID: productID,
		Username:  fields.Username,
		Secret:    fields.Secret,
		Notes:     fields.Notes,
	}
	if err := tx.InsertCredential(ctx, cred); err != nil {
		return nil, nil, err
	}

	event := &models.CredentialAddedEvent{
		BaseEvent:      models.NewBaseEvent(models.EventTypeCredentialAdded),
		CredentialID:   cred.ID,
		ProductID:      productID,
		AvailableStock: level.AvailableStock,
		OperatorID:     op.ID,
	}
	if err := recordEvent(ctx, tx, models.ProductKey(productID), event); err != nil {
		return nil, nil, err
	}
	return cred, level, nil
}

// HandleCredentialIntake adds a credential received from the intake topic.
// Each event is applied at most once; malformed events and unknown products
// are dropped with a warning so they cannot block the partition.
func (s *InventoryService) HandleCredentialIntake(ctx context.Context, event *models.CredentialIntakeEvent) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.HandleCredentialIntake")
	defer span.End()

	if event.EventID == "" {
		util.IntakeEventsTotal.WithLabelValues("rejected").Inc()
		s.logger.Warn("Dropping intake event without id", zap.Int64("product_id", event.ProductID))
		return nil
	}
	if err := event.Fields().Validate(); err != nil {
		util.IntakeEventsTotal.WithLabelValues("rejected").Inc()
		s.logger.Warn("Dropping invalid intake event",
			zap.String("event_id", event.EventID),
			zap.Int64("product_id", event.ProductID),
			zap.Error(err))
		return nil
	}

	op := auth.System("intake")
	var (
		cred      *models.Credential
		level     *models.StockLevel
		duplicate bool
	)
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		processed, err := tx.IsEventProcessed(ctx, event.EventID)
		if err != nil {
			return err
		}
		if processed {
			duplicate = true
			return nil
		}

		cred, level, err = s.addCredentialTx(ctx, tx, op, event.ProductID, event.Fields())
		if err != nil {
			return err
		}
		return tx.MarkEventProcessed(ctx, event.EventID, event.EventType)
	})

	switch {
	case errors.Is(err, models.ErrProductNotFound):
		util.IntakeEventsTotal.WithLabelValues("rejected").Inc()
		s.logger.Warn("Dropping intake event for unknown product",
			zap.String("event_id", event.EventID),
			zap.Int64("product_id", event.ProductID))
		return nil
	case err != nil:
		util.IntakeEventsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to apply intake event %s: %w", event.EventID, err)
	case duplicate:
		util.IntakeEventsTotal.WithLabelValues("duplicate").Inc()
		s.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	mirrorStock(ctx, s.cache, s.logger, level)
	util.IntakeEventsTotal.WithLabelValues("applied").Inc()
	util.CredentialsAddedTotal.WithLabelValues("intake").Inc()

	s.logger.Info("Credential added from intake",
		zap.String("event_id", event.EventID),
		zap.Int64("product_id", event.ProductID),
		zap.Int64("credential_id", cred.ID))
	return nil
}

// ListCredentials returns the product's inventory without secrets
func (s *InventoryService) ListCredentials(ctx context.Context, op auth.Operator, productID int64) ([]models.CredentialSummary, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.ListCredentials")
	defer span.End()

	if err := op.AuthorizeRead(); err != nil {
		return nil, err
	}
	if _, err := s.store.GetProductByID(ctx, productID); err != nil {
		return nil, err
	}
	return s.store.ListCredentials(ctx, productID)
}

// GetStock answers from the cache when it has the product, else from the database
func (s *InventoryService) GetStock(ctx context.Context, productID int64) (*StockView, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.GetStock")
	defer span.End()

	if s.cache != nil {
		available, found, err := s.cache.GetStock(ctx, productID)
		if err != nil {
			util.StockCacheErrorsTotal.WithLabelValues("get").Inc()
			s.logger.Warn("Stock cache read failed, falling back to DB",
				zap.Int64("product_id", productID),
				zap.Error(err))
		} else if found {
			return &StockView{ProductID: productID, AvailableStock: available, Source: StockSourceCache}, nil
		}
	}

	product, err := s.store.GetProductByID(ctx, productID)
	if err != nil {
		return nil, err
	}

	mirrorStock(ctx, s.cache, s.logger, &models.StockLevel{
		ProductID:      product.ID,
		AvailableStock: product.AvailableStock,
		StockVersion:   product.StockVersion,
	})

	return &StockView{ProductID: productID, AvailableStock: product.AvailableStock, Source: StockSourceDatabase}, nil
}

// SyncStockToRedis synchronizes database counters to the cache
func (s *InventoryService) SyncStockToRedis(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}

	s.logger.Info("Starting stock sync to cache")

	products, err := s.store.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("failed to get products: %w", err)
	}

	for _, product := range products {
		mirrorStock(ctx, s.cache, s.logger, &models.StockLevel{
			ProductID:      product.ID,
			AvailableStock: product.AvailableStock,
			StockVersion:   product.StockVersion,
		})
	}

	s.logger.Info("Stock sync completed", zap.Int("count", len(products)))
	return nil
}
