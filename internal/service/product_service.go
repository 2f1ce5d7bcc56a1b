package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cattybeo/inventory-dashboard/internal/domain"
	"github.com/cattybeo/inventory-dashboard/internal/repository"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrRFIDInUse       = errors.New("rfid already assigned to another product")
	ErrConflict        = errors.New("stock changed since last read")
)

// Store is the repository surface the service depends on.
type Store interface {
	CreateProduct(ctx context.Context, product *domain.Product) error
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	GetProductByRFID(ctx context.Context, rfidUID string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	UpdateProduct(ctx context.Context, productID string, up domain.ProductUpdate) (*domain.Product, error)
	DeleteProduct(ctx context.Context, productID string) error
	SalesTotalForDay(ctx context.Context, day time.Time) (int, error)
	DailySales(ctx context.Context, productID string, days int) ([]domain.DailySales, error)
}

type ProductService struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewProductService(store Store, logger *zap.Logger) *ProductService {
	return &ProductService{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

func (s *ProductService) CreateProduct(ctx context.Context, req domain.CreateProductRequest) (*domain.Product, error) {
	// rfid_uid joins sale events to products, so it must be unique among
	// active products.
	if req.RFIDUID != "" {
		existing, err := s.store.GetProductByRFID(ctx, req.RFIDUID)
		if err != nil && !errors.Is(err, repository.ErrProductNotFound) {
			return nil, err
		}
		if existing != nil {
			return nil, ErrRFIDInUse
		}
	}

	now := s.now().UTC()
	product := &domain.Product{
		ID:           uuid.NewString(),
		SKU:          req.SKU,
		Name:         req.Name,
		RFIDUID:      req.RFIDUID,
		CurrentStock: req.CurrentStock,
		InitStock:    req.InitStock,
		CreatedAt:    now,
		ModifiedAt:   now,
	}

	if err := s.store.CreateProduct(ctx, product); err != nil {
		s.logger.Error("Failed to save product",
			zap.String("product_id", product.ID),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Product created successfully",
		zap.String("product_id", product.ID),
		zap.String("sku", product.SKU),
		zap.Int("initial_stock", product.CurrentStock))

	return product, nil
}

func (s *ProductService) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	product, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	return product, nil
}

func (s *ProductService) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.store.ListProducts(ctx)
}

func (s *ProductService) UpdateProduct(ctx context.Context, productID string, up domain.ProductUpdate) (*domain.Product, error) {
	if up.RFIDUID != nil && *up.RFIDUID != "" {
		existing, err := s.store.GetProductByRFID(ctx, *up.RFIDUID)
		if err != nil && !errors.Is(err, repository.ErrProductNotFound) {
			return nil, err
		}
		if existing != nil && existing.ID != productID {
			return nil, ErrRFIDInUse
		}
	}

	updated, err := s.store.UpdateProduct(ctx, productID, up)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil, ErrProductNotFound
		}
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return updated, nil
}

// SetStock is the direct UI edit path. It writes current_stock unconditionally,
// bypassing the sale pipeline's compare-and-set; an edit racing a sale can
// overwrite the deduction. Known, accepted consistency gap.
func (s *ProductService) SetStock(ctx context.Context, productID string, stock int) (*domain.Product, error) {
	updated, err := s.store.UpdateProduct(ctx, productID, domain.ProductUpdate{
		CurrentStock: &stock,
	})
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}

	s.logger.Info("Stock set directly",
		zap.String("product_id", productID),
		zap.Int("current_stock", stock))

	return updated, nil
}

func (s *ProductService) DeleteProduct(ctx context.Context, productID string) error {
	err := s.store.DeleteProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return ErrProductNotFound
		}
		return err
	}
	return nil
}

// SalesToday compares today's sold units against yesterday's.
func (s *ProductService) SalesToday(ctx context.Context) (*domain.SalesToday, error) {
	now := s.now().UTC()

	today, err := s.store.SalesTotalForDay(ctx, now)
	if err != nil {
		return nil, err
	}
	yesterday, err := s.store.SalesTotalForDay(ctx, now.AddDate(0, 0, -1))
	if err != nil {
		return nil, err
	}

	return &domain.SalesToday{
		TodayTotal:       today,
		GrowthPercentage: growthPercentage(today, yesterday),
	}, nil
}

// DashboardStats computes the card row of the dashboard from the product list
// plus the sales-today aggregate.
func (s *ProductService) DashboardStats(ctx context.Context) (*domain.DashboardStats, error) {
	products, err := s.store.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	sales, err := s.SalesToday(ctx)
	if err != nil {
		return nil, err
	}

	stats := &domain.DashboardStats{
		TotalProducts:    len(products),
		SoldToday:        sales.TodayTotal,
		GrowthPercentage: sales.GrowthPercentage,
	}

	utilization := 0.0
	for i := range products {
		p := &products[i]
		stats.TotalUnits += p.CurrentStock
		if p.CurrentStock == 0 {
			stats.OutOfStock++
		}
		if p.LowStock() {
			stats.LowStockAlert++
		}
		if p.InitStock > 0 {
			utilization += float64(p.CurrentStock) / float64(p.InitStock) * 100
		}
	}
	if len(products) > 0 {
		stats.StockUtilization = utilization / float64(len(products))
	}

	return stats, nil
}

func (s *ProductService) ProductDailySales(ctx context.Context, productID string, days int) ([]domain.DailySales, error) {
	if _, err := s.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return s.store.DailySales(ctx, productID, days)
}

func growthPercentage(today, yesterday int) float64 {
	if yesterday == 0 {
		if today > 0 {
			return 100
		}
		return 0
	}
	return (float64(today) - float64(yesterday)) / float64(yesterday) * 100
}
