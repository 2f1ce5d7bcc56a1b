package domain

import (
	"time"
)

type Product struct {
	ID           string    `dynamodbav:"id"            json:"id"`
	SKU          string    `dynamodbav:"sku"           json:"sku"`
	Name         string    `dynamodbav:"name"          json:"name"`
	RFIDUID      string    `dynamodbav:"rfid_uid"      json:"rfid_uid"`
	CurrentStock int       `dynamodbav:"current_stock" json:"current_stock"`
	InitStock    int       `dynamodbav:"init_stock"    json:"init_stock"`
	CreatedAt    time.Time `dynamodbav:"created_at"    json:"created_at"`
	ModifiedAt   time.Time `dynamodbav:"modified_at"   json:"modified_at"`
}

// SaleLogEntry is append-only; entries survive deletion of their product.
type SaleLogEntry struct {
	ProductID    string    `dynamodbav:"product_id"    json:"product_id"`
	SoldAtKey    string    `dynamodbav:"sold_at_key"   json:"-"`
	QuantitySold int       `dynamodbav:"quantity_sold" json:"quantity_sold"`
	SoldAt       time.Time `dynamodbav:"sold_at"       json:"sold_at"`
	SaleDay      string    `dynamodbav:"sale_day"      json:"-"`
}

type CreateProductRequest struct {
	SKU          string `json:"sku"           binding:"required"`
	Name         string `json:"name"          binding:"required"`
	RFIDUID      string `json:"rfid_uid"`
	CurrentStock int    `json:"current_stock" binding:"min=0"`
	InitStock    int    `json:"init_stock"    binding:"min=0"`
}

// ProductUpdate is a partial update. Nil fields are left untouched.
// ExpectedStock, when set, makes the write conditional on the stock value the
// caller last read; a mismatch fails with a conflict instead of clobbering a
// concurrent deduction.
type ProductUpdate struct {
	SKU           *string `json:"sku"`
	Name          *string `json:"name"`
	RFIDUID       *string `json:"rfid_uid"`
	CurrentStock  *int    `json:"current_stock"`
	InitStock     *int    `json:"init_stock"`
	ExpectedStock *int    `json:"expected_stock"`
}

type SetStockRequest struct {
	CurrentStock *int `json:"current_stock" binding:"required"`
}

type StockDeductionResult struct {
	ProductID     string `json:"product_id"`
	Name          string `json:"name"`
	PreviousStock int    `json:"previous_stock"`
	NewStock      int    `json:"new_stock"`
	Deducted      int    `json:"deducted"`
}

// DashboardStats is the aggregate card row at the top of the dashboard.
type DashboardStats struct {
	TotalProducts    int     `json:"total_products"`
	LowStockAlert    int     `json:"low_stock_alert"`
	OutOfStock       int     `json:"out_of_stock"`
	TotalUnits       int     `json:"total_units"`
	SoldToday        int     `json:"sold_today"`
	GrowthPercentage float64 `json:"growth_percentage"`
	StockUtilization float64 `json:"stock_utilization"`
}

type SalesToday struct {
	TodayTotal       int     `json:"today_total"`
	GrowthPercentage float64 `json:"growth_percentage"`
}

type DailySales struct {
	SaleDay   string `json:"sale_day"`
	TotalSold int    `json:"total_sold"`
}

// LowStock reports the dashboard's low-stock rule: the product still has
// units but fewer than 20% of its initial baseline.
func (p *Product) LowStock() bool {
	return p.CurrentStock > 0 && float64(p.CurrentStock) < float64(p.InitStock)*0.2
}
