package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ProductMappingModel struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	Marketplace string    `gorm:"size:32;not null;uniqueIndex:uq_mapping_sku"`
	SKU         string    `gorm:"column:sku;size:128;not null;uniqueIndex:uq_mapping_sku"`
	ProductID   string    `gorm:"size:64;not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (ProductMappingModel) TableName() string {
	return "product_mappings"
}

type ProductMapping struct {
	Marketplace string `json:"marketplace"`
	SKU         string `json:"sku"`
	ProductID   string `json:"product_id"`
}

// GormMappingAdapter resolves marketplace SKUs to internal product ids.
type GormMappingAdapter struct {
	db *gorm.DB
}

func NewGormMappingAdapter(db *gorm.DB) *GormMappingAdapter {
	return &GormMappingAdapter{db: db}
}

func (g *GormMappingAdapter) Resolve(ctx context.Context, marketplace, sku string) (string, bool, error) {
	var m ProductMappingModel
	err := g.db.WithContext(ctx).
		Where("marketplace = ? AND sku = ?", marketplace, sku).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "resolve sku")
	}
	return m.ProductID, true, nil
}

// Upsert points (marketplace, sku) at productID, replacing an older mapping.
func (g *GormMappingAdapter) Upsert(ctx context.Context, mapping ProductMapping) error {
	if mapping.Marketplace == "" || mapping.SKU == "" || mapping.ProductID == "" {
		return errors.New("marketplace, sku and product id are required")
	}
	model := ProductMappingModel{
		Marketplace: mapping.Marketplace,
		SKU:         mapping.SKU,
		ProductID:   mapping.ProductID,
	}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "marketplace"}, {Name: "sku"}},
		DoUpdates: clause.AssignmentColumns([]string{"product_id", "updated_at"}),
	}).Create(&model).Error
	return errors.Wrap(err, "upsert mapping")
}

func (g *GormMappingAdapter) List(ctx context.Context, marketplace string) ([]ProductMapping, error) {
	var models []ProductMappingModel
	q := g.db.WithContext(ctx).Order("marketplace, sku")
	if marketplace != "" {
		q = q.Where("marketplace = ?", marketplace)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "list mappings")
	}

	out := make([]ProductMapping, 0, len(models))
	for _, m := range models {
		out = append(out, ProductMapping{Marketplace: m.Marketplace, SKU: m.SKU, ProductID: m.ProductID})
	}
	return out, nil
}
