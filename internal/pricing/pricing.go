// Package pricing вычисляет авторитетную стоимость корзины по каталогу.
package pricing

import (
	"context"
	"fmt"

	"github.com/mmeshcher/storefront-system/internal/model"
)

// CatalogSource описывает доступ к каталогу товаров, используемый при расчёте.
type CatalogSource interface {
	GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]model.Product, error)
}

// ProductNotFoundError возвращается, если позиция корзины ссылается на
// отсутствующий в каталоге товар.
type ProductNotFoundError struct {
	ProductID int64
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %d not found", e.ProductID)
}

// InvalidQuantityError возвращается, если количество позиции не является
// положительным: нулевые и отрицательные количества не должны доходить
// до платёжного процессора.
type InvalidQuantityError struct {
	ProductID int64
	Quantity  int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("invalid quantity %d for product %d", e.Quantity, e.ProductID)
}

// Engine считает итоговую сумму корзины. Клиентские цены не используются:
// единственный источник цены — каталог.
type Engine struct {
	catalog CatalogSource
}

// NewEngine создаёт движок расчёта стоимости поверх указанного каталога.
func NewEngine(catalog CatalogSource) *Engine {
	return &Engine{catalog: catalog}
}

// CartTotal возвращает сумму корзины в центах: сумма по позициям
// (цена каталога в центах × количество). Цена хранится уже в минимальных
// единицах, поэтому округление между позициями невозможно.
func (e *Engine) CartTotal(ctx context.Context, items []model.CartItem) (int64, error) {
	ids := make([]int64, 0, len(items))
	seen := make(map[int64]struct{}, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return 0, &InvalidQuantityError{ProductID: item.ProductID, Quantity: item.Quantity}
		}
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}

	products, err := e.catalog.GetProductsByIDs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("load products: %w", err)
	}

	var total int64
	for _, item := range items {
		product, ok := products[item.ProductID]
		if !ok {
			return 0, &ProductNotFoundError{ProductID: item.ProductID}
		}
		total += product.PriceCents * int64(item.Quantity)
	}

	return total, nil
}
