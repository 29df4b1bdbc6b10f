package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/mmeshcher/storefront-system/internal/model"
)

type stubCatalog struct {
	products map[int64]model.Product
	err      error

	requestedIDs []int64
}

func (s *stubCatalog) GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]model.Product, error) {
	s.requestedIDs = ids
	if s.err != nil {
		return nil, s.err
	}
	return s.products, nil
}

func TestCartTotal(t *testing.T) {
	catalog := &stubCatalog{
		products: map[int64]model.Product{
			1: {ID: 1, Name: "GE 8000 BTU Window Unit", PriceCents: 1234, Category: "WINDOW_AC"},
			2: {ID: 2, Name: "Daikin 12000 BTU Split", PriceCents: 219900, Category: "SPLIT_AC"},
		},
	}
	engine := NewEngine(catalog)

	items := []model.CartItem{
		{ProductID: 1, Quantity: 2},
		{ProductID: 2, Quantity: 1},
	}

	total, err := engine.CartTotal(context.Background(), items)
	if err != nil {
		t.Fatalf("CartTotal error: %v", err)
	}

	// 12.34 * 2 + 2199.00 = 2468 + 219900 центов.
	if total != 2468+219900 {
		t.Fatalf("total = %d, want %d", total, 2468+219900)
	}
}

func TestCartTotal_ProductNotFound(t *testing.T) {
	catalog := &stubCatalog{
		products: map[int64]model.Product{
			1: {ID: 1, PriceCents: 1000},
		},
	}
	engine := NewEngine(catalog)

	items := []model.CartItem{
		{ProductID: 1, Quantity: 1},
		{ProductID: 99, Quantity: 1},
	}

	_, err := engine.CartTotal(context.Background(), items)

	var notFound *ProductNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected *ProductNotFoundError, got %v", err)
	}
	if notFound.ProductID != 99 {
		t.Fatalf("ProductID = %d, want 99", notFound.ProductID)
	}
}

func TestCartTotal_InvalidQuantity(t *testing.T) {
	catalog := &stubCatalog{
		products: map[int64]model.Product{
			1: {ID: 1, PriceCents: 1234},
		},
	}
	engine := NewEngine(catalog)

	for _, quantity := range []int{0, -2} {
		items := []model.CartItem{{ProductID: 1, Quantity: quantity}}

		_, err := engine.CartTotal(context.Background(), items)

		var invalid *InvalidQuantityError
		if !errors.As(err, &invalid) {
			t.Fatalf("quantity %d: expected *InvalidQuantityError, got %v", quantity, err)
		}
		if invalid.ProductID != 1 || invalid.Quantity != quantity {
			t.Fatalf("error = %+v", invalid)
		}
	}

	// Каталог не опрашивается: некорректная корзина отклоняется до чтения цен.
	if catalog.requestedIDs != nil {
		t.Fatalf("catalog queried despite invalid quantity: %v", catalog.requestedIDs)
	}
}

func TestCartTotal_DeduplicatesLookupIDs(t *testing.T) {
	catalog := &stubCatalog{
		products: map[int64]model.Product{
			1: {ID: 1, PriceCents: 500},
		},
	}
	engine := NewEngine(catalog)

	items := []model.CartItem{
		{ProductID: 1, Quantity: 1},
		{ProductID: 1, Quantity: 3},
	}

	total, err := engine.CartTotal(context.Background(), items)
	if err != nil {
		t.Fatalf("CartTotal error: %v", err)
	}
	if total != 2000 {
		t.Fatalf("total = %d, want 2000", total)
	}
	if len(catalog.requestedIDs) != 1 {
		t.Fatalf("requested ids = %v, want single deduplicated id", catalog.requestedIDs)
	}
}

func TestCartTotal_CatalogError(t *testing.T) {
	catalog := &stubCatalog{err: errors.New("connection refused")}
	engine := NewEngine(catalog)

	_, err := engine.CartTotal(context.Background(), []model.CartItem{{ProductID: 1, Quantity: 1}})
	if err == nil {
		t.Fatalf("expected error from catalog")
	}
}
