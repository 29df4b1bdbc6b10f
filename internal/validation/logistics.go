// Package validation содержит проверки бизнес-правил корзины.
package validation

import (
	"fmt"

	"github.com/mmeshcher/storefront-system/internal/model"
)

const (
	// PickupOnlyCategory — категория товаров, доступных только для самовывоза
	// (оконные кондиционеры не отправляются службами доставки).
	PickupOnlyCategory = "WINDOW_AC"
	// PickupShippingMethod — самовывоз со склада в Аиеа.
	PickupShippingMethod = "PICKUP_AIEA"
)

// LogisticsViolationError возвращается, если товар из категории «только самовывоз»
// оформлен с другим способом доставки.
type LogisticsViolationError struct {
	ItemName       string
	ShippingMethod string
}

func (e *LogisticsViolationError) Error() string {
	return fmt.Sprintf("logistics violation: %s is pickup only, shipping method %q is not allowed", e.ItemName, e.ShippingMethod)
}

// CheckLogistics проверяет совместимость позиций корзины с выбранным способом
// доставки. Функция чистая и вызывается до любых денежных операций и записей.
func CheckLogistics(items []model.CartItem, shippingMethod string) error {
	for _, item := range items {
		if item.Category == PickupOnlyCategory && shippingMethod != PickupShippingMethod {
			return &LogisticsViolationError{
				ItemName:       item.Name,
				ShippingMethod: shippingMethod,
			}
		}
	}
	return nil
}
