package http

import (
	"time"

	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/shopspring/decimal"
)

type OrderItemDTO struct {
	OfferingID int64           `json:"offeringId"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
	LineTotal  decimal.Decimal `json:"lineTotal"`
}

type OrderDTO struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	AddressID  int64           `json:"addressId"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
	Discount   decimal.Decimal `json:"discount"`
	FinalPrice decimal.Decimal `json:"finalPrice"`
	Items      []OrderItemDTO  `json:"items"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type PaymentDTO struct {
	ID             int64           `json:"id"`
	OrderID        string          `json:"orderId"`
	TransactionRef string          `json:"transactionRef"`
	Amount         decimal.Decimal `json:"amount"`
	Status         string          `json:"status"`
	Gateway        string          `json:"gateway"`
	RefID          string          `json:"refId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type CartItemDTO struct {
	OfferingID int64           `json:"offeringId"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
	ListPrice  decimal.Decimal `json:"listPrice"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
}

type CartDTO struct {
	ID            int64           `json:"id,omitempty"`
	Items         []CartItemDTO   `json:"items"`
	TotalPrice    decimal.Decimal `json:"totalPrice"`
	TotalDiscount decimal.Decimal `json:"totalDiscount"`
	ExpiresAt     *time.Time      `json:"expiresAt,omitempty"`
}

type DiscountQuoteDTO struct {
	Code     string          `json:"code"`
	Percent  decimal.Decimal `json:"percent"`
	Original decimal.Decimal `json:"original"`
	Amount   decimal.Decimal `json:"amount"`
	Final    decimal.Decimal `json:"final"`
}

func toOrderDTO(o *domain.Order) OrderDTO {
	items := make([]OrderItemDTO, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, OrderItemDTO{
			OfferingID: item.OfferingID,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			LineTotal:  item.LineTotal,
		})
	}
	return OrderDTO{
		ID:         o.ID.String(),
		Status:     o.Status.String(),
		AddressID:  o.AddressID,
		TotalPrice: o.TotalPrice,
		Discount:   o.Discount,
		FinalPrice: o.FinalPrice,
		Items:      items,
		CreatedAt:  o.CreatedAt,
	}
}

func toPaymentDTO(p *domain.Payment) PaymentDTO {
	dto := PaymentDTO{
		ID:             p.ID,
		OrderID:        p.OrderID.String(),
		TransactionRef: p.TransactionRef,
		Amount:         p.Amount,
		Status:         p.Status.String(),
		Gateway:        p.Gateway,
		CreatedAt:      p.CreatedAt,
	}
	if p.RefID != nil {
		dto.RefID = *p.RefID
	}
	return dto
}

func toCartDTO(c *domain.Cart) CartDTO {
	items := make([]CartItemDTO, 0, len(c.Items))
	for _, item := range c.Items {
		items = append(items, CartItemDTO{
			OfferingID: item.OfferingID,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			ListPrice:  item.ListPrice,
			TotalPrice: item.TotalPrice(),
		})
	}
	dto := CartDTO{
		ID:            c.ID,
		Items:         items,
		TotalPrice:    c.TotalPrice,
		TotalDiscount: c.TotalDiscount,
	}
	if c.ID != 0 {
		expires := c.ExpiresAt
		dto.ExpiresAt = &expires
	}
	return dto
}

func toDiscountQuoteDTO(d *domain.AppliedDiscount) DiscountQuoteDTO {
	return DiscountQuoteDTO{
		Code:     d.Code,
		Percent:  d.Percent,
		Original: d.Original,
		Amount:   d.Amount,
		Final:    d.Final,
	}
}
