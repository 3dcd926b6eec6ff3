package firestore

import (
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
)

// Money is stored as decimal strings so that totals survive round trips exactly.

type productDocument struct {
	ID              string `firestore:"id"`
	Name            string `firestore:"name"`
	Image           string `firestore:"image,omitempty"`
	Price           string `firestore:"price"`
	DiscountPercent string `firestore:"discountPercent,omitempty"`
}

func productToDocument(p domain.ProductRef) productDocument {
	doc := productDocument{ID: p.ID, Name: p.Name, Image: p.Image, Price: p.Price.String()}
	if !p.DiscountPercent.IsZero() {
		doc.DiscountPercent = p.DiscountPercent.String()
	}
	return doc
}

func (d productDocument) toDomain() domain.ProductRef {
	return domain.ProductRef{
		ID:              d.ID,
		Name:            d.Name,
		Image:           d.Image,
		Price:           parseDecimal(d.Price),
		DiscountPercent: parseDecimal(d.DiscountPercent),
	}
}

type cartLineDocument struct {
	Product  productDocument `firestore:"product"`
	Quantity int             `firestore:"quantity"`
}

type cartDocument struct {
	UserID    string             `firestore:"userId"`
	Lines     []cartLineDocument `firestore:"lines"`
	Version   int64              `firestore:"version"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

func cartToDocument(cart domain.Cart) cartDocument {
	doc := cartDocument{UserID: cart.UserID, Version: cart.Version, UpdatedAt: cart.UpdatedAt.UTC(), Lines: make([]cartLineDocument, 0, len(cart.Lines))}
	for _, line := range cart.Lines {
		doc.Lines = append(doc.Lines, cartLineDocument{Product: productToDocument(line.Product), Quantity: line.Quantity})
	}
	return doc
}

func (d cartDocument) toDomain() domain.Cart {
	cart := domain.Cart{UserID: d.UserID, Version: d.Version, UpdatedAt: d.UpdatedAt}
	for _, line := range d.Lines {
		cart.Lines = append(cart.Lines, domain.CartLine{Product: line.Product.toDomain(), Quantity: line.Quantity})
	}
	return cart
}

type orderItemDocument struct {
	ProductID    string `firestore:"productId"`
	ProductName  string `firestore:"productName"`
	ProductImage string `firestore:"productImage,omitempty"`
	Price        string `firestore:"price"`
	Quantity     int    `firestore:"quantity"`
}

type paymentDocument struct {
	Provider      string `firestore:"provider"`
	TransactionID string `firestore:"transactionId,omitempty"`
	Status        string `firestore:"status"`
	Amount        string `firestore:"amount"`
	Currency      string `firestore:"currency"`
	Sandbox       bool   `firestore:"sandbox"`
}

type orderDocument struct {
	OrderID              string              `firestore:"orderId"`
	UserID               string              `firestore:"userId,omitempty"`
	Items                []orderItemDocument `firestore:"items"`
	DeliveryMethod       string              `firestore:"deliveryMethod"`
	DeliveryAddress      string              `firestore:"deliveryAddress"`
	DeliveryCostIncluded bool                `firestore:"deliveryCostIncluded"`
	PaymentMethod        string              `firestore:"paymentMethod"`
	PromoCode            string              `firestore:"promoCode,omitempty"`
	PromoDiscountPercent string              `firestore:"promoDiscountPercent,omitempty"`
	Subtotal             string              `firestore:"subtotal,omitempty"`
	TotalAmount          string              `firestore:"totalAmount"`
	Currency             string              `firestore:"currency"`
	Email                string              `firestore:"email,omitempty"`
	FirstName            string              `firestore:"firstName,omitempty"`
	LastName             string              `firestore:"lastName,omitempty"`
	Status               string              `firestore:"status"`
	Source               string              `firestore:"source"`
	Payment              *paymentDocument    `firestore:"payment,omitempty"`
	CreatedAt            time.Time           `firestore:"createdAt"`
	UpdatedAt            time.Time           `firestore:"updatedAt"`
}

func orderToDocument(o domain.Order) orderDocument {
	doc := orderDocument{
		OrderID:              o.OrderID,
		UserID:               o.UserID,
		Items:                make([]orderItemDocument, 0, len(o.Items)),
		DeliveryMethod:       string(o.DeliveryMethod),
		DeliveryAddress:      o.DeliveryAddress,
		DeliveryCostIncluded: o.DeliveryCostIncluded,
		PaymentMethod:        string(o.PaymentMethod),
		PromoCode:            o.PromoCode,
		TotalAmount:          o.TotalAmount.StringFixed(2),
		Currency:             o.Currency,
		Email:                o.Customer.Email,
		FirstName:            o.Customer.FirstName,
		LastName:             o.Customer.LastName,
		Status:               string(o.Status),
		Source:               string(o.Source),
		CreatedAt:            o.CreatedAt.UTC(),
		UpdatedAt:            o.UpdatedAt.UTC(),
	}
	if !o.PromoDiscountPercent.IsZero() {
		doc.PromoDiscountPercent = o.PromoDiscountPercent.String()
	}
	if !o.Subtotal.IsZero() {
		doc.Subtotal = o.Subtotal.StringFixed(2)
	}
	for _, item := range o.Items {
		doc.Items = append(doc.Items, orderItemDocument{
			ProductID:    item.ProductID,
			ProductName:  item.ProductName,
			ProductImage: item.ProductImage,
			Price:        item.Price.StringFixed(2),
			Quantity:     item.Quantity,
		})
	}
	if p := o.Payment; p != nil {
		doc.Payment = &paymentDocument{
			Provider:      p.Provider,
			TransactionID: p.TransactionID,
			Status:        p.Status,
			Amount:        p.Amount.StringFixed(2),
			Currency:      p.Currency,
			Sandbox:       p.Sandbox,
		}
	}
	return doc
}

func (d orderDocument) toDomain() domain.Order {
	order := domain.Order{
		OrderDraft: domain.OrderDraft{
			OrderID:              d.OrderID,
			UserID:               d.UserID,
			DeliveryMethod:       domain.DeliveryMethod(d.DeliveryMethod),
			DeliveryAddress:      d.DeliveryAddress,
			DeliveryCostIncluded: d.DeliveryCostIncluded,
			PaymentMethod:        domain.PaymentMethod(d.PaymentMethod),
			PromoCode:            d.PromoCode,
			PromoDiscountPercent: parseDecimal(d.PromoDiscountPercent),
			Subtotal:             parseDecimal(d.Subtotal),
			TotalAmount:          parseDecimal(d.TotalAmount),
			Currency:             d.Currency,
			Customer:             domain.Customer{Email: d.Email, FirstName: d.FirstName, LastName: d.LastName},
		},
		Status:    domain.OrderStatus(d.Status),
		Source:    domain.OrderSource(d.Source),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	for _, item := range d.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ProductID:    item.ProductID,
			ProductName:  item.ProductName,
			ProductImage: item.ProductImage,
			Price:        parseDecimal(item.Price),
			Quantity:     item.Quantity,
		})
	}
	if p := d.Payment; p != nil {
		order.Payment = &domain.OrderPayment{
			Provider:      p.Provider,
			TransactionID: p.TransactionID,
			Status:        p.Status,
			Amount:        parseDecimal(p.Amount),
			Currency:      p.Currency,
			Sandbox:       p.Sandbox,
		}
	}
	return order
}

func parseDecimal(value string) decimal.Decimal {
	if value == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero
	}
	return d
}
