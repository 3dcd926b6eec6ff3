package payments

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
)

// InfoVersion is the schema version written into PaymentInfo.V.
const InfoVersion = 1

// PaymentInfo travels through LiqPay's opaque info field and carries what the
// callback needs to rebuild the order.
type PaymentInfo struct {
	V                    int             `json:"v"`
	UserID               string          `json:"userId,omitempty"`
	DeliveryMethod       string          `json:"deliveryMethod"`
	DeliveryAddress      string          `json:"deliveryAddress"`
	DeliveryCostIncluded bool            `json:"deliveryCostIncluded"`
	CustomerEmail        string          `json:"customerEmail,omitempty"`
	CustomerFirstName    string          `json:"customerFirstName,omitempty"`
	CustomerLastName     string          `json:"customerLastName,omitempty"`
	PromoCode            string          `json:"promoCode,omitempty"`
	PromoDiscount        decimal.Decimal `json:"promoDiscount"`
	Items                []InfoItem      `json:"items"`
}

type InfoItem struct {
	ProductID    string          `json:"productId"`
	ProductName  string          `json:"productName"`
	ProductImage string          `json:"productImage,omitempty"`
	Price        decimal.Decimal `json:"price"`
	Quantity     int             `json:"quantity"`
}

func InfoFromDraft(draft domain.OrderDraft) PaymentInfo {
	info := PaymentInfo{
		V:                    InfoVersion,
		UserID:               draft.UserID,
		DeliveryMethod:       string(draft.DeliveryMethod),
		DeliveryAddress:      draft.DeliveryAddress,
		DeliveryCostIncluded: draft.DeliveryCostIncluded,
		CustomerEmail:        draft.Customer.Email,
		CustomerFirstName:    draft.Customer.FirstName,
		CustomerLastName:     draft.Customer.LastName,
		PromoCode:            draft.PromoCode,
		PromoDiscount:        draft.PromoDiscountPercent,
		Items:                make([]InfoItem, 0, len(draft.Items)),
	}
	for _, item := range draft.Items {
		info.Items = append(info.Items, InfoItem{
			ProductID:    item.ProductID,
			ProductName:  item.ProductName,
			ProductImage: item.ProductImage,
			Price:        item.Price,
			Quantity:     item.Quantity,
		})
	}
	return info
}

// OrderItems converts the carried lines back into ledger items.
func (i PaymentInfo) OrderItems() []domain.OrderItem {
	items := make([]domain.OrderItem, 0, len(i.Items))
	for _, item := range i.Items {
		items = append(items, domain.OrderItem{
			ProductID:    item.ProductID,
			ProductName:  item.ProductName,
			ProductImage: item.ProductImage,
			Price:        item.Price,
			Quantity:     item.Quantity,
		})
	}
	return items
}

func EncodeInfo(info PaymentInfo) (string, error) {
	if info.V == 0 {
		info.V = InfoVersion
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("payments: encode info: %w", err)
	}
	return string(raw), nil
}

// legacyInfo is the unversioned shape written by older app builds, where
// cartItems is itself a JSON string.
type legacyInfo struct {
	UserID               string          `json:"userId"`
	DeliveryMethod       string          `json:"deliveryMethod"`
	DeliveryAddress      string          `json:"deliveryAddress"`
	DeliveryCostIncluded flexBool        `json:"deliveryCostIncluded"`
	CustomerEmail        string          `json:"customerEmail"`
	PromoCode            string          `json:"promoCode"`
	PromoDiscount        decimal.Decimal `json:"promoDiscount"`
	CartItems            json.RawMessage `json:"cartItems"`
}

// DecodeInfo accepts the versioned schema and the legacy unversioned one.
func DecodeInfo(raw string) (PaymentInfo, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PaymentInfo{}, errors.New("payments: info is empty")
	}
	var probe struct {
		V int `json:"v"`
	}
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return PaymentInfo{}, fmt.Errorf("payments: decode info: %w", err)
	}

	switch probe.V {
	case InfoVersion:
		var info PaymentInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			return PaymentInfo{}, fmt.Errorf("payments: decode info v1: %w", err)
		}
		return info, nil
	case 0:
		return decodeLegacyInfo([]byte(raw))
	default:
		return PaymentInfo{}, fmt.Errorf("payments: unsupported info version %d", probe.V)
	}
}

func decodeLegacyInfo(raw []byte) (PaymentInfo, error) {
	var legacy legacyInfo
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return PaymentInfo{}, fmt.Errorf("payments: decode legacy info: %w", err)
	}
	info := PaymentInfo{
		V:                    InfoVersion,
		UserID:               legacy.UserID,
		DeliveryMethod:       legacy.DeliveryMethod,
		DeliveryAddress:      legacy.DeliveryAddress,
		DeliveryCostIncluded: bool(legacy.DeliveryCostIncluded),
		CustomerEmail:        legacy.CustomerEmail,
		PromoCode:            legacy.PromoCode,
		PromoDiscount:        legacy.PromoDiscount,
	}

	items := bytes.TrimSpace(legacy.CartItems)
	if len(items) == 0 || bytes.Equal(items, []byte("null")) {
		return info, nil
	}
	// cartItems is normally a JSON string holding an array; accept a bare array too.
	if items[0] == '"' {
		var nested string
		if err := json.Unmarshal(items, &nested); err != nil {
			return PaymentInfo{}, fmt.Errorf("payments: decode legacy cartItems: %w", err)
		}
		items = []byte(nested)
	}
	if err := json.Unmarshal(items, &info.Items); err != nil {
		return PaymentInfo{}, fmt.Errorf("payments: decode legacy cartItems: %w", err)
	}
	return info, nil
}

// flexBool accepts true/false as JSON booleans or strings.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(strings.ToLower(string(data)), `"`) {
	case "true", "1":
		*b = true
	case "false", "0", "", "null":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}
