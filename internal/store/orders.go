package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"order-routing/internal/models"

	"github.com/shopspring/decimal"
)

// CreateOrder inserts an order with its items. Order-management owns orders in
// production; this is used for seeding and tests.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if order.Status == "" {
		order.Status = models.OrderStatusCreated
	}
	now := utc(time.Now())
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.CreatedAt = utc(order.CreatedAt)
	order.UpdatedAt = order.CreatedAt

	if order.ID == 0 {
		err = tx.GetContext(ctx, &order.ID, tx.Rebind(`
			INSERT INTO orders (retailer_id, retailer_lat, retailer_lng, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING id`),
			order.RetailerID, order.RetailerLat, order.RetailerLng, order.Status, order.CreatedAt, order.UpdatedAt)
	} else {
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO orders (id, retailer_id, retailer_lat, retailer_lng, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			order.ID, order.RetailerID, order.RetailerLat, order.RetailerLng, order.Status, order.CreatedAt, order.UpdatedAt)
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range order.Items {
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO order_items (order_id, product_id, quantity) VALUES (?, ?, ?)`),
			order.ID, item.ProductID, item.Quantity)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return tx.Commit()
}

// GetOrder retrieves an order with its items
func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.get(ctx, &order, `
		SELECT id, retailer_id, retailer_lat, retailer_lng, status, created_at, updated_at
		FROM orders WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if err := s.selectAll(ctx, &order.Items,
		`SELECT product_id, quantity FROM order_items WHERE order_id = ? ORDER BY product_id`, id); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) TransitionOrder(ctx context.Context, id int64, from []string, to string, now time.Time) (bool, error) {
	n, err := s.execIn(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status IN (?)`,
		to, utc(now), id, from)
	return n > 0, err
}

func (s *Store) ListStuckOrders(ctx context.Context, statuses []string, updatedBefore time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.selectIn(ctx, &orders, `
		SELECT id, retailer_id, retailer_lat, retailer_lng, status, created_at, updated_at
		FROM orders WHERE status IN (?) AND updated_at < ?
		ORDER BY updated_at, id LIMIT ?`,
		statuses, utc(updatedBefore), limit)
	return orders, err
}

// UpsertVendor writes a vendor row. Vendor-management owns vendors in production.
func (s *Store) UpsertVendor(ctx context.Context, v *models.Vendor) error {
	_, err := s.exec(ctx, `
		INSERT INTO vendors (id, name, phone, region, lat, lng, capacity, active_orders)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, phone = excluded.phone, region = excluded.region,
			lat = excluded.lat, lng = excluded.lng, capacity = excluded.capacity,
			active_orders = excluded.active_orders`,
		v.ID, v.Name, v.Phone, v.Region, v.Lat, v.Lng, v.Capacity, v.ActiveOrders)
	return err
}

func (s *Store) SetVendorStock(ctx context.Context, vendorID int64, st models.ProductStock) error {
	_, err := s.exec(ctx, `
		INSERT INTO vendor_stock (vendor_id, product_id, available, unit_price)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (vendor_id, product_id) DO UPDATE SET
			available = excluded.available, unit_price = excluded.unit_price`,
		vendorID, st.ProductID, st.Available, st.UnitPrice.StringFixed(2))
	return err
}

func (s *Store) SetVendorReliability(ctx context.Context, r models.VendorReliability) error {
	_, err := s.exec(ctx, `
		INSERT INTO vendor_reliability (vendor_id, offers_received, offers_accepted, orders_accepted, orders_delivered)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (vendor_id) DO UPDATE SET
			offers_received = excluded.offers_received, offers_accepted = excluded.offers_accepted,
			orders_accepted = excluded.orders_accepted, orders_delivered = excluded.orders_delivered`,
		r.VendorID, r.OffersReceived, r.OffersAccepted, r.OrdersAccepted, r.OrdersDelivered)
	return err
}

func (s *Store) GetVendor(ctx context.Context, id int64) (*models.Vendor, error) {
	var v models.Vendor
	err := s.get(ctx, &v, `
		SELECT id, name, phone, region, lat, lng, capacity, active_orders
		FROM vendors WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

type stockRow struct {
	VendorID  int64           `db:"vendor_id"`
	ProductID int64           `db:"product_id"`
	Available int             `db:"available"`
	UnitPrice decimal.Decimal `db:"unit_price"`
}

// ListVendorOffers returns every vendor stocking at least one of productIDs,
// ordered by vendor id.
func (s *Store) ListVendorOffers(ctx context.Context, productIDs []int64) ([]models.VendorOffer, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}
	var stock []stockRow
	if err := s.selectIn(ctx, &stock, `
		SELECT vendor_id, product_id, available, unit_price
		FROM vendor_stock WHERE product_id IN (?)`, productIDs); err != nil {
		return nil, fmt.Errorf("list vendor stock: %w", err)
	}
	if len(stock) == 0 {
		return nil, nil
	}

	byVendor := make(map[int64]map[int64]models.ProductStock)
	var vendorIDs []int64
	for _, row := range stock {
		if _, ok := byVendor[row.VendorID]; !ok {
			byVendor[row.VendorID] = make(map[int64]models.ProductStock)
			vendorIDs = append(vendorIDs, row.VendorID)
		}
		byVendor[row.VendorID][row.ProductID] = models.ProductStock{
			ProductID: row.ProductID,
			Available: row.Available,
			UnitPrice: row.UnitPrice,
		}
	}

	var vendors []models.Vendor
	if err := s.selectIn(ctx, &vendors, `
		SELECT id, name, phone, region, lat, lng, capacity, active_orders
		FROM vendors WHERE id IN (?)`, vendorIDs); err != nil {
		return nil, fmt.Errorf("list vendors: %w", err)
	}

	offers := make([]models.VendorOffer, 0, len(vendors))
	for _, v := range vendors {
		offers = append(offers, models.VendorOffer{Vendor: v, Stock: byVendor[v.ID]})
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].ID < offers[j].ID })
	return offers, nil
}

func (s *Store) VendorReliability(ctx context.Context, vendorIDs []int64) (map[int64]models.VendorReliability, error) {
	out := make(map[int64]models.VendorReliability, len(vendorIDs))
	if len(vendorIDs) == 0 {
		return out, nil
	}
	var rows []models.VendorReliability
	if err := s.selectIn(ctx, &rows, `
		SELECT vendor_id, offers_received, offers_accepted, orders_accepted, orders_delivered
		FROM vendor_reliability WHERE vendor_id IN (?)`, vendorIDs); err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.VendorID] = r
	}
	return out, nil
}
