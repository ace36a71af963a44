package memory

import (
	"context"
	"sort"

	"github.com/somenicecode/dayx/internal/domain"
)

type shipmentRepository struct {
	s *session
}

func cloneShipment(sh domain.Shipment) *domain.Shipment {
	sh.ShippedAt = copyTime(sh.ShippedAt)
	sh.DeliveredAt = copyTime(sh.DeliveredAt)
	return &sh
}

// Create сохраняет доставку. Вторая доставка на тот же заказ: ErrAlreadyExists.
func (r shipmentRepository) Create(_ context.Context, shipment *domain.Shipment) error {
	defer r.s.lock()()
	db := r.s.db()

	if _, exists := db.shipments[shipment.ID]; exists {
		return domain.ErrAlreadyExists
	}
	if _, exists := db.shipmentByOrder[shipment.OrderID]; exists {
		return domain.ErrAlreadyExists
	}
	if _, exists := db.methods[shipment.DeliveryMethodID]; !exists {
		return domain.ErrDeliveryMethodNotFound
	}

	db.shipments[shipment.ID] = *cloneShipment(*shipment)
	db.shipmentByOrder[shipment.OrderID] = shipment.ID
	r.s.record(func() {
		delete(db.shipments, shipment.ID)
		delete(db.shipmentByOrder, shipment.OrderID)
	})
	return nil
}

func (r shipmentRepository) Get(_ context.Context, id string) (*domain.Shipment, error) {
	defer r.s.rlock()()

	sh, ok := r.s.db().shipments[id]
	if !ok {
		return nil, domain.ErrShipmentNotFound
	}
	return cloneShipment(sh), nil
}

func (r shipmentRepository) GetByOrder(_ context.Context, orderID string) (*domain.Shipment, error) {
	defer r.s.rlock()()
	db := r.s.db()

	id, ok := db.shipmentByOrder[orderID]
	if !ok {
		return nil, domain.ErrShipmentNotFound
	}
	return cloneShipment(db.shipments[id]), nil
}

// Update сохраняет метки времени, если сохранённая стадия равна expected.
func (r shipmentRepository) Update(_ context.Context, shipment *domain.Shipment, expected domain.ShipmentStage) error {
	defer r.s.lock()()
	db := r.s.db()

	current, ok := db.shipments[shipment.ID]
	if !ok {
		return domain.ErrShipmentNotFound
	}
	if current.Stage() != expected {
		return domain.ErrConcurrentUpdate
	}

	db.shipments[shipment.ID] = *cloneShipment(*shipment)
	r.s.record(func() { db.shipments[shipment.ID] = current })
	return nil
}

type deliveryMethodRepository struct {
	s *session
}

func (r deliveryMethodRepository) Create(_ context.Context, method *domain.DeliveryMethod) error {
	defer r.s.lock()()
	db := r.s.db()

	if _, exists := db.methods[method.ID]; exists {
		return domain.ErrAlreadyExists
	}
	db.methods[method.ID] = *method
	r.s.record(func() { delete(db.methods, method.ID) })
	return nil
}

func (r deliveryMethodRepository) Get(_ context.Context, id string) (*domain.DeliveryMethod, error) {
	defer r.s.rlock()()

	m, ok := r.s.db().methods[id]
	if !ok {
		return nil, domain.ErrDeliveryMethodNotFound
	}
	return &m, nil
}

// List возвращает способы доставки, отсортированные по названию.
func (r deliveryMethodRepository) List(_ context.Context) ([]*domain.DeliveryMethod, error) {
	defer r.s.rlock()()

	result := make([]*domain.DeliveryMethod, 0, len(r.s.db().methods))
	for _, m := range r.s.db().methods {
		m := m
		result = append(result, &m)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

var (
	_ domain.ShipmentRepository       = shipmentRepository{}
	_ domain.DeliveryMethodRepository = deliveryMethodRepository{}
)
