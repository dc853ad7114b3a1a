package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"enrollment-service/internal/models"
	"enrollment-service/internal/store"

	"github.com/shopspring/decimal"
)

// memRepo is an in-memory store with the same conditional-update semantics
// as the Postgres store. Every method takes the lock, so concurrent callers
// see the same serialisation a row lock would give.
type memRepo struct {
	mu sync.Mutex

	nextID      int64
	courses     map[int64]models.Course
	coupons     map[string]*models.Coupon
	payments    map[string]*models.Payment
	enrollments map[[2]int64]*models.Enrollment
	rates       map[string]decimal.Decimal

	activations int
	rateReads   int
}

func newMemRepo() *memRepo {
	return &memRepo{
		courses:     make(map[int64]models.Course),
		coupons:     make(map[string]*models.Coupon),
		payments:    make(map[string]*models.Payment),
		enrollments: make(map[[2]int64]*models.Enrollment),
		rates:       make(map[string]decimal.Decimal),
	}
}

func (m *memRepo) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memRepo) addCourse(id, price int64, currency string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[id] = models.Course{ID: id, Title: fmt.Sprintf("Course %d", id), Price: price, Currency: currency, IsPublished: true}
}

func (m *memRepo) addCoupon(c models.Coupon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.id()
	c.Code = models.NormalizeCouponCode(c.Code)
	m.coupons[c.Code] = &c
}

func (m *memRepo) setRate(base, quote, rate string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[base+":"+quote] = decimal.RequireFromString(rate)
}

func (m *memRepo) coupon(code string) models.Coupon {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.coupons[models.NormalizeCouponCode(code)]
}

func (m *memRepo) payment(ref string) *models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[ref]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func (m *memRepo) enrollment(userID, courseID int64) *models.Enrollment {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[[2]int64{userID, courseID}]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

func (m *memRepo) paymentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

func (m *memRepo) activationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activations
}

func (m *memRepo) GetCourse(ctx context.Context, id int64) (*models.Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[id]
	if !ok {
		return nil, fmt.Errorf("course %d: %w", id, store.ErrNotFound)
	}
	return &c, nil
}

func (m *memRepo) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[models.NormalizeCouponCode(code)]
	if !ok {
		return nil, fmt.Errorf("coupon %s: %w", code, store.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) GetCouponByID(ctx context.Context, id int64) (*models.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.coupons {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("coupon %d: %w", id, store.ErrNotFound)
}

func (m *memRepo) ListCoupons(ctx context.Context) ([]models.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Coupon, 0, len(m.coupons))
	for _, c := range m.coupons {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) CreateCoupon(ctx context.Context, coupon *models.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.coupons[coupon.Code]; ok {
		return fmt.Errorf("coupon %s: %w", coupon.Code, store.ErrDuplicate)
	}
	coupon.ID = m.id()
	cp := *coupon
	m.coupons[coupon.Code] = &cp
	return nil
}

func (m *memRepo) UpdateCoupon(ctx context.Context, coupon *models.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var old *models.Coupon
	for _, c := range m.coupons {
		if c.ID == coupon.ID {
			old = c
		}
	}
	if old == nil {
		return fmt.Errorf("coupon %d: %w", coupon.ID, store.ErrNotFound)
	}
	if other, ok := m.coupons[coupon.Code]; ok && other.ID != coupon.ID {
		return fmt.Errorf("coupon %s: %w", coupon.Code, store.ErrDuplicate)
	}
	delete(m.coupons, old.Code)
	cp := *coupon
	cp.UsedCount = old.UsedCount
	m.coupons[cp.Code] = &cp
	coupon.UsedCount = old.UsedCount
	return nil
}

func (m *memRepo) DeleteCoupon(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for code, c := range m.coupons {
		if c.ID == id {
			delete(m.coupons, code)
			return nil
		}
	}
	return fmt.Errorf("coupon %d: %w", id, store.ErrNotFound)
}

func (m *memRepo) HasSuccessfulPayment(ctx context.Context, userID, courseID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.UserID == userID && p.CourseID == courseID && p.Status == models.PaymentStatusSuccessful {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRepo) GetEnrollment(ctx context.Context, userID, courseID int64) (*models.Enrollment, error) {
	e := m.enrollment(userID, courseID)
	if e == nil {
		return nil, fmt.Errorf("enrollment %d/%d: %w", userID, courseID, store.ErrNotFound)
	}
	return e, nil
}

func (m *memRepo) ListEnrollmentsByUser(ctx context.Context, userID int64) ([]models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Enrollment
	for k, e := range m.enrollments {
		if k[0] == userID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memRepo) GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error) {
	p := m.payment(reference)
	if p == nil {
		return nil, fmt.Errorf("payment %s: %w", reference, store.ErrNotFound)
	}
	return p, nil
}

func (m *memRepo) CreatePendingPurchase(ctx context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[payment.Reference]; ok {
		return fmt.Errorf("payment %s: %w", payment.Reference, store.ErrDuplicate)
	}
	key := [2]int64{payment.UserID, payment.CourseID}
	e, exists := m.enrollments[key]
	if exists && !e.Status.CanTransitionTo(models.EnrollmentStatusPending) {
		return store.ErrEnrollmentActive
	}

	now := time.Now()
	payment.ID = m.id()
	payment.Status = models.PaymentStatusPending
	payment.CreatedAt, payment.UpdatedAt = now, now
	cp := *payment
	m.payments[payment.Reference] = &cp

	ref := payment.Reference
	if exists {
		e.Status = models.EnrollmentStatusPending
		e.PaymentReference = &ref
		e.UpdatedAt = now
	} else {
		m.enrollments[key] = &models.Enrollment{
			ID: m.id(), UserID: payment.UserID, CourseID: payment.CourseID,
			Status: models.EnrollmentStatusPending, PaymentReference: &ref,
			CreatedAt: now, UpdatedAt: now,
		}
	}
	return nil
}

func (m *memRepo) CreateFreePurchase(ctx context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{payment.UserID, payment.CourseID}
	if e, ok := m.enrollments[key]; ok && e.Status == models.EnrollmentStatusActive {
		return store.ErrEnrollmentActive
	}
	var coupon *models.Coupon
	if payment.CouponCode != nil {
		coupon = m.coupons[models.NormalizeCouponCode(*payment.CouponCode)]
		if coupon == nil || (coupon.MaxUses != nil && coupon.UsedCount >= *coupon.MaxUses) {
			return store.ErrCouponExhausted
		}
	}

	now := time.Now()
	zero := int64(0)
	payment.ID = m.id()
	payment.Amount = 0
	payment.Status = models.PaymentStatusSuccessful
	payment.ConfirmedAmount = &zero
	payment.PaidAt = &now
	cp := *payment
	m.payments[payment.Reference] = &cp

	m.activate(&cp)
	if coupon != nil {
		coupon.UsedCount++
	}
	return nil
}

func (m *memRepo) RecordPayment(ctx context.Context, payment *models.Payment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[payment.Reference]; ok {
		return false, nil
	}
	payment.ID = m.id()
	payment.Status = models.PaymentStatusPending
	payment.CreatedAt = time.Now()
	cp := *payment
	m.payments[payment.Reference] = &cp
	return true, nil
}

func (m *memRepo) MarkPaymentSuccessful(ctx context.Context, reference string, confirmedAmount int64, paidAt time.Time) (*store.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[reference]
	if !ok || p.Status != models.PaymentStatusPending {
		return &store.Transition{}, nil
	}

	p.Status = models.PaymentStatusSuccessful
	p.ConfirmedAmount = &confirmedAmount
	p.PaidAt = &paidAt
	p.UpdatedAt = time.Now()
	m.activate(p)

	counted := false
	if p.CouponCode != nil {
		if c, ok := m.coupons[models.NormalizeCouponCode(*p.CouponCode)]; ok &&
			(c.MaxUses == nil || c.UsedCount < *c.MaxUses) {
			c.UsedCount++
			counted = true
		}
	}

	cp := *p
	return &store.Transition{Applied: true, CouponCounted: counted, Payment: &cp}, nil
}

func (m *memRepo) MarkPaymentFailed(ctx context.Context, reference string) (*store.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[reference]
	if !ok || p.Status != models.PaymentStatusPending {
		return &store.Transition{}, nil
	}
	p.Status = models.PaymentStatusFailed
	p.UpdatedAt = time.Now()

	if e, ok := m.enrollments[[2]int64{p.UserID, p.CourseID}]; ok &&
		e.Status == models.EnrollmentStatusPending && e.PaymentReference != nil && *e.PaymentReference == reference {
		e.Status = models.EnrollmentStatusFailed
	}

	cp := *p
	return &store.Transition{Applied: true, Payment: &cp}, nil
}

func (m *memRepo) ListStalePendingPayments(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Payment
	for _, p := range m.payments {
		if p.Status == models.PaymentStatusPending && p.CreatedAt.Before(cutoff) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) GetExchangeRate(ctx context.Context, base, quote string) (*models.ExchangeRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateReads++
	r, ok := m.rates[base+":"+quote]
	if !ok {
		return nil, fmt.Errorf("rate %s/%s: %w", base, quote, store.ErrNotFound)
	}
	return &models.ExchangeRate{Base: base, Quote: quote, Rate: r}, nil
}

// activate must be called with mu held
func (m *memRepo) activate(p *models.Payment) {
	key := [2]int64{p.UserID, p.CourseID}
	now := time.Now()
	ref := p.Reference
	e, ok := m.enrollments[key]
	if !ok {
		m.enrollments[key] = &models.Enrollment{
			ID: m.id(), UserID: p.UserID, CourseID: p.CourseID,
			Status: models.EnrollmentStatusActive, PaymentReference: &ref,
			EnrolledAt: &now, CreatedAt: now, UpdatedAt: now,
		}
		m.activations++
		return
	}
	if !e.Status.CanTransitionTo(models.EnrollmentStatusActive) {
		return
	}
	e.Status = models.EnrollmentStatusActive
	e.PaymentReference = &ref
	e.EnrolledAt = &now
	e.UpdatedAt = now
	m.activations++
}

// recordingPublisher captures published events
type recordingPublisher struct {
	mu        sync.Mutex
	initiated []*models.PaymentInitiatedEvent
	succeeded []*models.PaymentSucceededEvent
	failed    []*models.PaymentFailedEvent
	activated []*models.EnrollmentActivatedEvent
}

func (p *recordingPublisher) PublishPaymentInitiated(ctx context.Context, e *models.PaymentInitiatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initiated = append(p.initiated, e)
	return nil
}

func (p *recordingPublisher) PublishPaymentSucceeded(ctx context.Context, e *models.PaymentSucceededEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.succeeded = append(p.succeeded, e)
	return nil
}

func (p *recordingPublisher) PublishPaymentFailed(ctx context.Context, e *models.PaymentFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, e)
	return nil
}

func (p *recordingPublisher) PublishEnrollmentActivated(ctx context.Context, e *models.EnrollmentActivatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activated = append(p.activated, e)
	return nil
}

func (p *recordingPublisher) counts() (initiated, succeeded, failed, activated int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.initiated), len(p.succeeded), len(p.failed), len(p.activated)
}
