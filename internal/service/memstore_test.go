package service

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/academy-enrollment-api/internal/dto"
	"github.com/noah-isme/academy-enrollment-api/internal/models"
	"github.com/noah-isme/academy-enrollment-api/internal/repository"
	"github.com/noah-isme/academy-enrollment-api/pkg/gateway"
)

// memData is the full state of the in-memory store. Transactions snapshot it and restore the
// snapshot on error, which gives the same all-or-nothing behaviour as a database rollback.
type memData struct {
	classes     map[string]*models.Class
	enrollments map[string]*models.Enrollment
	invoices    map[string]*models.Invoice
	payments    map[string]*models.Payment
	coupons     map[string]*models.Coupon
	usages      []models.CouponUsage
	notes       map[string]*models.CreditNote
	creditTxns  []models.CreditTransaction
	entries     map[string]*models.WaitingListEntry
	transfers   map[string]*models.EnrollmentTransfer
	regs        map[string]*models.AnnualRegistration
	sequences   map[string]int64
}

func newMemData() memData {
	return memData{
		classes:     map[string]*models.Class{},
		enrollments: map[string]*models.Enrollment{},
		invoices:    map[string]*models.Invoice{},
		payments:    map[string]*models.Payment{},
		coupons:     map[string]*models.Coupon{},
		notes:       map[string]*models.CreditNote{},
		entries:     map[string]*models.WaitingListEntry{},
		transfers:   map[string]*models.EnrollmentTransfer{},
		regs:        map[string]*models.AnnualRegistration{},
		sequences:   map[string]int64{},
	}
}

func cloneMap[T any](src map[string]*T) map[string]*T {
	dst := make(map[string]*T, len(src))
	for k, v := range src {
		c := *v
		dst[k] = &c
	}
	return dst
}

func (d memData) clone() memData {
	out := memData{
		classes:     cloneMap(d.classes),
		enrollments: cloneMap(d.enrollments),
		invoices:    cloneMap(d.invoices),
		payments:    cloneMap(d.payments),
		coupons:     cloneMap(d.coupons),
		usages:      append([]models.CouponUsage(nil), d.usages...),
		notes:       cloneMap(d.notes),
		creditTxns:  append([]models.CreditTransaction(nil), d.creditTxns...),
		entries:     cloneMap(d.entries),
		transfers:   cloneMap(d.transfers),
		regs:        cloneMap(d.regs),
		sequences:   make(map[string]int64, len(d.sequences)),
	}
	for k, v := range d.sequences {
		out.sequences[k] = v
	}
	return out
}

// memStore serialises transactions with txMu; mu guards the data for reads outside a transaction.
type memStore struct {
	txMu     sync.Mutex
	mu       sync.Mutex
	data     memData
	last     time.Time
	failures map[string]error
}

func newMemStore() *memStore {
	return &memStore{data: newMemData(), failures: map[string]error{}}
}

func (s *memStore) WithinTx(ctx context.Context, fn func(exec sqlx.ExtContext) error) (err error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()
	defer func() {
		if p := recover(); p != nil {
			s.restore(snapshot)
			panic(p)
		}
		if err != nil {
			s.restore(snapshot)
		}
	}()
	return fn(nil)
}

func (s *memStore) restore(snapshot memData) {
	s.mu.Lock()
	s.data = snapshot
	s.mu.Unlock()
}

// autocommit runs a single write outside any caller transaction.
func (s *memStore) autocommit(fn func()) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// failOn makes the next call of op return err. Caller must not hold mu.
func (s *memStore) failOn(op string, err error) {
	s.mu.Lock()
	s.failures[op] = err
	s.mu.Unlock()
}

// injected returns and clears a pending failure. Caller holds mu.
func (s *memStore) injected(op string) error {
	if err, ok := s.failures[op]; ok {
		delete(s.failures, op)
		return err
	}
	return nil
}

// stamp returns a strictly increasing timestamp. Caller holds mu.
func (s *memStore) stamp() time.Time {
	now := time.Now().UTC()
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

func (s *memStore) addClass(class models.Class) *models.Class {
	s.mu.Lock()
	defer s.mu.Unlock()
	if class.ID == "" {
		class.ID = uuid.NewString()
	}
	class.IsActive = true
	s.data.classes[class.ID] = &class
	c := class
	return &c
}

func (s *memStore) addCoupon(coupon models.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if coupon.ID == "" {
		coupon.ID = uuid.NewString()
	}
	s.data.coupons[coupon.ID] = &coupon
}

func (s *memStore) class(t *testing.T, id string) models.Class {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data.classes[id]
	if !ok {
		t.Fatalf("class %s not found", id)
	}
	return *c
}

func (s *memStore) enrollment(t *testing.T, id string) models.Enrollment {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data.enrollments[id]
	if !ok {
		t.Fatalf("enrollment %s not found", id)
	}
	return *e
}

func (s *memStore) invoice(t *testing.T, id string) models.Invoice {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.data.invoices[id]
	if !ok {
		t.Fatalf("invoice %s not found", id)
	}
	return *i
}

func (s *memStore) balance(studentID string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if note, ok := s.data.notes[studentID]; ok {
		return note.Balance
	}
	return decimal.Zero
}

func (s *memStore) completedSum(invoiceID string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := decimal.Zero
	for _, p := range s.data.payments {
		if p.InvoiceID == invoiceID && p.Status == models.PaymentStatusCompleted {
			sum = sum.Add(p.Amount)
		}
	}
	return sum
}

func (s *memStore) countedSeats(classID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.data.enrollments {
		if e.ClassID == classID && e.SeatCounted {
			n++
		}
	}
	return n
}

func (s *memStore) enrollmentsFor(classID string) []models.Enrollment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Enrollment
	for _, e := range s.data.enrollments {
		if e.ClassID == classID {
			out = append(out, *e)
		}
	}
	return out
}

func (s *memStore) ageEnrollment(id string, by time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.enrollments[id].CreatedAt = s.data.enrollments[id].CreatedAt.Add(-by)
}

type memClasses struct{ *memStore }

func (r memClasses) FindByID(ctx context.Context, id string) (*models.Class, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.data.classes[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *c
	return &cp, nil
}

func (r memClasses) LockForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Class, error) {
	return r.FindByID(ctx, id)
}

func (r memClasses) AdjustSeats(ctx context.Context, exec sqlx.ExtContext, id string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("classes.AdjustSeats"); err != nil {
		return err
	}
	c, ok := r.data.classes[id]
	next := 0
	if ok {
		next = c.CurrentEnrollments + delta
	}
	switch {
	case !ok && delta < 0, ok && next < 0:
		return repository.ErrSeatUnderflow
	case !ok, next > c.Capacity:
		return repository.ErrSeatUnavailable
	}
	c.CurrentEnrollments = next
	return nil
}

func (r memClasses) ReconcileSeatCounters(ctx context.Context, exec sqlx.ExtContext) (models.SeatReconciliation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result models.SeatReconciliation
	counted := map[string]int{}
	for _, e := range r.data.enrollments {
		if e.SeatCounted {
			counted[e.ClassID]++
		}
	}
	ids := make([]string, 0, len(r.data.classes))
	for id := range r.data.classes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c := r.data.classes[id]
		target := counted[id]
		if target > c.Capacity {
			result.Overbooked = append(result.Overbooked, id)
			target = c.Capacity
		}
		if c.CurrentEnrollments != target {
			c.CurrentEnrollments = target
			result.Corrected++
		}
	}
	return result, nil
}

type memEnrollments struct{ *memStore }

func (r memEnrollments) Create(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("enrollments.Create"); err != nil {
		return err
	}
	for _, e := range r.data.enrollments {
		if e.StudentID == enrollment.StudentID && e.ClassID == enrollment.ClassID && e.Status.IsLive() && e.DeletedAt == nil {
			return repository.ErrDuplicate
		}
	}
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	enrollment.CreatedAt = r.stamp()
	enrollment.UpdatedAt = enrollment.CreatedAt
	cp := *enrollment
	r.data.enrollments[cp.ID] = &cp
	return nil
}

func (r memEnrollments) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.data.enrollments[id]
	if !ok || e.DeletedAt != nil {
		return nil, sql.ErrNoRows
	}
	cp := *e
	return &cp, nil
}

func (r memEnrollments) LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error) {
	return r.FindByID(ctx, id)
}

func (r memEnrollments) LockByInvoiceID(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (*models.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.data.enrollments {
		if e.InvoiceID != nil && *e.InvoiceID == invoiceID && e.DeletedAt == nil {
			cp := *e
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r memEnrollments) ExistsLive(ctx context.Context, exec sqlx.ExtContext, studentID, classID, excludeID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.data.enrollments {
		if e.StudentID == studentID && e.ClassID == classID && e.Status.IsLive() && e.DeletedAt == nil && e.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (r memEnrollments) HasOpenTransferInto(ctx context.Context, exec sqlx.ExtContext, studentID, classID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tr := range r.data.transfers {
		if tr.StudentID == studentID && tr.ToClassID == classID && tr.Status.IsOpen() {
			return true, nil
		}
	}
	return false, nil
}

func (r memEnrollments) CountHeldSeats(ctx context.Context, exec sqlx.ExtContext, classID string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.data.enrollments {
		if e.ClassID == classID && e.Status == models.EnrollmentStatusPending && !e.SeatCounted && e.DeletedAt == nil && e.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (r memEnrollments) Update(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("enrollments.Update"); err != nil {
		return err
	}
	if _, ok := r.data.enrollments[enrollment.ID]; !ok {
		return sql.ErrNoRows
	}
	enrollment.UpdatedAt = r.stamp()
	cp := *enrollment
	r.data.enrollments[cp.ID] = &cp
	return nil
}

func (r memEnrollments) SoftDelete(ctx context.Context, id string, at time.Time) error {
	var err error
	r.autocommit(func() {
		e, ok := r.data.enrollments[id]
		if !ok || e.DeletedAt != nil {
			err = sql.ErrNoRows
			return
		}
		e.DeletedAt = &at
	})
	return err
}

func (r memEnrollments) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Enrollment
	for _, e := range r.data.enrollments {
		if e.DeletedAt != nil ||
			(filter.StudentID != "" && e.StudentID != filter.StudentID) ||
			(filter.ClassID != "" && e.ClassID != filter.ClassID) ||
			(filter.Status != nil && e.Status != *filter.Status) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, filter.Page, filter.PageSize), len(out), nil
}

func paginate[T any](items []T, page, size int) []T {
	start := (page - 1) * size
	if start >= len(items) || start < 0 {
		return nil
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

type memInvoices struct{ *memStore }

func copyInvoice(i *models.Invoice) *models.Invoice {
	cp := *i
	cp.Items = append([]models.InvoiceItem(nil), i.Items...)
	return &cp
}

func (r memInvoices) Create(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}
	for idx := range invoice.Items {
		invoice.Items[idx].ID = uuid.NewString()
		invoice.Items[idx].InvoiceID = invoice.ID
	}
	invoice.CreatedAt = r.stamp()
	invoice.UpdatedAt = invoice.CreatedAt
	r.data.invoices[invoice.ID] = copyInvoice(invoice)
	return nil
}

func (r memInvoices) FindByID(ctx context.Context, id string) (*models.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.data.invoices[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return copyInvoice(i), nil
}

func (r memInvoices) LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Invoice, error) {
	return r.FindByID(ctx, id)
}

func (r memInvoices) Update(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data.invoices[invoice.ID]; !ok {
		return sql.ErrNoRows
	}
	invoice.UpdatedAt = r.stamp()
	r.data.invoices[invoice.ID] = copyInvoice(invoice)
	return nil
}

func (r memInvoices) ListDueForReminder(ctx context.Context, dueBefore, remindedBefore time.Time, limit int) ([]models.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Invoice
	for _, i := range r.data.invoices {
		if (i.Status == models.InvoiceStatusPending || i.Status == models.InvoiceStatusPartiallyPaid) &&
			i.DueDate != nil && !i.DueDate.After(dueBefore) &&
			(i.LastRemindedAt == nil || i.LastRemindedAt.Before(remindedBefore)) {
			out = append(out, *copyInvoice(i))
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memInvoices) MarkReminded(ctx context.Context, id string, at time.Time) error {
	r.autocommit(func() {
		if i, ok := r.data.invoices[id]; ok {
			i.LastRemindedAt = &at
		}
	})
	return nil
}

func (r memInvoices) ListResettleCandidates(ctx context.Context, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, i := range r.data.invoices {
		if i.Status != models.InvoiceStatusPaid {
			continue
		}
		waiting := false
		for _, e := range r.data.enrollments {
			if e.InvoiceID != nil && *e.InvoiceID == id && e.Status.AwaitingPayment() && e.DeletedAt == nil {
				waiting = true
			}
		}
		for _, t := range r.data.transfers {
			if t.InvoiceID != nil && *t.InvoiceID == id && t.Status == models.TransferStatusPendingPayment {
				waiting = true
			}
		}
		for _, a := range r.data.regs {
			if a.InvoiceID != nil && *a.InvoiceID == id && a.Status == models.AnnualRegistrationStatusPendingPayment {
				waiting = true
			}
		}
		if waiting {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

type memPayments struct{ *memStore }

func (r memPayments) Create(ctx context.Context, exec sqlx.ExtContext, payment *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if payment.GatewayToken != nil {
		for _, p := range r.data.payments {
			if p.GatewayToken != nil && *p.GatewayToken == *payment.GatewayToken {
				return repository.ErrDuplicate
			}
		}
	}
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	payment.CreatedAt = r.stamp()
	payment.UpdatedAt = payment.CreatedAt
	cp := *payment
	r.data.payments[cp.ID] = &cp
	return nil
}

func (r memPayments) FindByID(ctx context.Context, id string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.data.payments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (r memPayments) FindByGatewayToken(ctx context.Context, token string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.data.payments {
		if p.GatewayToken != nil && *p.GatewayToken == token {
			cp := *p
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r memPayments) LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Payment, error) {
	return r.FindByID(ctx, id)
}

func (r memPayments) Update(ctx context.Context, exec sqlx.ExtContext, payment *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data.payments[payment.ID]; !ok {
		return sql.ErrNoRows
	}
	payment.UpdatedAt = r.stamp()
	cp := *payment
	r.data.payments[cp.ID] = &cp
	return nil
}

func (r memPayments) SumCompleted(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := decimal.Zero
	for _, p := range r.data.payments {
		if p.InvoiceID == invoiceID && p.Status == models.PaymentStatusCompleted {
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}

func (r memPayments) CountCompleted(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.data.payments {
		if p.InvoiceID == invoiceID && p.Status == models.PaymentStatusCompleted {
			n++
		}
	}
	return n, nil
}

func (r memPayments) HasPendingOnline(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.data.payments {
		if p.InvoiceID == invoiceID && p.Method == models.PaymentMethodOnline && p.Status == models.PaymentStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (r memPayments) ListByInvoice(ctx context.Context, invoiceID string) ([]models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Payment
	for _, p := range r.data.payments {
		if p.InvoiceID == invoiceID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r memPayments) LatestCompletedByInvoice(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.Payment
	for _, p := range r.data.payments {
		if p.InvoiceID != invoiceID || p.Status != models.PaymentStatusCompleted {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, sql.ErrNoRows
	}
	cp := *latest
	return &cp, nil
}

type memCoupons struct{ *memStore }

func (r memCoupons) LockByCode(ctx context.Context, exec sqlx.ExtContext, code string) (*models.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.data.coupons {
		if c.Code == code {
			cp := *c
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r memCoupons) IncrementUsage(ctx context.Context, exec sqlx.ExtContext, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.data.coupons[id]
	if !ok || (c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit) {
		return repository.ErrCouponExhausted
	}
	c.UsedCount++
	return nil
}

func (r memCoupons) CountUsageByStudent(ctx context.Context, exec sqlx.ExtContext, couponID, studentID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.data.usages {
		if u.CouponID == couponID && u.StudentID == studentID {
			n++
		}
	}
	return n, nil
}

func (r memCoupons) CreateUsage(ctx context.Context, exec sqlx.ExtContext, usage *models.CouponUsage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	usage.ID = uuid.NewString()
	usage.UsedAt = r.stamp()
	r.data.usages = append(r.data.usages, *usage)
	return nil
}

type memCredits struct{ *memStore }

func (r memCredits) LockNote(ctx context.Context, exec sqlx.ExtContext, studentID string) (*models.CreditNote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	note, ok := r.data.notes[studentID]
	if !ok {
		note = &models.CreditNote{ID: uuid.NewString(), StudentID: studentID, Balance: decimal.Zero, CreatedAt: r.stamp()}
		r.data.notes[studentID] = note
	}
	cp := *note
	return &cp, nil
}

func (r memCredits) FindNote(ctx context.Context, studentID string) (*models.CreditNote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	note, ok := r.data.notes[studentID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *note
	return &cp, nil
}

func (r memCredits) ApplyDelta(ctx context.Context, exec sqlx.ExtContext, noteID string, delta decimal.Decimal) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, note := range r.data.notes {
		if note.ID != noteID {
			continue
		}
		next := note.Balance.Add(delta)
		if next.IsNegative() {
			return decimal.Zero, repository.ErrInsufficientCredit
		}
		note.Balance = next
		return next, nil
	}
	return decimal.Zero, sql.ErrNoRows
}

func (r memCredits) CreateTransaction(ctx context.Context, exec sqlx.ExtContext, txn *models.CreditTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn.ID = uuid.NewString()
	txn.CreatedAt = r.stamp()
	r.data.creditTxns = append(r.data.creditTxns, *txn)
	return nil
}

func (r memCredits) ListTransactions(ctx context.Context, studentID string, page, pageSize int) ([]models.CreditTransaction, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.CreditTransaction
	for _, txn := range r.data.creditTxns {
		if txn.StudentID == studentID {
			out = append(out, txn)
		}
	}
	page, pageSize = models.NormalizePage(page, pageSize)
	return paginate(out, page, pageSize), len(out), nil
}

type memWaitingList struct{ *memStore }

func (r memWaitingList) Create(ctx context.Context, exec sqlx.ExtContext, entry *models.WaitingListEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	position := 1
	for _, e := range r.data.entries {
		if e.ClassID == entry.ClassID {
			position++
		}
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Position = position
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.stamp()
	}
	entry.UpdatedAt = entry.CreatedAt
	cp := *entry
	r.data.entries[cp.ID] = &cp
	return nil
}

func (r memWaitingList) FindByID(ctx context.Context, id string) (*models.WaitingListEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.data.entries[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *e
	return &cp, nil
}

func (r memWaitingList) LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.WaitingListEntry, error) {
	return r.FindByID(ctx, id)
}

func (r memWaitingList) FindOpenByStudent(ctx context.Context, exec sqlx.ExtContext, classID, studentID string) (*models.WaitingListEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.data.entries {
		if e.ClassID == classID && e.StudentID == studentID && e.IsOpen() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r memWaitingList) NextWaiting(ctx context.Context, exec sqlx.ExtContext, classID string) (*models.WaitingListEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var waiting []models.WaitingListEntry
	for _, e := range r.data.entries {
		if e.ClassID == classID && e.Status == models.WaitingListStatusWaiting {
			waiting = append(waiting, *e)
		}
	}
	if len(waiting) == 0 {
		return nil, sql.ErrNoRows
	}
	models.SortForPromotion(waiting)
	return &waiting[0], nil
}

func (r memWaitingList) CountOutstandingOffers(ctx context.Context, exec sqlx.ExtContext, classID, excludeStudentID string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.data.entries {
		if e.ClassID == classID && e.StudentID != excludeStudentID && e.HoldsOffer(now) {
			n++
		}
	}
	return n, nil
}

func (r memWaitingList) Update(ctx context.Context, exec sqlx.ExtContext, entry *models.WaitingListEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data.entries[entry.ID]; !ok {
		return sql.ErrNoRows
	}
	entry.UpdatedAt = r.stamp()
	cp := *entry
	r.data.entries[cp.ID] = &cp
	return nil
}

func (r memWaitingList) ListByClass(ctx context.Context, classID string, openOnly bool) ([]models.WaitingListEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.WaitingListEntry
	for _, e := range r.data.entries {
		if e.ClassID == classID && (!openOnly || e.IsOpen()) {
			out = append(out, *e)
		}
	}
	models.SortForPromotion(out)
	return out, nil
}

func (r memWaitingList) ExpireOffers(ctx context.Context, exec sqlx.ExtContext, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	var classIDs []string
	for _, e := range r.data.entries {
		if e.Status == models.WaitingListStatusNotified && e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
			e.Status = models.WaitingListStatusExpired
			if !seen[e.ClassID] {
				seen[e.ClassID] = true
				classIDs = append(classIDs, e.ClassID)
			}
		}
	}
	sort.Strings(classIDs)
	return classIDs, nil
}

// expireOffer backdates an offer so the next sweep treats it as lapsed.
func (s *memStore) expireOffer(entryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	past := time.Now().UTC().Add(-time.Minute)
	s.data.entries[entryID].ExpiresAt = &past
}

type memTransfers struct{ *memStore }

func (r memTransfers) Create(ctx context.Context, exec sqlx.ExtContext, transfer *models.EnrollmentTransfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if transfer.ID == "" {
		transfer.ID = uuid.NewString()
	}
	transfer.CreatedAt = r.stamp()
	transfer.UpdatedAt = transfer.CreatedAt
	cp := *transfer
	r.data.transfers[cp.ID] = &cp
	return nil
}

func (r memTransfers) FindByID(ctx context.Context, id string) (*models.EnrollmentTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.data.transfers[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

func (r memTransfers) LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EnrollmentTransfer, error) {
	return r.FindByID(ctx, id)
}

func (r memTransfers) LockByInvoiceID(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (*models.EnrollmentTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.data.transfers {
		if t.InvoiceID != nil && *t.InvoiceID == invoiceID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r memTransfers) HasOpenForEnrollment(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.data.transfers {
		if t.EnrollmentID == enrollmentID && t.Status.IsOpen() {
			return true, nil
		}
	}
	return false, nil
}

func (r memTransfers) Update(ctx context.Context, exec sqlx.ExtContext, transfer *models.EnrollmentTransfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("transfers.Update"); err != nil {
		return err
	}
	if _, ok := r.data.transfers[transfer.ID]; !ok {
		return sql.ErrNoRows
	}
	transfer.UpdatedAt = r.stamp()
	cp := *transfer
	r.data.transfers[cp.ID] = &cp
	return nil
}

func (r memTransfers) List(ctx context.Context, filter models.TransferFilter) ([]models.EnrollmentTransfer, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.EnrollmentTransfer
	for _, t := range r.data.transfers {
		if (filter.StudentID != "" && t.StudentID != filter.StudentID) ||
			(filter.EnrollmentID != "" && t.EnrollmentID != filter.EnrollmentID) ||
			(filter.Status != nil && t.Status != *filter.Status) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, filter.Page, filter.PageSize), len(out), nil
}

type memRegistrations struct{ *memStore }

func (r memRegistrations) Create(ctx context.Context, exec sqlx.ExtContext, reg *models.AnnualRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.data.regs {
		if existing.StudentID == reg.StudentID && existing.AcademicYear == reg.AcademicYear {
			return repository.ErrDuplicate
		}
	}
	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}
	reg.CreatedAt = r.stamp()
	reg.UpdatedAt = reg.CreatedAt
	cp := *reg
	r.data.regs[cp.ID] = &cp
	return nil
}

func (r memRegistrations) FindByID(ctx context.Context, id string) (*models.AnnualRegistration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.data.regs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *reg
	return &cp, nil
}

func (r memRegistrations) LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.AnnualRegistration, error) {
	return r.FindByID(ctx, id)
}

func (r memRegistrations) LockByInvoiceID(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (*models.AnnualRegistration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.data.regs {
		if reg.InvoiceID != nil && *reg.InvoiceID == invoiceID {
			cp := *reg
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r memRegistrations) Update(ctx context.Context, exec sqlx.ExtContext, reg *models.AnnualRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data.regs[reg.ID]; !ok {
		return sql.ErrNoRows
	}
	reg.UpdatedAt = r.stamp()
	cp := *reg
	r.data.regs[cp.ID] = &cp
	return nil
}

func (r memRegistrations) ExpirePastEndDate(ctx context.Context, today time.Time) (int64, error) {
	var expired int64
	r.autocommit(func() {
		for _, reg := range r.data.regs {
			if reg.Status == models.AnnualRegistrationStatusActive && reg.EndDate.Before(today) {
				reg.Status = models.AnnualRegistrationStatusExpired
				expired++
			}
		}
	})
	return expired, nil
}

type memSequences struct{ *memStore }

func (r memSequences) Next(ctx context.Context, exec sqlx.ExtContext, prefix models.DocumentPrefix, year int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(prefix) + strconv.Itoa(year)
	r.data.sequences[key]++
	return r.data.sequences[key], nil
}

type sentNotification struct {
	Recipient string
	Template  models.NotificationTemplate
	Data      map[string]interface{}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(ctx context.Context, recipient string, template models.NotificationTemplate, data map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{Recipient: recipient, Template: template, Data: data})
}

func (n *recordingNotifier) count(recipient string, template models.NotificationTemplate) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.Recipient == recipient && s.Template == template {
			c++
		}
	}
	return c
}

var staffActor = models.Actor{ID: "admin-1", Role: models.RoleAdmin}

func studentActor(studentID string) models.Actor {
	return models.Actor{ID: "user-" + studentID, Role: models.RoleStudent, StudentID: studentID}
}

// testEnv wires every service against one in-memory store the way the API binary does.
type testEnv struct {
	store         *memStore
	notifier      *recordingNotifier
	gateway       *gateway.Sandbox
	metrics       *MetricsService
	coordinator   *PaymentCoordinator
	credits       *CreditService
	billing       *BillingService
	waitingList   *WaitingListService
	enrollments   *EnrollmentService
	transfers     *TransferService
	registrations *AnnualRegistrationService
	classes       *ClassService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMemStore()
	notifier := &recordingNotifier{}
	sandbox := gateway.NewSandbox("http://localhost/callback")
	metrics := NewMetricsService()
	holdTTL := 30 * time.Minute

	coordinator := NewPaymentCoordinator(store, memInvoices{store}, memPayments{store}, nil)
	credits := NewCreditService(store, memCredits{store}, nil, nil)
	billing := NewBillingService(store, memInvoices{store}, memPayments{store}, memCoupons{store}, memSequences{store}, credits, sandbox, coordinator, metrics, nil, nil, BillingConfig{})
	waitingList := NewWaitingListService(store, memWaitingList{store}, memClasses{store}, memEnrollments{store}, notifier, nil, metrics, nil, nil, WaitingListConfig{NotifyTTL: 24 * time.Hour, HoldTTL: holdTTL})
	enrollments := NewEnrollmentService(store, memEnrollments{store}, memClasses{store}, memSequences{store}, billing, credits, waitingList, notifier, nil, metrics, nil, nil, EnrollmentConfig{
		HoldTTL:             holdTTL,
		InvoiceDueIn:        7 * 24 * time.Hour,
		CertificatesEnabled: true,
	})
	transfers := NewTransferService(store, memTransfers{store}, memEnrollments{store}, memClasses{store}, billing, credits, waitingList, notifier, nil, metrics, nil, nil, TransferConfig{
		InvoiceDueIn: 7 * 24 * time.Hour,
		HoldTTL:      holdTTL,
	})
	registrations := NewAnnualRegistrationService(store, memRegistrations{store}, billing, credits, notifier, nil, nil, AnnualRegistrationConfig{
		Fee:          decimal.NewFromInt(250000),
		InvoiceDueIn: 14 * 24 * time.Hour,
	})
	classes := NewClassService(store, memClasses{store}, memEnrollments{store}, memWaitingList{store}, nil, nil, holdTTL)

	billing.OnInvoiceChanged(enrollments.SyncInvoiceTx)
	billing.OnInvoiceChanged(registrations.RefreshPaidFlagTx)
	coordinator.Register("enrollment-activation", enrollments.HandlePaymentCompleted)
	coordinator.Register("transfer-completion", transfers.HandlePaymentCompleted)
	coordinator.Register("annual-registration", registrations.HandlePaymentCompleted)

	return &testEnv{
		store:         store,
		notifier:      notifier,
		gateway:       sandbox,
		metrics:       metrics,
		coordinator:   coordinator,
		credits:       credits,
		billing:       billing,
		waitingList:   waitingList,
		enrollments:   enrollments,
		transfers:     transfers,
		registrations: registrations,
		classes:       classes,
	}
}

func (e *testEnv) newClass(capacity int, price int64) *models.Class {
	return e.store.addClass(models.Class{Name: "Class " + uuid.NewString()[:8], Capacity: capacity, Price: decimal.NewFromInt(price)})
}

// pay records a cash payment at the counter.
func (e *testEnv) pay(t *testing.T, invoiceID string, amount decimal.Decimal) *models.Payment {
	t.Helper()
	result, err := e.billing.RecordPayment(context.Background(), staffActor, invoiceID, dtoPayment(amount, models.PaymentMethodCash))
	if err != nil {
		t.Fatalf("record payment: %v", err)
	}
	return result.Payment
}

func dtoPayment(amount decimal.Decimal, method models.PaymentMethod) dto.RecordPaymentRequest {
	return dto.RecordPaymentRequest{Amount: amount, Method: method, Reference: "ref-" + uuid.NewString()[:8]}
}
