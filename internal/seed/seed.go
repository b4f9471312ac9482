// Package seed loads demo clinic data through the data plane, so the same
// seeders work against either backend. Seeded rows carry a meta.seed
// marker and clear operations remove only those rows.
package seed

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clinicware/syncd/internal/backend"
	"github.com/clinicware/syncd/internal/infrastructure/logging"
	"github.com/clinicware/syncd/internal/shared/types"
)

var seedMeta = map[string]interface{}{"seed": true}

// Seeder writes demo data through whichever backend is active.
type Seeder struct {
	manager *backend.Manager
	logger  *logging.Logger
	emit    func(event string, payload interface{})
}

// New creates a seeder. emit may be nil.
func New(manager *backend.Manager, logger *logging.Logger, emit func(event string, payload interface{})) *Seeder {
	if logger == nil {
		logger = logging.NewDefault()
	}
	return &Seeder{manager: manager, logger: logger.Named("seed"), emit: emit}
}

func todayISO() string {
	return time.Now().Format("2006-01-02")
}

func addDays(date string, n int) string {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return date
	}
	return d.AddDate(0, 0, n).Format("2006-01-02")
}

// SeedTestData loads patients, a week of appointments, today's token
// slots, lab masters and lab invoices.
func (s *Seeder) SeedTestData(ctx context.Context) error {
	db := s.manager.Current()
	today := todayISO()

	patients := make([]types.Row, 5)
	for i := range patients {
		patients[i] = types.Row{
			"pid":    fmt.Sprintf("P00%d", i+1),
			"phone":  fmt.Sprintf("900000000%d", i+1),
			"name":   fmt.Sprintf("Child %d", i+1),
			"parent": fmt.Sprintf("Parent %d", i+1),
			"dob":    addDays(today, -365*(i+1)),
			"meta":   seedMeta,
		}
	}
	if _, err := db.Upsert(ctx, "patients", patients, []string{"pid"}); err != nil {
		return fmt.Errorf("seed patients: %w", err)
	}

	// Appointments for the last 7 days, keyed (date, token).
	var appts []types.Row
	for d := -6; d <= 0; d++ {
		date := addDays(today, d)
		for t := 1; t <= 6; t++ {
			p := patients[(t-1)%len(patients)]
			status := "approved"
			switch {
			case t == 3:
				status = "pending"
			case t == 5:
				status = "done"
			case t == 6:
				status = "cancelled"
			}
			appts = append(appts, types.Row{
				"date":   date,
				"time":   fmt.Sprintf("1%d:00", t),
				"token":  t,
				"pid":    p["pid"],
				"name":   p["name"],
				"phone":  p["phone"],
				"status": status,
				"reason": "General checkup",
				"meta":   seedMeta,
			})
		}
	}
	if _, err := db.Upsert(ctx, "appointments", appts, []string{"date", "token"}); err != nil {
		return fmt.Errorf("seed appointments: %w", err)
	}

	// Today's token board.
	var slots []types.Row
	for t := 1; t <= 12; t++ {
		p := patients[(t-1)%len(patients)]
		status := "pending"
		switch {
		case t%4 == 0:
			status = "approved"
		case t%5 == 0:
			status = "done"
		}
		slots = append(slots, types.Row{
			"date":        today,
			"time":        fmt.Sprintf("%02d:%s", 9+(t-1)/2, map[bool]string{true: "00", false: "30"}[t%2 == 1]),
			"token":       t,
			"name":        p["name"],
			"phone":       p["phone"],
			"appt_status": status,
			"key":         fmt.Sprintf("%s#%d", today, t),
			"meta":        seedMeta,
		})
	}
	if _, err := db.Upsert(ctx, "slots", slots, []string{"date", "token"}); err != nil {
		return fmt.Errorf("seed slots: %w", err)
	}

	// Lab test masters, keyed by code.
	labTests := []types.Row{
		{"code": "HB", "name": "Hemoglobin", "price": 180, "meta": seedMeta},
		{"code": "CBC", "name": "Complete Blood Count", "price": 350, "meta": seedMeta},
		{"code": "CRP", "name": "C-Reactive Protein", "price": 420, "meta": seedMeta},
	}
	if _, err := db.Upsert(ctx, "lab_tests", labTests, []string{"code"}); err != nil {
		return fmt.Errorf("seed lab tests: %w", err)
	}

	// A lab invoice per day for the last week.
	for d := -6; d <= 0; d++ {
		p := patients[(d+6)%len(patients)]
		_, err := db.Insert(ctx, "lab_invoices", types.Row{
			"date":         addDays(today, d),
			"patient_id":   p["pid"],
			"patient_name": p["name"],
			"amount":       200 + (d+6)*10,
			"meta":         seedMeta,
		})
		if err != nil {
			return fmt.Errorf("seed lab invoices: %w", err)
		}
	}

	s.logger.Info("test data seeded", zap.String("backend", db.Name()))
	s.pulse("db:patients", "db:appointments", "db:slots", "db:lab_tests", "db:lab_invoices")
	return nil
}

// ClearTestData removes only rows the seeder created.
func (s *Seeder) ClearTestData(ctx context.Context) error {
	db := s.manager.Current()
	for _, coll := range []string{"appointments", "slots", "lab_invoices", "lab_tests", "patients"} {
		if _, err := db.Remove(ctx, coll, types.Filter{"meta": seedMeta}); err != nil {
			// Equality on a JSON column differs per backend; fall back to
			// scanning for the marker.
			if ferr := s.clearByScan(ctx, db, coll); ferr != nil {
				return fmt.Errorf("clear %s: %w", coll, ferr)
			}
		}
	}
	s.logger.Info("test data cleared", zap.String("backend", db.Name()))
	s.pulse("db:patients", "db:appointments", "db:slots", "db:lab_tests", "db:lab_invoices")
	return nil
}

func (s *Seeder) clearByScan(ctx context.Context, db backend.Backend, coll string) error {
	rows, err := db.SelectWhere(ctx, coll, nil, nil)
	if err != nil {
		return err
	}
	for _, row := range rows {
		meta, _ := row["meta"].(map[string]interface{})
		if meta == nil || meta["seed"] != true {
			continue
		}
		if _, err := db.Remove(ctx, coll, types.Filter{"id": row["id"]}); err != nil {
			return err
		}
	}
	return nil
}

// SeedPharmacyData loads SEED-* pharmacy masters, a demo sale with stock
// adjustment and a receipt voucher.
func (s *Seeder) SeedPharmacyData(ctx context.Context) error {
	db := s.manager.Current()
	today := todayISO()

	items := []types.Row{
		{"sku": "SEED-PARA-250", "name": "Paracetamol 250mg", "mrp": 35, "stock": 120, "barcode": "890000000001", "meta": seedMeta},
		{"sku": "SEED-AZ-500", "name": "Azithromycin 500mg", "mrp": 120, "stock": 60, "barcode": "890000000002", "meta": seedMeta},
		{"sku": "SEED-ZINC", "name": "Zincovit Syrup", "mrp": 95, "stock": 80, "barcode": "890000000003", "meta": seedMeta},
		{"sku": "SEED-ORS", "name": "ORS Sachet", "mrp": 25, "stock": 200, "barcode": "890000000004", "meta": seedMeta},
	}
	if _, err := db.Upsert(ctx, "pharmacy_items", items, []string{"sku"}); err != nil {
		return fmt.Errorf("seed pharmacy items: %w", err)
	}

	sale, err := db.Insert(ctx, "invoices", types.Row{
		"date": today, "type": "sale", "total": 280, "party": "P001", "meta": seedMeta,
	})
	if err != nil {
		return fmt.Errorf("seed sale invoice: %w", err)
	}
	lines := []types.Row{
		{"invoice_id": sale["id"], "sku": "SEED-PARA-250", "name": "Paracetamol 250mg", "qty": 2, "price": 35, "party": "P001", "meta": seedMeta},
		{"invoice_id": sale["id"], "sku": "SEED-ZINC", "name": "Zincovit Syrup", "qty": 1, "price": 95, "party": "P001", "meta": seedMeta},
		{"invoice_id": sale["id"], "sku": "SEED-ORS", "name": "ORS Sachet", "qty": 5, "price": 25, "party": "P001", "meta": seedMeta},
	}
	for _, line := range lines {
		if _, err := db.Insert(ctx, "invoice_items", line); err != nil {
			return fmt.Errorf("seed invoice line: %w", err)
		}
		// Decrement stock for the sold quantity.
		stocked, err := db.SelectWhere(ctx, "pharmacy_items", types.Filter{"sku": line["sku"]}, nil)
		if err != nil || len(stocked) == 0 {
			continue
		}
		qty, _ := line["qty"].(int)
		if _, err := db.Update(ctx, "pharmacy_items",
			types.Filter{"sku": line["sku"]},
			types.Row{"stock": toInt(stocked[0]["stock"]) - qty}); err != nil {
			return fmt.Errorf("adjust stock for %v: %w", line["sku"], err)
		}
	}

	if _, err := db.Insert(ctx, "vouchers", types.Row{
		"date": today, "type": "receipt", "amount": 280, "party": "seed",
		"note": "DEMO receipt for seeded sale", "meta": seedMeta,
	}); err != nil {
		return fmt.Errorf("seed voucher: %w", err)
	}

	s.logger.Info("pharmacy data seeded", zap.String("backend", db.Name()))
	s.pulse("db:pharmacy_items", "db:invoices", "db:invoice_items", "db:vouchers")
	return nil
}

// ClearPharmacyData removes the SEED-* masters and the demo documents.
func (s *Seeder) ClearPharmacyData(ctx context.Context) error {
	db := s.manager.Current()

	items, err := db.SelectWhere(ctx, "pharmacy_items", nil, nil)
	if err != nil {
		return fmt.Errorf("clear pharmacy: %w", err)
	}
	for _, it := range items {
		sku, _ := it["sku"].(string)
		if len(sku) >= 5 && sku[:5] == "SEED-" {
			if _, err := db.Remove(ctx, "pharmacy_items", types.Filter{"sku": sku}); err != nil {
				return fmt.Errorf("clear item %s: %w", sku, err)
			}
		}
	}
	if _, err := db.Remove(ctx, "vouchers", types.Filter{"party": "seed"}); err != nil {
		return fmt.Errorf("clear vouchers: %w", err)
	}
	if err := s.clearByScan(ctx, db, "invoice_items"); err != nil {
		return fmt.Errorf("clear invoice items: %w", err)
	}
	if err := s.clearByScan(ctx, db, "invoices"); err != nil {
		return fmt.Errorf("clear invoices: %w", err)
	}

	s.logger.Info("pharmacy data cleared", zap.String("backend", db.Name()))
	s.pulse("db:pharmacy_items", "db:invoices", "db:invoice_items", "db:vouchers")
	return nil
}

func (s *Seeder) pulse(events ...string) {
	if s.emit == nil {
		return
	}
	for _, evt := range events {
		s.emit(evt, map[string]interface{}{"source": "seed"})
	}
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
