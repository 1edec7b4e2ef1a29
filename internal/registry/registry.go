// Package registry reads and mutates the recipient registrations kept in
// the backing store. All reads go through the quota gateway, so they are
// cached and budget-guarded like every other store access.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fleetbot/internal/gateway"
	"fleetbot/internal/sheets"
	"fleetbot/pkg/logx"
)

// Registration is one active (resource, recipient) pair.
type Registration struct {
	ResourceKey string
	RecipientID int64
	Title       string

	// row is the 1-based worksheet row the registration came from,
	// kept so Deactivate can address it without a second scan.
	row int
}

type Registry struct {
	gw        *gateway.Gateway
	worksheet string
	log       logx.Logger
	now       func() time.Time
}

func New(gw *gateway.Gateway, worksheet string, log logx.Logger) *Registry {
	if worksheet == "" {
		worksheet = "groups"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{gw: gw, worksheet: worksheet, log: log, now: time.Now}
}

// columns resolved from the header row. The sheet is operator-maintained,
// so headers are matched loosely (case-insensitive substring).
type columns struct {
	recipient int
	resource  int
	title     int
	status    int
	note      int
}

func resolveColumns(header []string) (columns, error) {
	c := columns{recipient: -1, resource: -1, title: -1, status: -1, note: -1}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		switch {
		case c.recipient < 0 && (strings.Contains(h, "group_id") || strings.Contains(h, "recipient")):
			c.recipient = i
		case c.resource < 0 && (strings.Contains(h, "vin") || strings.Contains(h, "resource")):
			c.resource = i
		case c.title < 0 && strings.Contains(h, "title"):
			c.title = i
		case c.status < 0 && strings.Contains(h, "status"):
			c.status = i
		case c.note < 0 && strings.Contains(h, "note"):
			c.note = i
		}
	}
	if c.recipient < 0 || c.resource < 0 || c.status < 0 {
		return c, fmt.Errorf("registry: worksheet header missing required columns (got %v)", header)
	}
	return c, nil
}

// Active returns the current registrations whose status is ACTIVE, in
// worksheet (registration) order.
func (r *Registry) Active(ctx context.Context) ([]Registration, error) {
	rows, err := r.gw.ReadAll(ctx, r.worksheet)
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, nil
	}
	cols, err := resolveColumns(rows[0])
	if err != nil {
		return nil, err
	}

	var out []Registration
	for i, row := range rows[1:] {
		get := func(idx int) string {
			if idx < 0 || idx >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[idx])
		}
		if !strings.EqualFold(get(cols.status), "ACTIVE") {
			continue
		}
		key := strings.ToUpper(get(cols.resource))
		idStr := get(cols.recipient)
		if key == "" || idStr == "" {
			continue
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			r.log.Warn("registry: bad recipient id; skipping row",
				logx.Int("row", i+2), logx.String("value", idStr))
			continue
		}
		out = append(out, Registration{
			ResourceKey: key,
			RecipientID: id,
			Title:       get(cols.title),
			row:         i + 2,
		})
	}
	return out, nil
}

// Deactivate marks every registration of recipientID INACTIVE and records
// the reason. The cached recipients read is invalidated so the next
// broadcast run sees the change immediately.
func (r *Registry) Deactivate(ctx context.Context, recipientID int64, reason string) error {
	rows, err := r.gw.ReadAll(ctx, r.worksheet)
	if err != nil {
		return err
	}
	if len(rows) < 2 {
		return nil
	}
	cols, err := resolveColumns(rows[0])
	if err != nil {
		return err
	}

	note := fmt.Sprintf("%s - %s", reason, r.now().Format("2006-01-02 15:04:05"))
	var updates []sheets.Update
	for i, row := range rows[1:] {
		if cols.recipient >= len(row) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(row[cols.recipient]), 10, 64)
		if err != nil || id != recipientID {
			continue
		}
		updates = append(updates, sheets.Update{Row: i + 2, StartCol: cols.status + 1, Values: []string{"INACTIVE"}})
		if cols.note >= 0 {
			updates = append(updates, sheets.Update{Row: i + 2, StartCol: cols.note + 1, Values: []string{note}})
		}
	}
	if len(updates) == 0 {
		return nil
	}

	if err := r.gw.BatchWrite(ctx, r.worksheet, updates); err != nil {
		return err
	}
	r.gw.Invalidate(sheets.Request{Op: sheets.OpReadAll, Worksheet: r.worksheet})
	r.log.Info("recipient deactivated",
		logx.Int64("recipient", recipientID), logx.String("reason", reason))
	return nil
}
