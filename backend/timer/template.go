package timer

import (
	"context"

	"github.com/google/uuid"

	"github.com/focushive/focushive/backend/errs"
)

// Template is a reusable timer configuration. System templates are
// immutable and shared by everyone.
type Template struct {
	ID            string
	OwnerUserID   string
	Name          string
	FocusSec      int
	ShortBreakSec int
	LongBreakSec  int
	Cycles        int
	IsSystem      bool
}

// TemplateRepo is the persistence contract for templates.
type TemplateRepo interface {
	CreateTemplate(ctx context.Context, t *Template) error
	GetTemplate(ctx context.Context, id string) (*Template, error)
	ListTemplates(ctx context.Context, ownerUserID string) ([]*Template, error)
	DeleteTemplate(ctx context.Context, id string) error
}

// systemTemplateID derives a stable UUID from the template name so
// re-seeding across restarts targets the same rows.
func systemTemplateID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("focushive:template:"+name)).String()
}

// SystemTemplates are seeded at startup. IDs are deterministic, so
// seeding is idempotent across process restarts.
func SystemTemplates() []*Template {
	return []*Template{
		{ID: systemTemplateID("Classic Pomodoro"), Name: "Classic Pomodoro", FocusSec: 25 * 60, ShortBreakSec: 5 * 60, LongBreakSec: 15 * 60, Cycles: 4, IsSystem: true},
		{ID: systemTemplateID("Deep Work"), Name: "Deep Work", FocusSec: 90 * 60, ShortBreakSec: 15 * 60, LongBreakSec: 30 * 60, Cycles: 2, IsSystem: true},
		{ID: systemTemplateID("Quick Sprint"), Name: "Quick Sprint", FocusSec: 15 * 60, ShortBreakSec: 3 * 60, LongBreakSec: 10 * 60, Cycles: 6, IsSystem: true},
	}
}

// CreateTemplate validates and stores a user template.
func (s *Service) CreateTemplate(ctx context.Context, t *Template) error {
	if t.Name == "" {
		return errs.ValidationFields("invalid template", map[string]string{"name": "required"})
	}
	if t.FocusSec <= 0 || t.FocusSec > int(s.cfg.MaxDuration.Seconds()) {
		return errs.ValidationFields("invalid template", map[string]string{"focusSec": "out of range"})
	}
	if t.IsSystem {
		return errs.Validation("system templates cannot be created through the API")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return s.templates.CreateTemplate(ctx, t)
}

// ListTemplates returns the system templates plus the user's own.
func (s *Service) ListTemplates(ctx context.Context, userID string) ([]*Template, error) {
	return s.templates.ListTemplates(ctx, userID)
}

// DeleteTemplate removes a user template; system templates are
// immutable.
func (s *Service) DeleteTemplate(ctx context.Context, id, userID string) error {
	t, err := s.templates.GetTemplate(ctx, id)
	if err != nil {
		return err
	}
	if t.IsSystem {
		return errs.Validation("system templates are immutable")
	}
	if t.OwnerUserID != userID {
		return errs.Authorization("template %s is not owned by %s", id, userID)
	}
	return s.templates.DeleteTemplate(ctx, id)
}
