package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/jask/beatadmin/internal/selection"
)

// PhonesCollection holds the contact numbers shown on the storefront.
const PhonesCollection = "phoneNumbers"

// ErrInvalidPhone rejects numbers without any digits.
var ErrInvalidPhone = errors.New("invalid phone number")

// PhoneService manages contact numbers, exactly one of which may be active.
type PhoneService struct {
	Selection *selection.Manager
}

// NormalizePhone trims s and collapses runs of whitespace to one space.
func NormalizePhone(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (p *PhoneService) Add(ctx context.Context, number string) (selection.Item, error) {
	number = NormalizePhone(number)
	if number == "" {
		return selection.Item{}, selection.ErrEmptyValue
	}
	if !strings.ContainsFunc(number, unicode.IsDigit) {
		return selection.Item{}, fmt.Errorf("%w: %q", ErrInvalidPhone, number)
	}
	return p.Selection.Add(ctx, number)
}

func (p *PhoneService) Remove(ctx context.Context, id string) error {
	return p.Selection.Remove(ctx, id)
}

// Activate makes id the number shown to customers.
func (p *PhoneService) Activate(ctx context.Context, id string) error {
	return p.Selection.Activate(ctx, id)
}

func (p *PhoneService) List(ctx context.Context) ([]selection.Item, error) {
	return p.Selection.List(ctx)
}

func (p *PhoneService) Active(ctx context.Context) (*selection.Item, error) {
	return p.Selection.Active(ctx)
}

func (p *PhoneService) Watch(ctx context.Context) (<-chan []selection.Item, error) {
	return p.Selection.Watch(ctx)
}
