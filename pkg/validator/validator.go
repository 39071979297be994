// Package validator holds the request payloads accepted by the HTTP surface.
package validator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stebbidabba/balans-sub000/pkg/model"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("order_status", func(fl validator.FieldLevel) bool {
		return model.ValidOrderStatus(fl.Field().String())
	})
	_ = validate.RegisterValidation("result_status", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == "" || s == model.ResultStatusDraft || s == model.ResultStatusPending || model.ResultVisible(s)
	})
}

type AddToCartPayload struct {
	ProductID string `json:"product_id" validate:"required,max=64"`
}

func (p *AddToCartPayload) Validate() error {
	return validate.Struct(p)
}

type SetQuantityPayload struct {
	ProductID string `validate:"required,max=64"`
	// zero or negative removes the line
	Quantity int `json:"quantity" validate:"lte=99"`
}

func (p *SetQuantityPayload) Validate() error {
	return validate.Struct(p)
}

type CheckoutPayload struct {
	Email string `json:"email" validate:"omitempty,email,max=255"`
}

func (p *CheckoutPayload) Validate() error {
	return validate.Struct(p)
}

type SubscribePayload struct {
	Email string `json:"email" validate:"required,email,max=255"`
}

func (p *SubscribePayload) Validate() error {
	return validate.Struct(p)
}

type LeadPayload struct {
	Email  string `json:"email" validate:"required,email,max=255"`
	Name   string `json:"name" validate:"max=255"`
	Source string `json:"source" validate:"max=64"`
}

func (p *LeadPayload) Validate() error {
	return validate.Struct(p)
}

type StatusPayload struct {
	Status string `json:"status" validate:"required,order_status"`
}

func (p *StatusPayload) Validate() error {
	return validate.Struct(p)
}

type ReadingPayload struct {
	HormoneType string     `json:"hormone_type" validate:"required,max=64"`
	Value       *float64   `json:"value" validate:"required"`
	Unit        string     `json:"unit" validate:"max=32"`
	RefLow      *float64   `json:"reference_range_min"`
	RefHigh     *float64   `json:"reference_range_max"`
	TestedAt    *time.Time `json:"tested_at"`
}

type ResultsPayload struct {
	OrderID  string           `json:"order_id" validate:"required,max=64"`
	KitCode  string           `json:"kit_code" validate:"max=64"`
	Status   string           `json:"status" validate:"result_status"`
	Notes    string           `json:"notes" validate:"max=2000"`
	Readings []ReadingPayload `json:"readings" validate:"required,min=1,max=50,dive"`
}

func (p *ResultsPayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return err
	}
	for i, r := range p.Readings {
		if r.RefLow != nil && r.RefHigh != nil && *r.RefLow > *r.RefHigh {
			return fmt.Errorf("reading %d: reference_range_min above reference_range_max", i)
		}
	}
	return nil
}

// ValidationErrorResponse flattens validator errors into one message per field.
func ValidationErrorResponse(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}
	msgs := make([]string, 0, len(validationErrs))
	for _, fe := range validationErrs {
		msgs = append(msgs, fmt.Sprintf("Field '%s' is invalid: %s", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
